package arbor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAuditSinkPosts(t *testing.T) {
	type posted struct {
		event       AuditEvent
		contentType string
	}
	received := make(chan posted, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev AuditEvent
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			t.Errorf("decode: %v", err)
		}
		received <- posted{event: ev, contentType: r.Header.Get("Content-Type")}
	}))
	defer srv.Close()

	s := NewAuditSink(srv.URL)
	s.Log("query", "classify", "user-1", "q-1", map[string]any{"type": "research"}, "sess-1")
	s.Close()

	select {
	case p := <-received:
		if p.contentType != "application/json" {
			t.Errorf("Content-Type = %q", p.contentType)
		}
		ev := p.event
		if ev.EventType != "query" || ev.Action != "classify" || ev.Actor != "user-1" || ev.Resource != "q-1" {
			t.Errorf("event = %+v", ev)
		}
		if ev.SessionID != "sess-1" || ev.Details["type"] != "research" {
			t.Errorf("event = %+v", ev)
		}
		if ev.At.IsZero() {
			t.Error("At not stamped")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never posted")
	}
	if s.Dropped() != 0 {
		t.Errorf("Dropped = %d", s.Dropped())
	}
}

func TestAuditSinkLocalFallback(t *testing.T) {
	// No URL: events log locally and are never dropped.
	s := NewAuditSink("")
	for range 4 {
		s.Log("query", "classify", "u", "r", nil, "")
	}
	s.Close()
	if s.Dropped() != 0 {
		t.Errorf("Dropped = %d", s.Dropped())
	}
}

func TestAuditSinkDropsWhenFull(t *testing.T) {
	entered := make(chan struct{}, 8)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entered <- struct{}{}
		<-release
	}))
	defer srv.Close()

	s := NewAuditSink(srv.URL, AuditBuffer(1))
	s.Log("a", "1", "u", "", nil, "")
	<-entered // poster is parked on the first event
	s.Log("b", "2", "u", "", nil, "") // fills the buffer
	s.Log("c", "3", "u", "", nil, "") // no room left

	if got := s.Dropped(); got != 1 {
		t.Errorf("Dropped = %d, want 1", got)
	}
	close(release)
	s.Close()
}

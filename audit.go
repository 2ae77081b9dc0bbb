package arbor

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// AuditEvent is one entry on the audit trail.
type AuditEvent struct {
	EventType string         `json:"event_type"`
	Action    string         `json:"action"`
	Actor     string         `json:"actor"`
	Resource  string         `json:"resource,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	At        time.Time      `json:"at"`
}

// AuditSink posts events to an HTTP collector without ever blocking the
// caller: Log enqueues onto a bounded buffer and returns; a background
// poster drains it. When the buffer is full the event is dropped and
// counted. A sink with an empty URL logs events locally instead.
type AuditSink struct {
	url     string
	client  *http.Client
	events  chan AuditEvent
	logger  *slog.Logger
	dropped atomic.Int64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// AuditOption configures an AuditSink.
type AuditOption func(*AuditSink)

// AuditBuffer sets the event buffer capacity (default 256).
func AuditBuffer(n int) AuditOption {
	return func(s *AuditSink) { s.events = make(chan AuditEvent, n) }
}

// AuditHTTPClient replaces the default client (5s timeout).
func AuditHTTPClient(c *http.Client) AuditOption {
	return func(s *AuditSink) { s.client = c }
}

// AuditLogger sets the structured logger for drops and post failures.
func AuditLogger(l *slog.Logger) AuditOption {
	return func(s *AuditSink) { s.logger = l }
}

// NewAuditSink creates a sink posting to url and starts its poster.
func NewAuditSink(url string, opts ...AuditOption) *AuditSink {
	s := &AuditSink{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.events == nil {
		s.events = make(chan AuditEvent, 256)
	}
	if s.logger == nil {
		s.logger = nopLogger
	}
	go s.poster()
	return s
}

// Log enqueues an event. Never blocks; a full buffer drops the event.
func (s *AuditSink) Log(eventType, action, actor, resource string, details map[string]any, sessionID string) {
	ev := AuditEvent{
		EventType: eventType,
		Action:    action,
		Actor:     actor,
		Resource:  resource,
		Details:   details,
		SessionID: sessionID,
		At:        time.Now(),
	}
	select {
	case s.events <- ev:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns the count of events lost to a full buffer.
func (s *AuditSink) Dropped() int64 { return s.dropped.Load() }

// Close stops the poster after draining buffered events.
func (s *AuditSink) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

func (s *AuditSink) poster() {
	defer close(s.done)
	for {
		select {
		case ev := <-s.events:
			s.post(ev)
		case <-s.stop:
			for {
				select {
				case ev := <-s.events:
					s.post(ev)
				default:
					return
				}
			}
		}
	}
}

func (s *AuditSink) post(ev AuditEvent) {
	if s.url == "" {
		s.logger.Info("audit", "event_type", ev.EventType, "action", ev.Action, "actor", ev.Actor, "resource", ev.Resource)
		return
	}
	body, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn("audit event marshal failed", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.client.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		s.logger.Warn("audit request build failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("audit post failed", "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		s.logger.Warn("audit post rejected", "status", resp.StatusCode)
	}
}

package arbor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileArtifactSinkRoundTrip(t *testing.T) {
	s := NewFileArtifactSink(t.TempDir())
	id := NewID()

	if err := s.Put(context.Background(), id, []byte("full tool output")); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "full tool output" {
		t.Errorf("content = %q", got)
	}
}

func TestFileArtifactSinkFansOutByPrefix(t *testing.T) {
	dir := t.TempDir()
	s := NewFileArtifactSink(dir)

	if err := s.Put(context.Background(), "abcd1234", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "ab", "abcd1234")); err != nil {
		t.Errorf("expected fan-out path: %v", err)
	}
}

func TestFileArtifactSinkRejectsBadIDs(t *testing.T) {
	s := NewFileArtifactSink(t.TempDir())
	for _, id := range []string{"", "../escape", "a/b", `a\b`} {
		if err := s.Put(context.Background(), id, []byte("x")); err == nil {
			t.Errorf("Put(%q) accepted", id)
		}
		if _, err := s.Get(context.Background(), id); err == nil {
			t.Errorf("Get(%q) accepted", id)
		}
	}
}

func TestFileArtifactSinkGetMissing(t *testing.T) {
	s := NewFileArtifactSink(t.TempDir())
	if _, err := s.Get(context.Background(), "deadbeef"); err == nil {
		t.Error("missing artifact returned without error")
	}
}

func TestDispatcherStoresFullOutputInSink(t *testing.T) {
	dir := t.TempDir()
	q := newFakeQueue(searchTask("t1", "b1"))
	d := NewDispatcher(q, newFakeRegistry(ToolInfo{Name: "web_search"}), nil,
		DispatcherConfig{SummaryLimit: 5, Tick: time.Millisecond},
		DispatcherArtifacts(NewFileArtifactSink(dir)))

	d.tick(context.Background())

	if got := q.completed["t1"]; got != "ok:we..." {
		t.Fatalf("summary = %q", got)
	}
	// The full output landed in the sink under the generated artifact id.
	var artifacts []string
	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			artifacts = append(artifacts, path)
		}
		return nil
	})
	if len(artifacts) != 1 {
		t.Fatalf("artifacts on disk = %v, want 1", artifacts)
	}
	data, err := os.ReadFile(artifacts[0])
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "ok:web_search" {
		t.Errorf("artifact content = %q", data)
	}
}

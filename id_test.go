package arbor

import "testing"

func TestNewID(t *testing.T) {
	seen := make(map[string]bool)
	var prev string
	for i := 0; i < 50; i++ {
		id := NewID()
		if len(id) != 36 {
			t.Fatalf("expected 36 chars (UUIDv7), got %d: %s", len(id), id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
		if prev != "" && id < prev {
			t.Fatalf("ids not time-ordered: %s after %s", id, prev)
		}
		prev = id
	}
}

package mcp

import (
	"os"
	"path/filepath"
	"testing"
)

func TestManifestValidate(t *testing.T) {
	tests := []struct {
		name    string
		m       Manifest
		wantErr bool
	}{
		{"stdio server", Manifest{Name: "docs", Command: "toolserver"}, false},
		{"sse server", Manifest{Name: "remote", URL: "http://localhost:9000"}, false},
		{"missing name", Manifest{Command: "toolserver"}, true},
		{"no transport", Manifest{Name: "empty"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.m.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDiscoverManifests(t *testing.T) {
	dir := t.TempDir()
	write := func(server, content string) {
		sub := filepath.Join(dir, server)
		if err := os.MkdirAll(sub, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(sub, "manifest.json"), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	write("good", `{"name":"good","command":"server-bin"}`)
	write("unnamed", `{"command":"other-bin"}`)
	write("malformed", `{not json`)
	write("invalid", `{"name":"invalid"}`)

	manifests, errs := DiscoverManifests([]string{dir, filepath.Join(dir, "does-not-exist")})

	if len(manifests) != 2 {
		t.Fatalf("got %d manifests, want 2: %+v", len(manifests), manifests)
	}
	byName := map[string]Manifest{}
	for _, m := range manifests {
		byName[m.Name] = m
	}
	if _, ok := byName["good"]; !ok {
		t.Error("valid manifest not discovered")
	}
	// Name defaults to the directory name.
	if m, ok := byName["unnamed"]; !ok || m.Command != "other-bin" {
		t.Errorf("unnamed manifest = %+v, want dir-named entry", m)
	}
	if len(errs) != 2 {
		t.Errorf("got %d errors, want 2 (malformed + no transport): %v", len(errs), errs)
	}
}

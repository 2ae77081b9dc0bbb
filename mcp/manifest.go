package mcp

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Manifest declares one tool server: how to start it and, optionally,
// where to reach it. Dropped into a discovery dir as manifest.json.
type Manifest struct {
	// Name identifies the server; tool names are qualified by it.
	Name string `json:"name"`
	// Description helps semantic discovery when tools carry thin docs.
	Description string `json:"description,omitempty"`
	// Command plus Args spawn the server as a stdio subprocess.
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	// Env entries (KEY=VALUE) are appended to the subprocess environment.
	Env []string `json:"env,omitempty"`
	// URL switches the server to the SSE transport; Command is ignored.
	URL string `json:"url,omitempty"`
}

// Validate checks the manifest names a server and one transport.
func (m Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("manifest missing name")
	}
	if m.Command == "" && m.URL == "" {
		return fmt.Errorf("manifest %q has neither command nor url", m.Name)
	}
	return nil
}

// DiscoverManifests scans dirs for <dir>/<server>/manifest.json files.
// Unreadable dirs are skipped; malformed manifests are returned as errors
// alongside the valid ones so startup can log and continue.
func DiscoverManifests(dirs []string) ([]Manifest, []error) {
	var manifests []Manifest
	var errs []error
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			path := filepath.Join(dir, entry.Name(), "manifest.json")
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			var m Manifest
			if err := json.Unmarshal(data, &m); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", path, err))
				continue
			}
			if m.Name == "" {
				m.Name = entry.Name()
			}
			if err := m.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", path, err))
				continue
			}
			manifests = append(manifests, m)
		}
	}
	return manifests, errs
}

// Package manifest bulk-imports crawlers described in a YAML file.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/market-crawler/internal/registry"
)

// Manifest is the top-level document.
type Manifest struct {
	Crawlers []Entry `yaml:"crawlers"`

	dir string
}

// Entry describes one crawler. File is relative to the manifest.
type Entry struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Platform    string `yaml:"platform"`
	Enabled     *bool  `yaml:"enabled"`
	File        string `yaml:"file"`
}

// Store is the subset of the registry used for import.
type Store interface {
	Add(req registry.AddRequest) registry.Result
	Update(name string, req registry.UpdateRequest) registry.Result
	Get(name string) (registry.Descriptor, bool)
}

// EntryResult reports what happened to one entry.
type EntryResult struct {
	Name   string          `json:"name"`
	Action string          `json:"action"`
	Result registry.Result `json:"result"`
}

// Load reads and validates the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", path, err)
	}
	seen := make(map[string]struct{}, len(m.Crawlers))
	for i, e := range m.Crawlers {
		if strings.TrimSpace(e.Name) == "" {
			return nil, fmt.Errorf("manifest entry %d: name is required", i)
		}
		if strings.TrimSpace(e.File) == "" {
			return nil, fmt.Errorf("manifest entry %q: file is required", e.Name)
		}
		if _, dup := seen[e.Name]; dup {
			return nil, fmt.Errorf("manifest entry %q appears twice", e.Name)
		}
		seen[e.Name] = struct{}{}
	}
	m.dir = filepath.Dir(path)
	return &m, nil
}

// Import adds new entries and updates existing ones. Each entry is reported
// independently; one failure does not stop the rest.
func (m *Manifest) Import(store Store) []EntryResult {
	results := make([]EntryResult, 0, len(m.Crawlers))
	for _, e := range m.Crawlers {
		results = append(results, m.importEntry(store, e))
	}
	return results
}

func (m *Manifest) importEntry(store Store, e Entry) EntryResult {
	path := e.File
	if !filepath.IsAbs(path) {
		path = filepath.Join(m.dir, path)
	}
	code, err := os.ReadFile(path)
	if err != nil {
		return EntryResult{
			Name:   e.Name,
			Action: "skip",
			Result: registry.Result{Code: registry.CodeStorage, Error: fmt.Sprintf("read %s: %v", e.File, err)},
		}
	}
	src := string(code)

	if _, exists := store.Get(e.Name); exists {
		req := registry.UpdateRequest{Code: &src, Description: &e.Description, Enabled: e.Enabled}
		if e.Platform != "" {
			req.Platform = &e.Platform
		}
		return EntryResult{Name: e.Name, Action: "update", Result: store.Update(e.Name, req)}
	}

	res := store.Add(registry.AddRequest{
		Name:        e.Name,
		Code:        src,
		Description: e.Description,
		Platform:    e.Platform,
	})
	if res.Success && e.Enabled != nil && !*e.Enabled {
		res = store.Update(e.Name, registry.UpdateRequest{Enabled: e.Enabled})
	}
	return EntryResult{Name: e.Name, Action: "add", Result: res}
}

package graph

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.yaml.in/yaml/v3"
)

const graphPropertiesFile = "graph.yaml"

// GraphProperties is a small key/value store for graph-level metadata. The
// file is read on first access and rewritten wholesale on every change.
type GraphProperties struct {
	path string

	mu     sync.Mutex
	loaded bool
	values map[string]string
}

// NewGraphProperties returns a store backed by path. Nothing is read yet.
func NewGraphProperties(path string) *GraphProperties {
	return &GraphProperties{path: path}
}

// Path returns the backing file.
func (p *GraphProperties) Path() string { return p.path }

func (p *GraphProperties) loadLocked() error {
	if p.loaded {
		return nil
	}
	p.values = make(map[string]string)

	data, err := os.ReadFile(p.path)
	if errors.Is(err, fs.ErrNotExist) {
		p.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading graph properties: %w", err)
	}
	if err := yaml.Unmarshal(data, &p.values); err != nil {
		return fmt.Errorf("parsing graph properties %s: %w", p.path, err)
	}
	if p.values == nil {
		p.values = make(map[string]string)
	}
	p.loaded = true
	return nil
}

// Get returns the value of key.
func (p *GraphProperties) Get(key string) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.loadLocked(); err != nil {
		return "", false, err
	}
	v, ok := p.values[key]
	return v, ok, nil
}

// Set stores value under key and rewrites the file. An empty value removes
// the key.
func (p *GraphProperties) Set(key, value string) error {
	if key == "" {
		return fmt.Errorf("empty graph property key")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.loadLocked(); err != nil {
		return err
	}

	old, existed := p.values[key]
	if value == "" {
		delete(p.values, key)
	} else {
		p.values[key] = value
	}
	if err := p.writeLocked(); err != nil {
		// keep memory in line with the file
		if existed {
			p.values[key] = old
		} else {
			delete(p.values, key)
		}
		return err
	}
	return nil
}

// Keys returns all keys in sorted order.
func (p *GraphProperties) Keys() ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.loadLocked(); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(p.values))
	for k := range p.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (p *GraphProperties) writeLocked() error {
	data, err := yaml.Marshal(p.values)
	if err != nil {
		return fmt.Errorf("encoding graph properties: %w", err)
	}

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating graph properties directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".graph-*.yaml")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // best-effort cleanup

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing graph properties: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing graph properties: %w", err)
	}
	if err := os.Rename(tmp.Name(), p.path); err != nil {
		return fmt.Errorf("replacing graph properties: %w", err)
	}
	return nil
}

package pool

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Template is a named, reusable pool definition stored as a YAML file in the
// templates directory. Admins load one by name instead of re-sending the
// whole pool over the bridge.
type Template struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description,omitempty"`
	Pool        Definition `yaml:"pool"`
}

// TemplateStore enumerates and loads templates from a directory, keeping the
// listing current via a filesystem watcher.
type TemplateStore struct {
	dir     string
	mu      sync.RWMutex
	names   []string
	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
}

// NewTemplateStore scans dir and starts watching it for template changes.
// A missing directory is not an error; the store just lists nothing.
func NewTemplateStore(dir string) (*TemplateStore, error) {
	s := &TemplateStore{dir: dir, done: make(chan struct{})}
	s.rescan()
	if _, err := os.Stat(dir); err == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("create template watcher: %w", err)
		}
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("watch template dir %s: %w", dir, err)
		}
		s.watcher = w
		go s.watchLoop()
	}
	return s, nil
}

func (s *TemplateStore) watchLoop() {
	for {
		select {
		case _, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.rescan()
		case _, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *TemplateStore) rescan() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.mu.Lock()
		s.names = nil
		s.mu.Unlock()
		return
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ext))
	}
	sort.Strings(names)
	s.mu.Lock()
	s.names = names
	s.mu.Unlock()
}

// List returns the current template names.
func (s *TemplateStore) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Load reads and validates a template by name.
func (s *TemplateStore) Load(name string) (*Template, error) {
	if strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("template name %q must not contain path separators", name)
	}
	var data []byte
	var err error
	for _, ext := range []string{".yaml", ".yml"} {
		data, err = os.ReadFile(filepath.Join(s.dir, name+ext))
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", name, err)
	}
	var t Template
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse template %s: %w", name, err)
	}
	if t.Name == "" {
		t.Name = name
	}
	if err := t.Pool.Validate(); err != nil {
		return nil, fmt.Errorf("template %s: %w", name, err)
	}
	return &t, nil
}

// Close stops the watcher. Safe to call multiple times.
func (s *TemplateStore) Close() error {
	s.once.Do(func() {
		close(s.done)
		if s.watcher != nil {
			_ = s.watcher.Close()
		}
	})
	return nil
}

// Rescan forces a synchronous directory re-read, bypassing the watcher.
func (s *TemplateStore) Rescan() { s.rescan() }

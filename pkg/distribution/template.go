package distribution

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrTemplateNotFound is returned when instantiating an unknown template.
var ErrTemplateNotFound = errors.New("template not found")

// Template is a predefined distributor bundle that sessions can be
// instantiated from.
type Template struct {
	ID           string              `json:"id" yaml:"id"`
	Description  string              `json:"description" yaml:"description"`
	Distributors []Config            `json:"distributors" yaml:"distributors"`
	EventRouting map[string][]string `json:"event_routing" yaml:"event_routing"`
}

// TemplateStore holds the known session templates.
type TemplateStore struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewTemplateStore creates an empty store.
func NewTemplateStore() *TemplateStore {
	return &TemplateStore{templates: make(map[string]Template)}
}

// LoadFile parses a YAML document containing a list of templates and adds
// them to the store.
func (ts *TemplateStore) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read template file: %w", err)
	}

	return ts.LoadYAML(raw)
}

// LoadYAML parses template definitions from YAML bytes.
func (ts *TemplateStore) LoadYAML(raw []byte) error {
	var doc struct {
		Templates []Template `yaml:"templates"`
	}

	err := yaml.Unmarshal(raw, &doc)
	if err != nil {
		return fmt.Errorf("parse templates: %w", err)
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	for _, tpl := range doc.Templates {
		if tpl.ID == "" {
			return errors.New("template without id")
		}

		ts.templates[tpl.ID] = tpl
	}

	return nil
}

// Add registers one template, replacing any previous definition.
func (ts *TemplateStore) Add(tpl Template) {
	ts.mu.Lock()
	ts.templates[tpl.ID] = tpl
	ts.mu.Unlock()
}

// List returns all templates.
func (ts *TemplateStore) List() []Template {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	out := make([]Template, 0, len(ts.templates))
	for _, tpl := range ts.templates {
		out = append(out, tpl)
	}

	return out
}

// Get returns one template by id.
func (ts *TemplateStore) Get(id string) (Template, error) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	tpl, ok := ts.templates[id]
	if !ok {
		return Template{}, fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	}

	return tpl, nil
}

// SessionConfig converts a template into a session configuration.
func (tpl Template) SessionConfig() SessionConfig {
	return SessionConfig{
		Distributors: tpl.Distributors,
		EventRouting: tpl.EventRouting,
	}
}

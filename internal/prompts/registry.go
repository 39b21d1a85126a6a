// Package prompts holds the per-context prompt configurations handed to the voice backend.
//
// A Registry is built once at startup and passed by reference to whoever needs it. Lookup is
// total: any key that has no dedicated entry resolves to the registry's default configuration.
package prompts

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/BTreeMap/SiteVoice/internal/models"
	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var defaultTable []byte

var (
	// ErrDuplicateKey is returned when two entries share a context key.
	ErrDuplicateKey = errors.New("duplicate context key")
	// ErrMissingDefault is returned when the default key has no entry.
	ErrMissingDefault = errors.New("default context key has no entry")
	// ErrEmptyTable is returned when a registry is built without entries.
	ErrEmptyTable = errors.New("prompt table has no entries")
)

// Registry maps context keys to prompt configurations. It is immutable after construction
// and safe for concurrent use.
type Registry struct {
	entries    map[string]models.PromptConfiguration
	order      []string
	defaultKey string
}

// document is the YAML layout accepted by Load.
type document struct {
	Default  string                       `yaml:"default"`
	Contexts []models.PromptConfiguration `yaml:"contexts"`
}

// New builds a registry from entries in table-definition order.
func New(defaultKey string, entries ...models.PromptConfiguration) (*Registry, error) {
	if len(entries) == 0 {
		return nil, ErrEmptyTable
	}
	r := &Registry{
		entries:    make(map[string]models.PromptConfiguration, len(entries)),
		order:      make([]string, 0, len(entries)),
		defaultKey: defaultKey,
	}
	for i := range entries {
		cfg := entries[i]
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("entry %d (%q): %w", i, cfg.ContextKey, err)
		}
		if _, dup := r.entries[cfg.ContextKey]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, cfg.ContextKey)
		}
		r.entries[cfg.ContextKey] = cfg.Clone()
		r.order = append(r.order, cfg.ContextKey)
	}
	if _, ok := r.entries[defaultKey]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingDefault, defaultKey)
	}
	slog.Debug("prompts.New: registry built", "entries", len(r.order), "default", defaultKey)
	return r, nil
}

// Load parses a YAML prompt table.
func Load(rd io.Reader) (*Registry, error) {
	var doc document
	dec := yaml.NewDecoder(rd)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse prompt table: %w", err)
	}
	return New(doc.Default, doc.Contexts...)
}

// LoadFile parses the YAML prompt table at path.
func LoadFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open prompt table: %w", err)
	}
	defer f.Close()
	reg, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return reg, nil
}

// LoadDefault returns the registry built from the embedded prompt table.
func LoadDefault() (*Registry, error) {
	var doc document
	if err := yaml.Unmarshal(defaultTable, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse embedded prompt table: %w", err)
	}
	return New(doc.Default, doc.Contexts...)
}

// Resolve returns the configuration for key, or the default configuration when key has no
// dedicated entry. It never fails.
func (r *Registry) Resolve(key string) models.PromptConfiguration {
	if cfg, ok := r.entries[key]; ok {
		return cfg.Clone()
	}
	slog.Warn("Registry.Resolve: unknown context key, using default", "key", key, "default", r.defaultKey)
	return r.entries[r.defaultKey].Clone()
}

// Exists reports whether key has a dedicated entry.
func (r *Registry) Exists(key string) bool {
	_, ok := r.entries[key]
	return ok
}

// ListAll returns every configuration in table-definition order.
func (r *Registry) ListAll() []models.PromptConfiguration {
	out := make([]models.PromptConfiguration, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.entries[key].Clone())
	}
	return out
}

// Default returns the fallback configuration.
func (r *Registry) Default() models.PromptConfiguration {
	return r.entries[r.defaultKey].Clone()
}

// DefaultKey returns the context key of the fallback configuration.
func (r *Registry) DefaultKey() string {
	return r.defaultKey
}

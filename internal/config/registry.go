package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/pillbox/pkg/provider/extract"
)

// Known extraction backends.
const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
	ProviderAnyLLM = "anyllm"
)

// ProviderNames lists the backends accepted by [Validate].
var ProviderNames = []string{ProviderGemini, ProviderOpenAI, ProviderAnyLLM}

// ErrProviderNotRegistered is returned by [Registry.Create] when no factory
// has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// ExtractorFactory builds a backend from the extraction section.
type ExtractorFactory func(ExtractionConfig) (extract.Provider, error)

// Registry maps provider names to extractor constructors. It is safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ExtractorFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ExtractorFactory)}
}

// Register registers a factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) Register(name string, factory ExtractorFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Create instantiates the backend registered under cfg.Provider.
// Returns [ErrProviderNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) Create(cfg ExtractionConfig) (extract.Provider, error) {
	r.mu.RLock()
	factory, ok := r.factories[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: extraction/%q", ErrProviderNotRegistered, cfg.Provider)
	}
	p, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: create extraction provider %q: %w", cfg.Provider, err)
	}
	return p, nil
}

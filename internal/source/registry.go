package source

import (
	"fmt"
	"strings"

	"SentimentMonitor/internal/domain"
)

// Registry keeps the known sources in registration order.
type Registry struct {
	sources map[string]domain.Source
	order   []string
}

// NewRegistry builds a registry holding the given sources.
func NewRegistry(sources ...domain.Source) *Registry {
	r := &Registry{sources: map[string]domain.Source{}}
	for _, src := range sources {
		r.Register(src)
	}
	return r
}

// Register adds or replaces a source.
func (r *Registry) Register(src domain.Source) {
	if r.sources == nil {
		r.sources = map[string]domain.Source{}
	}
	key := normalise(src.Key)
	src.Key = key
	if _, ok := r.sources[key]; !ok {
		r.order = append(r.order, key)
	}
	r.sources[key] = src
}

// Resolve returns a source by key or display name, case-insensitively.
func (r *Registry) Resolve(name string) (domain.Source, error) {
	key := normalise(name)
	if src, ok := r.sources[key]; ok {
		return src, nil
	}
	for _, src := range r.sources {
		if strings.EqualFold(src.DisplayName, name) {
			return src, nil
		}
	}
	return domain.Source{}, fmt.Errorf("source %q: %w", name, domain.ErrUnknownSource)
}

// All returns the registered sources in registration order.
func (r *Registry) All() []domain.Source {
	out := make([]domain.Source, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.sources[key])
	}
	return out
}

func normalise(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

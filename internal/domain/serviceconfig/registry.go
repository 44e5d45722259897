package serviceconfig

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Source loads descriptors from the backing config store.
type Source interface {
	LoadAll(ctx context.Context) ([]Descriptor, error)
}

// Registry is the in-process lookup of service descriptors. Operators edit
// the store; the registry refreshes on an interval so the core never reads
// the database on the hot path.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Descriptor
	source Source
	logger *zap.Logger
}

func NewRegistry(source Source, logger *zap.Logger) *Registry {
	return &Registry{
		byName: make(map[string]Descriptor),
		source: source,
		logger: logger.Named("serviceconfig.registry"),
	}
}

// Reload replaces the registry contents from the source.
func (r *Registry) Reload(ctx context.Context) error {
	descriptors, err := r.source.LoadAll(ctx)
	if err != nil {
		return err
	}

	next := make(map[string]Descriptor, len(descriptors))
	for _, d := range descriptors {
		next[d.ServiceName] = d
	}

	r.mu.Lock()
	r.byName = next
	r.mu.Unlock()

	r.logger.Debug("registry_reloaded", zap.Int("services", len(next)))
	return nil
}

// Lookup returns the descriptor for a service name or ErrUnknownService.
func (r *Registry) Lookup(name string) (Descriptor, error) {
	r.mu.RLock()
	d, ok := r.byName[name]
	r.mu.RUnlock()
	if !ok {
		return Descriptor{}, ErrUnknownService
	}
	return d, nil
}

// Names returns the known service names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	return names
}

// Run refreshes the registry on a ticker until the context is cancelled.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if err := r.Reload(ctx); err != nil {
		r.logger.Error("registry_initial_reload_failed", zap.Error(err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Reload(ctx); err != nil {
				r.logger.Error("registry_reload_failed", zap.Error(err))
			}
		}
	}
}

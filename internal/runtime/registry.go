package runtime

import (
	"context"
	"fmt"
	"sync"

	"netops-console/internal/models"
)

// ArtifactFetcher resolves an uploaded script body by its stored path.
type ArtifactFetcher interface {
	Fetch(ctx context.Context, path string) ([]byte, error)
}

// Registry holds the fixed set of prebuilt units. Registration happens at
// process start; lookups after that are read-only.
type Registry struct {
	mu    sync.RWMutex
	units map[string]Unit
}

func NewRegistry() *Registry {
	return &Registry{units: make(map[string]Unit)}
}

// Register binds a prebuilt unit under its name.
func (r *Registry) Register(unit Unit) {
	if unit.Name == "" || unit.Entry == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.units[unit.Name] = unit
}

// Lookup returns the unit registered under name.
func (r *Registry) Lookup(name string) (Unit, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.units[name]
	return u, ok
}

// Resolver maps a job record to a runnable unit: prebuilt names through the
// registry, uploaded artifacts through an audited fetch plus the script
// loader. This explicit resolution step is the only way code enters the
// process.
type Resolver struct {
	registry  *Registry
	artifacts ArtifactFetcher
}

func NewResolver(registry *Registry, artifacts ArtifactFetcher) *Resolver {
	return &Resolver{registry: registry, artifacts: artifacts}
}

// Resolve produces the unit for a claimed job record.
func (r *Resolver) Resolve(ctx context.Context, job models.JobRecord) (Unit, error) {
	switch job.Kind {
	case models.KindPrebuilt:
		unit, ok := r.registry.Lookup(job.Name)
		if !ok {
			return Unit{}, fmt.Errorf("prebuilt unit %q not registered", job.Name)
		}
		return unit, nil
	case models.KindUploaded:
		if r.artifacts == nil {
			return Unit{}, fmt.Errorf("no artifact store configured")
		}
		src, err := r.artifacts.Fetch(ctx, job.ArtifactPath)
		if err != nil {
			return Unit{}, fmt.Errorf("fetch artifact %s: %w", job.ArtifactPath, err)
		}
		return LuaUnit(job.ArtifactPath, src), nil
	default:
		return Unit{}, fmt.Errorf("unknown job kind %q", job.Kind)
	}
}

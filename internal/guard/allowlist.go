// Package guard enforces the allowlist policy: which named prebuilt
// automation units may run at all, and whether uploaded code is accepted.
// The check happens before any capability context is constructed, so a
// denied unit never reaches the runtime adapter.
package guard

import (
	"fmt"
	"sync/atomic"

	"netops-console/internal/config"
	"netops-console/internal/models"
)

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool
	Reason  string
}

// Guard evaluates submissions against the loaded policy. The policy is held
// behind an atomic pointer: reads never lock, and Reload swaps the whole
// value so executing code can never observe or mutate partial state.
type Guard struct {
	labMode bool
	policy  atomic.Pointer[policySets]
}

type policySets struct {
	defaults map[string]struct{}
	labOnly  map[string]struct{}
	uploads  bool
}

// New builds a guard from the policy file contents and the deployment's
// lab-mode flag.
func New(p config.Policy, labMode bool) *Guard {
	g := &Guard{labMode: labMode}
	g.Reload(p)
	return g
}

// Reload replaces the active policy. Intended for config-reload paths only.
func (g *Guard) Reload(p config.Policy) {
	sets := &policySets{
		defaults: make(map[string]struct{}, len(p.AllowDefault)),
		labOnly:  make(map[string]struct{}, len(p.AllowLabOnly)),
		uploads:  p.UploadsEnabled,
	}
	for _, name := range p.AllowDefault {
		sets.defaults[name] = struct{}{}
	}
	for _, name := range p.AllowLabOnly {
		sets.labOnly[name] = struct{}{}
	}
	g.policy.Store(sets)
}

// Authorize decides whether a unit of the given kind and name may run.
// Uploaded code is scoped by artifact path and submitter identity rather
// than name, so it is allowed unless the deployment disables uploads.
func (g *Guard) Authorize(kind, name string) Decision {
	p := g.policy.Load()
	switch kind {
	case models.KindUploaded:
		if !p.uploads {
			return Decision{Reason: "uploaded code is disabled in this deployment"}
		}
		return Decision{Allowed: true}
	case models.KindPrebuilt:
		if _, ok := p.defaults[name]; ok {
			return Decision{Allowed: true}
		}
		if _, ok := p.labOnly[name]; ok {
			if g.labMode {
				return Decision{Allowed: true}
			}
			return Decision{Reason: fmt.Sprintf("unit %q is lab-only and lab mode is disabled", name)}
		}
		return Decision{Reason: fmt.Sprintf("unknown unit name %q", name)}
	default:
		return Decision{Reason: fmt.Sprintf("unknown job kind %q", kind)}
	}
}

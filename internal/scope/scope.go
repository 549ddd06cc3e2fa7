// Package scope maps locally built resource descriptors to canonical
// scopes in the daemon's registry.
//
// A candidate scope is compared against the registry by membership, never
// by name. If a structurally equal scope already exists it is adopted;
// otherwise the candidate is registered and the run becomes responsible
// for retracting it at shutdown.
package scope

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Guliveer/nrmextra/internal/models"
	"github.com/Guliveer/nrmextra/internal/nrm"
	"github.com/Guliveer/nrmextra/internal/topology"
)

// Registry is the part of the daemon client that manages scopes.
type Registry interface {
	ListScopes(ctx context.Context) ([]models.Scope, error)
	AddScope(ctx context.Context, scope models.Scope) (models.Scope, error)
	RemoveScope(ctx context.Context, scope models.Scope) error
}

// FindOrAdder is implemented by registries that can deduplicate
// registration atomically on the daemon side.
type FindOrAdder interface {
	FindOrAddScope(ctx context.Context, scope models.Scope) (models.Scope, bool, error)
}

// Allowed builds a scope over the CPUs this process may run on.
func Allowed(name string) (models.Scope, error) {
	cpus, err := topology.AllowedCPUs()
	if err != nil {
		return models.Scope{}, err
	}
	return CPUs(name, cpus), nil
}

// CPUs builds a scope over an explicit CPU list.
func CPUs(name string, cpus []int) models.Scope {
	s := models.NewScope(name)
	for _, c := range cpus {
		s.Add(models.ResourceCPU, c)
	}
	return s
}

// NUMA builds a scope over a single NUMA node.
func NUMA(name string, node int) models.Scope {
	s := models.NewScope(name)
	s.Add(models.ResourceNUMA, node)
	return s
}

// GPU builds a scope over a single GPU.
func GPU(name string, index int) models.Scope {
	s := models.NewScope(name)
	s.Add(models.ResourceGPU, index)
	return s
}

// Package builds a scope over the CPUs of a physical package.
func Package(ctx context.Context, name string, pkg int) (models.Scope, error) {
	cpus, err := topology.PackageCPUs(ctx, pkg)
	if err != nil {
		return models.Scope{}, err
	}
	return CPUs(name, cpus), nil
}

// Resolver resolves candidates against a Registry.
type Resolver struct {
	registry Registry
	logger   *zap.Logger

	// scanOnly is set once the daemon has reported that it lacks atomic
	// find-or-add, so later resolutions skip the extra round trip.
	scanOnly bool
}

// NewResolver creates a resolver. A nil logger is replaced by a no-op.
func NewResolver(registry Registry, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{registry: registry, logger: logger}
}

// Resolve returns the canonical scope for candidate and whether this
// call registered it.
//
// When the registry cannot find-or-add atomically, Resolve falls back to
// listing and scanning. Two agents resolving the same candidate at the
// same moment may then both register it, leaving a duplicate scope in
// the registry. That race is accepted.
func (r *Resolver) Resolve(ctx context.Context, candidate models.Scope) (models.Scope, bool, error) {
	if len(candidate.Members) == 0 {
		return models.Scope{}, false, fmt.Errorf("scope %q has no members", candidate.Name)
	}

	if fa, ok := r.registry.(FindOrAdder); ok && !r.scanOnly {
		resolved, created, err := fa.FindOrAddScope(ctx, candidate)
		switch {
		case err == nil:
			r.logResolved(candidate, resolved, created)
			return resolved, created, nil
		case errors.Is(err, nrm.ErrUnsupported):
			r.logger.Debug("Daemon lacks atomic scope registration, falling back to scan")
			r.scanOnly = true
		default:
			return models.Scope{}, false, fmt.Errorf("resolving scope %q: %w", candidate.Name, err)
		}
	}

	return r.scanThenRegister(ctx, candidate)
}

func (r *Resolver) scanThenRegister(ctx context.Context, candidate models.Scope) (models.Scope, bool, error) {
	existing, err := r.registry.ListScopes(ctx)
	if err != nil {
		return models.Scope{}, false, fmt.Errorf("listing scopes: %w", err)
	}

	for _, remote := range existing {
		if remote.Equal(candidate) {
			r.logResolved(candidate, remote, false)
			return remote, false, nil
		}
	}

	r.logger.Debug("No matching scope, registering; concurrent agents may register a duplicate",
		zap.String("scope", candidate.Name),
		zap.String("members", candidate.Key()))

	added, err := r.registry.AddScope(ctx, candidate)
	if err != nil {
		return models.Scope{}, false, fmt.Errorf("registering scope %q: %w", candidate.Name, err)
	}
	r.logResolved(candidate, added, true)
	return added, true, nil
}

func (r *Resolver) logResolved(candidate, resolved models.Scope, created bool) {
	msg := "Adopted existing scope"
	if created {
		msg = "Registered scope"
	}
	r.logger.Debug(msg,
		zap.String("candidate", candidate.Name),
		zap.String("scope", resolved.Name),
		zap.String("id", resolved.ID),
		zap.String("members", resolved.Key()))
}

package scope

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Guliveer/nrmextra/internal/models"
)

type entry struct {
	scope   models.Scope
	created bool
}

// Tracker remembers every scope resolved during one run and which of
// them the run registered. It never registers the same membership twice
// and, on Release, retracts only the scopes it created.
type Tracker struct {
	resolver *Resolver
	registry Registry
	logger   *zap.Logger

	entries  []entry
	byKey    map[string]int
	released bool
}

// NewTracker creates a tracker resolving through registry.
func NewTracker(registry Registry, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		resolver: NewResolver(registry, logger),
		registry: registry,
		logger:   logger,
		byKey:    make(map[string]int),
	}
}

// Resolve returns the canonical scope for candidate. A candidate whose
// membership was already resolved in this run is answered locally.
func (t *Tracker) Resolve(ctx context.Context, candidate models.Scope) (models.Scope, bool, error) {
	if t.released {
		return models.Scope{}, false, fmt.Errorf("scope tracker already released")
	}

	key := candidate.Key()
	if i, ok := t.byKey[key]; ok {
		return t.entries[i].scope, false, nil
	}

	resolved, created, err := t.resolver.Resolve(ctx, candidate)
	if err != nil {
		return models.Scope{}, false, err
	}
	t.byKey[key] = len(t.entries)
	t.entries = append(t.entries, entry{scope: resolved, created: created})
	return resolved, created, nil
}

// Created returns the scopes this run registered.
func (t *Tracker) Created() []models.Scope {
	return t.filter(true)
}

// Adopted returns the scopes that already existed in the registry.
func (t *Tracker) Adopted() []models.Scope {
	return t.filter(false)
}

func (t *Tracker) filter(created bool) []models.Scope {
	var out []models.Scope
	for _, e := range t.entries {
		if e.created == created {
			out = append(out, e.scope)
		}
	}
	return out
}

// Release retracts every created scope, in reverse order of creation.
// Every retraction is attempted even if an earlier one fails. Calling
// Release again is a no-op.
func (t *Tracker) Release(ctx context.Context) error {
	if t.released {
		return nil
	}
	t.released = true

	var errs error
	for i := len(t.entries) - 1; i >= 0; i-- {
		e := t.entries[i]
		if !e.created {
			continue
		}
		if err := t.registry.RemoveScope(ctx, e.scope); err != nil {
			t.logger.Warn("Failed to retract scope",
				zap.String("scope", e.scope.Name),
				zap.String("id", e.scope.ID),
				zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("retracting scope %q: %w", e.scope.Name, err))
			continue
		}
		t.logger.Debug("Retracted scope", zap.String("scope", e.scope.Name), zap.String("id", e.scope.ID))
	}
	return errs
}

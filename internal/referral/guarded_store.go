package referral

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/richxcame/referral-integrity/pkg/resilience"
)

// GuardedStore routes detector reads through a circuit breaker so a struggling
// database is shed quickly. Detector callers already fail open on errors.
type GuardedStore struct {
	store   DetectionStore
	breaker *resilience.CircuitBreaker
}

// NewGuardedStore wraps store. Missing records do not count as failures.
func NewGuardedStore(store DetectionStore, settings resilience.Settings) *GuardedStore {
	settings.IsExpected = func(err error) bool {
		return errors.Is(err, ErrNotFound)
	}
	return &GuardedStore{
		store:   store,
		breaker: resilience.NewCircuitBreaker(settings, resilience.GracefulDegradation(settings.Name)),
	}
}

func guarded[T any](ctx context.Context, b *resilience.CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	res, err := b.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}
	v, _ := res.(T)
	return v, nil
}

func (g *GuardedStore) ListPendingChecklists(ctx context.Context, referrerID uuid.UUID) ([]*Checklist, error) {
	return guarded(ctx, g.breaker, func(ctx context.Context) ([]*Checklist, error) {
		return g.store.ListPendingChecklists(ctx, referrerID)
	})
}

func (g *GuardedStore) GetChecklist(ctx context.Context, inviteeID uuid.UUID) (*Checklist, error) {
	return guarded(ctx, g.breaker, func(ctx context.Context) (*Checklist, error) {
		return g.store.GetChecklist(ctx, inviteeID)
	})
}

func (g *GuardedStore) GetAccount(ctx context.Context, accountID uuid.UUID) (*Account, error) {
	return guarded(ctx, g.breaker, func(ctx context.Context) (*Account, error) {
		return g.store.GetAccount(ctx, accountID)
	})
}

func (g *GuardedStore) GetDeviceIDs(ctx context.Context, accountID uuid.UUID) ([]string, error) {
	return guarded(ctx, g.breaker, func(ctx context.Context) ([]string, error) {
		return g.store.GetDeviceIDs(ctx, accountID)
	})
}

func (g *GuardedStore) GetProfileID(ctx context.Context, accountID uuid.UUID) (uuid.UUID, error) {
	return guarded(ctx, g.breaker, func(ctx context.Context) (uuid.UUID, error) {
		return g.store.GetProfileID(ctx, accountID)
	})
}

func (g *GuardedStore) GetActivities(ctx context.Context, profileID uuid.UUID) ([]*Activity, error) {
	return guarded(ctx, g.breaker, func(ctx context.Context) ([]*Activity, error) {
		return g.store.GetActivities(ctx, profileID)
	})
}

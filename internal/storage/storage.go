// Package storage implements the durable thing store: load-by-id,
// optimistic-lock conditional update, and a due-wakers scan, per spec §4.1
// and invariants 1-4.
package storage

import (
	"context"
	"time"

	"github.com/aleka07/twinengine/internal/model"
)

// Store is the persistence boundary the Machine's callers (Service,
// Waker) depend on. Every write is conditioned on the caller's observed
// resource_version so concurrent writers detect conflict rather than
// silently clobbering each other (spec invariant 2).
type Store interface {
	// Create inserts a brand-new thing. Returns model.ErrAlreadyExists if
	// (application, name) is already taken.
	Create(ctx context.Context, t *model.Thing) error

	// Get loads a thing by its partition key. Returns model.ErrNotFound if
	// absent.
	Get(ctx context.Context, thingID string) (*model.Thing, error)

	// UpdateIf persists newState, but only if the row's current
	// resource_version still equals expectedResourceVersion; otherwise it
	// returns model.ErrPreconditionFailed without writing anything. On
	// success it returns newState with a freshly minted resource_version
	// and generation = old generation + 1 (spec invariant 1/3).
	UpdateIf(ctx context.Context, newState *model.Thing, expectedResourceVersion string) (*model.Thing, error)

	// DeleteHard removes a thing's row entirely, used once ReadyForRemoval
	// is true after deleting hooks have run (spec §4.5 step 6).
	DeleteHard(ctx context.Context, thingID string, expectedResourceVersion string) error

	// DueWakers returns the thing_id of every thing whose waker.next is
	// at or before now, oldest-first, bounded by limit (spec §4.8).
	DueWakers(ctx context.Context, now time.Time, limit int) ([]string, error)

	Close()
}

// Package waker periodically scans storage for things whose waker.next
// has passed and re-enqueues them as Wakeup mutations, driving timers,
// desired-state retries, and outbox redelivery even when no external
// event touches the thing (spec §4.8).
package waker

import (
	"context"
	"time"

	"github.com/aleka07/twinengine/internal/eventbus"
	"github.com/aleka07/twinengine/internal/logging"
	"github.com/aleka07/twinengine/internal/model"
	"github.com/aleka07/twinengine/internal/storage"
)

// DueLister is the subset of storage.Store the Waker depends on, kept
// narrow so tests can supply a stub.
type DueLister interface {
	DueWakers(ctx context.Context, now time.Time, limit int) ([]string, error)
}

var _ DueLister = storage.Store(nil)

const defaultBatchLimit = 256

// Waker owns the scan-and-enqueue loop. A single instance is shared
// process-wide; it holds no per-thing state between ticks.
type Waker struct {
	store    DueLister
	bus      eventbus.Sink
	interval time.Duration
	limit    int
	log      *logging.Logger
}

// New builds a Waker that scans store every interval and publishes a
// Wakeup mutation for each due thing onto bus.
func New(store DueLister, bus eventbus.Sink, interval time.Duration) *Waker {
	return &Waker{
		store:    store,
		bus:      bus,
		interval: interval,
		limit:    defaultBatchLimit,
		log:      logging.New("waker"),
	}
}

// Run blocks, ticking every w.interval until ctx is cancelled. Each tick
// scans for due things and publishes a Wakeup event for every one found;
// publish failures are logged and retried on the next tick since the
// thing's waker.next is left untouched until a successful transition
// reschedules it.
func (w *Waker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Waker) tick(ctx context.Context) {
	now := time.Now().UTC()
	due, err := w.store.DueWakers(ctx, now, w.limit)
	if err != nil {
		w.log.Warnf("due-waker scan failed: %v", err)
		return
	}
	for _, thingID := range due {
		err := w.bus.Publish(ctx, thingID, model.Mutation{Kind: model.MutationWakeup})
		if err != nil {
			w.log.Warnf("thing %s: publish wakeup failed: %v", thingID, err)
			continue
		}
	}
	if len(due) > 0 {
		w.log.Debugf("woke %d thing(s)", len(due))
	}
}

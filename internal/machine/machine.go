// Package machine implements the per-thing state transition function:
// apply a mutation to a cloned snapshot, validate it, run synthetic
// derivation and hook/reconciliation scripts, and compute the thing's
// next waker — spec §4.5, "The Machine".
package machine

import (
	"context"
	"fmt"
	"time"

	"github.com/aleka07/twinengine/internal/logging"
	"github.com/aleka07/twinengine/internal/model"
	"github.com/aleka07/twinengine/internal/script"
)

// Machine is stateless apart from its script runtime; one Machine is
// shared by every partition consumer goroutine (script.Runtime and its
// LRU program cache are safe for concurrent use).
type Machine struct {
	scripts *script.Runtime
	log     *logging.Logger
}

func New(scripts *script.Runtime) *Machine {
	return &Machine{scripts: scripts, log: logging.New("machine")}
}

// Result is everything a successful Transition produces besides the new
// thing state itself.
type Result struct {
	NewState        *model.Thing
	Commands        []model.Command
	ReadyForRemoval bool // deleting=true, "deleting" hooks ran without error or new outbox entries, and the waker is nil
	HookLogs        []HookLog
}

// Transition implements spec §4.5 steps 1-8 in order:
//  1. clone current_state into new_state and apply the mutation
//  2. validate the union of reported/synthetic/desired against the schema
//  3. recompute synthetic state
//  4. run "changed" hooks for every feature that differs from current_state
//  5. reconcile desired state
//  6. if new_state.metadata.deletion_timestamp is set, run "deleting" hooks
//     and report readiness for removal
//  7. compute the waker
//  8. run due timers
//
// A rejection (schema violation, malformed mutation) returns a non-nil
// error and a nil Result; current_state is left untouched by the caller
// in that case (spec §4.5: "or a rejection").
func (m *Machine) Transition(ctx context.Context, current *model.Thing, mutation model.Mutation, now time.Time) (*Result, error) {
	newState := current.Clone()

	if err := applyMutation(newState, mutation, now); err != nil {
		return nil, err
	}

	if len(newState.Schema) > 0 {
		if err := validateSchema(newState.Schema, newState); err != nil {
			return nil, err
		}
	}

	thingID := newState.ThingID()
	var allLogs []HookLog

	synthLogs, scriptErrs := m.recomputeSynthetic(ctx, thingID, newState, now)
	for _, l := range synthLogs {
		allLogs = append(allLogs, HookLog{Hook: "synthetic", Logs: []string{l}})
	}
	for _, e := range scriptErrs {
		m.log.Warnf("thing %s: synthetic derivation error: %v", thingID, e)
	}

	changedNames := changedFeatureNames(current, newState)
	changedOutbox, changedWaker, changedLogs := m.runHookSet(ctx, thingID, newState.Changed, changedNames, newState, now, "changed:")
	allLogs = append(allLogs, changedLogs...)
	newState.Outbox = appendOutbox(newState.Outbox, changedOutbox)

	commands, desiredOutbox, desiredWaker, desiredLogs := m.reconcileDesired(ctx, thingID, newState, now)
	allLogs = append(allLogs, desiredLogs...)
	newState.Outbox = appendOutbox(newState.Outbox, desiredOutbox)

	deleting := newState.Metadata.DeletionTimestamp != nil
	var deletingOutbox []model.OutboxEntry
	var deletingWaker *time.Duration
	deletingClean := true
	if deleting {
		deletingNames := make([]string, 0, len(newState.Deleting))
		for name := range newState.Deleting {
			deletingNames = append(deletingNames, name)
		}
		var deletingLogs []HookLog
		deletingOutbox, deletingWaker, deletingLogs = m.runHookSet(ctx, thingID, newState.Deleting, deletingNames, newState, now, "deleting:")
		allLogs = append(allLogs, deletingLogs...)
		newState.Outbox = appendOutbox(newState.Outbox, deletingOutbox)
		for _, l := range deletingLogs {
			if l.Err != nil {
				deletingClean = false
			}
		}
	}

	explicitWaker := earliest(earliest(changedWaker, desiredWaker), deletingWaker)
	newState.Waker = computeWaker(newState, now, explicitWaker)

	timerOutbox, timerLogs := m.runDueTimers(ctx, thingID, newState, now)
	allLogs = append(allLogs, timerLogs...)
	newState.Outbox = appendOutbox(newState.Outbox, timerOutbox)
	if len(timerLogs) > 0 {
		// A timer ran: its new LastRun moves its next fire time and it may
		// have queued outbox entries; recompute once more so the persisted
		// waker reflects the final state. A timer script's context.waker is
		// not read.
		newState.Waker = computeWaker(newState, now, explicitWaker)
	}

	if err := capOutboxHops(newState); err != nil {
		return nil, err
	}

	// Quiescence (spec §4.5 step 6): removal is only safe once the
	// deleting hook cycle itself added no outbox entries and the fully
	// computed waker is nil. computeWaker folds any unsent outbox entry
	// thing-wide into a non-nil waker (see waker.go), so a nil waker here
	// also certifies no earlier-produced outbox entry is still pending
	// delivery — otherwise this thing is persisted and the waker drives
	// another deleting cycle.
	readyForRemoval := deleting && deletingClean && len(deletingOutbox) == 0 && newState.Waker == nil

	return &Result{
		NewState:        newState,
		Commands:        commands,
		ReadyForRemoval: readyForRemoval,
		HookLogs:        allLogs,
	}, nil
}

func appendOutbox(existing, add []model.OutboxEntry) []model.OutboxEntry {
	if len(add) == 0 {
		return existing
	}
	return append(existing, add...)
}

func earliest(a, b *time.Duration) *time.Duration {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if *a < *b {
		return a
	}
	return b
}

// capOutboxHops enforces invariant against unbounded outbox cycles (spec
// §9, MaxOutboxHops): any entry whose HopCount exceeds the cap is
// rejected rather than silently forwarded again.
func capOutboxHops(t *model.Thing) error {
	for _, e := range t.Outbox {
		if e.HopCount > model.MaxOutboxHops {
			return fmt.Errorf("%w: outbox entry %s exceeded max hop count %d", model.ErrInvalid, e.ID, model.MaxOutboxHops)
		}
	}
	return nil
}

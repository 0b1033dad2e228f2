// Package service orchestrates one mutation end-to-end: load the current
// thing under its resource_version, run it through the Machine, persist
// the result conditionally, and fan out everything the transition
// produced (notifier updates, outbox forwards, device commands) — spec
// §4.6.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aleka07/twinengine/internal/command"
	"github.com/aleka07/twinengine/internal/eventbus"
	"github.com/aleka07/twinengine/internal/logging"
	"github.com/aleka07/twinengine/internal/machine"
	"github.com/aleka07/twinengine/internal/model"
	"github.com/aleka07/twinengine/internal/notifier"
	"github.com/aleka07/twinengine/internal/storage"
)

// Service ties the Machine to its surrounding infrastructure. One Service
// is shared by every partition consumer; it holds no per-thing state.
type Service struct {
	store    storage.Store
	machine  *machine.Machine
	bus      eventbus.Sink
	commands command.Sink
	hub      *notifier.Hub
	log      *logging.Logger

	newBackoff func() backoff.BackOff
}

func New(store storage.Store, m *machine.Machine, bus eventbus.Sink, commands command.Sink, hub *notifier.Hub) *Service {
	return &Service{
		store:    store,
		machine:  m,
		bus:      bus,
		commands: commands,
		hub:      hub,
		log:      logging.New("service"),
		newBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 10 * time.Millisecond
			b.MaxInterval = 500 * time.Millisecond
			b.MaxElapsedTime = 5 * time.Second
			return backoff.WithMaxRetries(b, 20)
		},
	}
}

// Mutate applies mutation to thingID end to end, retrying on optimistic
// lock contention (spec invariant 2: "the caller ... must retry against
// the new state"). It returns the persisted thing on success.
func (s *Service) Mutate(ctx context.Context, thingID string, mutation model.Mutation) (*model.Thing, error) {
	var result *model.Thing

	op := func() error {
		newState, err := s.attempt(ctx, thingID, mutation)
		if err != nil {
			if errors.Is(err, model.ErrPreconditionFailed) || errors.Is(err, model.ErrTransientStorage) || errors.Is(err, model.ErrTransientBus) {
				return err // retryable: backoff.Retry will call op again
			}
			return backoff.Permanent(err)
		}
		result = newState
		return nil
	}

	if err := backoff.Retry(op, s.newBackoff()); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return nil, perm.Err
		}
		if errors.Is(err, model.ErrPreconditionFailed) {
			// Retries against fresh reads were exhausted: per spec §4.6
			// step 6/§7, this surfaces as LockContention, not the raw
			// precondition-failed error the storage layer returns.
			return nil, fmt.Errorf("%w: %v", model.ErrLockContention, err)
		}
		return nil, err
	}
	return result, nil
}

// attempt runs exactly one load-transition-persist cycle; Mutate wraps it
// in the retry loop.
func (s *Service) attempt(ctx context.Context, thingID string, mutation model.Mutation) (*model.Thing, error) {
	current, err := s.store.Get(ctx, thingID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) && mutation.Kind == model.MutationCreate {
			return s.createThing(ctx, mutation)
		}
		return nil, err
	}

	now := time.Now().UTC()
	result, err := s.machine.Transition(ctx, current, mutation, now)
	if err != nil {
		return nil, err
	}

	if result.NewState.EqualIgnoringVersion(current) {
		// No observable change: skip the write entirely (invariant 5),
		// but still fan out any commands the transition decided to
		// (re-)send, since Command-method reconciliation can legitimately
		// resend on an otherwise no-op wakeup.
		s.dispatchCommands(ctx, result.Commands)
		return current, nil
	}

	persisted, err := s.store.UpdateIf(ctx, result.NewState, current.Metadata.ResourceVersion)
	if err != nil {
		return nil, err
	}

	// Forward any outbox entries before acting on ReadyForRemoval: the
	// Machine only ever sets ReadyForRemoval once the deleting hook cycle
	// left no unsent outbox entries and no waker (spec §4.5 step 6), so
	// this is a no-op in that case, but it must still run first so a
	// deleting hook's own outbox entries are never dropped by a DeleteHard
	// that races ahead of delivery.
	s.forwardOutbox(ctx, persisted)

	if result.ReadyForRemoval {
		if err := s.store.DeleteHard(ctx, thingID, persisted.Metadata.ResourceVersion); err != nil && !errors.Is(err, model.ErrPreconditionFailed) {
			s.log.Errorf("thing %s: hard delete after deleting hooks failed: %v", thingID, err)
		} else {
			s.hub.PublishRemoved(thingID, "thing deleted")
		}
	} else {
		s.hub.Publish(thingID, persisted)
	}

	s.dispatchCommands(ctx, result.Commands)

	for _, l := range result.HookLogs {
		if l.Err != nil {
			s.log.Warnf("thing %s: hook %s: %v", thingID, l.Hook, l.Err)
		}
		for _, line := range l.Logs {
			s.log.Infof("thing %s: hook %s: %s", thingID, l.Hook, line)
		}
	}

	return persisted, nil
}

func (s *Service) createThing(ctx context.Context, mutation model.Mutation) (*model.Thing, error) {
	if mutation.Create == nil {
		return nil, model.ErrInvalid
	}
	t := mutation.Create.Clone()
	if err := s.store.Create(ctx, t); err != nil {
		return nil, err
	}
	s.hub.Publish(t.ThingID(), t)
	return t, nil
}

func (s *Service) dispatchCommands(ctx context.Context, commands []model.Command) {
	if s.commands == nil {
		return
	}
	for _, cmd := range commands {
		if err := s.commands.Send(ctx, cmd); err != nil {
			s.log.Warnf("command delivery to %s/%s failed: %v", cmd.ThingID, cmd.FeatureName, err)
		}
	}
}

// forwardOutbox implements the persist-then-send-then-clear-on-ack outbox
// resolution (spec §9 Open Question, invariant 6): every entry was already
// persisted as part of the main UpdateIf above; here we publish each entry
// onto the event bus as a Merge mutation against its target (the natural
// "push this JSON into that thing" primitive), and only once the publish
// is acknowledged do we drop the entry from t.Outbox entirely. A crash
// between publish and that drop redelivers the same merge patch next time
// this thing is processed, which is safe because RFC7396 merge patches
// are idempotent; an entry that fails to publish is kept for the waker to
// retry (spec §4.8, OutboxRetryInterval).
func (s *Service) forwardOutbox(ctx context.Context, t *model.Thing) {
	if s.bus == nil || len(t.Outbox) == 0 {
		return
	}
	remaining := make([]model.OutboxEntry, 0, len(t.Outbox))
	var delivered bool
	for _, entry := range t.Outbox {
		if entry.Sent {
			continue // already delivered and should have been pruned; drop defensively
		}
		payload, err := json.Marshal(map[string]interface{}{
			"reportedState": map[string]interface{}{
				"_inbox": map[string]interface{}{"value": entry.Message.ToAny()},
			},
		})
		if err != nil {
			s.log.Errorf("thing %s: marshal outbox entry %s: %v", t.ThingID(), entry.ID, err)
			remaining = append(remaining, entry)
			continue
		}
		err = s.bus.Publish(ctx, entry.Target, model.Mutation{
			Kind:           model.MutationMerge,
			MergePatch:     payload,
			IdempotencyKey: entry.ID,
		})
		if err != nil {
			s.log.Warnf("thing %s: forward outbox entry %s to %s failed, will retry on next wakeup: %v", t.ThingID(), entry.ID, entry.Target, err)
			remaining = append(remaining, entry)
			continue
		}
		delivered = true
	}
	if !delivered {
		return
	}
	t.Outbox = remaining
	updated, err := s.store.UpdateIf(ctx, t, t.Metadata.ResourceVersion)
	if err != nil {
		if !errors.Is(err, model.ErrPreconditionFailed) {
			s.log.Warnf("thing %s: clear delivered outbox entries failed: %v", t.ThingID(), err)
		}
		return
	}
	*t = *updated
}

package machine

import (
	"context"
	"sort"
	"time"

	"github.com/aleka07/twinengine/internal/model"
	"github.com/aleka07/twinengine/internal/script"
	"github.com/aleka07/twinengine/internal/value"
)

// runDueTimers implements spec §4.5 step 8. Timer names are visited in
// sorted order for determinism, matching the hook ordering rule.
func (m *Machine) runDueTimers(ctx context.Context, thingID string, newState *model.Thing, now time.Time) (outbox []model.OutboxEntry, hookLogs []HookLog) {
	if len(newState.Timers) == 0 {
		return nil, nil
	}

	names := make([]string, 0, len(newState.Timers))
	for name := range newState.Timers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		timer := newState.Timers[name]
		if timer.Stopped {
			continue
		}
		if !timerDue(timer, newState.Metadata.CreationTimestamp, now) {
			continue
		}

		stateMap, err := newState.ToMap()
		if err != nil {
			hookLogs = append(hookLogs, HookLog{Hook: "timer:" + name, Err: err})
			continue
		}
		res, err := m.scripts.Run(ctx, script.Invocation{
			ThingID:      thingID,
			HookName:     "timer:" + name,
			Source:       timer.Script.Source,
			CurrentState: newState,
			NewState:     stateMap,
		})
		ran := now
		timer.LastRun = &ran
		if timer.LastStarted == nil {
			timer.LastStarted = &ran
		}
		if err != nil {
			timer.LastLog = []string{err.Error()}
			newState.Timers[name] = timer
			hookLogs = append(hookLogs, HookLog{Hook: "timer:" + name, Err: err})
			continue
		}
		timer.LastLog = res.Logs
		newState.Timers[name] = timer
		hookLogs = append(hookLogs, HookLog{Hook: "timer:" + name, Logs: res.Logs, Err: res.ScriptErr})

		if err := newState.MergeFromMap(res.NewState); err != nil {
			hookLogs = append(hookLogs, HookLog{Hook: "timer:" + name, Err: err})
			continue
		}
		// MergeFromMap replaced the Timers-adjacent state's sibling maps
		// only (reported/synthetic/desired); restore our just-updated
		// timer bookkeeping since Timers isn't part of that overlay.
		newState.Timers[name] = timer

		for _, send := range res.Outbox {
			outbox = append(outbox, model.OutboxEntry{
				ID:        newOutboxID(),
				Target:    send.Thing,
				Message:   value.FromAny(send.Message),
				CreatedAt: now,
			})
		}
	}
	return outbox, hookLogs
}

// timerDue implements "now >= max(last_run, created) + period, honoring
// initial_delay before the first run" (spec §4.5 step 8).
func timerDue(timer model.Timer, created, now time.Time) bool {
	if timer.LastRun == nil {
		return !now.Before(created.Add(timer.InitialDelay))
	}
	base := *timer.LastRun
	if created.After(base) {
		base = created
	}
	return !now.Before(base.Add(timer.Period))
}

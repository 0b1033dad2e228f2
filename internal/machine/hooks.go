package machine

import (
	"context"
	"sort"
	"time"

	"github.com/aleka07/twinengine/internal/model"
	"github.com/aleka07/twinengine/internal/script"
	"github.com/aleka07/twinengine/internal/value"
)

// HookLog is one hook's captured log lines, returned to the caller for
// process logging; it is not persisted on the Thing (only Timer.LastLog
// is part of the persisted data model, per spec §3).
type HookLog struct {
	Hook string
	Logs []string
	Err  error
}

// changedFeatureNames implements the "every feature whose value differs"
// clause of spec §4.5 step 4: reported, synthetic, desired values, plus
// labels and annotations.
func changedFeatureNames(current, newState *model.Thing) []string {
	seen := map[string]bool{}
	add := func(names ...string) {
		for _, n := range names {
			seen[n] = true
		}
	}

	for name, v := range newState.ReportedState {
		if old, ok := current.ReportedState[name]; !ok || !old.Value.Equal(v.Value) {
			add(name)
		}
	}
	for name, v := range newState.SyntheticState {
		if old, ok := current.SyntheticState[name]; !ok || !old.Value.Equal(v.Value) {
			add(name)
		}
	}
	for name, v := range newState.DesiredState {
		if old, ok := current.DesiredState[name]; !ok || !old.Value.Equal(v.Value) {
			add(name)
		}
	}
	if !stringMapEqualPublic(current.Metadata.Labels, newState.Metadata.Labels) {
		add("metadata.labels")
	}
	if !stringMapEqualPublic(current.Metadata.Annotations, newState.Metadata.Annotations) {
		add("metadata.annotations")
	}

	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func stringMapEqualPublic(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// runHookSet runs every hook in hooks whose key is in changedNames, in
// sorted order, threading the shared mutable newState through each
// invocation (spec §4.5 step 4/step 6). It returns accumulated outbox
// entries, an explicit waker override if any hook set one, and per-hook
// logs for the caller to log.
func (m *Machine) runHookSet(ctx context.Context, thingID string, hooks map[string]model.Script, changedNames []string, newState *model.Thing, now time.Time, namePrefix string) (outbox []model.OutboxEntry, waker *time.Duration, hookLogs []HookLog) {
	if len(hooks) == 0 {
		return nil, nil, nil
	}

	toRun := make([]string, 0, len(hooks))
	changedSet := make(map[string]bool, len(changedNames))
	for _, n := range changedNames {
		changedSet[n] = true
	}
	for name := range hooks {
		if changedSet[name] {
			toRun = append(toRun, name)
		}
	}
	sort.Strings(toRun)

	for _, name := range toRun {
		hook := hooks[name]
		stateMap, err := newState.ToMap()
		if err != nil {
			hookLogs = append(hookLogs, HookLog{Hook: namePrefix + name, Err: err})
			continue
		}
		res, err := m.scripts.Run(ctx, script.Invocation{
			ThingID:      thingID,
			HookName:     namePrefix + name,
			Source:       hook.Source,
			CurrentState: newState,
			NewState:     stateMap,
		})
		if err != nil {
			// Sandbox-level rejection (ScriptAborted): do not apply this
			// hook's (nonexistent, since it never ran) effects; record and
			// move to the next hook. The transition as a whole continues.
			hookLogs = append(hookLogs, HookLog{Hook: namePrefix + name, Err: err})
			continue
		}
		hookLogs = append(hookLogs, HookLog{Hook: namePrefix + name, Logs: res.Logs, Err: res.ScriptErr})

		if err := newState.MergeFromMap(res.NewState); err != nil {
			hookLogs = append(hookLogs, HookLog{Hook: namePrefix + name, Err: err})
			continue
		}
		for _, send := range res.Outbox {
			outbox = append(outbox, model.OutboxEntry{
				ID:        newOutboxID(),
				Target:    send.Thing,
				Message:   value.FromAny(send.Message),
				CreatedAt: now,
			})
		}
		if res.Waker != nil {
			if waker == nil || *res.Waker < *waker {
				waker = res.Waker
			}
		}
	}
	return outbox, waker, hookLogs
}

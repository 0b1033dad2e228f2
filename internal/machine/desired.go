package machine

import (
	"context"
	"time"

	"github.com/aleka07/twinengine/internal/model"
	"github.com/aleka07/twinengine/internal/script"
	"github.com/aleka07/twinengine/internal/value"
)

// reconcileDesired implements spec §4.5 step 5 for every desired feature.
// It mutates newState.DesiredState in place and returns any commands to
// emit via the Command Sink, plus outbox entries and a waker override
// produced by Code-method reconciliation scripts.
func (m *Machine) reconcileDesired(ctx context.Context, thingID string, newState *model.Thing, now time.Time) (commands []model.Command, outbox []model.OutboxEntry, waker *time.Duration, hookLogs []HookLog) {
	for name, desired := range newState.DesiredState {
		if desired.Mode == model.DesiredModeDisabled {
			desired.Reconciliation = model.ReconciliationState{Kind: model.DisabledState, When: now}
			newState.DesiredState[name] = desired
			continue
		}
		if desired.ValidUntil != nil && now.After(*desired.ValidUntil) {
			desired.Reconciliation = model.ReconciliationState{Kind: model.FailedState, When: now, Reason: "expired"}
			newState.DesiredState[name] = desired
			continue
		}

		current := observedValue(newState, name)
		if current.Equal(desired.Value) {
			desired.Reconciliation = model.ReconciliationState{Kind: model.SucceededState, When: now}
			newState.DesiredState[name] = desired
			continue // mode=Once: no further action; mode=Sync: still re-evaluated on next transition
		}

		prevAttempt := desired.Reconciliation.LastAttempt

		lastAttempt := now
		desired.Reconciliation = model.ReconciliationState{Kind: model.ReconcilingState, LastAttempt: &lastAttempt}
		newState.DesiredState[name] = desired

		switch desired.Method.Kind {
		case model.MethodManual, model.MethodExternal:
			// no-op: Manual awaits operator action, External awaits the
			// external system.

		case model.MethodCommand:
			shouldSend := desired.Method.Mode == model.CommandModeActive
			if !shouldSend {
				if prevAttempt == nil || !now.Before(prevAttempt.Add(desired.Method.Period)) {
					shouldSend = true
				}
			}
			if shouldSend {
				commands = append(commands, model.Command{
					ThingID:     thingID,
					FeatureName: name,
					Payload:     desired.Value,
					Encoding:    desired.Method.Encoding,
				})
			}
			next := desired.Method.Period
			if waker == nil || next < *waker {
				waker = &next
			}

		case model.MethodCode:
			stateMap, err := newState.ToMap()
			if err != nil {
				hookLogs = append(hookLogs, HookLog{Hook: "desired:" + name, Err: err})
				continue
			}
			res, err := m.scripts.Run(ctx, script.Invocation{
				ThingID:      thingID,
				HookName:     "desired:" + name,
				Source:       desired.Method.JavaScript,
				CurrentState: newState,
				NewState:     stateMap,
			})
			if err != nil {
				hookLogs = append(hookLogs, HookLog{Hook: "desired:" + name, Err: err})
				continue
			}
			hookLogs = append(hookLogs, HookLog{Hook: "desired:" + name, Logs: res.Logs, Err: res.ScriptErr})
			if err := newState.MergeFromMap(res.NewState); err != nil {
				hookLogs = append(hookLogs, HookLog{Hook: "desired:" + name, Err: err})
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
			if res.Waker != nil && (waker == nil || *res.Waker < *waker) {
				waker = res.Waker
			}
		}
	}
	return commands, outbox, waker, hookLogs
}

// observedValue returns the value a desired feature reconciles against:
// the synthetic value if present under the same name, else the reported
// value, else Null (spec §4.5 step 5: "synthetic preferred").
func observedValue(t *model.Thing, name string) value.Value {
	if s, ok := t.SyntheticState[name]; ok {
		return s.Value
	}
	if r, ok := t.ReportedState[name]; ok {
		return r.Value
	}
	return value.Null()
}

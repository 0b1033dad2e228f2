package machine

import (
	"context"
	"sort"
	"time"

	"github.com/aleka07/twinengine/internal/model"
	"github.com/aleka07/twinengine/internal/script"
)

// recomputeSynthetic implements spec §4.5 step 3. It mutates newState in
// place and returns the logs collected from any javaScript-kind features
// (alias features produce no logs).
func (m *Machine) recomputeSynthetic(ctx context.Context, thingID string, newState *model.Thing, now time.Time) (logs []string, scriptErrs []error) {
	if len(newState.SyntheticState) == 0 {
		return nil, nil
	}

	names := make([]string, 0, len(newState.SyntheticState))
	for name := range newState.SyntheticState {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		feat := newState.SyntheticState[name]
		switch feat.Kind {
		case model.SyntheticKindAlias:
			if src, ok := newState.ReportedState[feat.Alias]; ok {
				if !feat.Value.Equal(src.Value) {
					feat.Value = src.Value
					feat.LastUpdate = src.LastUpdate
					newState.SyntheticState[name] = feat
				}
			}

		case model.SyntheticKindJavaScript:
			stateMap, err := newState.ToMap()
			if err != nil {
				scriptErrs = append(scriptErrs, err)
				continue
			}
			res, err := m.scripts.Run(ctx, script.Invocation{
				ThingID:      thingID,
				HookName:     "synthetic:" + name,
				Source:       feat.Code,
				CurrentState: newState,
				NewState:     stateMap,
			})
			if err != nil {
				// ScriptAborted: leave this synthetic value unchanged and log, per
				// spec §7 ("A ScriptError inside a synthetic-value recompute
				// leaves that synthetic value unchanged and logs") — the same
				// conservative handling applies to a budget abort.
				scriptErrs = append(scriptErrs, err)
				continue
			}
			logs = append(logs, res.Logs...)
			if res.ScriptErr != nil {
				scriptErrs = append(scriptErrs, res.ScriptErr)
				continue
			}
			if err := newState.MergeFromMap(res.NewState); err != nil {
				scriptErrs = append(scriptErrs, err)
				continue
			}
			updated := newState.SyntheticState[name]
			if !updated.Value.Equal(feat.Value) {
				updated.LastUpdate = now
			} else {
				updated.LastUpdate = feat.LastUpdate
			}
			updated.Kind = feat.Kind
			updated.Code = feat.Code
			newState.SyntheticState[name] = updated
		}
	}
	return logs, scriptErrs
}

package machine

import (
	"fmt"
	"time"

	"github.com/aleka07/twinengine/internal/jsonpatch"
	"github.com/aleka07/twinengine/internal/model"
	"github.com/aleka07/twinengine/internal/value"
)

// applyMutation implements spec §4.5 step 1: produce newState by applying
// the mutation to a clone of currentState. newState is mutated in place.
func applyMutation(newState *model.Thing, mutation model.Mutation, now time.Time) error {
	switch mutation.Kind {
	case model.MutationWakeup:
		// No-op mutation; proceeds directly to reconciliation (spec §4.5 step 1).
		return nil

	case model.MutationMerge:
		return applyMerge(newState, mutation.MergePatch)

	case model.MutationPatch:
		return applyPatch(newState, mutation.PatchOps)

	case model.MutationReplace:
		return applyReplace(newState, mutation.Replace)

	case model.MutationSetReported:
		setReported(newState, mutation.FeatureName, mutation.FeatureValue, now)
		return nil

	case model.MutationSetSynthetic:
		setSynthetic(newState, mutation.FeatureName, mutation.FeatureValue, now)
		return nil

	case model.MutationSetDesired:
		setDesired(newState, mutation.FeatureName, mutation.Desired, now)
		return nil

	case model.MutationDelete:
		newState.Metadata.DeletionTimestamp = &now
		return nil

	default:
		return fmt.Errorf("%w: unsupported mutation kind %q", model.ErrInvalid, mutation.Kind)
	}
}

func applyMerge(newState *model.Thing, mergePatch []byte) error {
	identity := newState.Metadata
	v, err := newState.ToValue()
	if err != nil {
		return fmt.Errorf("%w: project thing to value: %v", model.ErrInvalid, err)
	}
	result, err := jsonpatch.ApplyMerge(v, mergePatch)
	if err != nil {
		return err
	}
	return reassign(newState, result, identity)
}

func applyPatch(newState *model.Thing, ops []byte) error {
	identity := newState.Metadata
	v, err := newState.ToValue()
	if err != nil {
		return fmt.Errorf("%w: project thing to value: %v", model.ErrInvalid, err)
	}
	result, err := jsonpatch.ApplyPatch(v, ops)
	if err != nil {
		return err
	}
	return reassign(newState, result, identity)
}

func reassign(newState *model.Thing, result value.Value, identity model.Metadata) error {
	rebuilt, err := model.ThingFromValue(result)
	if err != nil {
		return fmt.Errorf("%w: rebuild thing after patch: %v", model.ErrInvalid, err)
	}
	preserveIdentity(rebuilt, identity)
	*newState = *rebuilt
	return nil
}

func applyReplace(newState *model.Thing, replacement *model.Thing) error {
	if replacement == nil {
		return fmt.Errorf("%w: Replace mutation missing thing", model.ErrInvalid)
	}
	identity := newState.Metadata
	*newState = *replacement.Clone()
	preserveIdentity(newState, identity)
	return nil
}

// preserveIdentity restores the fields spec §4.5 step 1 names as
// non-negotiable across Merge/Patch/Replace: uid, creation_timestamp, and
// (application, name) identity. resource_version and generation remain the
// Storage layer's responsibility and are never taken from mutation bodies.
func preserveIdentity(t *model.Thing, identity model.Metadata) {
	t.Metadata.Application = identity.Application
	t.Metadata.Name = identity.Name
	t.Metadata.UID = identity.UID
	t.Metadata.CreationTimestamp = identity.CreationTimestamp
	t.Metadata.ResourceVersion = identity.ResourceVersion
	t.Metadata.Generation = identity.Generation
}

func setReported(t *model.Thing, name string, v value.Value, now time.Time) {
	if t.ReportedState == nil {
		t.ReportedState = make(map[string]model.ReportedFeature)
	}
	existing, had := t.ReportedState[name]
	if had && existing.Value.Equal(v) {
		// invariant 5: value unchanged, last_update is not advanced.
		return
	}
	t.ReportedState[name] = model.ReportedFeature{Value: v, LastUpdate: now}
}

func setSynthetic(t *model.Thing, name string, v value.Value, now time.Time) {
	if t.SyntheticState == nil {
		t.SyntheticState = make(map[string]model.SyntheticFeature)
	}
	existing, had := t.SyntheticState[name]
	if had && existing.Value.Equal(v) {
		return
	}
	existing.Value = v
	existing.LastUpdate = now
	t.SyntheticState[name] = existing
}

func setDesired(t *model.Thing, name string, d model.DesiredFeature, now time.Time) {
	if t.DesiredState == nil {
		t.DesiredState = make(map[string]model.DesiredFeature)
	}
	existing, had := t.DesiredState[name]
	if had && existing.Value.Equal(d.Value) {
		d.LastUpdate = existing.LastUpdate
	} else {
		d.LastUpdate = now
	}
	t.DesiredState[name] = d
}

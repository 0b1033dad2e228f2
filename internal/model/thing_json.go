package model

import (
	"encoding/json"

	"github.com/aleka07/twinengine/internal/value"
)

// ToValue projects a Thing into the generic value.Value tree, used by the
// Machine when applying Merge/Patch mutations (spec §4.5 step 1).
func (t *Thing) ToValue() (value.Value, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return value.Value{}, err
	}
	return value.ParseJSON(raw)
}

// ThingFromValue reconstructs a Thing from a value.Value previously
// produced by ToValue (optionally patched in between).
func ThingFromValue(v value.Value) (*Thing, error) {
	raw, err := v.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var t Thing
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ToMap projects a Thing into a generic map, the shape handed to the
// script runtime as context.newState/context.currentState.
func (t *Thing) ToMap() (map[string]interface{}, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// MergeFromMap overlays fields the script runtime reported back (reported/
// synthetic/desired state, labels, annotations) from a generic map onto t.
// Only the fields a script is permitted to touch are read back; everything
// else is left as t already has it, which is what enforces the
// forbidden-metadata-field rule at the data layer in addition to the
// runtime-level check in internal/script.
func (t *Thing) MergeFromMap(m map[string]interface{}) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	var scratch Thing
	if err := json.Unmarshal(raw, &scratch); err != nil {
		return err
	}

	identity := t.Metadata
	t.Metadata = scratch.Metadata
	t.Metadata.Application = identity.Application
	t.Metadata.Name = identity.Name
	t.Metadata.UID = identity.UID
	t.Metadata.ResourceVersion = identity.ResourceVersion
	t.Metadata.Generation = identity.Generation
	t.Metadata.CreationTimestamp = identity.CreationTimestamp
	t.Metadata.DeletionTimestamp = identity.DeletionTimestamp

	t.ReportedState = scratch.ReportedState
	t.SyntheticState = scratch.SyntheticState
	t.DesiredState = scratch.DesiredState
	return nil
}

// Package jsonpatch applies RFC6902 JSON Patch and RFC7396 JSON Merge
// Patch documents to a value.Value, backing the Machine's
// Patch{ops}/Merge{patch} mutation variants (spec §4.5 step 1).
package jsonpatch

import (
	"encoding/json"
	"fmt"

	jp "github.com/evanphx/json-patch/v5"

	"github.com/aleka07/twinengine/internal/model"
	"github.com/aleka07/twinengine/internal/value"
)

// ApplyMerge applies an RFC7396 JSON Merge Patch document to v and returns
// the result. A key set to null in the patch deletes that key from the
// corresponding object, per RFC7396 (unlike a struct/map merge helper such
// as dario.cat/mergo, which has no concept of patch-driven deletion — this
// is why that dependency can't implement Merge{patch}, see DESIGN.md).
func ApplyMerge(v value.Value, mergePatch []byte) (value.Value, error) {
	target, err := v.MarshalJSON()
	if err != nil {
		return value.Value{}, fmt.Errorf("%w: marshal target: %v", model.ErrInvalid, err)
	}
	merged, err := jp.MergePatch(target, mergePatch)
	if err != nil {
		return value.Value{}, fmt.Errorf("%w: merge patch: %v", model.ErrInvalid, err)
	}
	out, err := value.ParseJSON(merged)
	if err != nil {
		return value.Value{}, fmt.Errorf("%w: parse merged result: %v", model.ErrInvalid, err)
	}
	return out, nil
}

// ApplyPatch applies an RFC6902 JSON Patch document to v. On any failed
// `test` operation (or any other patch failure) it returns an error
// wrapping model.ErrInvalid, and the Machine must leave state unchanged
// (spec §4.5 step 1: "on any failed test op, reject").
func ApplyPatch(v value.Value, ops []byte) (value.Value, error) {
	target, err := v.MarshalJSON()
	if err != nil {
		return value.Value{}, fmt.Errorf("%w: marshal target: %v", model.ErrInvalid, err)
	}
	patch, err := jp.DecodePatch(ops)
	if err != nil {
		return value.Value{}, fmt.Errorf("%w: decode patch: %v", model.ErrInvalid, err)
	}
	result, err := patch.Apply(target)
	if err != nil {
		return value.Value{}, fmt.Errorf("%w: apply patch: %v", model.ErrInvalid, err)
	}
	out, err := value.ParseJSON(result)
	if err != nil {
		return value.Value{}, fmt.Errorf("%w: parse patched result: %v", model.ErrInvalid, err)
	}
	return out, nil
}

// MakePatch computes an RFC6902 patch document that transforms `from` into
// `to`, used by the round-trip law in spec §8 (patch(T, make_patch(T, T'))
// == T').
func MakePatch(from, to value.Value) ([]byte, error) {
	a, err := from.MarshalJSON()
	if err != nil {
		return nil, err
	}
	b, err := to.MarshalJSON()
	if err != nil {
		return nil, err
	}
	patch, err := jp.CreatePatch(a, b)
	if err != nil {
		return nil, err
	}
	return json.Marshal(patch)
}

// MakeMergePatch computes an RFC7396 merge patch document that transforms
// `from` into `to`, used by the round-trip law in spec §8 (merge(T,
// diff_merge(T, T')) produces T').
func MakeMergePatch(from, to value.Value) ([]byte, error) {
	a, err := from.MarshalJSON()
	if err != nil {
		return nil, err
	}
	b, err := to.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return jp.CreateMergePatch(a, b)
}

package model

import "github.com/aleka07/twinengine/internal/value"

// MutationKind discriminates the payload variants carried on the Event
// Sink (spec §3 step 1, §4.2).
type MutationKind string

const (
	MutationCreate        MutationKind = "Create"
	MutationMerge         MutationKind = "Merge"
	MutationPatch         MutationKind = "Patch"
	MutationReplace       MutationKind = "Replace"
	MutationSetReported   MutationKind = "SetReported"
	MutationSetDesired    MutationKind = "SetDesired"
	MutationSetSynthetic  MutationKind = "SetSynthetic"
	MutationWakeup        MutationKind = "Wakeup"
	MutationDelete        MutationKind = "Delete"
)

// Mutation is the sum type the Machine applies as step 1 of the
// transition (spec §4.5).
type Mutation struct {
	Kind MutationKind

	// Create
	Create *Thing

	// Merge: RFC7396 JSON Merge Patch document, applied to the thing's
	// JSON projection.
	MergePatch []byte

	// Patch: RFC6902 JSON Patch document.
	PatchOps []byte

	// Replace
	Replace *Thing

	// SetReported / SetSynthetic
	FeatureName  string
	FeatureValue value.Value

	// SetDesired
	Desired DesiredFeature

	// Wakeup
	WakeupReason WakerReason

	// idempotency/tracing, not interpreted by the Machine
	IdempotencyKey string
}

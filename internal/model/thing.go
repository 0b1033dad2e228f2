// Package model defines the digital-twin aggregate ("Thing") and the
// mutation/reconciliation vocabulary the Machine operates on, per spec §3.
package model

import (
	"time"

	"github.com/aleka07/twinengine/internal/value"
)

// ReportedFeature is a single entry of reported state (spec §3).
type ReportedFeature struct {
	LastUpdate time.Time   `json:"lastUpdate"`
	Value      value.Value `json:"value"`
}

// SyntheticKind discriminates the two ways a synthetic feature's value is
// derived.
type SyntheticKind string

const (
	SyntheticKindJavaScript SyntheticKind = "javaScript"
	SyntheticKindAlias      SyntheticKind = "alias"
)

// SyntheticFeature is a single entry of synthetic state (spec §3).
type SyntheticFeature struct {
	Kind       SyntheticKind `json:"kind"`
	Code       string        `json:"code,omitempty"`      // when Kind == javaScript
	Alias      string        `json:"alias,omitempty"`      // when Kind == alias
	LastUpdate time.Time     `json:"lastUpdate"`
	Value      value.Value   `json:"value"`
}

// DesiredMode controls whether a desired feature keeps reconciling after it
// first converges.
type DesiredMode string

const (
	DesiredModeOnce     DesiredMode = "Once"
	DesiredModeSync     DesiredMode = "Sync"
	DesiredModeDisabled DesiredMode = "Disabled"
)

// CommandEncoding describes how a Command method encodes the desired value
// onto the wire when delivered via the Command Sink.
type CommandEncoding string

const (
	CommandEncodingJSON CommandEncoding = "json"
	CommandEncodingRaw  CommandEncoding = "raw"
)

// CommandMode distinguishes "resend on every mismatch" from "resend every
// period" reconciliation for the Command method, per
// original_source/core/src/machine/desired.rs (see SPEC_FULL.md §9).
type CommandMode string

const (
	CommandModeActive   CommandMode = "active"
	CommandModePeriodic CommandMode = "periodic"
)

// DesiredMethod is the sum type of ways a desired feature is reconciled
// toward the reported/synthetic state (spec §3).
type DesiredMethod struct {
	Kind MethodKind `json:"kind"`

	// Command fields (Kind == MethodCommand)
	Period   time.Duration   `json:"period,omitempty"`
	Mode     CommandMode     `json:"mode,omitempty"`
	Encoding CommandEncoding `json:"encoding,omitempty"`

	// Code fields (Kind == MethodCode)
	JavaScript string `json:"javaScript,omitempty"`
}

type MethodKind string

const (
	MethodManual   MethodKind = "Manual"
	MethodExternal MethodKind = "External"
	MethodCommand  MethodKind = "Command"
	MethodCode     MethodKind = "Code"
)

// ReconciliationState is the sum type tracking desired-state convergence
// progress (spec §3).
type ReconciliationState struct {
	Kind       ReconciliationKind `json:"kind"`
	When       time.Time          `json:"when,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	LastAttempt *time.Time        `json:"lastAttempt,omitempty"`
}

type ReconciliationKind string

const (
	ReconcilingState ReconciliationKind = "Reconciling"
	SucceededState   ReconciliationKind = "Succeeded"
	FailedState      ReconciliationKind = "Failed"
	DisabledState    ReconciliationKind = "Disabled"
)

// DesiredFeature is a single entry of desired state (spec §3).
type DesiredFeature struct {
	Value          value.Value          `json:"value"`
	LastUpdate     time.Time            `json:"lastUpdate"`
	ValidUntil     *time.Time           `json:"validUntil,omitempty"`
	Mode           DesiredMode          `json:"mode"`
	Method         DesiredMethod        `json:"method"`
	Reconciliation ReconciliationState  `json:"reconciliation"`
}

// Script is a bare JavaScript hook body, used for `changed`/`deleting`
// hooks and timer bodies.
type Script struct {
	Source string `json:"source"`
}

// Timer is a periodic reconciliation script (spec §3).
type Timer struct {
	Script       Script     `json:"script"`
	Period       time.Duration `json:"period"`
	InitialDelay time.Duration `json:"initialDelay,omitempty"`
	LastRun      *time.Time `json:"lastRun,omitempty"`
	LastStarted  *time.Time `json:"lastStarted,omitempty"`
	Stopped      bool       `json:"stopped"`
	LastLog      []string   `json:"lastLog,omitempty"`
}

// WakerReason identifies why a thing is due for processing.
type WakerReason string

const (
	WakerReasonReconcile WakerReason = "Reconcile"
	WakerReasonOutbox    WakerReason = "Outbox"
)

// TimerWakerReason builds the reason string for a named timer's wakeup,
// so the waker set can disambiguate which timer(s) are due.
func TimerWakerReason(name string) WakerReason {
	return WakerReason("Timer:" + name)
}

// Waker is the single earliest future moment at which a thing requires
// processing, plus the set of reasons contributing to it (spec §3,
// invariant 5; see also SPEC_FULL.md §9 on original_source/waker.rs).
type Waker struct {
	Next    time.Time     `json:"next"`
	Reasons []WakerReason `json:"reasons"`
}

// OutboxEntry is a queued message destined for another thing, delivered
// via the Event Sink after a successful commit (spec §3, invariant 6).
type OutboxEntry struct {
	ID        string      `json:"id"`
	Target    string      `json:"target"` // thing_id of the recipient
	Message   value.Value `json:"message"`
	CreatedAt time.Time   `json:"createdAt"`
	HopCount  int         `json:"hopCount"`
	Sent      bool        `json:"sent"`
}

// MaxOutboxHops caps cyclic outbox chains (A -> B -> A) per spec §9 design
// notes, so an infinite loop fails loudly instead of silently looping
// forever.
const MaxOutboxHops = 16

// Metadata groups the identity and bookkeeping fields of a Thing (spec §3).
type Metadata struct {
	Application        string            `json:"application"`
	Name               string            `json:"name"`
	UID                string            `json:"uid"`
	ResourceVersion    string            `json:"resourceVersion"`
	Generation         int64             `json:"generation"`
	CreationTimestamp  time.Time         `json:"creationTimestamp"`
	DeletionTimestamp  *time.Time        `json:"deletionTimestamp,omitempty"`
	Annotations        map[string]string `json:"annotations,omitempty"`
	Labels             map[string]string `json:"labels,omitempty"`
}

// ThingID returns the partition key used throughout the event log and
// notifier: "application/name" (spec §4.2).
func (m Metadata) ThingID() string {
	return m.Application + "/" + m.Name
}

// Thing is the full digital-twin aggregate (spec §3).
type Thing struct {
	Metadata Metadata `json:"metadata"`

	Schema []byte `json:"schema,omitempty"` // raw draft-7 JSON Schema, nil if absent

	ReportedState  map[string]ReportedFeature  `json:"reportedState,omitempty"`
	SyntheticState map[string]SyntheticFeature `json:"syntheticState,omitempty"`
	DesiredState   map[string]DesiredFeature   `json:"desiredState,omitempty"`

	Changed  map[string]Script `json:"changed,omitempty"`
	Deleting map[string]Script `json:"deleting,omitempty"`
	Timers   map[string]Timer  `json:"timers,omitempty"`

	Waker  *Waker        `json:"waker,omitempty"`
	Outbox []OutboxEntry `json:"outbox,omitempty"`
}

// ThingID is a convenience forwarding to Metadata.ThingID.
func (t *Thing) ThingID() string { return t.Metadata.ThingID() }

// Clone returns a deep copy of the thing, used by the Machine to build
// newState from currentState without aliasing any mutable field (spec
// §4.5 step 1: "new_state = clone(current_state)").
func (t *Thing) Clone() *Thing {
	if t == nil {
		return nil
	}
	out := &Thing{
		Metadata: t.Metadata,
	}
	if t.Metadata.DeletionTimestamp != nil {
		ts := *t.Metadata.DeletionTimestamp
		out.Metadata.DeletionTimestamp = &ts
	}
	out.Metadata.Annotations = cloneStringMap(t.Metadata.Annotations)
	out.Metadata.Labels = cloneStringMap(t.Metadata.Labels)

	if t.Schema != nil {
		out.Schema = append([]byte(nil), t.Schema...)
	}

	out.ReportedState = make(map[string]ReportedFeature, len(t.ReportedState))
	for k, v := range t.ReportedState {
		v.Value = v.Value.Clone()
		out.ReportedState[k] = v
	}
	out.SyntheticState = make(map[string]SyntheticFeature, len(t.SyntheticState))
	for k, v := range t.SyntheticState {
		v.Value = v.Value.Clone()
		out.SyntheticState[k] = v
	}
	out.DesiredState = make(map[string]DesiredFeature, len(t.DesiredState))
	for k, v := range t.DesiredState {
		v.Value = v.Value.Clone()
		if v.ValidUntil != nil {
			vu := *v.ValidUntil
			v.ValidUntil = &vu
		}
		if v.Reconciliation.LastAttempt != nil {
			la := *v.Reconciliation.LastAttempt
			v.Reconciliation.LastAttempt = &la
		}
		out.DesiredState[k] = v
	}

	out.Changed = cloneScriptMap(t.Changed)
	out.Deleting = cloneScriptMap(t.Deleting)

	out.Timers = make(map[string]Timer, len(t.Timers))
	for k, v := range t.Timers {
		if v.LastRun != nil {
			lr := *v.LastRun
			v.LastRun = &lr
		}
		if v.LastStarted != nil {
			ls := *v.LastStarted
			v.LastStarted = &ls
		}
		v.LastLog = append([]string(nil), v.LastLog...)
		out.Timers[k] = v
	}

	if t.Waker != nil {
		w := *t.Waker
		w.Reasons = append([]WakerReason(nil), t.Waker.Reasons...)
		out.Waker = &w
	}
	out.Outbox = make([]OutboxEntry, len(t.Outbox))
	for i, e := range t.Outbox {
		e.Message = e.Message.Clone()
		out.Outbox[i] = e
	}

	return out
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneScriptMap(m map[string]Script) map[string]Script {
	if m == nil {
		return nil
	}
	out := make(map[string]Script, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// EqualIgnoringVersion reports whether two things are identical apart from
// ResourceVersion and Generation, used by the Service to detect no-op
// mutations (spec §4.6 step 4).
func (t *Thing) EqualIgnoringVersion(other *Thing) bool {
	if t == nil || other == nil {
		return t == other
	}
	a, b := *t, *other
	a.Metadata.ResourceVersion = ""
	a.Metadata.Generation = 0
	b.Metadata.ResourceVersion = ""
	b.Metadata.Generation = 0
	return metadataEqual(a.Metadata, b.Metadata) &&
		reportedEqual(a.ReportedState, b.ReportedState) &&
		syntheticEqual(a.SyntheticState, b.SyntheticState) &&
		desiredEqual(a.DesiredState, b.DesiredState) &&
		timersEqual(a.Timers, b.Timers) &&
		wakerEqual(a.Waker, b.Waker) &&
		len(a.Outbox) == len(b.Outbox)
}

func metadataEqual(a, b Metadata) bool {
	if a.Application != b.Application || a.Name != b.Name || a.UID != b.UID {
		return false
	}
	if !stringMapEqual(a.Annotations, b.Annotations) || !stringMapEqual(a.Labels, b.Labels) {
		return false
	}
	return (a.DeletionTimestamp == nil) == (b.DeletionTimestamp == nil)
}

func stringMapEqual(a, b map[string]string) bool {
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

func reportedEqual(a, b map[string]ReportedFeature) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok || !v.Value.Equal(bv.Value) || !v.LastUpdate.Equal(bv.LastUpdate) {
			return false
		}
	}
	return true
}

func syntheticEqual(a, b map[string]SyntheticFeature) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok || !v.Value.Equal(bv.Value) || !v.LastUpdate.Equal(bv.LastUpdate) || v.Kind != bv.Kind || v.Code != bv.Code || v.Alias != bv.Alias {
			return false
		}
	}
	return true
}

func desiredEqual(a, b map[string]DesiredFeature) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok || !v.Value.Equal(bv.Value) || v.Mode != bv.Mode || v.Reconciliation.Kind != bv.Reconciliation.Kind {
			return false
		}
	}
	return true
}

func timersEqual(a, b map[string]Timer) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok || v.Stopped != bv.Stopped {
			return false
		}
		if (v.LastRun == nil) != (bv.LastRun == nil) {
			return false
		}
	}
	return true
}

func wakerEqual(a, b *Waker) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Next.Equal(b.Next)
}

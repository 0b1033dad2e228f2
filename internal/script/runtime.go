// Package script executes user-supplied JavaScript hooks, timers, and
// desired-state reconcilers inside a sandboxed goja VM, per spec §4.4. Each
// invocation gets a single context object exposing currentState, newState,
// logs, outbox, and waker, and nothing else: no network, no filesystem, no
// setTimeout — goja provides only Date/JSON/language builtins by default,
// which already satisfies the sandbox contract spec §4.4/§9 ask for.
package script

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/aleka07/twinengine/internal/model"
)

// Forbidden metadata fields a script must never be able to change, per
// spec §4.4.
var forbiddenMetadataFields = []string{
	"name", "application", "uid", "creationTimestamp", "resourceVersion",
}

// OutboxSend is one entry pushed onto context.outbox during a hook
// invocation.
type OutboxSend struct {
	Thing   string
	Message interface{}
}

// Invocation describes one script execution.
type Invocation struct {
	ThingID      string
	HookName     string
	Source       string
	CurrentState *model.Thing
	// NewState is the JSON projection of the mutable candidate state the
	// script may edit; callers read back Result.NewState after Run and
	// merge permitted edits into their own model.Thing.
	NewState map[string]interface{}
}

// Result carries every side-effect a script invocation can produce.
type Result struct {
	NewState map[string]interface{}
	Logs     []string
	Outbox   []OutboxSend
	Waker    *time.Duration
	// ScriptErr is set when user code threw; it is never a reason to
	// abort the surrounding transition (spec §7: captured, not fatal).
	ScriptErr error
}

// Runtime executes scripts against a shared compile cache under fixed CPU
// and memory budgets.
type Runtime struct {
	cache      *Cache
	cpuBudget  time.Duration
	memBudgetBytes uint64
}

// New creates a Runtime. memBudgetBytes of 0 disables the memory cap (not
// recommended in production; internal/config always supplies a non-zero
// default).
func New(cache *Cache, cpuBudget time.Duration, memBudgetBytes uint64) *Runtime {
	return &Runtime{cache: cache, cpuBudget: cpuBudget, memBudgetBytes: memBudgetBytes}
}

// Run executes one hook/timer/reconciler invocation. The returned error is
// non-nil only for a sandbox-level rejection: ErrScriptAborted (CPU/memory
// budget breach, or an attempt to mutate a forbidden metadata field). A
// thrown JS exception is NOT returned as err; it is captured into
// Result.ScriptErr per spec §7.
func (r *Runtime) Run(ctx context.Context, inv Invocation) (Result, error) {
	key := CacheKey{ThingID: inv.ThingID, HookName: inv.HookName, SourceSHA: SourceHash(inv.Source)}
	prog, err := r.cache.GetOrCompile(key, inv.Source)
	if err != nil {
		return Result{}, fmt.Errorf("%w: compile failed: %v", model.ErrScriptAborted, err)
	}

	vm := goja.New()
	if r.memBudgetBytes > 0 {
		vm.SetMemoryLimit(r.memBudgetBytes)
	}

	logs := make([]string, 0, 4)
	var outbox []OutboxSend
	var wakerDuration *time.Duration

	contextObj := vm.NewObject()
	currentJS, err := toJSValue(vm, inv.CurrentState)
	if err != nil {
		return Result{}, fmt.Errorf("%w: marshal currentState: %v", model.ErrScriptAborted, err)
	}
	newStateVal := vm.ToValue(inv.NewState)

	_ = contextObj.Set("currentState", currentJS)
	_ = contextObj.Set("newState", newStateVal)

	_ = contextObj.Set("appendLog", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) > 0 {
			logs = append(logs, call.Arguments[0].String())
		}
		return goja.Undefined()
	})
	_ = contextObj.Set("logs", buildLogsArray(vm, &logs))

	_ = contextObj.Set("sendOutbox", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) >= 2 {
			outbox = append(outbox, OutboxSend{
				Thing:   call.Arguments[0].String(),
				Message: call.Arguments[1].Export(),
			})
		}
		return goja.Undefined()
	})
	_ = contextObj.Set("outbox", buildOutboxArray(vm, &outbox))

	_ = contextObj.Set("waker", goja.Undefined())

	vm.Set("context", contextObj)

	if r.cpuBudget > 0 {
		timer := time.AfterFunc(r.cpuBudget, func() {
			vm.Interrupt(fmt.Errorf("%w: cpu budget exceeded", model.ErrScriptAborted))
		})
		defer timer.Stop()
	}

	done := make(chan struct{})
	var runErr error
	go func() {
		_, runErr = vm.RunProgram(prog)
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		vm.Interrupt(fmt.Errorf("%w: context cancelled", model.ErrScriptAborted))
		<-done
	}

	if runErr != nil {
		if ie, ok := runErr.(*goja.InterruptedError); ok {
			return Result{}, fmt.Errorf("%w: %v", model.ErrScriptAborted, ie)
		}
		// A thrown exception (goja.Exception) or any other runtime error
		// is a ScriptError: captured, not fatal to the transition.
		return Result{ScriptErr: fmt.Errorf("%w: %v", model.ErrScriptError, runErr)}, nil
	}

	newState, ok := newStateVal.Export().(map[string]interface{})
	if !ok {
		newState = inv.NewState
	}

	if inv.CurrentState != nil {
		if violated := forbiddenFieldChanged(inv.CurrentState, newState); violated != "" {
			return Result{}, fmt.Errorf("%w: script attempted to mutate metadata.%s", model.ErrScriptAborted, violated)
		}
	}

	if wakerVal := contextObj.Get("waker"); wakerVal != nil && !goja.IsUndefined(wakerVal) && !goja.IsNull(wakerVal) {
		d, perr := model.ParseDuration(wakerVal.String())
		if perr == nil {
			wakerDuration = &d
		}
	}

	return Result{
		NewState: newState,
		Logs:     logs,
		Outbox:   outbox,
		Waker:    wakerDuration,
	}, nil
}

func buildLogsArray(vm *goja.Runtime, logs *[]string) *goja.Object {
	arr := vm.NewArray()
	_ = arr.Set("push", func(call goja.FunctionCall) goja.Value {
		for _, a := range call.Arguments {
			*logs = append(*logs, a.String())
		}
		return vm.ToValue(len(*logs))
	})
	return arr
}

func buildOutboxArray(vm *goja.Runtime, outbox *[]OutboxSend) *goja.Object {
	arr := vm.NewArray()
	_ = arr.Set("push", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) > 0 {
			entry := call.Arguments[0].Export()
			if m, ok := entry.(map[string]interface{}); ok {
				*outbox = append(*outbox, OutboxSend{
					Thing:   fmt.Sprint(m["thing"]),
					Message: m["message"],
				})
			}
		}
		return vm.ToValue(len(*outbox))
	})
	return arr
}

func toJSValue(vm *goja.Runtime, thing *model.Thing) (goja.Value, error) {
	if thing == nil {
		return goja.Null(), nil
	}
	raw, err := json.Marshal(thing)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return vm.ToValue(generic), nil
}

// forbiddenFieldChanged compares the candidate newState's metadata block
// against the current state and returns the name of the first forbidden
// field that differs, or "" if none do.
func forbiddenFieldChanged(current *model.Thing, newState map[string]interface{}) string {
	meta, ok := newState["metadata"].(map[string]interface{})
	if !ok {
		return ""
	}
	want := map[string]interface{}{
		"name":              current.Metadata.Name,
		"application":       current.Metadata.Application,
		"uid":               current.Metadata.UID,
		"resourceVersion":   current.Metadata.ResourceVersion,
	}
	for _, field := range forbiddenMetadataFields {
		if field == "creationTimestamp" {
			continue // timestamps compare poorly across JSON round-trips; enforced separately by the Machine
		}
		if got, present := meta[field]; present {
			if w, ok := want[field]; ok && fmt.Sprint(got) != fmt.Sprint(w) {
				return field
			}
		}
	}
	return ""
}

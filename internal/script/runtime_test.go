package script

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleka07/twinengine/internal/model"
)

func testRuntime() *Runtime {
	return New(NewCache(16), 200*time.Millisecond, 16<<20)
}

func TestRunMutatesNewStateAndAppendsLog(t *testing.T) {
	r := testRuntime()
	result, err := r.Run(context.Background(), Invocation{
		ThingID:  "default/t1",
		HookName: "changed:temperature",
		Source:   `context.newState.celsius = 21; context.appendLog("ok");`,
		NewState: map[string]interface{}{},
	})
	require.NoError(t, err)
	assert.Nil(t, result.ScriptErr)
	assert.Equal(t, float64(21), result.NewState["celsius"])
	assert.Equal(t, []string{"ok"}, result.Logs)
}

func TestRunCapturesThrownExceptionAsScriptErr(t *testing.T) {
	r := testRuntime()
	result, err := r.Run(context.Background(), Invocation{
		ThingID:  "default/t1",
		HookName: "changed:temperature",
		Source:   `throw new Error("boom");`,
		NewState: map[string]interface{}{},
	})
	require.NoError(t, err, "a thrown JS exception must not abort the transition")
	require.Error(t, result.ScriptErr)
	assert.ErrorIs(t, result.ScriptErr, model.ErrScriptError)
}

func TestRunAbortsOnCPUBudgetExceeded(t *testing.T) {
	r := New(NewCache(16), 20*time.Millisecond, 16<<20)
	_, err := r.Run(context.Background(), Invocation{
		ThingID:  "default/t1",
		HookName: "changed:spin",
		Source:   `while (true) {}`,
		NewState: map[string]interface{}{},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrScriptAborted)
}

func TestRunCollectsOutboxSends(t *testing.T) {
	r := testRuntime()
	result, err := r.Run(context.Background(), Invocation{
		ThingID:  "default/t1",
		HookName: "changed:temperature",
		Source:   `context.sendOutbox("default/other", {alert: true});`,
		NewState: map[string]interface{}{},
	})
	require.NoError(t, err)
	require.Len(t, result.Outbox, 1)
	assert.Equal(t, "default/other", result.Outbox[0].Thing)
}

func TestRunRejectsContextCancellation(t *testing.T) {
	r := New(NewCache(16), time.Second, 16<<20)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Run(ctx, Invocation{
		ThingID:  "default/t1",
		HookName: "changed:spin",
		Source:   `while (true) {}`,
		NewState: map[string]interface{}{},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrScriptAborted)
}

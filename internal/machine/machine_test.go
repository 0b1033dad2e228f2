package machine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleka07/twinengine/internal/model"
	"github.com/aleka07/twinengine/internal/script"
	"github.com/aleka07/twinengine/internal/value"
)

func testMachine() *Machine {
	return New(script.New(script.NewCache(64), 200*time.Millisecond, 32<<20))
}

func baseThing(now time.Time) *model.Thing {
	return &model.Thing{
		Metadata: model.Metadata{
			Application:       "default",
			Name:              "sensor-1",
			UID:               "uid-1",
			ResourceVersion:   "rv-1",
			Generation:        1,
			CreationTimestamp: now,
		},
		ReportedState: map[string]model.ReportedFeature{},
	}
}

func TestTransitionSetReportedRunsChangedHook(t *testing.T) {
	now := time.Now().UTC()
	thing := baseThing(now)
	thing.Changed = map[string]model.Script{
		"temperature": {Source: `
			context.newState.reportedState.alert = {value: context.newState.reportedState.temperature.value > 40, lastUpdate: new Date().toISOString()};
			context.appendLog("checked temperature");
		`},
	}

	m := testMachine()
	res, err := m.Transition(context.Background(), thing, model.Mutation{
		Kind:         model.MutationSetReported,
		FeatureName:  "temperature",
		FeatureValue: value.Number(55),
	}, now)

	require.NoError(t, err)
	require.NotNil(t, res)
	alert, ok := res.NewState.ReportedState["alert"]
	require.True(t, ok)
	b, _ := alert.Value.Bool()
	assert.True(t, b)

	var sawLog bool
	for _, l := range res.HookLogs {
		if l.Hook == "changed:temperature" {
			require.Contains(t, l.Logs, "checked temperature")
			sawLog = true
		}
	}
	assert.True(t, sawLog, "expected a changed:temperature hook log entry")
}

func TestTransitionUnchangedReportedValueSkipsHook(t *testing.T) {
	now := time.Now().UTC()
	thing := baseThing(now)
	thing.ReportedState["temperature"] = model.ReportedFeature{Value: value.Number(55), LastUpdate: now}
	thing.Changed = map[string]model.Script{
		"temperature": {Source: `context.appendLog("should not run");`},
	}

	m := testMachine()
	res, err := m.Transition(context.Background(), thing, model.Mutation{
		Kind:         model.MutationSetReported,
		FeatureName:  "temperature",
		FeatureValue: value.Number(55),
	}, now.Add(time.Minute))

	require.NoError(t, err)
	for _, l := range res.HookLogs {
		assert.NotEqual(t, "changed:temperature", l.Hook)
	}
}

func TestTransitionSyntheticAliasCopiesReported(t *testing.T) {
	now := time.Now().UTC()
	thing := baseThing(now)
	thing.SyntheticState = map[string]model.SyntheticFeature{
		"temperatureAlias": {Kind: model.SyntheticKindAlias, Alias: "temperature"},
	}

	m := testMachine()
	res, err := m.Transition(context.Background(), thing, model.Mutation{
		Kind:         model.MutationSetReported,
		FeatureName:  "temperature",
		FeatureValue: value.Number(21.5),
	}, now)

	require.NoError(t, err)
	synth, ok := res.NewState.SyntheticState["temperatureAlias"]
	require.True(t, ok)
	n, _ := synth.Value.Number()
	assert.Equal(t, 21.5, n)
}

func TestTransitionRejectsSchemaViolation(t *testing.T) {
	now := time.Now().UTC()
	thing := baseThing(now)
	thing.Schema = []byte(`{
		"type": "object",
		"properties": {
			"reportedState": {
				"type": "object",
				"properties": {
					"temperature": {"type": "number"}
				}
			}
		}
	}`)

	m := testMachine()
	_, err := m.Transition(context.Background(), thing, model.Mutation{
		Kind:         model.MutationSetReported,
		FeatureName:  "temperature",
		FeatureValue: value.String("hot"),
	}, now)

	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrSchemaViolation)
}

func TestTransitionDesiredCommandMethodEmitsCommand(t *testing.T) {
	now := time.Now().UTC()
	thing := baseThing(now)
	thing.ReportedState["setpoint"] = model.ReportedFeature{Value: value.Number(10), LastUpdate: now}
	thing.DesiredState = map[string]model.DesiredFeature{
		"setpoint": {
			Value: value.Number(22),
			Mode:  model.DesiredModeSync,
			Method: model.DesiredMethod{
				Kind:     model.MethodCommand,
				Mode:     model.CommandModeActive,
				Period:   time.Minute,
				Encoding: model.CommandEncodingJSON,
			},
		},
	}

	m := testMachine()
	res, err := m.Transition(context.Background(), thing, model.Mutation{Kind: model.MutationWakeup}, now)

	require.NoError(t, err)
	require.Len(t, res.Commands, 1)
	assert.Equal(t, "default/sensor-1", res.Commands[0].ThingID)
	assert.Equal(t, "setpoint", res.Commands[0].FeatureName)
	n, _ := res.Commands[0].Payload.Number()
	assert.Equal(t, 22.0, n)

	desired := res.NewState.DesiredState["setpoint"]
	assert.Equal(t, model.ReconcilingState, desired.Reconciliation.Kind)
	require.NotNil(t, res.NewState.Waker)
}

func TestTransitionDesiredConvergedMarksSucceeded(t *testing.T) {
	now := time.Now().UTC()
	thing := baseThing(now)
	thing.ReportedState["setpoint"] = model.ReportedFeature{Value: value.Number(22), LastUpdate: now}
	thing.DesiredState = map[string]model.DesiredFeature{
		"setpoint": {
			Value:  value.Number(22),
			Mode:   model.DesiredModeOnce,
			Method: model.DesiredMethod{Kind: model.MethodManual},
		},
	}

	m := testMachine()
	res, err := m.Transition(context.Background(), thing, model.Mutation{Kind: model.MutationWakeup}, now)

	require.NoError(t, err)
	assert.Empty(t, res.Commands)
	assert.Equal(t, model.SucceededState, res.NewState.DesiredState["setpoint"].Reconciliation.Kind)
}

func TestTransitionDeleteRunsDeletingHooksAndReadiesRemoval(t *testing.T) {
	now := time.Now().UTC()
	thing := baseThing(now)
	thing.Deleting = map[string]model.Script{
		"cleanup": {Source: `context.appendLog("cleaning up");`},
	}

	m := testMachine()
	res, err := m.Transition(context.Background(), thing, model.Mutation{Kind: model.MutationDelete}, now)

	require.NoError(t, err)
	require.NotNil(t, res.NewState.Metadata.DeletionTimestamp)
	assert.True(t, res.ReadyForRemoval)

	var sawLog bool
	for _, l := range res.HookLogs {
		if l.Hook == "deleting:cleanup" {
			sawLog = true
		}
	}
	assert.True(t, sawLog)
}

func TestTransitionDeleteNotReadyWhileDeletingHookQueuesOutbox(t *testing.T) {
	now := time.Now().UTC()
	thing := baseThing(now)
	thing.Deleting = map[string]model.Script{
		"notify": {Source: `context.sendOutbox("default/other", {bye: true});`},
	}

	m := testMachine()
	res, err := m.Transition(context.Background(), thing, model.Mutation{Kind: model.MutationDelete}, now)

	require.NoError(t, err)
	require.NotNil(t, res.NewState.Metadata.DeletionTimestamp)
	require.Len(t, res.NewState.Outbox, 1)
	assert.False(t, res.ReadyForRemoval)
	require.NotNil(t, res.NewState.Waker)
}

func TestTransitionDeleteReadyOnceOutboxDrained(t *testing.T) {
	now := time.Now().UTC()
	thing := baseThing(now)
	thing.Deleting = map[string]model.Script{
		"cleanup": {Source: `context.appendLog("cleaning up");`},
	}
	thing.Outbox = []model.OutboxEntry{
		{ID: "already-sent", Target: "default/other", CreatedAt: now, Sent: true},
	}

	m := testMachine()
	res, err := m.Transition(context.Background(), thing, model.Mutation{Kind: model.MutationDelete}, now)

	require.NoError(t, err)
	require.NotNil(t, res.NewState.Metadata.DeletionTimestamp)
	assert.True(t, res.ReadyForRemoval)
}

func TestTransitionTimerFiresOnInitialDelayAndSchedulesWaker(t *testing.T) {
	now := time.Now().UTC()
	thing := baseThing(now)
	thing.Timers = map[string]model.Timer{
		"poll": {
			Script:       model.Script{Source: `context.appendLog("tick");`},
			Period:       time.Minute,
			InitialDelay: 0,
		},
	}

	m := testMachine()
	res, err := m.Transition(context.Background(), thing, model.Mutation{Kind: model.MutationWakeup}, now)

	require.NoError(t, err)
	timer := res.NewState.Timers["poll"]
	require.NotNil(t, timer.LastRun)
	assert.True(t, timer.LastRun.Equal(now))
	require.NotNil(t, res.NewState.Waker)
	assert.Contains(t, res.NewState.Waker.Reasons, model.TimerWakerReason("poll"))
}

func TestTransitionTimerNotYetDueDoesNotRun(t *testing.T) {
	now := time.Now().UTC()
	thing := baseThing(now)
	thing.Timers = map[string]model.Timer{
		"poll": {
			Script:       model.Script{Source: `context.appendLog("tick");`},
			Period:       time.Hour,
			InitialDelay: time.Hour,
		},
	}

	m := testMachine()
	res, err := m.Transition(context.Background(), thing, model.Mutation{Kind: model.MutationWakeup}, now)

	require.NoError(t, err)
	timer := res.NewState.Timers["poll"]
	assert.Nil(t, timer.LastRun)
}

func TestTransitionRejectsOutboxHopOverflow(t *testing.T) {
	now := time.Now().UTC()
	thing := baseThing(now)
	thing.Outbox = []model.OutboxEntry{
		{ID: "x", Target: "default/other", CreatedAt: now, HopCount: model.MaxOutboxHops + 1},
	}

	m := testMachine()
	_, err := m.Transition(context.Background(), thing, model.Mutation{Kind: model.MutationWakeup}, now)

	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrInvalid)
}

func TestTimerDueHonorsInitialDelayAndPeriod(t *testing.T) {
	created := time.Now().UTC()

	notYet := model.Timer{InitialDelay: time.Hour, Period: time.Minute}
	assert.False(t, timerDue(notYet, created, created.Add(time.Minute)))

	due := model.Timer{InitialDelay: time.Minute, Period: time.Minute}
	assert.True(t, timerDue(due, created, created.Add(time.Minute)))

	lastRun := created.Add(2 * time.Minute)
	recurring := model.Timer{Period: time.Minute, LastRun: &lastRun}
	assert.False(t, timerDue(recurring, created, lastRun.Add(30*time.Second)))
	assert.True(t, timerDue(recurring, created, lastRun.Add(time.Minute)))
}

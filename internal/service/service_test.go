package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleka07/twinengine/internal/eventbus"
	"github.com/aleka07/twinengine/internal/machine"
	"github.com/aleka07/twinengine/internal/model"
	"github.com/aleka07/twinengine/internal/notifier"
	"github.com/aleka07/twinengine/internal/script"
	"github.com/aleka07/twinengine/internal/storage"
	"github.com/aleka07/twinengine/internal/value"
)

// fakeStore is an in-memory Store good enough to exercise the Service's
// load/transition/persist/retry cycle without a real database.
type fakeStore struct {
	mu     sync.Mutex
	things map[string]*model.Thing
}

func newFakeStore() *fakeStore {
	return &fakeStore{things: make(map[string]*model.Thing)}
}

func (f *fakeStore) Create(ctx context.Context, t *model.Thing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := t.ThingID()
	if _, ok := f.things[id]; ok {
		return model.ErrAlreadyExists
	}
	t.Metadata.ResourceVersion = "rv-1"
	t.Metadata.Generation = 1
	f.things[id] = t.Clone()
	return nil
}

func (f *fakeStore) Get(ctx context.Context, thingID string) (*model.Thing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.things[thingID]
	if !ok {
		return nil, model.ErrNotFound
	}
	return t.Clone(), nil
}

func (f *fakeStore) UpdateIf(ctx context.Context, newState *model.Thing, expectedResourceVersion string) (*model.Thing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := newState.ThingID()
	current, ok := f.things[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	if current.Metadata.ResourceVersion != expectedResourceVersion {
		return nil, model.ErrPreconditionFailed
	}
	updated := newState.Clone()
	updated.Metadata.Generation = current.Metadata.Generation + 1
	updated.Metadata.ResourceVersion = expectedResourceVersion + "+"
	f.things[id] = updated
	return updated.Clone(), nil
}

func (f *fakeStore) DeleteHard(ctx context.Context, thingID string, expectedResourceVersion string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.things[thingID]
	if !ok {
		return model.ErrNotFound
	}
	if current.Metadata.ResourceVersion != expectedResourceVersion {
		return model.ErrPreconditionFailed
	}
	delete(f.things, thingID)
	return nil
}

func (f *fakeStore) DueWakers(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return nil, nil
}

func (f *fakeStore) Close() {}

type fakeBus struct {
	mu        sync.Mutex
	published []string
}

func (b *fakeBus) Publish(ctx context.Context, thingID string, mutation model.Mutation) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, thingID)
	return nil
}

func newTestService(t *testing.T, store storage.Store, bus *fakeBus) *Service {
	m := machine.New(script.New(script.NewCache(16), 200*time.Millisecond, 16<<20))
	var sink eventbus.Sink
	if bus != nil {
		sink = bus
	}
	return New(store, m, sink, nil, notifier.NewHub())
}

func TestMutateSetReportedPersistsAndBumpsGeneration(t *testing.T) {
	store := newFakeStore()
	now := time.Now().UTC()
	require.NoError(t, store.Create(context.Background(), &model.Thing{
		Metadata: model.Metadata{Application: "default", Name: "t1", UID: "u1", CreationTimestamp: now},
	}))

	svc := newTestService(t, store, nil)
	result, err := svc.Mutate(context.Background(), "default/t1", model.Mutation{
		Kind:         model.MutationSetReported,
		FeatureName:  "temperature",
		FeatureValue: value.Number(21),
	})

	require.NoError(t, err)
	n, _ := result.ReportedState["temperature"].Value.Number()
	assert.Equal(t, 21.0, n)
	assert.Equal(t, int64(2), result.Metadata.Generation)
}

func TestMutateOnUnknownThingReturnsNotFound(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(t, store, nil)

	_, err := svc.Mutate(context.Background(), "default/missing", model.Mutation{
		Kind:         model.MutationSetReported,
		FeatureName:  "x",
		FeatureValue: value.Number(1),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestMutateForwardsOutboxEntriesToBus(t *testing.T) {
	store := newFakeStore()
	now := time.Now().UTC()
	thing := &model.Thing{
		Metadata: model.Metadata{Application: "default", Name: "t1", UID: "u1", CreationTimestamp: now},
		Changed: map[string]model.Script{
			"temperature": {Source: `context.sendOutbox("default/other", {alert: true});`},
		},
	}
	require.NoError(t, store.Create(context.Background(), thing))

	bus := &fakeBus{}
	svc := newTestService(t, store, bus)

	_, err := svc.Mutate(context.Background(), "default/t1", model.Mutation{
		Kind:         model.MutationSetReported,
		FeatureName:  "temperature",
		FeatureValue: value.Number(55),
	})
	require.NoError(t, err)

	bus.mu.Lock()
	defer bus.mu.Unlock()
	require.Len(t, bus.published, 1)
	assert.Equal(t, "default/other", bus.published[0])

	persisted, err := store.Get(context.Background(), "default/t1")
	require.NoError(t, err)
	assert.Empty(t, persisted.Outbox, "delivered outbox entries must be pruned, not just flagged sent (invariant 6)")
}

// alwaysConflictStore wraps a fakeStore but reports every UpdateIf as a
// lost optimistic-lock race, regardless of the caller's observed version,
// to exercise Mutate's retry-exhaustion path.
type alwaysConflictStore struct {
	*fakeStore
}

func (s *alwaysConflictStore) UpdateIf(ctx context.Context, newState *model.Thing, expectedResourceVersion string) (*model.Thing, error) {
	return nil, model.ErrPreconditionFailed
}

func TestMutateSurfacesLockContentionAfterRetriesExhausted(t *testing.T) {
	store := newFakeStore()
	now := time.Now().UTC()
	require.NoError(t, store.Create(context.Background(), &model.Thing{
		Metadata: model.Metadata{Application: "default", Name: "t1", UID: "u1", CreationTimestamp: now},
	}))

	svc := newTestService(t, &alwaysConflictStore{fakeStore: store}, nil)
	svc.newBackoff = func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 2)
	}

	_, err := svc.Mutate(context.Background(), "default/t1", model.Mutation{
		Kind:         model.MutationSetReported,
		FeatureName:  "temperature",
		FeatureValue: value.Number(21),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrLockContention)
	assert.True(t, model.Terminal(err))
}

func TestMutateNoOpSkipsWrite(t *testing.T) {
	store := newFakeStore()
	now := time.Now().UTC()
	thing := &model.Thing{
		Metadata:      model.Metadata{Application: "default", Name: "t1", UID: "u1", CreationTimestamp: now},
		ReportedState: map[string]model.ReportedFeature{"temperature": {Value: value.Number(21), LastUpdate: now}},
	}
	require.NoError(t, store.Create(context.Background(), thing))

	svc := newTestService(t, store, nil)
	result, err := svc.Mutate(context.Background(), "default/t1", model.Mutation{
		Kind:         model.MutationSetReported,
		FeatureName:  "temperature",
		FeatureValue: value.Number(21),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Metadata.Generation, "unchanged value must not bump generation")
}

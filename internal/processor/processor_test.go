package processor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleka07/twinengine/internal/eventbus"
	"github.com/aleka07/twinengine/internal/model"
)

type fakeSource struct {
	numPartitions int
	events        []eventbus.Event
}

func (f *fakeSource) NumPartitions() int { return f.numPartitions }

func (f *fakeSource) Run(ctx context.Context, partition int, handler eventbus.Handler) error {
	for _, ev := range f.events {
		if err := handler(ctx, ev); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return nil
}

type fakeMutator struct {
	mu   sync.Mutex
	seen []string
	err  error
}

func (f *fakeMutator) Mutate(ctx context.Context, thingID string, mutation model.Mutation) (*model.Thing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, thingID)
	return nil, f.err
}

func TestProcessorDispatchesEventsToService(t *testing.T) {
	source := &fakeSource{
		numPartitions: 1,
		events: []eventbus.Event{
			{ID: 1, ThingID: "default/a", Mutation: model.Mutation{Kind: model.MutationWakeup}},
			{ID: 2, ThingID: "default/b", Mutation: model.Mutation{Kind: model.MutationWakeup}},
		},
	}
	mutator := &fakeMutator{}
	p := New(source, mutator)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = p.Run(ctx)

	mutator.mu.Lock()
	defer mutator.mu.Unlock()
	require.Len(t, mutator.seen, 2)
	assert.ElementsMatch(t, []string{"default/a", "default/b"}, mutator.seen)
}

func TestHandleReturnsRetryableErrorForRedelivery(t *testing.T) {
	mutator := &fakeMutator{err: model.ErrTransientStorage}
	p := New(&fakeSource{numPartitions: 1}, mutator)

	err := p.handle(context.Background(), eventbus.Event{ThingID: "default/a", Mutation: model.Mutation{Kind: model.MutationWakeup}})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrTransientStorage)
}

func TestHandleSwallowsTerminalError(t *testing.T) {
	mutator := &fakeMutator{err: model.ErrSchemaViolation}
	p := New(&fakeSource{numPartitions: 1}, mutator)

	err := p.handle(context.Background(), eventbus.Event{ThingID: "default/a", Mutation: model.Mutation{Kind: model.MutationWakeup}})
	assert.NoError(t, err)
}

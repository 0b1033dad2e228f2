package notifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleka07/twinengine/internal/model"
)

type fakeSubscriber struct {
	id  string
	got []Message
}

func (f *fakeSubscriber) ID() string { return f.id }
func (f *fakeSubscriber) Notify(msg Message) {
	f.got = append(f.got, msg)
}

func TestSubscribeSendsInitial(t *testing.T) {
	hub := NewHub()
	sub := &fakeSubscriber{id: "s1"}
	thing := &model.Thing{Metadata: model.Metadata{Application: "default", Name: "t1"}}

	hub.Subscribe("default/t1", sub, thing)

	require.Len(t, sub.got, 1)
	assert.Equal(t, MessageInitial, sub.got[0].Kind)
	assert.Same(t, thing, sub.got[0].Thing)
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	hub := NewHub()
	a := &fakeSubscriber{id: "a"}
	b := &fakeSubscriber{id: "b"}
	hub.Subscribe("default/t1", a, nil)
	hub.Subscribe("default/t1", b, nil)

	updated := &model.Thing{Metadata: model.Metadata{Application: "default", Name: "t1", Generation: 2}}
	hub.Publish("default/t1", updated)

	require.Len(t, a.got, 2) // initial + change
	require.Len(t, b.got, 2)
	assert.Equal(t, MessageChange, a.got[1].Kind)
	assert.Equal(t, MessageChange, b.got[1].Kind)
}

func TestPublishDoesNotReachOtherThings(t *testing.T) {
	hub := NewHub()
	sub := &fakeSubscriber{id: "s1"}
	hub.Subscribe("default/t1", sub, nil)

	hub.Publish("default/other", &model.Thing{})

	assert.Len(t, sub.got, 1) // only the initial frame
}

func TestUnsubscribeSendsDisconnectedWithReason(t *testing.T) {
	hub := NewHub()
	sub := &fakeSubscriber{id: "s1"}
	hub.Subscribe("default/t1", sub, nil)

	hub.Unsubscribe("default/t1", sub, "client closed")

	require.Len(t, sub.got, 2)
	assert.Equal(t, MessageDisconnected, sub.got[1].Kind)
	assert.Equal(t, "client closed", sub.got[1].Reason)
	assert.Equal(t, 0, hub.SubscriberCount("default/t1"))
}

func TestPublishRemovedClearsSubscribers(t *testing.T) {
	hub := NewHub()
	sub := &fakeSubscriber{id: "s1"}
	hub.Subscribe("default/t1", sub, nil)

	hub.PublishRemoved("default/t1", "thing deleted")

	require.Len(t, sub.got, 2)
	assert.Equal(t, MessageDisconnected, sub.got[1].Kind)
	assert.Equal(t, 0, hub.SubscriberCount("default/t1"))
}

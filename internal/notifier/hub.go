// Package notifier fans out thing-state changes to subscribed WebSocket
// clients (spec §4.6): on subscribe a client gets the thing's full current
// state, then a message per subsequent change, then a final message if the
// thing is removed or the hub shuts the subscription down.
package notifier

import (
	"sync"

	"github.com/aleka07/twinengine/internal/model"
)

// MessageKind discriminates the three shapes a subscriber ever receives.
type MessageKind string

const (
	MessageInitial      MessageKind = "initial"
	MessageChange       MessageKind = "change"
	MessageDisconnected MessageKind = "disconnected"
)

// Message is one frame sent to a subscriber.
type Message struct {
	Kind  MessageKind  `json:"kind"`
	Thing *model.Thing `json:"thing,omitempty"`
	// Reason is set on MessageDisconnected (e.g. "thing deleted", "hub
	// shutting down").
	Reason string `json:"reason,omitempty"`
}

// Subscriber is anything that can receive hub messages without blocking
// the publisher; the WebSocket transport implements this with a buffered
// channel and a drop-slow-consumer policy.
type Subscriber interface {
	Notify(msg Message)
	ID() string
}

const shardCount = 32

type shard struct {
	mu   sync.RWMutex
	subs map[string]map[string]Subscriber // thingID -> subscriberID -> Subscriber
}

// Hub is the process-wide fanout table, sharded by thing_id hash to keep
// lock contention down under many concurrent subscriptions, the same
// tradeoff the teacher's connection-pool sizing makes for Postgres access.
type Hub struct {
	shards [shardCount]*shard
}

func NewHub() *Hub {
	h := &Hub{}
	for i := range h.shards {
		h.shards[i] = &shard{subs: make(map[string]map[string]Subscriber)}
	}
	return h
}

func (h *Hub) shardFor(thingID string) *shard {
	var sum uint32
	for i := 0; i < len(thingID); i++ {
		sum = sum*31 + uint32(thingID[i])
	}
	return h.shards[sum%shardCount]
}

// Subscribe registers sub for updates to thingID and immediately delivers
// initial (the current state, possibly nil if the thing doesn't exist yet)
// as a MessageInitial frame.
func (h *Hub) Subscribe(thingID string, sub Subscriber, initial *model.Thing) {
	s := h.shardFor(thingID)
	s.mu.Lock()
	if s.subs[thingID] == nil {
		s.subs[thingID] = make(map[string]Subscriber)
	}
	s.subs[thingID][sub.ID()] = sub
	s.mu.Unlock()

	sub.Notify(Message{Kind: MessageInitial, Thing: initial})
}

// Unsubscribe removes sub from thingID's subscriber set. If reason is
// non-empty a MessageDisconnected frame is sent first.
func (h *Hub) Unsubscribe(thingID string, sub Subscriber, reason string) {
	s := h.shardFor(thingID)
	s.mu.Lock()
	if m, ok := s.subs[thingID]; ok {
		delete(m, sub.ID())
		if len(m) == 0 {
			delete(s.subs, thingID)
		}
	}
	s.mu.Unlock()

	if reason != "" {
		sub.Notify(Message{Kind: MessageDisconnected, Reason: reason})
	}
}

// Publish delivers a MessageChange frame to every subscriber of thingID.
func (h *Hub) Publish(thingID string, thing *model.Thing) {
	s := h.shardFor(thingID)
	s.mu.RLock()
	subs := make([]Subscriber, 0, len(s.subs[thingID]))
	for _, sub := range s.subs[thingID] {
		subs = append(subs, sub)
	}
	s.mu.RUnlock()

	for _, sub := range subs {
		sub.Notify(Message{Kind: MessageChange, Thing: thing})
	}
}

// PublishRemoved notifies every subscriber of thingID that the thing is
// gone and clears its subscriber set.
func (h *Hub) PublishRemoved(thingID string, reason string) {
	s := h.shardFor(thingID)
	s.mu.Lock()
	subs := s.subs[thingID]
	delete(s.subs, thingID)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Notify(Message{Kind: MessageDisconnected, Reason: reason})
	}
}

// SubscriberCount reports how many subscribers thingID currently has,
// used by tests.
func (h *Hub) SubscriberCount(thingID string) int {
	s := h.shardFor(thingID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs[thingID])
}

// Package eventbus implements the partitioned, ordered, durable event log
// the Processor consumes from and the Service/Waker publish to (spec §4.2).
// Every event carries a thing_id used both as the partitioning key and as
// the per-key FIFO ordering key: two events for the same thing are always
// observed by a single partition's consumer in publish order.
package eventbus

import (
	"context"
	"hash/fnv"

	"github.com/aleka07/twinengine/internal/model"
)

// Event is one entry on the log: a thing_id-scoped mutation to apply.
type Event struct {
	ID       int64
	ThingID  string
	Mutation model.Mutation
}

// Sink is the publish side used by the Service (to re-enqueue outbox
// forwards) and the Waker (to enqueue Wakeup mutations).
type Sink interface {
	Publish(ctx context.Context, thingID string, mutation model.Mutation) error
}

// Handler processes one event. Returning an error that satisfies
// model.Retryable leaves the event uncommitted for redelivery; any other
// error commits the offset and moves on, per spec §4.7.
type Handler func(ctx context.Context, event Event) error

// Source is the consume side. Run blocks, dispatching every event
// assigned to partition to handler in order, until ctx is cancelled.
type Source interface {
	Run(ctx context.Context, partition int, handler Handler) error
	NumPartitions() int
}

// PartitionOf deterministically assigns a thing_id to one of n partitions,
// guaranteeing every event for the same thing lands on the same
// partition's consumer and therefore the same FIFO ordering domain.
func PartitionOf(thingID string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(thingID))
	return int(h.Sum32() % uint32(n))
}

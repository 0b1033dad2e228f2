// Package processor runs one goroutine per event-log partition, handing
// every event to the Service and classifying the result per spec §4.7:
// retryable errors back off and redeliver the same event, terminal errors
// are logged and the offset commits anyway.
package processor

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aleka07/twinengine/internal/eventbus"
	"github.com/aleka07/twinengine/internal/logging"
	"github.com/aleka07/twinengine/internal/model"
)

// Mutator is the subset of Service the processor depends on, kept narrow
// so tests can supply a stub.
type Mutator interface {
	Mutate(ctx context.Context, thingID string, mutation model.Mutation) (*model.Thing, error)
}

// Processor drives eventbus.Source.Run for every partition assigned to
// this process.
type Processor struct {
	source  eventbus.Source
	service Mutator
	log     *logging.Logger
}

func New(source eventbus.Source, service Mutator) *Processor {
	return &Processor{source: source, service: service, log: logging.New("processor")}
}

// Run blocks, consuming every partition concurrently until ctx is
// cancelled or one partition's consumer returns a non-context error.
func (p *Processor) Run(ctx context.Context) error {
	n := p.source.NumPartitions()
	errs := make(chan error, n)

	for partition := 0; partition < n; partition++ {
		partition := partition
		go func() {
			errs <- p.runPartition(ctx, partition)
		}()
	}

	for i := 0; i < n; i++ {
		if err := <-errs; err != nil && ctx.Err() == nil {
			return err
		}
	}
	return ctx.Err()
}

// runPartition wraps a single partition's Source.Run with a restart loop:
// a partition consumer that returns (e.g. after a transient connection
// error at the eventbus level) is restarted with backoff rather than
// taking the whole process down.
func (p *Processor) runPartition(ctx context.Context, partition int) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0 // retry forever; only ctx cancellation stops us

	for {
		err := p.source.Run(ctx, partition, p.handle)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			p.log.Warnf("partition %d: consumer loop exited, restarting: %v", partition, err)
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil
		}
	}
}

func (p *Processor) handle(ctx context.Context, ev eventbus.Event) error {
	_, err := p.service.Mutate(ctx, ev.ThingID, ev.Mutation)
	if err != nil {
		if model.Retryable(err) {
			return err
		}
		p.log.Warnf("thing %s: terminal mutation error, dropping event %d: %v", ev.ThingID, ev.ID, err)
		return nil
	}
	return nil
}

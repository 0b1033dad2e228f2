package eventbus

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aleka07/twinengine/internal/logging"
	"github.com/aleka07/twinengine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// pollFallback bounds how long a partition consumer waits for a
// notification before re-polling anyway, so a missed NOTIFY (e.g. the
// listener reconnecting) never stalls delivery indefinitely.
const pollFallback = 2 * time.Second

const batchSize = 100

// PostgresBus implements both Sink and Source on a single `events` table,
// using LISTEN/NOTIFY for low-latency wakeup and polling as a durable
// fallback - the same "Postgres as the boring default" choice the teacher
// makes for its own persistence layer.
type PostgresBus struct {
	pool          *pgxpool.Pool
	numPartitions int
	log           *logging.Logger
}

func NewPostgresBus(ctx context.Context, dsn string, numPartitions int) (*PostgresBus, error) {
	if numPartitions <= 0 {
		numPartitions = 1
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: create pool: %v", model.ErrTransientBus, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping: %v", model.ErrTransientBus, err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: apply schema: %v", model.ErrTransientBus, err)
	}
	return &PostgresBus{pool: pool, numPartitions: numPartitions, log: logging.New("eventbus")}, nil
}

func (b *PostgresBus) Close() {
	b.pool.Close()
}

func (b *PostgresBus) NumPartitions() int { return b.numPartitions }

func notifyChannel(partition int) string {
	return fmt.Sprintf("twinengine_events_%d", partition)
}

// Publish implements Sink: insert the event and wake its partition's
// listener.
func (b *PostgresBus) Publish(ctx context.Context, thingID string, mutation model.Mutation) error {
	partition := PartitionOf(thingID, b.numPartitions)
	payload, err := json.Marshal(mutation)
	if err != nil {
		return fmt.Errorf("%w: marshal mutation: %v", model.ErrInvalid, err)
	}

	_, err = b.pool.Exec(ctx, `
		INSERT INTO events (partition, thing_id, mutation) VALUES ($1, $2, $3)`,
		partition, thingID, payload,
	)
	if err != nil {
		return fmt.Errorf("%w: insert event: %v", model.ErrTransientBus, err)
	}
	if _, err := b.pool.Exec(ctx, "SELECT pg_notify($1, '')", notifyChannel(partition)); err != nil {
		b.log.Warnf("notify partition %d failed (consumer will pick it up on next poll): %v", partition, err)
	}
	return nil
}

// Run implements Source: a single goroutine consuming partition in
// strict id order, committing the offset after every successfully
// handled event (at-least-once: a crash between handling and committing
// redelivers the event, and Machine transitions are idempotent against
// value-unchanged no-ops per invariant 5).
func (b *PostgresBus) Run(ctx context.Context, partition int, handler Handler) error {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("%w: acquire listen connection: %v", model.ErrTransientBus, err)
	}
	defer conn.Release()

	channel := notifyChannel(partition)
	if _, err := conn.Exec(ctx, "LISTEN \""+channel+"\""); err != nil {
		return fmt.Errorf("%w: listen %s: %v", model.ErrTransientBus, channel, err)
	}

	for {
		n, err := b.processBatch(ctx, partition, handler)
		if err != nil {
			return err
		}
		if n > 0 {
			continue // drain fully before waiting on a notification
		}

		waitCtx, cancel := context.WithTimeout(ctx, pollFallback)
		_, err = conn.Conn().WaitForNotification(waitCtx)
		cancel()
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		// timeout or a real notification both just loop back to poll
	}
}

// processBatch fetches and dispatches up to batchSize events, committing
// the offset after each one. It returns the number of events processed.
func (b *PostgresBus) processBatch(ctx context.Context, partition int, handler Handler) (int, error) {
	offset, err := b.loadOffset(ctx, partition)
	if err != nil {
		return 0, err
	}

	rows, err := b.pool.Query(ctx, `
		SELECT id, thing_id, mutation FROM events
		WHERE partition = $1 AND id > $2
		ORDER BY id ASC LIMIT $3`,
		partition, offset, batchSize,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: query events: %v", model.ErrTransientBus, err)
	}

	type row struct {
		id       int64
		thingID  string
		mutation []byte
	}
	var batch []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.thingID, &r.mutation); err != nil {
			rows.Close()
			return 0, fmt.Errorf("%w: scan event: %v", model.ErrTransientBus, err)
		}
		batch = append(batch, r)
	}
	rowErr := rows.Err()
	rows.Close()
	if rowErr != nil {
		return 0, fmt.Errorf("%w: iterate events: %v", model.ErrTransientBus, rowErr)
	}

	for _, r := range batch {
		var mutation model.Mutation
		if err := json.Unmarshal(r.mutation, &mutation); err != nil {
			b.log.Errorf("partition %d: dropping unparseable event %d for %s: %v", partition, r.id, r.thingID, err)
			if err := b.commitOffset(ctx, partition, r.id); err != nil {
				return len(batch), err
			}
			continue
		}

		if err := handler(ctx, Event{ID: r.id, ThingID: r.thingID, Mutation: mutation}); err != nil {
			if model.Retryable(err) {
				// Leave the offset where it is; the caller (Processor)
				// decides how long to back off before Run is invoked
				// again for this partition.
				return len(batch), err
			}
			b.log.Warnf("partition %d: terminal error on event %d for %s, committing and continuing: %v", partition, r.id, r.thingID, err)
		}
		if err := b.commitOffset(ctx, partition, r.id); err != nil {
			return len(batch), err
		}
	}
	return len(batch), nil
}

func (b *PostgresBus) loadOffset(ctx context.Context, partition int) (int64, error) {
	var offset int64
	err := b.pool.QueryRow(ctx, `
		SELECT last_committed_id FROM event_offsets WHERE partition = $1`,
		partition,
	).Scan(&offset)
	if err == nil {
		return offset, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return 0, fmt.Errorf("%w: load offset: %v", model.ErrTransientBus, err)
}

func (b *PostgresBus) commitOffset(ctx context.Context, partition int, id int64) error {
	_, err := b.pool.Exec(ctx, `
		INSERT INTO event_offsets (partition, last_committed_id) VALUES ($1, $2)
		ON CONFLICT (partition) DO UPDATE SET last_committed_id = EXCLUDED.last_committed_id`,
		partition, id,
	)
	if err != nil {
		return fmt.Errorf("%w: commit offset: %v", model.ErrTransientBus, err)
	}
	return nil
}

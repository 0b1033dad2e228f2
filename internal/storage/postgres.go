package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aleka07/twinengine/internal/logging"
	"github.com/aleka07/twinengine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store on top of a pgx connection pool, in the
// same shape as the teacher's PostgresModelStore: one pool field, thin
// exec/query methods, pgconn.PgError inspected for constraint violations.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  *logging.Logger
}

// NewPostgresStore connects to dsn, applies schema.sql, and returns a
// ready Store.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	log := logging.New("storage")
	log.Infof("connecting to postgres")
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: create pool: %v", model.ErrTransientStorage, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping: %v", model.ErrTransientStorage, err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: apply schema: %v", model.ErrTransientStorage, err)
	}
	log.Infof("schema ready")
	return &PostgresStore{pool: pool, log: log}, nil
}

func (s *PostgresStore) Close() {
	s.log.Infof("closing connection pool")
	s.pool.Close()
}

func (s *PostgresStore) Create(ctx context.Context, t *model.Thing) error {
	if t.Metadata.ResourceVersion == "" {
		t.Metadata.ResourceVersion = uuid.NewString()
	}
	t.Metadata.Generation = 1

	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("%w: marshal thing: %v", model.ErrInvalid, err)
	}
	labels, err := json.Marshal(labelsOrEmpty(t.Metadata.Labels))
	if err != nil {
		return fmt.Errorf("%w: marshal labels: %v", model.ErrInvalid, err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO things (application, name, uid, resource_version, generation,
		                     creation_timestamp, deletion_timestamp, waker_next, labels, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.Metadata.Application, t.Metadata.Name, t.Metadata.UID,
		t.Metadata.ResourceVersion, t.Metadata.Generation,
		t.Metadata.CreationTimestamp, t.Metadata.DeletionTimestamp,
		wakerNext(t), labels, doc,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: thing %s already exists", model.ErrAlreadyExists, t.ThingID())
		}
		return fmt.Errorf("%w: insert thing: %v", model.ErrTransientStorage, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, thingID string) (*model.Thing, error) {
	app, name, err := splitThingID(thingID)
	if err != nil {
		return nil, err
	}

	var doc []byte
	err = s.pool.QueryRow(ctx, `
		SELECT doc FROM things WHERE application = $1 AND name = $2`,
		app, name,
	).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: thing %s", model.ErrNotFound, thingID)
		}
		return nil, fmt.Errorf("%w: query thing: %v", model.ErrTransientStorage, err)
	}

	var t model.Thing
	if err := json.Unmarshal(doc, &t); err != nil {
		return nil, fmt.Errorf("%w: unmarshal thing doc: %v", model.ErrInvalid, err)
	}
	return &t, nil
}

func (s *PostgresStore) UpdateIf(ctx context.Context, newState *model.Thing, expectedResourceVersion string) (*model.Thing, error) {
	nextVersion := uuid.NewString()
	nextGeneration := newState.Metadata.Generation + 1

	updated := newState.Clone()
	updated.Metadata.ResourceVersion = nextVersion
	updated.Metadata.Generation = nextGeneration

	doc, err := json.Marshal(updated)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal thing: %v", model.ErrInvalid, err)
	}
	labels, err := json.Marshal(labelsOrEmpty(updated.Metadata.Labels))
	if err != nil {
		return nil, fmt.Errorf("%w: marshal labels: %v", model.ErrInvalid, err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE things
		SET doc = $1, resource_version = $2, generation = $3,
		    deletion_timestamp = $4, waker_next = $5, labels = $6
		WHERE application = $7 AND name = $8 AND resource_version = $9`,
		doc, nextVersion, nextGeneration,
		updated.Metadata.DeletionTimestamp, wakerNext(updated), labels,
		updated.Metadata.Application, updated.Metadata.Name, expectedResourceVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: update thing: %v", model.ErrTransientStorage, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, s.conflictOrNotFound(ctx, updated.Metadata.Application, updated.Metadata.Name)
	}
	return updated, nil
}

func (s *PostgresStore) DeleteHard(ctx context.Context, thingID string, expectedResourceVersion string) error {
	app, name, err := splitThingID(thingID)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM things WHERE application = $1 AND name = $2 AND resource_version = $3`,
		app, name, expectedResourceVersion,
	)
	if err != nil {
		return fmt.Errorf("%w: delete thing: %v", model.ErrTransientStorage, err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflictOrNotFound(ctx, app, name)
	}
	return nil
}

func (s *PostgresStore) DueWakers(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 256
	}
	rows, err := s.pool.Query(ctx, `
		SELECT application, name FROM things
		WHERE waker_next IS NOT NULL AND waker_next <= $1
		ORDER BY waker_next ASC
		LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: query due wakers: %v", model.ErrTransientStorage, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var app, name string
		if err := rows.Scan(&app, &name); err != nil {
			return nil, fmt.Errorf("%w: scan waker row: %v", model.ErrTransientStorage, err)
		}
		ids = append(ids, app+"/"+name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate waker rows: %v", model.ErrTransientStorage, err)
	}
	return ids, nil
}

// conflictOrNotFound distinguishes "the row never existed" from "the row
// exists but resource_version no longer matches" after a zero-row Exec, so
// callers get model.ErrNotFound vs model.ErrPreconditionFailed correctly.
func (s *PostgresStore) conflictOrNotFound(ctx context.Context, app, name string) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM things WHERE application = $1 AND name = $2)`,
		app, name,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("%w: check existence: %v", model.ErrTransientStorage, err)
	}
	if !exists {
		return fmt.Errorf("%w: thing %s/%s", model.ErrNotFound, app, name)
	}
	return fmt.Errorf("%w: thing %s/%s", model.ErrPreconditionFailed, app, name)
}

// labelsOrEmpty normalizes a nil label map to an empty JSON object so the
// labels column is never NULL, keeping the GIN index's containment
// operators well-defined for every row.
func labelsOrEmpty(labels map[string]string) map[string]string {
	if labels == nil {
		return map[string]string{}
	}
	return labels
}

func wakerNext(t *model.Thing) *time.Time {
	if t.Waker == nil {
		return nil
	}
	next := t.Waker.Next
	return &next
}

func splitThingID(thingID string) (app, name string, err error) {
	for i := 0; i < len(thingID); i++ {
		if thingID[i] == '/' {
			return thingID[:i], thingID[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("%w: malformed thing id %q", model.ErrInvalid, thingID)
}

package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Outcome is the sink's verdict on one write attempt.
type Outcome int

const (
	// Durable: the row is committed.
	Durable Outcome = iota
	// Duplicate: a row with the same natural key already exists; the write
	// is idempotently absorbed and counts as durable.
	Duplicate
	// TransientFailure: connectivity or load problem, worth retrying.
	TransientFailure
	// PermanentFailure: the record itself cannot be stored; retrying will
	// not help.
	PermanentFailure
)

func (o Outcome) String() string {
	switch o {
	case Durable:
		return "durable"
	case Duplicate:
		return "duplicate"
	case TransientFailure:
		return "transient_failure"
	case PermanentFailure:
		return "permanent_failure"
	}
	return "unknown"
}

type EventRepository struct {
	pool *pgxpool.Pool
}

func NewEventRepository(pool *pgxpool.Pool) *EventRepository {
	return &EventRepository{pool: pool}
}

// EnsureSchema creates the events table when it does not exist yet.
// event_key is NULL for payloads with no derivable natural key; those rows
// may duplicate under redelivery.
func (r *EventRepository) EnsureSchema(ctx context.Context) error {
	const sql = `
		CREATE TABLE IF NOT EXISTS feed_events (
			id             BIGSERIAL PRIMARY KEY,
			event_key      TEXT UNIQUE,
			raw_event_data TEXT NOT NULL,
			received_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`
	if _, err := r.pool.Exec(ctx, sql); err != nil {
		return fmt.Errorf("ensure feed_events schema: %w", err)
	}
	return nil
}

// Save writes one event. With a non-empty key the insert is idempotent:
// redelivery of an already-stored event returns Duplicate and leaves a
// single row. With an empty key it is a plain append.
func (r *EventRepository) Save(ctx context.Context, key string, payload []byte) (Outcome, error) {
	if key != "" {
		const sql = `
			INSERT INTO feed_events (event_key, raw_event_data)
			VALUES ($1, $2)
			ON CONFLICT (event_key) DO NOTHING
		`
		tag, err := r.pool.Exec(ctx, sql, key, string(payload))
		if err != nil {
			return Classify(err), fmt.Errorf("insert event: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return Duplicate, nil
		}
		return Durable, nil
	}

	const sql = `
		INSERT INTO feed_events (raw_event_data)
		VALUES ($1)
	`
	if _, err := r.pool.Exec(ctx, sql, string(payload)); err != nil {
		return Classify(err), fmt.Errorf("insert event: %w", err)
	}
	return Durable, nil
}

// Classify maps a storage error to an outcome. Server-side errors with a
// data, constraint or syntax/access SQLSTATE class mean the record can
// never be stored. Everything else, including plain network errors, is
// treated as transient so a flaky store does not eat records.
func Classify(err error) Outcome {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "22", "23", "42":
			return PermanentFailure
		}
	}
	return TransientFailure
}

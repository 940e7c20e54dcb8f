// Package deadletter persists messages that exhausted the bus retry ceiling
// and exposes them for manual remediation. It takes no automatic corrective
// action.
package deadletter

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when no dead letter exists for an id.
var ErrNotFound = errors.New("dead letter not found")

type Status string

const (
	StatusPending   Status = "pending"
	StatusReplayed  Status = "replayed"
	StatusDiscarded Status = "discarded"
)

// Record is one dead-lettered message with the context for remediation.
type Record struct {
	ID         uuid.UUID  `json:"id"`
	Topic      string     `json:"topic"`
	Payload    []byte     `json:"payload"`
	LastError  string     `json:"last_error"`
	RetryCount int        `json:"retry_count"`
	ReceivedAt time.Time  `json:"received_at"`
	Status     Status     `json:"status"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Metrics summarizes the pending backlog.
type Metrics struct {
	PendingCount  int64   `json:"pending_count"`
	OldestAgeSecs float64 `json:"oldest_age_secs"`
}

type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const insertQuery = `
	INSERT INTO dead_letters (id, topic, payload, last_error, retry_count, received_at, status)
	VALUES ($1, $2, $3, $4, $5, now(), 'pending')`

// Insert records a newly observed dead letter.
func (r *Repository) Insert(ctx context.Context, id uuid.UUID, topic string, payload []byte, lastError string, retryCount int) error {
	_, err := r.pool.Exec(ctx, insertQuery, id, topic, payload, lastError, retryCount)
	return err
}

const listQuery = `
	SELECT id, topic, payload, last_error, retry_count, received_at, status, resolved_at
	FROM dead_letters
	WHERE status = $1
	ORDER BY received_at ASC
	LIMIT $2`

// List returns dead letters in the given status, oldest first.
func (r *Repository) List(ctx context.Context, status Status, limit int) ([]Record, error) {
	rows, err := r.pool.Query(ctx, listQuery, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		var rec Record
		var st string
		if err := rows.Scan(&rec.ID, &rec.Topic, &rec.Payload, &rec.LastError, &rec.RetryCount, &rec.ReceivedAt, &st, &rec.ResolvedAt); err != nil {
			return nil, err
		}
		rec.Status = Status(st)
		records = append(records, rec)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return records, nil
}

const getByIDQuery = `
	SELECT id, topic, payload, last_error, retry_count, received_at, status, resolved_at
	FROM dead_letters
	WHERE id = $1`

// GetByID returns one dead letter.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (Record, error) {
	var rec Record
	var st string
	err := r.pool.QueryRow(ctx, getByIDQuery, id).Scan(
		&rec.ID, &rec.Topic, &rec.Payload, &rec.LastError, &rec.RetryCount, &rec.ReceivedAt, &st, &rec.ResolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	rec.Status = Status(st)
	return rec, nil
}

// Resolution is guarded on the pending status so concurrent operators
// cannot replay the same message twice.
const resolveQuery = `
	UPDATE dead_letters
	SET status = $2, resolved_at = now()
	WHERE id = $1 AND status = 'pending'`

// Resolve marks a pending dead letter replayed or discarded. Returns
// ErrNotFound if the record is absent or already resolved.
func (r *Repository) Resolve(ctx context.Context, id uuid.UUID, status Status) error {
	tag, err := r.pool.Exec(ctx, resolveQuery, id, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const metricsQuery = `
	SELECT COUNT(*),
	       COALESCE(EXTRACT(EPOCH FROM now() - MIN(received_at)), 0)
	FROM dead_letters
	WHERE status = 'pending'`

// PendingMetrics returns the pending count and the age of the oldest
// pending dead letter in seconds.
func (r *Repository) PendingMetrics(ctx context.Context) (Metrics, error) {
	var m Metrics
	if err := r.pool.QueryRow(ctx, metricsQuery).Scan(&m.PendingCount, &m.OldestAgeSecs); err != nil {
		return Metrics{}, err
	}
	return m, nil
}

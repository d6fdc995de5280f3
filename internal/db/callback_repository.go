package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const callbackColumns = `id, payment_id, url, payload, created_at, updated_at, scheduled_at, published_at,
	delivered_at, publish_attempts, delivery_attempts, error`

type CallbackRepository struct {
	pool *pgxpool.Pool
}

func NewCallbackRepository(pool *pgxpool.Pool) *CallbackRepository {
	return &CallbackRepository{pool: pool}
}

func (r *CallbackRepository) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

func (r *CallbackRepository) Create(ctx context.Context, entity *CallbackMessageEntity) (*CallbackMessageEntity, error) {
	if err := insertCallback(ctx, r.pool, entity); err != nil {
		return nil, err
	}
	return entity, nil
}

func insertCallback(ctx context.Context, q querier, entity *CallbackMessageEntity) error {
	now := time.Now()
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = now
	}
	entity.UpdatedAt = now

	query := `INSERT INTO callback_message (id, payment_id, url, payload, created_at, updated_at, scheduled_at,
	                                       publish_attempts, delivery_attempts)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := q.Exec(ctx, query, entity.ID, entity.PaymentID, entity.Url, entity.Payload, entity.CreatedAt,
		entity.UpdatedAt, entity.ScheduledAt, entity.PublishAttempts, entity.DeliveryAttempts)
	return errors.Wrap(err, "insert callback message")
}

// GetUnprocessedCallbacks locks up to limit messages that are due for
// publishing. Rows locked by another producer are skipped.
func (r *CallbackRepository) GetUnprocessedCallbacks(ctx context.Context, tx pgx.Tx, limit int) ([]*CallbackMessageEntity, error) {
	query := `SELECT ` + callbackColumns + `
	          FROM callback_message
	          WHERE scheduled_at IS NOT NULL AND scheduled_at <= now()
	          ORDER BY scheduled_at
	          LIMIT $1
	          FOR UPDATE SKIP LOCKED`
	rows, err := tx.Query(ctx, query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query due callbacks")
	}
	defer rows.Close()

	var callbacks []*CallbackMessageEntity
	for rows.Next() {
		entity, err := scanCallback(rows)
		if err != nil {
			return nil, err
		}
		callbacks = append(callbacks, entity)
	}
	return callbacks, rows.Err()
}

func (r *CallbackRepository) SelectForUpdateByID(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*CallbackMessageEntity, error) {
	query := `SELECT ` + callbackColumns + ` FROM callback_message WHERE id = $1 FOR UPDATE`
	return scanCallback(tx.QueryRow(ctx, query, id))
}

func (r *CallbackRepository) FindByPaymentID(ctx context.Context, paymentID uuid.UUID) ([]*CallbackMessageEntity, error) {
	query := `SELECT ` + callbackColumns + ` FROM callback_message WHERE payment_id = $1 ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, paymentID)
	if err != nil {
		return nil, errors.Wrap(err, "query callbacks by payment")
	}
	defer rows.Close()

	var callbacks []*CallbackMessageEntity
	for rows.Next() {
		entity, err := scanCallback(rows)
		if err != nil {
			return nil, err
		}
		callbacks = append(callbacks, entity)
	}
	return callbacks, rows.Err()
}

func (r *CallbackRepository) Update(ctx context.Context, tx pgx.Tx, entity *CallbackMessageEntity) error {
	entity.UpdatedAt = time.Now()

	query := `UPDATE callback_message
	          SET scheduled_at = $2, published_at = $3, delivered_at = $4, publish_attempts = $5,
	              delivery_attempts = $6, error = $7, updated_at = $8
	          WHERE id = $1`
	tag, err := tx.Exec(ctx, query, entity.ID, entity.ScheduledAt, entity.PublishedAt, entity.DeliveredAt,
		entity.PublishAttempts, entity.DeliveryAttempts, entity.Error, entity.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "update callback message")
	}
	if tag.RowsAffected() == 0 {
		return errors.Errorf("callback message %s not found", entity.ID)
	}
	return nil
}

func scanCallback(row pgx.Row) (*CallbackMessageEntity, error) {
	var entity CallbackMessageEntity
	err := row.Scan(&entity.ID, &entity.PaymentID, &entity.Url, &entity.Payload, &entity.CreatedAt, &entity.UpdatedAt,
		&entity.ScheduledAt, &entity.PublishedAt, &entity.DeliveredAt, &entity.PublishAttempts,
		&entity.DeliveryAttempts, &entity.Error)
	if err != nil {
		return nil, errors.Wrap(err, "scan callback message")
	}
	return &entity, nil
}

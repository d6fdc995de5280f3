package db

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"solapay/internal/model"
	"solapay/internal/tax"
)

const (
	uniqueViolation = "23505"

	signatureIndex = "payment_intent_tx_signature_completed_key"
)

var (
	ErrNotFound        = errors.New("payment intent not found")
	ErrNotPending      = errors.New("payment intent is not pending")
	ErrSignatureReused = errors.New("transaction signature already settled another payment")

	// ErrTotalChanged refuses a settlement verified against a total the
	// intent no longer has.
	ErrTotalChanged = errors.New("payment total changed since verification")
)

const paymentColumns = `id, merchant_id, external_id, amount, tax_amount, tax_rate, tax_country, description,
	redirect_url, callback_url, status, tx_signature, payer_address, received_amount, failure_reason,
	invoice_number, created_at, updated_at, completed_at`

type PaymentRepository struct {
	pool *pgxpool.Pool
}

func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{pool: pool}
}

func (r *PaymentRepository) Create(ctx context.Context, p *model.PaymentIntent) error {
	now := time.Now()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = model.StatusPending
	}
	p.CreatedAt, p.UpdatedAt = now, now

	query := `INSERT INTO payment_intent (id, merchant_id, external_id, amount, tax_amount, tax_rate, tax_country,
	                                     description, redirect_url, callback_url, status, invoice_number,
	                                     created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err := r.pool.Exec(ctx, query, p.ID, p.MerchantID, p.ExternalID, p.Amount, p.TaxAmount, p.TaxRate,
		p.TaxCountry, p.Description, p.RedirectURL, p.CallbackURL, string(p.Status), p.InvoiceNumber,
		p.CreatedAt, p.UpdatedAt)
	return errors.Wrap(err, "insert payment intent")
}

func (r *PaymentRepository) FindByID(ctx context.Context, id uuid.UUID) (*model.PaymentIntent, error) {
	query := `SELECT ` + paymentColumns + ` FROM payment_intent WHERE id = $1`
	return scanPayment(r.pool.QueryRow(ctx, query, id))
}

func (r *PaymentRepository) FindByExternalID(ctx context.Context, externalID string) (*model.PaymentIntent, error) {
	query := `SELECT ` + paymentColumns + ` FROM payment_intent WHERE external_id = $1`
	return scanPayment(r.pool.QueryRow(ctx, query, externalID))
}

// UpdateTax stores the tax resolved for a pending intent. The principal is
// never touched.
func (r *PaymentRepository) UpdateTax(ctx context.Context, id uuid.UUID, calc tax.Calculation) (*model.PaymentIntent, error) {
	query := `UPDATE payment_intent
	          SET tax_amount = $2, tax_rate = $3, tax_country = $4, updated_at = now()
	          WHERE id = $1 AND status = 'pending'
	          RETURNING ` + paymentColumns
	updated, err := scanPayment(r.pool.QueryRow(ctx, query, id, calc.Amount, calc.Rate, calc.Country))
	if errors.Is(err, ErrNotFound) {
		// either missing or no longer pending
		if _, findErr := r.FindByID(ctx, id); findErr != nil {
			return nil, findErr
		}
		return nil, errors.Wrapf(ErrNotPending, "payment %s", id)
	}
	return updated, err
}

// Settle applies s if the intent is still pending and reports whether it did.
// When the intent is already terminal the recorded state is returned
// unchanged. A pending intent whose total no longer matches the verified
// expectation is left untouched and ErrTotalChanged is returned. A merchant
// callback is queued in the same transaction.
func (r *PaymentRepository) Settle(ctx context.Context, s Settlement) (*model.PaymentIntent, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, errors.Wrap(err, "begin settlement")
	}
	defer tx.Rollback(ctx)

	current, err := scanPayment(tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payment_intent WHERE id = $1 FOR UPDATE`, s.PaymentID()))
	if err != nil {
		return nil, false, err
	}
	if current.Status.Terminal() {
		return current, false, nil
	}
	if !current.Total().Equal(s.ExpectedTotal()) {
		return nil, false, errors.Wrapf(ErrTotalChanged, "payment %s totals %s, verified against %s",
			current.ExternalID, current.Total(), s.ExpectedTotal())
	}

	query := `UPDATE payment_intent
	          SET status = $2, tx_signature = $3, payer_address = $4, received_amount = $5, failure_reason = $6,
	              invoice_number = COALESCE(invoice_number, $7), completed_at = $8, updated_at = $9
	          WHERE id = $1 AND status = 'pending'
	          RETURNING ` + paymentColumns
	updated, err := scanPayment(tx.QueryRow(ctx, query, s.PaymentID(), string(s.Status()), s.Signature(),
		s.PayerAddress(), s.ReceivedAmount(), s.FailureReason(), s.InvoiceNumber(), s.CompletedAt(), s.At()))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == signatureIndex {
			return nil, false, errors.Wrapf(ErrSignatureReused, "signature %s", s.Signature())
		}
		return nil, false, err
	}

	if updated.CallbackURL != nil {
		payload, err := json.Marshal(model.NewSettlementCallback(updated))
		if err != nil {
			return nil, false, errors.Wrap(err, "marshal settlement callback")
		}
		scheduledAt := s.At()
		err = insertCallback(ctx, tx, &CallbackMessageEntity{
			ID:          uuid.New(),
			PaymentID:   updated.ID,
			Url:         *updated.CallbackURL,
			Payload:     string(payload),
			ScheduledAt: &scheduledAt,
		})
		if err != nil {
			return nil, false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, errors.Wrap(err, "commit settlement")
	}
	return updated, true, nil
}

func scanPayment(row pgx.Row) (*model.PaymentIntent, error) {
	var (
		p      model.PaymentIntent
		status string
	)
	err := row.Scan(&p.ID, &p.MerchantID, &p.ExternalID, &p.Amount, &p.TaxAmount, &p.TaxRate, &p.TaxCountry,
		&p.Description, &p.RedirectURL, &p.CallbackURL, &status, &p.TxSignature, &p.PayerAddress,
		&p.ReceivedAmount, &p.FailureReason, &p.InvoiceNumber, &p.CreatedAt, &p.UpdatedAt, &p.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan payment intent")
	}
	p.Status = model.Status(status)
	return &p, nil
}

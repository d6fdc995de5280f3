package db

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"solapay/internal/ledger"
	"solapay/internal/model"
)

// Settlement is a terminal transition for one payment intent. It can only be
// built from a ledger verification, which is what keeps client-supplied payer
// addresses out of the store.
type Settlement struct {
	paymentID uuid.UUID
	status    model.Status
	result    ledger.VerificationResult
	invoice   string
	at        time.Time
}

// CompleteWith settles paymentID as paid. invoice is only stored when the
// intent has none yet.
func CompleteWith(paymentID uuid.UUID, result ledger.VerificationResult, invoice string, at time.Time) (Settlement, error) {
	if !result.Verified() {
		return Settlement{}, errors.Errorf("cannot complete payment %s with an unverified transaction", paymentID)
	}
	return Settlement{paymentID: paymentID, status: model.StatusCompleted, result: result, invoice: invoice, at: at}, nil
}

func FailWith(paymentID uuid.UUID, result ledger.VerificationResult, at time.Time) (Settlement, error) {
	if result.Verified() {
		return Settlement{}, errors.Errorf("cannot fail payment %s with a verified transaction", paymentID)
	}
	return Settlement{paymentID: paymentID, status: model.StatusFailed, result: result, at: at}, nil
}

func (s Settlement) PaymentID() uuid.UUID { return s.paymentID }
func (s Settlement) Status() model.Status { return s.status }
func (s Settlement) At() time.Time        { return s.at }

// ExpectedTotal is the total payable the transaction was verified against.
func (s Settlement) ExpectedTotal() decimal.Decimal {
	return s.result.ExpectedAmount()
}

func (s Settlement) Signature() string {
	return s.result.Signature().String()
}

func (s Settlement) PayerAddress() *string {
	if s.result.Payer().IsZero() {
		return nil
	}
	payer := s.result.Payer().String()
	return &payer
}

func (s Settlement) ReceivedAmount() decimal.NullDecimal {
	return s.result.ObservedAmount()
}

func (s Settlement) FailureReason() *string {
	if s.status != model.StatusFailed {
		return nil
	}
	reason := s.result.Detail()
	return &reason
}

func (s Settlement) InvoiceNumber() *string {
	if s.invoice == "" {
		return nil
	}
	return &s.invoice
}

func (s Settlement) CompletedAt() *time.Time {
	if s.status != model.StatusCompleted {
		return nil
	}
	at := s.at
	return &at
}

// Apply returns a copy of intent with the transition applied, mirroring what
// the repository writes.
func (s Settlement) Apply(intent model.PaymentIntent) model.PaymentIntent {
	signature := s.Signature()

	intent.Status = s.status
	intent.TxSignature = &signature
	intent.PayerAddress = s.PayerAddress()
	intent.ReceivedAmount = s.ReceivedAmount()
	intent.FailureReason = s.FailureReason()
	if intent.InvoiceNumber == nil {
		intent.InvoiceNumber = s.InvoiceNumber()
	}
	intent.CompletedAt = s.CompletedAt()
	intent.UpdatedAt = s.at
	return intent
}

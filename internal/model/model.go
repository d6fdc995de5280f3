package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// PaymentIntent is the off-chain record of an amount a merchant expects to
// receive. Amount never changes after creation.
type PaymentIntent struct {
	ID             uuid.UUID
	MerchantID     *string
	ExternalID     string
	Amount         decimal.Decimal
	TaxAmount      decimal.NullDecimal
	TaxRate        decimal.NullDecimal
	TaxCountry     *string
	Description    *string
	RedirectURL    *string
	CallbackURL    *string
	Status         Status
	TxSignature    *string
	PayerAddress   *string
	ReceivedAmount decimal.NullDecimal
	FailureReason  *string
	InvoiceNumber  *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

// Total is the principal plus tax, when tax has been resolved.
func (p *PaymentIntent) Total() decimal.Decimal {
	if p.TaxAmount.Valid {
		return p.Amount.Add(p.TaxAmount.Decimal)
	}
	return p.Amount
}

// SettlementCallback is the body delivered to a merchant's callback URL once
// a payment reaches a terminal state.
type SettlementCallback struct {
	ID            string           `json:"id"`
	Status        Status           `json:"status"`
	Amount        decimal.Decimal  `json:"amount"`
	Received      *decimal.Decimal `json:"receivedAmount,omitempty"`
	Signature     *string          `json:"signature,omitempty"`
	Payer         *string          `json:"payer,omitempty"`
	InvoiceNumber *string          `json:"invoiceNumber,omitempty"`
	CompletedAt   *time.Time       `json:"completedAt,omitempty"`
	FailureReason *string          `json:"failureReason,omitempty"`
}

func NewSettlementCallback(p *PaymentIntent) SettlementCallback {
	callback := SettlementCallback{
		ID:            p.ExternalID,
		Status:        p.Status,
		Amount:        p.Total(),
		Signature:     p.TxSignature,
		Payer:         p.PayerAddress,
		InvoiceNumber: p.InvoiceNumber,
		CompletedAt:   p.CompletedAt,
		FailureReason: p.FailureReason,
	}
	if p.ReceivedAmount.Valid {
		received := p.ReceivedAmount.Decimal
		callback.Received = &received
	}
	return callback
}

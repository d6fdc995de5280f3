package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"solapay/internal/model"
	"solapay/internal/payment"
	"solapay/internal/tax"
)

type errorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

type paymentView struct {
	ID             string           `json:"id"`
	MerchantID     *string          `json:"merchantId,omitempty"`
	Status         model.Status     `json:"status"`
	Amount         decimal.Decimal  `json:"amount"`
	TaxAmount      *decimal.Decimal `json:"taxAmount,omitempty"`
	TaxRate        *decimal.Decimal `json:"taxRate,omitempty"`
	TaxCountry     *string          `json:"taxCountry,omitempty"`
	Total          decimal.Decimal  `json:"total"`
	Description    *string          `json:"description,omitempty"`
	RedirectURL    *string          `json:"redirectUrl,omitempty"`
	TxSignature    *string          `json:"txSignature,omitempty"`
	PayerAddress   *string          `json:"payerAddress,omitempty"`
	ReceivedAmount *decimal.Decimal `json:"receivedAmount,omitempty"`
	FailureReason  *string          `json:"failureReason,omitempty"`
	InvoiceNumber  *string          `json:"invoiceNumber,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	CompletedAt    *time.Time       `json:"completedAt,omitempty"`
}

func newPaymentView(p *model.PaymentIntent) paymentView {
	return paymentView{
		ID:             p.ExternalID,
		MerchantID:     p.MerchantID,
		Status:         p.Status,
		Amount:         p.Amount,
		TaxAmount:      nullable(p.TaxAmount),
		TaxRate:        nullable(p.TaxRate),
		TaxCountry:     p.TaxCountry,
		Total:          p.Total(),
		Description:    p.Description,
		RedirectURL:    p.RedirectURL,
		TxSignature:    p.TxSignature,
		PayerAddress:   p.PayerAddress,
		ReceivedAmount: nullable(p.ReceivedAmount),
		FailureReason:  p.FailureReason,
		InvoiceNumber:  p.InvoiceNumber,
		CreatedAt:      p.CreatedAt,
		CompletedAt:    p.CompletedAt,
	}
}

type linkResponse struct {
	Payment     paymentView `json:"payment"`
	CheckoutURL string      `json:"checkoutUrl"`
	ReceiptURL  string      `json:"receiptUrl"`
	TransferURL string      `json:"transferUrl"`
}

type checkoutResponse struct {
	Payment     paymentView     `json:"payment"`
	Tax         tax.Calculation `json:"tax"`
	TransferURL string          `json:"transferUrl"`
}

type transactionResponse struct {
	PaymentID            string `json:"paymentId"`
	Transaction          string `json:"transaction"`
	Message              string `json:"message"`
	Reference            string `json:"reference"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

type confirmResponse struct {
	Success        bool             `json:"success"`
	PaymentID      string           `json:"paymentId"`
	Status         model.Status     `json:"status"`
	Signature      *string          `json:"signature,omitempty"`
	ObservedAmount *decimal.Decimal `json:"observedAmount,omitempty"`
	ObservedPayer  *string          `json:"observedPayer,omitempty"`
	InvoiceNumber  *string          `json:"invoiceNumber,omitempty"`
	CompletedAt    *time.Time       `json:"completedAt,omitempty"`
}

type verificationDetails struct {
	PaymentID      string           `json:"paymentId"`
	Status         model.Status     `json:"status"`
	Signature      string           `json:"signature,omitempty"`
	ExpectedAmount decimal.Decimal  `json:"expectedAmount"`
	ObservedAmount *decimal.Decimal `json:"observedAmount,omitempty"`
	Reason         string           `json:"reason"`
}

func nullable(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	return &d.Decimal
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// statusOf maps a payment error kind to its HTTP status. Unknown errors are
// internal.
func statusOf(err error) int {
	switch {
	case errors.Is(err, payment.ErrInvalidAddress),
		errors.Is(err, payment.ErrInvalidSignature),
		errors.Is(err, payment.ErrMissingFields),
		errors.Is(err, payment.ErrInvalidAmount),
		errors.Is(err, payment.ErrVerificationFailed):
		return http.StatusBadRequest
	case errors.Is(err, payment.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, payment.ErrInvalidState), errors.Is(err, payment.ErrSignatureReused):
		return http.StatusConflict
	case errors.Is(err, payment.ErrConfirmationTimeout):
		return http.StatusRequestTimeout
	case errors.Is(err, payment.ErrLedgerUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as {"error", "details"}. Server-side failures get a
// generic message so that RPC and database errors never reach the client.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	body := errorResponse{Error: errors.Cause(err).Error()}

	var verr *payment.VerificationError
	switch {
	case errors.As(err, &verr):
		body.Details = verificationDetails{
			PaymentID:      verr.Payment.ExternalID,
			Status:         verr.Payment.Status,
			Signature:      verr.Signature,
			ExpectedAmount: verr.Expected,
			ObservedAmount: nullable(verr.Observed),
			Reason:         verr.Detail,
		}
		body.Error = payment.ErrVerificationFailed.Error()
	case status == http.StatusInternalServerError:
		h.logger.ErrorContext(r.Context(), "Error handling request", "error", err)
		body.Error = "internal server error"
	case status == http.StatusServiceUnavailable:
		h.logger.WarnContext(r.Context(), "Ledger unavailable", "error", err)
	case status == http.StatusBadRequest || status == http.StatusConflict:
		body.Details = err.Error()
	}

	h.logger.DebugContext(r.Context(), "Request rejected", slog.Int("status", status), slog.String("error", err.Error()))
	writeJSON(w, status, body)
}

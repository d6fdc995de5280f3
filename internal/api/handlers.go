package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"solapay/internal/payment"
)

const maxBodyBytes = 1 << 20

type createLinkRequest struct {
	MerchantID  string          `json:"merchantId"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	RedirectURL string          `json:"redirectUrl"`
	CallbackURL string          `json:"callbackUrl"`
}

type transactionRequest struct {
	PaymentID    string `json:"paymentId"`
	PayerAddress string `json:"payerAddress"`
	// Account is the Solana Pay transaction request name for the payer.
	Account string `json:"account"`
}

type confirmRequest struct {
	PaymentID string `json:"paymentId"`
	Signature string `json:"signature"`
}

type countryRequest struct {
	Country string `json:"country"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(payment.ErrMissingFields, "malformed JSON body")
	}
	return nil
}

func (h *Handler) createLink(w http.ResponseWriter, r *http.Request) {
	var req createLinkRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	link, err := h.payments.CreateLink(r.Context(), payment.CreateLinkRequest{
		MerchantID:  req.MerchantID,
		Amount:      req.Amount,
		Description: req.Description,
		RedirectURL: req.RedirectURL,
		CallbackURL: req.CallbackURL,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, linkResponse{
		Payment:     newPaymentView(link.Payment),
		CheckoutURL: link.CheckoutURL,
		ReceiptURL:  link.ReceiptURL,
		TransferURL: link.TransferURL,
	})
}

func (h *Handler) getPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.payments.Get(r.Context(), chi.URLParam(r, "paymentId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]paymentView{"payment": newPaymentView(p)})
}

// buildTransaction serves both the JSON POST and the Solana Pay style GET
// with query parameters.
func (h *Handler) buildTransaction(w http.ResponseWriter, r *http.Request) {
	var req transactionRequest
	if r.Method == http.MethodGet {
		query := r.URL.Query()
		req.PaymentID = query.Get("paymentId")
		req.PayerAddress = query.Get("payerAddress")
		req.Account = query.Get("account")
	} else if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.PayerAddress == "" {
		req.PayerAddress = req.Account
	}

	built, err := h.payments.BuildTransaction(r.Context(), req.PaymentID, req.PayerAddress)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, transactionResponse{
		PaymentID:            built.Payment.ExternalID,
		Transaction:          built.Transaction,
		Message:              built.Message,
		Reference:            built.Reference,
		LastValidBlockHeight: built.LastValidBlockHeight,
	})
}

func (h *Handler) confirmPayment(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	confirmation, err := h.payments.ConfirmPayment(r.Context(), req.PaymentID, req.Signature)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	p := confirmation.Payment
	writeJSON(w, http.StatusOK, confirmResponse{
		Success:        true,
		PaymentID:      p.ExternalID,
		Status:         p.Status,
		Signature:      p.TxSignature,
		ObservedAmount: nullable(confirmation.ObservedAmount),
		ObservedPayer:  confirmation.ObservedPayer,
		InvoiceNumber:  p.InvoiceNumber,
		CompletedAt:    p.CompletedAt,
	})
}

func (h *Handler) checkout(w http.ResponseWriter, r *http.Request) {
	details, err := h.payments.Checkout(r.Context(), chi.URLParam(r, "paymentId"), r.URL.Query().Get("country"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeCheckout(w, details)
}

func (h *Handler) setCountry(w http.ResponseWriter, r *http.Request) {
	var req countryRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	details, err := h.payments.SetCountry(r.Context(), chi.URLParam(r, "paymentId"), req.Country)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeCheckout(w, details)
}

func (h *Handler) writeCheckout(w http.ResponseWriter, details *payment.CheckoutDetails) {
	writeJSON(w, http.StatusOK, checkoutResponse{
		Payment:     newPaymentView(details.Payment),
		Tax:         details.Tax,
		TransferURL: details.TransferURL,
	})
}

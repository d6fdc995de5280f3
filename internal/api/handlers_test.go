package api_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solapay/internal/api"
	"solapay/internal/model"
	"solapay/internal/payment"
	"solapay/internal/tax"
)

type stubService struct {
	err error

	gotID, gotPayer, gotSignature, gotCountry string
	gotLink                                   payment.CreateLinkRequest
}

func intent(status model.Status) *model.PaymentIntent {
	invoice := "INV-20240601-ABCDE"
	return &model.PaymentIntent{
		ExternalID:    "sp_1717200000000_abc123",
		Amount:        decimal.RequireFromString("12.5"),
		Status:        status,
		InvoiceNumber: &invoice,
		CreatedAt:     time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (s *stubService) CreateLink(_ context.Context, req payment.CreateLinkRequest) (*payment.Link, error) {
	s.gotLink = req
	if s.err != nil {
		return nil, s.err
	}
	return &payment.Link{Payment: intent(model.StatusPending), CheckoutURL: "https://pay.example.com/checkout/x"}, nil
}

func (s *stubService) Get(_ context.Context, id string) (*model.PaymentIntent, error) {
	s.gotID = id
	if s.err != nil {
		return nil, s.err
	}
	return intent(model.StatusPending), nil
}

func (s *stubService) Checkout(_ context.Context, id, country string) (*payment.CheckoutDetails, error) {
	s.gotID, s.gotCountry = id, country
	if s.err != nil {
		return nil, s.err
	}
	p := intent(model.StatusPending)
	return &payment.CheckoutDetails{Payment: p, Tax: tax.Calculate(p.Amount, "DE")}, nil
}

func (s *stubService) SetCountry(ctx context.Context, id, country string) (*payment.CheckoutDetails, error) {
	return s.Checkout(ctx, id, country)
}

func (s *stubService) BuildTransaction(_ context.Context, id, payer string) (*payment.BuiltTransaction, error) {
	s.gotID, s.gotPayer = id, payer
	if s.err != nil {
		return nil, s.err
	}
	return &payment.BuiltTransaction{
		Payment:              intent(model.StatusPending),
		Transaction:          "AQAB",
		Message:              "Pay 12.5 USDC",
		LastValidBlockHeight: 99,
	}, nil
}

func (s *stubService) ConfirmPayment(_ context.Context, id, signature string) (*payment.Confirmation, error) {
	s.gotID, s.gotSignature = id, signature
	if s.err != nil {
		return nil, s.err
	}
	p := intent(model.StatusCompleted)
	payer := "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"
	sig := "5sig"
	p.TxSignature = &sig
	p.PayerAddress = &payer
	return &payment.Confirmation{
		Payment:        p,
		ObservedAmount: decimal.NewNullDecimal(decimal.RequireFromString("12.5")),
		ObservedPayer:  &payer,
	}, nil
}

func serve(t *testing.T, svc api.PaymentService, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	router := api.NewRouter(svc, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(method, target, reader))
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestLiveness(t *testing.T) {
	rec := serve(t, &stubService{}, http.MethodGet, "/liveness", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestCreateLink(t *testing.T) {
	svc := &stubService{}
	rec := serve(t, svc, http.MethodPost, "/api/payments",
		`{"amount":"12.5","description":"Coffee","callbackUrl":"https://merchant.example.com/hook"}`)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, svc.gotLink.Amount.Equal(decimal.RequireFromString("12.5")))
	assert.Equal(t, "https://merchant.example.com/hook", svc.gotLink.CallbackURL)

	body := decodeBody(t, rec)
	assert.Equal(t, "https://pay.example.com/checkout/x", body["checkoutUrl"])
	assert.Equal(t, "pending", body["payment"].(map[string]any)["status"])
}

func TestCreateLink_MalformedBody(t *testing.T) {
	rec := serve(t, &stubService{}, http.MethodPost, "/api/payments", `{"amount":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, payment.ErrMissingFields.Error(), decodeBody(t, rec)["error"])
}

func TestGetPayment(t *testing.T) {
	svc := &stubService{}
	rec := serve(t, svc, http.MethodGet, "/api/payments/sp_1717200000000_abc123", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sp_1717200000000_abc123", svc.gotID)
	view := decodeBody(t, rec)["payment"].(map[string]any)
	assert.Equal(t, "12.5", view["total"])
}

func TestBuildTransaction(t *testing.T) {
	t.Run("post", func(t *testing.T) {
		svc := &stubService{}
		rec := serve(t, svc, http.MethodPost, "/api/payments/transaction", `{"paymentId":"sp_1","payerAddress":"wallet"}`)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "wallet", svc.gotPayer)
		body := decodeBody(t, rec)
		assert.Equal(t, "AQAB", body["transaction"])
		assert.Equal(t, "Pay 12.5 USDC", body["message"])
		assert.EqualValues(t, 99, body["lastValidBlockHeight"])
	})

	t.Run("post with account alias", func(t *testing.T) {
		svc := &stubService{}
		rec := serve(t, svc, http.MethodPost, "/api/payments/transaction", `{"paymentId":"sp_1","account":"wallet"}`)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "wallet", svc.gotPayer)
	})

	t.Run("get", func(t *testing.T) {
		svc := &stubService{}
		rec := serve(t, svc, http.MethodGet, "/api/payments/transaction?paymentId=sp_1&account=wallet", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "sp_1", svc.gotID)
		assert.Equal(t, "wallet", svc.gotPayer)
	})
}

func TestConfirmPayment(t *testing.T) {
	svc := &stubService{}
	rec := serve(t, svc, http.MethodPost, "/api/payments/confirm", `{"paymentId":"sp_1","signature":"5sig"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "5sig", svc.gotSignature)

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, "12.5", body["observedAmount"])
	assert.Equal(t, "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin", body["observedPayer"])
	assert.Equal(t, "INV-20240601-ABCDE", body["invoiceNumber"])
}

func TestConfirmPayment_VerificationFailure(t *testing.T) {
	failed := intent(model.StatusFailed)
	svc := &stubService{err: &payment.VerificationError{
		Payment:   failed,
		Signature: "5sig",
		Expected:  decimal.RequireFromString("12.5"),
		Observed:  decimal.NewNullDecimal(decimal.NewFromInt(10)),
		Detail:    "amount mismatch: expected 12.5, got 10",
	}}
	rec := serve(t, svc, http.MethodPost, "/api/payments/confirm", `{"paymentId":"sp_1","signature":"5sig"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, payment.ErrVerificationFailed.Error(), body["error"])

	details := body["details"].(map[string]any)
	assert.Equal(t, "failed", details["status"])
	assert.Equal(t, "12.5", details["expectedAmount"])
	assert.Equal(t, "10", details["observedAmount"])
	assert.Equal(t, "amount mismatch: expected 12.5, got 10", details["reason"])
}

func TestCheckout(t *testing.T) {
	svc := &stubService{}
	rec := serve(t, svc, http.MethodGet, "/api/checkout/sp_1?country=de", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "de", svc.gotCountry)
	taxes := decodeBody(t, rec)["tax"].(map[string]any)
	assert.Equal(t, "DE", taxes["country"])
	assert.Equal(t, "VAT", taxes["taxName"])

	rec = serve(t, svc, http.MethodPatch, "/api/checkout/sp_1", `{"country":"GB"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "GB", svc.gotCountry)
}

func TestErrorStatuses(t *testing.T) {
	tests := []struct {
		err     error
		status  int
		message string
	}{
		{errors.Wrap(payment.ErrInvalidAddress, "bad key"), http.StatusBadRequest, payment.ErrInvalidAddress.Error()},
		{payment.ErrInvalidSignature, http.StatusBadRequest, payment.ErrInvalidSignature.Error()},
		{payment.ErrMissingFields, http.StatusBadRequest, payment.ErrMissingFields.Error()},
		{payment.ErrNotFound, http.StatusNotFound, payment.ErrNotFound.Error()},
		{errors.Wrap(payment.ErrInvalidState, "completed"), http.StatusConflict, payment.ErrInvalidState.Error()},
		{payment.ErrSignatureReused, http.StatusConflict, payment.ErrSignatureReused.Error()},
		{payment.ErrConfirmationTimeout, http.StatusRequestTimeout, payment.ErrConfirmationTimeout.Error()},
		{errors.Wrap(payment.ErrLedgerUnavailable, "dial tcp 10.0.0.1:8899: connection refused"), http.StatusServiceUnavailable, payment.ErrLedgerUnavailable.Error()},
		{payment.ErrConfigurationMissing, http.StatusInternalServerError, "internal server error"},
		{errors.New("pq: relation does not exist"), http.StatusInternalServerError, "internal server error"},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			rec := serve(t, &stubService{err: tt.err}, http.MethodPost, "/api/payments/confirm", `{"paymentId":"sp_1","signature":"5sig"}`)

			assert.Equal(t, tt.status, rec.Code)
			body := decodeBody(t, rec)
			assert.Equal(t, tt.message, body["error"])
			assert.NotContains(t, rec.Body.String(), "10.0.0.1")
			assert.NotContains(t, rec.Body.String(), "pq:")
		})
	}
}

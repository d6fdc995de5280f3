// Package payment drives a payment intent from checkout link to settlement.
package payment

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"solapay/internal/db"
	"solapay/internal/ledger"
	"solapay/internal/logcontext"
	"solapay/internal/model"
	"solapay/internal/tax"
)

const (
	maxDescriptionLength = 500
	// maxSettleRounds bounds re-verification when the tax changes while a
	// confirmation is in flight.
	maxSettleRounds = 3
)

// maxAmount keeps the principal plus any tax within a single token transfer.
var maxAmount = decimal.New(1, 12)

var (
	buildSuccessCounter = metrics.GetOrCreateCounter(`payment_build_total{result="success"}`)
	buildRejectCounter  = metrics.GetOrCreateCounter(`payment_build_total{result="rejected"}`)
	buildErrorCounter   = metrics.GetOrCreateCounter(`payment_build_total{result="error"}`)

	confirmCompletedCounter = metrics.GetOrCreateCounter(`payment_confirm_total{result="completed"}`)
	confirmFailedCounter    = metrics.GetOrCreateCounter(`payment_confirm_total{result="failed"}`)
	confirmTimeoutCounter   = metrics.GetOrCreateCounter(`payment_confirm_total{result="timeout"}`)
	confirmReplayedCounter  = metrics.GetOrCreateCounter(`payment_confirm_total{result="replayed"}`)
	confirmErrorCounter     = metrics.GetOrCreateCounter(`payment_confirm_total{result="error"}`)

	confirmDurationHistogram = metrics.GetOrCreateHistogram(`payment_confirm_duration_milliseconds`)
)

// Store persists payment intents. Settle is the only way to change status.
type Store interface {
	Create(ctx context.Context, p *model.PaymentIntent) error
	FindByID(ctx context.Context, id uuid.UUID) (*model.PaymentIntent, error)
	FindByExternalID(ctx context.Context, externalID string) (*model.PaymentIntent, error)
	UpdateTax(ctx context.Context, id uuid.UUID, calc tax.Calculation) (*model.PaymentIntent, error)
	Settle(ctx context.Context, s db.Settlement) (*model.PaymentIntent, bool, error)
}

type Options struct {
	// BaseURL prefixes checkout and receipt links.
	BaseURL string
	// MaxConfirmationAttempts bounds the signature status polls per confirm.
	MaxConfirmationAttempts int
}

type Service struct {
	store    Store
	builder  *ledger.Builder
	waiter   *ledger.Waiter
	verifier *ledger.Verifier
	settings ledger.Settings
	opts     Options
	group    singleflight.Group
	now      func() time.Time
	logger   *slog.Logger
}

func NewService(store Store, client ledger.Client, settings ledger.Settings, interval time.Duration, opts Options, logger *slog.Logger) *Service {
	if opts.MaxConfirmationAttempts < 1 {
		opts.MaxConfirmationAttempts = 1
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")

	return &Service{
		store:    store,
		builder:  ledger.NewBuilder(client, settings, logger),
		waiter:   ledger.NewWaiter(client, settings.Commitment, interval, logger),
		verifier: ledger.NewVerifier(client, settings, logger),
		settings: settings,
		opts:     opts,
		now:      time.Now,
		logger:   logger,
	}
}

type CreateLinkRequest struct {
	MerchantID  string
	Amount      decimal.Decimal
	Description string
	RedirectURL string
	CallbackURL string
}

type Link struct {
	Payment     *model.PaymentIntent
	CheckoutURL string
	ReceiptURL  string
	TransferURL string
}

// CreateLink registers a new pending payment intent.
func (s *Service) CreateLink(ctx context.Context, req CreateLinkRequest) (*Link, error) {
	if !req.Amount.IsPositive() {
		return nil, errors.Wrapf(ErrInvalidAmount, "amount must be positive, got %s", req.Amount)
	}
	if req.Amount.GreaterThan(maxAmount) {
		return nil, errors.Wrapf(ErrInvalidAmount, "amount exceeds %s", maxAmount)
	}
	if req.Amount.Exponent() < -tax.Precision {
		return nil, errors.Wrapf(ErrInvalidAmount, "amount has more than %d decimal places", tax.Precision)
	}
	if len(req.Description) > maxDescriptionLength {
		return nil, errors.Wrapf(ErrMissingFields, "description longer than %d characters", maxDescriptionLength)
	}
	for field, value := range map[string]string{"redirectUrl": req.RedirectURL, "callbackUrl": req.CallbackURL} {
		if value != "" && !isHTTPURL(value) {
			return nil, errors.Wrapf(ErrMissingFields, "%s must be an absolute http(s) URL", field)
		}
	}

	now := s.now()
	invoice := NewInvoiceNumber(now)
	intent := &model.PaymentIntent{
		ID:            uuid.New(),
		MerchantID:    optional(req.MerchantID),
		ExternalID:    NewExternalID(now),
		Amount:        req.Amount,
		Description:   optional(req.Description),
		RedirectURL:   optional(req.RedirectURL),
		CallbackURL:   optional(req.CallbackURL),
		Status:        model.StatusPending,
		InvoiceNumber: &invoice,
	}
	transferURL, err := s.transferURL(intent, intent.Total())
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, intent); err != nil {
		return nil, errors.Wrap(err, "create payment intent")
	}

	s.logger.InfoContext(ctx, "Created payment link", "paymentId", intent.ExternalID, "amount", intent.Amount.String())
	return &Link{
		Payment:     intent,
		CheckoutURL: s.opts.BaseURL + "/checkout/" + intent.ExternalID,
		ReceiptURL:  s.opts.BaseURL + "/receipt/" + intent.ExternalID,
		TransferURL: transferURL,
	}, nil
}

// Get resolves id as an internal id first and an external id otherwise.
func (s *Service) Get(ctx context.Context, id string) (*model.PaymentIntent, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.Wrap(ErrMissingFields, "paymentId is required")
	}

	var (
		intent *model.PaymentIntent
		err    error
	)
	if internalID, parseErr := uuid.Parse(id); parseErr == nil {
		intent, err = s.store.FindByID(ctx, internalID)
	} else {
		intent, err = s.store.FindByExternalID(ctx, id)
	}
	if err != nil {
		return nil, translate(err, false)
	}
	return intent, nil
}

type CheckoutDetails struct {
	Payment     *model.PaymentIntent
	Tax         tax.Calculation
	TransferURL string
}

// Checkout previews what the customer pays for country. An empty country
// falls back to the stored jurisdiction.
func (s *Service) Checkout(ctx context.Context, id, country string) (*CheckoutDetails, error) {
	intent, err := s.pending(ctx, id)
	if err != nil {
		return nil, err
	}

	if country == "" {
		country = tax.DefaultCountry
		if intent.TaxCountry != nil {
			country = *intent.TaxCountry
		}
	}
	if !tax.ValidCountry(country) {
		return nil, errors.Wrapf(ErrMissingFields, "country %q is not an ISO 3166-1 alpha-2 code", country)
	}

	return s.checkoutDetails(intent, tax.Calculate(intent.Amount, country))
}

// SetCountry records the customer's tax jurisdiction on a pending intent.
func (s *Service) SetCountry(ctx context.Context, id, country string) (*CheckoutDetails, error) {
	if !tax.ValidCountry(country) {
		return nil, errors.Wrapf(ErrMissingFields, "country %q is not an ISO 3166-1 alpha-2 code", country)
	}
	intent, err := s.pending(ctx, id)
	if err != nil {
		return nil, err
	}

	calc := tax.Calculate(intent.Amount, country)
	updated, err := s.store.UpdateTax(ctx, intent.ID, calc)
	if err != nil {
		return nil, translate(err, false)
	}

	s.logger.InfoContext(ctx, "Updated tax jurisdiction",
		"paymentId", updated.ExternalID, "country", calc.Country, "taxAmount", calc.Amount.String())
	return s.checkoutDetails(updated, calc)
}

func (s *Service) checkoutDetails(intent *model.PaymentIntent, calc tax.Calculation) (*CheckoutDetails, error) {
	transferURL, err := s.transferURL(intent, calc.Total)
	if err != nil {
		return nil, err
	}
	return &CheckoutDetails{Payment: intent, Tax: calc, TransferURL: transferURL}, nil
}

func (s *Service) pending(ctx context.Context, id string) (*model.PaymentIntent, error) {
	intent, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if intent.Status != model.StatusPending {
		return nil, errors.Wrapf(ErrInvalidState, "payment %s is %s", intent.ExternalID, intent.Status)
	}
	return intent, nil
}

func (s *Service) transferURL(intent *model.PaymentIntent, total decimal.Decimal) (string, error) {
	message := "Payment " + intent.ExternalID
	if intent.Description != nil {
		message = *intent.Description
	}
	link, err := s.settings.TransferURL(ledger.TransferRequest{
		ExternalID: intent.ExternalID,
		Amount:     total,
		Message:    message,
	})
	return link, translate(err, false)
}

type BuiltTransaction struct {
	Payment              *model.PaymentIntent
	Transaction          string
	Message              string
	Reference            string
	LastValidBlockHeight uint64
}

// BuildTransaction returns the unsigned transfer paying intent id from
// payerAddress, base64 encoded.
func (s *Service) BuildTransaction(ctx context.Context, id, payerAddress string) (*BuiltTransaction, error) {
	if strings.TrimSpace(id) == "" || strings.TrimSpace(payerAddress) == "" {
		buildRejectCounter.Inc()
		return nil, errors.Wrap(ErrMissingFields, "paymentId and payerAddress are required")
	}

	intent, err := s.Get(ctx, id)
	if err != nil {
		buildRejectCounter.Inc()
		return nil, err
	}
	ctx = logcontext.AppendCtx(ctx, slog.String("paymentId", intent.ExternalID))

	unsigned, err := s.builder.BuildTransfer(ctx, payerAddress, intent)
	if err != nil {
		err = translate(err, true)
		if errors.Is(err, ErrLedgerUnavailable) || errors.Is(err, ErrConfigurationMissing) {
			buildErrorCounter.Inc()
			s.logger.ErrorContext(ctx, "Error building transaction", "error", err)
		} else {
			buildRejectCounter.Inc()
		}
		return nil, err
	}

	encoded, err := unsigned.Base64()
	if err != nil {
		buildErrorCounter.Inc()
		return nil, err
	}

	buildSuccessCounter.Inc()
	return &BuiltTransaction{
		Payment:              intent,
		Transaction:          encoded,
		Message:              fmt.Sprintf("Pay %s USDC", unsigned.Total.String()),
		Reference:            unsigned.Reference.String(),
		LastValidBlockHeight: unsigned.LastValidBlockHeight,
	}, nil
}

type Confirmation struct {
	Payment        *model.PaymentIntent
	ObservedAmount decimal.NullDecimal
	ObservedPayer  *string
	// Replayed is set when the intent was already completed and no
	// verification ran.
	Replayed bool
}

// ConfirmPayment settles intent id against the transaction behind signature.
//
// An intent that is already completed returns its recorded outcome, and one
// that already failed returns its recorded VerificationError. Confirmations
// still in flight after ctx ends keep running and may settle the intent.
func (s *Service) ConfirmPayment(ctx context.Context, id, signature string) (*Confirmation, error) {
	start := time.Now()
	defer func() {
		confirmDurationHistogram.Update(float64(time.Since(start).Milliseconds()))
	}()

	if strings.TrimSpace(id) == "" || strings.TrimSpace(signature) == "" {
		return nil, errors.Wrap(ErrMissingFields, "paymentId and signature are required")
	}
	sig, err := solana.SignatureFromBase58(strings.TrimSpace(signature))
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidSignature, "%q", signature)
	}

	intent, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if intent.Status.Terminal() {
		return recorded(intent)
	}

	key := intent.ID.String() + ":" + sig.String()
	ch := s.group.DoChan(key, func() (any, error) {
		return s.settle(context.WithoutCancel(ctx), intent, sig)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Confirmation), nil
	case <-ctx.Done():
		confirmTimeoutCounter.Inc()
		return nil, errors.Wrap(ErrConfirmationTimeout, ctx.Err().Error())
	}
}

func (s *Service) settle(ctx context.Context, intent *model.PaymentIntent, sig solana.Signature) (*Confirmation, error) {
	ctx = logcontext.AppendCtx(ctx,
		slog.String("paymentId", intent.ExternalID),
		slog.String("signature", sig.String()),
	)

	confirmation, err := s.waiter.Await(ctx, sig, s.opts.MaxConfirmationAttempts)
	if err != nil || confirmation.State == ledger.ConfirmationExhausted {
		confirmTimeoutCounter.Inc()
		s.logger.WarnContext(ctx, "Confirmation not reached, payment stays pending", "attempts", confirmation.Attempts)
		return nil, errors.Wrapf(ErrConfirmationTimeout, "after %d attempts", confirmation.Attempts)
	}

	var (
		result  ledger.VerificationResult
		settled *model.PaymentIntent
		applied bool
	)
	for round := 1; ; round++ {
		result, settled, applied, err = s.verifyAndSettle(ctx, intent, sig)
		if !errors.Is(err, db.ErrTotalChanged) {
			break
		}
		if round == maxSettleRounds {
			err = translate(err, false)
			break
		}

		s.logger.InfoContext(ctx, "Total payable changed during confirmation, verifying again", "round", round)
		if intent, err = s.store.FindByID(ctx, intent.ID); err != nil {
			err = translate(err, false)
			break
		}
		if intent.Status.Terminal() {
			return recorded(intent)
		}
	}
	if err != nil {
		confirmErrorCounter.Inc()
		s.logger.ErrorContext(ctx, "Error settling payment", "error", err)
		return nil, err
	}
	if !applied {
		s.logger.InfoContext(ctx, "Payment settled concurrently, returning recorded outcome", "status", settled.Status)
		return recorded(settled)
	}

	if settled.Status == model.StatusFailed {
		confirmFailedCounter.Inc()
		s.logger.WarnContext(ctx, "Payment failed verification", "detail", result.Detail())
		return nil, &VerificationError{
			Payment:   settled,
			Signature: sig.String(),
			Expected:  result.ExpectedAmount(),
			Observed:  result.ObservedAmount(),
			Detail:    result.Detail(),
		}
	}

	confirmCompletedCounter.Inc()
	s.logger.InfoContext(ctx, "Payment completed", "payer", result.Payer().String(), "amount", result.ObservedAmount().Decimal.String())
	return &Confirmation{
		Payment:        settled,
		ObservedAmount: settled.ReceivedAmount,
		ObservedPayer:  settled.PayerAddress,
	}, nil
}

// verifyAndSettle checks the transaction against the intent's current total
// and records the verdict. The store refuses the verdict with
// db.ErrTotalChanged when the total moved after intent was read.
func (s *Service) verifyAndSettle(ctx context.Context, intent *model.PaymentIntent, sig solana.Signature) (ledger.VerificationResult, *model.PaymentIntent, bool, error) {
	result, err := s.verifier.Verify(ctx, sig, ledger.Expectation{
		Amount:    intent.Total(),
		Reference: ledger.Reference(intent.ExternalID),
	})
	if err != nil {
		return result, nil, false, translate(err, true)
	}

	now := s.now()
	var settlement db.Settlement
	if result.Verified() {
		settlement, err = db.CompleteWith(intent.ID, result, NewInvoiceNumber(now), now)
	} else {
		settlement, err = db.FailWith(intent.ID, result, now)
	}
	if err != nil {
		return result, nil, false, err
	}

	settled, applied, err := s.store.Settle(ctx, settlement)
	if err != nil {
		if errors.Is(err, db.ErrTotalChanged) {
			return result, nil, false, err
		}
		return result, nil, false, translate(err, false)
	}
	return result, settled, applied, nil
}

// recorded returns the outcome stored on a terminal intent without touching
// the ledger.
func recorded(intent *model.PaymentIntent) (*Confirmation, error) {
	confirmReplayedCounter.Inc()
	if intent.Status == model.StatusFailed {
		return nil, recordedFailure(intent)
	}
	return &Confirmation{
		Payment:        intent,
		ObservedAmount: intent.ReceivedAmount,
		ObservedPayer:  intent.PayerAddress,
		Replayed:       true,
	}, nil
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

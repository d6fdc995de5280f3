package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/VictoriaMetrics/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

const (
	DetailNotFound            = "transaction not found"
	DetailOnChainFailure      = "transaction failed on-chain"
	DetailReferenceMismatch   = "reference mismatch"
	DetailBalancesUnavailable = "token balances unavailable"
)

var (
	verifierVerifiedCounter = metrics.GetOrCreateCounter(`ledger_verification_total{result="verified"}`)
	verifierRejectedCounter = metrics.GetOrCreateCounter(`ledger_verification_total{result="rejected"}`)
	verifierErrCounter      = metrics.GetOrCreateCounter(`ledger_verification_total{result="error"}`)
)

// VerificationResult is the verdict on a transaction, read from the ledger.
// Only a Verifier can produce one, so anything built from it (the payer in
// particular) is known to come from ledger data.
type VerificationResult struct {
	verified  bool
	signature solana.Signature
	expected  decimal.Decimal
	observed  decimal.NullDecimal
	payee     solana.PublicKey
	payer     solana.PublicKey
	detail    string
}

func (r VerificationResult) Verified() bool                      { return r.verified }
func (r VerificationResult) Signature() solana.Signature         { return r.signature }
func (r VerificationResult) ExpectedAmount() decimal.Decimal     { return r.expected }
func (r VerificationResult) ObservedAmount() decimal.NullDecimal { return r.observed }
func (r VerificationResult) Payee() solana.PublicKey             { return r.payee }

// Payer is the transaction fee payer, zero when no record was found.
func (r VerificationResult) Payer() solana.PublicKey { return r.payer }

// Detail explains a rejection. Empty when verified.
func (r VerificationResult) Detail() string { return r.detail }

// Expectation is what a transfer must show to settle a payment. A zero Payee
// falls back to the configured payee, a zero Reference skips the reference
// check.
type Expectation struct {
	Amount    decimal.Decimal
	Payee     solana.PublicKey
	Reference solana.PublicKey
}

type Verifier struct {
	client   Client
	settings Settings
	logger   *slog.Logger
}

func NewVerifier(client Client, settings Settings, logger *slog.Logger) *Verifier {
	return &Verifier{client: client, settings: settings, logger: logger}
}

// Verify reads the transaction behind signature and checks the payee's token
// balance delta against expected. Definitive outcomes, positive or not, come
// back as a result; an error means the ledger could not be read.
func (v *Verifier) Verify(ctx context.Context, signature solana.Signature, expected Expectation) (VerificationResult, error) {
	if err := v.settings.validate(); err != nil {
		return VerificationResult{}, err
	}

	payee := expected.Payee
	if payee.IsZero() {
		payee = v.settings.Payee
	}
	result := VerificationResult{signature: signature, expected: expected.Amount, payee: payee}

	record, err := v.client.Transaction(ctx, signature)
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			return v.reject(ctx, result, DetailNotFound), nil
		}
		verifierErrCounter.Inc()
		return VerificationResult{}, errors.Wrapf(err, "fetch transaction %s", signature)
	}

	result.payer = record.FeePayer
	if result.payer.IsZero() && len(record.AccountKeys) > 0 {
		result.payer = record.AccountKeys[0]
	}

	if record.Err != nil {
		return v.reject(ctx, result, DetailOnChainFailure), nil
	}
	if !expected.Reference.IsZero() && !lo.Contains(record.AccountKeys, expected.Reference) {
		return v.reject(ctx, result, DetailReferenceMismatch), nil
	}

	account, err := TokenAccount(payee, v.settings.Mint)
	if err != nil {
		return VerificationResult{}, err
	}
	pre, post, found := v.payeeBalances(record, account, payee)
	if !found {
		return v.reject(ctx, result, DetailBalancesUnavailable), nil
	}

	delta := FromUnits(post.Amount, post.Decimals).Sub(FromUnits(pre.Amount, pre.Decimals))
	result.observed = decimal.NewNullDecimal(delta)

	if delta.Sub(expected.Amount).Abs().GreaterThanOrEqual(v.settings.Tolerance) {
		return v.reject(ctx, result, fmt.Sprintf("amount mismatch: expected %s, got %s", expected.Amount, delta)), nil
	}

	result.verified = true
	verifierVerifiedCounter.Inc()
	v.logger.InfoContext(ctx, "Transaction verified",
		"signature", signature.String(),
		"amount", delta.String(),
		"payer", result.payer.String(),
	)
	return result, nil
}

// payeeBalances returns the pre and post snapshots of a single payee token
// account. The associated account is preferred; otherwise the first account
// of owner holding the configured mint that has both snapshots is used.
func (v *Verifier) payeeBalances(record *TransactionRecord, account, owner solana.PublicKey) (TokenBalance, TokenBalance, bool) {
	if pre, post, ok := balancesOf(record, account); ok {
		return pre, post, true
	}

	for _, candidate := range record.PostTokenBalances {
		if candidate.Account.Equals(account) || !candidate.Owner.Equals(owner) || !candidate.Mint.Equals(v.settings.Mint) {
			continue
		}
		if pre, post, ok := balancesOf(record, candidate.Account); ok {
			return pre, post, true
		}
	}
	return TokenBalance{}, TokenBalance{}, false
}

func balancesOf(record *TransactionRecord, account solana.PublicKey) (TokenBalance, TokenBalance, bool) {
	byAccount := func(b TokenBalance) bool { return b.Account.Equals(account) }
	pre, preFound := lo.Find(record.PreTokenBalances, byAccount)
	post, postFound := lo.Find(record.PostTokenBalances, byAccount)
	return pre, post, preFound && postFound
}

func (v *Verifier) reject(ctx context.Context, result VerificationResult, detail string) VerificationResult {
	result.verified = false
	result.detail = detail
	verifierRejectedCounter.Inc()
	v.logger.WarnContext(ctx, "Transaction rejected",
		"signature", result.signature.String(),
		"detail", detail,
	)
	return result
}

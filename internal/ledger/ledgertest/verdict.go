package ledgertest

import (
	"context"
	"io"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"

	"solapay/internal/ledger"
)

// Verdict records t on a fresh ledger and verifies it against expected with a
// real Verifier, for tests that need a ledger.VerificationResult.
func Verdict(t Transfer, expected decimal.Decimal) (ledger.VerificationResult, error) {
	if t.Signature == (solana.Signature{}) {
		t.Signature = NewSignature()
	}

	fake := New()
	fake.AddTransaction(t.Record())

	settings := ledger.Settings{
		Payee:      t.Payee,
		Mint:       t.Mint,
		Decimals:   t.Decimals,
		Commitment: rpc.CommitmentConfirmed,
		Tolerance:  decimal.RequireFromString("0.01"),
	}
	verifier := ledger.NewVerifier(fake, settings, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return verifier.Verify(context.Background(), t.Signature, ledger.Expectation{Amount: expected, Reference: t.Reference})
}

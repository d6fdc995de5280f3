package ledger_test

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"io"
	"log/slog"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solapay/internal/ledger"
	"solapay/internal/ledger/ledgertest"
	"solapay/internal/model"
)

var (
	testMint  = solana.MustPublicKeyFromBase58("4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU")
	testMemo  = solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")
	discardLg = slog.New(slog.NewTextHandler(io.Discard, nil))
)

func testSettings(payee solana.PublicKey) ledger.Settings {
	return ledger.Settings{
		Payee:      payee,
		Mint:       testMint,
		Decimals:   6,
		Commitment: rpc.CommitmentConfirmed,
		Tolerance:  decimal.RequireFromString("0.01"),
	}
}

func pendingIntent(amount string) *model.PaymentIntent {
	return &model.PaymentIntent{
		ExternalID: "sp_1700000000000_abc123",
		Amount:     decimal.RequireFromString(amount),
		Status:     model.StatusPending,
	}
}

func programInstructions(tx *solana.Transaction, program solana.PublicKey) []solana.CompiledInstruction {
	var result []solana.CompiledInstruction
	for _, ix := range tx.Message.Instructions {
		if tx.Message.AccountKeys[ix.ProgramIDIndex].Equals(program) {
			result = append(result, ix)
		}
	}
	return result
}

func TestBuilder_BuildTransfer(t *testing.T) {
	payer := ledgertest.NewAddress()
	payee := ledgertest.NewAddress()
	payerAccount, err := ledger.TokenAccount(payer, testMint)
	require.NoError(t, err)
	payeeAccount, err := ledger.TokenAccount(payee, testMint)
	require.NoError(t, err)

	tests := []struct {
		name            string
		amount          string
		tax             string
		existing        []solana.PublicKey
		expectedUnits   uint64
		expectedCreates int
	}{
		{
			name:          "Both accounts exist",
			amount:        "25",
			existing:      []solana.PublicKey{payerAccount, payeeAccount},
			expectedUnits: 25_000_000,
		},
		{
			name:          "Tax is added to principal",
			amount:        "10",
			tax:           "0.825",
			existing:      []solana.PublicKey{payerAccount, payeeAccount},
			expectedUnits: 10_825_000,
		},
		{
			name:          "Fraction below smallest unit is rounded down",
			amount:        "10.1234567",
			existing:      []solana.PublicKey{payerAccount, payeeAccount},
			expectedUnits: 10_123_456,
		},
		{
			name:            "Payee account is created by payer",
			amount:          "1",
			existing:        []solana.PublicKey{payerAccount},
			expectedUnits:   1_000_000,
			expectedCreates: 1,
		},
		{
			name:            "Both accounts are created",
			amount:          "1",
			expectedUnits:   1_000_000,
			expectedCreates: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := ledgertest.New()
			for _, account := range tt.existing {
				fake.AddAccount(account)
			}
			intent := pendingIntent(tt.amount)
			if tt.tax != "" {
				intent.TaxAmount = decimal.NewNullDecimal(decimal.RequireFromString(tt.tax))
			}

			builder := ledger.NewBuilder(fake, testSettings(payee), discardLg)
			unsigned, err := builder.BuildTransfer(context.Background(), payer.String(), intent)
			require.NoError(t, err)

			tx := unsigned.Transaction
			assert.Equal(t, payer, tx.Message.AccountKeys[0], "payer must be fee payer")
			assert.Equal(t, fake.Blockhash.Hash, tx.Message.RecentBlockhash)
			assert.Equal(t, fake.Blockhash.LastValidBlockHeight, unsigned.LastValidBlockHeight)
			assert.Equal(t, tt.expectedUnits, unsigned.Units)
			assert.Empty(t, tx.Signatures)

			creates := programInstructions(tx, solana.SPLAssociatedTokenAccountProgramID)
			assert.Len(t, creates, tt.expectedCreates)

			transfers := programInstructions(tx, solana.TokenProgramID)
			require.Len(t, transfers, 1)
			data := transfers[0].Data
			require.Len(t, data, 10)
			assert.Equal(t, uint64(tt.expectedUnits), binary.LittleEndian.Uint64(data[1:9]))
			assert.Equal(t, uint8(6), data[9])

			reference := ledger.Reference(intent.ExternalID)
			assert.Equal(t, reference, unsigned.Reference)
			assert.False(t, tx.Message.IsSigner(reference))
			last := transfers[0].Accounts[len(transfers[0].Accounts)-1]
			assert.Equal(t, reference, tx.Message.AccountKeys[last])

			memos := programInstructions(tx, testMemo)
			require.Len(t, memos, 1)
			assert.Equal(t, "SolaPay:"+intent.ExternalID, string(memos[0].Data))

			encoded, err := unsigned.Base64()
			require.NoError(t, err)
			_, err = base64.StdEncoding.DecodeString(encoded)
			assert.NoError(t, err)
		})
	}
}

func TestBuilder_BuildTransfer_Errors(t *testing.T) {
	payee := ledgertest.NewAddress()

	tests := []struct {
		name     string
		payer    string
		intent   func() *model.PaymentIntent
		settings ledger.Settings
		expected error
	}{
		{
			name:     "Invalid payer address",
			payer:    "not-a-key",
			intent:   func() *model.PaymentIntent { return pendingIntent("1") },
			settings: testSettings(payee),
			expected: ledger.ErrInvalidAddress,
		},
		{
			name:     "Empty payer address",
			payer:    "",
			intent:   func() *model.PaymentIntent { return pendingIntent("1") },
			settings: testSettings(payee),
			expected: ledger.ErrInvalidAddress,
		},
		{
			name:  "Completed intent",
			payer: ledgertest.NewAddress().String(),
			intent: func() *model.PaymentIntent {
				intent := pendingIntent("1")
				intent.Status = model.StatusCompleted
				return intent
			},
			settings: testSettings(payee),
			expected: ledger.ErrInvalidState,
		},
		{
			name:  "Failed intent",
			payer: ledgertest.NewAddress().String(),
			intent: func() *model.PaymentIntent {
				intent := pendingIntent("1")
				intent.Status = model.StatusFailed
				return intent
			},
			settings: testSettings(payee),
			expected: ledger.ErrInvalidState,
		},
		{
			name:     "Missing payee",
			payer:    ledgertest.NewAddress().String(),
			intent:   func() *model.PaymentIntent { return pendingIntent("1") },
			settings: testSettings(solana.PublicKey{}),
			expected: ledger.ErrConfigurationMissing,
		},
		{
			name:   "Missing mint",
			payer:  ledgertest.NewAddress().String(),
			intent: func() *model.PaymentIntent { return pendingIntent("1") },
			settings: func() ledger.Settings {
				s := testSettings(payee)
				s.Mint = solana.PublicKey{}
				return s
			}(),
			expected: ledger.ErrConfigurationMissing,
		},
		{
			name:     "Payer is payee",
			payer:    payee.String(),
			intent:   func() *model.PaymentIntent { return pendingIntent("1") },
			settings: testSettings(payee),
			expected: ledger.ErrInvalidAddress,
		},
		{
			name:     "Zero total",
			payer:    ledgertest.NewAddress().String(),
			intent:   func() *model.PaymentIntent { return pendingIntent("0") },
			settings: testSettings(payee),
			expected: ledger.ErrInvalidAmount,
		},
		{
			name:     "Total below smallest unit",
			payer:    ledgertest.NewAddress().String(),
			intent:   func() *model.PaymentIntent { return pendingIntent("0.0000001") },
			settings: testSettings(payee),
			expected: ledger.ErrInvalidAmount,
		},
		{
			name:     "Total beyond transferable units",
			payer:    ledgertest.NewAddress().String(),
			intent:   func() *model.PaymentIntent { return pendingIntent("18446744073709.551617") },
			settings: testSettings(payee),
			expected: ledger.ErrInvalidAmount,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := ledgertest.New()
			builder := ledger.NewBuilder(fake, tt.settings, discardLg)

			unsigned, err := builder.BuildTransfer(context.Background(), tt.payer, tt.intent())
			assert.Nil(t, unsigned)
			assert.ErrorIs(t, err, tt.expected)
		})
	}
}

func TestBuilder_BuildTransfer_LedgerError(t *testing.T) {
	fake := ledgertest.New()
	fake.BlockhashErr = errors.New("node unavailable")

	builder := ledger.NewBuilder(fake, testSettings(ledgertest.NewAddress()), discardLg)
	_, err := builder.BuildTransfer(context.Background(), ledgertest.NewAddress().String(), pendingIntent("5"))

	assert.ErrorContains(t, err, "node unavailable")
}

func TestParseAddress_KeepsDecoderErrorOutOfMessage(t *testing.T) {
	_, err := ledger.ParseAddress("0OIl-not-base58")

	require.ErrorIs(t, err, ledger.ErrInvalidAddress)
	assert.Equal(t, `invalid ledger address: "0OIl-not-base58"`, err.Error())

	var addrErr *ledger.AddressError
	require.True(t, errors.As(err, &addrErr))
	assert.Error(t, addrErr.Reason)
	assert.NotContains(t, err.Error(), addrErr.Reason.Error())
}

func TestReference_Deterministic(t *testing.T) {
	first := ledger.Reference("sp_1_a")
	assert.Equal(t, first, ledger.Reference("sp_1_a"))
	assert.NotEqual(t, first, ledger.Reference("sp_1_b"))
	assert.True(t, first.IsOnCurve())
}

func TestToUnits(t *testing.T) {
	tests := []struct {
		amount   string
		expected uint64
	}{
		{"1.5", 1_500_000},
		{"0.0000019", 1},
		{"-3", 0},
		{"18446744073709.551615", 18_446_744_073_709_551_615},
	}
	for _, tt := range tests {
		units, err := ledger.ToUnits(decimal.RequireFromString(tt.amount), 6)
		require.NoError(t, err, tt.amount)
		assert.Equal(t, tt.expected, units, tt.amount)
	}

	_, err := ledger.ToUnits(decimal.RequireFromString("18446744073709.551616"), 6)
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
	assert.True(t, decimal.RequireFromString("12.345678").Equal(ledger.FromUnits(12_345_678, 6)))
}

// Package ledger builds, confirms and verifies SPL token transfers on Solana.
//
// Nothing in this package caches ledger state: every confirmation and
// verification re-reads the network through a Client.
package ledger

import (
	"context"
	"math/big"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"solapay/internal/config"
)

var (
	ErrInvalidAddress       = errors.New("invalid ledger address")
	ErrInvalidState         = errors.New("payment intent is not pending")
	ErrInvalidAmount        = errors.New("invalid total payable")
	ErrConfigurationMissing = errors.New("ledger configuration missing")
	ErrTransactionNotFound  = errors.New("transaction not found")
)

// Client is the read side of the Solana JSON-RPC API used by the payment
// pipeline.
type Client interface {
	LatestBlockhash(ctx context.Context) (Blockhash, error)
	AccountExists(ctx context.Context, address solana.PublicKey) (bool, error)
	// SignatureStatus returns nil when the network has not seen the signature.
	SignatureStatus(ctx context.Context, signature solana.Signature) (*SignatureStatus, error)
	// Transaction returns ErrTransactionNotFound when the network has no record.
	Transaction(ctx context.Context, signature solana.Signature) (*TransactionRecord, error)
}

type Blockhash struct {
	Hash                 solana.Hash
	LastValidBlockHeight uint64
}

type SignatureStatus struct {
	ConfirmationStatus rpc.ConfirmationStatusType
	// Err is the on-chain execution error, nil on success.
	Err any
}

type TokenBalance struct {
	Account  solana.PublicKey
	Owner    solana.PublicKey
	Mint     solana.PublicKey
	Amount   uint64
	Decimals uint8
}

type TransactionRecord struct {
	Signature   solana.Signature
	Slot        uint64
	BlockTime   *time.Time
	FeePayer    solana.PublicKey
	AccountKeys []solana.PublicKey
	// Err is the on-chain execution error, nil on success.
	Err               any
	PreTokenBalances  []TokenBalance
	PostTokenBalances []TokenBalance
}

// Settings describe the payee side of every transfer. A zero Payee or Mint
// means the value was never configured.
type Settings struct {
	Payee      solana.PublicKey
	Mint       solana.PublicKey
	Decimals   uint8
	Commitment rpc.CommitmentType
	Tolerance  decimal.Decimal
}

func NewSettings(cfg config.Solana) (Settings, error) {
	settings := Settings{
		Decimals:   cfg.TokenDecimals,
		Commitment: rpc.CommitmentType(cfg.Commitment),
	}
	if settings.Commitment == "" {
		settings.Commitment = rpc.CommitmentConfirmed
	}

	var err error
	if cfg.PayeeAddress != "" {
		if settings.Payee, err = ParseAddress(cfg.PayeeAddress); err != nil {
			return Settings{}, errors.Wrapf(err, "solana.payee-address (%v)", addressReason(err))
		}
	}
	if cfg.TokenMint != "" {
		if settings.Mint, err = ParseAddress(cfg.TokenMint); err != nil {
			return Settings{}, errors.Wrapf(err, "solana.token-mint (%v)", addressReason(err))
		}
	}
	if settings.Tolerance, err = cfg.Tolerance(); err != nil {
		return Settings{}, err
	}

	return settings, nil
}

func addressReason(err error) error {
	var addrErr *AddressError
	if errors.As(err, &addrErr) {
		return addrErr.Reason
	}
	return err
}

func (s Settings) validate() error {
	if s.Payee.IsZero() {
		return errors.Wrap(ErrConfigurationMissing, "payee address")
	}
	if s.Mint.IsZero() {
		return errors.Wrap(ErrConfigurationMissing, "token mint")
	}
	return nil
}

// ToUnits converts amount to the token's smallest denomination, rounding
// down any remainder below it. Amounts that do not fit a token transfer fail
// with ErrInvalidAmount.
func ToUnits(amount decimal.Decimal, decimals uint8) (uint64, error) {
	units := amount.Shift(int32(decimals)).Floor()
	if units.Sign() <= 0 {
		return 0, nil
	}
	raw := units.BigInt()
	if !raw.IsUint64() {
		return 0, errors.Wrapf(ErrInvalidAmount, "%s exceeds the largest transferable amount", amount)
	}
	return raw.Uint64(), nil
}

func FromUnits(units uint64, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(units), -int32(decimals))
}

package payment

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"solapay/internal/db"
	"solapay/internal/ledger"
	"solapay/internal/model"
)

var (
	ErrInvalidAddress       = errors.New("invalid wallet address")
	ErrInvalidSignature     = errors.New("invalid transaction signature")
	ErrMissingFields        = errors.New("invalid or missing fields")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrNotFound             = errors.New("payment not found")
	ErrInvalidState         = errors.New("payment is not pending")
	ErrSignatureReused      = errors.New("transaction already settled another payment")
	ErrConfigurationMissing = errors.New("payment configuration missing")
	ErrConfirmationTimeout  = errors.New("transaction not confirmed yet, try again later")
	ErrVerificationFailed   = errors.New("payment verification failed")
	ErrLedgerUnavailable    = errors.New("ledger temporarily unavailable")
)

// VerificationError is a terminal verdict against a payment. It matches
// ErrVerificationFailed.
type VerificationError struct {
	Payment   *model.PaymentIntent
	Signature string
	Expected  decimal.Decimal
	Observed  decimal.NullDecimal
	Detail    string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("payment %s: %s", e.Payment.ExternalID, e.Detail)
}

func (e *VerificationError) Is(target error) bool {
	return target == ErrVerificationFailed
}

// recordedFailure rebuilds the verdict stored on a failed intent.
func recordedFailure(p *model.PaymentIntent) *VerificationError {
	verr := &VerificationError{
		Payment:  p,
		Expected: p.Total(),
		Observed: p.ReceivedAmount,
		Detail:   "payment failed",
	}
	if p.TxSignature != nil {
		verr.Signature = *p.TxSignature
	}
	if p.FailureReason != nil {
		verr.Detail = *p.FailureReason
	}
	return verr
}

// translate maps store and ledger errors onto this package's kinds. Anything
// unrecognized is treated as the ledger being unreachable when it came from a
// ledger call.
func translate(err error, fromLedger bool) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledger.ErrInvalidAddress):
		return errors.Wrap(ErrInvalidAddress, err.Error())
	case errors.Is(err, ledger.ErrInvalidState), errors.Is(err, db.ErrNotPending), errors.Is(err, db.ErrTotalChanged):
		return errors.Wrap(ErrInvalidState, err.Error())
	case errors.Is(err, ledger.ErrInvalidAmount):
		return errors.Wrap(ErrInvalidAmount, err.Error())
	case errors.Is(err, ledger.ErrConfigurationMissing):
		return errors.Wrap(ErrConfigurationMissing, err.Error())
	case errors.Is(err, db.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, db.ErrSignatureReused):
		return errors.Wrap(ErrSignatureReused, err.Error())
	case fromLedger:
		return errors.Wrap(ErrLedgerUnavailable, err.Error())
	default:
		return err
	}
}

package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/pkg/errors"
)

type ConfirmationState int

const (
	ConfirmationPending ConfirmationState = iota
	ConfirmationConfirmed
	ConfirmationFailed
	ConfirmationExhausted
)

func (s ConfirmationState) String() string {
	switch s {
	case ConfirmationConfirmed:
		return "confirmed"
	case ConfirmationFailed:
		return "failed"
	case ConfirmationExhausted:
		return "exhausted"
	default:
		return "pending"
	}
}

var (
	waiterConfirmedCounter = metrics.GetOrCreateCounter(`ledger_confirmation_total{result="confirmed"}`)
	waiterFailedCounter    = metrics.GetOrCreateCounter(`ledger_confirmation_total{result="failed"}`)
	waiterExhaustedCounter = metrics.GetOrCreateCounter(`ledger_confirmation_total{result="exhausted"}`)
	waiterQueryErrCounter  = metrics.GetOrCreateCounter(`ledger_confirmation_query_errors_total`)

	waiterAttemptsHistogram = metrics.GetOrCreateHistogram(`ledger_confirmation_attempts`)
)

var (
	errNotVisible = errors.New("signature not yet visible")
	errNotReached = errors.New("commitment not yet reached")
)

type Confirmation struct {
	State    ConfirmationState
	Attempts int
	// OnChainErr is set when State is ConfirmationFailed.
	OnChainErr any
}

func (c Confirmation) Confirmed() bool {
	return c.State == ConfirmationConfirmed
}

// Waiter polls signature status until the transaction settles one way or
// the other, or the attempt budget runs out.
type Waiter struct {
	client     Client
	commitment rpc.CommitmentType
	interval   time.Duration
	logger     *slog.Logger
}

func NewWaiter(client Client, commitment rpc.CommitmentType, interval time.Duration, logger *slog.Logger) *Waiter {
	return &Waiter{client: client, commitment: commitment, interval: interval, logger: logger}
}

// Await blocks until signature reaches a terminal state or maxAttempts status
// queries have been made. Query errors and unseen signatures use up an attempt.
// A cancelled ctx ends the wait as ConfirmationExhausted together with
// ctx.Err().
func (w *Waiter) Await(ctx context.Context, signature solana.Signature, maxAttempts int) (Confirmation, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	result := Confirmation{State: ConfirmationPending}
	poll := func() error {
		result.Attempts++

		status, err := w.client.SignatureStatus(ctx, signature)
		switch {
		case err != nil:
			waiterQueryErrCounter.Inc()
			w.logger.WarnContext(ctx, "Signature status query failed",
				"attempt", result.Attempts, "maxAttempts", maxAttempts, "error", err)
			return err
		case status == nil:
			w.logger.DebugContext(ctx, "Signature not yet visible", "attempt", result.Attempts)
			return errNotVisible
		case status.Err != nil:
			result.State = ConfirmationFailed
			result.OnChainErr = status.Err
			return nil
		case w.reached(status.ConfirmationStatus):
			result.State = ConfirmationConfirmed
			return nil
		default:
			return errNotReached
		}
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(w.interval), uint64(maxAttempts-1)),
		ctx,
	)
	err := backoff.Retry(poll, policy)

	if result.State == ConfirmationPending {
		result.State = ConfirmationExhausted
	}
	w.record(ctx, result)

	if err != nil && ctx.Err() != nil {
		return result, ctx.Err()
	}
	return result, nil
}

func (w *Waiter) reached(status rpc.ConfirmationStatusType) bool {
	switch status {
	case rpc.ConfirmationStatusFinalized:
		return true
	case rpc.ConfirmationStatusConfirmed:
		return w.commitment != rpc.CommitmentFinalized
	default:
		return false
	}
}

func (w *Waiter) record(ctx context.Context, result Confirmation) {
	waiterAttemptsHistogram.Update(float64(result.Attempts))

	switch result.State {
	case ConfirmationConfirmed:
		waiterConfirmedCounter.Inc()
		w.logger.InfoContext(ctx, "Transaction confirmed", "attempts", result.Attempts)
	case ConfirmationFailed:
		waiterFailedCounter.Inc()
		w.logger.WarnContext(ctx, "Transaction failed on-chain", "attempts", result.Attempts, "error", result.OnChainErr)
	case ConfirmationExhausted:
		waiterExhaustedCounter.Inc()
		w.logger.WarnContext(ctx, "Confirmation attempts exhausted", "attempts", result.Attempts)
	}
}

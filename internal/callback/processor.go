package callback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"solapay/internal/config"
	"solapay/internal/db"
	"solapay/internal/logcontext"
	"solapay/internal/message"
)

var (
	processorDeliveredCounter   = metrics.GetOrCreateCounter(`callback_processor_total{result="delivered"}`)
	processorRescheduledCounter = metrics.GetOrCreateCounter(`callback_processor_total{result="rescheduled"}`)
	processorMaxAttemptsCounter = metrics.GetOrCreateCounter(`callback_processor_total{result="max_attempts_reached"}`)
	processorSkippedCounter     = metrics.GetOrCreateCounter(`callback_processor_total{result="already_delivered"}`)
	processorErrorCounter       = metrics.GetOrCreateCounter(`callback_processor_total{result="db_error"}`)
)

type Processor struct {
	repo        *db.CallbackRepository
	sender      *Sender
	sem         chan struct{}
	wg          sync.WaitGroup
	retryDelay  time.Duration
	maxAttempts int
	logger      *slog.Logger
}

func NewProcessor(repo *db.CallbackRepository, sender *Sender, cfg config.CallbackProcessor, logger *slog.Logger) *Processor {
	parallelism := cfg.Parallelism
	if parallelism < 1 {
		parallelism = 1
	}
	return &Processor{
		repo:        repo,
		sender:      sender,
		sem:         make(chan struct{}, parallelism),
		retryDelay:  time.Duration(cfg.RescheduleDelayMs) * time.Millisecond,
		maxAttempts: cfg.MaxDeliveryAttempts,
		logger:      logger,
	}
}

// Process delivers msg in the background, blocking only while all delivery
// slots are taken.
func (p *Processor) Process(ctx context.Context, msg message.Callback) error {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { <-p.sem }()
		// a started delivery finishes even when the consumer is stopping
		p.Deliver(context.WithoutCancel(ctx), msg)
	}()

	return nil
}

// Wait blocks until every delivery started by Process has finished.
func (p *Processor) Wait() {
	p.wg.Wait()
}

// Deliver sends one callback while holding its outbox row lock, then records
// the outcome on the row.
func (p *Processor) Deliver(ctx context.Context, msg message.Callback) {
	ctx = logcontext.AppendCtx(ctx,
		slog.String("callbackId", msg.ID.String()),
		slog.String("paymentId", msg.PaymentID.String()),
	)

	tx, err := p.repo.BeginTx(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error starting transaction", "error", err)
		processorErrorCounter.Inc()
		return
	}
	defer tx.Rollback(ctx)

	entity, err := p.repo.SelectForUpdateByID(ctx, tx, msg.ID)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error selecting callback for update", "error", err)
		processorErrorCounter.Inc()
		return
	}
	if entity.DeliveredAt != nil {
		p.logger.InfoContext(ctx, "Callback already delivered, skipping")
		processorSkippedCounter.Inc()
		return
	}

	sendErr := p.sender.Send(ctx, entity.Url, entity.Payload)
	now := time.Now()
	entity.DeliveryAttempts++

	switch {
	case sendErr == nil:
		entity.DeliveredAt = &now
		entity.ScheduledAt = nil
		entity.Error = nil
		processorDeliveredCounter.Inc()
	case entity.DeliveryAttempts >= p.maxAttempts:
		errMsg := sendErr.Error()
		entity.Error = &errMsg
		entity.ScheduledAt = nil
		p.logger.WarnContext(ctx, "Max delivery attempts reached for callback", "error", sendErr)
		processorMaxAttemptsCounter.Inc()
	default:
		errMsg := sendErr.Error()
		entity.Error = &errMsg
		scheduledAt := now.Add(time.Duration(entity.DeliveryAttempts) * p.retryDelay)
		entity.ScheduledAt = &scheduledAt
		p.logger.WarnContext(ctx, "Error sending callback, rescheduled", "error", sendErr, "scheduledAt", scheduledAt)
		processorRescheduledCounter.Inc()
	}

	if err := p.repo.Update(ctx, tx, entity); err != nil {
		p.logger.ErrorContext(ctx, "Error updating callback", "error", err)
		processorErrorCounter.Inc()
		return
	}
	if err := tx.Commit(ctx); err != nil {
		p.logger.ErrorContext(ctx, "Error committing transaction", "error", err)
		processorErrorCounter.Inc()
	}
}

// Package callback relays settlement outcomes from the outbox table to
// merchant callback URLs through Kafka.
package callback

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"solapay/internal/config"
	"solapay/internal/db"
	"solapay/internal/logcontext"
	"solapay/internal/message"
)

var (
	// producer batch metrics
	producerErrorFetchingCounter = metrics.GetOrCreateCounter(`callback_producer_total{result="fetching_failed"}`)
	producerErrorKafkaCounter    = metrics.GetOrCreateCounter(`callback_producer_total{result="publish_failed"}`)
	producerErrorUpdateCounter   = metrics.GetOrCreateCounter(`callback_producer_total{result="db_update_failed"}`)
	producerSuccessCounter       = metrics.GetOrCreateCounter(`callback_producer_total{result="success"}`)

	producerProcessDurationHistogram = metrics.GetOrCreateHistogram(`callback_producer_duration_milliseconds`)

	// producer per message metrics
	producerMessagesPublishedCounter   = metrics.GetOrCreateCounter(`callback_producer_messages_total{result="published"}`)
	producerMessagesMaxAttemptsCounter = metrics.GetOrCreateCounter(`callback_producer_messages_total{result="max_attempts_reached"}`)
	producerMessagesRescheduledCounter = metrics.GetOrCreateCounter(`callback_producer_messages_total{result="rescheduled"}`)
)

// Writer is the part of *kafka.Writer the producer needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Producer struct {
	repo               *db.CallbackRepository
	writer             Writer
	pollingInterval    time.Duration
	fetchSize          int
	retryDelay         time.Duration
	maxPublishAttempts int
	logger             *slog.Logger
}

func NewProducer(repo *db.CallbackRepository, writer Writer, cfg config.CallbackProducer, logger *slog.Logger) *Producer {
	return &Producer{
		repo:               repo,
		writer:             writer,
		pollingInterval:    time.Duration(cfg.PollingIntervalMs) * time.Millisecond,
		fetchSize:          cfg.FetchSize,
		retryDelay:         time.Duration(cfg.RescheduleDelayMs) * time.Millisecond,
		maxPublishAttempts: cfg.MaxPublishAttempts,
		logger:             logger,
	}
}

// Run polls the outbox until ctx is done.
func (p *Producer) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.pollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.Poll(ctx)
		case <-ctx.Done():
			p.logger.InfoContext(ctx, "Context done, stopping producer")
			return nil
		}
	}
}

// Poll publishes one batch of due callbacks.
func (p *Producer) Poll(ctx context.Context) {
	startTime := time.Now()
	defer func() {
		producerProcessDurationHistogram.Update(float64(time.Since(startTime).Milliseconds()))
	}()

	// set runId as a correlation id for all logs in scope
	ctx = logcontext.AppendCtx(ctx, slog.String("runId", uuid.New().String()))

	tx, err := p.repo.BeginTx(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error starting transaction", "error", err)
		producerErrorFetchingCounter.Inc()
		return
	}
	defer tx.Rollback(ctx)

	callbacks, err := p.repo.GetUnprocessedCallbacks(ctx, tx, p.fetchSize)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error fetching unprocessed callbacks", "error", err)
		producerErrorFetchingCounter.Inc()
		return
	}

	if len(callbacks) == 0 {
		p.logger.DebugContext(ctx, "No unprocessed callbacks found")
		producerSuccessCounter.Inc()
		return
	}

	p.logger.InfoContext(ctx, "Writing messages to Kafka", "count", len(callbacks))
	publishErr := p.writer.WriteMessages(ctx, p.toKafkaMessages(callbacks)...)
	if publishErr != nil {
		p.logger.ErrorContext(ctx, "Error writing messages to Kafka", "error", publishErr)
		producerErrorKafkaCounter.Inc()
	}

	now := time.Now()
	for _, callback := range callbacks {
		messageCtx := logcontext.AppendCtx(ctx, slog.String("callbackId", callback.ID.String()))

		callback.PublishAttempts++

		if publishErr != nil {
			errMsg := publishErr.Error()
			callback.Error = &errMsg

			if callback.PublishAttempts >= p.maxPublishAttempts {
				p.logger.WarnContext(messageCtx, "Max publish attempts reached for callback")
				callback.ScheduledAt = nil

				producerMessagesMaxAttemptsCounter.Inc()
			} else {
				scheduledAt := now.Add(time.Duration(callback.PublishAttempts) * p.retryDelay)
				callback.ScheduledAt = &scheduledAt

				producerMessagesRescheduledCounter.Inc()
			}
		} else {
			callback.ScheduledAt = nil
			callback.PublishedAt = &now
			callback.Error = nil

			producerMessagesPublishedCounter.Inc()
		}

		if err := p.repo.Update(messageCtx, tx, callback); err != nil {
			p.logger.ErrorContext(messageCtx, "Error updating callback", "error", err)
			producerErrorUpdateCounter.Inc()
			return
		}
	}

	if err := tx.Commit(ctx); err != nil {
		p.logger.ErrorContext(ctx, "Error committing transaction", "error", err)
		producerErrorUpdateCounter.Inc()
		return
	}

	producerSuccessCounter.Inc()
}

func (p *Producer) toKafkaMessages(callbacks []*db.CallbackMessageEntity) []kafka.Message {
	kafkaMessages := make([]kafka.Message, 0, len(callbacks))

	for _, entity := range callbacks {
		messageBytes, _ := json.Marshal(message.Callback{
			ID:        entity.ID,
			PaymentID: entity.PaymentID,
			Url:       entity.Url,
			Payload:   entity.Payload,
			Attempts:  entity.DeliveryAttempts,
		})

		kafkaMessages = append(kafkaMessages, kafka.Message{
			Key:   []byte(entity.PaymentID.String()), // payment id as key keeps per-payment ordering
			Value: messageBytes,
		})
	}
	return kafkaMessages
}

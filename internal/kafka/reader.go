package kafka

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"

	"github.com/VictoriaMetrics/metrics"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"solapay/internal/config"
	"solapay/internal/message"
)

type Metrics struct {
	ReadErrorCounter      *metrics.Counter
	UnmarshalErrorCounter *metrics.Counter
	ProcessErrorCounter   *metrics.Counter
	SuccessCounter        *metrics.Counter
}

var callbackMessageMetrics = Metrics{
	ReadErrorCounter:      metrics.GetOrCreateCounter(`kafka_reader_total{result="read_error",type="callback_message"}`),
	UnmarshalErrorCounter: metrics.GetOrCreateCounter(`kafka_reader_total{result="unmarshal_error",type="callback_message"}`),
	ProcessErrorCounter:   metrics.GetOrCreateCounter(`kafka_reader_total{result="process_error",type="callback_message"}`),
	SuccessCounter:        metrics.GetOrCreateCounter(`kafka_reader_total{result="success",type="callback_message"}`),
}

// MessageReader is the part of *kafka.Reader the consume loop needs.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

type CallbackProcessor interface {
	Process(ctx context.Context, msg message.Callback) error
}

func NewReader(cfg config.Kafka) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: strings.Split(cfg.Broker.URL, ","),
		GroupID: cfg.Reader.GroupID,
		Topic:   cfg.Topic.CallbackMessages,
	})
}

// ReadCallbackMessages hands every callback record to processor until ctx
// is done.
func ReadCallbackMessages(ctx context.Context, reader MessageReader, processor CallbackProcessor, logger *slog.Logger) error {
	return readMessages(ctx, reader, logger, func(ctx context.Context, value []byte) error {
		var c message.Callback
		if err := json.Unmarshal(value, &c); err != nil {
			callbackMessageMetrics.UnmarshalErrorCounter.Inc()
			return errors.Wrap(err, "unmarshal callback message")
		}
		return processor.Process(ctx, c)
	}, callbackMessageMetrics)
}

func readMessages(ctx context.Context, reader MessageReader, logger *slog.Logger, process func(context.Context, []byte) error, kafkaMetrics Metrics) error {
	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				logger.InfoContext(ctx, "Reader stopped")
				return nil
			}
			logger.ErrorContext(ctx, "Error reading message", "error", err)
			kafkaMetrics.ReadErrorCounter.Inc()
			continue
		}
		logger.DebugContext(ctx, "Received message", "topic", m.Topic, "offset", m.Offset)

		if err := process(ctx, m.Value); err != nil {
			logger.ErrorContext(ctx, "Error processing message", "error", err)
			kafkaMetrics.ProcessErrorCounter.Inc()
			continue
		}
		kafkaMetrics.SuccessCounter.Inc()
	}
}

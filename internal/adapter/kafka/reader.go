// Package kafka adapts the staging feed and the update-notice sink to the
// pipeline's extractor and writer interfaces.
package kafka

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/crisismesh/disaster-dedup-service/internal/config"
	"github.com/crisismesh/disaster-dedup-service/internal/domain"
	kafkago "github.com/segmentio/kafka-go"
)

// fetchWait bounds how long ExtractBatch waits for further messages once the
// first one has arrived, so partially filled batches still flow.
const fetchWait = 500 * time.Millisecond

// Reader consumes raw reports from the staging topic.
// It implements pipeline.BatchExtractor.
type Reader struct {
	reader *kafkago.Reader
	logger *slog.Logger
}

// NewReader creates a consumer-group reader for the configured source topic.
func NewReader(cfg *config.Config, logger *slog.Logger) *Reader {
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaSourceTopic,
		GroupID:  cfg.KafkaGroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &Reader{reader: r, logger: logger}
}

// ExtractBatch reads up to batchSize messages. It blocks for the first
// message, then drains whatever arrives within fetchWait. Offsets are not
// committed here; each message carries a Commit callback the pipeline invokes
// for the contiguous prefix of terminal outcomes per partition.
func (r *Reader) ExtractBatch(ctx context.Context, batchSize int) ([]domain.RawEvent, error) {
	first, err := r.reader.FetchMessage(ctx)
	if err != nil {
		return nil, err
	}

	batch := []domain.RawEvent{r.mapMessage(first)}

	drainCtx, cancel := context.WithTimeout(ctx, fetchWait)
	defer cancel()

	for len(batch) < batchSize {
		msg, err := r.reader.FetchMessage(drainCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				break
			}
			r.logger.Warn("fetch message failed mid-batch", "error", err)
			break
		}
		batch = append(batch, r.mapMessage(msg))
	}

	return batch, nil
}

func (r *Reader) mapMessage(msg kafkago.Message) domain.RawEvent {
	return mapMessageToRawEvent(msg, func(ctx context.Context) error {
		return r.reader.CommitMessages(ctx, msg)
	})
}

// mapMessageToRawEvent converts a Kafka message into the domain envelope.
func mapMessageToRawEvent(msg kafkago.Message, commit func(ctx context.Context) error) domain.RawEvent {
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	return domain.RawEvent{
		Key:       msg.Key,
		Value:     msg.Value,
		Headers:   headers,
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Timestamp: msg.Time,
		Commit:    commit,
	}
}

func (r *Reader) Close() error {
	return r.reader.Close()
}

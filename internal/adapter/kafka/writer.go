package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/crisismesh/disaster-dedup-service/internal/config"
	"github.com/crisismesh/disaster-dedup-service/internal/domain"
	kafkago "github.com/segmentio/kafka-go"
)

// Writer publishes master-event update notices to the sink topic.
// It implements pipeline.NoticeWriter.
type Writer struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for the configured sink topic.
func NewWriter(cfg *config.Config, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaSinkTopic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{writer: w, logger: logger}
}

// WriteNotice serializes and publishes one update notice. Keying by master
// event id keeps all updates for one event on the same partition, so
// consumers see them in order.
func (w *Writer) WriteNotice(ctx context.Context, notice domain.UpdateNotice) error {
	msg, err := serializeNotice(notice)
	if err != nil {
		return err
	}
	return w.writer.WriteMessages(ctx, msg)
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// serializeNotice marshals an UpdateNotice into a Kafka message.
func serializeNotice(notice domain.UpdateNotice) (kafkago.Message, error) {
	data, err := json.Marshal(notice)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize update notice: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(strconv.FormatInt(notice.MasterEventID, 10)),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "status", Value: []byte(notice.Status)},
			{Key: "processed_at", Value: []byte(notice.ProcessedAt.Format(time.RFC3339))},
		},
	}, nil
}

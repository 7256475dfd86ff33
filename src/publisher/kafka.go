package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"market-relay/src/logger"
	"market-relay/src/models"

	"github.com/segmentio/kafka-go"
)

// -----------------------------------------------------------------------------

// KafkaPublisher sends every triggered alert to one topic, keyed by symbol so
// a symbol's alerts stay ordered within a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
	topic  string
	Logger *logger.Logger
}

// -----------------------------------------------------------------------------

func NewKafkaPublisher(cfg models.MKafkaConfig, l *logger.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker is required")
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.AlertTopic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireOne,
		MaxAttempts:            cfg.MaxRetries,
		WriteBackoffMin:        100 * time.Millisecond,
		WriteBackoffMax:        time.Second,
		BatchTimeout:           50 * time.Millisecond,
	}

	l.Info("Kafka alert publisher ready (brokers %v, topic %s)", cfg.Brokers, cfg.AlertTopic)
	return &KafkaPublisher{writer: writer, topic: cfg.AlertTopic, Logger: l}, nil
}

// -----------------------------------------------------------------------------

func (p *KafkaPublisher) PublishAlert(ctx context.Context, trigger models.MAlertTrigger) error {
	msg, err := alertMessage(trigger)
	if err != nil {
		return err
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish alert %s: %w", trigger.Rule.ID, err)
	}
	p.Logger.Debug("Published alert %s for %s to %s", trigger.Rule.ID, trigger.Symbol, p.topic)
	return nil
}

// alertMessage uses the same JSON body clients receive in alert_triggered.
func alertMessage(trigger models.MAlertTrigger) (kafka.Message, error) {
	data, err := json.Marshal(models.MAlertTriggeredMessage{
		Type:          models.MsgAlertTriggered,
		MAlertTrigger: trigger,
	})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal alert: %w", err)
	}

	return kafka.Message{
		Key:   []byte(trigger.Symbol),
		Value: data,
		Time:  time.UnixMilli(trigger.At),
		Headers: []kafka.Header{
			{Key: "alert-kind", Value: []byte(trigger.Rule.Kind)},
		},
	}, nil
}

// -----------------------------------------------------------------------------

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

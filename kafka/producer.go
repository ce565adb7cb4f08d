package kafka

import (
	"context"
	"encoding/json"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"storyForge/pipeline"
)

type Producer interface {
	SendEvent(ctx context.Context, topic string, event pipeline.Event) error
	Close() error
}

type producer struct {
	producer sarama.SyncProducer
}

func NewProducer(brokers []string) (Producer, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true

	p, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, err
	}

	return &producer{producer: p}, nil
}

func (p *producer) SendEvent(ctx context.Context, topic string, event pipeline.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	key := event.TaskID
	if key == "" {
		key = string(event.Kind)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(data),
	}

	_, _, err = p.producer.SendMessage(msg)
	return err
}

func (p *producer) Close() error {
	return p.producer.Close()
}

// Relay forwards every bus event to the events topic until the
// subscription closes. Send failures are logged; the bus is best-effort
// and the relay must never stall it.
func Relay(ctx context.Context, p Producer, topic string, events <-chan pipeline.Event, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := p.SendEvent(ctx, topic, evt); err != nil {
				logger.Warn("Relay pipeline event",
					zap.String("kind", string(evt.Kind)),
					zap.String("task_id", evt.TaskID),
					zap.Error(err),
				)
			}
		}
	}
}

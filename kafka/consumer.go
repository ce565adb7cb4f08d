package kafka

import (
	"context"
	"encoding/json"

	"github.com/IBM/sarama"
)

// GenerateRequest is the inbound message asking for a project generation
// run: which stages to produce and at what priority.
type GenerateRequest struct {
	ProjectID string   `json:"project_id"`
	Stages    []string `json:"stages"`
	Priority  int      `json:"priority"`
}

type RequestHandler func(ctx context.Context, req *GenerateRequest) error

type Consumer struct {
	consumer sarama.ConsumerGroup
}

func NewConsumer(brokers []string, groupID string) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	config.Consumer.Offsets.Initial = sarama.OffsetOldest

	c, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, err
	}

	return &Consumer{consumer: c}, nil
}

type consumerHandler struct {
	fn  RequestHandler
	ctx context.Context
}

func (h *consumerHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *consumerHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		var req GenerateRequest
		if err := json.Unmarshal(msg.Value, &req); err != nil {
			session.MarkMessage(msg, "")
			continue
		}
		// Rejected requests are the sender's problem; the loop keeps going.
		h.fn(h.ctx, &req)
		session.MarkMessage(msg, "")
	}
	return nil
}

func (c *Consumer) Consume(ctx context.Context, topic string, handler RequestHandler) error {
	h := &consumerHandler{fn: handler, ctx: ctx}
	return c.consumer.Consume(ctx, []string{topic}, h)
}

func (c *Consumer) Close() error {
	return c.consumer.Close()
}

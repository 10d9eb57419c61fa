// Package broker wraps the message-broker client shared by event
// ingestion (L8) and the release orchestrator's outbound event (L9):
// a narrow Producer interface over sarama, plus the consumer-group run
// loop every inbound topic uses (spec.md §4.8, §5 "graceful shutdown").
package broker

import (
	"context"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"gopkg.in/Shopify/sarama.v1"
)

// Error is the error class for the broker package.
var Error = errs.Class("broker")

// Producer publishes one message to a topic. Implementations must be
// safe for concurrent use.
type Producer interface {
	SendMessage(ctx context.Context, topic, key string, value []byte) error
}

// saramaProducer adapts a sarama.SyncProducer to Producer.
type saramaProducer struct {
	producer sarama.SyncProducer
}

// NewSaramaProducer wraps an already-configured sarama.SyncProducer.
func NewSaramaProducer(producer sarama.SyncProducer) Producer {
	return &saramaProducer{producer: producer}
}

func (p *saramaProducer) SendMessage(ctx context.Context, topic, key string, value []byte) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(value),
	}
	if key != "" {
		msg.Key = sarama.StringEncoder(key)
	}
	_, _, err := p.producer.SendMessage(msg)
	if err != nil {
		return Error.Wrap(err)
	}
	return nil
}

// NewConsumerConfig returns a sarama.Config suited to the manual,
// sliding-window offset commit spec.md §4.8/§5 describes: autocommit is
// disabled so the caller controls exactly when ConsumerGroupSession.Commit
// runs.
func NewConsumerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Offsets.AutoCommit.Enable = false
	cfg.Consumer.Return.Errors = true
	return cfg
}

// RunConsumerGroup calls group.Consume in a loop until ctx is canceled,
// since a single Consume call returns whenever the group's generation
// ends (rebalance) and must be re-entered (the sarama-documented
// consumer-group usage pattern). Graceful shutdown is simply canceling
// ctx: the in-flight ConsumeClaim callback finishes its current message
// before Consume returns (spec.md §5).
func RunConsumerGroup(ctx context.Context, group sarama.ConsumerGroup, topics []string, handler sarama.ConsumerGroupHandler, log *zap.Logger) error {
	for {
		if err := group.Consume(ctx, topics, handler); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error("consumer group session ended with error", zap.Error(err), zap.Strings("topics", topics))
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

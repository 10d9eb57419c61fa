package broker_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/Shopify/sarama.v1"

	"github.com/icgc-argo/files-service/internal/broker"
	"github.com/icgc-argo/files-service/internal/testcontext"
)

// fakeSyncProducer is a hand-written sarama.SyncProducer fake.
type fakeSyncProducer struct {
	sent []*sarama.ProducerMessage
	err  error
}

func (p *fakeSyncProducer) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	if p.err != nil {
		return 0, 0, p.err
	}
	p.sent = append(p.sent, msg)
	return 0, int64(len(p.sent) - 1), nil
}

func (p *fakeSyncProducer) SendMessages(msgs []*sarama.ProducerMessage) error {
	p.sent = append(p.sent, msgs...)
	return p.err
}

func (p *fakeSyncProducer) Close() error { return nil }

func TestSaramaProducerSendsMessageWithKeyAndTopic(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fake := &fakeSyncProducer{}
	p := broker.NewSaramaProducer(fake)

	require.NoError(t, p.SendMessage(ctx, "dlq.analysisUpdates", "A1", []byte(`{"analysisId":"A1"}`)))
	require.Len(t, fake.sent, 1)
	assert.Equal(t, "dlq.analysisUpdates", fake.sent[0].Topic)
	assert.Equal(t, sarama.StringEncoder("A1"), fake.sent[0].Key)
}

func TestSaramaProducerWrapsUnderlyingError(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fake := &fakeSyncProducer{err: assertError{}}
	p := broker.NewSaramaProducer(fake)

	err := p.SendMessage(ctx, "dlq", "k", []byte("v"))
	require.Error(t, err)
}

type assertError struct{}

func (assertError) Error() string { return "boom" }

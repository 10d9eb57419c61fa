package healthcheck

import (
	"context"
	"sync"
	"time"
)

// Pinger is the narrow seam a store check needs: something that can
// report whether its backing connection is alive.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreCheck adapts a Pinger (cmd/files-service wraps its Mongo and
// Elasticsearch clients in small Pinger adapters) into a Check.
type StoreCheck struct {
	name   string
	pinger Pinger
}

// NewStoreCheck constructs a StoreCheck named name, reporting healthy
// whenever pinger.Ping succeeds.
func NewStoreCheck(name string, pinger Pinger) *StoreCheck {
	return &StoreCheck{name: name, pinger: pinger}
}

// Name implements Check.
func (c *StoreCheck) Name() string { return c.name }

// Healthy implements Check.
func (c *StoreCheck) Healthy(ctx context.Context) bool {
	return c.pinger.Ping(ctx) == nil
}

// ConsumerOffsetCheck reports a background consumer unhealthy once it
// has gone longer than MaxStaleness since its last successfully
// processed message, catching a consumer goroutine that has wedged
// without crashing the process.
type ConsumerOffsetCheck struct {
	name         string
	maxStaleness time.Duration
	now          func() time.Time

	mu       sync.Mutex
	lastSeen time.Time
}

// NewConsumerOffsetCheck constructs a ConsumerOffsetCheck named name.
// The caller must invoke MarkConsumed every time the consumer
// processes a message.
func NewConsumerOffsetCheck(name string, maxStaleness time.Duration) *ConsumerOffsetCheck {
	return &ConsumerOffsetCheck{
		name:         name,
		maxStaleness: maxStaleness,
		now:          time.Now,
		lastSeen:     time.Now(),
	}
}

// MarkConsumed records that a message was just processed.
func (c *ConsumerOffsetCheck) MarkConsumed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeen = c.now()
}

// Name implements Check.
func (c *ConsumerOffsetCheck) Name() string { return c.name }

// Healthy implements Check.
func (c *ConsumerOffsetCheck) Healthy(_ context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now().Sub(c.lastSeen) <= c.maxStaleness
}

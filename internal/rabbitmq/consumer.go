package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer pulls deliveries from one queue on its own channel
type Consumer struct {
	ch            *amqp.Channel
	queue         string
	consumerTag   string
	prefetchCount int
	exclusive     bool
	logger        *slog.Logger

	deliveries <-chan amqp.Delivery
	closeOnce  sync.Once
	done       chan struct{}
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithExclusive sets exclusive consumer mode
func WithExclusive(exclusive bool) ConsumerOption {
	return func(c *Consumer) {
		c.exclusive = exclusive
	}
}

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.consumerTag = tag
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer opens a channel and starts consuming queue with manual acks.
// When setup is given it runs on the consumer's channel first and may
// replace the queue name, which is how private topic queues are bound.
func NewConsumer(conn *Connection, queue string, setup func(ch *amqp.Channel) (string, error), options ...ConsumerOption) (*Consumer, error) {
	c := &Consumer{
		queue:         queue,
		consumerTag:   "gofer-" + uuid.NewString(),
		prefetchCount: 10,
		logger:        slog.Default(),
		done:          make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		ch.Close()
		return nil, c.fail("qos", err)
	}
	if setup != nil {
		name, err := setup(ch)
		if err != nil {
			ch.Close()
			return nil, err
		}
		c.queue = name
	}

	deliveries, err := ch.Consume(
		c.queue,
		c.consumerTag,
		false, // auto-ack
		c.exclusive,
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, c.fail("consume", err)
	}

	c.ch = ch
	c.deliveries = deliveries
	c.logger.Debug("consumer started", "queue", c.queue, "consumerTag", c.consumerTag)
	return c, nil
}

// Queue returns the consumed queue name
func (c *Consumer) Queue() string {
	return c.queue
}

// Fetch waits up to timeout for the next delivery. It returns nil, nil
// when nothing arrived in time and ErrConsumerClosed once the delivery
// stream has ended.
func (c *Consumer) Fetch(ctx context.Context, timeout time.Duration) (*amqp.Delivery, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d, ok := <-c.deliveries:
		if !ok {
			return nil, c.fail("fetch", ErrConsumerClosed)
		}
		return &d, nil
	case <-timer.C:
		return nil, nil
	case <-c.done:
		return nil, c.fail("fetch", ErrConsumerClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close cancels the subscription and closes the channel. Unacked
// deliveries are requeued by the broker.
func (c *Consumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.ch.IsClosed() {
			return
		}
		if cerr := c.ch.Cancel(c.consumerTag, false); cerr != nil {
			c.logger.Warn("consumer cancel failed", "queue", c.queue, "error", cerr)
		}
		err = c.ch.Close()
	})
	return err
}

func (c *Consumer) fail(op string, err error) error {
	return &ConsumerError{Queue: c.queue, ConsumerTag: c.consumerTag, Op: op, Err: err, Timestamp: time.Now()}
}

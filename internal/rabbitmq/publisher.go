package rabbitmq

import (
	"context"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes to one exchange and routing key on its own channel
type Publisher struct {
	ch             *amqp.Channel
	exchange       string
	routingKey     string
	confirm        bool
	confirmTimeout time.Duration

	mu sync.Mutex
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmMode waits for a broker ack on every publish
func WithConfirmMode(enabled bool) PublisherOption {
	return func(p *Publisher) {
		p.confirm = enabled
	}
}

// WithConfirmTimeout sets the confirmation timeout
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// NewPublisher opens a channel for publishing to exchange/routingKey.
// The empty exchange is the default exchange, where routingKey names a queue.
func NewPublisher(conn *Connection, exchange, routingKey string, options ...PublisherOption) (*Publisher, error) {
	p := &Publisher{
		exchange:       exchange,
		routingKey:     routingKey,
		confirm:        true,
		confirmTimeout: 5 * time.Second,
	}
	for _, opt := range options {
		opt(p)
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if p.confirm {
		if err := ch.Confirm(false); err != nil {
			ch.Close()
			return nil, &ChannelError{Op: "confirm", Err: err, Timestamp: time.Now()}
		}
	}
	p.ch = ch
	return p, nil
}

// Publish sends msg and, in confirm mode, waits for the broker ack
func (p *Publisher) Publish(ctx context.Context, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch.IsClosed() {
		return p.fail(ErrChannelClosed)
	}

	if !p.confirm {
		if err := p.ch.PublishWithContext(ctx, p.exchange, p.routingKey, false, false, msg); err != nil {
			return p.fail(err)
		}
		return nil
	}

	confirmation, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, p.routingKey, false, false, msg)
	if err != nil {
		return p.fail(err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()
	acked, err := confirmation.WaitContext(waitCtx)
	if err != nil {
		return p.fail(err)
	}
	if !acked {
		return p.fail(ErrPublishNotConfirmed)
	}
	return nil
}

// Close closes the publisher channel
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch.IsClosed() {
		return nil
	}
	return p.ch.Close()
}

func (p *Publisher) fail(err error) error {
	return &PublishError{Exchange: p.exchange, RoutingKey: p.routingKey, Err: err, Timestamp: time.Now()}
}

package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/gofer-go/contracts"
)

const (
	// DefaultPollInterval bounds each fetch of the receiver loop
	DefaultPollInterval = time.Second
	// DefaultJoinTimeout bounds how long Stop waits for the loop to end
	DefaultJoinTimeout = 90 * time.Second
)

var (
	// ErrJoinTimeout is returned when the receiver loop does not end in time
	ErrJoinTimeout = errors.New("gofer: consumer did not stop within join timeout")
	// ErrConsumerRunning is returned by Start on a running consumer
	ErrConsumerRunning = errors.New("gofer: consumer already running")
)

// Dispatcher handles envelopes received by a Consumer
type Dispatcher interface {
	Dispatch(ctx context.Context, env *contracts.Envelope) error
}

// DispatchFunc adapts a function to Dispatcher
type DispatchFunc func(ctx context.Context, env *contracts.Envelope) error

// Dispatch calls f
func (f DispatchFunc) Dispatch(ctx context.Context, env *contracts.Envelope) error {
	return f(ctx, env)
}

// ConsumerOption configures a Consumer
type ConsumerOption func(*consumerOptions)

type consumerOptions struct {
	logger       *slog.Logger
	pollInterval time.Duration
	joinTimeout  time.Duration
	metrics      *Metrics
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(o *consumerOptions) {
		o.logger = logger
	}
}

// WithPollInterval sets how long each fetch blocks
func WithPollInterval(d time.Duration) ConsumerOption {
	return func(o *consumerOptions) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithJoinTimeout sets how long Stop waits for the loop to end
func WithJoinTimeout(d time.Duration) ConsumerOption {
	return func(o *consumerOptions) {
		if d > 0 {
			o.joinTimeout = d
		}
	}
}

// WithConsumerMetrics records receive metrics
func WithConsumerMetrics(m *Metrics) ConsumerOption {
	return func(o *consumerOptions) {
		o.metrics = m
	}
}

// Consumer runs a background receiver loop on one destination and hands
// every valid envelope to its dispatcher. Messages are always
// acknowledged, whatever the dispatch outcome. A subscription lost to a
// broker disconnect is reopened until Stop.
type Consumer struct {
	endpoint
	dest         contracts.Destination
	dispatcher   Dispatcher
	pollInterval time.Duration
	joinTimeout  time.Duration
	metrics      *Metrics

	mu       sync.Mutex
	receiver Receiver
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewConsumer creates a consumer of dest
func NewConsumer(broker *Broker, dest contracts.Destination, dispatcher Dispatcher, opts ...ConsumerOption) *Consumer {
	options := &consumerOptions{
		logger:       slog.Default(),
		pollInterval: DefaultPollInterval,
		joinTimeout:  DefaultJoinTimeout,
	}
	for _, opt := range opts {
		opt(options)
	}

	c := &Consumer{
		endpoint:     newEndpoint(broker, options.logger),
		dest:         dest,
		dispatcher:   dispatcher,
		pollInterval: options.pollInterval,
		joinTimeout:  options.joinTimeout,
		metrics:      options.metrics,
	}
	c.logger = c.logger.With("destination", dest.ID())
	return c
}

// Destination returns the consumed destination
func (c *Consumer) Destination() contracts.Destination {
	return c.dest
}

// Open declares the destination and subscribes to it. Start calls Open
// when needed.
func (c *Consumer) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open(ctx)
}

func (c *Consumer) open(ctx context.Context) error {
	if c.receiver != nil {
		return nil
	}
	session, err := c.ensureSession(ctx)
	if err != nil {
		return err
	}
	if err := session.Declare(ctx, c.dest); err != nil {
		return fmt.Errorf("declare %s: %w", c.dest.ID(), err)
	}
	receiver, err := session.Receiver(ctx, c.dest.Address())
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", c.dest.ID(), err)
	}
	c.receiver = receiver
	return nil
}

// Start launches the receiver loop
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done != nil {
		return ErrConsumerRunning
	}
	if err := c.open(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.run(loopCtx, c.receiver, c.done)

	c.metrics.consumerStarted()
	c.logger.Info("consumer started")
	return nil
}

// Running reports whether the receiver loop is active
func (c *Consumer) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done != nil
}

// Stop ends the receiver loop, waits for it within the join timeout and
// closes the subscription. It returns ErrJoinTimeout when the loop did
// not end in time.
func (c *Consumer) Stop() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	var err error
	if cancel != nil {
		cancel()
		err = wait(done, c.joinTimeout)
		if err != nil {
			c.logger.Error("consumer loop did not stop", "timeout", c.joinTimeout)
		}
		c.metrics.consumerStopped()
	}

	c.mu.Lock()
	receiver := c.receiver
	c.receiver = nil
	c.cancel = nil
	c.done = nil
	c.mu.Unlock()

	if receiver != nil {
		if cerr := receiver.Close(); cerr != nil {
			c.logger.Warn("receiver close failed", "error", cerr)
		}
	}
	c.closeSession()
	c.logger.Info("consumer stopped")
	return err
}

// Join waits up to timeout for the receiver loop to end
func (c *Consumer) Join(timeout time.Duration) error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()

	if done == nil {
		return nil
	}
	return wait(done, timeout)
}

func wait(done <-chan struct{}, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrJoinTimeout
	}
}

func (c *Consumer) run(ctx context.Context, receiver Receiver, done chan struct{}) {
	defer close(done)

	for {
		if ctx.Err() != nil {
			return
		}

		delivery, err := receiver.Fetch(ctx, c.pollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrReceiverClosed) {
				c.logger.Error("subscription lost", "error", err)
				receiver = c.resubscribe(ctx, receiver)
				if receiver == nil {
					return
				}
				continue
			}
			c.logger.Error("fetch failed", "error", err)
			if !c.pause(ctx) {
				return
			}
			continue
		}
		if delivery == nil {
			continue
		}

		c.handle(ctx, delivery)
	}
}

// resubscribe replaces a closed receiver, retrying every poll interval.
// It returns nil once ctx is done.
func (c *Consumer) resubscribe(ctx context.Context, lost Receiver) Receiver {
	c.mu.Lock()
	if c.receiver == lost {
		c.receiver = nil
	}
	c.mu.Unlock()
	lost.Close()
	c.closeSession()

	for {
		c.mu.Lock()
		if ctx.Err() != nil {
			c.mu.Unlock()
			return nil
		}
		err := c.open(ctx)
		receiver := c.receiver
		c.mu.Unlock()

		if err == nil {
			c.logger.Info("subscription reopened")
			return receiver
		}
		c.logger.Warn("resubscribe failed", "error", err)
		c.closeSession()
		if !c.pause(ctx) {
			return nil
		}
	}
}

// pause waits one poll interval and reports false when ctx ends first
func (c *Consumer) pause(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(c.pollInterval):
		return true
	}
}

func (c *Consumer) handle(ctx context.Context, delivery Delivery) {
	defer func() {
		if err := delivery.Ack(); err != nil {
			c.logger.Warn("ack failed", "error", err)
		}
	}()

	env, err := contracts.Decode(delivery.Body())
	if err != nil {
		c.metrics.Received(OutcomeInvalid)
		c.logger.Warn("dropping undecodable message", "error", err)
		return
	}
	if env.Version != contracts.ProtocolVersion {
		c.metrics.Received(OutcomeVersionMismatch)
		c.logger.Warn("dropping message with mismatched version",
			"sn", env.SN, "version", env.Version, "expected", contracts.ProtocolVersion)
		return
	}

	if err := c.dispatch(ctx, env); err != nil {
		c.metrics.Received(OutcomeDispatchError)
		c.logger.Error("dispatch failed", "sn", env.SN, "error", err)
		return
	}
	c.metrics.Received(OutcomeDispatched)
}

func (c *Consumer) dispatch(ctx context.Context, env *contracts.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch panic: %v", r)
		}
	}()
	return c.dispatcher.Dispatch(ctx, env)
}

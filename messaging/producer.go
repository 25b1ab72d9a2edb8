package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/glimte/gofer-go/contracts"
	"github.com/glimte/gofer-go/interceptors"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ContentType of every envelope on the wire
const ContentType = "application/json"

// SendError is returned when an envelope could not be sent to a destination
type SendError struct {
	Destination string
	SN          string
	Err         error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send %s to %s: %v", e.SN, e.Destination, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// BroadcastResult is the outcome of one member of a broadcast
type BroadcastResult struct {
	Destination contracts.Destination
	SN          string
	Err         error
}

// ProducerOption configures a Producer
type ProducerOption func(*producerOptions)

type producerOptions struct {
	logger      *slog.Logger
	origin      string
	concurrency int
	limiter     *rate.Limiter
	metrics     *Metrics
	chain       *interceptors.Chain
}

// WithProducerLogger sets the logger
func WithProducerLogger(logger *slog.Logger) ProducerOption {
	return func(o *producerOptions) {
		o.logger = logger
	}
}

// WithOrigin sets the origin stamped on every envelope
func WithOrigin(origin string) ProducerOption {
	return func(o *producerOptions) {
		o.origin = origin
	}
}

// WithBroadcastConcurrency bounds the number of concurrent sends of a broadcast
func WithBroadcastConcurrency(n int) ProducerOption {
	return func(o *producerOptions) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithSendRate limits the rate of outbound messages
func WithSendRate(limit rate.Limit, burst int) ProducerOption {
	return func(o *producerOptions) {
		o.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithProducerMetrics records send metrics
func WithProducerMetrics(m *Metrics) ProducerOption {
	return func(o *producerOptions) {
		o.metrics = m
	}
}

// WithInterceptors runs every send through the given interceptors, in order
func WithInterceptors(list ...interceptors.Interceptor) ProducerOption {
	return func(o *producerOptions) {
		if o.chain == nil {
			o.chain = interceptors.NewChain()
		}
		for _, i := range list {
			o.chain.Add(i)
		}
	}
}

// DefaultOrigin identifies this process as user@host
func DefaultOrigin() string {
	host, _ := os.Hostname()
	user := os.Getenv("USER")
	if user == "" {
		user = "gofer"
	}
	return user + "@" + host
}

// Producer builds and sends envelopes
type Producer struct {
	endpoint
	origin      string
	concurrency int
	limiter     *rate.Limiter
	metrics     *Metrics
	chain       *interceptors.Chain

	mu       sync.Mutex
	declared map[string]Sender
}

// NewProducer creates a producer on broker. The session is opened on the first send.
func NewProducer(broker *Broker, opts ...ProducerOption) *Producer {
	options := &producerOptions{
		logger:      slog.Default(),
		concurrency: 8,
	}
	for _, opt := range opts {
		opt(options)
	}
	if options.origin == "" {
		options.origin = DefaultOrigin()
	}

	return &Producer{
		endpoint:    newEndpoint(broker, options.logger),
		origin:      options.origin,
		concurrency: options.concurrency,
		limiter:     options.limiter,
		metrics:     options.metrics,
		chain:       options.chain,
		declared:    make(map[string]Sender),
	}
}

// Origin returns the origin stamped on sent envelopes
func (p *Producer) Origin() string {
	return p.origin
}

// Send stamps a fresh sn, the protocol version and the origin on a copy
// of body and sends it to dest. A positive ttl expires the message
// undelivered. It returns the sn.
func (p *Producer) Send(ctx context.Context, dest contracts.Destination, body *contracts.Envelope, ttl time.Duration) (string, error) {
	env := *body
	env.SN = uuid.NewString()
	env.Version = contracts.ProtocolVersion
	env.Origin = p.origin

	send := p.chain.Then(func(ctx context.Context, dest contracts.Destination, env *contracts.Envelope) error {
		return p.send(ctx, dest, env, ttl)
	})

	start := time.Now()
	err := send(ctx, dest, &env)
	p.metrics.Sent(time.Since(start), err)
	if err != nil {
		return env.SN, &SendError{Destination: dest.ID(), SN: env.SN, Err: err}
	}

	p.logger.Debug("envelope sent", "sn", env.SN, "destination", dest.ID(), "ttl", ttl)
	return env.SN, nil
}

func (p *Producer) send(ctx context.Context, dest contracts.Destination, env *contracts.Envelope, ttl time.Duration) error {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	data, err := contracts.Encode(env)
	if err != nil {
		return err
	}

	sender, err := p.sender(ctx, dest)
	if err != nil {
		return err
	}

	err = sender.Send(ctx, &Message{
		Body:        data,
		ContentType: ContentType,
		TTL:         ttl,
	})
	if err != nil && !p.broker.Connected() {
		// the next send opens a fresh session on a new connection
		p.reset()
	}
	return err
}

func (p *Producer) sender(ctx context.Context, dest contracts.Destination) (Sender, error) {
	address := dest.Address()

	p.mu.Lock()
	s, ok := p.declared[address]
	p.mu.Unlock()
	if ok {
		return s, nil
	}

	session, err := p.ensureSession(ctx)
	if err != nil {
		return nil, err
	}
	if err := session.Declare(ctx, dest); err != nil {
		return nil, fmt.Errorf("declare %s: %w", dest.ID(), err)
	}
	s, err = session.Sender(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("create sender: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.declared[address]; ok {
		s.Close()
		return existing, nil
	}
	p.declared[address] = s
	return s, nil
}

// Broadcast sends body independently to every destination. Each member
// gets its own sn and a failure on one member never affects the others.
// Results are returned in the order of dests.
func (p *Producer) Broadcast(ctx context.Context, dests []contracts.Destination, body *contracts.Envelope, ttl time.Duration) []BroadcastResult {
	results := make([]BroadcastResult, len(dests))

	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for i, dest := range dests {
		g.Go(func() error {
			sn, err := p.Send(ctx, dest, body, ttl)
			results[i] = BroadcastResult{Destination: dest, SN: sn, Err: err}
			if err != nil {
				p.logger.Warn("broadcast member failed", "destination", dest.ID(), "sn", sn, "error", err)
			}
			return nil
		})
	}
	g.Wait()

	return results
}

// Close closes the senders and the session
func (p *Producer) Close() error {
	p.reset()
	return nil
}

func (p *Producer) reset() {
	p.mu.Lock()
	senders := p.declared
	p.declared = make(map[string]Sender)
	p.mu.Unlock()

	for _, s := range senders {
		s.Close()
	}
	p.closeSession()
}

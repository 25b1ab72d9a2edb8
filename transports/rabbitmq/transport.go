// Package rabbitmq implements messaging.Transport over AMQP 0-9-1.
//
// Queue nodes map to queues on the default exchange. Topic nodes map to
// durable topic exchanges; the subject is the routing key and every
// receiver consumes from its own exclusive queue bound to the exchange.
package rabbitmq

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/gofer-go/contracts"
	"github.com/glimte/gofer-go/internal/rabbitmq"
	"github.com/glimte/gofer-go/internal/reliability"
	"github.com/glimte/gofer-go/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Transport implements messaging.Transport for RabbitMQ
type Transport struct {
	cfg *TransportConfig
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	Logger        *slog.Logger
	DialTimeout   time.Duration
	Heartbeat     time.Duration
	TLS           *tls.Config
	ConfirmMode   bool
	PrefetchCount int
	EnableFIFO    bool
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// WithDialTimeout bounds connection establishment
func WithDialTimeout(d time.Duration) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.DialTimeout = d
	}
}

// WithHeartbeat sets the AMQP heartbeat interval
func WithHeartbeat(d time.Duration) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Heartbeat = d
	}
}

// WithTLS sets the TLS configuration for ssl URLs
func WithTLS(tlsCfg *tls.Config) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.TLS = tlsCfg
	}
}

// WithConfirmMode enables publisher confirms on every sender
func WithConfirmMode(enabled bool) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConfirmMode = enabled
	}
}

// WithPrefetchCount sets how many unacked deliveries a receiver may hold
func WithPrefetchCount(count int) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PrefetchCount = count
	}
}

// WithFIFOMode declares queues with a single active consumer
func WithFIFOMode(enabled bool) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.EnableFIFO = enabled
	}
}

// NewTransport creates a new RabbitMQ transport
func NewTransport(options ...TransportOption) *Transport {
	cfg := &TransportConfig{
		Logger:        slog.Default(),
		DialTimeout:   rabbitmq.DefaultDialTimeout,
		Heartbeat:     rabbitmq.DefaultHeartbeat,
		ConfirmMode:   true,
		PrefetchCount: 10,
	}
	for _, opt := range options {
		opt(cfg)
	}
	return &Transport{cfg: cfg}
}

// Connect implements messaging.Transport
func (t *Transport) Connect(ctx context.Context, url *messaging.URL) (messaging.Connection, error) {
	conn, err := rabbitmq.Dial(ctx, url.AMQP(),
		rabbitmq.WithLogger(t.cfg.Logger),
		rabbitmq.WithDialTimeout(t.cfg.DialTimeout),
		rabbitmq.WithHeartbeat(t.cfg.Heartbeat),
		rabbitmq.WithTLS(t.cfg.TLS),
		rabbitmq.WithConnectionName("gofer"))
	if err != nil {
		if !rabbitmq.IsRetryable(err) {
			return nil, reliability.Permanent(err)
		}
		return nil, err
	}
	return &connection{conn: conn, cfg: t.cfg}, nil
}

type connection struct {
	conn *rabbitmq.Connection
	cfg  *TransportConfig
}

func (c *connection) Session(ctx context.Context, name string) (messaging.Session, error) {
	if c.conn.IsClosed() {
		return nil, rabbitmq.ErrConnectionClosed
	}
	return &session{
		name:     name,
		conn:     c.conn,
		cfg:      c.cfg,
		topology: rabbitmq.NewTopologyManager(c.conn),
	}, nil
}

func (c *connection) IsClosed() bool {
	return c.conn.IsClosed()
}

func (c *connection) Close() error {
	return c.conn.Close()
}

type session struct {
	name     string
	conn     *rabbitmq.Connection
	cfg      *TransportConfig
	topology *rabbitmq.TopologyManager

	mu        sync.Mutex
	closed    bool
	senders   []*sender
	receivers []*receiver
}

func (s *session) Declare(ctx context.Context, dest contracts.Destination) error {
	info, err := contracts.ParseAddress(dest.Address())
	if err != nil {
		return err
	}
	return s.topology.DeclareTopology(ctx, TopologyFor(info, s.cfg.EnableFIFO))
}

func (s *session) Delete(ctx context.Context, dest contracts.Destination) error {
	info, err := contracts.ParseAddress(dest.Address())
	if err != nil {
		return err
	}
	if info.NodeType == "topic" {
		return s.topology.DeleteExchange(ctx, info.Name)
	}
	return s.topology.DeleteQueue(ctx, info.Name)
}

func (s *session) Sender(ctx context.Context, address string) (messaging.Sender, error) {
	info, err := contracts.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	exchange, key := Route(info)
	pub, err := rabbitmq.NewPublisher(s.conn, exchange, key, rabbitmq.WithConfirmMode(s.cfg.ConfirmMode))
	if err != nil {
		return nil, err
	}

	snd := &sender{pub: pub}
	if err := s.track(func() { s.senders = append(s.senders, snd) }); err != nil {
		pub.Close()
		return nil, err
	}
	return snd, nil
}

func (s *session) Receiver(ctx context.Context, address string) (messaging.Receiver, error) {
	info, err := contracts.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	opts := []rabbitmq.ConsumerOption{
		rabbitmq.WithPrefetchCount(s.cfg.PrefetchCount),
		rabbitmq.WithConsumerLogger(s.cfg.Logger),
	}
	var setup func(ch *amqp.Channel) (string, error)
	queue := info.Name
	if info.NodeType == "topic" {
		queue = ""
		setup = func(ch *amqp.Channel) (string, error) {
			return rabbitmq.PrivateQueue(ch, info.Name, BindingKey(info.Subject))
		}
		opts = append(opts, rabbitmq.WithExclusive(true))
	}

	consumer, err := rabbitmq.NewConsumer(s.conn, queue, setup, opts...)
	if err != nil {
		return nil, err
	}

	rcv := &receiver{consumer: consumer}
	if err := s.track(func() { s.receivers = append(s.receivers, rcv) }); err != nil {
		consumer.Close()
		return nil, err
	}
	return rcv, nil
}

func (s *session) track(add func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("session %s: %w", s.name, rabbitmq.ErrChannelClosed)
	}
	add()
	return nil
}

func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	senders, receivers := s.senders, s.receivers
	s.senders, s.receivers = nil, nil
	s.mu.Unlock()

	var errs []error
	for _, snd := range senders {
		errs = append(errs, snd.Close())
	}
	for _, rcv := range receivers {
		errs = append(errs, rcv.Close())
	}
	return errors.Join(errs...)
}

type sender struct {
	pub *rabbitmq.Publisher
}

func (s *sender) Send(ctx context.Context, msg *messaging.Message) error {
	return s.pub.Publish(ctx, Publishing(msg))
}

func (s *sender) Close() error {
	return s.pub.Close()
}

type receiver struct {
	consumer *rabbitmq.Consumer
}

func (r *receiver) Fetch(ctx context.Context, timeout time.Duration) (messaging.Delivery, error) {
	d, err := r.consumer.Fetch(ctx, timeout)
	if err != nil {
		if errors.Is(err, rabbitmq.ErrConsumerClosed) {
			return nil, fmt.Errorf("%w: %v", messaging.ErrReceiverClosed, err)
		}
		return nil, err
	}
	if d == nil {
		return nil, nil
	}
	return &delivery{d: d}, nil
}

func (r *receiver) Close() error {
	return r.consumer.Close()
}

type delivery struct {
	d     *amqp.Delivery
	acked atomic.Bool
}

func (d *delivery) Body() []byte {
	return d.d.Body
}

func (d *delivery) Ack() error {
	if !d.acked.CompareAndSwap(false, true) {
		return nil
	}
	return d.d.Ack(false)
}

// TopologyFor returns the declarations behind a parsed address
func TopologyFor(info contracts.AddressInfo, fifo bool) rabbitmq.Topology {
	if info.NodeType == "topic" {
		return rabbitmq.Topology{
			Exchanges: []rabbitmq.ExchangeDeclaration{{
				Name:    info.Name,
				Type:    amqp.ExchangeTopic,
				Durable: info.Durable,
			}},
		}
	}

	q := rabbitmq.QueueDeclaration{Name: info.Name, Durable: info.Durable}
	if fifo {
		q.Arguments = amqp.Table{"x-single-active-consumer": true}
	}
	return rabbitmq.Topology{Queues: []rabbitmq.QueueDeclaration{q}}
}

// Route returns the exchange and routing key a sender publishes with
func Route(info contracts.AddressInfo) (exchange, routingKey string) {
	if info.NodeType == "topic" {
		return info.Name, info.Subject
	}
	return "", info.Name
}

// BindingKey returns the binding for a topic subscription; no subject
// subscribes to everything.
func BindingKey(subject string) string {
	if subject == "" {
		return "#"
	}
	return subject
}

// Publishing converts a message into an AMQP publishing
func Publishing(msg *messaging.Message) amqp.Publishing {
	p := amqp.Publishing{
		ContentType:  msg.ContentType,
		Body:         msg.Body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	}
	if msg.TTL > 0 {
		p.Expiration = strconv.FormatInt(max(msg.TTL.Milliseconds(), 1), 10)
	}
	if len(msg.Headers) > 0 {
		p.Headers = make(amqp.Table, len(msg.Headers))
		for k, v := range msg.Headers {
			p.Headers[k] = v
		}
	}
	return p
}

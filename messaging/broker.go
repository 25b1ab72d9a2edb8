package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/gofer-go/internal/reliability"
	"golang.org/x/sync/singleflight"
)

// ErrPoolClosed is returned by a BrokerPool after Close
var ErrPoolClosed = errors.New("gofer: broker pool closed")

// ConnectError is returned when a broker connection cannot be opened
type ConnectError struct {
	URL string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Broker is a lazily connected handle to one broker. The connection is
// opened on first use and shared by every endpoint created against it.
type Broker struct {
	url       *URL
	transport Transport
	retry     reliability.RetryPolicy
	logger    *slog.Logger
	metrics   *Metrics

	dial singleflight.Group
	mu   sync.Mutex
	conn Connection
}

// NewBroker creates a broker handle without connecting
func NewBroker(transport Transport, url *URL, opts ...PoolOption) *Broker {
	options := defaultPoolOptions()
	for _, opt := range opts {
		opt(options)
	}
	return newBroker(transport, url, options)
}

func newBroker(transport Transport, url *URL, options *poolOptions) *Broker {
	return &Broker{
		url:       url,
		transport: transport,
		retry:     options.retry,
		logger:    options.logger.With("broker", url.String()),
		metrics:   options.metrics,
	}
}

// URL returns the broker URL
func (b *Broker) URL() *URL {
	return b.url
}

// Connect opens the connection on first use and returns the memoized
// connection afterwards. A connection found closed is dropped and
// redialed. Concurrent callers share one dial.
func (b *Broker) Connect(ctx context.Context) (Connection, error) {
	if conn := b.current(); conn != nil {
		return conn, nil
	}

	v, err, _ := b.dial.Do("connect", func() (any, error) {
		if conn := b.current(); conn != nil {
			return conn, nil
		}

		var conn Connection
		err := reliability.Retry(ctx, "connect", b.retry, func(ctx context.Context) error {
			c, err := b.transport.Connect(ctx, b.url)
			if err != nil {
				b.logger.Warn("broker connect attempt failed", "error", err)
				return err
			}
			conn = c
			return nil
		})
		if err != nil {
			return nil, &ConnectError{URL: b.url.String(), Err: err}
		}

		b.mu.Lock()
		b.conn = conn
		b.mu.Unlock()
		b.metrics.connectionOpened()
		b.logger.Info("connected to broker")
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Connection), nil
}

// current returns the memoized connection, forgetting it once closed
func (b *Broker) current() Connection {
	b.mu.Lock()
	conn := b.conn
	if conn == nil || !conn.IsClosed() {
		b.mu.Unlock()
		return conn
	}
	b.conn = nil
	b.mu.Unlock()

	b.metrics.connectionClosed()
	b.logger.Warn("broker connection lost")
	return nil
}

// Session opens a new session, connecting first if needed
func (b *Broker) Session(ctx context.Context, name string) (Session, error) {
	conn, err := b.Connect(ctx)
	if err != nil {
		return nil, err
	}
	session, err := conn.Session(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("open session %s: %w", name, err)
	}
	return session, nil
}

// Connected reports whether the broker currently holds a live connection
func (b *Broker) Connected() bool {
	return b.current() != nil
}

// Close closes the connection and clears the memo so a later Connect
// reconnects. Close failures are logged and swallowed.
func (b *Broker) Close() error {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil {
		b.logger.Warn("broker close failed", "error", err)
	}
	b.metrics.connectionClosed()
	b.logger.Info("disconnected from broker")
	return nil
}

// PoolOption configures a BrokerPool and the brokers it creates
type PoolOption func(*poolOptions)

type poolOptions struct {
	logger      *slog.Logger
	retry       reliability.RetryPolicy
	metrics     *Metrics
	keyByScheme bool
}

func defaultPoolOptions() *poolOptions {
	return &poolOptions{
		logger: slog.Default(),
		retry:  reliability.NoRetry,
	}
}

// WithPoolLogger sets the logger
func WithPoolLogger(logger *slog.Logger) PoolOption {
	return func(o *poolOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithConnectRetry retries failed connection attempts with policy
func WithConnectRetry(policy reliability.RetryPolicy) PoolOption {
	return func(o *poolOptions) {
		o.retry = policy
	}
}

// WithPoolMetrics records connection metrics
func WithPoolMetrics(m *Metrics) PoolOption {
	return func(o *poolOptions) {
		o.metrics = m
	}
}

// WithSchemeInKey makes the transport scheme part of the pool key so
// that tcp:// and ssl:// URLs to the same host:port get separate
// connections. By default only host:port is compared.
func WithSchemeInKey(enabled bool) PoolOption {
	return func(o *poolOptions) {
		o.keyByScheme = enabled
	}
}

// BrokerPool maps broker URLs to shared Broker handles. Equivalent URLs
// return the same handle. It is safe for concurrent use.
type BrokerPool struct {
	transport Transport
	options   *poolOptions

	mu      sync.Mutex
	brokers map[string]*Broker
	closed  bool
}

// NewBrokerPool creates an empty pool
func NewBrokerPool(transport Transport, opts ...PoolOption) *BrokerPool {
	options := defaultPoolOptions()
	for _, opt := range opts {
		opt(options)
	}
	return &BrokerPool{
		transport: transport,
		options:   options,
		brokers:   make(map[string]*Broker),
	}
}

func (p *BrokerPool) key(u *URL) string {
	if p.options.keyByScheme {
		return u.Key()
	}
	return u.Simple()
}

// Get returns the broker for raw, creating it on first lookup.
// It does not connect.
func (p *BrokerPool) Get(raw string) (*Broker, error) {
	u, err := ParseURL(raw)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	key := p.key(u)
	if b, ok := p.brokers[key]; ok {
		return b, nil
	}
	b := newBroker(p.transport, u, p.options)
	p.brokers[key] = b
	return b, nil
}

// Evict closes the broker for raw and removes it from the pool
func (p *BrokerPool) Evict(raw string) error {
	u, err := ParseURL(raw)
	if err != nil {
		return err
	}

	p.mu.Lock()
	key := p.key(u)
	b, ok := p.brokers[key]
	delete(p.brokers, key)
	p.mu.Unlock()

	if ok {
		return b.Close()
	}
	return nil
}

// Len returns the number of brokers in the pool
func (p *BrokerPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.brokers)
}

// Close closes every broker and empties the pool
func (p *BrokerPool) Close() error {
	p.mu.Lock()
	brokers := p.brokers
	p.brokers = make(map[string]*Broker)
	p.closed = true
	p.mu.Unlock()

	for _, b := range brokers {
		b.Close()
	}
	return nil
}

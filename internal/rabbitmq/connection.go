package rabbitmq

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	DefaultDialTimeout = 30 * time.Second
	DefaultHeartbeat   = 10 * time.Second
)

// Connection wraps an AMQP connection and logs broker-side closes
type Connection struct {
	conn   *amqp.Connection
	url    string
	logger *slog.Logger

	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	closing sync.Once
}

// DialOption configures Dial
type DialOption func(*dialConfig)

type dialConfig struct {
	logger      *slog.Logger
	dialTimeout time.Duration
	heartbeat   time.Duration
	tls         *tls.Config
	name        string
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) DialOption {
	return func(c *dialConfig) {
		c.logger = logger
	}
}

// WithDialTimeout bounds the TCP and handshake phase
func WithDialTimeout(d time.Duration) DialOption {
	return func(c *dialConfig) {
		c.dialTimeout = d
	}
}

// WithHeartbeat sets the heartbeat interval
func WithHeartbeat(d time.Duration) DialOption {
	return func(c *dialConfig) {
		c.heartbeat = d
	}
}

// WithTLS sets the TLS configuration used for amqps URLs
func WithTLS(cfg *tls.Config) DialOption {
	return func(c *dialConfig) {
		c.tls = cfg
	}
}

// WithConnectionName sets the connection_name client property
func WithConnectionName(name string) DialOption {
	return func(c *dialConfig) {
		c.name = name
	}
}

// Dial connects to the broker. The dial runs in its own goroutine so ctx
// can abandon it; a connection that completes after ctx is done is closed.
func Dial(ctx context.Context, rawURL string, options ...DialOption) (*Connection, error) {
	cfg := &dialConfig{
		logger:      slog.Default(),
		dialTimeout: DefaultDialTimeout,
		heartbeat:   DefaultHeartbeat,
	}
	for _, opt := range options {
		opt(cfg)
	}

	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "amqp" && u.Scheme != "amqps") {
		return nil, &ConnectionError{
			Op:        "dial",
			URL:       SanitizeURL(rawURL),
			Err:       ErrInvalidConfiguration,
			Timestamp: time.Now(),
		}
	}

	amqpCfg := amqp.Config{
		Heartbeat:  cfg.heartbeat,
		Locale:     "en_US",
		Dial:       amqp.DefaultDial(cfg.dialTimeout),
		Properties: amqp.NewConnectionProperties(),
	}
	if cfg.name != "" {
		amqpCfg.Properties.SetClientConnectionName(cfg.name)
	}
	if u.Scheme == "amqps" {
		amqpCfg.TLSClientConfig = cfg.tls
		if amqpCfg.TLSClientConfig == nil {
			amqpCfg.TLSClientConfig = &tls.Config{ServerName: u.Hostname(), MinVersion: tls.VersionTLS12}
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.dialTimeout)
	defer cancel()

	connChan := make(chan *amqp.Connection, 1)
	errChan := make(chan error, 1)
	go func() {
		conn, err := amqp.DialConfig(rawURL, amqpCfg)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- conn
	}()

	select {
	case conn := <-connChan:
		c := &Connection{
			conn:   conn,
			url:    SanitizeURL(rawURL),
			logger: cfg.logger,
			done:   make(chan struct{}),
		}
		go c.watch(conn.NotifyClose(make(chan *amqp.Error, 1)))
		cfg.logger.Info("connected to RabbitMQ", "url", c.url)
		return c, nil

	case err := <-errChan:
		return nil, &ConnectionError{Op: "dial", URL: SanitizeURL(rawURL), Err: err, Timestamp: time.Now()}

	case <-dialCtx.Done():
		go func() {
			select {
			case conn := <-connChan:
				_ = conn.Close()
			case <-errChan:
			}
		}()
		err := ErrConnectionTimeout
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, &ConnectionError{Op: "dial", URL: SanitizeURL(rawURL), Err: err, Timestamp: time.Now()}
	}
}

func (c *Connection) watch(notify <-chan *amqp.Error) {
	select {
	case err, ok := <-notify:
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		if ok && err != nil {
			c.logger.Error("connection closed by broker", "url", c.url, "error", err)
		}
	case <-c.done:
	}
}

// IsClosed reports whether the connection has been closed by either side
func (c *Connection) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed || c.conn.IsClosed()
}

// Channel opens a new AMQP channel
func (c *Connection) Channel() (*amqp.Channel, error) {
	if c.IsClosed() {
		return nil, &ChannelError{Op: "open", Err: ErrConnectionClosed, Timestamp: time.Now()}
	}
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "open", Err: err, Timestamp: time.Now()}
	}
	return ch, nil
}

// Close closes the connection. Closing twice is a no-op.
func (c *Connection) Close() error {
	var err error
	c.closing.Do(func() {
		close(c.done)
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		if cerr := c.conn.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
			err = &ConnectionError{Op: "close", URL: c.url, Err: cerr, Timestamp: time.Now()}
			return
		}
		c.logger.Info("connection closed", "url", c.url)
	})
	return err
}

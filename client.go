// Copyright 2024 Gofer Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gofer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/gofer-go/interceptors"
	"github.com/glimte/gofer-go/internal/reliability"
	"github.com/glimte/gofer-go/messaging"
	"github.com/glimte/gofer-go/rmi"
	rabbitmqTransport "github.com/glimte/gofer-go/transports/rabbitmq"
	"golang.org/x/time/rate"
)

// ErrClosed is returned by requests made through a closed client or agent
var ErrClosed = errors.New("gofer: client closed")

// Client provides the main entry point for gofer-go. It owns the broker
// connection and the producer shared by every agent it creates.
type Client struct {
	pool     *messaging.BrokerPool
	ownsPool bool
	broker   *messaging.Broker
	producer *messaging.Producer
	logger   *slog.Logger
	cfg      *clientConfig

	mu        sync.Mutex
	agents    map[*Agent]struct{}
	consumers []*rmi.ReplyConsumer
	closed    bool
}

// NewClient creates a client for the broker at url. The connection is
// opened on first use. Without WithTransport the AMQP transport is used.
func NewClient(url string, options ...ClientOption) (*Client, error) {
	cfg := &clientConfig{
		logger:  slog.Default(),
		timeout: rmi.DefaultTimeout,
		retry:   reliability.NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 3),
	}
	for _, opt := range options {
		opt(cfg)
	}

	pool, owned := cfg.pool, false
	if pool == nil {
		transport := cfg.transport
		if transport == nil {
			transport = rabbitmqTransport.NewTransport(rabbitmqTransport.WithLogger(cfg.logger))
		}
		pool = messaging.NewBrokerPool(transport,
			messaging.WithPoolLogger(cfg.logger),
			messaging.WithConnectRetry(cfg.retry),
			messaging.WithPoolMetrics(cfg.metrics),
			messaging.WithSchemeInKey(cfg.keyByScheme))
		owned = true
	}

	broker, err := pool.Get(url)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve broker: %w", err)
	}

	producerOpts := []messaging.ProducerOption{
		messaging.WithProducerLogger(cfg.logger),
		messaging.WithProducerMetrics(cfg.metrics),
		messaging.WithBroadcastConcurrency(cfg.concurrency),
	}
	if cfg.origin != "" {
		producerOpts = append(producerOpts, messaging.WithOrigin(cfg.origin))
	}
	if cfg.sendRate > 0 {
		producerOpts = append(producerOpts, messaging.WithSendRate(cfg.sendRate, cfg.sendBurst))
	}
	if len(cfg.interceptors) > 0 {
		producerOpts = append(producerOpts, messaging.WithInterceptors(cfg.interceptors...))
	}

	return &Client{
		pool:     pool,
		ownsPool: owned,
		broker:   broker,
		producer: messaging.NewProducer(broker, producerOpts...),
		logger:   cfg.logger,
		cfg:      cfg,
		agents:   make(map[*Agent]struct{}),
	}, nil
}

// Broker returns the broker handle
func (c *Client) Broker() *messaging.Broker {
	return c.broker
}

// Producer returns the shared producer
func (c *Client) Producer() *messaging.Producer {
	return c.producer
}

// Tracker returns the tracker of asynchronous requests, if any
func (c *Client) Tracker() rmi.Tracker {
	return c.cfg.tracker
}

// ReplyConsumer creates a consumer of the replies addressed to ctag. The
// caller starts it; Close stops it.
func (c *Client) ReplyConsumer(ctag string, listener rmi.Listener, options ...rmi.ReplyOption) *rmi.ReplyConsumer {
	opts := []rmi.ReplyOption{
		rmi.WithReplyLogger(c.logger),
		rmi.WithReplyTracker(c.cfg.tracker),
		rmi.WithConsumerOptions(messaging.WithConsumerMetrics(c.cfg.metrics)),
	}
	if c.cfg.pollInterval > 0 || c.cfg.joinTimeout > 0 {
		opts = append(opts, rmi.WithConsumerOptions(
			messaging.WithPollInterval(c.cfg.pollInterval),
			messaging.WithJoinTimeout(c.cfg.joinTimeout)))
	}
	rc := rmi.NewReplyConsumer(c.broker, ctag, listener, append(opts, options...)...)

	c.mu.Lock()
	c.consumers = append(c.consumers, rc)
	c.mu.Unlock()
	return rc
}

// track registers an agent holding a request method. It reports false
// once the client is closed.
func (c *Client) track(a *Agent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.agents[a] = struct{}{}
	return true
}

func (c *Client) untrack(a *Agent) {
	c.mu.Lock()
	delete(c.agents, a)
	c.mu.Unlock()
}

// Close stops reply consumers, releases the agents and closes the
// broker connection when the client owns it.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	agents, consumers := c.agents, c.consumers
	c.agents, c.consumers = nil, nil
	c.mu.Unlock()

	var firstErr error
	for _, rc := range consumers {
		if !rc.Running() {
			continue
		}
		if err := rc.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for a := range agents {
		a.close()
	}
	c.producer.Close()
	if c.ownsPool {
		c.pool.Close()
	}
	return firstErr
}

// clientConfig holds client configuration
type clientConfig struct {
	logger       *slog.Logger
	transport    messaging.Transport
	pool         *messaging.BrokerPool
	retry        reliability.RetryPolicy
	metrics      *messaging.Metrics
	tracker      rmi.Tracker
	timeout      rmi.Timeout
	searchMode   messaging.SearchMode
	origin       string
	concurrency  int
	sendRate     rate.Limit
	sendBurst    int
	interceptors []interceptors.Interceptor
	pollInterval time.Duration
	joinTimeout  time.Duration
	keyByScheme  bool
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithTransport replaces the AMQP transport
func WithTransport(transport messaging.Transport) ClientOption {
	return func(cfg *clientConfig) {
		cfg.transport = transport
	}
}

// WithBrokerPool shares an existing pool. The client does not close it.
func WithBrokerPool(pool *messaging.BrokerPool) ClientOption {
	return func(cfg *clientConfig) {
		cfg.pool = pool
	}
}

// WithConnectRetry sets the retry policy of the broker connection
func WithConnectRetry(policy reliability.RetryPolicy) ClientOption {
	return func(cfg *clientConfig) {
		cfg.retry = policy
	}
}

// WithMetrics records messaging metrics
func WithMetrics(m *messaging.Metrics) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = m
	}
}

// WithTracker records asynchronous requests until their terminal reply
func WithTracker(t rmi.Tracker) ClientOption {
	return func(cfg *clientConfig) {
		cfg.tracker = t
	}
}

// WithTimeout sets the default request timeouts, see rmi.Timeouts
func WithTimeout(values ...time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.timeout = rmi.Timeouts(values...)
	}
}

// WithSearchMode sets how synchronous reply searches are bounded
func WithSearchMode(mode messaging.SearchMode) ClientOption {
	return func(cfg *clientConfig) {
		cfg.searchMode = mode
	}
}

// WithOrigin sets the origin stamped on requests
func WithOrigin(origin string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.origin = origin
	}
}

// WithBroadcastConcurrency bounds concurrent sends of a broadcast
func WithBroadcastConcurrency(n int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.concurrency = n
	}
}

// WithSendRate limits the rate of outbound requests
func WithSendRate(limit rate.Limit, burst int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.sendRate = limit
		cfg.sendBurst = burst
	}
}

// WithInterceptors runs every outbound envelope through the given interceptors
func WithInterceptors(list ...interceptors.Interceptor) ClientOption {
	return func(cfg *clientConfig) {
		cfg.interceptors = append(cfg.interceptors, list...)
	}
}

// WithReceiverLoop sets the poll slice and join timeout of reply consumers
func WithReceiverLoop(poll, join time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.pollInterval = poll
		cfg.joinTimeout = join
	}
}

// WithSchemeInKey keeps tcp:// and ssl:// URLs of one host:port apart
func WithSchemeInKey(enabled bool) ClientOption {
	return func(cfg *clientConfig) {
		cfg.keyByScheme = enabled
	}
}

package gofer

import (
	"context"
	"sync"
	"time"

	"github.com/glimte/gofer-go/contracts"
	"github.com/glimte/gofer-go/messaging"
	"github.com/glimte/gofer-go/rmi"
)

// AgentOption configures an Agent
type AgentOption func(*agentConfig)

type agentConfig struct {
	ctag    string
	async   bool
	timeout *rmi.Timeout
	stub    []rmi.StubOption
}

// WithCtag routes replies to the queue of a correlation tag and makes
// requests asynchronous
func WithCtag(ctag string) AgentOption {
	return func(cfg *agentConfig) {
		cfg.ctag = ctag
	}
}

// WithAsync makes requests asynchronous
func WithAsync(enabled bool) AgentOption {
	return func(cfg *agentConfig) {
		cfg.async = enabled
	}
}

// WithAgentTimeout overrides the client timeouts, see rmi.Timeouts
func WithAgentTimeout(values ...time.Duration) AgentOption {
	return func(cfg *agentConfig) {
		t := rmi.Timeouts(values...)
		cfg.timeout = &t
	}
}

// WithWindow attaches a maintenance window to every request
func WithWindow(w *contracts.Window) AgentOption {
	return func(cfg *agentConfig) {
		cfg.stub = append(cfg.stub, rmi.WithWindow(w))
	}
}

// WithSecret attaches a shared secret to every request
func WithSecret(secret string) AgentOption {
	return func(cfg *agentConfig) {
		cfg.stub = append(cfg.stub, rmi.WithSecret(secret))
	}
}

// WithPAM attaches PAM credentials to every request
func WithPAM(user, password string) AgentOption {
	return func(cfg *agentConfig) {
		cfg.stub = append(cfg.stub, rmi.WithPAM(user, password))
	}
}

// WithAny attaches user data returned unmodified in the replies
func WithAny(v any) AgentOption {
	return func(cfg *agentConfig) {
		cfg.stub = append(cfg.stub, rmi.WithAny(v))
	}
}

// Agent represents one remote agent, or several for broadcast, and
// creates stubs of its remote classes.
type Agent struct {
	client    *Client
	dests     []contracts.Destination
	broadcast bool
	cfg       *agentConfig

	mu     sync.Mutex
	method rmi.RequestMethod
	closed bool
}

// Agent returns the agent listening on the queue id
func (c *Client) Agent(id string, options ...AgentOption) *Agent {
	return c.newAgent([]contracts.Destination{contracts.NewQueue(id, true)}, false, options)
}

// Agents returns a broadcast agent sending every request to each id.
// Broadcast requests are always asynchronous.
func (c *Client) Agents(ids []string, options ...AgentOption) *Agent {
	return c.newAgent(contracts.Queues(ids...), true, options)
}

func (c *Client) newAgent(dests []contracts.Destination, broadcast bool, options []AgentOption) *Agent {
	cfg := &agentConfig{}
	for _, opt := range options {
		opt(cfg)
	}
	return &Agent{
		client:    c,
		dests:     dests,
		broadcast: broadcast,
		cfg:       cfg,
	}
}

// Async reports whether the agent uses the asynchronous request method
func (a *Agent) Async() bool {
	return a.cfg.ctag != "" || a.cfg.async || a.broadcast
}

// Destinations returns the agent queues
func (a *Agent) Destinations() []contracts.Destination {
	return a.dests
}

// Method returns the request method, creating it on first use. Once the
// agent or its client is closed every request fails with ErrClosed.
func (a *Agent) Method() rmi.RequestMethod {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.method != nil {
		return a.method
	}
	c := a.client
	if a.closed || !c.track(a) {
		return closedMethod{}
	}

	timeout := c.cfg.timeout
	if a.cfg.timeout != nil {
		timeout = *a.cfg.timeout
	}
	opts := []rmi.Option{
		rmi.WithLogger(c.logger),
		rmi.WithTimeout(timeout.Start, timeout.Complete),
	}

	if a.Async() {
		opts = append(opts, rmi.WithCtag(a.cfg.ctag), rmi.WithTracker(c.cfg.tracker))
		a.method = rmi.NewAsynchronous(c.producer, opts...)
	} else {
		opts = append(opts, rmi.WithSearchMode(c.cfg.searchMode))
		a.method = rmi.NewSynchronous(c.producer, opts...)
	}
	return a.method
}

// Stub returns a stub of the remote class
func (a *Agent) Stub(class string, options ...rmi.StubOption) *rmi.Stub {
	opts := append(append([]rmi.StubOption(nil), a.cfg.stub...), options...)
	if a.broadcast {
		return rmi.NewBroadcastStub(a.Method(), a.dests, class, opts...)
	}
	return rmi.NewStub(a.Method(), a.dests[0], class, opts...)
}

// Close releases the request method, deleting the private reply queue
// of a synchronous agent, and detaches the agent from its client
func (a *Agent) Close() error {
	err := a.close()
	a.client.untrack(a)
	return err
}

func (a *Agent) close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	m := a.method
	a.method = nil
	if m == nil {
		return nil
	}
	return m.Close()
}

type closedMethod struct{}

func (closedMethod) Send(context.Context, contracts.Destination, *rmi.Call) (*rmi.Return, error) {
	return nil, ErrClosed
}

func (closedMethod) Broadcast(context.Context, []contracts.Destination, *rmi.Call) ([]messaging.BroadcastResult, error) {
	return nil, ErrClosed
}

func (closedMethod) Close() error {
	return nil
}

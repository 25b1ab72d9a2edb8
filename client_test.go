package gofer_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	gofer "github.com/glimte/gofer-go"
	"github.com/glimte/gofer-go/contracts"
	"github.com/glimte/gofer-go/messaging"
	"github.com/glimte/gofer-go/rmi"
	"github.com/glimte/gofer-go/transports/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T, options ...gofer.ClientOption) *gofer.Client {
	t.Helper()
	options = append([]gofer.ClientOption{
		gofer.WithTransport(memory.New()),
		gofer.WithTimeout(time.Second, time.Second),
		gofer.WithReceiverLoop(20*time.Millisecond, time.Second),
	}, options...)
	c, err := gofer.NewClient("localhost", options...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// serve runs an agent on queue name that answers every request with
// "started" followed by the result of handle
func serve(t *testing.T, c *gofer.Client, name string, handle func(req *contracts.Request) *contracts.Result) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	reader := messaging.NewReader(c.Broker(), contracts.NewQueue(name, true))
	require.NoError(t, reader.Open(ctx))

	session, err := c.Broker().Session(ctx, "agent-"+name)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ctx.Err() == nil {
			m, err := reader.Next(ctx, 20*time.Millisecond)
			if err != nil || m == nil {
				continue
			}
			reader.Ack(m)

			req := m.Envelope
			if req.ReplyTo == "" {
				continue
			}
			snd, err := session.Sender(ctx, req.ReplyTo)
			if err != nil {
				continue
			}
			for _, out := range []*contracts.Envelope{
				{SN: req.SN, Version: contracts.ProtocolVersion, Origin: name, Status: "started", Any: req.Any},
				{SN: req.SN, Version: contracts.ProtocolVersion, Origin: name, Result: handle(req.Request), Any: req.Any},
			} {
				data, _ := contracts.Encode(out)
				snd.Send(ctx, &messaging.Message{Body: data})
			}
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		reader.Close()
		session.Close()
	})
}

func echo(req *contracts.Request) *contracts.Result {
	r, _ := contracts.Succeed(req.Args)
	return r
}

type collector struct {
	mu        sync.Mutex
	succeeded map[string]*rmi.Succeeded
	failed    map[string]*rmi.Failed
}

func newCollector() *collector {
	return &collector{succeeded: map[string]*rmi.Succeeded{}, failed: map[string]*rmi.Failed{}}
}

func (c *collector) Status(context.Context, *rmi.Status) error { return nil }

func (c *collector) Succeeded(_ context.Context, r *rmi.Succeeded) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.succeeded[r.SN()] = r
	return nil
}

func (c *collector) Failed(_ context.Context, r *rmi.Failed) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed[r.SN()] = r
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.succeeded) + len(c.failed)
}

func TestClientSynchronousCall(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)
	serve(t, c, "agent-1", echo)

	agent := c.Agent("agent-1")
	assert.False(t, agent.Async())
	_, ok := agent.Method().(*rmi.Synchronous)
	assert.True(t, ok)

	ret, err := agent.Stub("admin.Admin").Call(ctx, "echo", "hello", 2)
	require.NoError(t, err)
	require.False(t, ret.Pending())

	var got []any
	require.NoError(t, ret.Decode(&got))
	assert.Equal(t, []any{"hello", float64(2)}, got)

	ret, err = agent.Stub("admin.Admin").Call(ctx, "echo", "again")
	require.NoError(t, err)
	require.NoError(t, ret.Decode(&got))
	assert.Equal(t, []any{"again"}, got)
}

func TestClientRemoteException(t *testing.T) {
	c := newClient(t)
	serve(t, c, "agent-1", func(*contracts.Request) *contracts.Result {
		return contracts.Fail("ValueError", "bad arg")
	})

	_, err := c.Agent("agent-1").Stub("admin.Admin").Call(context.Background(), "explode")
	require.Error(t, err)
	assert.True(t, contracts.IsRemote(err))

	var ex *contracts.RemoteException
	require.True(t, errors.As(err, &ex))
	assert.Equal(t, "ValueError", ex.Type)
	assert.Equal(t, "bad arg", ex.Message)
}

func TestClientSynchronousTimeout(t *testing.T) {
	c := newClient(t, gofer.WithTimeout(50*time.Millisecond))

	_, err := c.Agent("nobody").Stub("admin.Admin").Call(context.Background(), "echo")
	require.Error(t, err)
	assert.True(t, contracts.IsTimeout(err))
}

func TestClientAsynchronousAgent(t *testing.T) {
	ctx := context.Background()
	tracker := rmi.NewMemoryTracker()
	c := newClient(t, gofer.WithTracker(tracker))
	serve(t, c, "agent-2", echo)

	listener := newCollector()
	rc := c.ReplyConsumer("my-ctag", listener)
	require.NoError(t, rc.Start(ctx))

	agent := c.Agent("agent-2", gofer.WithCtag("my-ctag"), gofer.WithAny(map[string]string{"job": "42"}))
	assert.True(t, agent.Async())

	ret, err := agent.Stub("admin.Admin").Call(ctx, "echo", "hi")
	require.NoError(t, err)
	assert.True(t, ret.Pending())
	assert.NotEmpty(t, ret.SN)

	require.Eventually(t, func() bool { return listener.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	listener.mu.Lock()
	reply := listener.succeeded[ret.SN]
	listener.mu.Unlock()
	require.NotNil(t, reply)

	var userData map[string]string
	require.NoError(t, reply.Any(&userData))
	assert.Equal(t, "42", userData["job"])

	require.Eventually(t, func() bool {
		pending, err := tracker.List(ctx, "my-ctag")
		return err == nil && len(pending) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClientWithAsyncWithoutCtag(t *testing.T) {
	c := newClient(t)
	serve(t, c, "agent-3", echo)

	agent := c.Agent("agent-3", gofer.WithAsync(true))
	assert.True(t, agent.Async())

	ret, err := agent.Stub("admin.Admin").Call(context.Background(), "echo")
	require.NoError(t, err)
	assert.True(t, ret.Pending())
	assert.ErrorIs(t, ret.Decode(&struct{}{}), rmi.ErrNoReply)
}

func TestClientBroadcast(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)
	serve(t, c, "agent-a", echo)
	serve(t, c, "agent-b", echo)

	listener := newCollector()
	require.NoError(t, c.ReplyConsumer("fleet", listener).Start(ctx))

	agents := c.Agents([]string{"agent-a", "agent-b"}, gofer.WithCtag("fleet"))
	assert.True(t, agents.Async())
	assert.Len(t, agents.Destinations(), 2)

	stub := agents.Stub("admin.Admin")
	_, err := stub.Call(ctx, "echo")
	assert.ErrorIs(t, err, rmi.ErrBroadcastTarget)

	out, err := stub.Invoke(ctx, "echo", []any{"all"}, nil)
	require.NoError(t, err)
	require.Len(t, out.Members, 2)
	for _, m := range out.Members {
		assert.NoError(t, m.Err)
	}
	assert.Len(t, out.SNs(), 2)

	require.Eventually(t, func() bool { return listener.count() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestClientClose(t *testing.T) {
	ctx := context.Background()
	c, err := gofer.NewClient("localhost", gofer.WithTransport(memory.New()),
		gofer.WithReceiverLoop(20*time.Millisecond, time.Second))
	require.NoError(t, err)

	rc := c.ReplyConsumer("ctag", rmi.NoOpListener{})
	require.NoError(t, rc.Start(ctx))
	require.True(t, rc.Running())

	require.NoError(t, c.Close())
	assert.False(t, rc.Running())
	assert.False(t, c.Broker().Connected())
	assert.NoError(t, c.Close())
}

func TestAgentClose(t *testing.T) {
	ctx := context.Background()
	tr := memory.New()
	c := newClient(t, gofer.WithTransport(tr))
	serve(t, c, "agent-1", echo)

	agent := c.Agent("agent-1")
	_, err := agent.Stub("admin.Admin").Call(ctx, "echo", 1)
	require.NoError(t, err)
	method, ok := agent.Method().(*rmi.Synchronous)
	require.True(t, ok)
	require.True(t, tr.HasQueue(method.Queue().Name()))

	require.NoError(t, agent.Close())
	assert.False(t, tr.HasQueue(method.Queue().Name()), "the private reply queue is deleted")
	_, err = agent.Stub("admin.Admin").Call(ctx, "echo", 2)
	assert.ErrorIs(t, err, gofer.ErrClosed)

	other := c.Agent("agent-1")
	_, err = other.Stub("admin.Admin").Call(ctx, "echo", 3)
	require.NoError(t, err)
}

func TestClientClosedAgents(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)
	serve(t, c, "agent-1", echo)

	before := c.Agent("agent-1")
	require.NoError(t, c.Close())

	_, err := before.Stub("admin.Admin").Call(ctx, "echo")
	assert.ErrorIs(t, err, gofer.ErrClosed)
	_, err = c.Agent("agent-1").Stub("admin.Admin").Call(ctx, "echo")
	assert.ErrorIs(t, err, gofer.ErrClosed)
	_, err = c.Agents([]string{"a", "b"}).Stub("admin.Admin").Invoke(ctx, "echo", nil, nil)
	assert.ErrorIs(t, err, gofer.ErrClosed)
}

func TestClientSharedPool(t *testing.T) {
	pool := messaging.NewBrokerPool(memory.New())
	defer pool.Close()

	c1, err := gofer.NewClient("localhost:5672", gofer.WithBrokerPool(pool))
	require.NoError(t, err)
	c2, err := gofer.NewClient("tcp://localhost", gofer.WithBrokerPool(pool))
	require.NoError(t, err)

	assert.Same(t, c1.Broker(), c2.Broker())
	assert.Equal(t, 1, pool.Len())

	require.NoError(t, c1.Close())
	b, err := pool.Get("localhost")
	require.NoError(t, err)
	assert.Same(t, c2.Broker(), b)
	require.NoError(t, c2.Close())
}

func TestNewClientInvalidURL(t *testing.T) {
	_, err := gofer.NewClient("tcp://:bad:port", gofer.WithTransport(memory.New()))
	assert.ErrorIs(t, err, messaging.ErrInvalidURL)
}

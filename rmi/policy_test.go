package rmi

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/gofer-go/contracts"
	"github.com/glimte/gofer-go/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeouts(t *testing.T) {
	assert.Equal(t, Timeout{Start: 10 * time.Second, Complete: 90 * time.Second}, Timeouts())
	assert.Equal(t, Timeout{Start: 5 * time.Second, Complete: 5 * time.Second}, Timeouts(5*time.Second))
	assert.Equal(t, Timeout{Start: time.Second, Complete: time.Minute}, Timeouts(time.Second, time.Minute))
}

func fooBar(args ...any) *Call {
	return &Call{Request: contracts.Request{Classname: "Foo", Method: "bar", Args: args, Kws: map[string]any{}}}
}

func TestSynchronous(t *testing.T) {
	ctx := context.Background()

	t.Run("happy path", func(t *testing.T) {
		_, b := newTestBroker(t)
		agent := startAgent(t, b, "agent-a", func(req *contracts.Envelope) []step {
			return []step{started(50 * time.Millisecond), succeeded(100*time.Millisecond, 3)}
		})

		p := messaging.NewProducer(b)
		defer p.Close()
		s := NewSynchronous(p, WithTimeout(time.Second, time.Second))
		defer s.Close()

		ret, err := s.Send(ctx, contracts.NewQueue("agent-a", true), fooBar(1, 2))
		require.NoError(t, err)
		require.False(t, ret.Pending())

		var sum int
		require.NoError(t, ret.Decode(&sum))
		assert.Equal(t, 3, sum)

		req := agent.next()
		assert.Equal(t, ret.SN, req.SN)
		assert.Equal(t, s.Queue().Address(), req.ReplyTo)
		assert.Equal(t, "bar", req.Request.Method)
		assert.Equal(t, []any{1.0, 2.0}, req.Request.Args)
	})

	t.Run("terminal reply without status", func(t *testing.T) {
		_, b := newTestBroker(t)
		startAgent(t, b, "agent-b", func(*contracts.Envelope) []step {
			return []step{succeeded(0, "done")}
		})

		p := messaging.NewProducer(b)
		defer p.Close()
		s := NewSynchronous(p, WithTimeout(time.Second))
		defer s.Close()

		ret, err := s.Send(ctx, contracts.NewQueue("agent-b", true), fooBar())
		require.NoError(t, err)
		var out string
		require.NoError(t, ret.Decode(&out))
		assert.Equal(t, "done", out)
	})

	t.Run("start timeout", func(t *testing.T) {
		_, b := newTestBroker(t)
		p := messaging.NewProducer(b)
		defer p.Close()
		s := NewSynchronous(p, WithTimeout(150*time.Millisecond, time.Second))
		defer s.Close()

		start := time.Now()
		ret, err := s.Send(ctx, contracts.NewQueue("nobody", true), fooBar())
		elapsed := time.Since(start)

		var timeout *contracts.RequestTimeout
		require.ErrorAs(t, err, &timeout)
		assert.True(t, contracts.IsTimeout(err))
		assert.False(t, contracts.IsRemote(err))
		assert.Equal(t, ret.SN, timeout.SN)
		assert.Equal(t, "start", timeout.Phase)
		assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
		assert.Less(t, elapsed, time.Second)
	})

	t.Run("complete timeout", func(t *testing.T) {
		_, b := newTestBroker(t)
		startAgent(t, b, "agent-c", func(*contracts.Envelope) []step {
			return []step{started(0)}
		})

		p := messaging.NewProducer(b)
		defer p.Close()
		s := NewSynchronous(p, WithTimeout(time.Second, 100*time.Millisecond))
		defer s.Close()

		_, err := s.Send(ctx, contracts.NewQueue("agent-c", true), fooBar())
		var timeout *contracts.RequestTimeout
		require.ErrorAs(t, err, &timeout)
		assert.Equal(t, "complete", timeout.Phase)
	})

	t.Run("repeated statuses do not extend the completion deadline", func(t *testing.T) {
		_, b := newTestBroker(t)
		startAgent(t, b, "agent-f", func(*contracts.Envelope) []step {
			steps := []step{started(0)}
			for i := 0; i < 20; i++ {
				steps = append(steps, started(30*time.Millisecond))
			}
			return append(steps, succeeded(0, "late"))
		})

		p := messaging.NewProducer(b)
		defer p.Close()
		s := NewSynchronous(p, WithTimeout(time.Second, 150*time.Millisecond))
		defer s.Close()

		start := time.Now()
		_, err := s.Send(ctx, contracts.NewQueue("agent-f", true), fooBar())
		elapsed := time.Since(start)

		var timeout *contracts.RequestTimeout
		require.ErrorAs(t, err, &timeout)
		assert.Equal(t, "complete", timeout.Phase)
		assert.Less(t, elapsed, 450*time.Millisecond)
	})

	t.Run("remote failure", func(t *testing.T) {
		_, b := newTestBroker(t)
		startAgent(t, b, "agent-d", func(*contracts.Envelope) []step {
			return []step{started(0), failed(10*time.Millisecond, "ValueError", "bad arg")}
		})

		p := messaging.NewProducer(b)
		defer p.Close()
		s := NewSynchronous(p, WithTimeout(time.Second))
		defer s.Close()

		_, err := s.Send(ctx, contracts.NewQueue("agent-d", true), fooBar())
		require.Error(t, err)
		assert.True(t, contracts.IsRemote(err))
		assert.False(t, contracts.IsTimeout(err))
		assert.EqualError(t, err, "ValueError: bad arg")

		var ex *contracts.RemoteException
		require.ErrorAs(t, err, &ex)
		assert.Equal(t, "ValueError", ex.Type)
	})

	t.Run("sequential requests reuse the reply queue", func(t *testing.T) {
		_, b := newTestBroker(t)
		startAgent(t, b, "agent-e", func(req *contracts.Envelope) []step {
			return []step{started(0), succeeded(0, req.Request.Args[0])}
		})

		p := messaging.NewProducer(b)
		defer p.Close()
		s := NewSynchronous(p, WithTimeout(time.Second))
		defer s.Close()

		for i := 0; i < 3; i++ {
			ret, err := s.Send(ctx, contracts.NewQueue("agent-e", true), fooBar(i))
			require.NoError(t, err)
			var n int
			require.NoError(t, ret.Decode(&n))
			assert.Equal(t, i, n)
		}
	})

	t.Run("context cancellation", func(t *testing.T) {
		_, b := newTestBroker(t)
		p := messaging.NewProducer(b)
		defer p.Close()
		s := NewSynchronous(p, WithTimeout(5*time.Second))
		defer s.Close()

		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err := s.Send(cctx, contracts.NewQueue("nobody", true), fooBar())
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
	})

	t.Run("close deletes the reply queue", func(t *testing.T) {
		tr, b := newTestBroker(t)
		startAgent(t, b, "agent-g", func(*contracts.Envelope) []step {
			return []step{succeeded(0, true)}
		})

		p := messaging.NewProducer(b)
		defer p.Close()
		s := NewSynchronous(p, WithTimeout(time.Second))

		_, err := s.Send(ctx, contracts.NewQueue("agent-g", true), fooBar())
		require.NoError(t, err)
		require.True(t, tr.HasQueue(s.Queue().Name()))

		require.NoError(t, s.Close())
		assert.False(t, tr.HasQueue(s.Queue().Name()))
	})

	t.Run("close without a request", func(t *testing.T) {
		tr, b := newTestBroker(t)
		s := NewSynchronous(messaging.NewProducer(b))
		require.NoError(t, s.Close())
		assert.False(t, tr.HasQueue(s.Queue().Name()))
		assert.Equal(t, 0, tr.Connects())
	})

	t.Run("broadcast unsupported", func(t *testing.T) {
		_, b := newTestBroker(t)
		s := NewSynchronous(messaging.NewProducer(b))
		_, err := s.Broadcast(ctx, contracts.Queues("a", "b"), fooBar())
		assert.ErrorIs(t, err, ErrBroadcastNotSupported)
	})
}

func TestCallEnvelope(t *testing.T) {
	w, err := contracts.NewWindow(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), time.Time{})
	require.NoError(t, err)

	call := fooBar(1)
	call.Window = w
	call.Secret = "xyz"
	call.PAM = &contracts.PAM{User: "root", Password: "pw"}
	call.Any = []byte(`{"k":1}`)

	env := call.envelope("reply;{}")
	assert.Equal(t, "reply;{}", env.ReplyTo)
	assert.Equal(t, "Foo", env.Request.Classname)
	assert.Equal(t, "2026-01-01T00:00:00", env.Window["begin"])
	assert.Equal(t, "xyz", env.Secret)
	assert.Equal(t, "root", env.PAM.User)
	assert.JSONEq(t, `{"k":1}`, string(env.Any))
	assert.True(t, env.IsRequest())
}

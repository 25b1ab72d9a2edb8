package rmi

import (
	"context"
	"testing"
	"time"

	"github.com/glimte/gofer-go/contracts"
	"github.com/glimte/gofer-go/messaging"
	"github.com/glimte/gofer-go/transports/memory"
	"github.com/stretchr/testify/require"
)

// step is one reply a fake agent sends after a delay
type step struct {
	delay  time.Duration
	status string
	result *contracts.Result
}

func started(delay time.Duration) step {
	return step{delay: delay, status: "started"}
}

func succeeded(delay time.Duration, v any) step {
	r, err := contracts.Succeed(v)
	if err != nil {
		panic(err)
	}
	return step{delay: delay, result: r}
}

func failed(delay time.Duration, xclass, message string) step {
	return step{delay: delay, result: contracts.Fail(xclass, message)}
}

type fakeAgent struct {
	t        *testing.T
	broker   *messaging.Broker
	requests chan *contracts.Envelope
}

func newTestBroker(t *testing.T) (*memory.Transport, *messaging.Broker) {
	t.Helper()
	tr := memory.New()
	pool := messaging.NewBrokerPool(tr)
	t.Cleanup(func() { pool.Close() })
	b, err := pool.Get("localhost")
	require.NoError(t, err)
	return tr, b
}

// startAgent serves requests on the queue name until the test ends
func startAgent(t *testing.T, b *messaging.Broker, name string, handle func(req *contracts.Envelope) []step) *fakeAgent {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	reader := messaging.NewReader(b, contracts.NewQueue(name, true))
	require.NoError(t, reader.Open(ctx))

	a := &fakeAgent{t: t, broker: b, requests: make(chan *contracts.Envelope, 64)}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ctx.Err() == nil {
			m, err := reader.Next(ctx, 20*time.Millisecond)
			if err != nil || m == nil {
				continue
			}
			reader.Ack(m)
			a.requests <- m.Envelope
			go a.reply(ctx, m.Envelope, handle(m.Envelope))
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		reader.Close()
	})
	return a
}

func (a *fakeAgent) reply(ctx context.Context, req *contracts.Envelope, steps []step) {
	if req.ReplyTo == "" {
		return
	}
	info, err := contracts.ParseAddress(req.ReplyTo)
	if err != nil {
		return
	}
	s, err := a.broker.Session(ctx, "agent")
	if err != nil {
		return
	}
	defer s.Close()
	snd, err := s.Sender(ctx, req.ReplyTo)
	if err != nil {
		return
	}

	for _, st := range steps {
		select {
		case <-ctx.Done():
			return
		case <-time.After(st.delay):
		}
		data, _ := contracts.Encode(&contracts.Envelope{
			SN:      req.SN,
			Version: contracts.ProtocolVersion,
			Origin:  info.Name,
			Status:  st.status,
			Result:  st.result,
			Any:     req.Any,
		})
		snd.Send(ctx, &messaging.Message{Body: data})
	}
}

// next returns the next request the agent received
func (a *fakeAgent) next() *contracts.Envelope {
	a.t.Helper()
	select {
	case env := <-a.requests:
		return env
	case <-time.After(2 * time.Second):
		a.t.Fatal("agent received no request")
		return nil
	}
}

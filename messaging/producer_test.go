package messaging_test

import (
	"context"
	"testing"
	"time"

	"github.com/glimte/gofer-go/contracts"
	"github.com/glimte/gofer-go/interceptors"
	"github.com/glimte/gofer-go/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type badDestination struct{}

func (badDestination) ID() string      { return "queue:bad" }
func (badDestination) Name() string    { return "" }
func (badDestination) Address() string { return ";{create:always}" }

func TestProducerSend(t *testing.T) {
	ctx := context.Background()
	tr, b := newBroker(t)
	p := messaging.NewProducer(b, messaging.WithOrigin("tester@host"))
	defer p.Close()

	q := contracts.NewQueue("agent", true)
	body := &contracts.Envelope{
		ReplyTo: "reply-q",
		Request: &contracts.Request{Classname: "Foo", Method: "bar", Args: []any{1, 2}},
	}

	sn, err := p.Send(ctx, q, body, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, sn)
	assert.Empty(t, body.SN, "caller body is not modified")
	assert.Equal(t, 1, tr.Depth("agent"))

	reader := messaging.NewReader(b, q)
	defer reader.Close()
	m, err := reader.Next(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, m)

	assert.Equal(t, sn, m.Envelope.SN)
	assert.Equal(t, contracts.ProtocolVersion, m.Envelope.Version)
	assert.Equal(t, "tester@host", m.Envelope.Origin)
	assert.Equal(t, "reply-q", m.Envelope.ReplyTo)
	assert.Equal(t, "bar", m.Envelope.Request.Method)
	require.NoError(t, reader.Ack(m))
}

func TestProducerTTL(t *testing.T) {
	tr, b := newBroker(t)
	p := messaging.NewProducer(b)
	defer p.Close()

	_, err := p.Send(context.Background(), contracts.NewQueue("slow-agent", true), &contracts.Envelope{
		Request: &contracts.Request{Classname: "Foo", Method: "bar"},
	}, 20*time.Millisecond)
	require.NoError(t, err)

	eventually(t, func() bool { return tr.Depth("slow-agent") == 0 })
}

func TestProducerBroadcast(t *testing.T) {
	ctx := context.Background()
	tr, b := newBroker(t)
	p := messaging.NewProducer(b, messaging.WithBroadcastConcurrency(2))
	defer p.Close()

	body := &contracts.Envelope{Request: &contracts.Request{Classname: "Foo", Method: "bar"}}

	t.Run("one sn per destination", func(t *testing.T) {
		results := p.Broadcast(ctx, contracts.Queues("A", "B", "C"), body, 0)
		require.Len(t, results, 3)

		seen := map[string]bool{}
		for i, name := range []string{"A", "B", "C"} {
			assert.NoError(t, results[i].Err)
			assert.Equal(t, "queue:"+name, results[i].Destination.ID())
			assert.Equal(t, 1, tr.Depth(name))
			seen[results[i].SN] = true
		}
		assert.Len(t, seen, 3)
	})

	t.Run("member failure is isolated", func(t *testing.T) {
		dests := []contracts.Destination{
			contracts.NewQueue("D", true),
			badDestination{},
			contracts.NewQueue("E", true),
		}
		results := p.Broadcast(ctx, dests, body, 0)
		require.Len(t, results, 3)

		assert.NoError(t, results[0].Err)
		assert.NoError(t, results[2].Err)

		var sendErr *messaging.SendError
		require.ErrorAs(t, results[1].Err, &sendErr)
		assert.Equal(t, "queue:bad", sendErr.Destination)
		assert.ErrorIs(t, results[1].Err, contracts.ErrInvalidAddress)

		assert.Equal(t, 1, tr.Depth("D"))
		assert.Equal(t, 1, tr.Depth("E"))
	})
}

func TestProducerInterceptors(t *testing.T) {
	ctx := context.Background()
	tr, b := newBroker(t)
	p := messaging.NewProducer(b, messaging.WithInterceptors(
		interceptors.NewSecretInterceptor("s3cret"),
		interceptors.NewFilteringInterceptor(interceptors.DenyDestinations("queue:prod.*")),
	))
	defer p.Close()

	body := &contracts.Envelope{Request: &contracts.Request{Classname: "Foo", Method: "bar"}}

	_, err := p.Send(ctx, contracts.NewQueue("prod.db", true), body, 0)
	require.ErrorIs(t, err, interceptors.ErrFiltered)
	var sendErr *messaging.SendError
	require.ErrorAs(t, err, &sendErr)
	assert.Equal(t, 0, tr.Depth("prod.db"))

	q := contracts.NewQueue("agent", true)
	sn, err := p.Send(ctx, q, body, 0)
	require.NoError(t, err)
	assert.Empty(t, body.Secret)

	reader := messaging.NewReader(b, q)
	defer reader.Close()
	m, err := reader.Next(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, sn, m.Envelope.SN)
	assert.Equal(t, "s3cret", m.Envelope.Secret)
}

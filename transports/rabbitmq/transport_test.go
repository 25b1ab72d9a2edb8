package rabbitmq

import (
	"context"
	"testing"
	"time"

	"github.com/glimte/gofer-go/contracts"
	"github.com/glimte/gofer-go/internal/reliability"
	"github.com/glimte/gofer-go/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, dest contracts.Destination) contracts.AddressInfo {
	t.Helper()
	info, err := contracts.ParseAddress(dest.Address())
	require.NoError(t, err)
	return info
}

func TestTopologyFor(t *testing.T) {
	t.Run("queue declares a queue on the default exchange", func(t *testing.T) {
		topo := TopologyFor(parse(t, contracts.NewQueue("agent", true)), false)
		require.Len(t, topo.Queues, 1)
		assert.Empty(t, topo.Exchanges)
		assert.Equal(t, "agent", topo.Queues[0].Name)
		assert.True(t, topo.Queues[0].Durable)
		assert.Nil(t, topo.Queues[0].Arguments)
	})

	t.Run("non-durable queue", func(t *testing.T) {
		topo := TopologyFor(parse(t, contracts.NewQueue("reply", false)), false)
		assert.False(t, topo.Queues[0].Durable)
	})

	t.Run("fifo mode sets single active consumer", func(t *testing.T) {
		topo := TopologyFor(parse(t, contracts.NewQueue("agent", true)), true)
		assert.Equal(t, true, topo.Queues[0].Arguments["x-single-active-consumer"])
	})

	t.Run("topic declares a topic exchange", func(t *testing.T) {
		topo := TopologyFor(parse(t, contracts.NewTopic("events", "agent.started", "")), false)
		assert.Empty(t, topo.Queues)
		require.Len(t, topo.Exchanges, 1)
		assert.Equal(t, "events", topo.Exchanges[0].Name)
		assert.Equal(t, amqp.ExchangeTopic, topo.Exchanges[0].Type)
		assert.True(t, topo.Exchanges[0].Durable)
	})
}

func TestRoute(t *testing.T) {
	exchange, key := Route(parse(t, contracts.NewQueue("agent", true)))
	assert.Equal(t, "", exchange)
	assert.Equal(t, "agent", key)

	exchange, key = Route(parse(t, contracts.NewTopic("events", "agent.started", "")))
	assert.Equal(t, "events", exchange)
	assert.Equal(t, "agent.started", key)

	assert.Equal(t, "#", BindingKey(""))
	assert.Equal(t, "agent.*", BindingKey("agent.*"))
}

func TestPublishing(t *testing.T) {
	p := Publishing(&messaging.Message{
		Body:        []byte(`{}`),
		ContentType: messaging.ContentType,
		TTL:         1500 * time.Millisecond,
		Headers:     map[string]any{"origin": "me@host"},
	})
	assert.Equal(t, "application/json", p.ContentType)
	assert.Equal(t, "1500", p.Expiration)
	assert.Equal(t, amqp.Persistent, p.DeliveryMode)
	assert.Equal(t, "me@host", p.Headers["origin"])

	p = Publishing(&messaging.Message{Body: []byte(`{}`), TTL: time.Microsecond})
	assert.Equal(t, "1", p.Expiration)

	p = Publishing(&messaging.Message{Body: []byte(`{}`)})
	assert.Empty(t, p.Expiration)
	assert.Nil(t, p.Headers)
}

func TestConnectFailure(t *testing.T) {
	tr := NewTransport(WithDialTimeout(2 * time.Second))

	url, err := messaging.ParseURL("127.0.0.1:1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = tr.Connect(ctx, url)
	require.Error(t, err)
	assert.True(t, reliability.IsRetryable(err))
}

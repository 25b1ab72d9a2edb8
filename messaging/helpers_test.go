package messaging_test

import (
	"context"
	"testing"
	"time"

	"github.com/glimte/gofer-go/contracts"
	"github.com/glimte/gofer-go/messaging"
	"github.com/glimte/gofer-go/transports/memory"
	"github.com/stretchr/testify/require"
)

func newBroker(t *testing.T) (*memory.Transport, *messaging.Broker) {
	t.Helper()
	tr := memory.New()
	pool := messaging.NewBrokerPool(tr)
	t.Cleanup(func() { pool.Close() })

	b, err := pool.Get("localhost")
	require.NoError(t, err)
	return tr, b
}

// sendRaw puts env on dest exactly as given, without stamping
func sendRaw(t *testing.T, b *messaging.Broker, dest contracts.Destination, env *contracts.Envelope) {
	t.Helper()
	ctx := context.Background()
	s, err := b.Session(ctx, "raw")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Declare(ctx, dest))
	snd, err := s.Sender(ctx, dest.Address())
	require.NoError(t, err)

	data, err := contracts.Encode(env)
	require.NoError(t, err)
	require.NoError(t, snd.Send(ctx, &messaging.Message{Body: data}))
}

func reply(sn string, status string) *contracts.Envelope {
	env := &contracts.Envelope{SN: sn, Version: contracts.ProtocolVersion, Origin: "agent"}
	if status != "" {
		env.Status = status
	} else {
		env.Result, _ = contracts.Succeed(true)
	}
	return env
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

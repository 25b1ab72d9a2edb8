package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/glimte/gofer-go/contracts"
)

// ErrReceiverClosed is returned by Receiver.Fetch once the receiver is closed
var ErrReceiverClosed = errors.New("gofer: receiver closed")

// Transport opens connections to a broker
type Transport interface {
	// Connect establishes a connection to the broker at url
	Connect(ctx context.Context, url *URL) (Connection, error)
}

// Connection is an open broker connection
type Connection interface {
	// Session opens a new session on the connection
	Session(ctx context.Context, name string) (Session, error)

	// IsClosed reports whether the connection was closed by either side
	IsClosed() bool

	// Close closes the connection and every session opened on it
	Close() error
}

// Session is a unit of work owned by exactly one endpoint
type Session interface {
	// Declare creates the node behind a destination if it does not exist.
	// Declaring an existing node is a no-op.
	Declare(ctx context.Context, dest contracts.Destination) error

	// Sender creates a sender for a destination address
	Sender(ctx context.Context, address string) (Sender, error)

	// Receiver creates a receiver subscribed to a destination address
	Receiver(ctx context.Context, address string) (Receiver, error)

	// Delete removes the node behind a destination with any messages
	// left on it. Deleting a missing node is a no-op.
	Delete(ctx context.Context, dest contracts.Destination) error

	// Close closes the session
	Close() error
}

// Sender transmits messages to one address
type Sender interface {
	// Send transmits a message
	Send(ctx context.Context, msg *Message) error

	// Close closes the sender
	Close() error
}

// Receiver pulls messages from one address
type Receiver interface {
	// Fetch blocks up to timeout for the next message. It returns
	// (nil, nil) when nothing arrived in time.
	Fetch(ctx context.Context, timeout time.Duration) (Delivery, error)

	// Close closes the receiver and its subscription
	Close() error
}

// Delivery is a received message awaiting acknowledgment
type Delivery interface {
	// Body returns the message body
	Body() []byte

	// Ack acknowledges the message. Acknowledging twice has no effect.
	Ack() error
}

// Message is an outbound message
type Message struct {
	Body        []byte
	ContentType string
	// TTL expires the message undelivered after the interval; zero means never
	TTL     time.Duration
	Headers map[string]any
}

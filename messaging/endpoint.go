package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// endpoint owns one lazily created session on a broker
type endpoint struct {
	id     string
	broker *Broker
	logger *slog.Logger

	mu      sync.Mutex
	session Session
}

func newEndpoint(broker *Broker, logger *slog.Logger) endpoint {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return endpoint{
		id:     id,
		broker: broker,
		logger: logger.With("endpoint", id),
	}
}

// ID returns the endpoint identity, also used as its session name
func (e *endpoint) ID() string {
	return e.id
}

// Broker returns the broker the endpoint is bound to
func (e *endpoint) Broker() *Broker {
	return e.broker
}

func (e *endpoint) ensureSession(ctx context.Context) (Session, error) {
	e.mu.Lock()
	if e.session != nil {
		s := e.session
		e.mu.Unlock()
		return s, nil
	}
	e.mu.Unlock()

	s, err := e.broker.Session(ctx, e.id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil {
		// lost a race with another opener
		s.Close()
		return e.session, nil
	}
	e.session = s
	return s, nil
}

func (e *endpoint) closeSession() {
	e.mu.Lock()
	s := e.session
	e.session = nil
	e.mu.Unlock()

	if s == nil {
		return
	}
	if err := s.Close(); err != nil {
		e.logger.Warn("session close failed", "error", err)
	}
}

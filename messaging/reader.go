package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/gofer-go/contracts"
)

// SearchMode selects how Reader.Search bounds its wait
type SearchMode int

const (
	// SearchRearm gives every fetch the full timeout, so unrelated
	// messages extend the total wait.
	SearchRearm SearchMode = iota
	// SearchDeadline bounds the whole search by one deadline
	SearchDeadline
)

func (m SearchMode) String() string {
	switch m {
	case SearchRearm:
		return "rearm"
	case SearchDeadline:
		return "deadline"
	}
	return fmt.Sprintf("SearchMode(%d)", int(m))
}

// ParseSearchMode parses "rearm" or "deadline"
func ParseSearchMode(s string) (SearchMode, error) {
	switch s {
	case "", "rearm":
		return SearchRearm, nil
	case "deadline":
		return SearchDeadline, nil
	}
	return 0, fmt.Errorf("unknown search mode %q", s)
}

// Received is an envelope read by a Reader and not yet acknowledged
type Received struct {
	Envelope *contracts.Envelope
	delivery Delivery
}

// ReaderOption configures a Reader
type ReaderOption func(*readerOptions)

type readerOptions struct {
	logger  *slog.Logger
	mode    SearchMode
	metrics *Metrics
}

// WithReaderLogger sets the logger
func WithReaderLogger(logger *slog.Logger) ReaderOption {
	return func(o *readerOptions) {
		o.logger = logger
	}
}

// WithSearchMode sets the search mode
func WithSearchMode(mode SearchMode) ReaderOption {
	return func(o *readerOptions) {
		o.mode = mode
	}
}

// WithReaderMetrics records receive metrics
func WithReaderMetrics(m *Metrics) ReaderOption {
	return func(o *readerOptions) {
		o.metrics = m
	}
}

// Reader polls a destination on demand. It assumes it is the only
// consumer of the destination.
type Reader struct {
	endpoint
	dest    contracts.Destination
	mode    SearchMode
	metrics *Metrics

	mu       sync.Mutex
	receiver Receiver
	declared bool
}

// NewReader creates a reader of dest
func NewReader(broker *Broker, dest contracts.Destination, opts ...ReaderOption) *Reader {
	options := &readerOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(options)
	}

	r := &Reader{
		endpoint: newEndpoint(broker, options.logger),
		dest:     dest,
		mode:     options.mode,
		metrics:  options.metrics,
	}
	r.logger = r.logger.With("destination", dest.ID())
	return r
}

// Destination returns the read destination
func (r *Reader) Destination() contracts.Destination {
	return r.dest
}

// Mode returns the search mode
func (r *Reader) Mode() SearchMode {
	return r.mode
}

// Open declares the destination and subscribes to it. Next calls Open
// when needed.
func (r *Reader) Open(ctx context.Context) error {
	_, err := r.open(ctx)
	return err
}

func (r *Reader) open(ctx context.Context) (Receiver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.receiver != nil {
		return r.receiver, nil
	}
	session, err := r.ensureSession(ctx)
	if err != nil {
		return nil, err
	}
	if err := session.Declare(ctx, r.dest); err != nil {
		return nil, fmt.Errorf("declare %s: %w", r.dest.ID(), err)
	}
	r.declared = true
	receiver, err := session.Receiver(ctx, r.dest.Address())
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", r.dest.ID(), err)
	}
	r.receiver = receiver
	return receiver, nil
}

// Next blocks up to timeout for the next valid envelope. It returns
// (nil, nil) on timeout. Undecodable messages and messages with a
// mismatched version are acknowledged and skipped.
func (r *Reader) Next(ctx context.Context, timeout time.Duration) (*Received, error) {
	receiver, err := r.open(ctx)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		delivery, err := receiver.Fetch(ctx, remaining)
		if err != nil {
			if errors.Is(err, ErrReceiverClosed) {
				r.drop(receiver)
			}
			return nil, err
		}
		if delivery == nil {
			return nil, nil
		}

		env, err := contracts.Decode(delivery.Body())
		if err != nil {
			r.metrics.Received(OutcomeInvalid)
			r.logger.Warn("dropping undecodable message", "error", err)
			delivery.Ack()
			continue
		}
		if env.Version != contracts.ProtocolVersion {
			r.metrics.Received(OutcomeVersionMismatch)
			r.logger.Warn("dropping message with mismatched version",
				"sn", env.SN, "version", env.Version, "expected", contracts.ProtocolVersion)
			delivery.Ack()
			continue
		}
		return &Received{Envelope: env, delivery: delivery}, nil
	}
}

// Ack acknowledges a received envelope
func (r *Reader) Ack(m *Received) error {
	if m == nil || m.delivery == nil {
		return nil
	}
	return m.delivery.Ack()
}

// Search reads until the envelope with serial number sn arrives and
// returns it acknowledged. It returns (nil, nil) when a read times out.
// Envelopes with other serial numbers are acknowledged and discarded.
func (r *Reader) Search(ctx context.Context, sn string, timeout time.Duration) (*contracts.Envelope, error) {
	deadline := time.Now().Add(timeout)
	for {
		wait := timeout
		if r.mode == SearchDeadline {
			wait = time.Until(deadline)
			if wait <= 0 {
				return nil, nil
			}
		}

		m, err := r.Next(ctx, wait)
		if err != nil || m == nil {
			return nil, err
		}
		if err := r.Ack(m); err != nil {
			r.logger.Warn("ack failed", "sn", m.Envelope.SN, "error", err)
		}
		if m.Envelope.SN == sn {
			r.metrics.Received(OutcomeDispatched)
			return m.Envelope, nil
		}

		r.metrics.Received(OutcomeDiscarded)
		r.logger.Warn("discarding unrelated reply", "sn", m.Envelope.SN, "awaiting", sn)
	}
}

// drop forgets a lost receiver so the next read subscribes again
func (r *Reader) drop(lost Receiver) {
	r.mu.Lock()
	if r.receiver != lost {
		r.mu.Unlock()
		return
	}
	r.receiver = nil
	r.mu.Unlock()

	lost.Close()
	r.closeSession()
}

// Close closes the subscription and the session
func (r *Reader) Close() error {
	r.mu.Lock()
	receiver := r.receiver
	r.receiver = nil
	r.mu.Unlock()

	if receiver != nil {
		if err := receiver.Close(); err != nil {
			r.logger.Warn("receiver close failed", "error", err)
		}
	}
	r.closeSession()
	return nil
}

// Delete closes the reader and deletes the destination it declared,
// along with any messages left on it
func (r *Reader) Delete(ctx context.Context) error {
	r.mu.Lock()
	declared := r.declared
	r.declared = false
	r.mu.Unlock()

	r.Close()
	if !declared {
		return nil
	}

	session, err := r.ensureSession(ctx)
	if err != nil {
		return err
	}
	defer r.closeSession()
	if err := session.Delete(ctx, r.dest); err != nil {
		return fmt.Errorf("delete %s: %w", r.dest.ID(), err)
	}
	r.logger.Debug("destination deleted")
	return nil
}

package rmi

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/glimte/gofer-go/contracts"
	"github.com/glimte/gofer-go/messaging"
)

// DefaultBlacklistSize bounds how many answered serial numbers a
// ReplyConsumer remembers
const DefaultBlacklistSize = 10000

// ReplyOption configures a ReplyConsumer
type ReplyOption func(*replyOptions)

type replyOptions struct {
	logger        *slog.Logger
	tracker       Tracker
	blacklistSize int
	consumer      []messaging.ConsumerOption
}

// WithReplyLogger sets the logger
func WithReplyLogger(logger *slog.Logger) ReplyOption {
	return func(o *replyOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithReplyTracker removes requests from t when their terminal reply arrives
func WithReplyTracker(t Tracker) ReplyOption {
	return func(o *replyOptions) {
		o.tracker = t
	}
}

// WithBlacklistSize sets how many answered serial numbers are remembered
func WithBlacklistSize(n int) ReplyOption {
	return func(o *replyOptions) {
		if n > 0 {
			o.blacklistSize = n
		}
	}
}

// WithConsumerOptions passes options to the underlying consumer
func WithConsumerOptions(opts ...messaging.ConsumerOption) ReplyOption {
	return func(o *replyOptions) {
		o.consumer = append(o.consumer, opts...)
	}
}

// ReplyConsumer receives the replies sent to the queue of a correlation
// tag and notifies a Listener. Once a terminal reply for a serial number
// was dispatched, later replies for it are ignored.
type ReplyConsumer struct {
	ctag      string
	listener  Listener
	tracker   Tracker
	consumer  *messaging.Consumer
	blacklist *blacklist
	logger    *slog.Logger
}

// NewReplyConsumer creates a consumer of the ctag reply queue
func NewReplyConsumer(broker *messaging.Broker, ctag string, listener Listener, opts ...ReplyOption) *ReplyConsumer {
	o := &replyOptions{
		logger:        slog.Default(),
		blacklistSize: DefaultBlacklistSize,
	}
	for _, opt := range opts {
		opt(o)
	}
	if listener == nil {
		listener = NoOpListener{}
	}

	rc := &ReplyConsumer{
		ctag:      ctag,
		listener:  listener,
		tracker:   o.tracker,
		blacklist: newBlacklist(o.blacklistSize),
		logger:    o.logger.With("ctag", ctag),
	}
	consumerOpts := append([]messaging.ConsumerOption{messaging.WithConsumerLogger(o.logger)}, o.consumer...)
	rc.consumer = messaging.NewConsumer(broker, ReplyQueue(ctag), rc, consumerOpts...)
	return rc
}

// Ctag returns the correlation tag
func (rc *ReplyConsumer) Ctag() string {
	return rc.ctag
}

// Start starts receiving replies
func (rc *ReplyConsumer) Start(ctx context.Context) error {
	rc.blacklist.reset()
	return rc.consumer.Start(ctx)
}

// Running reports whether replies are being received
func (rc *ReplyConsumer) Running() bool {
	return rc.consumer.Running()
}

// Stop stops receiving replies, see messaging.Consumer.Stop
func (rc *ReplyConsumer) Stop() error {
	return rc.consumer.Stop()
}

// Dispatch classifies a reply and notifies the listener
func (rc *ReplyConsumer) Dispatch(ctx context.Context, env *contracts.Envelope) error {
	if rc.blacklist.contains(env.SN) {
		rc.logger.Debug("ignoring reply for answered request", "sn", env.SN)
		return nil
	}

	reply, err := Classify(env)
	if err != nil {
		return err
	}

	if reply.Terminal() {
		rc.blacklist.add(env.SN)
		rc.untrack(ctx, env.SN)
	}
	return Notify(ctx, reply, rc.listener)
}

func (rc *ReplyConsumer) untrack(ctx context.Context, sn string) {
	if rc.tracker == nil {
		return
	}
	if _, err := rc.tracker.Remove(ctx, sn); err != nil && !errors.Is(err, ErrNotTracked) {
		rc.logger.Warn("failed to untrack request", "sn", sn, "error", err)
	}
}

// blacklist is a set of serial numbers bounded by evicting the oldest
type blacklist struct {
	mu    sync.Mutex
	size  int
	set   map[string]struct{}
	order []string
}

func newBlacklist(size int) *blacklist {
	return &blacklist{size: size, set: make(map[string]struct{})}
}

func (b *blacklist) add(sn string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.set[sn]; ok {
		return
	}
	if len(b.order) >= b.size {
		delete(b.set, b.order[0])
		b.order = b.order[1:]
	}
	b.set[sn] = struct{}{}
	b.order = append(b.order, sn)
}

func (b *blacklist) contains(sn string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.set[sn]
	return ok
}

func (b *blacklist) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.set = make(map[string]struct{})
	b.order = nil
}

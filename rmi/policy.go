package rmi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/gofer-go/contracts"
	"github.com/glimte/gofer-go/messaging"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/glimte/gofer-go/rmi"

var (
	// ErrBroadcastNotSupported is returned by Synchronous.Broadcast
	ErrBroadcastNotSupported = errors.New("gofer: synchronous broadcast not supported")
	// ErrNoReply is returned when decoding the result of an asynchronous request
	ErrNoReply = errors.New("gofer: asynchronous request has no reply")
)

// DefaultTimeout is used when no timeout is configured
var DefaultTimeout = Timeout{Start: 10 * time.Second, Complete: 90 * time.Second}

// Timeout bounds the two phases of a request: until the agent reports
// it started and then until it completes.
type Timeout struct {
	Start    time.Duration
	Complete time.Duration
}

// Timeouts normalises a timeout list. No value means DefaultTimeout and
// a single value t means [t, t].
func Timeouts(values ...time.Duration) Timeout {
	switch len(values) {
	case 0:
		return DefaultTimeout
	case 1:
		return Timeout{Start: values[0], Complete: values[0]}
	}
	return Timeout{Start: values[0], Complete: values[1]}
}

// Call is the request body plus the metadata passed through to the agent
type Call struct {
	Request contracts.Request
	Window  *contracts.Window
	Secret  string
	PAM     *contracts.PAM
	Any     json.RawMessage
}

func (c *Call) envelope(replyTo string) *contracts.Envelope {
	req := c.Request
	env := &contracts.Envelope{
		ReplyTo: replyTo,
		Request: &req,
		Secret:  c.Secret,
		PAM:     c.PAM,
		Any:     c.Any,
	}
	if c.Window != nil {
		env.Window = c.Window.Map()
	}
	return env
}

// Return is the outcome of a request sent to one destination. Reply is
// nil for asynchronous requests.
type Return struct {
	SN    string
	Reply *Succeeded
}

// Pending reports whether the reply is delivered out of band
func (r *Return) Pending() bool {
	return r.Reply == nil
}

// Decode unmarshals the return value into v
func (r *Return) Decode(v any) error {
	if r.Reply == nil {
		return fmt.Errorf("%w: %s", ErrNoReply, r.SN)
	}
	return r.Reply.Decode(v)
}

// RequestMethod is a request discipline
type RequestMethod interface {
	// Send sends call to one destination
	Send(ctx context.Context, dest contracts.Destination, call *Call) (*Return, error)
	// Broadcast sends call independently to every destination
	Broadcast(ctx context.Context, dests []contracts.Destination, call *Call) ([]messaging.BroadcastResult, error)
	// Close releases the resources of the discipline
	Close() error
}

// Option configures a request method
type Option func(*options)

type options struct {
	logger     *slog.Logger
	timeout    Timeout
	searchMode messaging.SearchMode
	ctag       string
	tracker    Tracker
	tracer     trace.Tracer
}

func newOptions(opts []Option) *options {
	o := &options{
		logger:  slog.Default(),
		timeout: DefaultTimeout,
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTimeout sets the start and completion timeouts, see Timeouts
func WithTimeout(values ...time.Duration) Option {
	return func(o *options) {
		o.timeout = Timeouts(values...)
	}
}

// WithSearchMode sets how the synchronous reply search is bounded
func WithSearchMode(mode messaging.SearchMode) Option {
	return func(o *options) {
		o.searchMode = mode
	}
}

// WithCtag routes asynchronous replies to the queue of a correlation tag
func WithCtag(ctag string) Option {
	return func(o *options) {
		o.ctag = ctag
	}
}

// WithTracker records asynchronous requests until their terminal reply
func WithTracker(t Tracker) Option {
	return func(o *options) {
		o.tracker = t
	}
}

// WithTracerProvider sets the provider of the request spans
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracer = tp.Tracer(tracerName)
		}
	}
}

// ReplyQueue returns the durable queue of a correlation tag
func ReplyQueue(ctag string) *contracts.Queue {
	return contracts.NewQueue(ctag, true)
}

// Synchronous sends a request and blocks until its terminal reply. It
// owns a private reply queue and serves one request at a time.
type Synchronous struct {
	producer *messaging.Producer
	queue    *contracts.Queue
	reader   *messaging.Reader
	timeout  Timeout
	logger   *slog.Logger
	tracer   trace.Tracer

	mu sync.Mutex
}

var _ RequestMethod = (*Synchronous)(nil)

// NewSynchronous creates a synchronous request method sending through producer
func NewSynchronous(producer *messaging.Producer, opts ...Option) *Synchronous {
	o := newOptions(opts)
	queue := contracts.NewQueue(uuid.NewString(), false)
	return &Synchronous{
		producer: producer,
		queue:    queue,
		reader: messaging.NewReader(producer.Broker(), queue,
			messaging.WithSearchMode(o.searchMode),
			messaging.WithReaderLogger(o.logger)),
		timeout: o.timeout,
		logger:  o.logger.With("replyto", queue.Name()),
		tracer:  o.tracer,
	}
}

// Timeout returns the configured timeouts
func (s *Synchronous) Timeout() Timeout {
	return s.timeout
}

// Queue returns the private reply queue
func (s *Synchronous) Queue() *contracts.Queue {
	return s.queue
}

// Send sends call and waits for the "started" status and then the
// terminal reply. It returns a *contracts.RequestTimeout when a phase
// times out and a *contracts.RemoteException when the agent failed.
func (s *Synchronous) Send(ctx context.Context, dest contracts.Destination, call *Call) (*Return, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "rmi.synchronous.send",
		trace.WithAttributes(
			attribute.String("destination", dest.ID()),
			attribute.String("method", call.Request.Classname+"."+call.Request.Method),
		),
	)
	defer span.End()

	ret, err := s.send(ctx, dest, call)
	if ret != nil {
		span.SetAttributes(attribute.String("sn", ret.SN))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return ret, err
}

func (s *Synchronous) send(ctx context.Context, dest contracts.Destination, call *Call) (*Return, error) {
	if err := s.reader.Open(ctx); err != nil {
		return nil, err
	}

	sn, err := s.producer.Send(ctx, dest, call.envelope(s.queue.Address()), s.timeout.Start)
	if err != nil {
		return nil, err
	}
	ret := &Return{SN: sn}

	reply, err := s.await(ctx, sn, "start", s.timeout.Start, time.Now().Add(s.timeout.Start))
	if err != nil {
		return ret, err
	}
	if _, ok := reply.(*Status); ok {
		s.logger.Debug("request started", "sn", sn)
		// later statuses do not extend the completion deadline
		deadline := time.Now().Add(s.timeout.Complete)
		for {
			reply, err = s.await(ctx, sn, "complete", s.timeout.Complete, deadline)
			if err != nil {
				return ret, err
			}
			if _, ok := reply.(*Status); !ok {
				break
			}
			s.logger.Debug("status received", "sn", sn, "status", reply.Envelope().Status)
		}
	}

	if f, ok := reply.(*Failed); ok {
		return ret, f.Rethrow()
	}
	ret.Reply = reply.(*Succeeded)
	return ret, nil
}

// await searches for the next valid reply to sn until deadline
func (s *Synchronous) await(ctx context.Context, sn, phase string, timeout time.Duration, deadline time.Time) (Reply, error) {
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			s.logger.Warn("request timed out", "sn", sn, "phase", phase, "timeout", timeout)
			return nil, &contracts.RequestTimeout{SN: sn, Phase: phase}
		}
		env, err := s.reader.Search(ctx, sn, remaining)
		if err != nil {
			return nil, err
		}
		if env == nil {
			s.logger.Warn("request timed out", "sn", sn, "phase", phase, "timeout", timeout)
			return nil, &contracts.RequestTimeout{SN: sn, Phase: phase}
		}
		reply, err := Classify(env)
		if err != nil {
			s.logger.Warn("ignoring malformed reply", "sn", sn, "error", err)
			continue
		}
		return reply, nil
	}
}

// Broadcast is not supported by the synchronous method
func (s *Synchronous) Broadcast(context.Context, []contracts.Destination, *Call) ([]messaging.BroadcastResult, error) {
	return nil, ErrBroadcastNotSupported
}

// Close closes the reader and deletes the private reply queue
func (s *Synchronous) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout.Start)
	defer cancel()
	if err := s.reader.Delete(ctx); err != nil {
		s.logger.Warn("reply queue delete failed", "error", err)
	}
	return nil
}

// Asynchronous sends requests without waiting. Replies go to the queue
// of the correlation tag, or nowhere when no tag is set.
type Asynchronous struct {
	producer *messaging.Producer
	ctag     string
	timeout  Timeout
	tracker  Tracker
	logger   *slog.Logger
	tracer   trace.Tracer
}

var _ RequestMethod = (*Asynchronous)(nil)

// NewAsynchronous creates an asynchronous request method sending through producer
func NewAsynchronous(producer *messaging.Producer, opts ...Option) *Asynchronous {
	o := newOptions(opts)
	return &Asynchronous{
		producer: producer,
		ctag:     o.ctag,
		timeout:  o.timeout,
		tracker:  o.tracker,
		logger:   o.logger,
		tracer:   o.tracer,
	}
}

// Ctag returns the correlation tag
func (a *Asynchronous) Ctag() string {
	return a.ctag
}

// TTL returns the lifetime of sent requests
func (a *Asynchronous) TTL() time.Duration {
	return a.timeout.Start
}

func (a *Asynchronous) replyTo() string {
	if a.ctag == "" {
		return ""
	}
	return ReplyQueue(a.ctag).Address()
}

// Send sends call and returns its serial number without waiting
func (a *Asynchronous) Send(ctx context.Context, dest contracts.Destination, call *Call) (*Return, error) {
	ctx, span := a.tracer.Start(ctx, "rmi.asynchronous.send",
		trace.WithAttributes(attribute.String("destination", dest.ID())),
	)
	defer span.End()

	sn, err := a.producer.Send(ctx, dest, call.envelope(a.replyTo()), a.timeout.Start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("sn", sn))
	a.track(ctx, dest, sn, call)
	return &Return{SN: sn}, nil
}

// Broadcast sends call to every destination and returns one result per
// destination. A failed member does not affect the others.
func (a *Asynchronous) Broadcast(ctx context.Context, dests []contracts.Destination, call *Call) ([]messaging.BroadcastResult, error) {
	ctx, span := a.tracer.Start(ctx, "rmi.asynchronous.broadcast",
		trace.WithAttributes(attribute.Int("destinations", len(dests))),
	)
	defer span.End()

	results := a.producer.Broadcast(ctx, dests, call.envelope(a.replyTo()), a.timeout.Start)
	for _, r := range results {
		if r.Err == nil {
			a.track(ctx, r.Destination, r.SN, call)
		}
	}
	return results, nil
}

func (a *Asynchronous) track(ctx context.Context, dest contracts.Destination, sn string, call *Call) {
	if a.tracker == nil || a.ctag == "" {
		return
	}
	err := a.tracker.Add(ctx, Pending{
		SN:          sn,
		Ctag:        a.ctag,
		Destination: dest.ID(),
		Method:      call.Request.Classname + "." + call.Request.Method,
		Any:         call.Any,
		SentAt:      time.Now().UTC(),
	})
	if err != nil {
		a.logger.Warn("failed to track request", "sn", sn, "error", err)
	}
}

// Close is a no-op; the producer belongs to the caller
func (a *Asynchronous) Close() error {
	return nil
}

package rmi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/glimte/gofer-go/contracts"
	"github.com/glimte/gofer-go/messaging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrBroadcastTarget is returned by Stub.Call on a broadcast stub
var ErrBroadcastTarget = errors.New("gofer: stub targets several agents")

// Outcome is the result of a stub invocation. Return is set for a single
// destination and Members for a broadcast.
type Outcome struct {
	Return  *Return
	Members []messaging.BroadcastResult
}

// SNs returns the serial numbers of every request that was sent
func (o *Outcome) SNs() []string {
	if o.Return != nil {
		return []string{o.Return.SN}
	}
	sns := make([]string, 0, len(o.Members))
	for _, m := range o.Members {
		if m.Err == nil {
			sns = append(sns, m.SN)
		}
	}
	return sns
}

// StubOption configures a Stub
type StubOption func(*Stub)

// WithWindow attaches a maintenance window to every request
func WithWindow(w *contracts.Window) StubOption {
	return func(s *Stub) {
		s.window = w
	}
}

// WithSecret attaches a shared secret to every request
func WithSecret(secret string) StubOption {
	return func(s *Stub) {
		s.secret = secret
	}
}

// WithPAM attaches PAM credentials to every request
func WithPAM(user, password string) StubOption {
	return func(s *Stub) {
		s.pam = &contracts.PAM{User: user, Password: password}
	}
}

// WithAny attaches user data that is returned unmodified in the replies
func WithAny(v any) StubOption {
	return func(s *Stub) {
		if raw, ok := v.(json.RawMessage); ok {
			s.any = raw
			return
		}
		s.any, s.anyErr = json.Marshal(v)
	}
}

// WithStubTracerProvider sets the provider of the invocation spans
func WithStubTracerProvider(tp trace.TracerProvider) StubOption {
	return func(s *Stub) {
		if tp != nil {
			s.tracer = tp.Tracer(tracerName)
		}
	}
}

// Stub is a reference to a remote object. Any method name can be
// invoked; undefined methods fail remotely.
type Stub struct {
	classname string
	dests     []contracts.Destination
	broadcast bool
	method    RequestMethod

	window *contracts.Window
	secret string
	pam    *contracts.PAM
	any    json.RawMessage
	anyErr error
	cntr   *contracts.Constructor
	tracer trace.Tracer
}

// NewStub creates a stub of classname on the agent behind dest
func NewStub(method RequestMethod, dest contracts.Destination, classname string, opts ...StubOption) *Stub {
	return newStub(method, []contracts.Destination{dest}, false, classname, opts)
}

// NewBroadcastStub creates a stub that sends every invocation to all dests
func NewBroadcastStub(method RequestMethod, dests []contracts.Destination, classname string, opts ...StubOption) *Stub {
	return newStub(method, dests, true, classname, opts)
}

func newStub(method RequestMethod, dests []contracts.Destination, broadcast bool, classname string, opts []StubOption) *Stub {
	s := &Stub{
		classname: classname,
		dests:     dests,
		broadcast: broadcast,
		method:    method,
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Classname returns the remote class name
func (s *Stub) Classname() string {
	return s.classname
}

// Destinations returns the targeted destinations
func (s *Stub) Destinations() []contracts.Destination {
	return s.dests
}

// Broadcasting reports whether invocations go to several destinations
func (s *Stub) Broadcasting() bool {
	return s.broadcast
}

// Method returns the request method
func (s *Stub) Method() RequestMethod {
	return s.method
}

// New returns a copy of the stub whose requests construct the remote
// object with args and kws before invoking the method.
func (s *Stub) New(args []any, kws map[string]any) *Stub {
	clone := *s
	clone.cntr = &contracts.Constructor{Args: orEmpty(args), Kws: orEmptyMap(kws)}
	return &clone
}

// Invoke sends a request for method through the request method
func (s *Stub) Invoke(ctx context.Context, method string, args []any, kws map[string]any) (*Outcome, error) {
	if s.anyErr != nil {
		return nil, fmt.Errorf("encode user data: %w", s.anyErr)
	}

	ctx, span := s.tracer.Start(ctx, "rmi.stub.invoke",
		trace.WithAttributes(
			attribute.String("class", s.classname),
			attribute.String("method", method),
			attribute.Int("destinations", len(s.dests)),
			attribute.Bool("broadcast", s.broadcast),
		),
	)
	defer span.End()

	call := &Call{
		Request: contracts.Request{
			Classname: s.classname,
			Method:    method,
			Args:      orEmpty(args),
			Kws:       orEmptyMap(kws),
			Cntr:      s.cntr,
		},
		Window: s.window,
		Secret: s.secret,
		PAM:    s.pam,
		Any:    s.any,
	}

	out, err := s.dispatch(ctx, call)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

func (s *Stub) dispatch(ctx context.Context, call *Call) (*Outcome, error) {
	if s.broadcast {
		members, err := s.method.Broadcast(ctx, s.dests, call)
		if err != nil {
			return nil, err
		}
		return &Outcome{Members: members}, nil
	}

	ret, err := s.method.Send(ctx, s.dests[0], call)
	return &Outcome{Return: ret}, err
}

// Call invokes method with positional args on a single destination
func (s *Stub) Call(ctx context.Context, method string, args ...any) (*Return, error) {
	if s.broadcast {
		return nil, ErrBroadcastTarget
	}
	out, err := s.Invoke(ctx, method, args, nil)
	if out == nil {
		return nil, err
	}
	return out.Return, err
}

func orEmpty(args []any) []any {
	if args == nil {
		return []any{}
	}
	return args
}

func orEmptyMap(kws map[string]any) map[string]any {
	if kws == nil {
		return map[string]any{}
	}
	return kws
}

package rmi

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/glimte/gofer-go/contracts"
)

// ErrNotReply is returned by Classify for envelopes that carry neither a
// status nor a result.
var ErrNotReply = errors.New("gofer: envelope is not a reply")

// Reply is a classified reply envelope: *Status, *Succeeded or *Failed
type Reply interface {
	// Envelope returns the underlying envelope
	Envelope() *contracts.Envelope
	// SN returns the serial number of the request being answered
	SN() string
	// Terminal reports whether no further reply follows for the sn
	Terminal() bool
	// Throw returns the remote exception of a failed reply and nil otherwise
	Throw() error

	reply()
}

type base struct {
	env *contracts.Envelope
}

// Envelope returns the reply envelope
func (b base) Envelope() *contracts.Envelope { return b.env }

// SN returns the serial number of the request being answered
func (b base) SN() string { return b.env.SN }

func (b base) reply() {}

// Any decodes the round-tripped user data into v
func (b base) Any(v any) error {
	return b.env.DecodeAny(v)
}

// Status is a progress marker such as "started"
type Status struct {
	base
	Value string
}

// Terminal is false: a status is always followed by another reply
func (*Status) Terminal() bool { return false }

// Throw returns nil
func (*Status) Throw() error { return nil }

// Succeeded is a terminal reply carrying the return value
type Succeeded struct {
	base
	Retval json.RawMessage
}

// Terminal is true
func (*Succeeded) Terminal() bool { return true }

// Throw returns nil
func (*Succeeded) Throw() error { return nil }

// Decode unmarshals the return value into v
func (s *Succeeded) Decode(v any) error {
	if err := json.Unmarshal(s.Retval, v); err != nil {
		return fmt.Errorf("decode retval of %s: %w", s.SN(), err)
	}
	return nil
}

// Failed is a terminal reply carrying the exception raised by the agent
type Failed struct {
	base
	Exception *contracts.RemoteException
}

// Terminal is true
func (*Failed) Terminal() bool { return true }

// Throw returns the remote exception, see Rethrow
func (f *Failed) Throw() error { return f.Rethrow() }

// Rethrow returns the remote exception as a local error
func (f *Failed) Rethrow() error {
	return f.Exception
}

// Classify interprets a reply envelope. A status wins over a result.
func Classify(env *contracts.Envelope) (Reply, error) {
	b := base{env: env}
	switch {
	case env.Status != "":
		return &Status{base: b, Value: env.Status}, nil
	case env.Result == nil:
		return nil, fmt.Errorf("%w: %s", ErrNotReply, env.SN)
	case env.Result.Succeeded():
		return &Succeeded{base: b, Retval: env.Result.Retval}, nil
	}
	return &Failed{base: b, Exception: env.Result.Exception()}, nil
}

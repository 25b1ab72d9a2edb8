package contracts

import (
	"encoding/json"
	"fmt"
)

// Result is the terminal outcome of a request. Exactly one of
// Retval and Exval is set; a nil Retval means the field is absent,
// while json "null" is a valid return value.
type Result struct {
	Retval json.RawMessage
	Exval  json.RawMessage

	// Optional descriptors of the remote exception class
	XModule string
	XClass  string
	XState  map[string]any
	XArgs   []any
}

type resultWire struct {
	Retval  json.RawMessage `json:"retval,omitempty"`
	Exval   json.RawMessage `json:"exval,omitempty"`
	XModule string          `json:"xmodule,omitempty"`
	XClass  string          `json:"xclass,omitempty"`
	XState  map[string]any  `json:"xstate,omitempty"`
	XArgs   []any           `json:"xargs,omitempty"`
}

// Succeed builds a result carrying the return value v
func Succeed(v any) (*Result, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode retval: %w", err)
	}
	return &Result{Retval: data}, nil
}

// Fail builds a result carrying an exception of the given type and message
func Fail(xclass, message string) *Result {
	exval, _ := json.Marshal(map[string]string{"type": xclass, "message": message})
	return &Result{Exval: exval, XClass: xclass}
}

// Succeeded reports whether the result carries a return value
func (r *Result) Succeeded() bool {
	return r.Retval != nil
}

// Failed reports whether the result carries an exception
func (r *Result) Failed() bool {
	return !r.Succeeded()
}

// Validate enforces that exactly one of retval/exval is present
func (r *Result) Validate() error {
	switch {
	case r.Retval != nil && r.Exval != nil:
		return fmt.Errorf("%w: result has both retval and exval", ErrInvalidEnvelope)
	case r.Retval == nil && r.Exval == nil:
		return fmt.Errorf("%w: result has neither retval nor exval", ErrInvalidEnvelope)
	}
	return nil
}

// Decode unmarshals the return value into v
func (r *Result) Decode(v any) error {
	if r.Retval == nil {
		return fmt.Errorf("result has no retval")
	}
	return json.Unmarshal(r.Retval, v)
}

// Exception reconstructs the remote exception descriptor
func (r *Result) Exception() *RemoteException {
	return NewRemoteException(r)
}

// MarshalJSON keeps a null retval on the wire
func (r Result) MarshalJSON() ([]byte, error) {
	fields := map[string]any{}
	if r.Retval != nil {
		fields["retval"] = r.Retval
	}
	if r.Exval != nil {
		fields["exval"] = r.Exval
	}
	if r.XModule != "" {
		fields["xmodule"] = r.XModule
	}
	if r.XClass != "" {
		fields["xclass"] = r.XClass
	}
	if r.XState != nil {
		fields["xstate"] = r.XState
	}
	if r.XArgs != nil {
		fields["xargs"] = r.XArgs
	}
	return json.Marshal(fields)
}

// UnmarshalJSON records key presence so that "retval": null still succeeds
func (r *Result) UnmarshalJSON(data []byte) error {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return err
	}
	var w resultWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = Result{
		XModule: w.XModule,
		XClass:  w.XClass,
		XState:  w.XState,
		XArgs:   w.XArgs,
	}
	if raw, ok := keys["retval"]; ok {
		r.Retval = raw
	}
	if raw, ok := keys["exval"]; ok {
		r.Exval = raw
	}
	return nil
}

package contracts

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is stamped on every outbound envelope.
const ProtocolVersion = "0.2"

// Envelope is the record exchanged over the broker
type Envelope struct {
	SN      string          `json:"sn"`
	Version string          `json:"version"`
	Origin  string          `json:"origin"`
	ReplyTo string          `json:"replyto,omitempty"`
	Request *Request        `json:"request,omitempty"`
	Result  *Result         `json:"result,omitempty"`
	Status  string          `json:"status,omitempty"`
	Window  map[string]any  `json:"window,omitempty"`
	Secret  string          `json:"secret,omitempty"`
	PAM     *PAM            `json:"pam,omitempty"`
	Any     json.RawMessage `json:"any,omitempty"`
}

// Request describes a remote method call
type Request struct {
	Classname string         `json:"classname"`
	Method    string         `json:"method"`
	Args      []any          `json:"args"`
	Kws       map[string]any `json:"kws"`
	Cntr      *Constructor   `json:"cntr,omitempty"`
}

// Constructor carries the arguments used to construct the remote object
// before the method is invoked. It is encoded as [args, kws].
type Constructor struct {
	Args []any
	Kws  map[string]any
}

// MarshalJSON encodes the constructor as a two element array
func (c Constructor) MarshalJSON() ([]byte, error) {
	args := c.Args
	if args == nil {
		args = []any{}
	}
	kws := c.Kws
	if kws == nil {
		kws = map[string]any{}
	}
	return json.Marshal([]any{args, kws})
}

// UnmarshalJSON decodes the [args, kws] form
func (c *Constructor) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("constructor: %w", err)
	}
	if len(parts) != 2 {
		return fmt.Errorf("constructor: expected [args, kws], got %d elements", len(parts))
	}
	if err := json.Unmarshal(parts[0], &c.Args); err != nil {
		return fmt.Errorf("constructor args: %w", err)
	}
	if err := json.Unmarshal(parts[1], &c.Kws); err != nil {
		return fmt.Errorf("constructor kws: %w", err)
	}
	return nil
}

// PAM holds credentials the agent uses to authenticate the caller.
// The core never inspects them.
type PAM struct {
	User     string `json:"user"`
	Password string `json:"password,omitempty"`
}

// IsRequest reports whether the envelope carries a request
func (e *Envelope) IsRequest() bool {
	return e.Request != nil && e.Result == nil && e.Status == ""
}

// IsReply reports whether the envelope carries a reply (status or result)
func (e *Envelope) IsReply() bool {
	return e.Request == nil && (e.Result != nil || e.Status != "")
}

// Validate checks the request/reply invariant
func (e *Envelope) Validate() error {
	if e.SN == "" {
		return fmt.Errorf("%w: missing sn", ErrInvalidEnvelope)
	}
	if !e.IsRequest() && !e.IsReply() {
		return fmt.Errorf("%w: sn=%s is neither a request nor a reply", ErrInvalidEnvelope, e.SN)
	}
	if e.Result != nil {
		if err := e.Result.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// SetAny stores v as the passthrough payload
func (e *Envelope) SetAny(v any) error {
	if v == nil {
		e.Any = nil
		return nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		e.Any = raw
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode any: %w", err)
	}
	e.Any = data
	return nil
}

// DecodeAny unmarshals the passthrough payload into v
func (e *Envelope) DecodeAny(v any) error {
	if len(e.Any) == 0 {
		return nil
	}
	return json.Unmarshal(e.Any, v)
}

// Encode serializes an envelope for the wire
func Encode(e *Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses an envelope received from the wire
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return &e, nil
}

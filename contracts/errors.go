package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidEnvelope = errors.New("gofer: invalid envelope")
	ErrVersionMismatch = errors.New("gofer: protocol version mismatch")
	ErrRequestTimeout  = errors.New("gofer: request timeout")
	ErrRemoteException = errors.New("gofer: remote exception")
	ErrInvalidWindow   = errors.New("gofer: invalid window")
	ErrInvalidAddress  = errors.New("gofer: invalid destination address")
)

// RequestTimeout is returned when no reply arrives within the configured window
type RequestTimeout struct {
	SN    string
	Phase string // "start" or "complete"
}

func (e *RequestTimeout) Error() string {
	if e.Phase != "" {
		return fmt.Sprintf("request (%s) timeout waiting for %s", e.SN, e.Phase)
	}
	return fmt.Sprintf("request (%s) timeout", e.SN)
}

// Is lets errors.Is(err, ErrRequestTimeout) match
func (e *RequestTimeout) Is(target error) bool {
	return target == ErrRequestTimeout
}

// RemoteException is an exception raised by the agent while executing a request.
// It is reconstructed from the reply and never conflated with local errors.
type RemoteException struct {
	Type    string
	Message string
	Module  string
	State   map[string]any
	Args    []any
}

// NewRemoteException reconstructs the exception carried by a failed result
func NewRemoteException(r *Result) *RemoteException {
	ex := &RemoteException{
		Type:   r.XClass,
		Module: r.XModule,
		State:  r.XState,
		Args:   r.XArgs,
	}
	if len(r.Exval) == 0 {
		return ex
	}

	var text string
	if err := json.Unmarshal(r.Exval, &text); err == nil {
		ex.Message = strings.TrimSpace(text)
		return ex
	}

	var desc struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(r.Exval, &desc); err == nil && (desc.Type != "" || desc.Message != "") {
		if desc.Type != "" {
			ex.Type = desc.Type
		}
		ex.Message = desc.Message
		return ex
	}

	ex.Message = string(r.Exval)
	return ex
}

func (e *RemoteException) Error() string {
	switch {
	case e.Type != "" && e.Message != "":
		return e.Type + ": " + e.Message
	case e.Type != "":
		return e.Type
	case e.Message != "":
		return e.Message
	}
	return "remote exception"
}

// Is lets errors.Is(err, ErrRemoteException) match
func (e *RemoteException) Is(target error) bool {
	return target == ErrRemoteException
}

// IsRemote reports whether err originated on the remote agent
func IsRemote(err error) bool {
	return errors.Is(err, ErrRemoteException)
}

// IsTimeout reports whether err is a request timeout
func IsTimeout(err error) bool {
	return errors.Is(err, ErrRequestTimeout)
}

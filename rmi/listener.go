package rmi

import "context"

// Listener receives the replies of asynchronous requests
type Listener interface {
	// Status is called for progress markers
	Status(ctx context.Context, reply *Status) error
	// Succeeded is called for a terminal reply carrying a return value
	Succeeded(ctx context.Context, reply *Succeeded) error
	// Failed is called for a terminal reply carrying a remote exception
	Failed(ctx context.Context, reply *Failed) error
}

// NoOpListener ignores every reply. Embed it to implement a subset of Listener.
type NoOpListener struct{}

// Status implements Listener
func (NoOpListener) Status(context.Context, *Status) error { return nil }

// Succeeded implements Listener
func (NoOpListener) Succeeded(context.Context, *Succeeded) error { return nil }

// Failed implements Listener
func (NoOpListener) Failed(context.Context, *Failed) error { return nil }

// ListenerFuncs adapts functions to Listener. Nil functions are no-ops.
type ListenerFuncs struct {
	OnStatus    func(ctx context.Context, reply *Status) error
	OnSucceeded func(ctx context.Context, reply *Succeeded) error
	OnFailed    func(ctx context.Context, reply *Failed) error
}

// Status calls OnStatus
func (l ListenerFuncs) Status(ctx context.Context, reply *Status) error {
	if l.OnStatus == nil {
		return nil
	}
	return l.OnStatus(ctx, reply)
}

// Succeeded calls OnSucceeded
func (l ListenerFuncs) Succeeded(ctx context.Context, reply *Succeeded) error {
	if l.OnSucceeded == nil {
		return nil
	}
	return l.OnSucceeded(ctx, reply)
}

// Failed calls OnFailed
func (l ListenerFuncs) Failed(ctx context.Context, reply *Failed) error {
	if l.OnFailed == nil {
		return nil
	}
	return l.OnFailed(ctx, reply)
}

// Notify calls the listener method matching the reply variant
func Notify(ctx context.Context, reply Reply, l Listener) error {
	switch r := reply.(type) {
	case *Status:
		return l.Status(ctx, r)
	case *Succeeded:
		return l.Succeeded(ctx, r)
	case *Failed:
		return l.Failed(ctx, r)
	}
	return nil
}

package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/gofer-go/contracts"
)

// SendFunc sends one envelope to a destination
type SendFunc func(ctx context.Context, dest contracts.Destination, env *contracts.Envelope) error

// Interceptor processes an envelope before it reaches the broker
type Interceptor interface {
	// Intercept processes the envelope and calls next to continue the send
	Intercept(ctx context.Context, dest contracts.Destination, env *contracts.Envelope, next SendFunc) error

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, dest contracts.Destination, env *contracts.Envelope, next SendFunc) error
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, dest contracts.Destination, env *contracts.Envelope, next SendFunc) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, dest contracts.Destination, env *contracts.Envelope, next SendFunc) error {
	return i.fn(ctx, dest, env, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain is an ordered list of interceptors
type Chain struct {
	interceptors []Interceptor
}

// NewChain creates a chain running the given interceptors in order
func NewChain(interceptors ...Interceptor) *Chain {
	c := &Chain{}
	for _, i := range interceptors {
		c.Add(i)
	}
	return c
}

// Add appends an interceptor. Nil interceptors are ignored.
func (c *Chain) Add(interceptor Interceptor) *Chain {
	if interceptor != nil {
		c.interceptors = append(c.interceptors, interceptor)
	}
	return c
}

// Len returns the number of interceptors
func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.interceptors)
}

// Then returns final wrapped by every interceptor of the chain. A nil or
// empty chain returns final unchanged.
func (c *Chain) Then(final SendFunc) SendFunc {
	if c.Len() == 0 {
		return final
	}

	// Build the chain in reverse order
	send := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := send
		send = func(ctx context.Context, dest contracts.Destination, env *contracts.Envelope) error {
			return interceptor.Intercept(ctx, dest, env, next)
		}
	}
	return send
}

// Execute runs the chain for one envelope
func (c *Chain) Execute(ctx context.Context, dest contracts.Destination, env *contracts.Envelope, final SendFunc) error {
	return c.Then(final)(ctx, dest, env)
}

// LoggingInterceptor logs every send
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, dest contracts.Destination, env *contracts.Envelope, next SendFunc) error {
	start := time.Now()
	err := next(ctx, dest, env)
	duration := time.Since(start)

	if err != nil {
		i.logger.Error("send failed",
			"sn", env.SN,
			"destination", dest.ID(),
			"duration", duration,
			"error", err,
		)
		return err
	}

	attrs := []any{"sn", env.SN, "destination", dest.ID(), "duration", duration}
	if env.Request != nil {
		attrs = append(attrs, "method", env.Request.Classname+"."+env.Request.Method)
	}
	i.logger.Info("envelope sent", attrs...)
	return nil
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// ValidationInterceptor rejects malformed envelopes before they are sent
type ValidationInterceptor struct{}

// NewValidationInterceptor creates a new validation interceptor
func NewValidationInterceptor() *ValidationInterceptor {
	return &ValidationInterceptor{}
}

// Intercept implements Interceptor
func (i *ValidationInterceptor) Intercept(ctx context.Context, dest contracts.Destination, env *contracts.Envelope, next SendFunc) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("envelope validation failed: %w", err)
	}

	return next(ctx, dest, env)
}

// Name implements Interceptor
func (i *ValidationInterceptor) Name() string {
	return "ValidationInterceptor"
}

// SecretInterceptor stamps a shared secret on requests
type SecretInterceptor struct {
	secret string
}

// NewSecretInterceptor creates an interceptor stamping secret. An envelope
// that already carries a secret keeps it.
func NewSecretInterceptor(secret string) *SecretInterceptor {
	return &SecretInterceptor{secret: secret}
}

// Intercept implements Interceptor
func (i *SecretInterceptor) Intercept(ctx context.Context, dest contracts.Destination, env *contracts.Envelope, next SendFunc) error {
	if i.secret != "" && env.Secret == "" && env.Request != nil {
		env.Secret = i.secret
	}

	return next(ctx, dest, env)
}

// Name implements Interceptor
func (i *SecretInterceptor) Name() string {
	return "SecretInterceptor"
}

// TimeoutInterceptor bounds the time of a single send
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor
func (i *TimeoutInterceptor) Intercept(ctx context.Context, dest contracts.Destination, env *contracts.Envelope, next SendFunc) error {
	if i.timeout <= 0 {
		return next(ctx, dest, env)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	err := next(timeoutCtx, dest, env)
	if err != nil && timeoutCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return fmt.Errorf("send timeout after %v for %s: %w", i.timeout, env.SN, err)
	}
	return err
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

// Package reliability provides the retry policies used when opening
// broker connections.
//
// Example usage:
//
//	policy := NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 4)
//	err := Retry(ctx, "connect", policy, func(ctx context.Context) error {
//	    return dial(ctx)
//	})
package reliability

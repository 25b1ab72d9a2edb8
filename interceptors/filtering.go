package interceptors

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/glimte/gofer-go/contracts"
)

// ErrFiltered is returned when a filter refuses a send
var ErrFiltered = errors.New("gofer: send filtered")

// Filter decides whether an envelope may be sent to a destination
type Filter interface {
	Allow(ctx context.Context, dest contracts.Destination, env *contracts.Envelope) (bool, error)
}

// FilterFunc is a function adapter for Filter
type FilterFunc func(ctx context.Context, dest contracts.Destination, env *contracts.Envelope) (bool, error)

// Allow implements Filter
func (f FilterFunc) Allow(ctx context.Context, dest contracts.Destination, env *contracts.Envelope) (bool, error) {
	return f(ctx, dest, env)
}

// FilteringInterceptor refuses sends its filter does not allow
type FilteringInterceptor struct {
	filter Filter
}

// NewFilteringInterceptor creates a new filtering interceptor
func NewFilteringInterceptor(filter Filter) *FilteringInterceptor {
	return &FilteringInterceptor{filter: filter}
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, dest contracts.Destination, env *contracts.Envelope, next SendFunc) error {
	ok, err := i.filter.Allow(ctx, dest, env)
	if err != nil {
		return fmt.Errorf("filter error: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s to %s", ErrFiltered, env.SN, dest.ID())
	}

	return next(ctx, dest, env)
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// AllowDestinations allows only destinations whose ID matches one of the
// path.Match patterns, e.g. "queue:agent.*".
func AllowDestinations(patterns ...string) Filter {
	return FilterFunc(func(_ context.Context, dest contracts.Destination, _ *contracts.Envelope) (bool, error) {
		return matchAny(patterns, dest.ID())
	})
}

// DenyDestinations refuses destinations whose ID matches one of the patterns
func DenyDestinations(patterns ...string) Filter {
	return FilterFunc(func(_ context.Context, dest contracts.Destination, _ *contracts.Envelope) (bool, error) {
		matched, err := matchAny(patterns, dest.ID())
		return !matched, err
	})
}

// AllFilters allows a send only when every filter does
func AllFilters(filters ...Filter) Filter {
	return FilterFunc(func(ctx context.Context, dest contracts.Destination, env *contracts.Envelope) (bool, error) {
		for _, f := range filters {
			ok, err := f.Allow(ctx, dest, env)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	})
}

func matchAny(patterns []string, id string) (bool, error) {
	for _, p := range patterns {
		ok, err := path.Match(p, id)
		if err != nil {
			return false, fmt.Errorf("pattern %q: %w", p, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

package interceptors

import (
	"context"
	"errors"
	"testing"

	"github.com/glimte/gofer-go/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilteringInterceptor(t *testing.T) {
	sent := 0
	next := func(context.Context, contracts.Destination, *contracts.Envelope) error {
		sent++
		return nil
	}

	tests := []struct {
		name    string
		filter  Filter
		dest    contracts.Destination
		allowed bool
	}{
		{"allow match", AllowDestinations("queue:agent.*"), contracts.NewQueue("agent.a", true), true},
		{"allow miss", AllowDestinations("queue:agent.*"), contracts.NewQueue("other", true), false},
		{"deny match", DenyDestinations("queue:prod.*"), contracts.NewQueue("prod.db", true), false},
		{"deny miss", DenyDestinations("queue:prod.*"), contracts.NewQueue("dev.db", true), true},
		{"topic", AllowDestinations("topic:jobs/*"), contracts.NewTopic("jobs", "build", ""), true},
		{"all", AllFilters(AllowDestinations("queue:*"), DenyDestinations("queue:prod.*")), contracts.NewQueue("prod.x", true), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := sent
			err := NewFilteringInterceptor(tt.filter).Intercept(context.Background(), tt.dest, request("sn-1"), next)
			if tt.allowed {
				require.NoError(t, err)
				assert.Equal(t, before+1, sent)
				return
			}
			assert.ErrorIs(t, err, ErrFiltered)
			assert.Equal(t, before, sent)
		})
	}
}

func TestFilterErrors(t *testing.T) {
	boom := errors.New("boom")
	failing := FilterFunc(func(context.Context, contracts.Destination, *contracts.Envelope) (bool, error) {
		return false, boom
	})
	next := func(context.Context, contracts.Destination, *contracts.Envelope) error { return nil }
	dest := contracts.NewQueue("agent", true)

	err := NewFilteringInterceptor(failing).Intercept(context.Background(), dest, request("sn-1"), next)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrFiltered)

	err = NewFilteringInterceptor(AllowDestinations("[")).Intercept(context.Background(), dest, request("sn-2"), next)
	assert.Error(t, err)
}

package rmi

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/glimte/gofer-go/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	ok, _ := contracts.Succeed(3)

	t.Run("status", func(t *testing.T) {
		r, err := Classify(&contracts.Envelope{SN: "1", Status: "started"})
		require.NoError(t, err)
		s, is := r.(*Status)
		require.True(t, is)
		assert.Equal(t, "started", s.Value)
		assert.False(t, r.Terminal())
		assert.NoError(t, r.Throw())
	})

	t.Run("succeeded", func(t *testing.T) {
		r, err := Classify(&contracts.Envelope{SN: "2", Result: ok})
		require.NoError(t, err)
		s, is := r.(*Succeeded)
		require.True(t, is)
		assert.True(t, r.Terminal())
		assert.NoError(t, r.Throw())

		var n int
		require.NoError(t, s.Decode(&n))
		assert.Equal(t, 3, n)
	})

	t.Run("null retval still succeeded", func(t *testing.T) {
		r, err := Classify(&contracts.Envelope{SN: "3", Result: &contracts.Result{Retval: json.RawMessage("null")}})
		require.NoError(t, err)
		assert.IsType(t, &Succeeded{}, r)
	})

	t.Run("failed", func(t *testing.T) {
		r, err := Classify(&contracts.Envelope{SN: "4", Result: contracts.Fail("ValueError", "bad arg")})
		require.NoError(t, err)
		f, is := r.(*Failed)
		require.True(t, is)
		assert.True(t, r.Terminal())

		err = f.Rethrow()
		assert.EqualError(t, err, "ValueError: bad arg")
		assert.True(t, contracts.IsRemote(err))
		assert.Equal(t, err, r.Throw())
	})

	t.Run("not a reply", func(t *testing.T) {
		_, err := Classify(&contracts.Envelope{SN: "5"})
		assert.ErrorIs(t, err, ErrNotReply)
	})
}

func TestNotify(t *testing.T) {
	ctx := context.Background()
	var calls []string
	l := ListenerFuncs{
		OnStatus:    func(context.Context, *Status) error { calls = append(calls, "status"); return nil },
		OnSucceeded: func(context.Context, *Succeeded) error { calls = append(calls, "succeeded"); return nil },
		OnFailed: func(context.Context, *Failed) error {
			calls = append(calls, "failed")
			return errors.New("listener broke")
		},
	}

	ok, _ := contracts.Succeed("x")
	for _, env := range []*contracts.Envelope{
		{SN: "a", Status: "started"},
		{SN: "a", Result: ok},
		{SN: "b", Result: contracts.Fail("KeyError", "k")},
	} {
		r, err := Classify(env)
		require.NoError(t, err)
		err = Notify(ctx, r, l)
		if env.SN == "b" {
			assert.EqualError(t, err, "listener broke")
		} else {
			assert.NoError(t, err)
		}
	}
	assert.Equal(t, []string{"status", "succeeded", "failed"}, calls)

	r, _ := Classify(&contracts.Envelope{SN: "c", Status: "started"})
	assert.NoError(t, Notify(ctx, r, NoOpListener{}))
	assert.NoError(t, Notify(ctx, r, ListenerFuncs{}))
}

func TestReplyAny(t *testing.T) {
	env := &contracts.Envelope{SN: "1", Status: "started", Any: json.RawMessage(`{"task":7}`)}
	r, err := Classify(env)
	require.NoError(t, err)

	var data struct {
		Task int `json:"task"`
	}
	require.NoError(t, r.(*Status).Any(&data))
	assert.Equal(t, 7, data.Task)
}

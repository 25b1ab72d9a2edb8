package rmi

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/glimte/gofer-go/contracts"
	"github.com/glimte/gofer-go/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockMethod struct {
	mock.Mock
}

func (m *mockMethod) Send(ctx context.Context, dest contracts.Destination, call *Call) (*Return, error) {
	args := m.Called(ctx, dest, call)
	ret, _ := args.Get(0).(*Return)
	return ret, args.Error(1)
}

func (m *mockMethod) Broadcast(ctx context.Context, dests []contracts.Destination, call *Call) ([]messaging.BroadcastResult, error) {
	args := m.Called(ctx, dests, call)
	res, _ := args.Get(0).([]messaging.BroadcastResult)
	return res, args.Error(1)
}

func (m *mockMethod) Close() error {
	return m.Called().Error(0)
}

func TestStubInvoke(t *testing.T) {
	ctx := context.Background()
	dest := contracts.NewQueue("agent", true)
	window, err := contracts.NewWindowFor(time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC), "hours", 2)
	require.NoError(t, err)

	method := &mockMethod{}
	method.On("Send", mock.Anything, dest, mock.MatchedBy(func(c *Call) bool {
		return c.Request.Classname == "Dog" &&
			c.Request.Method == "bark" &&
			assert.ObjectsAreEqual([]any{"woof"}, c.Request.Args) &&
			c.Request.Kws["loud"] == true &&
			c.Request.Cntr == nil &&
			c.Window == window &&
			c.Secret == "s3" &&
			c.PAM.User == "root" &&
			string(c.Any) == `{"job":9}`
	})).Return(&Return{SN: "sn-1"}, nil).Once()

	stub := NewStub(method, dest, "Dog",
		WithWindow(window),
		WithSecret("s3"),
		WithPAM("root", "pw"),
		WithAny(map[string]int{"job": 9}))

	out, err := stub.Invoke(ctx, "bark", []any{"woof"}, map[string]any{"loud": true})
	require.NoError(t, err)
	assert.Equal(t, "sn-1", out.Return.SN)
	assert.Equal(t, []string{"sn-1"}, out.SNs())
	method.AssertExpectations(t)
}

func TestStubCall(t *testing.T) {
	ctx := context.Background()
	dest := contracts.NewQueue("agent", true)
	remote := contracts.NewRemoteException(contracts.Fail("AttributeError", "no method"))

	method := &mockMethod{}
	method.On("Send", mock.Anything, dest, mock.MatchedBy(func(c *Call) bool {
		return c.Request.Method == "missing" && len(c.Request.Args) == 0 && c.Request.Kws != nil
	})).Return(&Return{SN: "sn-2"}, remote).Once()

	ret, err := NewStub(method, dest, "Dog").Call(ctx, "missing")
	assert.True(t, contracts.IsRemote(err))
	require.NotNil(t, ret)
	assert.Equal(t, "sn-2", ret.SN)
	method.AssertExpectations(t)
}

func TestStubNew(t *testing.T) {
	ctx := context.Background()
	dest := contracts.NewQueue("agent", true)

	method := &mockMethod{}
	method.On("Send", mock.Anything, dest, mock.MatchedBy(func(c *Call) bool {
		return c.Request.Cntr != nil &&
			assert.ObjectsAreEqual([]any{"rex"}, c.Request.Cntr.Args) &&
			len(c.Request.Cntr.Kws) == 0
	})).Return(&Return{SN: "sn-3"}, nil).Once()

	base := NewStub(method, dest, "Dog")
	rex := base.New([]any{"rex"}, nil)

	_, err := rex.Call(ctx, "bark")
	require.NoError(t, err)
	assert.NotSame(t, base, rex)

	data, err := json.Marshal(rex.cntr)
	require.NoError(t, err)
	assert.JSONEq(t, `[["rex"],{}]`, string(data))
	method.AssertExpectations(t)
}

func TestStubBroadcast(t *testing.T) {
	ctx := context.Background()
	dests := contracts.Queues("A", "B", "C")
	members := []messaging.BroadcastResult{
		{Destination: dests[0], SN: "1"},
		{Destination: dests[1], SN: "2", Err: errors.New("unroutable")},
		{Destination: dests[2], SN: "3"},
	}

	method := &mockMethod{}
	method.On("Broadcast", mock.Anything, dests, mock.Anything).Return(members, nil).Once()

	stub := NewBroadcastStub(method, dests, "Dog")
	assert.True(t, stub.Broadcasting())

	out, err := stub.Invoke(ctx, "bark", nil, nil)
	require.NoError(t, err)
	assert.Nil(t, out.Return)
	assert.Equal(t, []string{"1", "3"}, out.SNs())

	_, err = stub.Call(ctx, "bark")
	assert.ErrorIs(t, err, ErrBroadcastTarget)
	method.AssertExpectations(t)
}

func TestStubBadUserData(t *testing.T) {
	stub := NewStub(&mockMethod{}, contracts.NewQueue("agent", true), "Dog", WithAny(func() {}))
	_, err := stub.Invoke(context.Background(), "bark", nil, nil)
	assert.ErrorContains(t, err, "encode user data")
}

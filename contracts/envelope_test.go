package contracts

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeCodec(t *testing.T) {
	t.Run("request round trip", func(t *testing.T) {
		in := &Envelope{
			SN:      "sn-1",
			Version: ProtocolVersion,
			Origin:  "client-1",
			ReplyTo: "reply-queue",
			Request: &Request{
				Classname: "Foo",
				Method:    "bar",
				Args:      []any{1.0, "two"},
				Kws:       map[string]any{"flag": true},
			},
			Any: json.RawMessage(`{"task":42}`),
		}

		data, err := Encode(in)
		require.NoError(t, err)

		out, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, in, out)
		assert.True(t, out.IsRequest())
		assert.False(t, out.IsReply())
		assert.NoError(t, out.Validate())
	})

	t.Run("any payload is preserved byte for byte", func(t *testing.T) {
		raw := json.RawMessage(`{"b":2,"a":[1,2,3]}`)
		data, err := Encode(&Envelope{SN: "x", Status: "started", Any: raw})
		require.NoError(t, err)

		out, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, string(raw), string(out.Any))
	})

	t.Run("absent replyto is omitted", func(t *testing.T) {
		data, err := Encode(&Envelope{SN: "x", Request: &Request{Classname: "A", Method: "b"}})
		require.NoError(t, err)
		assert.NotContains(t, string(data), "replyto")
		assert.NotContains(t, string(data), "result")
	})

	t.Run("decode rejects garbage", func(t *testing.T) {
		_, err := Decode([]byte("{not json"))
		assert.ErrorIs(t, err, ErrInvalidEnvelope)
	})

	t.Run("SetAny and DecodeAny", func(t *testing.T) {
		e := &Envelope{}
		require.NoError(t, e.SetAny(map[string]int{"n": 7}))

		var got map[string]int
		require.NoError(t, e.DecodeAny(&got))
		assert.Equal(t, 7, got["n"])

		require.NoError(t, e.SetAny(nil))
		assert.Nil(t, e.Any)
	})
}

func TestEnvelopeValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{"request", Envelope{SN: "1", Request: &Request{}}, false},
		{"status reply", Envelope{SN: "1", Status: "started"}, false},
		{"result reply", Envelope{SN: "1", Result: &Result{Retval: json.RawMessage("3")}}, false},
		{"missing sn", Envelope{Request: &Request{}}, true},
		{"empty", Envelope{SN: "1"}, true},
		{"request and result", Envelope{SN: "1", Request: &Request{}, Result: &Result{Retval: json.RawMessage("1")}}, true},
		{"result with both", Envelope{SN: "1", Result: &Result{Retval: json.RawMessage("1"), Exval: json.RawMessage(`"x"`)}}, true},
		{"result with neither", Envelope{SN: "1", Result: &Result{}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidEnvelope)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestResult(t *testing.T) {
	t.Run("null retval still succeeds", func(t *testing.T) {
		env, err := Decode([]byte(`{"sn":"1","version":"0.2","result":{"retval":null}}`))
		require.NoError(t, err)
		require.NotNil(t, env.Result)
		assert.True(t, env.Result.Succeeded())
		assert.Equal(t, "null", string(env.Result.Retval))

		data, err := Encode(env)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"retval":null`)
	})

	t.Run("succeed encodes the value", func(t *testing.T) {
		r, err := Succeed(3)
		require.NoError(t, err)

		var v int
		require.NoError(t, r.Decode(&v))
		assert.Equal(t, 3, v)
		assert.False(t, r.Failed())
	})

	t.Run("fail carries the exception", func(t *testing.T) {
		r := Fail("ValueError", "bad arg")
		assert.True(t, r.Failed())
		assert.EqualError(t, r.Exception(), "ValueError: bad arg")
		assert.Error(t, r.Decode(new(int)))
	})
}

func TestConstructorWireForm(t *testing.T) {
	req := Request{
		Classname: "Dog",
		Method:    "bark",
		Args:      []any{},
		Kws:       map[string]any{},
		Cntr:      &Constructor{Args: []any{"rex"}},
	}

	data, err := json.Marshal(req)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"cntr":[["rex"],{}]`)

	var out Request
	require.NoError(t, json.Unmarshal(data, &out))
	require.NotNil(t, out.Cntr)
	assert.Equal(t, []any{"rex"}, out.Cntr.Args)
	assert.Empty(t, out.Cntr.Kws)

	assert.Error(t, json.Unmarshal([]byte(`{"cntr":[1]}`), &out))
}

package transport_test

import (
	"encoding/json"
	"testing"

	"github.com/effective-security/mcpagent/mcpclient/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Decode(t *testing.T) {
	tcases := []struct {
		name string
		in   string
		typ  transport.MessageType
	}{
		{"request", `{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{}}`, transport.MessageTypeRequest},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/initialized"}`, transport.MessageTypeNotification},
		{"response", `{"jsonrpc":"2.0","id":7,"result":{"ok":true}}`, transport.MessageTypeResponse},
		{"error", `{"jsonrpc":"2.0","id":7,"error":{"code":-32601,"message":"method not found"}}`, transport.MessageTypeError},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := transport.Decode([]byte(tc.in))
			require.NoError(t, err)
			assert.Equal(t, tc.typ, msg.Type)
		})
	}
}

func Test_Decode_Fields(t *testing.T) {
	msg, err := transport.Decode([]byte(`{"jsonrpc":"2.0","id":42,"result":{"tools":[]}}`))
	require.NoError(t, err)
	require.Equal(t, transport.MessageTypeResponse, msg.Type)
	assert.Equal(t, transport.RequestID(42), msg.Response.ID)
	assert.JSONEq(t, `{"tools":[]}`, string(msg.Response.Result))

	msg, err = transport.Decode([]byte(`{"jsonrpc":"2.0","id":3,"error":{"code":-32000,"message":"boom"}}`))
	require.NoError(t, err)
	require.Equal(t, transport.MessageTypeError, msg.Type)
	assert.Equal(t, -32000, msg.Error.Error.Code)
	assert.Equal(t, "boom", msg.Error.Error.Message)
}

func Test_Decode_Malformed(t *testing.T) {
	_, err := transport.Decode([]byte(`not json`))
	require.Error(t, err)

	// Valid JSON but no recognizable envelope shape.
	_, err = transport.Decode([]byte(`{"jsonrpc":"2.0"}`))
	require.Error(t, err)
}

func Test_Message_MarshalRoundTrip(t *testing.T) {
	req := transport.NewRequestMessage(&transport.Request{
		Jsonrpc: transport.JSONRPCVersion,
		ID:      5,
		Method:  "tools/call",
		Params:  json.RawMessage(`{"name":"echo"}`),
	})
	data, err := json.Marshal(req)
	require.NoError(t, err)

	decoded, err := transport.Decode(data)
	require.NoError(t, err)
	require.Equal(t, transport.MessageTypeRequest, decoded.Type)
	assert.Equal(t, transport.RequestID(5), decoded.Request.ID)
	assert.Equal(t, "tools/call", decoded.Request.Method)
}

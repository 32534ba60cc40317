package mcpclient_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/mcpclient"
	"github.com/effective-security/mcpagent/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type timeInput struct {
	Zone string `json:"zone"`
}

func newTimeTool(t *testing.T) tools.ITool {
	t.Helper()
	tool, err := tools.NewFunc("get_time", "returns the current time",
		func(ctx context.Context, in *timeInput) (string, error) {
			if in.Zone == "invalid" {
				return "", errors.New("unknown time zone")
			}
			return "12:00 " + in.Zone, nil
		})
	require.NoError(t, err)
	return tool
}

func Test_Local_Lifecycle(t *testing.T) {
	ctx := context.Background()
	conn := mcpclient.NewLocalConnection(newTimeTool(t))

	assert.False(t, conn.IsConnected())
	_, err := conn.ListTools(ctx)
	assert.True(t, errors.Is(err, mcpclient.ErrNotConnected))

	require.NoError(t, conn.Connect(ctx, "", nil))
	assert.True(t, conn.IsConnected())

	list, err := conn.ListTools(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, len(list))
	assert.Equal(t, "get_time", list[0].Name)
	assert.NotEmpty(t, list[0].InputSchema)

	res, err := conn.CallTool(ctx, "get_time", json.RawMessage(`{"zone":"UTC"}`))
	require.NoError(t, err)
	assert.Equal(t, "12:00 UTC", res.Content)
	assert.False(t, res.IsError)

	conn.Disconnect()
	assert.False(t, conn.IsConnected())
}

func Test_Local_ToolFailureIsResult(t *testing.T) {
	ctx := context.Background()
	conn := mcpclient.NewLocalConnection(newTimeTool(t))
	require.NoError(t, conn.Connect(ctx, "", nil))

	res, err := conn.CallTool(ctx, "get_time", json.RawMessage(`{"zone":"invalid"}`))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "unknown time zone")
}

func Test_Local_UnknownTool(t *testing.T) {
	ctx := context.Background()
	conn := mcpclient.NewLocalConnection(newTimeTool(t))
	require.NoError(t, conn.Connect(ctx, "", nil))

	_, err := conn.CallTool(ctx, "nope", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, mcpclient.ErrRemote))
}

func Test_Local_NoTools(t *testing.T) {
	conn := mcpclient.NewLocalConnection()
	err := conn.Connect(context.Background(), "", nil)
	require.Error(t, err)
	assert.False(t, conn.IsConnected())
}

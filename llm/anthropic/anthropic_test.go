package anthropic_test

import (
	"encoding/json"
	"testing"

	"github.com/effective-security/mcpagent/llm/anthropic"
	"github.com/effective-security/mcpagent/mcpclient"
	"github.com/effective-security/mcpagent/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_New_Validation(t *testing.T) {
	_, err := anthropic.New(
		anthropic.WithToken(""),
		anthropic.WithModel("claude-sonnet-4-20250514"),
	)
	assert.ErrorIs(t, err, anthropic.ErrMissingToken)

	_, err = anthropic.New(anthropic.WithToken("key"), anthropic.WithModel(""))
	require.Error(t, err)

	o, err := anthropic.New(
		anthropic.WithToken("key"),
		anthropic.WithModel("claude-sonnet-4-20250514"),
		anthropic.WithBaseURL("http://localhost:9999"),
	)
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4-20250514", o.GetName())
}

func Test_ProcessMessages(t *testing.T) {
	messages := []store.Message{
		store.NewUserMessage("hello"),
		store.NewAssistantMessage("checking"),
		store.NewToolCallMessage("call_1", "echo", json.RawMessage(`{"text":"hi"}`)),
		store.NewToolResultMessage("call_1", "hi", false),
	}

	params, err := anthropic.ProcessMessages(messages)
	require.NoError(t, err)
	require.Equal(t, 4, len(params))

	assert.Equal(t, "user", string(params[0].Role))
	assert.Equal(t, "assistant", string(params[1].Role))
	assert.Equal(t, "assistant", string(params[2].Role))
	// Tool results travel back as user messages with tool_result blocks.
	assert.Equal(t, "user", string(params[3].Role))

	// Empty tool-call args are normalized to an empty object.
	params, err = anthropic.ProcessMessages([]store.Message{
		store.NewToolCallMessage("call_2", "noop", nil),
	})
	require.NoError(t, err)
	require.Equal(t, 1, len(params))

	_, err = anthropic.ProcessMessages([]store.Message{{Role: "alien"}})
	assert.ErrorIs(t, err, anthropic.ErrUnsupportedMessageType)
}

func Test_ToTools(t *testing.T) {
	list, err := anthropic.ToTools(nil)
	require.NoError(t, err)
	assert.Nil(t, list)

	list, err = anthropic.ToTools([]mcpclient.ToolDescriptor{
		{
			Name:        "echo",
			Description: "echoes text",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
		},
	})
	require.NoError(t, err)
	require.Equal(t, 1, len(list))
	require.NotNil(t, list[0].OfTool)
	assert.Equal(t, "echo", list[0].OfTool.Name)
	assert.Contains(t, list[0].OfTool.InputSchema.Properties, "text")
	assert.Equal(t, []string{"text"}, list[0].OfTool.InputSchema.Required)

	_, err = anthropic.ToTools([]mcpclient.ToolDescriptor{
		{Name: "broken", InputSchema: json.RawMessage(`not json`)},
	})
	require.Error(t, err)
}

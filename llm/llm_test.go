package llm_test

import (
	"encoding/json"
	"testing"

	"github.com/effective-security/mcpagent/llm"
	"github.com/stretchr/testify/assert"
)

func Test_Response_Helpers(t *testing.T) {
	resp := &llm.Response{Blocks: []llm.Block{
		{Type: llm.BlockText, Text: "first"},
		{Type: llm.BlockToolUse, CallID: "c1", ToolName: "echo", Args: json.RawMessage(`{}`)},
		{Type: llm.BlockText, Text: "second"},
		{Type: llm.BlockToolUse, CallID: "c2", ToolName: "other", Args: json.RawMessage(`{}`)},
	}}

	assert.Equal(t, "first\nsecond", resp.TextBlocks())

	uses := resp.ToolUses()
	assert.Equal(t, 2, len(uses))
	assert.Equal(t, "c1", uses[0].CallID)
	assert.Equal(t, "c2", uses[1].CallID)

	empty := &llm.Response{}
	assert.Equal(t, "", empty.TextBlocks())
	assert.Empty(t, empty.ToolUses())
}

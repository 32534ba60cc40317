package orchestrator_test

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/llm"
	"github.com/effective-security/mcpagent/mcpclient"
	"github.com/effective-security/mcpagent/mocks/mockllm"
	"github.com/effective-security/mcpagent/orchestrator"
	"github.com/effective-security/mcpagent/registry"
	"github.com/effective-security/mcpagent/store"
	"github.com/effective-security/mcpagent/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type echoInput struct {
	Text string `json:"text"`
}

// newToolRegistry returns a registry serving an in-process echo tool and a
// counter of how many times it ran.
func newToolRegistry(t *testing.T) (*registry.Registry, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	echo, err := tools.NewFunc("echo", "echoes text",
		func(ctx context.Context, in *echoInput) (string, error) {
			calls.Add(1)
			return in.Text, nil
		})
	require.NoError(t, err)

	reg := registry.NewRegistry()
	_, err = reg.AddConnection(context.Background(), registry.AddRequest{
		Name: registry.DefaultServerName,
	}, mcpclient.NewLocalConnection(echo))
	require.NoError(t, err)
	return reg, &calls
}

func textResponse(text string) *llm.Response {
	return &llm.Response{Blocks: []llm.Block{{Type: llm.BlockText, Text: text}}}
}

func toolUse(callID, name, args string) llm.Block {
	return llm.Block{Type: llm.BlockToolUse, CallID: callID, ToolName: name, Args: json.RawMessage(args)}
}

func Test_ProcessQuery_TextOnly(t *testing.T) {
	ctrl := gomock.NewController(t)
	reg, _ := newToolRegistry(t)

	mockLLM := mockllm.NewMockModel(ctrl)
	mockLLM.EXPECT().Generate(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req *llm.Request) (*llm.Response, error) {
			assert.Equal(t, "be brief", req.System)
			require.Equal(t, 1, len(req.Messages))
			assert.Equal(t, "what time is it?", req.Messages[0].Content)
			// The combined catalog is present on a normal round.
			require.Equal(t, 1, len(req.Tools))
			assert.Equal(t, "echo", req.Tools[0].Name)
			return textResponse("noon"), nil
		})

	o := orchestrator.New(mockLLM, reg, store.NewMemoryStore(),
		orchestrator.WithSystemPrompt("be brief"),
	)
	answer, err := o.ProcessQuery(context.Background(), orchestrator.QueryRequest{Query: "what time is it?"})
	require.NoError(t, err)
	assert.Equal(t, "noon", answer)

	history := o.History()
	require.Equal(t, 2, len(history))
	assert.Equal(t, store.RoleUser, history[0].Role)
	assert.Equal(t, store.RoleAssistant, history[1].Role)
	assert.Equal(t, "noon", history[1].Content)
}

func Test_ProcessQuery_ToolRound_HistoryOrder(t *testing.T) {
	ctrl := gomock.NewController(t)
	reg, calls := newToolRegistry(t)

	round := 0
	mockLLM := mockllm.NewMockModel(ctrl)
	mockLLM.EXPECT().Generate(gomock.Any(), gomock.Any()).Times(2).
		DoAndReturn(func(_ context.Context, req *llm.Request) (*llm.Response, error) {
			round++
			if round == 1 {
				return &llm.Response{Blocks: []llm.Block{
					{Type: llm.BlockText, Text: "let me check"},
					toolUse("call_a", "echo", `{"text":"a"}`),
					toolUse("call_b", "echo", `{"text":"b"}`),
				}}, nil
			}
			// Second round sees both results, in emission order.
			n := len(req.Messages)
			assert.Equal(t, "call_a", req.Messages[n-4].CallID)
			assert.Equal(t, "a", req.Messages[n-3].Content)
			assert.Equal(t, "call_b", req.Messages[n-2].CallID)
			assert.Equal(t, "b", req.Messages[n-1].Content)
			return textResponse("done"), nil
		})

	o := orchestrator.New(mockLLM, reg, store.NewMemoryStore())
	answer, err := o.ProcessQuery(context.Background(), orchestrator.QueryRequest{Query: "run both"})
	require.NoError(t, err)
	assert.Equal(t, "done", answer)
	assert.Equal(t, int32(2), calls.Load())

	// History: user, assistant text, [call a, result a, call b, result b],
	// final assistant text. Text precedes the tool calls from its reply.
	history := o.History()
	require.Equal(t, 7, len(history))
	assert.Equal(t, "let me check", history[1].Content)
	assert.True(t, history[2].IsToolCall())
	assert.Equal(t, "call_a", history[2].CallID)
	assert.Equal(t, store.RoleTool, history[3].Role)
	assert.Equal(t, "call_a", history[3].CallID)
	assert.True(t, history[4].IsToolCall())
	assert.Equal(t, "call_b", history[4].CallID)
	assert.Equal(t, store.RoleTool, history[5].Role)
	assert.Equal(t, "done", history[6].Content)
}

func Test_ProcessQuery_BudgetForcesSummary(t *testing.T) {
	ctrl := gomock.NewController(t)
	reg, calls := newToolRegistry(t)

	generates := 0
	mockLLM := mockllm.NewMockModel(ctrl)
	// An always-tool-calling model: with a budget of 3, the fourth Generate
	// is the forced summary, issued without the catalog.
	mockLLM.EXPECT().Generate(gomock.Any(), gomock.Any()).Times(4).
		DoAndReturn(func(_ context.Context, req *llm.Request) (*llm.Response, error) {
			generates++
			if generates <= 3 {
				require.NotEmpty(t, req.Tools)
				return &llm.Response{Blocks: []llm.Block{
					toolUse("", "echo", `{"text":"again"}`),
				}}, nil
			}
			assert.Empty(t, req.Tools)
			// The summary instruction is the latest user turn.
			last := req.Messages[len(req.Messages)-1]
			assert.Equal(t, store.RoleUser, last.Role)
			assert.Contains(t, last.Content, "summarize")
			return textResponse("summary of findings"), nil
		})

	o := orchestrator.New(mockLLM, reg, store.NewMemoryStore(),
		orchestrator.WithMaxToolCalls(3),
	)
	answer, err := o.ProcessQuery(context.Background(), orchestrator.QueryRequest{Query: "dig"})
	require.NoError(t, err)
	assert.Equal(t, "summary of findings", answer)
	assert.Equal(t, int32(3), calls.Load())
}

func Test_ProcessQuery_BudgetDiscardsMidBatch(t *testing.T) {
	ctrl := gomock.NewController(t)
	reg, calls := newToolRegistry(t)

	generates := 0
	mockLLM := mockllm.NewMockModel(ctrl)
	mockLLM.EXPECT().Generate(gomock.Any(), gomock.Any()).Times(2).
		DoAndReturn(func(_ context.Context, req *llm.Request) (*llm.Response, error) {
			generates++
			if generates == 1 {
				// Three calls in one reply against a budget of one.
				return &llm.Response{Blocks: []llm.Block{
					toolUse("c1", "echo", `{"text":"1"}`),
					toolUse("c2", "echo", `{"text":"2"}`),
					toolUse("c3", "echo", `{"text":"3"}`),
				}}, nil
			}
			return textResponse("wrapped up"), nil
		})

	o := orchestrator.New(mockLLM, reg, store.NewMemoryStore(),
		orchestrator.WithMaxToolCalls(1),
	)
	answer, err := o.ProcessQuery(context.Background(), orchestrator.QueryRequest{Query: "go"})
	require.NoError(t, err)
	assert.Equal(t, "wrapped up", answer)
	// Only the first call executed; the rest of the batch was discarded.
	assert.Equal(t, int32(1), calls.Load())

	history := o.History()
	var toolCalls, toolResults int
	for _, m := range history {
		if m.IsToolCall() {
			toolCalls++
		}
		if m.Role == store.RoleTool {
			toolResults++
		}
	}
	assert.Equal(t, 1, toolCalls)
	assert.Equal(t, 1, toolResults)
}

func Test_ProcessQuery_MissingTool(t *testing.T) {
	ctrl := gomock.NewController(t)
	reg, _ := newToolRegistry(t)

	generates := 0
	mockLLM := mockllm.NewMockModel(ctrl)
	mockLLM.EXPECT().Generate(gomock.Any(), gomock.Any()).Times(2).
		DoAndReturn(func(_ context.Context, req *llm.Request) (*llm.Response, error) {
			generates++
			if generates == 1 {
				return &llm.Response{Blocks: []llm.Block{
					toolUse("c1", "no_such_tool", `{}`),
				}}, nil
			}
			// The failure came back as an error-flagged result, not an error.
			last := req.Messages[len(req.Messages)-1]
			assert.Equal(t, store.RoleTool, last.Role)
			assert.True(t, last.IsError)
			assert.Contains(t, last.Content, "no_such_tool")
			return textResponse("sorry"), nil
		})

	o := orchestrator.New(mockLLM, reg, store.NewMemoryStore())
	answer, err := o.ProcessQuery(context.Background(), orchestrator.QueryRequest{Query: "try"})
	require.NoError(t, err)
	assert.Equal(t, "sorry", answer)
}

func Test_ProcessQuery_ModelErrorKeepsHistory(t *testing.T) {
	ctrl := gomock.NewController(t)
	reg, _ := newToolRegistry(t)

	mockLLM := mockllm.NewMockModel(ctrl)
	mockLLM.EXPECT().Generate(gomock.Any(), gomock.Any()).
		Return(nil, errors.New("rate limited"))

	o := orchestrator.New(mockLLM, reg, store.NewMemoryStore())
	_, err := o.ProcessQuery(context.Background(), orchestrator.QueryRequest{Query: "hello"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")

	// The query is still in history, so a retry resumes from there.
	history := o.History()
	require.Equal(t, 1, len(history))
	assert.Equal(t, "hello", history[0].Content)
}

func Test_ResetHistory(t *testing.T) {
	ctrl := gomock.NewController(t)
	reg, _ := newToolRegistry(t)

	mockLLM := mockllm.NewMockModel(ctrl)
	mockLLM.EXPECT().Generate(gomock.Any(), gomock.Any()).Return(textResponse("hi"), nil)

	o := orchestrator.New(mockLLM, reg, store.NewMemoryStore(), orchestrator.WithChatID("chat-1"))
	assert.Equal(t, "chat-1", o.ChatID())

	_, err := o.ProcessQuery(context.Background(), orchestrator.QueryRequest{Query: "hello"})
	require.NoError(t, err)
	assert.NotEmpty(t, o.History())

	require.NoError(t, o.ResetHistory())
	assert.Empty(t, o.History())
}

func Test_ProcessQuery_EmptyQuery(t *testing.T) {
	ctrl := gomock.NewController(t)
	reg, _ := newToolRegistry(t)
	o := orchestrator.New(mockllm.NewMockModel(ctrl), reg, store.NewMemoryStore())

	_, err := o.ProcessQuery(context.Background(), orchestrator.QueryRequest{})
	require.Error(t, err)
}

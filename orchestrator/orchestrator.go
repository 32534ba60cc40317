// Package orchestrator drives the agent loop: call the model with the
// conversation history and the combined tool catalog, dispatch any tool-use
// blocks through the registry, append the results, and repeat until the
// model stops asking for tools or the tool-call budget runs out.
package orchestrator

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/llm"
	"github.com/effective-security/mcpagent/registry"
	"github.com/effective-security/mcpagent/store"
	"github.com/effective-security/x/values"
	"github.com/effective-security/xlog"
	"github.com/google/uuid"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent", "orchestrator")

// DefaultMaxToolCalls bounds tool invocations per query when the caller
// does not set a budget.
const DefaultMaxToolCalls = 25

const summaryInstruction = "Please summarize your findings so far and provide a final answer to the original question using the information already gathered."

// Orchestrator runs bounded query rounds against one model, one registry and
// one conversation store. Instances are independent; construct one per
// conversation flow. A single Orchestrator assumes one in-flight
// ProcessQuery at a time.
type Orchestrator struct {
	model  llm.Model
	reg    *registry.Registry
	msgs   store.MessageStore
	chatID string

	systemPrompt string
	maxTokens    int64
	maxToolCalls int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSystemPrompt sets the default system prompt for every query.
func WithSystemPrompt(prompt string) Option {
	return func(o *Orchestrator) {
		o.systemPrompt = prompt
	}
}

// WithMaxTokens caps each model reply.
func WithMaxTokens(n int64) Option {
	return func(o *Orchestrator) {
		o.maxTokens = n
	}
}

// WithMaxToolCalls sets the default tool-call budget per query.
func WithMaxToolCalls(n int) Option {
	return func(o *Orchestrator) {
		o.maxToolCalls = n
	}
}

// WithChatID pins the conversation to a known chat ID instead of a
// generated one.
func WithChatID(chatID string) Option {
	return func(o *Orchestrator) {
		o.chatID = chatID
	}
}

// New creates an Orchestrator over the given model, registry and store.
func New(model llm.Model, reg *registry.Registry, msgs store.MessageStore, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		model:        model,
		reg:          reg,
		msgs:         msgs,
		chatID:       uuid.NewString(),
		maxToolCalls: DefaultMaxToolCalls,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ChatID returns the conversation key in the message store.
func (o *Orchestrator) ChatID() string {
	return o.chatID
}

// History returns the conversation so far, oldest first.
func (o *Orchestrator) History() []store.Message {
	return o.msgs.Messages(o.chatID)
}

// ResetHistory clears the conversation.
func (o *Orchestrator) ResetHistory() error {
	return o.msgs.Reset(o.chatID)
}

// QueryRequest overrides per-query defaults. Zero values fall back to the
// Orchestrator's configuration.
type QueryRequest struct {
	Query        string
	SystemPrompt string
	Model        string
	MaxToolCalls int
}

// ProcessQuery runs the agent loop for one query and returns the final
// answer text. Tool and transport failures are fed back to the model as
// error-flagged results; model API failures propagate to the caller with
// the history accumulated so far left intact, so a retry resumes from that
// point.
func (o *Orchestrator) ProcessQuery(ctx context.Context, req QueryRequest) (string, error) {
	if req.Query == "" {
		return "", errors.New("query must not be empty")
	}

	systemPrompt := values.StringsCoalesce(req.SystemPrompt, o.systemPrompt)
	budget := req.MaxToolCalls
	if budget <= 0 {
		budget = o.maxToolCalls
	}

	if err := o.msgs.Add(o.chatID, store.NewUserMessage(req.Query)); err != nil {
		return "", errors.WithMessage(err, "failed to append query")
	}

	executed := 0
	for {
		catalog := o.reg.Combined()
		resp, err := o.model.Generate(ctx, &llm.Request{
			Model:     req.Model,
			System:    systemPrompt,
			Messages:  o.msgs.Messages(o.chatID),
			Tools:     catalog,
			MaxTokens: o.maxTokens,
		})
		if err != nil {
			return "", errors.WithMessage(err, "model call failed")
		}

		// Text blocks from a reply land in history before any tool calls
		// from the same reply.
		text := resp.TextBlocks()
		if text != "" {
			if err := o.msgs.Add(o.chatID, store.NewAssistantMessage(text)); err != nil {
				return "", errors.WithMessage(err, "failed to append assistant message")
			}
		}

		toolUses := resp.ToolUses()
		if len(toolUses) == 0 {
			return text, nil
		}

		for i, use := range toolUses {
			if executed >= budget {
				logger.ContextKV(ctx, xlog.INFO,
					"status", "tool_budget_exhausted",
					"discarded", len(toolUses)-i,
				)
				break
			}
			if err := o.executeToolCall(ctx, use); err != nil {
				return "", err
			}
			executed++
		}

		if executed >= budget {
			return o.forcedSummary(ctx, req.Model, systemPrompt)
		}
	}
}

// executeToolCall appends the ToolCall message, dispatches it, and appends
// the ToolResult. Dispatch failures become error-flagged results, never
// returned errors; only store failures surface.
func (o *Orchestrator) executeToolCall(ctx context.Context, use llm.Block) error {
	callID := use.CallID
	if callID == "" {
		callID = uuid.NewString()
	}

	if err := o.msgs.Add(o.chatID, store.NewToolCallMessage(callID, use.ToolName, use.Args)); err != nil {
		return errors.WithMessage(err, "failed to append tool call")
	}

	logger.ContextKV(ctx, xlog.DEBUG, "status", "dispatching_tool", "tool", use.ToolName, "call_id", callID)

	var content string
	var isError bool
	result, err := o.reg.CallTool(ctx, use.ToolName, use.Args)
	switch {
	case errors.Is(err, registry.ErrToolNotFound):
		content = fmt.Sprintf("tool %q is not available on any connected server", use.ToolName)
		isError = true
	case err != nil:
		content = fmt.Sprintf("tool %q failed: %s", use.ToolName, err.Error())
		isError = true
	default:
		content = result.Content
		isError = result.IsError
	}

	if isError {
		logger.ContextKV(ctx, xlog.WARNING, "status", "tool_call_failed", "tool", use.ToolName, "reason", content)
	}

	if err := o.msgs.Add(o.chatID, store.NewToolResultMessage(callID, content, isError)); err != nil {
		return errors.WithMessage(err, "failed to append tool result")
	}
	return nil
}

// forcedSummary asks the model to wrap up without the tool catalog after the
// budget is spent.
func (o *Orchestrator) forcedSummary(ctx context.Context, model, systemPrompt string) (string, error) {
	if err := o.msgs.Add(o.chatID, store.NewUserMessage(summaryInstruction)); err != nil {
		return "", errors.WithMessage(err, "failed to append summary instruction")
	}

	resp, err := o.model.Generate(ctx, &llm.Request{
		Model:     model,
		System:    systemPrompt,
		Messages:  o.msgs.Messages(o.chatID),
		MaxTokens: o.maxTokens,
	})
	if err != nil {
		return "", errors.WithMessage(err, "summary model call failed")
	}

	text := resp.TextBlocks()
	if text != "" {
		if err := o.msgs.Add(o.chatID, store.NewAssistantMessage(text)); err != nil {
			return "", errors.WithMessage(err, "failed to append summary")
		}
	}
	return text, nil
}

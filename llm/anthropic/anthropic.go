// Package anthropic adapts the Anthropic Messages API to the llm.Model
// interface using the official Anthropic SDK.
package anthropic

import (
	"context"
	"encoding/json"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/llm"
	"github.com/effective-security/mcpagent/mcpclient"
	"github.com/effective-security/mcpagent/store"
	"github.com/effective-security/x/values"
)

var (
	ErrMissingToken           = errors.New("anthropic: missing API key, set it in the ANTHROPIC_API_KEY environment variable")
	ErrUnsupportedContentType = errors.New("anthropic: unsupported content type")
	ErrUnsupportedMessageType = errors.New("anthropic: unsupported message type")
)

// DefaultMaxTokens is used when the request does not set a cap.
const DefaultMaxTokens = 4096

// LLM is an llm.Model backed by the Anthropic Messages API.
type LLM struct {
	Client  *anthropic.Client
	Options *Options
}

var _ llm.Model = (*LLM)(nil)

// New creates an Anthropic client. If no token is provided via options, the
// API key is read from the ANTHROPIC_API_KEY environment variable.
func New(opts ...Option) (*LLM, error) {
	options := NewOptions(opts...)

	if len(options.Token) == 0 {
		return nil, ErrMissingToken
	}
	if options.Model == "" {
		return nil, errors.New("anthropic: model is required")
	}

	sdkOpts := []option.RequestOption{
		option.WithAPIKey(options.Token),
		option.WithMaxRetries(2),
		option.WithRequestTimeout(options.RequestTimeout),
	}
	if options.BaseURL != "" {
		sdkOpts = append(sdkOpts, option.WithBaseURL(options.BaseURL))
	}
	if options.HttpClient != nil {
		sdkOpts = append(sdkOpts, option.WithHTTPClient(options.HttpClient))
	}

	client := anthropic.NewClient(sdkOpts...)
	return &LLM{
		Client:  &client,
		Options: options,
	}, nil
}

// GetName implements the Model interface.
func (o *LLM) GetName() string {
	return o.Options.Model
}

// Generate implements the Model interface.
func (o *LLM) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	sdkMessages, err := ProcessMessages(req.Messages)
	if err != nil {
		return nil, errors.Wrap(err, "anthropic: failed to process messages")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(values.StringsCoalesce(req.Model, o.Options.Model)),
		Messages:  sdkMessages,
		MaxTokens: values.NumbersCoalesce(req.MaxTokens, DefaultMaxTokens),
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{
				Type: "text",
				Text: req.System,
			},
		}
	}

	tools, err := ToTools(req.Tools)
	if err != nil {
		return nil, err
	}
	if len(tools) > 0 {
		params.Tools = tools
	}

	result, err := o.Client.Messages.New(ctx, params)
	if err != nil {
		return nil, errors.Wrap(err, "anthropic: failed to create message")
	}

	resp := &llm.Response{
		StopReason:   string(result.StopReason),
		InputTokens:  result.Usage.InputTokens,
		OutputTokens: result.Usage.OutputTokens,
	}
	for _, contentBlock := range result.Content {
		switch content := contentBlock.AsAny().(type) {
		case anthropic.TextBlock:
			resp.Blocks = append(resp.Blocks, llm.Block{
				Type: llm.BlockText,
				Text: content.Text,
			})
		case anthropic.ToolUseBlock:
			argumentsJSON, err := json.Marshal(content.Input)
			if err != nil {
				return nil, errors.Wrap(err, "anthropic: failed to marshal tool use arguments")
			}
			resp.Blocks = append(resp.Blocks, llm.Block{
				Type:     llm.BlockToolUse,
				CallID:   content.ID,
				ToolName: content.Name,
				Args:     argumentsJSON,
			})
		default:
			return nil, errors.WithMessagef(ErrUnsupportedContentType, "anthropic: %T", content)
		}
	}
	return resp, nil
}

// ProcessMessages converts conversation history to Anthropic SDK message
// parameters. Tool results go back as user messages containing tool_result
// blocks, which is how the Messages API expects them.
func ProcessMessages(messages []store.Message) ([]anthropic.MessageParam, error) {
	chatMessages := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		switch {
		case msg.Role == store.RoleUser:
			chatMessages = append(chatMessages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		case msg.IsToolCall():
			args := msg.Args
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			chatMessages = append(chatMessages, anthropic.NewAssistantMessage(
				anthropic.NewToolUseBlock(msg.CallID, args, msg.ToolName),
			))
		case msg.Role == store.RoleAssistant:
			chatMessages = append(chatMessages, anthropic.NewAssistantMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		case msg.Role == store.RoleTool:
			chatMessages = append(chatMessages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.CallID, msg.Content, msg.IsError),
			))
		default:
			return nil, errors.WithMessagef(ErrUnsupportedMessageType, "anthropic: %v", msg.Role)
		}
	}
	return chatMessages, nil
}

// toolSchema is the subset of a JSON Schema document the Messages API needs.
type toolSchema struct {
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	Required   []string       `json:"required"`
}

// ToTools converts tool descriptors to Anthropic SDK tool parameters.
func ToTools(tools []mcpclient.ToolDescriptor) ([]anthropic.ToolUnionParam, error) {
	if len(tools) == 0 {
		return nil, nil
	}

	sdkTools := make([]anthropic.ToolUnionParam, len(tools))
	for i, tool := range tools {
		var schema toolSchema
		if len(tool.InputSchema) > 0 {
			if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
				return nil, errors.Wrapf(err, "anthropic: invalid input schema for tool %q", tool.Name)
			}
		}

		inputSchema := anthropic.ToolInputSchemaParam{
			Type:       "object",
			Properties: schema.Properties,
		}
		if len(schema.Required) > 0 {
			inputSchema.Required = schema.Required
		}

		sdkTools[i] = anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        tool.Name,
				Description: anthropic.String(tool.Description),
				InputSchema: inputSchema,
			},
		}
	}
	return sdkTools, nil
}

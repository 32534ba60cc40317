// Package llm defines the model interface the orchestrator drives. A model
// takes the conversation so far plus the advertised tool catalog and returns
// an ordered list of content blocks; tool-use blocks come back in the order
// the model emitted them.
package llm

import (
	"context"
	"encoding/json"

	"github.com/effective-security/mcpagent/mcpclient"
	"github.com/effective-security/mcpagent/store"
)

// BlockType discriminates response content blocks.
type BlockType string

const (
	// BlockText is assistant prose.
	BlockText BlockType = "text"
	// BlockToolUse is a request to invoke a tool.
	BlockToolUse BlockType = "tool_use"
)

// Block is one content block of a model response. Text blocks carry Text;
// tool-use blocks carry CallID, ToolName and Args.
type Block struct {
	Type     BlockType
	Text     string
	CallID   string
	ToolName string
	Args     json.RawMessage
}

// Request is one model call.
type Request struct {
	// Model overrides the client's configured model when non-empty.
	Model string
	// System is the system prompt for this call.
	System string
	// Messages is the full conversation history, oldest first.
	Messages []store.Message
	// Tools is the catalog the model may call. Nil means tool use is
	// disabled for this call.
	Tools []mcpclient.ToolDescriptor
	// MaxTokens caps the response length; 0 selects the provider default.
	MaxTokens int64
}

// Response is the model's reply: the ordered content blocks plus usage.
type Response struct {
	Blocks       []Block
	StopReason   string
	InputTokens  int64
	OutputTokens int64
}

// TextBlocks joins the response's text blocks, in order, with newlines.
func (r *Response) TextBlocks() string {
	var out string
	for _, b := range r.Blocks {
		if b.Type != BlockText {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += b.Text
	}
	return out
}

// ToolUses returns the response's tool-use blocks in emission order.
func (r *Response) ToolUses() []Block {
	var uses []Block
	for _, b := range r.Blocks {
		if b.Type == BlockToolUse {
			uses = append(uses, b)
		}
	}
	return uses
}

// Model is a chat completion provider.
type Model interface {
	// GetName returns the default model identifier.
	GetName() string
	// Generate performs one model call.
	Generate(ctx context.Context, req *Request) (*Response, error)
}

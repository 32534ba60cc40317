// Package mcpclient implements client connections to external tool servers
// speaking the MCP JSON-RPC protocol: a subprocess stdio variant, a streamed
// SSE session variant, and an in-process variant for built-in tools.
package mcpclient

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent", "mcpclient")

// ProtocolVersion is the protocol version negotiated during the handshake.
const ProtocolVersion = "2024-11-05"

var (
	// ErrNotConnected is returned when an operation requires a completed handshake.
	ErrNotConnected = errors.New("not connected to server")
	// ErrConnectionClosed resolves requests interrupted by connection teardown
	// or a dead peer.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrProtocol indicates a reply whose shape is not recognized.
	ErrProtocol = errors.New("protocol error")
	// ErrTimeout indicates the local wait for a reply expired. The remote
	// operation may still be running.
	ErrTimeout = errors.New("request timed out")
	// ErrRemote wraps an error reported by the server in a valid error response.
	ErrRemote = errors.New("remote error")
)

// ToolDescriptor describes one callable tool as advertised by its server.
// Descriptors are replaced wholesale on each refresh, never patched.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
	// Server is the registry name of the owning server. Empty until the
	// registry takes ownership of the descriptor.
	Server string `json:"server,omitempty"`
}

// CallResult is the outcome of one tool invocation. IsError results are fed
// back to the model rather than raised.
type CallResult struct {
	Content string
	IsError bool
}

// ServerConnection is the capability contract implemented by every transport
// variant. Implementations must leave no dangling process or session behind
// a failed Connect, and Disconnect must be idempotent and never fail past
// its own boundary.
type ServerConnection interface {
	// Connect launches or attaches to the endpoint, performs the handshake
	// and populates the initial tool catalog. Any error means the connection
	// is fully torn down.
	Connect(ctx context.Context, endpoint string, secrets map[string]string) error
	// ListTools fetches a fresh tool catalog from the server.
	ListTools(ctx context.Context) ([]ToolDescriptor, error)
	// CallTool invokes a named tool with JSON arguments.
	CallTool(ctx context.Context, name string, args json.RawMessage) (*CallResult, error)
	// Disconnect releases the connection. Best effort, idempotent.
	Disconnect()
	// IsConnected reports whether the handshake succeeded and the underlying
	// process or session is still alive.
	IsConnected() bool
}

// initializeParams is the handshake request payload.
type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ClientInfo      clientInfo     `json:"clientInfo"`
	Capabilities    map[string]any `json:"capabilities"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

func newInitializeParams(name string) *initializeParams {
	return &initializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo: clientInfo{
			Name:    name,
			Version: "1.0.0",
		},
		Capabilities: map[string]any{"tools": map[string]any{}},
	}
}

// wireTool is the schema-defined descriptor shape on the wire.
type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// parseToolList accepts either an object with a "tools" array or a bare
// array, and translates the wire naming to the internal one.
func parseToolList(result json.RawMessage) ([]ToolDescriptor, error) {
	var wrapped struct {
		Tools []wireTool `json:"tools"`
	}
	var raw []wireTool
	if err := json.Unmarshal(result, &wrapped); err == nil && wrapped.Tools != nil {
		raw = wrapped.Tools
	} else if err := json.Unmarshal(result, &raw); err != nil {
		return nil, errors.WithMessage(ErrProtocol, "unexpected tools list shape")
	}

	tools := make([]ToolDescriptor, len(raw))
	for i, t := range raw {
		tools[i] = ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		}
	}
	return tools, nil
}

// callToolParams is the tools/call request payload.
type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// parseCallResult flattens the content blocks of a tools/call result into a
// single string, preserving the isError flag.
func parseCallResult(result json.RawMessage) (*CallResult, error) {
	var wire struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(result, &wire); err != nil {
		return nil, errors.WithMessage(ErrProtocol, "unexpected tool call result shape")
	}

	var sb strings.Builder
	for _, block := range wire.Content {
		if block.Type != "" && block.Type != "text" {
			logger.KV(xlog.DEBUG, "status", "skipping_content_block", "type", block.Type)
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(block.Text)
	}
	return &CallResult{
		Content: sb.String(),
		IsError: wire.IsError,
	}, nil
}

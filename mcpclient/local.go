package mcpclient

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/tools"
)

// LocalConnection exposes in-process tools through the server connection
// contract, so built-in tools and external servers are routed identically.
// There is no subprocess or session; Connect only flips state, and the
// endpoint and secrets are ignored.
type LocalConnection struct {
	mu        sync.Mutex
	connected bool
	byName    map[string]tools.ITool
	order     []tools.ITool
}

var _ ServerConnection = (*LocalConnection)(nil)

// NewLocalConnection creates a connection serving the given tools.
func NewLocalConnection(list ...tools.ITool) *LocalConnection {
	c := &LocalConnection{
		byName: make(map[string]tools.ITool, len(list)),
	}
	for _, tool := range list {
		if c.byName[tool.Name()] == nil {
			c.byName[tool.Name()] = tool
			c.order = append(c.order, tool)
		}
	}
	return c
}

// Connect implements ServerConnection.Connect.
func (c *LocalConnection) Connect(ctx context.Context, endpoint string, secrets map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.order) == 0 {
		return errors.New("no tools registered")
	}
	c.connected = true
	return nil
}

// ListTools implements ServerConnection.ListTools.
func (c *LocalConnection) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, errors.WithStack(ErrNotConnected)
	}
	list := make([]ToolDescriptor, len(c.order))
	for i, tool := range c.order {
		list[i] = ToolDescriptor{
			Name:        tool.Name(),
			Description: tool.Description(),
			InputSchema: tool.InputSchema(),
		}
	}
	return list, nil
}

// CallTool implements ServerConnection.CallTool. Tool failures become
// error-flagged results rather than errors, matching how remote servers
// report tool faults.
func (c *LocalConnection) CallTool(ctx context.Context, name string, args json.RawMessage) (*CallResult, error) {
	c.mu.Lock()
	connected := c.connected
	tool := c.byName[name]
	c.mu.Unlock()

	if !connected {
		return nil, errors.WithStack(ErrNotConnected)
	}
	if tool == nil {
		return nil, errors.WithMessagef(ErrRemote, "unknown tool: %s", name)
	}

	content, err := tool.Call(ctx, args)
	if err != nil {
		return &CallResult{Content: err.Error(), IsError: true}, nil
	}
	return &CallResult{Content: content}, nil
}

// Disconnect implements ServerConnection.Disconnect.
func (c *LocalConnection) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

// IsConnected implements ServerConnection.IsConnected.
func (c *LocalConnection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Package registry tracks named, connected tool servers and their catalogs,
// and routes tool calls to the server that owns the tool. The registry is the
// single owner of mutable server state; entries are removed from the map
// before their transport is torn down, so concurrent lookups never observe a
// half-closed connection.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/mcpclient"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent", "registry")

// DefaultServerName is the protected entry that is never auto-removed.
const DefaultServerName = "default"

var (
	// ErrNotFound means no server is registered under the given name.
	ErrNotFound = errors.New("server not found")
	// ErrProtected means the operation is not allowed on the default server.
	ErrProtected = errors.New("cannot modify the default server")
	// ErrConflict means the target name is already registered.
	ErrConflict = errors.New("server name already in use")
	// ErrToolNotFound means no connected server advertises the tool.
	ErrToolNotFound = errors.New("tool not found")
)

// Kind selects the transport variant for a server entry.
type Kind string

const (
	// KindStdio launches a subprocess and speaks JSON-RPC over its pipes.
	KindStdio Kind = "stdio"
	// KindStreamed attaches to a persistent SSE session.
	KindStreamed Kind = "streamed"
)

// ParseKind normalizes a configured transport kind. "sse" is accepted as a
// legacy alias for streamed.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "stdio", "":
		return KindStdio, nil
	case "streamed", "sse":
		return KindStreamed, nil
	}
	return "", errors.Errorf("unsupported transport kind: %s", s)
}

// Dialer creates an unconnected transport for a kind. Replaceable in tests.
type Dialer func(kind Kind) mcpclient.ServerConnection

func defaultDialer(kind Kind) mcpclient.ServerConnection {
	if kind == KindStreamed {
		return mcpclient.NewStreamedConnection()
	}
	return mcpclient.NewStdioConnection()
}

// Entry is one registered server: its live connection and the catalog it
// advertised on the last successful listing.
type Entry struct {
	Name          string
	Endpoint      string
	Kind          Kind
	Conn          mcpclient.ServerConnection
	Tools         []mcpclient.ToolDescriptor
	ToolOverrides []string
}

// AddRequest describes a server to connect and register.
type AddRequest struct {
	// Name is the registry key; derived from a timestamp when empty, and
	// disambiguated with a timestamp suffix on collision.
	Name     string
	Endpoint string
	Kind     Kind
	// Secrets are injected into the transport (subprocess environment or
	// HTTP headers) and are never logged.
	Secrets map[string]string
	// ToolOverrides, when non-empty, restricts the entry's catalog to the
	// named subset.
	ToolOverrides []string
}

// Registry holds the connected servers in a deterministic iteration order.
type Registry struct {
	dial Dialer

	mu      sync.RWMutex
	order   []string
	entries map[string]*Entry
}

// Option configures a Registry.
type Option func(*Registry)

// WithDialer replaces the transport constructor.
func WithDialer(dial Dialer) Option {
	return func(r *Registry) {
		r.dial = dial
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		dial:    defaultDialer,
		entries: make(map[string]*Entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add connects to the endpoint first and registers the entry only on
// success; a failed connect leaves the registry unchanged. Returns the name
// the entry was registered under.
func (r *Registry) Add(ctx context.Context, req AddRequest) (string, error) {
	conn := r.dial(req.Kind)
	return r.AddConnection(ctx, req, conn)
}

// AddConnection is Add with a caller-supplied transport; used for in-process
// connections and by tests.
func (r *Registry) AddConnection(ctx context.Context, req AddRequest, conn mcpclient.ServerConnection) (string, error) {
	name := r.deriveName(req.Name)

	logger.KV(xlog.INFO, "status", "adding_server", "name", name, "kind", req.Kind)
	if err := conn.Connect(ctx, req.Endpoint, req.Secrets); err != nil {
		return "", errors.WithMessagef(err, "failed to connect to server %q", name)
	}

	tools, err := conn.ListTools(ctx)
	if err != nil {
		conn.Disconnect()
		return "", errors.WithMessagef(err, "failed to list tools of server %q", name)
	}

	entry := &Entry{
		Name:          name,
		Endpoint:      req.Endpoint,
		Kind:          req.Kind,
		Conn:          conn,
		Tools:         ownTools(name, filterTools(tools, req.ToolOverrides)),
		ToolOverrides: req.ToolOverrides,
	}

	r.mu.Lock()
	if _, ok := r.entries[name]; ok {
		// The name was taken while we were connecting; disambiguate again.
		name = fmt.Sprintf("%s-%d", name, time.Now().UnixNano())
		entry.Name = name
		entry.Tools = ownTools(name, entry.Tools)
	}
	r.entries[name] = entry
	r.order = append(r.order, name)
	r.mu.Unlock()

	logger.KV(xlog.INFO, "status", "server_added", "name", name, "tools", len(entry.Tools))
	return name, nil
}

func (r *Registry) deriveName(name string) string {
	if name == "" {
		name = fmt.Sprintf("server-%d", time.Now().Unix())
	}
	r.mu.RLock()
	_, taken := r.entries[name]
	r.mu.RUnlock()
	if taken {
		name = fmt.Sprintf("%s-%d", name, time.Now().Unix())
	}
	return name
}

// ownTools stamps the owning server on a fresh copy of the descriptors.
func ownTools(server string, tools []mcpclient.ToolDescriptor) []mcpclient.ToolDescriptor {
	owned := make([]mcpclient.ToolDescriptor, len(tools))
	for i, t := range tools {
		t.Server = server
		owned[i] = t
	}
	return owned
}

func filterTools(tools []mcpclient.ToolDescriptor, overrides []string) []mcpclient.ToolDescriptor {
	if len(overrides) == 0 {
		return tools
	}
	allowed := make(map[string]bool, len(overrides))
	for _, name := range overrides {
		allowed[name] = true
	}
	var filtered []mcpclient.ToolDescriptor
	for _, t := range tools {
		if allowed[t.Name] {
			filtered = append(filtered, t)
		}
	}
	return filtered
}

// Remove deletes a server. The entry leaves the registry before its
// transport is disconnected; disconnect failures are logged, not surfaced.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	entry, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return errors.WithMessagef(ErrNotFound, "%s", name)
	}
	if name == DefaultServerName {
		r.mu.Unlock()
		return errors.WithStack(ErrProtected)
	}
	delete(r.entries, name)
	r.removeFromOrder(name)
	r.mu.Unlock()

	entry.Conn.Disconnect()
	logger.KV(xlog.INFO, "status", "server_removed", "name", name)
	return nil
}

// removeFromOrder must be called with the write lock held.
func (r *Registry) removeFromOrder(name string) {
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

// Rename relabels a registry key and re-stamps the owning server on the
// entry's cached descriptors. The live connection is untouched.
func (r *Registry) Rename(old, new string) error {
	if new == "" {
		return errors.New("new name must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[old]
	if !ok {
		return errors.WithMessagef(ErrNotFound, "%s", old)
	}
	if _, ok := r.entries[new]; ok {
		return errors.WithMessagef(ErrConflict, "%s", new)
	}

	delete(r.entries, old)
	entry.Name = new
	entry.Tools = ownTools(new, entry.Tools)
	r.entries[new] = entry
	for i, n := range r.order {
		if n == old {
			r.order[i] = new
		}
	}
	return nil
}

// RefreshAll re-lists every server's tools. An entry whose transport reports
// a closed connection is removed after the sweep, unless it is the protected
// default; any other failure leaves that entry's catalog unchanged for this
// cycle. Returns the freshly rebuilt combined catalog.
func (r *Registry) RefreshAll(ctx context.Context) []mcpclient.ToolDescriptor {
	r.mu.RLock()
	names := append([]string{}, r.order...)
	entries := make(map[string]*Entry, len(names))
	for _, name := range names {
		entries[name] = r.entries[name]
	}
	r.mu.RUnlock()

	var broken []string
	refreshed := make(map[string][]mcpclient.ToolDescriptor)
	for _, name := range names {
		entry := entries[name]
		tools, err := entry.Conn.ListTools(ctx)
		if err != nil {
			if errors.Is(err, mcpclient.ErrConnectionClosed) || errors.Is(err, mcpclient.ErrNotConnected) {
				if name == DefaultServerName {
					logger.KV(xlog.WARNING, "status", "default_server_unreachable", "err", err.Error())
					continue
				}
				logger.KV(xlog.WARNING, "status", "marking_broken_server", "name", name, "err", err.Error())
				broken = append(broken, name)
				continue
			}
			logger.KV(xlog.WARNING, "status", "refresh_failed", "name", name, "err", err.Error())
			continue
		}
		refreshed[name] = ownTools(name, filterTools(tools, entry.ToolOverrides))
	}

	// Mutate only after the sweep to avoid changing the registry mid-iteration.
	r.mu.Lock()
	for name, tools := range refreshed {
		if entry, ok := r.entries[name]; ok {
			entry.Tools = tools
		}
	}
	var removed []*Entry
	for _, name := range broken {
		if entry, ok := r.entries[name]; ok {
			delete(r.entries, name)
			r.removeFromOrder(name)
			removed = append(removed, entry)
		}
	}
	r.mu.Unlock()

	for _, entry := range removed {
		entry.Conn.Disconnect()
		logger.KV(xlog.INFO, "status", "broken_server_removed", "name", entry.Name)
	}

	return r.Combined()
}

// Combined returns the union of all catalogs in registry iteration order,
// deduplicated by first match: a tool name advertised by a later server is
// shadowed by the earlier one.
func (r *Registry) Combined() []mcpclient.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var combined []mcpclient.ToolDescriptor
	for _, name := range r.order {
		for _, t := range r.entries[name].Tools {
			if seen[t.Name] {
				continue
			}
			seen[t.Name] = true
			combined = append(combined, t)
		}
	}
	return combined
}

// Route returns the name of the first server in iteration order that
// advertises the tool.
func (r *Registry) Route(toolName string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range r.order {
		for _, t := range r.entries[name].Tools {
			if t.Name == toolName {
				return name, nil
			}
		}
	}
	return "", errors.WithMessagef(ErrToolNotFound, "%s", toolName)
}

// CallTool routes a tool call to its owning server and dispatches it.
func (r *Registry) CallTool(ctx context.Context, toolName string, args json.RawMessage) (*mcpclient.CallResult, error) {
	r.mu.RLock()
	var conn mcpclient.ServerConnection
	for _, name := range r.order {
		for _, t := range r.entries[name].Tools {
			if t.Name == toolName {
				conn = r.entries[name].Conn
				break
			}
		}
		if conn != nil {
			break
		}
	}
	r.mu.RUnlock()

	if conn == nil {
		return nil, errors.WithMessagef(ErrToolNotFound, "%s", toolName)
	}
	return conn.CallTool(ctx, toolName, args)
}

// Get returns the entry registered under name.
func (r *Registry) Get(name string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	if !ok {
		return nil, errors.WithMessagef(ErrNotFound, "%s", name)
	}
	return entry, nil
}

// Names returns the registered server names in iteration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string{}, r.order...)
}

// Count returns the number of registered servers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Close disconnects every server and clears the registry.
func (r *Registry) Close() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*Entry)
	r.order = nil
	r.mu.Unlock()

	for _, entry := range entries {
		entry.Conn.Disconnect()
	}
}

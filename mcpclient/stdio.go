package mcpclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/mcpclient/transport"
	"github.com/effective-security/xlog"
)

const (
	// DefaultRequestTimeout bounds each stdio request.
	DefaultRequestTimeout = 10 * time.Second
	// shutdownGracePeriod is how long teardown waits for the child to exit
	// before killing it.
	shutdownGracePeriod = 3 * time.Second
	// maxLineSize is the scanner buffer limit for one JSON-RPC line.
	maxLineSize = 4 * 1024 * 1024
)

type stdioResult struct {
	result json.RawMessage
	err    error
}

// StdioConnection talks newline-delimited JSON-RPC 2.0 to a child process
// over its standard input/output. A single background reader matches replies
// to pending requests purely by correlation id, so multiple requests may be
// in flight concurrently and replies may arrive out of send order.
type StdioConnection struct {
	timeout    time.Duration
	clientName string

	writeMu sync.Mutex // serializes writes to the child's stdin

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	connected bool
	nextID    transport.RequestID
	pending   map[transport.RequestID]chan *stdioResult
	waitCh    chan error
	tools     []ToolDescriptor
}

var _ ServerConnection = (*StdioConnection)(nil)

// StdioOption configures a StdioConnection.
type StdioOption func(*StdioConnection)

// WithRequestTimeout overrides the default per-request timeout.
func WithRequestTimeout(d time.Duration) StdioOption {
	return func(c *StdioConnection) {
		c.timeout = d
	}
}

// WithClientName overrides the client name sent during the handshake.
func WithClientName(name string) StdioOption {
	return func(c *StdioConnection) {
		c.clientName = name
	}
}

// NewStdioConnection creates an unconnected stdio connection.
func NewStdioConnection(opts ...StdioOption) *StdioConnection {
	c := &StdioConnection{
		timeout:    DefaultRequestTimeout,
		clientName: "mcpagent-stdio-client",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect launches the command given by endpoint, with the parent environment
// merged with the secrets overrides, and performs the protocol handshake:
// initialize, the initialized notification, then tools/list. Connect fails if
// the server advertises zero tools. Any failure tears the child down before
// returning.
func (c *StdioConnection) Connect(ctx context.Context, endpoint string, secrets map[string]string) error {
	parts := strings.Fields(endpoint)
	if len(parts) == 0 {
		return errors.New("empty command")
	}

	c.mu.Lock()
	if c.cmd != nil {
		c.mu.Unlock()
		return errors.New("already connected")
	}
	c.mu.Unlock()

	cmd := exec.Command(parts[0], parts[1:]...)
	env := os.Environ()
	for k, v := range secrets {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.Wrap(err, "failed to open stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "failed to open stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errors.Wrap(err, "failed to open stderr pipe")
	}

	logger.KV(xlog.INFO, "status", "starting_server", "command", parts[0])
	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "failed to start %q", parts[0])
	}

	readerDone := make(chan struct{})
	waitCh := make(chan error, 1)

	c.mu.Lock()
	c.cmd = cmd
	c.stdin = stdin
	c.nextID = 0
	c.pending = make(map[transport.RequestID]chan *stdioResult)
	c.waitCh = waitCh
	c.mu.Unlock()

	go c.readLoop(stdout, readerDone)
	go drainStderr(stderr)
	go func() {
		// Wait must not run until the reader has drained stdout.
		<-readerDone
		waitCh <- cmd.Wait()
	}()

	if err := c.handshake(ctx); err != nil {
		c.Disconnect()
		return err
	}
	return nil
}

func (c *StdioConnection) handshake(ctx context.Context) error {
	if _, err := c.request(ctx, "initialize", newInitializeParams(c.clientName)); err != nil {
		return errors.WithMessage(err, "initialize failed")
	}

	if err := c.notify("notifications/initialized", struct{}{}); err != nil {
		return errors.WithMessage(err, "failed to send initialized notification")
	}

	result, err := c.request(ctx, "tools/list", struct{}{})
	if err != nil {
		return errors.WithMessage(err, "tools/list failed")
	}
	tools, err := parseToolList(result)
	if err != nil {
		return err
	}
	if len(tools) == 0 {
		return errors.New("server advertised no tools")
	}

	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	logger.KV(xlog.INFO, "status", "connected", "tools", strings.Join(names, ","))

	c.mu.Lock()
	c.tools = tools
	c.connected = true
	c.mu.Unlock()
	return nil
}

// readLoop reads one line at a time from the child's stdout for the lifetime
// of the connection. Malformed lines are logged and skipped. When the stream
// ends, every still-pending request resolves with ErrConnectionClosed.
func (c *StdioConnection) readLoop(stdout io.Reader, done chan<- struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		message, err := transport.Decode(line)
		if err != nil {
			logger.KV(xlog.WARNING, "status", "skipping_malformed_line", "err", err.Error())
			continue
		}
		switch message.Type {
		case transport.MessageTypeResponse:
			c.resolve(message.Response.ID, &stdioResult{result: message.Response.Result})
		case transport.MessageTypeError:
			c.resolve(message.Error.ID, &stdioResult{
				err: errors.WithMessagef(ErrRemote, "RPC error %d: %s",
					message.Error.Error.Code, message.Error.Error.Message),
			})
		case transport.MessageTypeNotification:
			logger.KV(xlog.DEBUG, "notification", message.Notification.Method)
		default:
			logger.KV(xlog.WARNING, "status", "unexpected_message", "type", message.Type)
		}
	}
	if err := scanner.Err(); err != nil {
		logger.KV(xlog.WARNING, "status", "reader_stopped", "err", err.Error())
	}
	c.markClosed()
}

// drainStderr keeps the child's stderr read so pipe backpressure can never
// stall it; everything is logged for diagnostics.
func drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		logger.KV(xlog.WARNING, "stderr", scanner.Text())
	}
}

// resolve hands a reply to the pending entry with a matching id. Map removal
// owns resolution, so no id can resolve twice.
func (c *StdioConnection) resolve(id transport.RequestID, res *stdioResult) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		logger.KV(xlog.DEBUG, "status", "unmatched_response", "id", id)
		return
	}
	ch <- res
}

func (c *StdioConnection) markClosed() {
	c.mu.Lock()
	c.connected = false
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for id, ch := range pending {
		logger.KV(xlog.DEBUG, "status", "failing_pending_request", "id", id)
		ch <- &stdioResult{err: errors.WithStack(ErrConnectionClosed)}
	}
}

func (c *StdioConnection) writeLine(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "failed to marshal message")
	}

	c.mu.Lock()
	stdin := c.stdin
	c.mu.Unlock()
	if stdin == nil {
		return errors.WithStack(ErrNotConnected)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := stdin.Write(append(data, '\n')); err != nil {
		return errors.WithStack(ErrConnectionClosed)
	}
	return nil
}

// request sends one request and waits for the reader to resolve it, bounded
// by the per-request timeout. A timeout discards the pending entry but
// leaves the child running.
func (c *StdioConnection) request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		return nil, errors.WithStack(ErrConnectionClosed)
	}
	c.nextID++
	id := c.nextID
	ch := make(chan *stdioResult, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	marshalled, err := json.Marshal(params)
	if err != nil {
		c.abandon(id)
		return nil, errors.Wrap(err, "failed to marshal params")
	}
	req := &transport.Request{
		Jsonrpc: transport.JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  marshalled,
	}
	if err := c.writeLine(req); err != nil {
		c.abandon(id)
		return nil, errors.WithMessagef(err, "failed to send request %q", method)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.result, nil
	case <-ctx.Done():
		c.abandon(id)
		return nil, errors.WithStack(ctx.Err())
	case <-time.After(c.timeout):
		c.abandon(id)
		return nil, errors.WithMessagef(ErrTimeout, "no reply to %q within %v", method, c.timeout)
	}
}

func (c *StdioConnection) abandon(id transport.RequestID) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *StdioConnection) notify(method string, params any) error {
	marshalled, err := json.Marshal(params)
	if err != nil {
		return errors.Wrap(err, "failed to marshal notification params")
	}
	return c.writeLine(&transport.Notification{
		Jsonrpc: transport.JSONRPCVersion,
		Method:  method,
		Params:  marshalled,
	})
}

// ListTools fetches a fresh catalog from the server and replaces the cached
// one wholesale.
func (c *StdioConnection) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	if !c.IsConnected() {
		return nil, errors.WithStack(ErrNotConnected)
	}
	result, err := c.request(ctx, "tools/list", struct{}{})
	if err != nil {
		return nil, err
	}
	tools, err := parseToolList(result)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()
	return tools, nil
}

// CallTool invokes a named tool. A valid error response from the server is
// surfaced as ErrRemote with the server-supplied message.
func (c *StdioConnection) CallTool(ctx context.Context, name string, args json.RawMessage) (*CallResult, error) {
	if !c.IsConnected() {
		return nil, errors.WithStack(ErrNotConnected)
	}
	if args == nil {
		args = json.RawMessage("{}")
	}
	result, err := c.request(ctx, "tools/call", &callToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return nil, err
	}
	return parseCallResult(result)
}

// Disconnect tears the connection down: best-effort terminate notification,
// stdin close, a bounded wait for the child to exit, then a kill. Every step
// runs even if an earlier one failed, pending requests resolve with
// ErrConnectionClosed, and the final state is always disconnected.
func (c *StdioConnection) Disconnect() {
	c.mu.Lock()
	cmd := c.cmd
	stdin := c.stdin
	waitCh := c.waitCh
	c.cmd = nil
	c.stdin = nil
	c.connected = false
	c.mu.Unlock()

	if cmd == nil {
		return
	}
	logger.KV(xlog.INFO, "status", "disconnecting")

	if stdin != nil {
		// Allow graceful shutdown; failures here are expected when the
		// child already died.
		_ = c.notifyOn(stdin, "terminate", struct{}{})
		_ = stdin.Close()
	}

	select {
	case err := <-waitCh:
		if err != nil {
			logger.KV(xlog.DEBUG, "status", "server_exited", "err", err.Error())
		}
	case <-time.After(shutdownGracePeriod):
		logger.KV(xlog.WARNING, "status", "force_killing_server")
		_ = cmd.Process.Kill()
		<-waitCh
	}

	c.markClosed()
	logger.KV(xlog.INFO, "status", "disconnected")
}

// notifyOn writes a notification to an explicit pipe; used during teardown
// after the connection fields have been cleared.
func (c *StdioConnection) notifyOn(w io.Writer, method string, params any) error {
	marshalled, err := json.Marshal(params)
	if err != nil {
		return err
	}
	data, err := json.Marshal(&transport.Notification{
		Jsonrpc: transport.JSONRPCVersion,
		Method:  method,
		Params:  marshalled,
	})
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = w.Write(append(data, '\n'))
	return err
}

// IsConnected reports whether the handshake completed and the child is still
// believed to be alive. The reader loop clears the flag the moment the
// child's stdout ends.
func (c *StdioConnection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Tools returns the catalog captured by the last successful listing.
func (c *StdioConnection) Tools() []ToolDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tools
}

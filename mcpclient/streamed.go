package mcpclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/mcpclient/internal/session"
	"github.com/effective-security/mcpagent/mcpclient/transport"
	"github.com/effective-security/xlog"
)

// StreamedConnection talks to a tool server over a persistent SSE stream.
// The server announces a message endpoint as the first stream event; requests
// are POSTed there and replies arrive back on the stream. Two nested
// resources are held: the stream itself and the correlation session built on
// top of it. They are entered in that order and always released in reverse,
// even when the handshake fails mid-setup.
type StreamedConnection struct {
	timeout    time.Duration
	clientName string
	httpClient *http.Client

	mu        sync.Mutex
	cancel    context.CancelFunc
	body      io.ReadCloser
	sess      *session.Session
	connected bool
	tools     []ToolDescriptor
}

var _ ServerConnection = (*StreamedConnection)(nil)

// StreamedOption configures a StreamedConnection.
type StreamedOption func(*StreamedConnection)

// WithStreamedTimeout overrides the default per-request timeout.
func WithStreamedTimeout(d time.Duration) StreamedOption {
	return func(c *StreamedConnection) {
		c.timeout = d
	}
}

// WithHTTPClient overrides the HTTP client used for the stream and for
// posting messages.
func WithHTTPClient(client *http.Client) StreamedOption {
	return func(c *StreamedConnection) {
		c.httpClient = client
	}
}

// NewStreamedConnection creates an unconnected streamed connection.
func NewStreamedConnection(opts ...StreamedOption) *StreamedConnection {
	c := &StreamedConnection{
		timeout:    DefaultRequestTimeout,
		clientName: "mcpagent-streamed-client",
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect opens the event stream at endpoint, waits for the server to
// announce its message endpoint, builds the session and performs the
// handshake. Secrets are injected as HTTP headers on both the stream and
// every posted message. On any failure both resources are released, session
// first, and the error is returned.
func (c *StreamedConnection) Connect(ctx context.Context, endpoint string, secrets map[string]string) error {
	c.mu.Lock()
	if c.sess != nil {
		c.mu.Unlock()
		return errors.New("already connected")
	}
	c.mu.Unlock()

	// The stream must outlive the Connect call.
	streamCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		cancel()
		return errors.Wrap(err, "invalid endpoint")
	}
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range secrets {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return errors.Wrap(err, "failed to open event stream")
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		cancel()
		return errors.Errorf("unexpected status %d from event stream", resp.StatusCode)
	}

	reader := newEventReader(resp.Body)
	postURL, err := readEndpointEvent(reader, endpoint)
	if err != nil {
		_ = resp.Body.Close()
		cancel()
		return err
	}

	tr := &sseClientTransport{
		reader:  reader,
		body:    resp.Body,
		client:  c.httpClient,
		postURL: postURL,
		headers: secrets,
	}
	sess, err := session.New(streamCtx, tr, c.timeout)
	if err != nil {
		_ = resp.Body.Close()
		cancel()
		return errors.WithMessage(err, "failed to establish session")
	}
	sess.OnClose = func() {
		c.mu.Lock()
		wasConnected := c.connected
		c.connected = false
		c.mu.Unlock()
		if wasConnected {
			logger.KV(xlog.WARNING, "status", "stream_closed", "endpoint", endpoint)
		}
	}
	sess.OnNotification = func(n *transport.Notification) {
		logger.KV(xlog.INFO, "status", "server_notification", "method", n.Method, "endpoint", endpoint)
	}

	c.mu.Lock()
	c.cancel = cancel
	c.body = resp.Body
	c.sess = sess
	c.mu.Unlock()

	if err := c.handshake(ctx, sess); err != nil {
		c.Disconnect()
		return err
	}
	return nil
}

func (c *StreamedConnection) handshake(ctx context.Context, sess *session.Session) error {
	if _, err := sess.Request(ctx, "initialize", newInitializeParams(c.clientName)); err != nil {
		return errors.WithMessage(c.mapErr(err), "initialize failed")
	}
	if err := sess.Notify(ctx, "notifications/initialized", struct{}{}); err != nil {
		return errors.WithMessage(err, "failed to send initialized notification")
	}

	result, err := sess.Request(ctx, "tools/list", struct{}{})
	if err != nil {
		return errors.WithMessage(c.mapErr(err), "tools/list failed")
	}
	tools, err := parseToolList(result)
	if err != nil {
		return err
	}
	if len(tools) == 0 {
		return errors.New("server advertised no tools")
	}

	c.mu.Lock()
	c.tools = tools
	c.connected = true
	c.mu.Unlock()

	logger.KV(xlog.INFO, "status", "connected", "tools", len(tools))
	return nil
}

// mapErr translates session-level failures into the capability contract's
// error taxonomy.
func (c *StreamedConnection) mapErr(err error) error {
	if err == nil {
		return nil
	}
	var rpcErr *session.RPCError
	switch {
	case errors.As(err, &rpcErr):
		return errors.WithMessage(ErrRemote, rpcErr.Message)
	case errors.Is(err, session.ErrClosed):
		return errors.WithStack(ErrConnectionClosed)
	case errors.Is(err, session.ErrTimeout):
		return errors.WithMessage(ErrTimeout, err.Error())
	}
	return err
}

// ListTools fetches a fresh catalog over the session.
func (c *StreamedConnection) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	c.mu.Lock()
	sess := c.sess
	connected := c.connected
	c.mu.Unlock()
	if !connected || sess == nil {
		return nil, errors.WithStack(ErrNotConnected)
	}

	result, err := sess.Request(ctx, "tools/list", struct{}{})
	if err != nil {
		return nil, c.mapErr(err)
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

// CallTool invokes a named tool over the session.
func (c *StreamedConnection) CallTool(ctx context.Context, name string, args json.RawMessage) (*CallResult, error) {
	c.mu.Lock()
	sess := c.sess
	connected := c.connected
	c.mu.Unlock()
	if !connected || sess == nil {
		return nil, errors.WithStack(ErrNotConnected)
	}

	if args == nil {
		args = json.RawMessage("{}")
	}
	result, err := sess.Request(ctx, "tools/call", &callToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return nil, c.mapErr(err)
	}
	return parseCallResult(result)
}

// Disconnect releases the session first, then the stream, swallowing and
// logging every internal error.
func (c *StreamedConnection) Disconnect() {
	c.mu.Lock()
	sess := c.sess
	body := c.body
	cancel := c.cancel
	c.sess = nil
	c.body = nil
	c.cancel = nil
	c.connected = false
	c.mu.Unlock()

	if sess != nil {
		if err := sess.Close(); err != nil {
			logger.KV(xlog.WARNING, "status", "session_close_failed", "err", err.Error())
		}
	}
	if body != nil {
		_ = body.Close()
	}
	if cancel != nil {
		cancel()
	}
}

// IsConnected reports whether the handshake completed and the stream is open.
func (c *StreamedConnection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.sess != nil
}

// Tools returns the catalog captured by the last successful listing.
func (c *StreamedConnection) Tools() []ToolDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tools
}

// readEndpointEvent consumes stream events until the server announces its
// message endpoint, resolved against the stream URL.
func readEndpointEvent(r *eventReader, base string) (string, error) {
	for {
		event, data, err := r.next()
		if err != nil {
			return "", errors.Wrap(err, "stream ended before endpoint event")
		}
		if event != "endpoint" {
			logger.KV(xlog.DEBUG, "status", "skipping_event", "event", event)
			continue
		}
		baseURL, err := url.Parse(base)
		if err != nil {
			return "", errors.Wrap(err, "invalid stream URL")
		}
		ref, err := url.Parse(strings.TrimSpace(data))
		if err != nil {
			return "", errors.Wrap(err, "invalid endpoint event payload")
		}
		return baseURL.ResolveReference(ref).String(), nil
	}
}

// sseClientTransport implements transport.Transport over an open SSE stream:
// inbound messages are stream events, outbound messages are POSTs to the
// announced endpoint.
type sseClientTransport struct {
	reader  *eventReader
	body    io.ReadCloser
	client  *http.Client
	postURL string
	headers map[string]string

	mu             sync.RWMutex
	messageHandler func(ctx context.Context, message *transport.Message)
	errorHandler   func(err error)
	closeHandler   func()
	closed         bool
}

// Start implements Transport.Start.
func (t *sseClientTransport) Start(ctx context.Context) error {
	go t.readLoop(ctx)
	return nil
}

func (t *sseClientTransport) readLoop(ctx context.Context) {
	for {
		event, data, err := t.reader.next()
		if err != nil {
			t.mu.RLock()
			closed := t.closed
			closeHandler := t.closeHandler
			t.mu.RUnlock()
			if !closed && closeHandler != nil {
				closeHandler()
			}
			return
		}
		if event != "message" && event != "" {
			logger.KV(xlog.DEBUG, "status", "skipping_event", "event", event)
			continue
		}
		message, err := transport.Decode([]byte(data))
		if err != nil {
			t.mu.RLock()
			errorHandler := t.errorHandler
			t.mu.RUnlock()
			if errorHandler != nil {
				errorHandler(errors.WithMessage(err, "malformed stream message"))
			}
			continue
		}
		t.mu.RLock()
		handler := t.messageHandler
		t.mu.RUnlock()
		if handler != nil {
			handler(ctx, message)
		}
	}
}

// Send implements Transport.Send by posting the message to the announced
// endpoint. Replies arrive on the stream, not in the POST response.
func (t *sseClientTransport) Send(ctx context.Context, message *transport.Message) error {
	data, err := json.Marshal(message)
	if err != nil {
		return errors.Wrap(err, "failed to marshal message")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.postURL, bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to post message")
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return errors.Errorf("server returned status %d", resp.StatusCode)
	}
	return nil
}

// Close implements Transport.Close.
func (t *sseClientTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return t.body.Close()
}

// SetMessageHandler implements Transport.SetMessageHandler.
func (t *sseClientTransport) SetMessageHandler(handler func(ctx context.Context, message *transport.Message)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messageHandler = handler
}

// SetErrorHandler implements Transport.SetErrorHandler.
func (t *sseClientTransport) SetErrorHandler(handler func(err error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errorHandler = handler
}

// SetCloseHandler implements Transport.SetCloseHandler.
func (t *sseClientTransport) SetCloseHandler(handler func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeHandler = handler
}

// eventReader parses text/event-stream frames: "event:" and "data:" lines
// accumulated until a blank line dispatches the event.
type eventReader struct {
	scanner *bufio.Scanner
}

func newEventReader(r io.Reader) *eventReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	return &eventReader{scanner: scanner}
}

func (r *eventReader) next() (event string, data string, err error) {
	var dataLines []string
	for r.scanner.Scan() {
		line := r.scanner.Text()
		switch {
		case line == "":
			if event != "" || len(dataLines) > 0 {
				return event, strings.Join(dataLines, "\n"), nil
			}
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		}
	}
	if err := r.scanner.Err(); err != nil {
		return "", "", err
	}
	return "", "", io.EOF
}

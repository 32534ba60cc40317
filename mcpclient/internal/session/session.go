// Package session layers request/response correlation on top of a
// transport.Transport: monotonic request ids, response channels keyed by id,
// per-request timeouts, and forced resolution of everything still pending
// when the connection closes.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/mcpclient/transport"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent/mcpclient", "session")

// DefaultRequestTimeout bounds each request unless overridden per session.
const DefaultRequestTimeout = 10 * time.Second

// ErrClosed resolves requests that were still pending when the session closed.
var ErrClosed = errors.New("session closed")

// ErrTimeout indicates the local wait for a reply expired.
var ErrTimeout = errors.New("request timed out")

// RPCError is an error response reported by the remote end.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

type responseEnvelope struct {
	result json.RawMessage
	err    error
}

// Session drives JSON-RPC request correlation over a transport.
type Session struct {
	tr      transport.Transport
	timeout time.Duration

	mu      sync.Mutex
	nextID  transport.RequestID
	pending map[transport.RequestID]chan *responseEnvelope
	closed  bool

	// OnNotification, if set, is invoked for every inbound notification.
	// Set it before issuing requests.
	OnNotification func(n *transport.Notification)

	// OnClose, if set, is invoked once when the session stops accepting
	// requests, whether by an explicit Close or by the transport dropping.
	// Set it before issuing requests.
	OnClose func()
}

// New creates a Session over the given transport and starts it. The caller
// must Close the session before closing any resource the transport wraps.
func New(ctx context.Context, tr transport.Transport, timeout time.Duration) (*Session, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	s := &Session{
		tr:      tr,
		timeout: timeout,
		pending: make(map[transport.RequestID]chan *responseEnvelope),
	}

	tr.SetMessageHandler(func(ctx context.Context, message *transport.Message) {
		s.handleMessage(message)
	})
	tr.SetErrorHandler(func(err error) {
		logger.KV(xlog.WARNING, "status", "transport_error", "err", err.Error())
	})
	tr.SetCloseHandler(func() {
		s.failPending(errors.WithStack(ErrClosed))
	})

	if err := tr.Start(ctx); err != nil {
		return nil, errors.WithMessage(err, "failed to start transport")
	}
	return s, nil
}

func (s *Session) handleMessage(message *transport.Message) {
	switch message.Type {
	case transport.MessageTypeResponse:
		s.resolve(message.Response.ID, &responseEnvelope{result: message.Response.Result})
	case transport.MessageTypeError:
		s.resolve(message.Error.ID, &responseEnvelope{
			err: errors.WithStack(&RPCError{
				Code:    message.Error.Error.Code,
				Message: message.Error.Error.Message,
			}),
		})
	case transport.MessageTypeNotification:
		logger.KV(xlog.DEBUG, "notification", message.Notification.Method)
		if s.OnNotification != nil {
			s.OnNotification(message.Notification)
		}
	default:
		logger.KV(xlog.DEBUG, "status", "ignored_message", "type", message.Type)
	}
}

// resolve delivers a response to the pending entry with a matching id.
// Whoever removes the entry from the map owns its resolution, so an id can
// never be resolved twice.
func (s *Session) resolve(id transport.RequestID, envelope *responseEnvelope) {
	s.mu.Lock()
	ch, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()

	if !ok {
		logger.KV(xlog.DEBUG, "status", "unmatched_response", "id", id)
		return
	}
	ch <- envelope
}

func (s *Session) failPending(err error) {
	s.mu.Lock()
	wasClosed := s.closed
	pending := s.pending
	s.pending = make(map[transport.RequestID]chan *responseEnvelope)
	s.closed = true
	s.mu.Unlock()

	// The hook runs before any waiter wakes, so observers see the closed
	// state by the time a pending request fails.
	if !wasClosed && s.OnClose != nil {
		s.OnClose()
	}
	for id, ch := range pending {
		logger.KV(xlog.DEBUG, "status", "failing_pending_request", "id", id)
		ch <- &responseEnvelope{err: err}
	}
}

// Request sends one request and waits for its reply, the context, or the
// session timeout, whichever comes first. A timeout abandons only the local
// wait; the remote operation may still complete.
func (s *Session) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	marshalled, err := json.Marshal(params)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal params")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.WithStack(ErrClosed)
	}
	s.nextID++
	id := s.nextID
	ch := make(chan *responseEnvelope, 1)
	s.pending[id] = ch
	s.mu.Unlock()

	req := &transport.Request{
		Jsonrpc: transport.JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  marshalled,
	}
	if err := s.tr.Send(ctx, transport.NewRequestMessage(req)); err != nil {
		s.abandon(id)
		return nil, errors.WithMessagef(err, "failed to send request %q", method)
	}

	select {
	case envelope := <-ch:
		if envelope.err != nil {
			return nil, envelope.err
		}
		return envelope.result, nil
	case <-ctx.Done():
		s.abandon(id)
		return nil, errors.WithStack(ctx.Err())
	case <-time.After(s.timeout):
		s.abandon(id)
		return nil, errors.WithMessagef(ErrTimeout, "no reply to %q within %v", method, s.timeout)
	}
}

// abandon removes a pending entry without resolving it. If the reader
// resolved it concurrently, the buffered channel absorbs the response.
func (s *Session) abandon(id transport.RequestID) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// Notify emits a one-way notification.
func (s *Session) Notify(ctx context.Context, method string, params any) error {
	marshalled, err := json.Marshal(params)
	if err != nil {
		return errors.Wrap(err, "failed to marshal notification params")
	}
	n := &transport.Notification{
		Jsonrpc: transport.JSONRPCVersion,
		Method:  method,
		Params:  marshalled,
	}
	return s.tr.Send(ctx, transport.NewNotificationMessage(n))
}

// Close shuts the session down: every still-pending request is resolved with
// ErrClosed and the underlying transport is closed.
func (s *Session) Close() error {
	s.failPending(errors.WithStack(ErrClosed))
	return s.tr.Close()
}

// Package transport defines the JSON-RPC 2.0 envelope types and the pluggable
// transport contract used by tool-server connections. A transport only moves
// framed messages; request/response correlation is layered on top of it.
package transport

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// JSONRPCVersion is the protocol version sent in every envelope.
const JSONRPCVersion = "2.0"

// RequestID identifies an outstanding request on one connection.
type RequestID int64

// Request is an outgoing JSON-RPC request that expects a response.
type Request struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      RequestID       `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Notification is a one-way message that does not expect a response.
type Notification struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a successful reply correlated by ID.
type Response struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      RequestID       `json:"id"`
	Result  json.RawMessage `json:"result"`
}

// ErrorDetail is the error object of a JSON-RPC error reply.
type ErrorDetail struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ErrorResponse is an error reply correlated by ID.
type ErrorResponse struct {
	Jsonrpc string      `json:"jsonrpc"`
	ID      RequestID   `json:"id"`
	Error   ErrorDetail `json:"error"`
}

// MessageType discriminates the decoded envelope variants.
type MessageType string

const (
	MessageTypeRequest      MessageType = "request"
	MessageTypeNotification MessageType = "notification"
	MessageTypeResponse     MessageType = "response"
	MessageTypeError        MessageType = "error"
)

// Message is a decoded JSON-RPC envelope. Exactly one of the payload fields
// is set, according to Type.
type Message struct {
	Type         MessageType
	Request      *Request
	Notification *Notification
	Response     *Response
	Error        *ErrorResponse
}

// NewRequestMessage wraps a request into a Message.
func NewRequestMessage(req *Request) *Message {
	return &Message{Type: MessageTypeRequest, Request: req}
}

// NewNotificationMessage wraps a notification into a Message.
func NewNotificationMessage(n *Notification) *Message {
	return &Message{Type: MessageTypeNotification, Notification: n}
}

// NewResponseMessage wraps a response into a Message.
func NewResponseMessage(resp *Response) *Message {
	return &Message{Type: MessageTypeResponse, Response: resp}
}

// NewErrorMessage wraps an error response into a Message.
func NewErrorMessage(resp *ErrorResponse) *Message {
	return &Message{Type: MessageTypeError, Error: resp}
}

// MarshalJSON encodes the active payload only.
func (m *Message) MarshalJSON() ([]byte, error) {
	switch m.Type {
	case MessageTypeRequest:
		return json.Marshal(m.Request)
	case MessageTypeNotification:
		return json.Marshal(m.Notification)
	case MessageTypeResponse:
		return json.Marshal(m.Response)
	case MessageTypeError:
		return json.Marshal(m.Error)
	}
	return nil, errors.Errorf("unknown message type: %s", m.Type)
}

// envelope is the superset shape used to classify an incoming line.
type envelope struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      *RequestID      `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *ErrorDetail    `json:"error"`
}

// Decode classifies a raw JSON-RPC message:
//   - method with id: request
//   - method without id: notification
//   - id with error object: error response
//   - id without error object: response
func Decode(data []byte) (*Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(err, "failed to parse JSON-RPC message")
	}

	switch {
	case env.Method != "" && env.ID != nil:
		return NewRequestMessage(&Request{
			Jsonrpc: env.Jsonrpc,
			ID:      *env.ID,
			Method:  env.Method,
			Params:  env.Params,
		}), nil
	case env.Method != "":
		return NewNotificationMessage(&Notification{
			Jsonrpc: env.Jsonrpc,
			Method:  env.Method,
			Params:  env.Params,
		}), nil
	case env.ID != nil && env.Error != nil:
		return NewErrorMessage(&ErrorResponse{
			Jsonrpc: env.Jsonrpc,
			ID:      *env.ID,
			Error:   *env.Error,
		}), nil
	case env.ID != nil:
		return NewResponseMessage(&Response{
			Jsonrpc: env.Jsonrpc,
			ID:      *env.ID,
			Result:  env.Result,
		}), nil
	}
	return nil, errors.New("unrecognized JSON-RPC message shape")
}

// Transport moves JSON-RPC messages to and from a remote endpoint.
// Implementations invoke the registered message handler for every inbound
// message, the error handler for transport-level failures, and the close
// handler exactly once when the connection ends.
type Transport interface {
	// Start begins processing inbound messages.
	Start(ctx context.Context) error
	// Send delivers one message to the remote end.
	Send(ctx context.Context, message *Message) error
	// Close shuts the transport down and releases its resources.
	Close() error

	SetMessageHandler(handler func(ctx context.Context, message *Message))
	SetErrorHandler(handler func(err error))
	SetCloseHandler(handler func())
}

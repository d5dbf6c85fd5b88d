// Package protocol implements Content-Length framed JSON-RPC 2.0 messaging.
// The same codec serves both the editor-facing link and the sidecar-facing
// link, so there is exactly one parser and one writer implementation.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// LSP-reserved codes used on the editor link.
	CodeServerNotInitialized = -32002
	CodeRequestFailed        = -32803
	CodeServerCancelled      = -32802
	CodeRequestCancelled     = -32800
)

// Message is a JSON-RPC 2.0 request, notification, or response. The ID is
// kept raw because the editor is allowed to use string ids while the bridge
// always uses numeric ones.
type Message struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id,omitempty"`
	Method  string           `json:"method,omitempty"`
	Params  json.RawMessage  `json:"params,omitempty"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   *ResponseError   `json:"error,omitempty"`
}

// ResponseError is the error member of a JSON-RPC response.
type ResponseError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// rawID encodes a numeric id for the wire.
func rawID(id uint64) *json.RawMessage {
	raw := json.RawMessage(strconv.FormatUint(id, 10))
	return &raw
}

// NewRequest builds a request carrying a bridge-local numeric id.
func NewRequest(id uint64, method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: "2.0", ID: rawID(id), Method: method, Params: raw}, nil
}

// NewNotification builds a notification (no id, no response expected).
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: "2.0", Method: method, Params: raw}, nil
}

// NewResponse builds a success response echoing the request id.
func NewResponse(id *json.RawMessage, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Message{JSONRPC: "2.0", ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response echoing the request id.
func NewErrorResponse(id *json.RawMessage, code int, message string) *Message {
	return &Message{JSONRPC: "2.0", ID: id, Error: &ResponseError{Code: code, Message: message}}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return raw, nil
}

// IsNotification reports whether the message carries no id.
func (m *Message) IsNotification() bool {
	return m.ID == nil
}

// IsResponse reports whether the message is a response rather than a call.
func (m *Message) IsResponse() bool {
	return m.Method == "" && (m.Result != nil || m.Error != nil)
}

// NumericID decodes the message id as a uint64. Returns false for string
// ids, null ids, and notifications.
func (m *Message) NumericID() (uint64, bool) {
	if m.ID == nil {
		return 0, false
	}
	id, err := strconv.ParseUint(string(*m.ID), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

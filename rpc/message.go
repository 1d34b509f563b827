package rpc

import (
	"encoding/json"
	"fmt"
)

// Request is a JSON-RPC 2.0 request frame
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      MsgID  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

// NewRequest builds a request frame for the given method and params
func NewRequest(id MsgID, method string, params []any) *Request {
	if params == nil {
		params = []any{}
	}
	return &Request{JSONRPC: "2.0", ID: id, Method: method, Params: params}
}

// Error is a JSON-RPC 2.0 error object
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Response is a JSON-RPC 2.0 response frame. Result is kept raw so
// callers decode it against their own expectations.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      MsgID           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Err     *Error          `json:"error,omitempty"`

	// Method is filled in by the transport from the originating
	// request; bitcoind does not echo it back.
	Method string `json:"-"`
}

// IsError reports whether the response carries an error object
func (r *Response) IsError() bool { return r.Err != nil }

// ResultString decodes the result as a JSON string
func (r *Response) ResultString() (string, error) {
	var s string
	if err := json.Unmarshal(r.Result, &s); err != nil {
		return "", fmt.Errorf("%w: expected string result: %v", ErrBadArgs, err)
	}
	return s, nil
}

// ResultMap decodes the result as a JSON object
func (r *Response) ResultMap() (map[string]json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(r.Result, &m); err != nil {
		return nil, fmt.Errorf("%w: expected object result: %v", ErrBadArgs, err)
	}
	if len(m) == 0 {
		return nil, fmt.Errorf("%w: expected non-empty object result", ErrBadArgs)
	}
	return m, nil
}

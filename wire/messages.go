package wire

import (
	"encoding/json"
	"fmt"
)

// Message is the decoded form of a single frame. Exactly one of the three
// protocol shapes is present: a Request (method + id), a Notification
// (method, no id), or a Response (id + result-or-error, no method).
type Message struct {
	ID       *uint64         `json:"id,omitempty"`
	Method   string          `json:"method,omitempty"`
	Selector string          `json:"selector,omitempty"`
	Params   json.RawMessage `json:"params,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    *Error          `json:"error,omitempty"`
}

// Error is the wire-level error object carried by an error Response.
type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) String() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Error kinds that appear on the wire. Routing and backend failures are
// surfaced to callers using these; transport-level failures never leave the
// decoding site.
const (
	KindMethodNotFound   = "method not found"
	KindAmbiguousRoute   = "ambiguous route"
	KindCapabilityDenied = "capability denied"
	KindBackendGone      = "backend gone"
	KindTimedOut         = "timed out"
	KindCancelled        = "cancelled"
	KindSessionClosed    = "session closed"
	KindUnauthorized     = "unauthorized"
	KindInvalidParams    = "invalid params"
	KindInternal         = "internal"
)

// MessageType identifies which protocol shape a Message carries.
type MessageType string

const (
	TypeRequest      MessageType = "request"
	TypeResponse     MessageType = "response"
	TypeNotification MessageType = "notification"
)

// Type reports the protocol shape of the message.
func (m *Message) Type() MessageType {
	if m.Method != "" {
		if m.ID == nil {
			return TypeNotification
		}
		return TypeRequest
	}
	return TypeResponse
}

// UnmarshalJSON enforces the protocol shape rules while decoding: a message
// with a method must not carry result or error, and a message without a
// method must carry exactly one of result or error plus an id.
func (m *Message) UnmarshalJSON(data []byte) error {
	type raw Message
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}

	hasMethod := r.Method != ""
	hasResult := len(r.Result) > 0
	hasError := r.Error != nil

	if hasMethod {
		if hasResult || hasError {
			return fmt.Errorf("request or notification cannot carry result or error")
		}
	} else {
		if r.ID == nil {
			return fmt.Errorf("response requires an id")
		}
		if hasResult && hasError {
			return fmt.Errorf("response cannot carry both result and error")
		}
		if !hasResult && !hasError {
			return fmt.Errorf("response requires result or error")
		}
	}

	*m = Message(r)
	return nil
}

// NewRequest builds a request message. Params may be nil.
func NewRequest(id uint64, method, selector string, params json.RawMessage) *Message {
	return &Message{ID: &id, Method: method, Selector: selector, Params: params}
}

// NewNotification builds a notification message. Params may be nil.
func NewNotification(method string, params json.RawMessage) *Message {
	return &Message{Method: method, Params: params}
}

// NewResultResponse builds a successful response, marshaling result.
func NewResultResponse(id uint64, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Message{ID: &id, Result: raw}, nil
}

// NewErrorResponse builds an error response with the given kind.
func NewErrorResponse(id uint64, kind, message string, data any) *Message {
	return &Message{ID: &id, Error: &Error{Kind: kind, Message: message, Data: data}}
}

// Namespace returns the routing namespace of a method name: the portion
// before the first dot, or the whole method when it has no dot.
func Namespace(method string) string {
	for i := 0; i < len(method); i++ {
		if method[i] == '.' {
			return method[:i]
		}
	}
	return method
}

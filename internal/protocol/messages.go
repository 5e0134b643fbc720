// Package protocol defines the WebSocket message types shared between the relay and an automation bridge.
package protocol

import "encoding/json"

// Message is the envelope for all bridge messages.
// ID correlates a request with its result; events carry no ID.
type Message struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage creates a message with the given type and payload.
func NewMessage(msgType string, payload any) (*Message, error) {
	if payload == nil {
		return &Message{Type: msgType}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:    msgType,
		Payload: data,
	}, nil
}

// NewRequest creates a message that expects a TypeResult reply with the same ID.
func NewRequest(msgType, id string, payload any) (*Message, error) {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		return nil, err
	}
	msg.ID = id
	return msg, nil
}

// ParsePayload unmarshals the payload into the given target.
func (m *Message) ParsePayload(target any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, target)
}

// Message types (relay → bridge)
const (
	TypeInitialize  = "initialize"
	TypeGetState    = "get_state"
	TypeSendMessage = "send_message"
	TypeLogout      = "logout"
	TypeDestroy     = "destroy"
)

// Message types (bridge → relay): lifecycle events
const (
	TypeQR           = "qr"
	TypeReady        = "ready"
	TypeAuthFailure  = "auth_failure"
	TypeDisconnected = "disconnected"
)

// Message types (bridge → relay): session store requests
const (
	TypeSessionExists = "session_exists"
	TypeSessionGet    = "session_get"
	TypeSessionSet    = "session_set"
	TypeSessionRemove = "session_remove"
)

// TypeResult answers a request in either direction.
const TypeResult = "result"

// Error codes carried in ResultPayload.Code
const (
	CodeTooManyRequests = "too_many_requests"
	CodeStoreError      = "store_error"
	CodeBadRequest      = "bad_request"
)

// InitializePayload is sent by the relay to start the messaging client.
type InitializePayload struct {
	ClientID    string   `json:"client_id"`
	Headless    bool     `json:"headless"`
	BrowserPath string   `json:"browser_path,omitempty"` // local strategy only
	BrowserArgs []string `json:"browser_args,omitempty"`
}

// SendMessagePayload asks the bridge to deliver one chat message.
type SendMessagePayload struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

// QRPayload carries the raw pairing code.
type QRPayload struct {
	Code string `json:"code"`
}

// ReasonPayload is used by auth_failure and disconnected.
type ReasonPayload struct {
	Reason string `json:"reason"`
}

// SessionPayload is used by the session_* requests.
// Data is only set for session_set.
type SessionPayload struct {
	Session string `json:"session"`
	Data    []byte `json:"data,omitempty"`
}

// ResultPayload answers a request.
type ResultPayload struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Code   string `json:"code,omitempty"`
	State  string `json:"state,omitempty"`  // get_state
	Exists bool   `json:"exists,omitempty"` // session_exists
	Data   []byte `json:"data,omitempty"`   // session_get
}

// BrowserArgs are the flags every launched browser gets.
var BrowserArgs = []string{
	"--no-sandbox",
	"--disable-setuid-sandbox",
	"--disable-dev-shm-usage",
	"--disable-accelerated-2d-canvas",
	"--disable-gpu",
}

package protocol

import (
	"encoding/json"
	"time"
)

// Envelope is the outbound wire format for every message delivered to a
// browser: a type tag, the raw payload, and the send time.
type Envelope struct {
	Type      string    `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEnvelope wraps a payload for delivery.
func NewEnvelope(msgType string, payload any) Envelope {
	return Envelope{Type: msgType, Payload: payload, Timestamp: time.Now().UTC()}
}

// Outbound envelope types (server → browser).
const (
	TypeConnected             = "connected"
	TypeError                 = "error"
	TypeSubscribed            = "subscribed"
	TypePong                  = "pong"
	TypeSessionStatus         = "session_status"
	TypeSessionMessage        = "session_message"
	TypeSessionStream         = "session_stream"
	TypeSessionPermission     = "session_permission_request"
	TypeSessionPermResolved   = "session_permission_resolved"
	TypeSessionToolProgress   = "session_tool_progress"
	TypeSessionResult         = "session_result"
	TypeSessionControl        = "session_control"
	TypeSessionAuthStatus     = "session_auth_status"
	TypeSessionToolUseSummary = "session_tool_use_summary"
	TypeSessionRaw            = "session_raw"
)

// Inbound browser frame types.
const (
	TypePing                = "ping"
	TypeSubscribe           = "subscribe"
	TypeUnsubscribe         = "unsubscribe"
	TypeSessionSubscribe    = "session_subscribe"
	TypeSessionUserMessage  = "session_user_message"
	TypeSessionPermResponse = "session_permission_response"
	TypeSessionInterrupt    = "session_interrupt"
	TypeSessionSetPermMode  = "session_set_permission_mode"
	TypeSessionSetModel     = "session_set_model"
	TypeSessionUpdateEnv    = "session_update_env"
)

// Error codes surfaced to browsers.
const (
	ErrCodeSessionNotFound = "SESSION_NOT_FOUND"
	ErrCodeInvalidFrame    = "INVALID_FRAME"
	ErrCodeRateLimited     = "RATE_LIMITED"
)

// BrowserFrame is a single inbound browser command. Fields beyond Type are
// populated per command; unused ones stay zero.
type BrowserFrame struct {
	Type          string            `json:"type"`
	SessionID     string            `json:"sessionID,omitempty"`
	LastMessageID string            `json:"lastMessageID,omitempty"`
	AfterSeq      int64             `json:"afterSeq,omitempty"`
	Content       string            `json:"content,omitempty"`
	RequestID     string            `json:"requestID,omitempty"`
	Behavior      string            `json:"behavior,omitempty"`
	Mode          string            `json:"mode,omitempty"`
	Model         string            `json:"model,omitempty"`
	Variables     map[string]string `json:"variables,omitempty"`
}

// ErrorPayload is the payload of an error envelope.
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	SessionID string `json:"sessionID,omitempty"`
}

// PendingPermission is an outstanding tool-use authorization request awaiting
// a browser response, as surfaced in status snapshots and permission events.
type PendingPermission struct {
	RequestID string          `json:"requestId"`
	ToolName  string          `json:"toolName"`
	ToolUseID string          `json:"toolUseId,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Reason    json.RawMessage `json:"reason,omitempty"`
}

// Replay decoration keys added to payloads replayed from the ring buffer.
const (
	ReplayBufferedKey  = "_buffered"
	ReplayMessageIDKey = "_messageID"
)

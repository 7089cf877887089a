// Package protocol defines the wire formats spoken on both sides of the
// session relay: the NDJSON frames exchanged with agent containers and the
// JSON envelopes delivered to browsers.
//
// Agent frames are decoded in two phases: first the "type" (and, for system
// frames, "subtype") discriminator, then the concrete payload. Unknown types
// are forwarded raw.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Agent → server frame types.
const (
	AgentTypeSystem         = "system"
	AgentTypeAssistant      = "assistant"
	AgentTypeStreamEvent    = "stream_event"
	AgentTypeControlRequest = "control_request"
	AgentTypeResult         = "result"
	AgentTypeToolProgress   = "tool_progress"
	AgentTypeKeepAlive      = "keep_alive"
	AgentTypeAuthStatus     = "auth_status"
	AgentTypeToolUseSummary = "tool_use_summary"

	SystemSubtypeInit = "init"

	ControlSubtypeCanUseTool   = "can_use_tool"
	ControlSubtypeHookCallback = "hook_callback"
)

// AgentFrame is the first decode phase of an inbound agent frame: the type
// discriminators plus the raw bytes for the second phase.
type AgentFrame struct {
	Type    string
	Subtype string
	Raw     json.RawMessage
}

// DecodeAgentFrame reads the discriminator fields of a single NDJSON frame.
func DecodeAgentFrame(data []byte) (*AgentFrame, error) {
	var probe struct {
		Type    string `json:"type"`
		Subtype string `json:"subtype"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decode agent frame: %w", err)
	}
	if probe.Type == "" {
		return nil, fmt.Errorf("agent frame has no type")
	}
	return &AgentFrame{Type: probe.Type, Subtype: probe.Subtype, Raw: json.RawMessage(data)}, nil
}

// ToolSpec describes one tool the agent exposes. The wire format is either a
// bare string ("Read") or an object ({"name":"Read","kind":"builtin"}); both
// normalize to the object form, preserving order.
type ToolSpec struct {
	Name string `json:"name"`
	Kind string `json:"kind,omitempty"`
}

func (t *ToolSpec) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &t.Name)
	}
	type plain ToolSpec
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*t = ToolSpec(p)
	return nil
}

// MCPServer describes one MCP server declared by the agent.
type MCPServer struct {
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
}

// Capabilities is the declared feature set of a running agent, learned once
// from its system/init frame.
type Capabilities struct {
	Cwd            string      `json:"cwd,omitempty"`
	Model          string      `json:"model,omitempty"`
	PermissionMode string      `json:"permissionMode,omitempty"`
	AgentVersion   string      `json:"agentVersion,omitempty"`
	Tools          []ToolSpec  `json:"tools,omitempty"`
	MCPServers     []MCPServer `json:"mcpServers,omitempty"`
}

// InitFrame is the payload of a system/init frame. The agent has historically
// sent permission mode in both camelCase and snake_case; camelCase wins when
// both are present.
type InitFrame struct {
	Cwd                 string      `json:"cwd"`
	Model               string      `json:"model"`
	PermissionMode      string      `json:"permissionMode"`
	PermissionModeSnake string      `json:"permission_mode"`
	AgentVersion        string      `json:"agentVersion"`
	Tools               []ToolSpec  `json:"tools"`
	MCPServers          []MCPServer `json:"mcp_servers"`
}

// Capabilities normalizes the init payload into the stored capability set.
func (f *InitFrame) Capabilities() *Capabilities {
	mode := f.PermissionMode
	if mode == "" {
		mode = f.PermissionModeSnake
	}
	return &Capabilities{
		Cwd:            f.Cwd,
		Model:          f.Model,
		PermissionMode: mode,
		AgentVersion:   f.AgentVersion,
		Tools:          f.Tools,
		MCPServers:     f.MCPServers,
	}
}

// AssistantFrame carries one assistant message. Content may be a plain string
// or a structured content block list; structured content is re-encoded to a
// JSON string for persistence and display.
type AssistantFrame struct {
	Message struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

// ContentText returns the message content as a string, JSON-encoding
// structured content.
func (f *AssistantFrame) ContentText() string {
	raw := f.Message.Content
	if len(raw) == 0 {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}

// ControlRequest is an inbound control_request frame; the subtype lives on the
// nested request object.
type ControlRequest struct {
	RequestID string `json:"request_id"`
	Request   struct {
		Subtype        string          `json:"subtype"`
		ToolName       string          `json:"tool_name"`
		ToolUseID      string          `json:"tool_use_id"`
		Input          json.RawMessage `json:"input"`
		DecisionReason json.RawMessage `json:"decision_reason"`
	} `json:"request"`
}

// Usage is the token accounting reported in a result frame.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// ResultFrame reports a completed turn. The result type arrives as
// "result_type" or, on older agents, as "subtype".
type ResultFrame struct {
	ResultType   string  `json:"result_type"`
	Subtype      string  `json:"subtype"`
	DurationMS   int64   `json:"duration_ms"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	NumTurns     int     `json:"num_turns"`
	Usage        *Usage  `json:"usage"`
}

// Kind returns the effective result type.
func (f *ResultFrame) Kind() string {
	if f.ResultType != "" {
		return f.ResultType
	}
	return f.Subtype
}

// ResultStats is the per-turn accounting stored on the session record.
type ResultStats struct {
	ResultType   string  `json:"resultType"`
	DurationMS   int64   `json:"durationMs"`
	TotalCostUSD float64 `json:"totalCostUsd"`
	NumTurns     int     `json:"numTurns,omitempty"`
	Usage        *Usage  `json:"usage,omitempty"`
}

// Stats builds the stored stats from a result frame.
func (f *ResultFrame) Stats() *ResultStats {
	return &ResultStats{
		ResultType:   f.Kind(),
		DurationMS:   f.DurationMS,
		TotalCostUSD: f.TotalCostUSD,
		NumTurns:     f.NumTurns,
		Usage:        f.Usage,
	}
}

// --- Server → agent frames ---

// ChatMessage is the message body of a user frame.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UserFrame delivers user input to the agent.
type UserFrame struct {
	Type            string      `json:"type"`
	Message         ChatMessage `json:"message"`
	ParentToolUseID *string     `json:"parent_tool_use_id"`
	SessionID       string      `json:"session_id"`
}

// NewUserFrame builds a user frame for the given session.
func NewUserFrame(sessionID, content string) UserFrame {
	return UserFrame{
		Type:      "user",
		Message:   ChatMessage{Role: "user", Content: content},
		SessionID: sessionID,
	}
}

// PermissionDecision is the response body of a control_response.
type PermissionDecision struct {
	Behavior     string          `json:"behavior"`
	UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// ControlResponse answers a pending control_request.
type ControlResponse struct {
	Type      string             `json:"type"`
	Subtype   string             `json:"subtype"`
	RequestID string             `json:"request_id"`
	Response  PermissionDecision `json:"response"`
}

// NewControlResponse builds a success control_response for a request.
func NewControlResponse(requestID string, decision PermissionDecision) ControlResponse {
	return ControlResponse{
		Type:      "control_response",
		Subtype:   "success",
		RequestID: requestID,
		Response:  decision,
	}
}

// SetPermissionModeFrame switches the agent's permission mode.
type SetPermissionModeFrame struct {
	Type           string `json:"type"`
	PermissionMode string `json:"permission_mode"`
}

// NewSetPermissionModeFrame builds a set_permission_mode frame.
func NewSetPermissionModeFrame(mode string) SetPermissionModeFrame {
	return SetPermissionModeFrame{Type: "set_permission_mode", PermissionMode: mode}
}

// SetModelFrame switches the agent's model.
type SetModelFrame struct {
	Type  string `json:"type"`
	Model string `json:"model"`
}

// NewSetModelFrame builds a set_model frame.
func NewSetModelFrame(model string) SetModelFrame {
	return SetModelFrame{Type: "set_model", Model: model}
}

// UpdateEnvFrame updates environment variables in the agent process.
type UpdateEnvFrame struct {
	Type                 string            `json:"type"`
	EnvironmentVariables map[string]string `json:"environment_variables"`
}

// NewUpdateEnvFrame builds an update_environment_variables frame.
func NewUpdateEnvFrame(vars map[string]string) UpdateEnvFrame {
	return UpdateEnvFrame{Type: "update_environment_variables", EnvironmentVariables: vars}
}

// KeepAliveFrame is the application-level heartbeat sent to the agent.
type KeepAliveFrame struct {
	Type string `json:"type"`
}

package protocol

import (
	"encoding/json"
	"testing"
)

func TestDecodeAgentFrame(t *testing.T) {
	frame, err := DecodeAgentFrame([]byte(`{"type":"system","subtype":"init","model":"m1"}`))
	if err != nil {
		t.Fatal(err)
	}
	if frame.Type != "system" || frame.Subtype != "init" {
		t.Errorf("discriminators: %s/%s", frame.Type, frame.Subtype)
	}
	if len(frame.Raw) == 0 {
		t.Error("raw bytes not retained")
	}

	if _, err := DecodeAgentFrame([]byte(`{"subtype":"init"}`)); err == nil {
		t.Error("frame without type accepted")
	}
	if _, err := DecodeAgentFrame([]byte(`{broken`)); err == nil {
		t.Error("malformed frame accepted")
	}
}

func TestToolSpecStringOrObject(t *testing.T) {
	var tools []ToolSpec
	data := []byte(`["Read",{"name":"Bash","kind":"builtin"},"Write"]`)
	if err := json.Unmarshal(data, &tools); err != nil {
		t.Fatal(err)
	}
	if len(tools) != 3 {
		t.Fatalf("got %d tools", len(tools))
	}
	if tools[0].Name != "Read" || tools[0].Kind != "" {
		t.Errorf("string form: %+v", tools[0])
	}
	if tools[1].Name != "Bash" || tools[1].Kind != "builtin" {
		t.Errorf("object form: %+v", tools[1])
	}
	if tools[2].Name != "Write" {
		t.Errorf("order not preserved: %+v", tools[2])
	}
}

func TestInitFramePermissionModeFallback(t *testing.T) {
	var f InitFrame
	if err := json.Unmarshal([]byte(`{"permission_mode":"plan"}`), &f); err != nil {
		t.Fatal(err)
	}
	if got := f.Capabilities().PermissionMode; got != "plan" {
		t.Errorf("snake_case mode: got %q", got)
	}

	f = InitFrame{}
	if err := json.Unmarshal([]byte(`{"permissionMode":"default","permission_mode":"plan"}`), &f); err != nil {
		t.Fatal(err)
	}
	if got := f.Capabilities().PermissionMode; got != "default" {
		t.Errorf("camelCase should win: got %q", got)
	}
}

func TestAssistantContentText(t *testing.T) {
	var f AssistantFrame
	if err := json.Unmarshal([]byte(`{"message":{"role":"assistant","content":"plain text"}}`), &f); err != nil {
		t.Fatal(err)
	}
	if f.ContentText() != "plain text" {
		t.Errorf("string content: %q", f.ContentText())
	}

	f = AssistantFrame{}
	structured := `{"message":{"role":"assistant","content":[{"type":"text","text":"hi"}]}}`
	if err := json.Unmarshal([]byte(structured), &f); err != nil {
		t.Fatal(err)
	}
	got := f.ContentText()
	var blocks []map[string]any
	if err := json.Unmarshal([]byte(got), &blocks); err != nil {
		t.Fatalf("structured content not re-encoded as JSON: %q", got)
	}
	if blocks[0]["text"] != "hi" {
		t.Errorf("structured content: %v", blocks)
	}

	f = AssistantFrame{}
	if f.ContentText() != "" {
		t.Error("empty content should yield empty string")
	}
}

func TestResultFrameKindFallback(t *testing.T) {
	var f ResultFrame
	if err := json.Unmarshal([]byte(`{"subtype":"success","duration_ms":1200}`), &f); err != nil {
		t.Fatal(err)
	}
	if f.Kind() != "success" {
		t.Errorf("subtype fallback: %q", f.Kind())
	}

	f = ResultFrame{}
	if err := json.Unmarshal([]byte(`{"result_type":"error_max_turns","subtype":"old"}`), &f); err != nil {
		t.Fatal(err)
	}
	if f.Kind() != "error_max_turns" {
		t.Errorf("result_type should win: %q", f.Kind())
	}

	stats := (&ResultFrame{ResultType: "success", DurationMS: 42, TotalCostUSD: 0.01}).Stats()
	if stats.ResultType != "success" || stats.DurationMS != 42 {
		t.Errorf("stats: %+v", stats)
	}
}

func TestUserFrameShape(t *testing.T) {
	data, err := json.Marshal(NewUserFrame("sess-1", "hello"))
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	if m["type"] != "user" || m["session_id"] != "sess-1" {
		t.Errorf("frame: %v", m)
	}
	msg := m["message"].(map[string]any)
	if msg["role"] != "user" || msg["content"] != "hello" {
		t.Errorf("message: %v", msg)
	}
	if _, ok := m["parent_tool_use_id"]; !ok {
		t.Error("parent_tool_use_id must be present, even when null")
	}
}

func TestUpdateEnvFrameShape(t *testing.T) {
	data, err := json.Marshal(NewUpdateEnvFrame(map[string]string{"API_KEY": "v"}))
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	if m["type"] != "update_environment_variables" {
		t.Errorf("frame type: %v", m["type"])
	}
	vars := m["environment_variables"].(map[string]any)
	if vars["API_KEY"] != "v" {
		t.Errorf("variables: %v", vars)
	}
}

func TestControlResponseShape(t *testing.T) {
	cr := NewControlResponse("req-1", PermissionDecision{
		Behavior:     "allow",
		UpdatedInput: json.RawMessage(`{"command":"ls"}`),
	})
	data, err := json.Marshal(cr)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	if m["type"] != "control_response" || m["subtype"] != "success" || m["request_id"] != "req-1" {
		t.Errorf("frame: %v", m)
	}
	resp := m["response"].(map[string]any)
	if resp["behavior"] != "allow" {
		t.Errorf("response: %v", resp)
	}
	if _, hasMsg := resp["message"]; hasMsg {
		t.Error("allow decision should omit message")
	}
}

package relay

import (
	"encoding/json"
	"testing"
)

func TestSplitFramesSingle(t *testing.T) {
	frames := splitFrames([]byte(`{"type":"assistant"}`))
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
}

func TestSplitFramesMultiple(t *testing.T) {
	data := []byte(`{"type":"system","subtype":"init"}
{"type":"assistant"}
{"type":"result"}`)
	frames := splitFrames(data)
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(frames[2], &probe); err != nil || probe.Type != "result" {
		t.Errorf("third frame: %s (err %v)", frames[2], err)
	}
}

func TestSplitFramesNewlineInsideString(t *testing.T) {
	// A literal newline inside a JSON string must not split the frame.
	data := []byte("{\"type\":\"assistant\",\"message\":{\"content\":\"line one\nline two\"}}\n{\"type\":\"result\"}")
	frames := splitFrames(data)
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	var af struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(frames[0], &af); err != nil {
		t.Fatalf("first frame does not parse: %v", err)
	}
	if af.Message.Content != "line one\nline two" {
		t.Errorf("content: got %q", af.Message.Content)
	}
}

func TestSplitFramesSkipsGarbage(t *testing.T) {
	data := []byte("not json at all\n{\"type\":\"assistant\"}\n{{{\n{\"type\":\"result\"}")
	frames := splitFrames(data)
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2: %q", len(frames), frames)
	}
}

func TestSplitFramesEmpty(t *testing.T) {
	if frames := splitFrames(nil); len(frames) != 0 {
		t.Errorf("nil input: got %d frames", len(frames))
	}
	if frames := splitFrames([]byte("\n\n  \n")); len(frames) != 0 {
		t.Errorf("whitespace input: got %d frames", len(frames))
	}
}

func TestSplitFramesTrailingNewline(t *testing.T) {
	frames := splitFrames([]byte("{\"type\":\"keep_alive\"}\n"))
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
}

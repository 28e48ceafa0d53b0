package core

import (
	"errors"
	"testing"
)

func TestDecodeEvent_KnownTypes(t *testing.T) {
	cases := []struct {
		in   string
		want Event
	}{
		{`{"type":"RUN_STARTED","threadId":"t1","runId":"r1"}`, RunStartedEvent{ThreadID: "t1", RunID: "r1"}},
		{`{"type":"RUN_ERROR","message":"boom","code":"E1"}`, RunErrorEvent{Message: "boom", Code: "E1"}},
		{`{"type":"TEXT_MESSAGE_START","messageId":"m1","role":"assistant"}`, TextMessageStartEvent{MessageID: "m1", Role: "assistant"}},
		{`{"type":"TEXT_MESSAGE_CONTENT","messageId":"m1","delta":"Hi"}`, TextMessageContentEvent{MessageID: "m1", Delta: "Hi"}},
		{`{"type":"TEXT_MESSAGE_END","messageId":"m1"}`, TextMessageEndEvent{MessageID: "m1"}},
		{`{"type":"TOOL_CALL_START","toolCallId":"c1","toolCallName":"search"}`, ToolCallStartEvent{ToolCallID: "c1", ToolCallName: "search"}},
		{`{"type":"TOOL_CALL_END","toolCallId":"c1"}`, ToolCallEndEvent{ToolCallID: "c1"}},
		{`{"type":"THINKING_TEXT_MESSAGE_START"}`, ThinkingStartEvent{}},
	}
	for _, tc := range cases {
		got, err := DecodeEvent([]byte(tc.in))
		if err != nil {
			t.Fatalf("DecodeEvent(%s): %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("DecodeEvent(%s) = %#v, want %#v", tc.in, got, tc.want)
		}
	}
}

func TestDecodeEvent_StateDeltaKeepsRawOperations(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"type":"STATE_DELTA","delta":[{"op":"add","path":"/a","value":1},"junk"]}`))
	if err != nil {
		t.Fatal(err)
	}
	d, ok := ev.(StateDeltaEvent)
	if !ok {
		t.Fatalf("expected StateDeltaEvent, got %T", ev)
	}
	if len(d.Delta) != 2 {
		t.Fatalf("expected 2 raw operations, got %d", len(d.Delta))
	}
}

func TestDecodeEvent_UnknownAndInvalid(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"type":"SOMETHING_NEW","x":1}`))
	if err != nil {
		t.Fatal(err)
	}
	u, ok := ev.(UnknownEvent)
	if !ok || u.Type() != "SOMETHING_NEW" {
		t.Fatalf("expected UnknownEvent, got %#v", ev)
	}

	for _, in := range []string{`not json`, `{"x":1}`, `{"type":5}`, `{"type":"RUN_STARTED","runId":7}`} {
		if _, err := DecodeEvent([]byte(in)); !errors.Is(err, ErrInvalidEvent) {
			t.Errorf("DecodeEvent(%s) error = %v, want ErrInvalidEvent", in, err)
		}
	}
}

func TestEncodeEvent_RoundTripsType(t *testing.T) {
	data, err := EncodeEvent(TextMessageContentEvent{MessageID: "m1", Delta: "x"})
	if err != nil {
		t.Fatal(err)
	}
	ev, err := DecodeEvent(data)
	if err != nil {
		t.Fatal(err)
	}
	if ev != (TextMessageContentEvent{MessageID: "m1", Delta: "x"}) {
		t.Errorf("unexpected event %#v from %s", ev, data)
	}
}

func TestIsTerminal(t *testing.T) {
	if !IsTerminal(RunFinishedEvent{}) || !IsTerminal(RunErrorEvent{}) {
		t.Error("run finished and run error must be terminal")
	}
	if IsTerminal(TextMessageEndEvent{}) {
		t.Error("text message end is not terminal")
	}
}

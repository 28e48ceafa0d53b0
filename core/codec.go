package core

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// ErrInvalidEvent is returned when a payload is not a JSON object with a
// string "type" member.
var ErrInvalidEvent = errors.New("invalid protocol event")

// DecodeEvent parses one AG-UI wire event. Payloads with an unrecognized type
// decode to UnknownEvent so the caller can keep consuming the stream.
func DecodeEvent(data []byte) (Event, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: malformed json", ErrInvalidEvent)
	}
	t := gjson.GetBytes(data, "type")
	if t.Type != gjson.String {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidEvent)
	}

	var ev Event
	var err error
	switch EventType(t.Str) {
	case EventRunStarted:
		ev, err = decodeAs[RunStartedEvent](data)
	case EventRunFinished:
		ev, err = decodeAs[RunFinishedEvent](data)
	case EventRunError:
		ev, err = decodeAs[RunErrorEvent](data)
	case EventStepStarted:
		ev, err = decodeAs[StepStartedEvent](data)
	case EventStepFinished:
		ev, err = decodeAs[StepFinishedEvent](data)
	case EventTextMessageStart:
		ev, err = decodeAs[TextMessageStartEvent](data)
	case EventTextMessageContent:
		ev, err = decodeAs[TextMessageContentEvent](data)
	case EventTextMessageEnd:
		ev, err = decodeAs[TextMessageEndEvent](data)
	case EventThinkingStart:
		ev = ThinkingStartEvent{}
	case EventThinkingContent:
		ev, err = decodeAs[ThinkingContentEvent](data)
	case EventThinkingEnd:
		ev = ThinkingEndEvent{}
	case EventToolCallStart:
		ev, err = decodeAs[ToolCallStartEvent](data)
	case EventToolCallArgs:
		ev, err = decodeAs[ToolCallArgsEvent](data)
	case EventToolCallEnd:
		ev, err = decodeAs[ToolCallEndEvent](data)
	case EventStateSnapshot:
		ev, err = decodeAs[StateSnapshotEvent](data)
	case EventStateDelta:
		ev, err = decodeAs[StateDeltaEvent](data)
	case EventMessagesSnapshot:
		ev, err = decodeAs[MessagesSnapshotEvent](data)
	case EventCustom:
		ev, err = decodeAs[CustomEvent](data)
	default:
		raw := make([]byte, len(data))
		copy(raw, data)
		ev = UnknownEvent{EventType: t.Str, Raw: raw}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEvent, t.Str, err)
	}
	return ev, nil
}

func decodeAs[T Event](data []byte) (Event, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// EncodeEvent renders an event in the AG-UI wire format, with the "type"
// member set from the event's Type.
func EncodeEvent(e Event) ([]byte, error) {
	if u, ok := e.(UnknownEvent); ok && len(u.Raw) > 0 {
		return u.Raw, nil
	}
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.Type(), err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.Type(), err)
	}
	typ, _ := json.Marshal(string(e.Type()))
	fields["type"] = typ
	return json.Marshal(fields)
}

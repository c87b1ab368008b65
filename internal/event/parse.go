package event

import (
	"encoding/json"
	"time"
)

var known = map[Type]bool{
	Log: true, Token: true, ToolCall: true, ToolResult: true,
	System: true, Status: true, Metric: true,
	Done: true, Error: true, Cancelled: true, Ping: true,
}

// envelope matches both the persisted event shape and SSE data frames
// that carry their own type field.
type envelope struct {
	Type      string          `json:"type"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Parse normalizes one wire frame into an Event. frameType is the named
// frame label when the transport provides one ("" or "message" means the
// type lives inside the data). Unrecognized types are wrapped as a warn-level
// log carrying the raw frame so nothing disappears from the transcript.
func Parse(frameType string, data []byte) Event {
	var env envelope
	_ = json.Unmarshal(data, &env)

	typ := Type(frameType)
	if frameType == "" || frameType == "message" {
		typ = Type(env.Type)
	}

	payload := env.Payload
	if payload == nil && env.Type == "" && len(data) > 0 {
		// Frame body is the payload itself, not an envelope.
		payload = json.RawMessage(data)
	}

	if !known[typ] {
		return unknownFrame(string(typ), data, env.Timestamp)
	}
	return Event{Type: typ, Timestamp: env.Timestamp, Payload: payload}
}

func unknownFrame(typ string, data []byte, ts *time.Time) Event {
	msg := "unrecognized event"
	if typ != "" {
		msg = "unrecognized event: " + typ
	}
	payload, _ := json.Marshal(LogPayload{Level: "warn", Message: msg + " " + string(data)})
	return Event{Type: Log, Timestamp: ts, Payload: payload}
}

// SyntheticError builds a local error event, used when the transport dies
// before delivering a terminal frame. No timestamp, matching other
// locally-originated events.
func SyntheticError(message string) Event {
	payload, _ := json.Marshal(ErrorPayload{Message: message})
	return Event{Type: Error, Payload: payload}
}

// LocalEcho builds the operator-input echo entry shown before the backend
// starts streaming.
func LocalEcho(input string) Event {
	payload, _ := json.Marshal(LogPayload{Message: input, Role: "user"})
	return Event{Type: Log, Payload: payload}
}

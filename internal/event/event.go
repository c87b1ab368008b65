package event

import (
	"encoding/json"
	"time"
)

// Type represents a run lifecycle event type.
type Type string

const (
	Log        Type = "log"
	Token      Type = "token"
	ToolCall   Type = "tool_call"
	ToolResult Type = "tool_result"
	System     Type = "system"
	Status     Type = "status"
	Metric     Type = "metric"
	Done       Type = "done"
	Error      Type = "error"
	Cancelled  Type = "cancelled"
	Ping       Type = "ping"
)

// Event is the common envelope for run events, live or persisted.
// Timestamp is nil on synthetic and local echo events.
type Event struct {
	Type      Type            `json:"type"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// IsTerminal reports whether the event ends a run's sequence.
func (e Event) IsTerminal() bool {
	switch e.Type {
	case Done, Error, Cancelled:
		return true
	}
	return false
}

// TokenPayload carries a streamed text fragment.
type TokenPayload struct {
	Text string `json:"text"`
}

// ToolCallPayload describes a tool invocation.
type ToolCallPayload struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ToolResultPayload carries a tool's output.
type ToolResultPayload struct {
	Name    string          `json:"name"`
	Output  json.RawMessage `json:"output,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
}

// ErrorPayload carries a run error. Backends disagree on the key name,
// so all three are decoded and the first non-empty one wins.
type ErrorPayload struct {
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// Text returns the error message using the message/error/detail precedence.
func (p ErrorPayload) Text() string {
	if p.Message != "" {
		return p.Message
	}
	if p.Error != "" {
		return p.Error
	}
	return p.Detail
}

// LogPayload is a log or system line. Role is "user" only on local echo
// of operator input.
type LogPayload struct {
	Level   string `json:"level,omitempty"`
	Message string `json:"message,omitempty"`
	Role    string `json:"role,omitempty"`
}

// StatusPayload reports a run status transition.
type StatusPayload struct {
	Status string `json:"status"`
}

// MetricPayload carries incremental usage numbers.
type MetricPayload struct {
	TokensIn    int      `json:"tokens_in,omitempty"`
	TokensOut   int      `json:"tokens_out,omitempty"`
	TokensTotal int      `json:"tokens_total,omitempty"`
	CostUSD     *float64 `json:"cost_usd,omitempty"`
}

// DonePayload closes the run.
type DonePayload struct {
	Text        string   `json:"text,omitempty"`
	CostUSD     *float64 `json:"cost_usd,omitempty"`
	TokensTotal int      `json:"tokens_total,omitempty"`
	LatencyMs   int64    `json:"latency_ms,omitempty"`
}

// Decode unmarshals the payload into out. A nil payload decodes to the
// zero value without error.
func (e Event) Decode(out any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, out)
}

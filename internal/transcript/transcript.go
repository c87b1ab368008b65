// Package transcript turns an ordered run event sequence into renderable
// entries. The same reduction runs over a live buffer or a persisted event
// list, so both views render identically.
package transcript

import (
	"encoding/json"
	"fmt"
	"time"

	"runlens/internal/event"
	"runlens/internal/util"
)

// DisplayBudget caps the one-line summary length for tool arguments and
// outputs. The raw payload stays on the originating event untouched.
const DisplayBudget = 220

// Roles of a transcript entry.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleSystem    = "system"
)

// Entry is one reduced, renderable unit of a run transcript.
type Entry struct {
	Role      string     `json:"role"`
	Text      string     `json:"text"`
	Kind      event.Type `json:"kind"`
	IsError   bool       `json:"is_error,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// Reduce folds an event sequence into transcript entries.
func Reduce(events []event.Event) []Entry {
	var entries []Entry
	for _, ev := range events {
		entries = Append(entries, ev)
	}
	return entries
}

// Append applies one event to the entries, returning the updated slice.
// Entries are only ever appended or extended; nothing is removed short of
// starting over with a fresh slice.
func Append(entries []Entry, ev event.Event) []Entry {
	switch ev.Type {
	case event.Ping:
		return entries

	case event.Token:
		var payload event.TokenPayload
		_ = ev.Decode(&payload)
		if last := len(entries) - 1; last >= 0 && entries[last].Role == RoleAssistant && entries[last].Kind == event.Token {
			entries[last].Text += payload.Text
			return entries
		}
		return append(entries, Entry{Role: RoleAssistant, Text: payload.Text, Kind: event.Token, Timestamp: ev.Timestamp})

	case event.ToolCall:
		var payload event.ToolCallPayload
		_ = ev.Decode(&payload)
		args := util.Flatten(util.RedactSecrets(string(payload.Args)))
		text := fmt.Sprintf("tool_call: %s(%s)", payload.Name, util.Ellipsize(args, DisplayBudget))
		return append(entries, Entry{Role: RoleTool, Text: text, Kind: ev.Type, Timestamp: ev.Timestamp})

	case event.ToolResult:
		var payload event.ToolResultPayload
		_ = ev.Decode(&payload)
		out := util.Flatten(util.RedactSecrets(string(payload.Output)))
		text := fmt.Sprintf("tool_result: %s → %s", payload.Name, util.Ellipsize(out, DisplayBudget))
		return append(entries, Entry{Role: RoleTool, Text: text, Kind: ev.Type, IsError: payload.IsError, Timestamp: ev.Timestamp})

	case event.Error, event.Cancelled:
		return append(entries, Entry{Role: RoleSystem, Text: errorText(ev), Kind: ev.Type, IsError: ev.Type == event.Error, Timestamp: ev.Timestamp})

	case event.Done:
		var payload event.DonePayload
		_ = ev.Decode(&payload)
		if payload.Text != "" {
			return append(entries, Entry{Role: RoleAssistant, Text: payload.Text, Kind: ev.Type, Timestamp: ev.Timestamp})
		}
		if summary := doneSummary(payload); summary != "" {
			return append(entries, Entry{Role: RoleSystem, Text: summary, Kind: ev.Type, Timestamp: ev.Timestamp})
		}
		// A done with nothing renderable is dropped.
		return entries

	default:
		// log, system, status, metric, and anything unrecognized.
		return append(entries, systemEntry(ev))
	}
}

func doneSummary(payload event.DonePayload) string {
	if payload.TokensTotal <= 0 && payload.CostUSD == nil && payload.LatencyMs <= 0 {
		return ""
	}
	summary := "done"
	if payload.TokensTotal > 0 {
		summary += fmt.Sprintf(" | tokens: %d", payload.TokensTotal)
	}
	if payload.CostUSD != nil {
		summary += fmt.Sprintf(" | cost: $%.4f", *payload.CostUSD)
	}
	if payload.LatencyMs > 0 {
		summary += fmt.Sprintf(" | %dms", payload.LatencyMs)
	}
	return summary
}

func errorText(ev event.Event) string {
	if ev.Type == event.Cancelled {
		return "Cancelled"
	}
	var payload event.ErrorPayload
	_ = ev.Decode(&payload)
	if text := payload.Text(); text != "" {
		return text
	}
	return rawDump(ev.Payload)
}

func systemEntry(ev event.Event) Entry {
	var payload event.LogPayload
	_ = ev.Decode(&payload)

	role := RoleSystem
	if payload.Role == "user" {
		role = RoleUser
	}
	text := payload.Message
	if text == "" {
		text = rawDump(ev.Payload)
	}
	return Entry{Role: role, Text: text, Kind: ev.Type, Timestamp: ev.Timestamp}
}

func rawDump(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	compact, err := json.Marshal(json.RawMessage(payload))
	if err != nil {
		return string(payload)
	}
	return string(compact)
}

package render

import (
	"fmt"
	"io"
	"sync"

	"runlens/internal/event"
	"runlens/internal/transcript"
)

// StdoutRenderer streams transcript entries to a plain text writer.
// Token entries print as bare deltas on one logical line; everything else
// gets a role prefix. Tool errors are marked so they stay distinguishable.
type StdoutRenderer struct {
	w     io.Writer
	mu    sync.Mutex
	quiet bool

	streaming        bool
	lastStreamedLen  int
	endedWithNewline bool
}

// NewStdoutRenderer creates a renderer for plain text streaming.
func NewStdoutRenderer(w io.Writer, quiet bool) *StdoutRenderer {
	return &StdoutRenderer{w: w, quiet: quiet, endedWithNewline: true}
}

// Entry prints one transcript entry. Because token entries coalesce in
// place, a repeated token entry prints only the text added since the last
// call.
func (r *StdoutRenderer) Entry(entry transcript.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry.Kind == event.Token {
		delta := entry.Text
		if r.streaming && len(delta) >= r.lastStreamedLen {
			delta = delta[r.lastStreamedLen:]
		}
		r.streaming = true
		r.lastStreamedLen = len(entry.Text)
		if delta != "" {
			fmt.Fprint(r.w, delta)
			r.endedWithNewline = len(delta) > 0 && delta[len(delta)-1] == '\n'
		}
		return
	}

	r.breakStream()
	if r.quiet && entry.Role == transcript.RoleSystem && !entry.IsError {
		return
	}

	prefix := entry.Role
	if entry.IsError {
		prefix += "!"
	}
	fmt.Fprintf(r.w, "[%s] %s\n", prefix, entry.Text)
	r.endedWithNewline = true
}

// Phase prints run status transitions unless quiet.
func (r *StdoutRenderer) Phase(runID, phase string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.quiet {
		return
	}
	r.breakStream()
	fmt.Fprintf(r.w, "-- run %s: %s\n", runID, phase)
	r.endedWithNewline = true
}

// Close terminates any open streaming line.
func (r *StdoutRenderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakStream()
	return nil
}

func (r *StdoutRenderer) breakStream() {
	if r.streaming && !r.endedWithNewline {
		fmt.Fprintln(r.w)
	}
	r.streaming = false
	r.lastStreamedLen = 0
	r.endedWithNewline = true
}

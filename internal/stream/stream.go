// Package stream owns the live push subscription for one run. It normalizes
// wire frames into events, consumes heartbeats, enforces terminal
// exclusivity, and turns transport failures into a synthetic error event so
// callers never see an unhandled stream exception.
package stream

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/openai/openai-go/v3/packages/ssestream"
	"go.uber.org/zap"

	"runlens/internal/event"
)

// Source opens the push subscription for a run id.
type Source interface {
	OpenEvents(ctx context.Context, runID string) (*http.Response, error)
}

// Options are the adapter's timing knobs. AutoClose delays transport
// teardown after a terminal event so a brief completed state can render;
// Fade is exposed for the caller's exit animation and not acted on here.
type Options struct {
	AutoClose time.Duration
	Fade      time.Duration
}

// DefaultOptions match the dashboard's timings.
var DefaultOptions = Options{AutoClose: 1200 * time.Millisecond, Fade: 300 * time.Millisecond}

// Handle is the stop capability for one subscription. Exactly one live
// handle may be owned per attached run at a time; attaching a new run must
// stop the previous handle first.
type Handle struct {
	runID    string
	opts     Options
	cancel   context.CancelFunc
	stopOnce sync.Once
	done     chan struct{}
}

// RunID returns the subscribed run id.
func (h *Handle) RunID() string { return h.runID }

// Fade returns the configured exit animation window.
func (h *Handle) Fade() time.Duration { return h.opts.Fade }

// Stop tears the subscription down. It is idempotent: calling it twice, or
// after natural completion, neither fails nor re-fires events.
func (h *Handle) Stop() {
	h.stopOnce.Do(h.cancel)
}

// Done is closed once the reader goroutine has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Attach opens the subscription for runID and delivers each normalized
// event to onEvent from a single goroutine, preserving delivery order.
// Heartbeats are consumed internally. After the first terminal event no
// further events are forwarded and the transport is closed once the
// auto-close window elapses. The adapter never reconnects; starting over
// under a new run id is the caller's decision.
func Attach(ctx context.Context, src Source, runID string, onEvent func(event.Event), opts Options, logger *zap.Logger) (*Handle, error) {
	if opts.AutoClose <= 0 {
		opts.AutoClose = DefaultOptions.AutoClose
	}
	streamCtx, cancel := context.WithCancel(ctx)

	resp, err := src.OpenEvents(streamCtx, runID)
	if err != nil {
		cancel()
		return nil, err
	}

	handle := &Handle{runID: runID, opts: opts, cancel: cancel, done: make(chan struct{})}
	go read(streamCtx, resp, handle, onEvent, logger)
	return handle, nil
}

func read(ctx context.Context, resp *http.Response, handle *Handle, onEvent func(event.Event), logger *zap.Logger) {
	defer close(handle.done)
	defer resp.Body.Close()

	decoder := ssestream.NewDecoder(resp)
	terminal := false

	for decoder.Next() {
		frame := decoder.Event()
		ev := event.Parse(frame.Type, frame.Data)

		if ev.Type == event.Ping {
			continue
		}
		if terminal {
			// A buggy server may keep talking after a terminal frame;
			// only the first terminal is honored.
			logger.Warn("event after terminal dropped",
				zap.String("run_id", handle.runID),
				zap.String("type", string(ev.Type)))
			continue
		}

		onEvent(ev)

		if ev.IsTerminal() {
			terminal = true
			// Keep the transport open briefly so the completed state can
			// render, then tear down. Stop() short-circuits the wait.
			go func() {
				timer := time.NewTimer(handle.opts.AutoClose)
				defer timer.Stop()
				select {
				case <-timer.C:
				case <-ctx.Done():
				}
				handle.Stop()
			}()
		}
	}

	if terminal || ctx.Err() != nil {
		return
	}
	// Connection dropped before a terminal frame: surface it as a
	// synthetic error event, never as a stray exception. A clean EOF
	// without termination framing counts as a drop too.
	msg := "event stream disconnected"
	if err := decoder.Err(); err != nil {
		msg += ": " + err.Error()
	}
	logger.Warn("event stream dropped", zap.String("run_id", handle.runID), zap.Error(decoder.Err()))
	onEvent(event.SyntheticError(msg))
}

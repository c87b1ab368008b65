// Package lifecycle owns the state machine for one attached run: phase
// tracking, auto-dismiss timing, and the retry/replay/cancel actions.
// Every Controller instance is independent, so separate surfaces can each
// attach to a different run without interference.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"runlens/internal/api"
	"runlens/internal/event"
	"runlens/internal/transcript"
)

// State is the externally observable UI state, distinct from the Run's own
// status: a cancelled run still ends in StateDone, just labeled "Cancelled".
type State string

const (
	StateIdle       State = "idle"
	StateAttached   State = "attached"
	StateFinalizing State = "finalizing"
	StateDone       State = "done"
	StateError      State = "error"
)

// Backend is the slice of the API the controller needs.
type Backend interface {
	StartRun(ctx context.Context, agentID string, req api.StartRunRequest) (api.RunRef, error)
	CancelRun(ctx context.Context, id string) error
	GetAgent(ctx context.Context, id string) (api.Agent, error)
}

// Stopper is the subscription handle owned by the controller.
type Stopper interface {
	Stop()
}

// Attacher opens the live subscription for a run id. Injected so tests run
// without a transport.
type Attacher func(ctx context.Context, runID string, onEvent func(event.Event)) (Stopper, error)

// Options tune the post-terminal timings per surface.
type Options struct {
	AutoClose time.Duration
	Fade      time.Duration
	Source    string
}

// Controller drives one attached-run slot.
type Controller struct {
	backend Backend
	attach  Attacher
	logger  *zap.Logger
	opts    Options

	mu        sync.Mutex
	state     State
	phase     string
	runID     string
	label     string
	subtitle  string
	visible   bool
	handle    Stopper
	entries   []transcript.Entry
	lastError string

	closeTimer timer
	fadeTimer  timer

	onChange func()
}

// New constructs an idle controller.
func New(backend Backend, attach Attacher, opts Options, logger *zap.Logger) *Controller {
	if opts.AutoClose <= 0 {
		opts.AutoClose = 1200 * time.Millisecond
	}
	if opts.Fade <= 0 {
		opts.Fade = 300 * time.Millisecond
	}
	return &Controller{backend: backend, attach: attach, opts: opts, logger: logger, state: StateIdle}
}

// OnChange registers a callback fired after every externally visible state
// mutation, outside the controller lock.
func (c *Controller) OnChange(fn func()) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// Show opens the overlay. Re-entry while already attached only updates the
// label; it never opens a second overlay.
func (c *Controller) Show(kind, subtitle string) {
	c.mu.Lock()
	c.visible = true
	c.label = kind
	c.subtitle = subtitle
	c.mu.Unlock()
	c.notify()
}

// Hide dismisses the overlay and releases any live subscription and timers.
func (c *Controller) Hide() {
	c.mu.Lock()
	c.visible = false
	c.closeTimer.clear()
	c.fadeTimer.clear()
	handle := c.handle
	c.handle = nil
	c.state = StateIdle
	c.mu.Unlock()

	if handle != nil {
		handle.Stop()
	}
	c.notify()
}

// State returns the UI state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Phase returns the attached run's last known status.
func (c *Controller) Phase() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// RunID returns the attached run id, empty when idle.
func (c *Controller) RunID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runID
}

// Label returns the overlay label, e.g. "Cancelled" after a cancel.
func (c *Controller) Label() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.label
}

// LastError returns the most recent user-visible failure, empty if none.
func (c *Controller) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// Entries returns a copy of the reduced transcript.
func (c *Controller) Entries() []transcript.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]transcript.Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Start begins a fresh run for the agent and attaches to it.
func (c *Controller) Start(ctx context.Context, agentID, input string) (string, error) {
	return c.start(ctx, agentID, input, "")
}

// Retry starts a brand-new run reusing a failed or cancelled run's input.
// Ineligible runs are rejected before any network call.
func (c *Controller) Retry(ctx context.Context, run api.Run) (string, error) {
	if run.Status != api.StatusError && run.Status != api.StatusCancelled {
		return "", fmt.Errorf("retry: run %s is %s, only error or cancelled runs can be retried", run.ID, run.Status)
	}
	return c.restart(ctx, run)
}

// Replay starts a brand-new run reusing a successful run's input.
func (c *Controller) Replay(ctx context.Context, run api.Run) (string, error) {
	if run.Status != api.StatusSuccess {
		return "", fmt.Errorf("replay: run %s is %s, only successful runs can be replayed", run.ID, run.Status)
	}
	return c.restart(ctx, run)
}

func (c *Controller) restart(ctx context.Context, run api.Run) (string, error) {
	if run.Input == "" {
		return "", errors.New("run has no stored input")
	}
	if run.AgentID == "" {
		return "", errors.New("run has no agent id")
	}
	agent, err := c.backend.GetAgent(ctx, run.AgentID)
	if err != nil {
		return "", c.fail(err)
	}
	if !agent.Active() {
		return "", c.fail(fmt.Errorf("agent %s is %s, not active", run.AgentID, agent.Status))
	}
	return c.start(ctx, run.AgentID, run.Input, run.ID)
}

func (c *Controller) start(ctx context.Context, agentID, input, retryOf string) (string, error) {
	ref, err := c.backend.StartRun(ctx, agentID, api.StartRunRequest{
		Input:  input,
		Source: c.opts.Source,
		Config: api.RunConfig{RetryOf: retryOf, ClientRequestID: uuid.NewString()},
	})
	if err != nil {
		return "", c.fail(err)
	}
	if err := c.Attach(ctx, ref.RunID); err != nil {
		return "", err
	}

	// Local echo of the operator's input so the transcript reads naturally
	// before the backend starts streaming.
	c.mu.Lock()
	c.entries = transcript.Append(c.entries, event.LocalEcho(input))
	c.mu.Unlock()
	c.notify()
	return ref.RunID, nil
}

// Attach binds the controller to runID's live event stream. Any previous
// subscription is stopped first; exactly one handle is owned at a time.
func (c *Controller) Attach(ctx context.Context, runID string) error {
	c.mu.Lock()
	previous := c.handle
	c.handle = nil
	c.closeTimer.clear()
	c.fadeTimer.clear()
	c.mu.Unlock()
	if previous != nil {
		previous.Stop()
	}

	handle, err := c.attach(ctx, runID, func(ev event.Event) { c.handleEvent(runID, ev) })
	if err != nil {
		return c.fail(err)
	}

	c.mu.Lock()
	c.handle = handle
	c.runID = runID
	c.state = StateAttached
	c.phase = api.StatusPending
	c.entries = nil
	c.lastError = ""
	c.mu.Unlock()
	c.notify()
	return nil
}

// Cancel stops the live subscription immediately and issues the backend
// cancellation without waiting for its acknowledgment.
func (c *Controller) Cancel(ctx context.Context) {
	c.mu.Lock()
	handle := c.handle
	c.handle = nil
	runID := c.runID
	c.phase = api.StatusCancelled
	c.state = StateFinalizing
	c.label = "Cancelled"
	c.mu.Unlock()

	if handle != nil {
		handle.Stop()
	}
	c.scheduleClose()
	c.notify()

	if runID == "" {
		return
	}
	go func() {
		if err := c.backend.CancelRun(ctx, runID); err != nil {
			c.logger.Warn("cancel request failed", zap.String("run_id", runID), zap.Error(err))
		}
	}()
}

func (c *Controller) handleEvent(runID string, ev event.Event) {
	c.mu.Lock()
	if c.runID != runID {
		// Event from a superseded subscription.
		c.mu.Unlock()
		return
	}
	c.entries = transcript.Append(c.entries, ev)

	if c.phase == api.StatusPending {
		c.phase = api.StatusRunning
	}
	if ev.Type == event.Status {
		var payload event.StatusPayload
		if ev.Decode(&payload) == nil && payload.Status != "" {
			c.phase = payload.Status
		}
	}

	terminal := ev.IsTerminal()
	if terminal {
		switch ev.Type {
		case event.Done:
			c.phase = api.StatusSuccess
		case event.Error:
			c.phase = api.StatusError
			var payload event.ErrorPayload
			_ = ev.Decode(&payload)
			c.lastError = payload.Text()
		case event.Cancelled:
			c.phase = api.StatusCancelled
			c.label = "Cancelled"
		}
		c.state = StateFinalizing
	}
	c.mu.Unlock()

	if terminal {
		c.scheduleClose()
	}
	c.notify()
}

// scheduleClose bridges finalizing → done/error over the auto-close window,
// then fades the overlay out.
func (c *Controller) scheduleClose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeTimer.set(c.opts.AutoClose, func() {
		c.mu.Lock()
		if c.state != StateFinalizing {
			c.mu.Unlock()
			return
		}
		if c.phase == api.StatusError {
			c.state = StateError
		} else {
			c.state = StateDone
		}
		c.fadeTimer.set(c.opts.Fade, c.Hide)
		c.mu.Unlock()
		c.notify()
	})
}

// fail records a user-visible error state and guarantees no dangling
// subscription survives the failure.
func (c *Controller) fail(err error) error {
	c.mu.Lock()
	handle := c.handle
	c.handle = nil
	c.closeTimer.clear()
	c.fadeTimer.clear()
	c.state = StateError
	c.lastError = err.Error()
	c.mu.Unlock()
	if handle != nil {
		handle.Stop()
	}
	c.notify()
	return err
}

func (c *Controller) notify() {
	c.mu.Lock()
	fn := c.onChange
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"runlens/internal/api"
	"runlens/internal/budget"
	"runlens/internal/event"
	"runlens/internal/transcript"
)

type fakeBackend struct {
	mu          sync.Mutex
	agents      map[string]api.Agent
	startCalls  int
	cancelCalls int
	lastStart   api.StartRunRequest
	startErr    error
	nextRunID   string
}

func (b *fakeBackend) StartRun(ctx context.Context, agentID string, req api.StartRunRequest) (api.RunRef, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.startCalls++
	b.lastStart = req
	if b.startErr != nil {
		return api.RunRef{}, b.startErr
	}
	id := b.nextRunID
	if id == "" {
		id = "run-new"
	}
	return api.RunRef{RunID: id}, nil
}

func (b *fakeBackend) CancelRun(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelCalls++
	return nil
}

func (b *fakeBackend) GetAgent(ctx context.Context, id string) (api.Agent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	agent, ok := b.agents[id]
	if !ok {
		return api.Agent{}, errors.New("agent not found")
	}
	return agent, nil
}

func (b *fakeBackend) starts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.startCalls
}

type fakeHandle struct {
	mu    sync.Mutex
	stops int
}

func (h *fakeHandle) Stop() {
	h.mu.Lock()
	h.stops++
	h.mu.Unlock()
}

func (h *fakeHandle) stopCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stops
}

// scriptedAttacher records the event sink so tests can feed events in.
type scriptedAttacher struct {
	mu      sync.Mutex
	handles []*fakeHandle
	sink    func(event.Event)
	err     error
}

func (a *scriptedAttacher) attach(ctx context.Context, runID string, onEvent func(event.Event)) (Stopper, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	handle := &fakeHandle{}
	a.handles = append(a.handles, handle)
	a.sink = onEvent
	return handle, nil
}

func (a *scriptedAttacher) deliver(ev event.Event) {
	a.mu.Lock()
	sink := a.sink
	a.mu.Unlock()
	sink(ev)
}

func newTestController(backend *fakeBackend, attacher *scriptedAttacher) *Controller {
	return New(backend, attacher.attach, Options{
		AutoClose: 20 * time.Millisecond,
		Fade:      10 * time.Millisecond,
		Source:    "test",
	}, zap.NewNop())
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func TestShowIdempotent(t *testing.T) {
	ctrl := newTestController(&fakeBackend{}, &scriptedAttacher{})
	ctrl.Show("clinic", "first")
	ctrl.Show("clinic", "second")
	if ctrl.Label() != "clinic" {
		t.Fatalf("unexpected label: %q", ctrl.Label())
	}
}

func TestRetryEligibility(t *testing.T) {
	backend := &fakeBackend{agents: map[string]api.Agent{"a1": {ID: "a1", Status: "active"}}}
	attacher := &scriptedAttacher{}
	ctrl := newTestController(backend, attacher)
	ctx := context.Background()

	// Running runs cannot be retried; no network call may happen.
	if _, err := ctrl.Retry(ctx, api.Run{ID: "r1", Status: api.StatusRunning, Input: "x", AgentID: "a1"}); err == nil {
		t.Fatalf("expected rejection for running run")
	}
	// Empty input is rejected before any network call.
	if _, err := ctrl.Retry(ctx, api.Run{ID: "r1", Status: api.StatusError, AgentID: "a1"}); err == nil {
		t.Fatalf("expected rejection for empty input")
	}
	if backend.starts() != 0 {
		t.Fatalf("rejected retries must not reach the backend")
	}

	// An error run with input and agent id is accepted.
	runID, err := ctrl.Retry(ctx, api.Run{ID: "r1", Status: api.StatusError, Input: "do it", AgentID: "a1"})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if runID != "run-new" {
		t.Fatalf("unexpected run id: %q", runID)
	}
	backend.mu.Lock()
	retryOf := backend.lastStart.Config.RetryOf
	clientID := backend.lastStart.Config.ClientRequestID
	backend.mu.Unlock()
	if retryOf != "r1" {
		t.Fatalf("expected retry_of=r1, got %q", retryOf)
	}
	if clientID == "" {
		t.Fatalf("expected a client request id")
	}
}

func TestRetryRejectedWhenAgentNotActive(t *testing.T) {
	backend := &fakeBackend{agents: map[string]api.Agent{"a1": {ID: "a1", Status: "paused"}}}
	ctrl := newTestController(backend, &scriptedAttacher{})

	_, err := ctrl.Retry(context.Background(), api.Run{ID: "r1", Status: api.StatusError, Input: "x", AgentID: "a1"})
	if err == nil || !strings.Contains(err.Error(), "not active") {
		t.Fatalf("expected not-active rejection, got %v", err)
	}
	if backend.starts() != 0 {
		t.Fatalf("no run may start for a paused agent")
	}
	if ctrl.State() != StateError || ctrl.LastError() == "" {
		t.Fatalf("rejection must surface as a user-visible error state")
	}
}

func TestReplayEligibility(t *testing.T) {
	backend := &fakeBackend{agents: map[string]api.Agent{"a1": {ID: "a1", Status: "active"}}}
	ctrl := newTestController(backend, &scriptedAttacher{})
	ctx := context.Background()

	if _, err := ctrl.Replay(ctx, api.Run{ID: "r1", Status: api.StatusError, Input: "x", AgentID: "a1"}); err == nil {
		t.Fatalf("only successful runs can be replayed")
	}
	if _, err := ctrl.Replay(ctx, api.Run{ID: "r1", Status: api.StatusSuccess, Input: "x", AgentID: "a1"}); err != nil {
		t.Fatalf("replay: %v", err)
	}
}

func TestAttachReleasesPreviousHandle(t *testing.T) {
	attacher := &scriptedAttacher{}
	ctrl := newTestController(&fakeBackend{}, attacher)
	ctx := context.Background()

	if err := ctrl.Attach(ctx, "r1"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := ctrl.Attach(ctx, "r2"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if len(attacher.handles) != 2 {
		t.Fatalf("expected 2 handles, got %d", len(attacher.handles))
	}
	if attacher.handles[0].stopCount() == 0 {
		t.Fatalf("attaching a new run must stop the previous handle")
	}
	if attacher.handles[1].stopCount() != 0 {
		t.Fatalf("current handle must stay live")
	}
}

func TestStartFailureLeavesNoDanglingSubscription(t *testing.T) {
	backend := &fakeBackend{startErr: &api.Error{Status: 402, Code: "budget_exceeded", Message: "daily budget exhausted"}}
	ctrl := newTestController(backend, &scriptedAttacher{})

	_, err := ctrl.Start(context.Background(), "a1", "input")
	if err == nil {
		t.Fatalf("expected start failure")
	}
	var apiErr *api.Error
	if !errors.As(err, &apiErr) || apiErr.Code != "budget_exceeded" {
		t.Fatalf("backend rejection must surface verbatim, got %v", err)
	}
	if ctrl.State() != StateError {
		t.Fatalf("expected error state, got %s", ctrl.State())
	}
	if ctrl.RunID() != "" {
		t.Fatalf("no run may be attached after a failed start")
	}
}

func TestCancelIsOptimistic(t *testing.T) {
	backend := &fakeBackend{}
	attacher := &scriptedAttacher{}
	ctrl := newTestController(backend, attacher)
	ctx := context.Background()

	if err := ctrl.Attach(ctx, "r1"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	ctrl.Cancel(ctx)

	// The UI transition happens before any backend acknowledgment.
	if ctrl.Phase() != api.StatusCancelled {
		t.Fatalf("expected cancelled phase, got %s", ctrl.Phase())
	}
	if ctrl.Label() != "Cancelled" {
		t.Fatalf("expected Cancelled label, got %q", ctrl.Label())
	}
	if attacher.handles[0].stopCount() == 0 {
		t.Fatalf("cancel must stop the subscription immediately")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		backend.mu.Lock()
		calls := backend.cancelCalls
		backend.mu.Unlock()
		if calls == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("backend cancel request never issued")
}

func TestTerminalDrivesFinalizingThenDone(t *testing.T) {
	attacher := &scriptedAttacher{}
	ctrl := newTestController(&fakeBackend{}, attacher)
	if err := ctrl.Attach(context.Background(), "r1"); err != nil {
		t.Fatalf("attach: %v", err)
	}

	attacher.deliver(event.Event{Type: event.Done, Payload: mustJSON(t, event.DonePayload{TokensTotal: 5})})
	if ctrl.State() != StateFinalizing {
		t.Fatalf("terminal event must enter finalizing, got %s", ctrl.State())
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := ctrl.State(); s == StateDone || s == StateIdle {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("auto-close never completed, state=%s", ctrl.State())
}

// The full clinic scenario: start a run, stream a user echo, three token
// fragments, one tool round trip and a done carrying usage, then recompute
// the budget with the new cost.
func TestEndToEndRunScenario(t *testing.T) {
	backend := &fakeBackend{nextRunID: "r1", agents: map[string]api.Agent{"a1": {ID: "a1", Status: "active"}}}
	attacher := &scriptedAttacher{}
	ctrl := newTestController(backend, attacher)

	runID, err := ctrl.Start(context.Background(), "a1", "What is the plan?")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if runID != "r1" {
		t.Fatalf("unexpected run id %q", runID)
	}
	if ctrl.Phase() != api.StatusPending {
		t.Fatalf("fresh run must be pending, got %s", ctrl.Phase())
	}

	for _, text := range []string{"The ", "plan ", "is..."} {
		attacher.deliver(event.Event{Type: event.Token, Payload: mustJSON(t, event.TokenPayload{Text: text})})
	}
	if ctrl.Phase() != api.StatusRunning {
		t.Fatalf("first event must move the run to running, got %s", ctrl.Phase())
	}

	attacher.deliver(event.Event{Type: event.ToolCall, Payload: mustJSON(t, event.ToolCallPayload{Name: "search", Args: mustJSON(t, map[string]string{"q": "plan"})})})
	attacher.deliver(event.Event{Type: event.ToolResult, Payload: mustJSON(t, event.ToolResultPayload{Name: "search", Output: json.RawMessage(`"found"`)})})

	cost := 0.002
	attacher.deliver(event.Event{Type: event.Done, Payload: mustJSON(t, event.DonePayload{CostUSD: &cost, TokensTotal: 120})})

	if ctrl.Phase() != api.StatusSuccess {
		t.Fatalf("done must end in success, got %s", ctrl.Phase())
	}

	entries := ctrl.Entries()
	if len(entries) != 5 {
		t.Fatalf("expected 5 transcript entries, got %d: %+v", len(entries), entries)
	}
	if entries[0].Role != transcript.RoleUser {
		t.Fatalf("first entry must be the operator echo, got %+v", entries[0])
	}
	if entries[1].Text != "The plan is..." {
		t.Fatalf("token fragments must coalesce, got %q", entries[1].Text)
	}

	// Budget recomputed with the completed run's cost.
	summary := budget.Compute([]api.Run{{
		ID: runID, AgentID: "a1", Status: api.StatusSuccess,
		CostEstimateUSD: &cost, TokensTotal: 120, CreatedAt: time.Now(),
	}}, 5.0, time.Now())
	if summary.Approximate {
		t.Fatalf("precise cost must not flag approximate")
	}
	if summary.SpentToday != 0.002 {
		t.Fatalf("unexpected spend: %f", summary.SpentToday)
	}
	if summary.Ratio != 0.002/5.0 {
		t.Fatalf("unexpected ratio: %f", summary.Ratio)
	}
}

// Package poll keeps a list/metrics view fresh on a fixed interval without
// yanking data out from under an interacting user: while paused the loop
// keeps fetching but only counts new items until the user acknowledges.
package poll

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"runlens/internal/api"
)

// DefaultInterval is the refetch period.
const DefaultInterval = 5 * time.Second

// Snapshot is one fetched page of the list endpoint.
type Snapshot struct {
	Runs  []api.Run
	Total int
}

// Fetch loads the current snapshot.
type Fetch func(ctx context.Context) (Snapshot, error)

// State is the poll loop's read model.
type State struct {
	LastFetchTime  time.Time
	IsPaused       bool
	NewItemCount   int
	AcknowledgedAt time.Time
}

// Controller runs the refetch loop. Instances are independent; there is no
// shared package state.
type Controller struct {
	fetch    Fetch
	interval time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	visible  Snapshot
	latest   Snapshot
	ackTotal int
	state    State

	onUpdate func(Snapshot)
}

// New constructs a controller around fetch.
func New(fetch Fetch, interval time.Duration, logger *zap.Logger) *Controller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Controller{fetch: fetch, interval: interval, logger: logger}
}

// OnUpdate registers a callback invoked with the new visible snapshot each
// time it is replaced, outside the controller lock.
func (c *Controller) OnUpdate(fn func(Snapshot)) {
	c.mu.Lock()
	c.onUpdate = fn
	c.mu.Unlock()
}

// Run fetches once immediately, then on every tick until ctx is cancelled.
// A failed cycle is logged and the next scheduled tick proceeds normally.
func (c *Controller) Run(ctx context.Context) {
	c.Tick(ctx)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick performs one poll cycle.
func (c *Controller) Tick(ctx context.Context) {
	snap, err := c.fetch(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("poll fetch failed", zap.Error(err))
		}
		return
	}
	c.apply(snap)
}

func (c *Controller) apply(snap Snapshot) {
	c.mu.Lock()
	c.latest = snap
	c.state.LastFetchTime = time.Now()

	var replaced func(Snapshot)
	if c.state.IsPaused {
		// Do not disturb the visible data; track what piled up since the
		// last acknowledged total.
		if count := snap.Total - c.ackTotal; count > 0 {
			c.state.NewItemCount = count
		} else {
			c.state.NewItemCount = 0
		}
	} else {
		c.visible = snap
		c.ackTotal = snap.Total
		replaced = c.onUpdate
	}
	c.mu.Unlock()

	if replaced != nil {
		replaced(snap)
	}
}

// Pause is called on user interaction (sort, search, filter, row click).
// Fetching continues; visible-data replacement stops.
func (c *Controller) Pause() {
	c.mu.Lock()
	c.state.IsPaused = true
	c.mu.Unlock()
}

// Acknowledge clears the new-item counter, resumes visible replacement, and
// forces one immediate fetch.
func (c *Controller) Acknowledge(ctx context.Context) {
	c.mu.Lock()
	c.state.IsPaused = false
	c.state.NewItemCount = 0
	c.state.AcknowledgedAt = time.Now()
	c.ackTotal = c.latest.Total
	c.mu.Unlock()
	c.Tick(ctx)
}

// State returns the current poll state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Visible returns the snapshot the UI should render.
func (c *Controller) Visible() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.visible
}

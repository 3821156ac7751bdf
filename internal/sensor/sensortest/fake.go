// Package sensortest provides a scriptable sensing client for tests.
package sensortest

import (
	"context"
	"sync"
	"time"

	"github.com/claude/wodtimer/internal/models"
	"github.com/claude/wodtimer/internal/sensor"
)

// Client is an in-memory sensor.Client. Errors set in Fail are returned by
// the named operation ("prepare", "start", "pause", "resume", "end",
// "mark_round", "register", "capabilities").
type Client struct {
	mu            sync.Mutex
	caps          sensor.Capabilities
	fail          map[string]error
	calls         []string
	startKinds    []models.MetricKind
	startGoals    []models.Goal
	listener      func(sensor.Update)
	active        *registration
	registrations int
	unregisters   int
	inProgress    bool
	ownedByOther  bool
	registered    chan struct{}
}

var _ sensor.Client = (*Client)(nil)

// New returns a client reporting every metric kind and goal support.
func New() *Client {
	return &Client{
		caps:       sensor.Capabilities{Metrics: models.AllMetricKinds, SupportsGoals: true},
		fail:       make(map[string]error),
		registered: make(chan struct{}, 16),
	}
}

// SetCapabilities replaces the reported capabilities.
func (c *Client) SetCapabilities(caps sensor.Capabilities) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.caps = caps
}

// Fail makes op return err until cleared with a nil err.
func (c *Client) Fail(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.fail, op)
		return
	}
	c.fail[op] = err
}

// SetOwnership sets the values returned by the ownership queries.
func (c *Client) SetOwnership(inProgress, ownedByOther bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inProgress = inProgress
	c.ownedByOther = ownedByOther
}

func (c *Client) call(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail[op]; err != nil {
		return err
	}
	c.calls = append(c.calls, op)
	return nil
}

func (c *Client) Capabilities(ctx context.Context) (sensor.Capabilities, error) {
	if err := c.call("capabilities"); err != nil {
		return sensor.Capabilities{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps, nil
}

func (c *Client) Prepare(ctx context.Context, wt models.WorkoutType) error {
	return c.call("prepare")
}

func (c *Client) Start(ctx context.Context, wt models.WorkoutType, kinds []models.MetricKind, goals []models.Goal) error {
	if err := c.call("start"); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startKinds = kinds
	c.startGoals = goals
	c.inProgress = true
	return nil
}

func (c *Client) Pause(ctx context.Context) error     { return c.call("pause") }
func (c *Client) Resume(ctx context.Context) error    { return c.call("resume") }
func (c *Client) MarkRound(ctx context.Context) error { return c.call("mark_round") }

func (c *Client) End(ctx context.Context) error {
	if err := c.call("end"); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inProgress = false
	return nil
}

func (c *Client) IsSessionInProgress(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inProgress, nil
}

func (c *Client) IsOwnedByAnotherClient(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ownedByOther, nil
}

type registration struct {
	c    *Client
	once sync.Once
}

func (r *registration) Unregister() {
	r.once.Do(func() {
		r.c.mu.Lock()
		defer r.c.mu.Unlock()
		r.c.unregisters++
		if r.c.active == r {
			r.c.active = nil
			r.c.listener = nil
		}
	})
}

func (c *Client) Register(callback func(sensor.Update)) (sensor.Registration, error) {
	if err := c.call("register"); err != nil {
		return nil, err
	}
	reg := &registration{c: c}
	c.mu.Lock()
	c.listener = callback
	c.active = reg
	c.registrations++
	c.mu.Unlock()
	select {
	case c.registered <- struct{}{}:
	default:
	}
	return reg, nil
}

// WaitRegistered blocks until a listener registers or the timeout passes.
func (c *Client) WaitRegistered(timeout time.Duration) bool {
	c.mu.Lock()
	if c.listener != nil {
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()
	select {
	case <-c.registered:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Emit invokes the listener with u and returns once the listener returns.
// It reports false when no listener is registered.
func (c *Client) Emit(u sensor.Update) bool {
	c.mu.Lock()
	l := c.listener
	c.mu.Unlock()
	if l == nil {
		return false
	}
	l(u)
	return true
}

// Calls returns the successful operations in order.
func (c *Client) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// Count returns how many times op succeeded.
func (c *Client) Count(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if call == op {
			n++
		}
	}
	return n
}

// Started returns the kinds and goals passed to the last Start.
func (c *Client) Started() ([]models.MetricKind, []models.Goal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startKinds, c.startGoals
}

// Unregisters returns how many registrations have been torn down.
func (c *Client) Unregisters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unregisters
}

// Checkpoint builds an update carrying only an active-duration checkpoint.
func Checkpoint(at time.Time, active time.Duration) sensor.Update {
	return sensor.Update{
		Kind:       sensor.UpdateMetrics,
		Checkpoint: &models.ActiveDurationCheckpoint{Time: at, Active: active},
	}
}

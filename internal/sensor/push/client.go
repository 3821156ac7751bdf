// Package push is a sensing client fed over HTTP. A paired device pushes
// Health Auto Export style samples while a session runs; lifecycle commands
// are acknowledged locally and active time is tracked here.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/claude/wodtimer/internal/models"
	"github.com/claude/wodtimer/internal/sensor"
)

// ErrNoSession is returned for lifecycle commands that need a running session.
var ErrNoSession = errors.New("push: no session in progress")

// Result holds the outcome of an ingest.
type Result struct {
	MetricsReceived int      `json:"metrics_received"`
	MetricsAccepted int      `json:"metrics_accepted"`
	MetricsRejected int      `json:"metrics_rejected"`
	RejectedNames   []string `json:"rejected_names,omitempty"`
	Delivered       bool     `json:"delivered"`
	Message         string   `json:"message,omitempty"`
}

// Status is the client's own view of the session, reported by the ingest
// endpoint so a device can resync.
type Status struct {
	InProgress   bool                `json:"in_progress"`
	Paused       bool                `json:"paused"`
	WorkoutType  models.WorkoutType  `json:"workout_type"`
	ElapsedSec   float64             `json:"elapsed_sec"`
	Rounds       int                 `json:"rounds"`
	Availability models.Availability `json:"availability"`
	Goals        []string            `json:"goals,omitempty"`
}

// Client implements sensor.Client.
type Client struct {
	log  *slog.Logger
	now  func() time.Time
	tick time.Duration

	// deliverMu keeps callbacks strictly sequential.
	deliverMu sync.Mutex

	mu           sync.Mutex
	listener     func(sensor.Update)
	active       *registration
	running      bool
	paused       bool
	workout      models.WorkoutType
	kinds        models.MetricSet
	goals        []models.Goal
	checkpoint   models.ActiveDurationCheckpoint
	rounds       int
	calories     float64
	availability models.Availability
	ownedByOther bool
	stopTick     chan struct{}
}

var _ sensor.Client = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New returns a client that emits a checkpoint every tick while a session
// runs. A zero tick disables checkpoint ticks.
func New(tick time.Duration, log *slog.Logger, opts ...Option) *Client {
	c := &Client{
		log:          log,
		now:          time.Now,
		tick:         tick,
		availability: models.AvailabilityUnknown,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Capabilities(ctx context.Context) (sensor.Capabilities, error) {
	return sensor.Capabilities{Metrics: models.AllMetricKinds, SupportsGoals: true}, nil
}

func (c *Client) Prepare(ctx context.Context, wt models.WorkoutType) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("preparing %s: session already running", wt)
	}
	c.workout = wt
	c.availability = models.AvailabilityAcquiring
	return nil
}

func (c *Client) Start(ctx context.Context, wt models.WorkoutType, kinds []models.MetricKind, goals []models.Goal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ownedByOther {
		return fmt.Errorf("starting %s: session owned by another client", wt)
	}
	if c.running {
		return fmt.Errorf("starting %s: session already running", wt)
	}
	c.running = true
	c.paused = false
	c.workout = wt
	c.kinds = models.NewMetricSet(kinds...)
	c.goals = goals
	c.checkpoint = models.ActiveDurationCheckpoint{Time: c.now()}
	c.rounds = 0
	c.calories = 0
	if c.tick > 0 {
		c.stopTick = make(chan struct{})
		go c.tickLoop(c.stopTick)
	}
	c.log.Info("push session started", "type", wt, "metrics", len(kinds), "goals", len(goals))
	return nil
}

func (c *Client) Pause(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running || c.paused {
		return ErrNoSession
	}
	now := c.now()
	c.checkpoint = models.ActiveDurationCheckpoint{Time: now, Active: c.checkpoint.ElapsedAt(now, true)}
	c.paused = true
	return nil
}

func (c *Client) Resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running || !c.paused {
		return ErrNoSession
	}
	c.checkpoint.Time = c.now()
	c.paused = false
	return nil
}

func (c *Client) End(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil
	}
	c.stopLocked()
	c.log.Info("push session ended", "type", c.workout, "rounds", c.rounds)
	return nil
}

func (c *Client) MarkRound(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running || c.paused {
		return ErrNoSession
	}
	c.rounds++
	return nil
}

func (c *Client) IsSessionInProgress(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running, nil
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
		if r.c.active == r {
			r.c.active = nil
			r.c.listener = nil
		}
	})
}

// Register installs the single listener, replacing any previous one.
func (c *Client) Register(callback func(sensor.Update)) (sensor.Registration, error) {
	if callback == nil {
		return nil, errors.New("push: nil listener")
	}
	reg := &registration{c: c}
	c.mu.Lock()
	c.listener = callback
	c.active = reg
	c.mu.Unlock()
	return reg, nil
}

// Status reports the client's own session view.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Status{
		InProgress:   c.running,
		Paused:       c.paused,
		WorkoutType:  c.workout,
		ElapsedSec:   c.checkpoint.ElapsedAt(c.now(), c.running && !c.paused).Seconds(),
		Rounds:       c.rounds,
		Availability: c.availability,
	}
	for _, g := range c.goals {
		s.Goals = append(s.Goals, g.Name)
	}
	return s
}

// Ingest converts a pushed payload into updates and hands them to the
// listener in order: metrics, round summary, availability, then end.
// Nothing is delivered when no session is running.
func (c *Client) Ingest(ctx context.Context, payload *models.LivePayload) (*Result, error) {
	result := &Result{}

	c.mu.Lock()
	if payload.Data.OwnedByOther != c.ownedByOther {
		c.ownedByOther = payload.Data.OwnedByOther
		c.log.Info("session ownership changed", "owned_by_other", c.ownedByOther)
	}
	running, paused := c.running, c.paused
	c.mu.Unlock()

	readings := c.processMetrics(payload.Data.Metrics, result)
	if len(result.RejectedNames) > 0 {
		result.Message = fmt.Sprintf(
			"Some metrics were rejected because they are not used by live sessions: %v. "+
				"Accepted metrics: %v.", result.RejectedNames, AcceptedMetrics())
	}
	if !running {
		if result.Message == "" {
			result.Message = "No session in progress; samples were not delivered."
		}
		return result, nil
	}

	var updates []sensor.Update
	cp := c.currentCheckpoint()
	if len(readings) > 0 {
		updates = append(updates, sensor.Update{Kind: sensor.UpdateMetrics, Readings: readings, Checkpoint: &cp})
	}
	if r := payload.Data.Rounds; r != nil {
		c.mu.Lock()
		c.rounds = *r
		c.mu.Unlock()
		updates = append(updates, sensor.Update{Kind: sensor.UpdateRoundSummary, Rounds: *r, Checkpoint: &cp})
	}
	if a := payload.Data.Availability; a != "" {
		c.mu.Lock()
		c.availability = a
		c.mu.Unlock()
		updates = append(updates, sensor.Update{Kind: sensor.UpdateAvailability, Availability: a})
	}
	if payload.Data.Ended {
		c.mu.Lock()
		c.stopLocked()
		c.mu.Unlock()
		updates = append(updates, sensor.Update{Kind: sensor.UpdateSessionEnded, EndReason: models.EndReasonExternal})
	}

	for _, u := range updates {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("delivering %s update: %w", u.Kind, err)
		}
		if c.deliver(u) {
			result.Delivered = true
		}
	}
	if paused && len(readings) > 0 {
		c.log.Debug("samples delivered while paused", "readings", len(readings))
	}
	return result, nil
}

func (c *Client) processMetrics(metrics []models.HAEMetric, result *Result) []models.RawReading {
	var readings []models.RawReading
	rejectedSet := map[string]bool{}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range metrics {
		route, ok := routes[m.Name]
		if !ok || (c.kinds != nil && !c.kinds.Has(route.kind)) {
			if !rejectedSet[m.Name] {
				result.RejectedNames = append(result.RejectedNames, m.Name)
				rejectedSet[m.Name] = true
			}
			result.MetricsRejected += len(m.Data)
			continue
		}

		reading := models.RawReading{Kind: route.kind}
		for _, raw := range m.Data {
			result.MetricsReceived++
			v, err := pointValue(route.shape, raw)
			if err != nil {
				c.log.Warn("skipping data point", "metric", m.Name, "error", err)
				continue
			}
			if route.delta {
				c.calories += v
				v = c.calories
			}
			reading.Values = append(reading.Values, v)
			result.MetricsAccepted++
		}
		if len(reading.Values) > 0 {
			readings = append(readings, reading)
		}
	}
	return readings
}

func (c *Client) currentCheckpoint() models.ActiveDurationCheckpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		return c.checkpoint
	}
	now := c.now()
	return models.ActiveDurationCheckpoint{Time: now, Active: c.checkpoint.ElapsedAt(now, c.running)}
}

// deliver invokes the listener and reports whether there was one. It blocks
// for as long as the listener does.
func (c *Client) deliver(u sensor.Update) bool {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	c.mu.Lock()
	l := c.listener
	c.mu.Unlock()
	if l == nil {
		return false
	}
	l(u)
	return true
}

func (c *Client) stopLocked() {
	c.running = false
	c.paused = false
	if c.stopTick != nil {
		close(c.stopTick)
		c.stopTick = nil
	}
}

func (c *Client) tickLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			cp := c.currentCheckpoint()
			c.deliver(sensor.Update{Kind: sensor.UpdateMetrics, Checkpoint: &cp})
		}
	}
}

// DecodePayload parses a pushed JSON body.
func DecodePayload(data []byte) (*models.LivePayload, error) {
	var payload models.LivePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decoding live payload: %w", err)
	}
	return &payload, nil
}

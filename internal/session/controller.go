// Package session drives one workout session through its lifecycle: it issues
// commands to the sensing client, folds incoming updates into a published
// snapshot, acts on derived events and emits a completion record.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/claude/wodtimer/internal/goal"
	"github.com/claude/wodtimer/internal/ingest"
	"github.com/claude/wodtimer/internal/metrics"
	"github.com/claude/wodtimer/internal/models"
	"github.com/claude/wodtimer/internal/sensor"
)

var (
	// ErrInvalidTransition is returned for an operation the current phase does not allow.
	ErrInvalidTransition = errors.New("session: invalid transition")
	// ErrSessionEnded is returned for operations on a session that has ended
	// or is ending.
	ErrSessionEnded = errors.New("session: ended")
	// ErrInvalidWorkout is returned for an unknown workout type or a bad configuration.
	ErrInvalidWorkout = errors.New("session: invalid workout")
)

const (
	endTimeout    = 10 * time.Second
	recordTimeout = 10 * time.Second
)

// Recorder persists completion records.
type Recorder interface {
	SaveCompletedSession(ctx context.Context, s models.CompletedSession) error
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithRecorder sets where completion records go.
func WithRecorder(r Recorder) Option {
	return func(c *Controller) { c.recorder = r }
}

// WithPublisher publishes snapshots and cues through p instead of a private publisher.
func WithPublisher(p *Publisher) Option {
	return func(c *Controller) { c.pub = p }
}

// WithUser stamps completion records with a user login.
func WithUser(login string) Option {
	return func(c *Controller) { c.user = login }
}

type terminal struct {
	reason models.EndReason
	err    error
}

// Controller owns one session. Operations are serialized; state mutation and
// publication happen under a single lock so observers never see a partial
// transition. A Controller is single-use: once Ended, start a new one.
type Controller struct {
	client   sensor.Client
	log      *slog.Logger
	now      func() time.Time
	recorder Recorder
	pub      *Publisher
	user     string

	opMu sync.Mutex

	mu           sync.Mutex
	state        models.SessionState
	prevElapsed  time.Duration
	acted        int64
	timeUp       bool
	endClaimed   bool
	terminal     *terminal
	cancelIngest context.CancelFunc
	consumerDone chan struct{}

	done chan struct{}
}

// NewController returns an Idle controller and publishes its initial snapshot.
func NewController(client sensor.Client, log *slog.Logger, opts ...Option) *Controller {
	c := &Controller{
		client: client,
		log:    log,
		now:    time.Now,
		done:   make(chan struct{}),
		state: models.SessionState{
			Phase:        models.Idle,
			Availability: models.AvailabilityUnknown,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.pub == nil {
		c.pub = NewPublisher()
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	c.mu.Lock()
	c.publishLocked()
	c.mu.Unlock()
	return c
}

// Snapshot returns the current state with elapsed time computed now.
func (c *Controller) Snapshot() models.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Subscribe observes snapshots through the controller's publisher.
func (c *Controller) Subscribe() (<-chan models.SessionState, func()) {
	return c.pub.Subscribe()
}

// Done is closed once the session is Ended and its record has been handed off.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the session, if any.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Phase != models.Ended || c.terminal == nil {
		return nil
	}
	return c.terminal.err
}

// Prepare warms up the sensing subsystem. A warm-up failure is recorded on
// the snapshot but the session still becomes Ready.
func (c *Controller) Prepare(ctx context.Context, wt models.WorkoutType) error {
	if !wt.Valid() {
		return fmt.Errorf("%w: unknown workout type", ErrInvalidWorkout)
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.state.Phase != models.Idle {
		defer c.mu.Unlock()
		return c.rejectLocked(models.Preparing)
	}
	c.state.Phase = models.Preparing
	c.state.WorkoutType = wt
	c.publishLocked()
	c.mu.Unlock()

	err := c.client.Prepare(ctx, wt)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.log.Warn("sensing warm-up failed", "type", wt, "error", err)
		c.state.WarmupError = err.Error()
	}
	c.state.Phase = models.Ready
	c.publishLocked()
	return nil
}

// Start begins tracking. Requested metrics are narrowed to what the client
// supports and goals are registered only when the client supports them. The
// update listener is installed before the start command so no update is
// missed; a start failure tears it down and leaves the session Ready.
func (c *Controller) Start(ctx context.Context, wt models.WorkoutType, cfg models.WorkoutConfiguration) error {
	if !wt.Valid() {
		return fmt.Errorf("%w: unknown workout type", ErrInvalidWorkout)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidWorkout, err)
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.state.Phase != models.Ready {
		defer c.mu.Unlock()
		return c.rejectLocked(models.Active)
	}
	c.mu.Unlock()

	caps, err := c.client.Capabilities(ctx)
	if err != nil {
		return fmt.Errorf("querying capabilities: %w", err)
	}
	kinds := models.AllMetricKinds.Intersect(caps.Metrics).Kinds()
	var goals []models.Goal
	if caps.SupportsGoals {
		goals = goal.Goals(wt, cfg)
	}

	ingestCtx, cancel := context.WithCancel(context.Background())
	stream := ingest.Open(ingestCtx, c.client)
	if err := c.client.Start(ctx, wt, kinds, goals); err != nil {
		stream.Close()
		cancel()
		return fmt.Errorf("starting session: %w", err)
	}

	now := c.now()
	consumerDone := make(chan struct{})
	c.mu.Lock()
	c.state = models.SessionState{
		ID:            uuid.New(),
		Phase:         models.Active,
		WorkoutType:   wt,
		Configuration: cfg,
		Checkpoint:    models.ActiveDurationCheckpoint{Time: now},
		LastEvent:     models.EventNone,
		Availability:  c.state.Availability,
		WarmupError:   c.state.WarmupError,
		StartedAt:     &now,
	}
	c.prevElapsed = 0
	c.acted = 0
	c.cancelIngest = cancel
	c.consumerDone = consumerDone
	c.publishLocked()
	id := c.state.ID
	c.mu.Unlock()

	c.log.Info("session started", "session", id, "type", wt,
		"total", cfg.TotalDuration(), "metrics", len(kinds), "goals", len(goals))
	go c.consume(ingestCtx, stream, consumerDone)
	return nil
}

// Pause suspends active-time accounting.
func (c *Controller) Pause(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.require(models.Active, models.Paused); err != nil {
		return err
	}
	if err := c.client.Pause(ctx); err != nil {
		return fmt.Errorf("pausing session: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Phase != models.Active || c.endClaimed {
		return ErrSessionEnded
	}
	now := c.now()
	c.state.Checkpoint = models.ActiveDurationCheckpoint{Time: now, Active: c.runningElapsedLocked(now)}
	c.state.Phase = models.Paused
	c.state.LastEvent = models.EventNone
	c.publishLocked()
	c.log.Info("session paused", "session", c.state.ID, "elapsed", c.state.Checkpoint.Active)
	return nil
}

// Resume continues active-time accounting from the paused value.
func (c *Controller) Resume(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.require(models.Paused, models.Active); err != nil {
		return err
	}
	if err := c.client.Resume(ctx); err != nil {
		return fmt.Errorf("resuming session: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Phase != models.Paused || c.endClaimed {
		return ErrSessionEnded
	}
	c.state.Checkpoint.Time = c.now()
	c.state.Phase = models.Active
	c.publishLocked()
	c.log.Info("session resumed", "session", c.state.ID)
	return nil
}

// MarkRound records a manual round.
func (c *Controller) MarkRound(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.require(models.Active, models.Active); err != nil {
		return err
	}
	if err := c.client.MarkRound(ctx); err != nil {
		return fmt.Errorf("marking round: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Phase != models.Active || c.endClaimed {
		return ErrSessionEnded
	}
	c.state.Rounds++
	c.publishLocked()
	return nil
}

// End stops the session. If the session is already ending on its own, End
// waits for it to finish. A failed end command leaves the session running
// unless it had already run out of time or been ended elsewhere.
func (c *Controller) End(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	switch {
	case c.state.Phase == models.Ended:
		c.mu.Unlock()
		return ErrSessionEnded
	case c.endClaimed:
		c.mu.Unlock()
		select {
		case <-c.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	case c.state.Phase != models.Active && c.state.Phase != models.Paused:
		defer c.mu.Unlock()
		return c.rejectLocked(models.Ending)
	}
	c.endClaimed = true
	c.mu.Unlock()

	endErr := c.client.End(ctx)

	c.mu.Lock()
	term := c.terminal
	if endErr != nil && term == nil {
		c.endClaimed = false
		c.mu.Unlock()
		return fmt.Errorf("ending session: %w", endErr)
	}
	c.mu.Unlock()

	reason, cause := models.EndReasonUser, error(nil)
	if term != nil {
		reason, cause = term.reason, term.err
	}
	if endErr != nil {
		c.log.Warn("sensing end failed after session finished", "reason", reason, "error", endErr)
	}
	c.finish(reason, cause, true)
	return nil
}

func (c *Controller) require(phase, to models.Phase) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.endClaimed && c.state.Phase.InProgress() {
		return ErrSessionEnded
	}
	if c.state.Phase != phase {
		return c.rejectLocked(to)
	}
	return nil
}

func (c *Controller) rejectLocked(to models.Phase) error {
	if c.state.Phase == models.Ended || c.state.Phase == models.Ending {
		return ErrSessionEnded
	}
	return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, c.state.Phase, to)
}

func (c *Controller) consume(ctx context.Context, stream *ingest.Stream, done chan struct{}) {
	defer close(done)
	defer stream.Close()
	for {
		u, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, ingest.ErrRegistration) {
				c.log.Error("update listener failed", "error", err)
				c.endFromConsumer(models.EndReasonError, err, true)
			}
			return
		}
		if reason, end := c.apply(u); end {
			c.endFromConsumer(reason, nil, reason != models.EndReasonExternal)
			return
		}
	}
}

// apply folds one update into the state and reports whether it ends the session.
func (c *Controller) apply(u sensor.Update) (models.EndReason, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	phase := c.state.Phase
	if phase != models.Active && phase != models.Paused {
		return models.EndReasonNone, false
	}

	now := c.now()
	running := phase == models.Active
	if cp := u.Checkpoint; cp != nil && newerCheckpoint(*cp, c.state.Checkpoint) {
		c.state.Checkpoint = *cp
	}
	c.state.Metrics = metrics.FoldAll(c.state.Metrics, u.Readings)

	switch u.Kind {
	case sensor.UpdateRoundSummary:
		c.state.Rounds = u.Rounds
	case sensor.UpdateAvailability:
		c.state.Availability = u.Availability
	case sensor.UpdateSessionEnded:
		c.state.LastEvent = models.EventTimeEnded
		c.publishLocked()
		reason := u.EndReason
		if reason == models.EndReasonNone {
			reason = models.EndReasonExternal
		}
		return reason, true
	}

	end := false
	if running {
		end = c.evaluateLocked(now)
	} else {
		c.state.LastEvent = models.EventNone
	}
	c.publishLocked()
	if end {
		return models.EndReasonTimeEnded, true
	}
	return models.EndReasonNone, false
}

// newerCheckpoint reports whether cp may replace cur: its accumulated time
// must not go down and it must not predate cur.
func newerCheckpoint(cp, cur models.ActiveDurationCheckpoint) bool {
	return cp.Active >= cur.Active && !cp.Time.Before(cur.Time)
}

func (c *Controller) evaluateLocked(now time.Time) bool {
	elapsed := c.runningElapsedLocked(now)
	wt, cfg := c.state.WorkoutType, c.state.Configuration
	ev := goal.Evaluate(wt, cfg, c.prevElapsed, elapsed)
	c.prevElapsed = elapsed
	c.state.LastEvent = ev

	switch ev {
	case models.EventMilestone:
		c.creditLocked(elapsed)
	case models.EventTimeEnded:
		if c.timeUp {
			return true
		}
		// Boundaries reached together with the end still count as rounds.
		if wt.RoundPolicy() == models.AutoOnInterval {
			c.creditLocked(cfg.TotalDuration())
		}
		c.timeUp = true
		c.cueLocked(models.EventTimeEnded)
		c.log.Info("session time ended", "session", c.state.ID, "elapsed", elapsed)
		return true
	}
	return false
}

// creditLocked acts once on every boundary up to upTo not yet acted on.
func (c *Controller) creditLocked(upTo time.Duration) {
	wt, cfg := c.state.WorkoutType, c.state.Configuration
	target := goal.Boundary(wt.Threshold(cfg), upTo)
	auto := wt.RoundPolicy() == models.AutoOnInterval
	for c.acted < target {
		c.acted++
		c.state.Milestones++
		if auto {
			c.state.Rounds++
		}
		c.cueLocked(models.EventMilestone)
	}
}

func (c *Controller) runningElapsedLocked(now time.Time) time.Duration {
	elapsed := c.state.Checkpoint.ElapsedAt(now, true)
	if elapsed < c.prevElapsed {
		elapsed = c.prevElapsed
	}
	return elapsed
}

func (c *Controller) endFromConsumer(reason models.EndReason, cause error, callEnd bool) {
	c.mu.Lock()
	c.terminal = &terminal{reason: reason, err: cause}
	if c.endClaimed {
		// An End call owns finalization and will pick up the terminal cause.
		c.mu.Unlock()
		return
	}
	c.endClaimed = true
	c.enterEndingLocked()
	c.mu.Unlock()

	if callEnd {
		ctx, cancel := context.WithTimeout(context.Background(), endTimeout)
		if err := c.client.End(ctx); err != nil {
			c.log.Warn("sensing end failed", "reason", reason, "error", err)
		}
		cancel()
	}
	c.finish(reason, cause, false)
}

func (c *Controller) enterEndingLocked() {
	if c.state.Phase == models.Ending {
		return
	}
	if c.state.Phase == models.Active {
		now := c.now()
		c.state.Checkpoint = models.ActiveDurationCheckpoint{Time: now, Active: c.runningElapsedLocked(now)}
	}
	c.state.Phase = models.Ending
	c.publishLocked()
}

// finish tears down ingestion and moves to Ended. The update consumer is
// stopped before Ended is published so no update lands afterwards.
func (c *Controller) finish(reason models.EndReason, cause error, waitConsumer bool) {
	c.mu.Lock()
	c.enterEndingLocked()
	cancel, consumerDone := c.cancelIngest, c.consumerDone
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if waitConsumer && consumerDone != nil {
		<-consumerDone
	}

	now := c.now()
	c.mu.Lock()
	c.state.Phase = models.Ended
	c.state.EndedAt = &now
	c.state.EndReason = reason
	if cause != nil {
		c.state.Error = cause.Error()
	}
	c.publishLocked()
	var rec *models.CompletedSession
	if c.state.StartedAt != nil {
		r := c.recordLocked(now)
		rec = &r
	}
	id, rounds, elapsed := c.state.ID, c.state.Rounds, c.state.Checkpoint.Active
	c.mu.Unlock()

	c.log.Info("session ended", "session", id, "reason", reason, "rounds", rounds, "elapsed", elapsed)
	if rec != nil && c.recorder != nil {
		ctx, cancelRec := context.WithTimeout(context.Background(), recordTimeout)
		if err := c.recorder.SaveCompletedSession(ctx, *rec); err != nil {
			c.log.Error("saving completed session", "session", id, "error", err)
		}
		cancelRec()
	}
	close(c.done)
}

func (c *Controller) recordLocked(end time.Time) models.CompletedSession {
	s := c.state.Clone()
	props := s.Configuration.Properties()
	props["milestones"] = s.Milestones
	if s.Error != "" {
		props["error"] = s.Error
	}
	return models.CompletedSession{
		ID:               s.ID,
		UserLogin:        c.user,
		WorkoutType:      s.WorkoutType,
		StartTime:        *s.StartedAt,
		EndTime:          end,
		DurationSec:      s.Checkpoint.Active.Seconds(),
		Rounds:           s.Rounds,
		TotalCalories:    s.Metrics.Calories,
		AverageHeartRate: s.Metrics.AverageHeartRate,
		EndReason:        s.EndReason,
		Properties:       props,
	}
}

func (c *Controller) snapshotLocked() models.SessionState {
	s := c.state.Clone()
	s.ElapsedSec = s.Elapsed(c.now()).Seconds()
	return s
}

func (c *Controller) publishLocked() {
	c.pub.Publish(c.snapshotLocked())
}

func (c *Controller) cueLocked(ev models.DerivedEvent) {
	c.pub.PublishCue(Cue{Event: ev, State: c.snapshotLocked()})
}

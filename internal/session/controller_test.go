package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/claude/wodtimer/internal/models"
	"github.com/claude/wodtimer/internal/sensor"
	"github.com/claude/wodtimer/internal/sensor/sensortest"
)

var testNow = time.Date(2026, 3, 14, 7, 30, 0, 0, time.UTC)

type memRecorder struct {
	mu      sync.Mutex
	records []models.CompletedSession
}

func (r *memRecorder) SaveCompletedSession(ctx context.Context, s models.CompletedSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, s)
	return nil
}

func (r *memRecorder) all() []models.CompletedSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.CompletedSession(nil), r.records...)
}

func secs(n int) time.Duration { return time.Duration(n) * time.Second }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestController(t *testing.T, client *sensortest.Client) (*Controller, *memRecorder) {
	t.Helper()
	rec := &memRecorder{}
	c := NewController(client, quietLogger(),
		WithClock(func() time.Time { return testNow }),
		WithRecorder(rec),
		WithUser("athlete@example.com"),
	)
	return c, rec
}

// startSession prepares and starts a session and waits for its listener.
func startSession(t *testing.T, c *Controller, client *sensortest.Client, wt models.WorkoutType, cfg models.WorkoutConfiguration) {
	t.Helper()
	ctx := context.Background()
	if err := c.Prepare(ctx, wt); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := c.Start(ctx, wt, cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !client.WaitRegistered(time.Second) {
		t.Fatal("listener never registered")
	}
}

func emitElapsed(t *testing.T, client *sensortest.Client, n int) {
	t.Helper()
	if !client.Emit(sensortest.Checkpoint(testNow, secs(n))) {
		t.Fatalf("no listener for checkpoint %ds", n)
	}
}

// waitFor polls the snapshot until cond holds.
func waitFor(t *testing.T, c *Controller, what string, cond func(models.SessionState) bool) models.SessionState {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		s := c.Snapshot()
		if cond(s) {
			return s
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; last state phase=%s rounds=%d", what, s.Phase, s.Rounds)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitDone(t *testing.T, c *Controller) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not end; phase=%s", c.Snapshot().Phase)
	}
}

// TestAMRAPEndsWhenTimeRunsOut verifies a 10-minute AMRAP ends itself at 600s and records once.
func TestAMRAPEndsWhenTimeRunsOut(t *testing.T) {
	client := sensortest.New()
	c, rec := newTestController(t, client)
	startSession(t, c, client, models.AMRAP, models.WorkoutConfiguration{Active: secs(600), Rounds: 1})

	emitElapsed(t, client, 0)
	client.Emit(sensor.Update{Kind: sensor.UpdateMetrics, Readings: []models.RawReading{
		{Kind: models.HeartRate, Values: []float64{120, 131}},
		{Kind: models.Calories, Values: []float64{42}},
	}})
	emitElapsed(t, client, 300)
	emitElapsed(t, client, 600)
	waitDone(t, c)

	s := c.Snapshot()
	if s.Phase != models.Ended {
		t.Fatalf("phase = %s, want ended", s.Phase)
	}
	if s.EndReason != models.EndReasonTimeEnded {
		t.Errorf("end reason = %q, want time_ended", s.EndReason)
	}
	if s.LastEvent != models.EventTimeEnded {
		t.Errorf("last event = %s, want time_ended", s.LastEvent)
	}
	if s.Rounds != 0 || s.Milestones != 0 {
		t.Errorf("rounds=%d milestones=%d, want 0 for a manual workout", s.Rounds, s.Milestones)
	}
	if got := client.Count("end"); got != 1 {
		t.Errorf("end calls = %d, want 1", got)
	}
	if got := client.Unregisters(); got != 1 {
		t.Errorf("unregisters = %d, want 1", got)
	}

	records := rec.all()
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	r := records[0]
	if r.DurationSec != 600 {
		t.Errorf("duration = %v, want 600", r.DurationSec)
	}
	if r.TotalCalories == nil || *r.TotalCalories != 42 {
		t.Errorf("calories = %v, want 42", r.TotalCalories)
	}
	if r.UserLogin != "athlete@example.com" {
		t.Errorf("user = %q", r.UserLogin)
	}
	if r.ID != s.ID {
		t.Errorf("record id %s != session id %s", r.ID, s.ID)
	}

	if err := c.End(context.Background()); !errors.Is(err, ErrSessionEnded) {
		t.Errorf("End after ended = %v, want ErrSessionEnded", err)
	}
	if len(rec.all()) != 1 {
		t.Error("record emitted more than once")
	}
}

// TestEMOMCreditsEveryRound verifies ten one-minute rounds produce ten milestones before time ends.
func TestEMOMCreditsEveryRound(t *testing.T) {
	client := sensortest.New()
	c, _ := newTestController(t, client)
	cues, stop := c.pub.SubscribeCues()
	defer stop()
	startSession(t, c, client, models.EMOM, models.WorkoutConfiguration{Active: secs(60), Rounds: 10})

	for n := 0; n <= 600; n += 10 {
		emitElapsed(t, client, n)
	}
	waitDone(t, c)

	s := c.Snapshot()
	if s.Rounds != 10 || s.Milestones != 10 {
		t.Errorf("rounds=%d milestones=%d, want 10 and 10", s.Rounds, s.Milestones)
	}
	if s.EndReason != models.EndReasonTimeEnded {
		t.Errorf("end reason = %q", s.EndReason)
	}

	var milestones int
	var last models.DerivedEvent
	for len(cues) > 0 {
		cue := <-cues
		if cue.Event == models.EventMilestone {
			milestones++
		}
		last = cue.Event
	}
	if milestones != 10 {
		t.Errorf("milestone cues = %d, want 10", milestones)
	}
	if last != models.EventTimeEnded {
		t.Errorf("last cue = %s, want time_ended", last)
	}
}

// TestEMOMMilestoneOncePerBoundary verifies the milestone fires once on crossing and time ends at the total.
func TestEMOMMilestoneOncePerBoundary(t *testing.T) {
	client := sensortest.New()
	c, _ := newTestController(t, client)
	startSession(t, c, client, models.EMOM, models.WorkoutConfiguration{Active: secs(60), Rounds: 2})

	for _, n := range []int{0, 10, 30} {
		emitElapsed(t, client, n)
	}
	emitElapsed(t, client, 61)
	s := waitFor(t, c, "first milestone", func(s models.SessionState) bool { return s.Milestones == 1 })
	if s.LastEvent != models.EventMilestone {
		t.Errorf("last event after 61s = %s, want milestone", s.LastEvent)
	}

	emitElapsed(t, client, 62)
	emitElapsed(t, client, 90)
	s = waitFor(t, c, "evaluation at 90s", func(s models.SessionState) bool { return s.ElapsedSec == 90 })
	if s.Milestones != 1 || s.LastEvent != models.EventNone {
		t.Errorf("milestones=%d last=%s, want 1 and none", s.Milestones, s.LastEvent)
	}

	emitElapsed(t, client, 120)
	waitDone(t, c)
	s = c.Snapshot()
	if s.LastEvent != models.EventTimeEnded {
		t.Errorf("last event = %s, want time_ended", s.LastEvent)
	}
	if s.Rounds != 2 {
		t.Errorf("rounds = %d, want 2", s.Rounds)
	}
}

// TestOperationsRejectedInWrongPhase verifies phase preconditions on every command.
func TestOperationsRejectedInWrongPhase(t *testing.T) {
	ctx := context.Background()
	client := sensortest.New()
	c, _ := newTestController(t, client)
	cfg := models.WorkoutConfiguration{Active: secs(600), Rounds: 1}

	if err := c.Start(ctx, models.AMRAP, cfg); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Start from idle = %v, want ErrInvalidTransition", err)
	}
	if err := c.Prepare(ctx, models.AMRAP); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := c.Pause(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Pause from ready = %v, want ErrInvalidTransition", err)
	}
	if err := c.MarkRound(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("MarkRound from ready = %v, want ErrInvalidTransition", err)
	}
	if err := c.End(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("End from ready = %v, want ErrInvalidTransition", err)
	}
	if err := c.Resume(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Resume from ready = %v, want ErrInvalidTransition", err)
	}
	if err := c.Prepare(ctx, models.AMRAP); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second Prepare = %v, want ErrInvalidTransition", err)
	}
	if got := client.Count("pause") + client.Count("mark_round") + client.Count("end"); got != 0 {
		t.Errorf("rejected commands reached the client %d times", got)
	}
}

// TestInvalidWorkoutRejected verifies bad types and configurations never reach the client.
func TestInvalidWorkoutRejected(t *testing.T) {
	ctx := context.Background()
	client := sensortest.New()
	c, _ := newTestController(t, client)

	if err := c.Prepare(ctx, models.WorkoutType(42)); !errors.Is(err, ErrInvalidWorkout) {
		t.Errorf("Prepare unknown type = %v, want ErrInvalidWorkout", err)
	}
	if err := c.Prepare(ctx, models.EMOM); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	bad := models.WorkoutConfiguration{Active: -secs(1), Rounds: 2}
	if err := c.Start(ctx, models.EMOM, bad); !errors.Is(err, ErrInvalidWorkout) {
		t.Errorf("Start bad config = %v, want ErrInvalidWorkout", err)
	}
	if client.Count("start") != 0 {
		t.Error("invalid start reached the client")
	}
}

// TestPauseResumeAndManualRounds verifies pause freezes commands and resume restores them.
func TestPauseResumeAndManualRounds(t *testing.T) {
	ctx := context.Background()
	client := sensortest.New()
	c, _ := newTestController(t, client)
	startSession(t, c, client, models.ForTime, models.WorkoutConfiguration{Active: secs(900), Rounds: 1})

	if err := c.Pause(ctx); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if s := c.Snapshot(); s.Phase != models.Paused {
		t.Fatalf("phase = %s, want paused", s.Phase)
	}
	if err := c.MarkRound(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("MarkRound while paused = %v, want ErrInvalidTransition", err)
	}
	if err := c.Pause(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second Pause = %v, want ErrInvalidTransition", err)
	}

	// Metrics still arrive while paused.
	client.Emit(sensor.Update{Kind: sensor.UpdateMetrics, Readings: []models.RawReading{
		{Kind: models.HeartRate, Values: []float64{98}},
	}})
	waitFor(t, c, "heart rate while paused", func(s models.SessionState) bool {
		return s.Metrics.HeartRate != nil && *s.Metrics.HeartRate == 98
	})

	if err := c.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	for range 3 {
		if err := c.MarkRound(ctx); err != nil {
			t.Fatalf("MarkRound: %v", err)
		}
	}
	if s := c.Snapshot(); s.Phase != models.Active || s.Rounds != 3 {
		t.Errorf("phase=%s rounds=%d, want active and 3", s.Phase, s.Rounds)
	}
}

// TestRoundSummaryOverridesCount verifies the sensing client's round count replaces the local one.
func TestRoundSummaryOverridesCount(t *testing.T) {
	ctx := context.Background()
	client := sensortest.New()
	c, _ := newTestController(t, client)
	startSession(t, c, client, models.AMRAP, models.WorkoutConfiguration{Active: secs(600), Rounds: 1})

	c.MarkRound(ctx)
	c.MarkRound(ctx)
	if got := c.Snapshot().Rounds; got != 2 {
		t.Fatalf("rounds = %d, want 2", got)
	}
	client.Emit(sensor.Update{Kind: sensor.UpdateRoundSummary, Rounds: 5})
	waitFor(t, c, "round override", func(s models.SessionState) bool { return s.Rounds == 5 })
}

// TestFailedCommandsLeaveStateUnchanged verifies a client error never moves the phase.
func TestFailedCommandsLeaveStateUnchanged(t *testing.T) {
	ctx := context.Background()
	client := sensortest.New()
	c, rec := newTestController(t, client)
	cfg := models.WorkoutConfiguration{Active: secs(600), Rounds: 1}

	if err := c.Prepare(ctx, models.AMRAP); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	client.Fail("start", errors.New("sensor busy"))
	if err := c.Start(ctx, models.AMRAP, cfg); err == nil {
		t.Fatal("Start succeeded with a failing client")
	}
	if s := c.Snapshot(); s.Phase != models.Ready {
		t.Fatalf("phase after failed start = %s, want ready", s.Phase)
	}
	if client.Unregisters() != 1 {
		t.Errorf("listener not torn down after failed start")
	}

	client.Fail("start", nil)
	if err := c.Start(ctx, models.AMRAP, cfg); err != nil {
		t.Fatalf("Start retry: %v", err)
	}

	client.Fail("pause", errors.New("pause refused"))
	if err := c.Pause(ctx); err == nil {
		t.Error("Pause succeeded with a failing client")
	}
	client.Fail("end", errors.New("end refused"))
	if err := c.End(ctx); err == nil {
		t.Error("End succeeded with a failing client")
	}
	if s := c.Snapshot(); s.Phase != models.Active {
		t.Fatalf("phase after failed commands = %s, want active", s.Phase)
	}

	client.Fail("end", nil)
	if err := c.End(ctx); err != nil {
		t.Fatalf("End: %v", err)
	}
	s := c.Snapshot()
	if s.Phase != models.Ended || s.EndReason != models.EndReasonUser {
		t.Errorf("phase=%s reason=%q, want ended by user", s.Phase, s.EndReason)
	}
	if len(rec.all()) != 1 {
		t.Errorf("records = %d, want 1", len(rec.all()))
	}
}

// TestRegistrationFailureEndsSession verifies a broken listener ends the session with an error.
func TestRegistrationFailureEndsSession(t *testing.T) {
	ctx := context.Background()
	client := sensortest.New()
	client.Fail("register", errors.New("not authorized"))
	c, rec := newTestController(t, client)

	if err := c.Prepare(ctx, models.Tabata); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := c.Start(ctx, models.Tabata, models.WorkoutConfiguration{Active: secs(20), Rest: secs(10), Rounds: 8}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, c)

	s := c.Snapshot()
	if s.EndReason != models.EndReasonError || s.Error == "" {
		t.Errorf("reason=%q error=%q, want an error ending", s.EndReason, s.Error)
	}
	if c.Err() == nil {
		t.Error("Err() = nil after a registration failure")
	}
	if client.Count("end") != 1 {
		t.Errorf("end calls = %d, want 1", client.Count("end"))
	}
	if len(rec.all()) != 1 {
		t.Errorf("records = %d, want 1", len(rec.all()))
	}
}

// TestExternalEndSkipsEndCommand verifies a session ended elsewhere finalizes without calling End.
func TestExternalEndSkipsEndCommand(t *testing.T) {
	client := sensortest.New()
	c, rec := newTestController(t, client)
	startSession(t, c, client, models.AMRAP, models.WorkoutConfiguration{Active: secs(600), Rounds: 1})

	emitElapsed(t, client, 45)
	client.Emit(sensor.Update{Kind: sensor.UpdateSessionEnded})
	waitDone(t, c)

	s := c.Snapshot()
	if s.EndReason != models.EndReasonExternal {
		t.Errorf("reason = %q, want external", s.EndReason)
	}
	if client.Count("end") != 0 {
		t.Errorf("end calls = %d, want 0", client.Count("end"))
	}
	records := rec.all()
	if len(records) != 1 || records[0].DurationSec != 45 {
		t.Errorf("records = %+v, want one of 45s", records)
	}
}

// TestCapabilitiesNarrowRequest verifies unsupported metrics and goals are not requested.
func TestCapabilitiesNarrowRequest(t *testing.T) {
	ctx := context.Background()
	client := sensortest.New()
	client.SetCapabilities(sensor.Capabilities{Metrics: models.NewMetricSet(models.HeartRate)})
	c, _ := newTestController(t, client)

	if err := c.Prepare(ctx, models.EMOM); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := c.Start(ctx, models.EMOM, models.WorkoutConfiguration{Active: secs(60), Rounds: 5}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	kinds, goals := client.Started()
	if len(kinds) != 1 || kinds[0] != models.HeartRate {
		t.Errorf("kinds = %v, want [heart_rate]", kinds)
	}
	if goals != nil {
		t.Errorf("goals = %v, want none without goal support", goals)
	}
	c.End(ctx)
}

// TestWarmupFailureStillReady verifies a failed prepare is recorded but not fatal.
func TestWarmupFailureStillReady(t *testing.T) {
	client := sensortest.New()
	client.Fail("prepare", errors.New("no sensor"))
	c, _ := newTestController(t, client)

	if err := c.Prepare(context.Background(), models.AMRAP); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	s := c.Snapshot()
	if s.Phase != models.Ready || s.WarmupError == "" {
		t.Errorf("phase=%s warmup=%q, want ready with an error", s.Phase, s.WarmupError)
	}
}

// TestSubscriberSeesEveryPhase verifies observers see Active, Ending and Ended in order.
func TestSubscriberSeesEveryPhase(t *testing.T) {
	client := sensortest.New()
	c, _ := newTestController(t, client)
	states, cancel := c.Subscribe()
	defer cancel()

	startSession(t, c, client, models.AMRAP, models.WorkoutConfiguration{Active: secs(600), Rounds: 1})
	go c.End(context.Background())

	var seen []models.Phase
	timeout := time.After(2 * time.Second)
	for {
		select {
		case s := <-states:
			if len(seen) == 0 || seen[len(seen)-1] != s.Phase {
				seen = append(seen, s.Phase)
			}
			if s.Phase == models.Ended {
				for i := 1; i < len(seen); i++ {
					if seen[i] < seen[i-1] {
						t.Fatalf("phases went backwards: %v", seen)
					}
				}
				return
			}
		case <-timeout:
			t.Fatalf("never saw ended; saw %v", seen)
		}
	}
}

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stepClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func emitHeartRate(t *testing.T, c *Controller, client *sensortest.Client, bpm float64) models.SessionState {
	t.Helper()
	client.Emit(sensor.Update{Kind: sensor.UpdateMetrics, Readings: []models.RawReading{
		{Kind: models.HeartRate, Values: []float64{bpm}},
	}})
	return waitFor(t, c, "heart rate", func(s models.SessionState) bool {
		return s.Metrics.HeartRate != nil && *s.Metrics.HeartRate == bpm
	})
}

// TestStaleCheckpointAfterResume verifies a checkpoint taken before a pause
// and delivered after resume does not count the pause as active time.
func TestStaleCheckpointAfterResume(t *testing.T) {
	ctx := context.Background()
	client := sensortest.New()
	clock := &stepClock{t: testNow}
	c := NewController(client, quietLogger(), WithClock(clock.now))
	startSession(t, c, client, models.AMRAP, models.WorkoutConfiguration{Active: secs(300), Rounds: 1})

	clock.advance(secs(100))
	client.Emit(sensortest.Checkpoint(clock.now(), secs(100)))
	waitFor(t, c, "100s active", func(s models.SessionState) bool { return s.ElapsedSec == 100 })

	if err := c.Pause(ctx); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	clock.advance(secs(300))
	if err := c.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	client.Emit(sensortest.Checkpoint(testNow.Add(secs(50)), secs(50)))
	client.Emit(sensortest.Checkpoint(testNow.Add(secs(100)), secs(100)))
	s := emitHeartRate(t, c, client, 140)
	if s.Phase != models.Active {
		t.Fatalf("phase = %s, want active", s.Phase)
	}
	if s.ElapsedSec != 100 {
		t.Errorf("elapsed = %vs, want 100s", s.ElapsedSec)
	}

	client.Emit(sensortest.Checkpoint(clock.now(), secs(130)))
	waitFor(t, c, "130s active", func(s models.SessionState) bool { return s.ElapsedSec == 130 })

	// A lower duration never moves elapsed time back while active.
	client.Emit(sensortest.Checkpoint(clock.now(), secs(90)))
	s = emitHeartRate(t, c, client, 141)
	if s.ElapsedSec != 130 {
		t.Errorf("elapsed after lower checkpoint = %vs, want 130s", s.ElapsedSec)
	}
	c.End(ctx)
}

// TestNoEventsWhilePaused verifies boundaries reached during a pause fire
// nothing until the session resumes, and then fire once each.
func TestNoEventsWhilePaused(t *testing.T) {
	ctx := context.Background()
	client := sensortest.New()
	c, _ := newTestController(t, client)
	cues, stop := c.pub.SubscribeCues()
	defer stop()
	startSession(t, c, client, models.EMOM, models.WorkoutConfiguration{Active: secs(60), Rounds: 10})

	emitElapsed(t, client, 30)
	waitFor(t, c, "30s active", func(s models.SessionState) bool { return s.ElapsedSec == 30 })
	if err := c.Pause(ctx); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	emitElapsed(t, client, 70)
	emitElapsed(t, client, 130)
	s := waitFor(t, c, "checkpoint while paused", func(s models.SessionState) bool { return s.ElapsedSec == 130 })
	if s.Phase != models.Paused {
		t.Fatalf("phase = %s, want paused", s.Phase)
	}
	if s.Milestones != 0 || s.Rounds != 0 || s.LastEvent != models.EventNone {
		t.Errorf("milestones=%d rounds=%d last=%s while paused, want nothing", s.Milestones, s.Rounds, s.LastEvent)
	}
	if len(cues) != 0 {
		t.Errorf("cues while paused = %d, want 0", len(cues))
	}

	if err := c.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	emitElapsed(t, client, 131)
	s = waitFor(t, c, "milestones after resume", func(s models.SessionState) bool { return s.Milestones == 2 })
	if s.Rounds != 2 {
		t.Errorf("rounds = %d, want 2", s.Rounds)
	}
	emitElapsed(t, client, 132)
	emitHeartRate(t, c, client, 120)
	if s := c.Snapshot(); s.Milestones != 2 {
		t.Errorf("milestones = %d after another update, want 2", s.Milestones)
	}
	if len(cues) != 2 {
		t.Errorf("cues = %d, want 2", len(cues))
	}
	c.End(ctx)
}

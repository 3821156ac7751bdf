package session

import (
	"context"
	"testing"
	"time"

	"github.com/claude/wodtimer/internal/lifecycle"
	"github.com/claude/wodtimer/internal/models"
	"github.com/claude/wodtimer/internal/sensor/sensortest"
)

// TestPreparedSessionSurvivesGrace verifies an observer leaving after prepare
// does not release the prepared session.
func TestPreparedSessionSurvivesGrace(t *testing.T) {
	ctx := context.Background()
	host := NewHost(sensortest.New(), quietLogger(), nil)
	if err := host.Prepare(ctx, models.EMOM); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	life := lifecycle.New(20*time.Millisecond, host.Resident, func() { host.Release() }, quietLogger())
	defer life.Stop()
	life.Attach()
	life.Detach()
	time.Sleep(80 * time.Millisecond)

	select {
	case <-life.Released():
		t.Fatal("host released with a prepared session")
	default:
	}
	if host.Current() == nil {
		t.Fatal("prepared controller dropped")
	}
	if s := host.Snapshot(); s.Phase != models.Ready {
		t.Errorf("phase = %s, want ready", s.Phase)
	}

	if err := host.Start(ctx, models.EMOM, models.WorkoutConfiguration{Active: secs(60), Rounds: 3}); err != nil {
		t.Fatalf("Start after grace: %v", err)
	}
	if s := host.Snapshot(); s.Phase != models.Active {
		t.Errorf("phase after start = %s, want active", s.Phase)
	}
	host.End(ctx)
}

// TestReleaseOnlyWithoutSession verifies Release refuses every open phase and
// drops an ended controller.
func TestReleaseOnlyWithoutSession(t *testing.T) {
	ctx := context.Background()
	host := NewHost(sensortest.New(), quietLogger(), nil)

	if !host.Release() {
		t.Error("Release with no controller = false, want true")
	}
	if err := host.Prepare(ctx, models.AMRAP); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if host.Release() || !host.Resident() {
		t.Fatal("ready session released")
	}
	if err := host.Start(ctx, models.AMRAP, models.WorkoutConfiguration{Active: secs(600), Rounds: 1}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := host.Pause(ctx); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if host.Release() {
		t.Fatal("paused session released")
	}
	if err := host.End(ctx); err != nil {
		t.Fatalf("End: %v", err)
	}
	if host.Resident() {
		t.Error("ended session still resident")
	}
	if !host.Release() {
		t.Fatal("Release after end = false, want true")
	}
	if host.Current() != nil {
		t.Error("controller kept after release")
	}
	if s := host.Snapshot(); s.Phase != models.Idle {
		t.Errorf("phase after release = %s, want idle", s.Phase)
	}
}

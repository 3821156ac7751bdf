package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/claude/wodtimer/internal/models"
	"github.com/claude/wodtimer/internal/sensor"
)

// PreferenceStore keeps the last-used workout settings.
type PreferenceStore interface {
	SavePreferences(ctx context.Context, p models.Preferences) error
}

// Ownership is the sensing subsystem's view of who holds a session.
type Ownership struct {
	InProgress   bool `json:"in_progress"`
	OwnedByOther bool `json:"owned_by_other"`
}

type userKey struct{}

// ContextWithUser attaches the acting user's login to ctx.
func ContextWithUser(ctx context.Context, login string) context.Context {
	return context.WithValue(ctx, userKey{}, login)
}

// UserFromContext returns the login set by ContextWithUser.
func UserFromContext(ctx context.Context) string {
	login, _ := ctx.Value(userKey{}).(string)
	return login
}

// Host holds the current controller and replaces it once a session has
// ended, so every session gets a fresh controller. All controllers publish
// through the host's publisher; observers subscribe once.
type Host struct {
	client sensor.Client
	log    *slog.Logger
	prefs  PreferenceStore
	opts   []Option
	pub    *Publisher
	now    func() time.Time

	// cmdMu keeps Release from dropping a controller between its creation
	// and its first command.
	cmdMu sync.Mutex

	mu      sync.Mutex
	current *Controller
}

// NewHost returns a host. prefs may be nil.
func NewHost(client sensor.Client, log *slog.Logger, prefs PreferenceStore, opts ...Option) *Host {
	return &Host{
		client: client,
		log:    log,
		prefs:  prefs,
		opts:   opts,
		pub:    NewPublisher(),
		now:    time.Now,
	}
}

// Publisher returns the publisher shared by all of the host's controllers.
func (h *Host) Publisher() *Publisher {
	return h.pub
}

// Current returns the current controller, or nil before the first session.
func (h *Host) Current() *Controller {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// fresh returns the current controller, replacing it first if it has ended.
func (h *Host) fresh(ctx context.Context) *Controller {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current == nil || h.current.Snapshot().Phase == models.Ended {
		opts := append([]Option{WithPublisher(h.pub)}, h.opts...)
		if login := UserFromContext(ctx); login != "" {
			opts = append(opts, WithUser(login))
		}
		h.current = NewController(h.client, h.log, opts...)
	}
	return h.current
}

func (h *Host) active() (*Controller, error) {
	c := h.Current()
	if c == nil {
		return nil, fmt.Errorf("%w: no session", ErrInvalidTransition)
	}
	return c, nil
}

// Prepare warms up a new session.
func (h *Host) Prepare(ctx context.Context, wt models.WorkoutType) error {
	h.cmdMu.Lock()
	defer h.cmdMu.Unlock()
	return h.fresh(ctx).Prepare(ctx, wt)
}

// Start starts a session, preparing one first when none is waiting. The
// settings are saved as preferences once the session is running.
func (h *Host) Start(ctx context.Context, wt models.WorkoutType, cfg models.WorkoutConfiguration) error {
	h.cmdMu.Lock()
	defer h.cmdMu.Unlock()
	c := h.fresh(ctx)
	if c.Snapshot().Phase == models.Idle {
		if err := c.Prepare(ctx, wt); err != nil {
			return err
		}
	}
	if err := c.Start(ctx, wt, cfg); err != nil {
		return err
	}
	if h.prefs != nil {
		p := models.Preferences{UserLogin: UserFromContext(ctx), WorkoutType: wt, Configuration: cfg, UpdatedAt: h.now().UTC()}
		if err := h.prefs.SavePreferences(ctx, p); err != nil {
			h.log.Warn("saving preferences", "error", err)
		}
	}
	return nil
}

// Pause pauses the current session.
func (h *Host) Pause(ctx context.Context) error {
	c, err := h.active()
	if err != nil {
		return err
	}
	return c.Pause(ctx)
}

// Resume resumes the current session.
func (h *Host) Resume(ctx context.Context) error {
	c, err := h.active()
	if err != nil {
		return err
	}
	return c.Resume(ctx)
}

// MarkRound records a manual round on the current session.
func (h *Host) MarkRound(ctx context.Context) error {
	c, err := h.active()
	if err != nil {
		return err
	}
	return c.MarkRound(ctx)
}

// End ends the current session.
func (h *Host) End(ctx context.Context) error {
	c, err := h.active()
	if err != nil {
		return err
	}
	return c.End(ctx)
}

// Snapshot returns the current session state, or an idle state before the
// first session.
func (h *Host) Snapshot() models.SessionState {
	if c := h.Current(); c != nil {
		return c.Snapshot()
	}
	return h.pub.Latest()
}

// Subscribe observes snapshots across sessions.
func (h *Host) Subscribe() (<-chan models.SessionState, func()) {
	return h.pub.Subscribe()
}

// SubscribeCues observes acted-on derived events across sessions.
func (h *Host) SubscribeCues() (<-chan Cue, func()) {
	return h.pub.SubscribeCues()
}

// Resident reports whether the host holds a session that must stay loaded:
// one that is prepared, running or still ending.
func (h *Host) Resident() bool {
	c := h.Current()
	return c != nil && c.Snapshot().Phase.Open()
}

// Ownership asks the sensing subsystem whether a session is running and
// whether another client owns it. Callers check it before Start.
func (h *Host) Ownership(ctx context.Context) (Ownership, error) {
	inProgress, err := h.client.IsSessionInProgress(ctx)
	if err != nil {
		return Ownership{}, fmt.Errorf("checking session in progress: %w", err)
	}
	owned, err := h.client.IsOwnedByAnotherClient(ctx)
	if err != nil {
		return Ownership{}, fmt.Errorf("checking session owner: %w", err)
	}
	return Ownership{InProgress: inProgress, OwnedByOther: owned}, nil
}

// Release drops an idle or ended controller and publishes an idle snapshot.
// It reports false while a session is prepared, running or ending.
func (h *Host) Release() bool {
	h.cmdMu.Lock()
	defer h.cmdMu.Unlock()
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current != nil && h.current.Snapshot().Phase.Open() {
		return false
	}
	h.current = nil
	h.pub.Publish(models.SessionState{Phase: models.Idle, Availability: models.AvailabilityUnknown})
	return true
}

// Shutdown ends an in-progress session.
func (h *Host) Shutdown(ctx context.Context) error {
	c := h.Current()
	if c == nil || !c.Snapshot().Phase.InProgress() {
		return nil
	}
	if err := c.End(ctx); err != nil && !errors.Is(err, ErrSessionEnded) {
		return fmt.Errorf("ending session on shutdown: %w", err)
	}
	return nil
}

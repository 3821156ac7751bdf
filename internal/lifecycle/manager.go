// Package lifecycle keeps the session host resident while observers come and
// go. The host is released only after the last observer has been gone for a
// grace period and no session is in progress.
package lifecycle

import (
	"log/slog"
	"sync"
	"time"
)

// Manager counts attached observers and arms a release timer when none
// remain.
type Manager struct {
	grace   time.Duration
	active  func() bool
	release func()
	log     *slog.Logger

	mu       sync.Mutex
	attached int
	timer    *time.Timer
	gen      uint64
	released chan struct{}
	once     sync.Once
}

// New returns a manager. active reports whether a session is in progress;
// release runs when the grace period passes with nothing attached and no
// session. Nothing is armed until the first Detach, SessionEnded or Arm.
func New(grace time.Duration, active func() bool, release func(), log *slog.Logger) *Manager {
	return &Manager{
		grace:    grace,
		active:   active,
		release:  release,
		log:      log,
		released: make(chan struct{}),
	}
}

// Attach registers an observer and cancels any pending release.
func (m *Manager) Attach() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attached++
	m.cancelLocked()
}

// Detach unregisters an observer. When the last one leaves and no session is
// in progress, the release timer starts.
func (m *Manager) Detach() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attached > 0 {
		m.attached--
	}
	if m.attached == 0 {
		m.armLocked()
	}
}

// SessionEnded re-arms the timer if the session ended with nothing attached.
func (m *Manager) SessionEnded() {
	m.Arm()
}

// Arm starts the release timer if nothing is attached.
func (m *Manager) Arm() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attached == 0 {
		m.armLocked()
	}
}

// Attached returns the number of attached observers.
func (m *Manager) Attached() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attached
}

// Pending reports whether a release timer is armed.
func (m *Manager) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timer != nil
}

// Released is closed after the first release.
func (m *Manager) Released() <-chan struct{} {
	return m.released
}

// Stop cancels any pending release.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelLocked()
}

func (m *Manager) armLocked() {
	if m.active != nil && m.active() {
		return
	}
	m.cancelLocked()
	gen := m.gen
	m.timer = time.AfterFunc(m.grace, func() { m.fire(gen) })
	m.log.Debug("release timer armed", "grace", m.grace)
}

func (m *Manager) cancelLocked() {
	// Bumping gen makes a timer that already fired a no-op.
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) fire(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.attached > 0 {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	if m.active != nil && m.active() {
		m.mu.Unlock()
		return
	}
	m.gen++
	m.mu.Unlock()

	m.log.Info("no observers and no session, releasing", "grace", m.grace)
	if m.release != nil {
		m.release()
	}
	m.once.Do(func() { close(m.released) })
}

package session

import (
	"sync"

	"github.com/claude/wodtimer/internal/models"
)

// Cue is a derived event that was acted on, for presentation collaborators
// (haptics, notifications). Cues are delivered best effort.
type Cue struct {
	Event models.DerivedEvent `json:"event"`
	State models.SessionState `json:"state"`
}

const cueBuffer = 32

// Publisher multicasts session snapshots. Each subscriber holds only the
// latest snapshot; a slow subscriber skips intermediate ones but always sees
// the newest.
type Publisher struct {
	mu     sync.Mutex
	latest models.SessionState
	subs   map[chan models.SessionState]struct{}
	cues   map[chan Cue]struct{}
}

// NewPublisher returns a publisher whose initial snapshot is an idle session.
func NewPublisher() *Publisher {
	return &Publisher{
		latest: models.SessionState{Phase: models.Idle, Availability: models.AvailabilityUnknown},
		subs:   make(map[chan models.SessionState]struct{}),
		cues:   make(map[chan Cue]struct{}),
	}
}

// Publish replaces the latest snapshot and offers it to every subscriber.
func (p *Publisher) Publish(s models.SessionState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latest = s
	for ch := range p.subs {
		select {
		case ch <- s.Clone():
			continue
		default:
		}
		// Replace the stale value nobody has read yet.
		select {
		case <-ch:
		default:
		}
		ch <- s.Clone()
	}
}

// Latest returns the most recently published snapshot.
func (p *Publisher) Latest() models.SessionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest.Clone()
}

// Subscribe returns a channel primed with the latest snapshot and a function
// that unsubscribes and closes the channel.
func (p *Publisher) Subscribe() (<-chan models.SessionState, func()) {
	ch := make(chan models.SessionState, 1)
	p.mu.Lock()
	ch <- p.latest.Clone()
	p.subs[ch] = struct{}{}
	p.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, ch)
			close(ch)
			p.mu.Unlock()
		})
	}
}

// PublishCue offers a cue to cue subscribers, dropping it for any whose
// buffer is full.
func (p *Publisher) PublishCue(c Cue) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ch := range p.cues {
		select {
		case ch <- c:
		default:
		}
	}
}

// SubscribeCues returns a buffered cue channel and its unsubscribe function.
func (p *Publisher) SubscribeCues() (<-chan Cue, func()) {
	ch := make(chan Cue, cueBuffer)
	p.mu.Lock()
	p.cues[ch] = struct{}{}
	p.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.cues, ch)
			close(ch)
			p.mu.Unlock()
		})
	}
}

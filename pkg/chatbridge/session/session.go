// Package session tracks the authentication lifecycle of the chat account:
// unauthenticated → QR pending → ready. It is the single source of truth the
// message relay and the QR web surface consult, so "QR shown" and "already
// logged in" can never disagree.
package session

import (
	"log/slog"
	"sync"
	"time"
)

// Phase is the coarse lifecycle phase.
type Phase string

const (
	Unauthenticated Phase = "unauthenticated"
	QRPending       Phase = "qr_pending"
	Ready           Phase = "ready"
)

// Snapshot is an immutable view of the session state.
type Snapshot struct {
	Phase Phase `json:"state"`

	// Challenge is the pending QR payload (QRPending only).
	Challenge string `json:"-"`

	// SelfID is the logged-in identity (Ready only).
	SelfID string `json:"self_id,omitempty"`

	// ChallengeAt is when the current challenge was received.
	ChallengeAt time.Time `json:"challenge_at,omitempty"`

	// ReadyAt is when the session became ready.
	ReadyAt time.Time `json:"ready_at,omitempty"`

	// Challenges counts how many challenges were received so far.
	Challenges int `json:"challenges"`
}

// Controller owns the process-wide session state. It is created once at
// startup and passed by pointer to its consumers.
type Controller struct {
	logger *slog.Logger

	mu    sync.RWMutex
	state Snapshot

	observersMu sync.Mutex
	observers   []chan Snapshot
}

// New creates a Controller in the Unauthenticated phase.
func New(logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		logger: logger.With("component", "session"),
		state:  Snapshot{Phase: Unauthenticated},
	}
}

// OnChallenge records a new login challenge. Each call overwrites the
// previous challenge. Challenges received after login are ignored.
func (c *Controller) OnChallenge(qr string) {
	c.mu.Lock()
	if c.state.Phase == Ready {
		c.mu.Unlock()
		c.logger.Debug("ignoring QR challenge, session already ready")
		return
	}
	c.state.Phase = QRPending
	c.state.Challenge = qr
	c.state.ChallengeAt = time.Now()
	c.state.Challenges++
	snap := c.state
	c.mu.Unlock()

	c.logger.Info("QR challenge received", "attempt", snap.Challenges)
	c.notify(snap)
}

// OnAuthenticated moves the session to Ready. The transition happens once;
// repeated calls are logged and leave the original identity in place.
func (c *Controller) OnAuthenticated(selfID string) {
	c.mu.Lock()
	if c.state.Phase == Ready {
		current := c.state.SelfID
		c.mu.Unlock()
		if current == selfID {
			c.logger.Warn("duplicate ready signal from collaborator", "self_id", selfID)
		} else {
			c.logger.Warn("ready signal with a different identity ignored",
				"self_id", current, "received", selfID)
		}
		return
	}
	c.state.Phase = Ready
	c.state.SelfID = selfID
	c.state.Challenge = ""
	c.state.ReadyAt = time.Now()
	snap := c.state
	c.mu.Unlock()

	c.logger.Info("session ready", "self_id", selfID)
	c.notify(snap)
}

// CurrentChallenge returns the pending challenge, if any.
func (c *Controller) CurrentChallenge() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state.Phase != QRPending {
		return "", false
	}
	return c.state.Challenge, true
}

// IsReady reports whether the session is authenticated.
func (c *Controller) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Phase == Ready
}

// SelfID returns the authenticated identity, if ready.
func (c *Controller) SelfID() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state.Phase != Ready {
		return "", false
	}
	return c.state.SelfID, true
}

// State returns a snapshot of the current state.
func (c *Controller) State() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// ---------- Observers ----------

// Subscribe registers an observer that receives a snapshot on every state
// change. The current state is replayed immediately. Returns an
// unsubscribe function.
func (c *Controller) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 8)

	c.observersMu.Lock()
	c.observers = append(c.observers, ch)
	ch <- c.State()
	c.observersMu.Unlock()

	return ch, func() {
		c.observersMu.Lock()
		defer c.observersMu.Unlock()
		for i, obs := range c.observers {
			if obs == ch {
				c.observers = append(c.observers[:i], c.observers[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

// notify sends a snapshot to all observers without blocking.
func (c *Controller) notify(snap Snapshot) {
	c.observersMu.Lock()
	defer c.observersMu.Unlock()

	for _, ch := range c.observers {
		select {
		case ch <- snap:
		default:
			// Observer too slow, skip.
		}
	}
}

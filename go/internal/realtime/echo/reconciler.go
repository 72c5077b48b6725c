package echo

import (
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/mathduel/go/internal/realtime/events"
)

// DefaultTTL bounds how long an unconfirmed local action waits for its echo
const DefaultTTL = 30 * time.Second

// NewClientID returns a fresh id for a locally originated action
func NewClientID() string {
	return uuid.New().String()
}

// Reconciler tracks locally originated actions awaiting their server echo on one channel.
// It is owned by a single session goroutine and is not safe for concurrent use.
type Reconciler struct {
	clock   clockwork.Clock
	ttl     time.Duration
	pending map[string]time.Time
}

// NewReconciler creates a reconciler. A nil clock uses the real clock; ttl <= 0 uses DefaultTTL.
func NewReconciler(clock clockwork.Clock, ttl time.Duration) *Reconciler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Reconciler{
		clock:   clock,
		ttl:     ttl,
		pending: make(map[string]time.Time),
	}
}

// MarkPending records clientID as applied optimistically
func (r *Reconciler) MarkPending(clientID string) {
	if clientID == "" {
		return
	}
	r.Expire()
	r.pending[clientID] = r.clock.Now()
}

// Reconcile reports whether env is the echo of a pending action. A match is consumed, so a second
// frame with the same client id is applied normally.
func (r *Reconciler) Reconcile(env events.Envelope) bool {
	r.Expire()
	if env.ClientID == "" {
		return false
	}
	if _, ok := r.pending[env.ClientID]; !ok {
		return false
	}
	delete(r.pending, env.ClientID)
	return true
}

// Expire drops entries older than the TTL and returns how many were dropped.
// An expired entry counts as resolved: the optimistic state stands.
func (r *Reconciler) Expire() int {
	now := r.clock.Now()
	dropped := 0
	for id, issuedAt := range r.pending {
		if now.Sub(issuedAt) >= r.ttl {
			delete(r.pending, id)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of live pending entries
func (r *Reconciler) Len() int {
	r.Expire()
	return len(r.pending)
}

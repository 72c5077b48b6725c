package echo

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"

	"github.com/mcdev12/mathduel/go/internal/realtime/events"
)

func chatEcho(clientID string) events.Envelope {
	return events.Envelope{
		Kind:     events.KindChat,
		ClientID: clientID,
		Payload:  events.ChatPayload{Message: "hello", ClientID: clientID},
	}
}

func TestReconcile_SuppressesExactlyOnce(t *testing.T) {
	r := NewReconciler(clockwork.NewFakeClock(), 0)

	r.MarkPending("c1")
	assert.Equal(t, 1, r.Len())

	assert.True(t, r.Reconcile(chatEcho("c1")))
	assert.False(t, r.Reconcile(chatEcho("c1")))
	assert.Equal(t, 0, r.Len())
}

func TestReconcile_ForeignAndEmptyIDs(t *testing.T) {
	r := NewReconciler(clockwork.NewFakeClock(), 0)
	r.MarkPending("c1")
	r.MarkPending("")

	assert.False(t, r.Reconcile(chatEcho("c2")))
	assert.False(t, r.Reconcile(chatEcho("")))
	assert.Equal(t, 1, r.Len())
}

func TestExpire_DropsAfterTTL(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := NewReconciler(clock, 30*time.Second)

	r.MarkPending("old")
	clock.Advance(20 * time.Second)
	r.MarkPending("new")

	clock.Advance(10 * time.Second)
	assert.Equal(t, 1, r.Expire())
	assert.Equal(t, 1, r.Len())

	// a late echo for an expired id is applied normally
	assert.False(t, r.Reconcile(chatEcho("old")))
	assert.True(t, r.Reconcile(chatEcho("new")))
}

func TestNewClientID(t *testing.T) {
	a, b := NewClientID(), NewClientID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

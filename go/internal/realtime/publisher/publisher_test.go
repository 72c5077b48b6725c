package publisher

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	target string
	value  string
}

func newTestPublisher(t *testing.T) (*Publisher, *clockwork.FakeClock, chan sent) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	out := make(chan sent, 16)
	p := New(clock, 0, func(target, value string) { out <- sent{target, value} })
	t.Cleanup(p.Stop)
	return p, clock, out
}

func expectSend(t *testing.T, out <-chan sent) sent {
	t.Helper()
	select {
	case s := <-out:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("expected a send")
		return sent{}
	}
}

func expectNoSend(t *testing.T, out <-chan sent) {
	t.Helper()
	select {
	case s := <-out:
		t.Fatalf("unexpected send %+v", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPush_OnlyLatestValueAfterQuietWindow(t *testing.T) {
	p, clock, out := newTestPublisher(t)

	p.Push("r1", "1")
	clock.Advance(100 * time.Millisecond)
	p.Push("r1", "1+")
	clock.Advance(200 * time.Millisecond)
	p.Push("r1", "1+2")

	// 240ms after the last keystroke nothing has gone out
	clock.Advance(240 * time.Millisecond)
	expectNoSend(t, out)

	clock.Advance(10 * time.Millisecond)
	assert.Equal(t, sent{"r1", "1+2"}, expectSend(t, out))
	expectNoSend(t, out)
	assert.False(t, p.Pending("r1"))
}

func TestPush_BlankValueNotSent(t *testing.T) {
	p, clock, out := newTestPublisher(t)

	p.Push("r1", "1+2")
	p.Push("r1", "   ")
	clock.Advance(DefaultWindow)
	expectNoSend(t, out)
}

func TestCancel_PreventsStaleSend(t *testing.T) {
	p, clock, out := newTestPublisher(t)

	p.Push("r1", "7*3")
	require.True(t, p.Pending("r1"))
	p.Cancel("r1")

	clock.Advance(time.Second)
	expectNoSend(t, out)
}

func TestTargetsAreIndependent(t *testing.T) {
	p, clock, out := newTestPublisher(t)

	p.Push("a", "1")
	clock.Advance(200 * time.Millisecond)
	p.Push("b", "2")

	clock.Advance(50 * time.Millisecond)
	assert.Equal(t, sent{"a", "1"}, expectSend(t, out))

	clock.Advance(200 * time.Millisecond)
	assert.Equal(t, sent{"b", "2"}, expectSend(t, out))
}

func TestStop_CancelsEverything(t *testing.T) {
	p, clock, out := newTestPublisher(t)

	p.Push("a", "1")
	p.Push("b", "2")
	p.Stop()
	p.Push("c", "3")

	clock.Advance(time.Second)
	expectNoSend(t, out)
	assert.False(t, p.Pending("c"))
}

package deadline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompute(t *testing.T) {
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	deadline := base.Add(90*time.Second + 700*time.Millisecond)

	tests := []struct {
		name string
		now  time.Time
		want Remaining
	}{
		{"floors partial seconds", base, Remaining{Seconds: 90, Known: true}},
		{"just before", deadline.Add(-time.Millisecond), Remaining{Seconds: 0, Known: true}},
		{"at deadline", deadline, Remaining{Seconds: 0, Known: true}},
		{"long after", deadline.Add(time.Hour), Remaining{Seconds: 0, Known: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Compute(&deadline, tt.now))
			assert.Equal(t, Compute(&deadline, tt.now), Compute(&deadline, tt.now))
		})
	}
}

func TestCompute_UnknownIsNotZero(t *testing.T) {
	r := Compute(nil, time.Now())
	assert.Equal(t, Unknown, r)
	assert.False(t, r.Known)
	assert.False(t, r.Expired())
	assert.Equal(t, "-", r.String())

	data, err := json.Marshal(r)
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))

	zero := time.Time{}
	assert.Equal(t, Unknown, Compute(&zero, time.Now()))
}

func TestRemainingString(t *testing.T) {
	assert.Equal(t, "01:05", Remaining{Seconds: 65, Known: true}.String())
	assert.Equal(t, "00:00", Remaining{Known: true}.String())
	assert.True(t, Remaining{Known: true}.Expired())
}

func TestClockRun_RecomputesFromDeadline(t *testing.T) {
	fake := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
	deadline := fake.Now().Add(3 * time.Second)
	c := NewClock(fake)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticks := make(chan Remaining, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx, func(now time.Time) { ticks <- Compute(&deadline, now) })
	}()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, fake.BlockUntilContext(waitCtx, 1))

	fake.Advance(time.Second)
	assert.Equal(t, Remaining{Seconds: 2, Known: true}, <-ticks)

	// a stalled ticker catches up from the absolute deadline instead of decrementing
	fake.Advance(5 * time.Second)
	for {
		select {
		case r := <-ticks:
			assert.True(t, r.Known)
			assert.GreaterOrEqual(t, r.Seconds, 0)
			if r.Seconds == 0 {
				cancel()
				<-done
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatal("deadline never reached zero")
		}
	}
}

func TestClockRemaining(t *testing.T) {
	fake := clockwork.NewFakeClock()
	deadline := fake.Now().Add(1500 * time.Millisecond)
	c := NewClock(fake)

	assert.Equal(t, Remaining{Seconds: 1, Known: true}, c.Remaining(&deadline))
	fake.Advance(2 * time.Second)
	assert.True(t, c.Remaining(&deadline).Expired())
}

func TestClockRun_StopsOnCancel(t *testing.T) {
	c := NewClock(clockwork.NewFakeClock())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx, func(time.Time) {})
	}()

	cancel()
	<-done
}

package deadline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

// TickInterval is how often a running Clock recomputes the remaining time
const TickInterval = time.Second

// Remaining is whole seconds left until a deadline. Known is false when there is no deadline.
type Remaining struct {
	Seconds int
	Known   bool
}

// Unknown is the value for an absent deadline
var Unknown = Remaining{}

// Compute returns max(0, floor((deadline-now)/1s)). It is always derived from the absolute deadline
// so missed ticks never accumulate drift.
func Compute(deadline *time.Time, now time.Time) Remaining {
	if deadline == nil || deadline.IsZero() {
		return Unknown
	}
	left := deadline.Sub(now)
	if left <= 0 {
		return Remaining{Seconds: 0, Known: true}
	}
	return Remaining{Seconds: int(left / time.Second), Known: true}
}

// Expired reports a known deadline that has passed
func (r Remaining) Expired() bool {
	return r.Known && r.Seconds == 0
}

// String renders mm:ss, or "-" when unknown
func (r Remaining) String() string {
	if !r.Known {
		return "-"
	}
	return fmt.Sprintf("%02d:%02d", r.Seconds/60, r.Seconds%60)
}

func (r Remaining) MarshalJSON() ([]byte, error) {
	if !r.Known {
		return []byte("null"), nil
	}
	return json.Marshal(r.Seconds)
}

// Clock recomputes the remaining time on a fixed tick
type Clock struct {
	clock clockwork.Clock
}

// NewClock creates a deadline clock. A nil clock uses the real clock.
func NewClock(clock clockwork.Clock) *Clock {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Clock{clock: clock}
}

// Remaining computes the remaining time for deadline at the current instant
func (c *Clock) Remaining(deadline *time.Time) Remaining {
	return Compute(deadline, c.clock.Now())
}

// Run calls onTick every TickInterval with the current instant until ctx is done
func (c *Clock) Run(ctx context.Context, onTick func(now time.Time)) {
	ticker := c.clock.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			onTick(c.clock.Now())
		}
	}
}

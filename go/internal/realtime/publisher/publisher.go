package publisher

import (
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// DefaultWindow is the debounce window applied to every target
const DefaultWindow = 250 * time.Millisecond

// SendFunc delivers the settled value for a target. It runs on a timer goroutine.
type SendFunc func(target, value string)

// Publisher coalesces rapid edits per target into one send of the latest value once the
// target has been quiet for a full window.
type Publisher struct {
	clock  clockwork.Clock
	window time.Duration
	send   SendFunc

	mu      sync.Mutex
	pending map[string]*pendingSend
	gen     uint64
	stopped bool
	wg      sync.WaitGroup
}

type pendingSend struct {
	value  string
	gen    uint64
	timer  clockwork.Timer
	cancel chan struct{}
}

// New creates a publisher. A nil clock uses the real clock; window <= 0 uses DefaultWindow.
func New(clock clockwork.Clock, window time.Duration, send SendFunc) *Publisher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Publisher{
		clock:   clock,
		window:  window,
		send:    send,
		pending: make(map[string]*pendingSend),
	}
}

// Push records value as the latest for target and restarts its window
func (p *Publisher) Push(target, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return
	}
	p.cancelLocked(target)

	p.gen++
	ps := &pendingSend{
		value:  value,
		gen:    p.gen,
		timer:  p.clock.NewTimer(p.window),
		cancel: make(chan struct{}),
	}
	p.pending[target] = ps

	p.wg.Add(1)
	go p.wait(target, ps)
}

func (p *Publisher) wait(target string, ps *pendingSend) {
	defer p.wg.Done()

	select {
	case <-ps.timer.Chan():
	case <-ps.cancel:
		return
	}

	p.mu.Lock()
	current, ok := p.pending[target]
	if !ok || current.gen != ps.gen || p.stopped {
		p.mu.Unlock()
		return
	}
	delete(p.pending, target)
	p.mu.Unlock()

	if strings.TrimSpace(ps.value) == "" {
		log.Debug().Str("target", target).Msg("skipping blank input publish")
		return
	}
	p.send(target, ps.value)
}

// Cancel drops a pending send for target without sending it
func (p *Publisher) Cancel(target string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelLocked(target)
}

func (p *Publisher) cancelLocked(target string) {
	ps, ok := p.pending[target]
	if !ok {
		return
	}
	stopAndDrainTimer(ps.timer)
	close(ps.cancel)
	delete(p.pending, target)
}

// Pending reports whether target has a send waiting for its window to expire
func (p *Publisher) Pending(target string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.pending[target]
	return ok
}

// Stop cancels every pending send and waits for timer goroutines to exit. Push after Stop is a no-op.
func (p *Publisher) Stop() {
	p.mu.Lock()
	p.stopped = true
	for target := range p.pending {
		p.cancelLocked(target)
	}
	p.mu.Unlock()

	p.wg.Wait()
}

func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}

package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotOpen          = errors.New("connection is not open")
	ErrClosed           = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("send buffer full")
	errConnectionClosed = errors.New("transport closed by peer")
)

// Channel identifies one logical push stream
type Channel struct {
	ID        string
	Kind      string // "lobby" or "room"
	Endpoint  string
	AuthToken string
}

func (c Channel) String() string {
	if c.ID == "" {
		return c.Kind
	}
	return c.Kind + "/" + c.ID
}

// State is the lifecycle state of a channel's transport
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is delivered to subscribers on every state change
type Status struct {
	State   State
	Attempt int
	RetryIn time.Duration // set when a reconnect has been scheduled
	Err     error
}

// Conn is one live transport
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Pinger is implemented by transports that need application-driven keepalives
type Pinger interface {
	Ping() error
}

// Dialer establishes a transport for a channel
type Dialer interface {
	Dial(ctx context.Context, ch Channel) (Conn, error)
}

// Config holds reconnect and buffering settings
type Config struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	PingInterval time.Duration
	SendBuffer   int
	FrameBuffer  int
	Clock        clockwork.Clock
}

// DefaultConfig returns the reconnect policy used by sessions
func DefaultConfig() Config {
	return Config{
		BaseDelay:    500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		PingInterval: 30 * time.Second,
		SendBuffer:   64,
		FrameBuffer:  256,
		Clock:        clockwork.NewRealClock(),
	}
}

// BackoffDelay returns min(maxDelay, base*attempt) for attempt >= 1
func BackoffDelay(base, maxDelay time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if maxDelay > 0 && base > 0 && time.Duration(attempt) > maxDelay/base {
		return maxDelay
	}
	delay := base * time.Duration(attempt)
	if maxDelay > 0 && delay > maxDelay {
		return maxDelay
	}
	return delay
}

// Manager opens reconnecting handles through a Dialer
type Manager struct {
	dialer Dialer
	config Config
}

// NewManager creates a connection manager
func NewManager(dialer Dialer, config Config) *Manager {
	defaults := DefaultConfig()
	if config.BaseDelay <= 0 {
		config.BaseDelay = defaults.BaseDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = defaults.MaxDelay
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = defaults.SendBuffer
	}
	if config.FrameBuffer <= 0 {
		config.FrameBuffer = defaults.FrameBuffer
	}
	if config.Clock == nil {
		config.Clock = defaults.Clock
	}
	return &Manager{dialer: dialer, config: config}
}

// Handle is the caller's side of one channel. Exactly one transport is live per handle.
type Handle struct {
	channel Channel
	dialer  Dialer
	config  Config

	frames chan []byte
	send   chan []byte

	mu          sync.Mutex
	state       State
	closed      bool
	subscribers map[int]func(Status)
	nextSubID   int

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Open starts connecting in the background and returns immediately. Transport failures never surface
// here: they drive the reconnect loop until Close is called or ctx is cancelled. Subscribers passed here
// see every status from the first dial on.
func (m *Manager) Open(ctx context.Context, ch Channel, subscribers ...func(Status)) *Handle {
	runCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		channel:     ch,
		dialer:      m.dialer,
		config:      m.config,
		frames:      make(chan []byte, m.config.FrameBuffer),
		send:        make(chan []byte, m.config.SendBuffer),
		state:       StateDisconnected,
		subscribers: make(map[int]func(Status)),
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	for _, fn := range subscribers {
		h.subscribers[h.nextSubID] = fn
		h.nextSubID++
	}
	go h.run(runCtx)
	return h
}

// Channel returns the channel this handle serves
func (h *Handle) Channel() Channel { return h.channel }

// Frames delivers inbound frames in arrival order
func (h *Handle) Frames() <-chan []byte { return h.frames }

// Done is closed once the handle has fully torn down
func (h *Handle) Done() <-chan struct{} { return h.done }

// State returns the current connection state
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Subscribe registers fn for status changes. fn runs on the connection goroutine and must not block.
func (h *Handle) Subscribe(fn func(Status)) (unsubscribe func()) {
	h.mu.Lock()
	id := h.nextSubID
	h.nextSubID++
	h.subscribers[id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.subscribers, id)
		h.mu.Unlock()
	}
}

// Send queues a frame for the live transport
func (h *Handle) Send(frame []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}
	if h.state != StateOpen {
		return ErrNotOpen
	}
	select {
	case h.send <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close tears the transport down and cancels any pending reconnect. It is terminal and idempotent.
func (h *Handle) Close() {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()
		h.cancel()
	})
	<-h.done
}

func (h *Handle) setState(status Status) {
	h.mu.Lock()
	h.state = status.State
	subs := make([]func(Status), 0, len(h.subscribers))
	for _, fn := range h.subscribers {
		subs = append(subs, fn)
	}
	h.mu.Unlock()

	for _, fn := range subs {
		fn(status)
	}
}

func (h *Handle) run(ctx context.Context) {
	defer close(h.done)

	logger := log.With().Str("channel", h.channel.String()).Logger()
	attempt := 0

	for {
		h.setState(Status{State: StateConnecting, Attempt: attempt})

		conn, err := h.dialer.Dial(ctx, h.channel)
		if err == nil {
			attempt = 0
			h.setState(Status{State: StateOpen})
			logger.Info().Msg("channel connected")

			err = h.serve(ctx, conn)
		}

		if ctx.Err() != nil {
			h.setState(Status{State: StateClosing})
			h.setState(Status{State: StateDisconnected})
			logger.Info().Msg("channel closed")
			return
		}

		attempt++
		delay := BackoffDelay(h.config.BaseDelay, h.config.MaxDelay, attempt)
		h.setState(Status{State: StateDisconnected, Attempt: attempt, RetryIn: delay, Err: err})
		logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("channel disconnected, scheduling reconnect")

		timer := h.config.Clock.NewTimer(delay)
		select {
		case <-timer.Chan():
		case <-ctx.Done():
			stopAndDrainTimer(timer)
			h.setState(Status{State: StateDisconnected})
			logger.Info().Msg("channel closed while waiting to reconnect")
			return
		}
	}
}

// serve pumps frames until the transport fails or ctx is cancelled
func (h *Handle) serve(ctx context.Context, conn Conn) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		return conn.Close()
	})
	g.Go(func() error {
		return h.readPump(gctx, conn)
	})
	g.Go(func() error {
		return h.writePump(gctx, conn)
	})

	return g.Wait()
}

func (h *Handle) readPump(ctx context.Context, conn Conn) error {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}

		select {
		case h.frames <- data:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (h *Handle) writePump(ctx context.Context, conn Conn) error {
	var ping <-chan time.Time
	pinger, canPing := conn.(Pinger)
	if canPing && h.config.PingInterval > 0 {
		ticker := h.config.Clock.NewTicker(h.config.PingInterval)
		defer ticker.Stop()
		ping = ticker.Chan()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case frame := <-h.send:
			if err := conn.WriteMessage(frame); err != nil {
				return fmt.Errorf("write frame: %w", err)
			}

		case <-ping:
			if err := pinger.Ping(); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

// stopAndDrainTimer stops a timer and drains its channel if it already fired
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}

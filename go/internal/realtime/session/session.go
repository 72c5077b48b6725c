package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/mathduel/go/internal/realtime/match"
	"github.com/mcdev12/mathduel/go/internal/realtime/transport"
)

var (
	ErrClosed       = errors.New("session closed")
	ErrEmptyMessage = errors.New("message is empty")
	ErrNotConnected = errors.New("not connected")
)

// RoomAPI is the request/response boundary a room session needs
type RoomAPI interface {
	ActiveMatch(ctx context.Context, roomID string) (*match.Snapshot, error)
	Submit(ctx context.Context, roomID, expression string) error
	PublishInput(ctx context.Context, roomID, expression, clientID string) error
}

// Deps are the collaborators shared by sessions
type Deps struct {
	Transport *transport.Manager
	API       RoomAPI
	Clock     clockwork.Clock
}

func (d Deps) clock() clockwork.Clock {
	if d.Clock == nil {
		return clockwork.NewRealClock()
	}
	return d.Clock
}

// Identity is the authenticated local user
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ConnectionStatus mirrors the transport state for indicators
type ConnectionStatus struct {
	State     transport.State `json:"state"`
	Connected bool            `json:"connected"`
	Attempt   int             `json:"attempt,omitempty"`
	RetryIn   time.Duration   `json:"retry_in,omitempty"`
}

func connectionStatus(s transport.Status) ConnectionStatus {
	return ConnectionStatus{
		State:     s.State,
		Connected: s.State == transport.StateOpen,
		Attempt:   s.Attempt,
		RetryIn:   s.RetryIn,
	}
}

// latest holds the most recent state and hands out latest-wins copies on a one-slot channel.
// Only the session loop writes to it.
type latest[T any] struct {
	mu      sync.RWMutex
	current T
	ch      chan T
}

func newLatest[T any](initial T) *latest[T] {
	return &latest[T]{current: initial, ch: make(chan T, 1)}
}

func (l *latest[T]) set(v T) {
	l.mu.Lock()
	l.current = v
	l.mu.Unlock()

	select {
	case <-l.ch:
	default:
	}
	select {
	case l.ch <- v:
	default:
	}
}

func (l *latest[T]) get() T {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// loop is the lifecycle shared by Lobby and Room: one goroutine owns all mutable state and
// everything else talks to it through inbox.
type loop[M any] struct {
	inbox     chan M
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func newLoop[M any](parent context.Context) *loop[M] {
	ctx, cancel := context.WithCancel(parent)
	return &loop[M]{
		inbox:  make(chan M, 64),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// post delivers msg unless the loop has stopped
func (l *loop[M]) post(msg M) bool {
	select {
	case l.inbox <- msg:
		return true
	case <-l.ctx.Done():
		return false
	}
}

// call posts a request carrying reply and waits for the loop's answer
func call[M any](l *loop[M], msg M, reply chan error) error {
	if !l.post(msg) {
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-l.done:
		return ErrClosed
	}
}

func (l *loop[M]) close() {
	l.closeOnce.Do(l.cancel)
	<-l.done
}

func timerChan(t clockwork.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.Chan()
}

func stopTimer(t clockwork.Timer) {
	if t == nil {
		return
	}
	if !t.Stop() {
		select {
		case <-t.Chan():
		default:
		}
	}
}

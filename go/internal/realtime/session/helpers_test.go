package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/mathduel/go/internal/realtime/match"
	"github.com/mcdev12/mathduel/go/internal/realtime/transport"
)

const waitFor = 2 * time.Second

type fakeConn struct {
	inbound chan []byte
	written chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 64),
		written: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		return nil, errors.New("closed")
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errors.New("closed")
	case c.written <- data:
		return nil
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// push queues a server frame built from fields
func (c *fakeConn) push(t *testing.T, fields map[string]any) {
	t.Helper()
	data, err := json.Marshal(fields)
	require.NoError(t, err)
	c.inbound <- data
}

// queueDialer hands out queued conns in order and refuses to dial once the queue is empty
type queueDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (d *queueDialer) Dial(ctx context.Context, ch transport.Channel) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil, errors.New("connection refused")
	}
	conn := d.conns[0]
	d.conns = d.conns[1:]
	return conn, nil
}

// add queues conn for the next reconnect
func (d *queueDialer) add(conn *fakeConn) {
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
}

func newTestTransport(dialer transport.Dialer) *transport.Manager {
	cfg := transport.DefaultConfig()
	cfg.BaseDelay = 10 * time.Millisecond
	cfg.MaxDelay = 50 * time.Millisecond
	return transport.NewManager(dialer, cfg)
}

type inputCall struct {
	Expression string
	ClientID   string
}

// fakeAPI serves a configurable active match. When gated, ActiveMatch blocks until the test releases it.
type fakeAPI struct {
	mu        sync.Mutex
	snap      *match.Snapshot
	gate      chan struct{}
	fetches   int
	submitErr error
	submitted []string
	inputs    []inputCall
}

func (a *fakeAPI) ActiveMatch(ctx context.Context, roomID string) (*match.Snapshot, error) {
	a.mu.Lock()
	a.fetches++
	gate := a.gate
	a.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.snap == nil {
		return nil, nil
	}
	snap := *a.snap
	return &snap, nil
}

func (a *fakeAPI) Submit(ctx context.Context, roomID, expression string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.submitErr != nil {
		return a.submitErr
	}
	a.submitted = append(a.submitted, expression)
	return nil
}

func (a *fakeAPI) PublishInput(ctx context.Context, roomID, expression, clientID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inputs = append(a.inputs, inputCall{Expression: expression, ClientID: clientID})
	return nil
}

func (a *fakeAPI) setSnapshot(snap *match.Snapshot) {
	a.mu.Lock()
	a.snap = snap
	a.mu.Unlock()
}

func (a *fakeAPI) fetchCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fetches
}

func (a *fakeAPI) publishedInputs() []inputCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]inputCall(nil), a.inputs...)
}

func (a *fakeAPI) submissions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.submitted...)
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func activeSnapshot(playerOne, playerTwo string) *match.Snapshot {
	return &match.Snapshot{
		MatchID:       "m1",
		RoundNumber:   1,
		TargetNumber:  intPtr(24),
		OptimalCost:   intPtr(3),
		CurrentIndex:  0,
		TotalProblems: 5,
		PlayerOneID:   strPtr(playerOne),
		PlayerTwoID:   strPtr(playerTwo),
	}
}

// readWritten returns the next frame the session wrote and decodes it
func readWritten(t *testing.T, conn *fakeConn) map[string]any {
	t.Helper()
	select {
	case data := <-conn.written:
		var out map[string]any
		require.NoError(t, json.Unmarshal(data, &out))
		return out
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a written frame")
		return nil
	}
}

func newFakeClock() *clockwork.FakeClock {
	return clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
}

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/mathduel/go/internal/realtime/api"
	"github.com/mcdev12/mathduel/go/internal/realtime/deadline"
	"github.com/mcdev12/mathduel/go/internal/realtime/echo"
	"github.com/mcdev12/mathduel/go/internal/realtime/events"
	"github.com/mcdev12/mathduel/go/internal/realtime/match"
	"github.com/mcdev12/mathduel/go/internal/realtime/presence"
	"github.com/mcdev12/mathduel/go/internal/realtime/publisher"
	"github.com/mcdev12/mathduel/go/internal/realtime/transport"
)

const (
	DefaultTransitionHold = 5 * time.Second
	DefaultNavigateDelay  = time.Second
)

var ErrSubmitInFlight = errors.New("a submission is already in flight")

// RoomOptions configures a room session
type RoomOptions struct {
	Channel        transport.Channel
	Me             Identity
	EchoTTL        time.Duration
	DebounceWindow time.Duration
	TransitionHold time.Duration
	NavigateDelay  time.Duration

	// OnNavigateAway runs on the session goroutine after the room was closed. It must not block.
	OnNavigateAway func(reason string)
}

// RoomState is an immutable copy of a room session
type RoomState struct {
	Connection ConnectionStatus   `json:"connection"`
	Match      match.State        `json:"match"`
	Roster     []presence.Entry   `json:"roster"`
	Messages   []ChatMessage      `json:"messages"`
	Remaining  deadline.Remaining `json:"remaining_seconds"`
	Status     string             `json:"status,omitempty"`
	Error      string             `json:"error,omitempty"`
	Submitting bool               `json:"submitting"`
	Navigating bool               `json:"navigating"`
}

type roomMsg interface{ isRoomMsg() }

type roomConnStatus struct{ status transport.Status }

type roomSnapshot struct {
	token uint64
	snap  *match.Snapshot
	err   error
}

type roomSendChat struct {
	text  string
	reply chan error
}

type roomEdit struct {
	text  string
	reply chan error
}

type roomSubmit struct{ reply chan error }

type roomSubmitDone struct {
	err   error
	reply chan error
}

type roomPublish struct{ target, value string }

type roomTick struct{ now time.Time }

type roomRefresh struct{}

func (roomConnStatus) isRoomMsg() {}
func (roomSnapshot) isRoomMsg()   {}
func (roomSendChat) isRoomMsg()   {}
func (roomEdit) isRoomMsg()       {}
func (roomSubmit) isRoomMsg()     {}
func (roomSubmitDone) isRoomMsg() {}
func (roomPublish) isRoomMsg()    {}
func (roomTick) isRoomMsg()       {}
func (roomRefresh) isRoomMsg()    {}

// Room is a match room session. One goroutine owns the match machine, roster, pending echoes and
// chat log; network calls run on helper goroutines and report back through the inbox.
type Room struct {
	*loop[roomMsg]

	opts      RoomOptions
	clock     clockwork.Clock
	api       RoomAPI
	handle    *transport.Handle
	logger    zerolog.Logger
	deadlines *deadline.Clock
	inputs    *publisher.Publisher
	wg        sync.WaitGroup

	roster     *presence.Store
	reconciler *echo.Reconciler
	machine    *match.Machine
	chat       chatLog

	conn            ConnectionStatus
	everOpened      bool
	expiredDeadline time.Time
	status          string
	errMessage      string
	submitting      bool
	navigating      bool
	closedReason    string
	settleTimer     clockwork.Timer
	navigateTimer   clockwork.Timer

	state *latest[RoomState]
}

// OpenRoom connects to a room channel, requests the active match and starts the session loop
func OpenRoom(ctx context.Context, deps Deps, opts RoomOptions) *Room {
	clock := deps.clock()
	if opts.Channel.Kind == "" {
		opts.Channel.Kind = "room"
	}
	if opts.TransitionHold <= 0 {
		opts.TransitionHold = DefaultTransitionHold
	}
	if opts.NavigateDelay <= 0 {
		opts.NavigateDelay = DefaultNavigateDelay
	}

	r := &Room{
		loop:      newLoop[roomMsg](ctx),
		opts:      opts,
		clock:     clock,
		api:       deps.API,
		logger:    log.With().Str("channel_id", opts.Channel.String()).Str("user_id", opts.Me.ID).Logger(),
		deadlines: deadline.NewClock(clock),
		roster:    presence.NewStore(),
		state:     newLatest(RoomState{}),
	}
	r.reconciler = echo.NewReconciler(clock, opts.EchoTTL)
	r.chat = chatLog{pending: r.reconciler}
	r.machine = match.NewMachine(match.Config{
		LocalID: opts.Me.ID,
		Store:   r.roster,
		Clock:   clock,
		Hooks: match.Hooks{
			RequestSnapshot:  r.fetchSnapshot,
			OwnershipChanged: r.ownershipChanged,
			RoomClosed:       r.roomClosed,
		},
	})
	r.inputs = publisher.New(clock, opts.DebounceWindow, func(target, value string) {
		r.post(roomPublish{target: target, value: value})
	})
	r.handle = deps.Transport.Open(r.ctx, opts.Channel, func(s transport.Status) {
		r.post(roomConnStatus{status: s})
	})

	go r.run()
	return r
}

func (r *Room) roomID() string { return r.opts.Channel.ID }

// SendChat applies a chat message locally and sends it on the push channel
func (r *Room) SendChat(text string) error {
	reply := make(chan error, 1)
	return call[roomMsg](r.loop, roomSendChat{text: text, reply: reply}, reply)
}

// SetExpression edits the local player's live expression and schedules a debounced publish
func (r *Room) SetExpression(text string) error {
	reply := make(chan error, 1)
	return call[roomMsg](r.loop, roomEdit{text: text, reply: reply}, reply)
}

// Submit submits the local expression and waits for the API response. A successful submission
// only clears the live expression; history follows the server's submission_received.
func (r *Room) Submit() error {
	reply := make(chan error, 1)
	return call[roomMsg](r.loop, roomSubmit{reply: reply}, reply)
}

// Refresh requests the active match again
func (r *Room) Refresh() {
	r.post(roomRefresh{})
}

// State returns the latest state
func (r *Room) State() RoomState { return r.state.get() }

// Updates delivers state copies, latest wins
func (r *Room) Updates() <-chan RoomState { return r.state.ch }

// Current implements the status server's source
func (r *Room) Current() any { return r.State() }

// Done is closed once the session loop has exited
func (r *Room) Done() <-chan struct{} { return r.done }

// Close closes the transport, cancels pending publishes and timers, discards in-flight fetches and
// waits for the session loop to exit. Idempotent.
func (r *Room) Close() { r.close() }

func (r *Room) run() {
	defer close(r.done)
	defer r.wg.Wait()
	defer r.handle.Close()
	defer r.inputs.Stop()
	defer func() {
		stopTimer(r.settleTimer)
		stopTimer(r.navigateTimer)
		r.machine.Close()
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.deadlines.Run(r.ctx, func(now time.Time) { r.post(roomTick{now: now}) })
	}()

	r.logger.Info().Msg("room session started")
	r.machine.Refresh()
	r.publish()

	for {
		select {
		case <-r.ctx.Done():
			r.logger.Info().Msg("room session closed")
			return

		case frame := <-r.handle.Frames():
			r.handleFrame(frame)

		case <-timerChan(r.settleTimer):
			r.settleTimer = nil
			r.machine.Settle()

		case <-timerChan(r.navigateTimer):
			r.navigateTimer = nil
			r.navigating = true
			r.logger.Info().Str("reason", r.closedReason).Msg("room closed, navigating away")
			if r.opts.OnNavigateAway != nil {
				r.opts.OnNavigateAway(r.closedReason)
			}

		case m := <-r.inbox:
			r.handleMsg(m)
		}

		r.syncSettleTimer()
		r.publish()
	}
}

func (r *Room) handleMsg(m roomMsg) {
	switch msg := m.(type) {
	case roomConnStatus:
		r.conn = connectionStatus(msg.status)
		if msg.status.State == transport.StateOpen {
			// pushes may have been missed while disconnected
			if r.everOpened {
				r.machine.Refresh()
			}
			r.everOpened = true
		}

	case roomSnapshot:
		r.machine.Resolve(msg.token, msg.snap, msg.err)

	case roomSendChat:
		r.respond(msg.reply, r.sendChat(msg.text))

	case roomEdit:
		r.respond(msg.reply, r.editExpression(msg.text))

	case roomSubmit:
		r.submit(msg.reply)

	case roomSubmitDone:
		r.submitDone(msg)

	case roomPublish:
		r.publishInput(msg.target, msg.value)

	case roomTick:
		r.tick(msg.now)

	case roomRefresh:
		r.machine.Refresh()
	}
}

func (r *Room) handleFrame(frame []byte) {
	env, err := events.Decode(frame)
	if err != nil {
		r.logger.Debug().Err(err).Msg("dropping undecodable frame")
		return
	}

	if env.Kind == events.KindChat {
		r.chat.applyRemote(env, r.clock.Now())
		return
	}
	if env.Kind.Echoable() && r.reconciler.Reconcile(env) {
		r.logger.Debug().Str("event_type", string(env.Kind)).Str("client_id", env.ClientID).Msg("suppressed local echo")
		return
	}

	r.machine.Apply(env)

	switch p := env.Payload.(type) {
	case events.SubmissionReceivedPayload:
		r.noteOwnSubmission(p.Submission)
	case events.RoundStartedPayload:
		r.status = "A new round has started."
		r.errMessage = ""
	case events.ProblemAdvancedPayload:
		r.status = "Moved on to the next problem."
	case events.ProblemFinishedPayload:
		r.status = problemFinishedMessage(p)
	case events.RoundFinishedPayload:
		r.status = roundFinishedMessage(p)
	}
}

func (r *Room) noteOwnSubmission(sub *events.Submission) {
	if sub == nil || sub.UserID == "" || sub.UserID != r.opts.Me.ID {
		return
	}
	switch {
	case sub.Distance != nil && *sub.Distance == 0:
		if sub.Cost != nil {
			r.status = fmt.Sprintf("Target reached with %d operators.", *sub.Cost)
		} else {
			r.status = "Target reached."
		}
		r.errMessage = ""
	case sub.Distance != nil:
		r.errMessage = "Not at the target yet, keep adjusting."
	}
}

func problemFinishedMessage(p events.ProblemFinishedPayload) string {
	reason := p.Reason
	if reason == "" {
		reason = "optimal"
	}
	winner := ""
	switch {
	case p.WinnerUserID != nil:
		winner = *p.WinnerUserID
	case p.WinnerSubmission != nil:
		winner = p.WinnerSubmission.UserID
	}
	if winner == "" {
		return fmt.Sprintf("Problem ended without a winner (%s).", reason)
	}
	if sub := p.WinnerSubmission; sub != nil && sub.Cost != nil {
		return fmt.Sprintf("Problem won by %s with %d operators (%s).", winner, *sub.Cost, reason)
	}
	return fmt.Sprintf("Problem won by %s (%s).", winner, reason)
}

func roundFinishedMessage(p events.RoundFinishedPayload) string {
	reason := p.Reason
	if reason == "" {
		reason = "optimal"
	}
	if p.WinnerUserID != nil && *p.WinnerUserID != "" {
		return fmt.Sprintf("Round finished (%s), winner %s.", reason, *p.WinnerUserID)
	}
	return fmt.Sprintf("Round finished (%s).", reason)
}

func (r *Room) sendChat(text string) error {
	msg, frame, err := r.chat.prepareLocal(r.opts.Me, text, r.clock.Now())
	if err != nil {
		return err
	}
	if err := r.handle.Send(frame); err != nil {
		if errors.Is(err, transport.ErrNotOpen) {
			return ErrNotConnected
		}
		return fmt.Errorf("send chat: %w", err)
	}
	r.chat.commitLocal(msg)
	return nil
}

func (r *Room) editExpression(text string) error {
	if !r.machine.SetLocalExpression(text) {
		return match.ErrNotPlayer
	}
	r.inputs.Push(string(r.machine.LocalSlot()), text)
	return nil
}

// publishInput runs when a debounce window expires. The slot is checked again so an identity that
// lost the slot never publishes for it.
func (r *Room) publishInput(target, value string) {
	if string(r.machine.LocalSlot()) != target {
		r.logger.Debug().Str("slot", target).Msg("dropping input publish for a slot no longer owned")
		return
	}

	clientID := echo.NewClientID()
	r.reconciler.MarkPending(clientID)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.api.PublishInput(r.ctx, r.roomID(), value, clientID); err != nil && r.ctx.Err() == nil {
			r.logger.Warn().Err(err).Str("client_id", clientID).Msg("failed to publish input")
		}
	}()
}

func (r *Room) submit(reply chan error) {
	if r.submitting {
		r.respond(reply, ErrSubmitInFlight)
		return
	}
	expression, err := r.machine.PrepareSubmit()
	if err != nil {
		r.errMessage = submitErrorMessage(err)
		r.respond(reply, err)
		return
	}

	r.submitting = true
	r.status = ""
	r.errMessage = ""

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		err := r.api.Submit(r.ctx, r.roomID(), expression)
		r.post(roomSubmitDone{err: err, reply: reply})
	}()
}

func (r *Room) submitDone(msg roomSubmitDone) {
	r.submitting = false
	if msg.err != nil {
		r.logger.Warn().Err(msg.err).Msg("submission rejected")
		r.errMessage = submitErrorMessage(msg.err)
		r.respond(msg.reply, msg.err)
		return
	}

	if slot := r.machine.LocalSlot(); slot != "" {
		r.inputs.Cancel(string(slot))
	}
	r.machine.SubmitSucceeded()
	r.status = "Submitted! Waiting for the result."
	r.respond(msg.reply, nil)
}

func submitErrorMessage(err error) string {
	var apiErr *api.APIError
	switch {
	case errors.As(err, &apiErr) && apiErr.Detail != "":
		return apiErr.Detail
	case errors.Is(err, match.ErrEmptyExpression):
		return "Enter an expression first."
	case errors.Is(err, match.ErrNotPlayer):
		return "Only seated players can submit."
	case errors.Is(err, match.ErrNoActiveMatch):
		return "There is no active match."
	default:
		return "Submission failed."
	}
}

// tick requests one refresh when the deadline of an active match runs out
func (r *Room) tick(now time.Time) {
	view := r.machine.View()
	if view == nil || view.Deadline == nil || r.machine.Phase() != match.PhaseActive {
		return
	}
	if !now.Before(*view.Deadline) && !view.Deadline.Equal(r.expiredDeadline) {
		r.expiredDeadline = *view.Deadline
		r.logger.Debug().Time("deadline", *view.Deadline).Msg("deadline reached, refreshing active match")
		r.machine.Refresh()
	}
}

func (r *Room) fetchSnapshot(token uint64) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		snap, err := r.api.ActiveMatch(r.ctx, r.roomID())
		r.post(roomSnapshot{token: token, snap: snap, err: err})
	}()
}

func (r *Room) ownershipChanged(slot match.SlotID, owned bool) {
	r.logger.Debug().Str("slot", string(slot)).Bool("owned", owned).Msg("slot ownership changed")
	if !owned {
		r.inputs.Cancel(string(slot))
	}
}

func (r *Room) roomClosed(reason string) {
	r.closedReason = reason
	r.status = "The room was closed."
	stopTimer(r.settleTimer)
	r.settleTimer = nil
	if r.navigateTimer == nil {
		r.navigateTimer = r.clock.NewTimer(r.opts.NavigateDelay)
	}
}

// syncSettleTimer holds the transitioning phase for TransitionHold, then settles back to idle
func (r *Room) syncSettleTimer() {
	transitioning := r.machine.Phase() == match.PhaseTransitioning && !r.machine.RoomClosed()
	switch {
	case transitioning && r.settleTimer == nil:
		r.settleTimer = r.clock.NewTimer(r.opts.TransitionHold)
	case !transitioning && r.settleTimer != nil:
		stopTimer(r.settleTimer)
		r.settleTimer = nil
	}
}

// respond publishes first so a caller sees its own change in State once it has the reply
func (r *Room) respond(reply chan<- error, err error) {
	r.syncSettleTimer()
	r.publish()
	reply <- err
}

func (r *Room) publish() {
	ms := r.machine.State()
	var remaining deadline.Remaining
	if ms.View != nil {
		remaining = r.deadlines.Remaining(ms.View.Deadline)
	}
	r.state.set(RoomState{
		Connection: r.conn,
		Match:      ms,
		Roster:     r.roster.Entries(),
		Messages:   r.chat.snapshot(),
		Remaining:  remaining,
		Status:     r.status,
		Error:      r.errMessage,
		Submitting: r.submitting,
		Navigating: r.navigating,
	})
}

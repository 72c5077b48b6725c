package match

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/mathduel/go/internal/realtime/events"
	"github.com/mcdev12/mathduel/go/internal/realtime/presence"
)

var (
	ErrEmptyExpression = errors.New("expression is empty")
	ErrNotPlayer       = errors.New("local user does not own a slot")
	ErrNoActiveMatch   = errors.New("no active match")
)

// Phase is the lifecycle phase of the match view
type Phase int

const (
	PhaseIdle Phase = iota
	PhasePullingSnapshot
	PhaseActive
	PhaseTransitioning
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhasePullingSnapshot:
		return "pulling_snapshot"
	case PhaseActive:
		return "active"
	case PhaseTransitioning:
		return "transitioning"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Hooks are side effects the owner of the machine performs. Any of them may be nil.
type Hooks struct {
	// RequestSnapshot asks the owner to fetch the active match and hand the result to Resolve with token.
	RequestSnapshot func(token uint64)
	// OwnershipChanged fires when the local user gains or loses a slot.
	OwnershipChanged func(slot SlotID, owned bool)
	// RoomClosed fires once when the room is closed by the server.
	RoomClosed func(reason string)
}

// Config configures a Machine
type Config struct {
	LocalID string
	Store   *presence.Store
	Hooks   Hooks
	Clock   clockwork.Clock
}

// Outcome describes how the last round finished
type Outcome struct {
	MatchID      string `json:"match_id"`
	Reason       string `json:"reason"`
	WinnerUserID string `json:"winner_user_id,omitempty"`
}

// ProblemOutcome describes how the last problem of the round was decided
type ProblemOutcome struct {
	ProblemIndex *int   `json:"problem_index,omitempty"`
	Reason       string `json:"reason"`
	WinnerUserID string `json:"winner_user_id,omitempty"`
	WinnerSlot   SlotID `json:"winner_slot,omitempty"`
	WinnerCost   *int   `json:"winner_cost,omitempty"`
	IsOptimal    bool   `json:"is_optimal"`
}

// BoardState is an immutable copy of one board
type BoardState struct {
	Slot        SlotID         `json:"slot"`
	Occupant    string         `json:"occupant"`
	Owner       string         `json:"owner"`
	Expression  string         `json:"expression"`
	History     []HistoryEntry `json:"history"`
	ProblemWins int            `json:"problem_wins"`
}

// State is an immutable copy of the machine for observers
type State struct {
	Phase      Phase           `json:"phase"`
	View       *View           `json:"view"`
	Boards     []BoardState    `json:"boards"`
	LocalSlot  SlotID          `json:"local_slot,omitempty"`
	Outcome    *Outcome        `json:"outcome,omitempty"`
	Problem    *ProblemOutcome `json:"last_problem,omitempty"`
	RoomClosed bool            `json:"room_closed"`
	Reason     string          `json:"reason,omitempty"`
	Fetching   bool            `json:"fetching"`
}

type handlerFunc func(m *Machine, env events.Envelope)

// handlers covers every kind in events.Known()
var handlers = map[events.EventKind]handlerFunc{
	events.KindPlayerAssignment:   (*Machine).onPlayerAssignment,
	events.KindParticipantJoined:  (*Machine).onParticipantJoined,
	events.KindParticipantLeft:    (*Machine).onParticipantLeft,
	events.KindInputUpdate:        (*Machine).onInputUpdate,
	events.KindSubmissionReceived: (*Machine).onSubmissionReceived,
	events.KindRoundStarted:       (*Machine).onRoundStarted,
	events.KindProblemAdvanced:    (*Machine).onProblemAdvanced,
	events.KindProblemFinished:    (*Machine).onProblemFinished,
	events.KindRoundFinished:      (*Machine).onRoundFinished,
	events.KindRoomClosed:         (*Machine).onRoomClosed,
	events.KindChat:               (*Machine).ignore,
	events.KindRoster:             (*Machine).onRoster,
}

// Machine merges pulled snapshots with pushed events for one room. It is driven by a single goroutine
// and is not safe for concurrent use.
type Machine struct {
	localID string
	store   *presence.Store
	hooks   Hooks
	clock   clockwork.Clock

	phase      Phase
	view       *View
	assignment map[SlotID]string
	boards     map[SlotID]*Board
	outcome    *Outcome
	problem    *ProblemOutcome
	wins       map[SlotID]int
	roomClosed bool
	reason     string

	token     uint64
	inFlight  bool
	pending   *Snapshot
	followUp  bool
	buffered  []events.Envelope
	replaying bool
	closed    bool
}

// NewMachine creates an idle machine and registers it as a leave listener on the store
func NewMachine(cfg Config) *Machine {
	if cfg.Store == nil {
		cfg.Store = presence.NewStore()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	m := &Machine{
		localID:    cfg.LocalID,
		store:      cfg.Store,
		hooks:      cfg.Hooks,
		clock:      cfg.Clock,
		phase:      PhaseIdle,
		assignment: make(map[SlotID]string, len(Slots)),
		boards:     make(map[SlotID]*Board, len(Slots)),
		wins:       make(map[SlotID]int, len(Slots)),
	}
	for _, slot := range Slots {
		m.boards[slot] = &Board{}
	}
	m.store.OnLeave(m.clearIdentity)
	return m
}

func (m *Machine) Phase() Phase { return m.phase }

// View returns a copy of the match view, nil when no match is known
func (m *Machine) View() *View { return m.view.clone() }

// RoomClosed reports whether the server closed the room
func (m *Machine) RoomClosed() bool { return m.roomClosed }

// Store returns the presence store the machine delegates roster events to
func (m *Machine) Store() *presence.Store { return m.store }

// Refresh requests an authoritative snapshot. While a request is in flight it schedules exactly one
// follow-up request instead.
func (m *Machine) Refresh() {
	if m.closed || m.roomClosed {
		return
	}
	if m.inFlight {
		m.followUp = true
		return
	}

	m.token++
	m.inFlight = true
	if m.phase == PhaseIdle {
		m.phase = PhasePullingSnapshot
	}
	if m.hooks.RequestSnapshot != nil {
		m.hooks.RequestSnapshot(m.token)
	}
}

// Apply processes one pushed event. Events that arrive while a snapshot request is in flight are
// buffered and replayed in arrival order right after the snapshot is applied.
func (m *Machine) Apply(env events.Envelope) {
	if m.closed {
		return
	}
	if m.inFlight && !m.replaying {
		m.buffered = append(m.buffered, env)
		return
	}
	m.dispatch(env)
}

func (m *Machine) dispatch(env events.Envelope) {
	if m.roomClosed {
		return
	}
	handler, ok := handlers[env.Kind]
	if !ok {
		log.Debug().Str("event_type", string(env.Kind)).Msg("no match handler for event")
		return
	}
	handler(m, env)
}

// Resolve applies the result of the request identified by token. A fetch error is treated as no
// active match. Stale tokens and results after Close are ignored; it reports whether the result was used.
func (m *Machine) Resolve(token uint64, snap *Snapshot, err error) bool {
	if m.closed || !m.inFlight || token != m.token {
		log.Debug().Uint64("token", token).Msg("discarding stale snapshot result")
		return false
	}
	m.inFlight = false

	if err != nil {
		log.Warn().Err(err).Msg("active match fetch failed, treating as no active match")
		snap = nil
	}
	m.applySnapshot(snap)

	buffered := m.buffered
	m.buffered = nil
	m.replaying = true
	for _, env := range buffered {
		m.dispatch(env)
	}
	m.replaying = false

	if m.followUp {
		m.followUp = false
		if !m.inFlight {
			m.Refresh()
		}
	}
	return true
}

func (m *Machine) applySnapshot(snap *Snapshot) {
	if m.phase == PhaseTransitioning {
		// held until Settle so the outcome stays on screen
		m.pending = snap
		return
	}
	if snap == nil {
		m.phase = PhaseIdle
		m.view = nil
		return
	}

	m.view = viewFromSnapshot(snap)
	m.phase = PhaseActive
	m.outcome = nil
	if snap.PlayerOneID != nil || snap.PlayerTwoID != nil {
		m.assign(map[SlotID]string{
			SlotPlayerOne: deref(snap.PlayerOneID),
			SlotPlayerTwo: deref(snap.PlayerTwoID),
		})
	}
}

// Settle ends a transition unless the room was closed. A snapshot resolved during the transition is
// applied now; without one the machine goes idle and pulls a fresh snapshot.
func (m *Machine) Settle() {
	if m.phase != PhaseTransitioning || m.roomClosed {
		return
	}
	pending := m.pending
	m.pending = nil
	m.phase = PhaseIdle
	m.view = nil
	if pending != nil {
		m.applySnapshot(pending)
		return
	}
	m.Refresh()
}

// Close stops the machine; later events and snapshot results are ignored
func (m *Machine) Close() {
	m.closed = true
	m.inFlight = false
	m.followUp = false
	m.buffered = nil
	m.pending = nil
}

// LocalSlot returns the slot owned by the local user, or ""
func (m *Machine) LocalSlot() SlotID {
	if m.localID == "" {
		return ""
	}
	for _, slot := range Slots {
		if m.assignment[slot] == m.localID {
			return slot
		}
	}
	return ""
}

// Occupant returns the identity assigned to slot, or ""
func (m *Machine) Occupant(slot SlotID) string {
	return m.assignment[slot]
}

// SetLocalExpression updates the local slot's live expression optimistically
func (m *Machine) SetLocalExpression(text string) bool {
	slot := m.LocalSlot()
	if slot == "" {
		return false
	}
	m.boards[slot].Expression = text
	return true
}

// PrepareSubmit validates a local submission and returns the trimmed expression to send
func (m *Machine) PrepareSubmit() (string, error) {
	slot := m.LocalSlot()
	if slot == "" {
		return "", ErrNotPlayer
	}
	expression := strings.TrimSpace(m.boards[slot].Expression)
	if expression == "" {
		return "", ErrEmptyExpression
	}
	if m.phase != PhaseActive {
		return "", ErrNoActiveMatch
	}
	return expression, nil
}

// SubmitSucceeded clears the local live expression. History waits for submission_received.
func (m *Machine) SubmitSucceeded() {
	if slot := m.LocalSlot(); slot != "" {
		m.boards[slot].Expression = ""
	}
}

// State returns an immutable copy for observers
func (m *Machine) State() State {
	st := State{
		Phase:      m.phase,
		View:       m.view.clone(),
		Boards:     make([]BoardState, 0, len(Slots)),
		LocalSlot:  m.LocalSlot(),
		RoomClosed: m.roomClosed,
		Reason:     m.reason,
		Fetching:   m.inFlight,
	}
	if m.outcome != nil {
		o := *m.outcome
		st.Outcome = &o
	}
	if m.problem != nil {
		p := *m.problem
		p.ProblemIndex = cloneInt(p.ProblemIndex)
		p.WinnerCost = cloneInt(p.WinnerCost)
		st.Problem = &p
	}
	for _, slot := range Slots {
		b := m.boards[slot]
		st.Boards = append(st.Boards, BoardState{
			Slot:        slot,
			Occupant:    m.assignment[slot],
			Owner:       b.Owner,
			Expression:  b.Expression,
			History:     b.History.Entries(),
			ProblemWins: m.wins[slot],
		})
	}
	return st
}

// assign replaces the slot assignment atomically. A board resets exactly when its occupant identity
// differs from the identity it was built for.
func (m *Machine) assign(next map[SlotID]string) {
	before := m.LocalSlot()

	for _, slot := range Slots {
		occupant := next[slot]
		m.assignment[slot] = occupant
		if b := m.boards[slot]; b.Owner != occupant {
			b.reset(occupant)
		}
	}

	m.notifyOwnership(before)
}

// clearIdentity drops identityID from any slot it holds. Boards keep their owner.
func (m *Machine) clearIdentity(identityID string) {
	if identityID == "" {
		return
	}
	before := m.LocalSlot()
	for _, slot := range Slots {
		if m.assignment[slot] == identityID {
			m.assignment[slot] = ""
		}
	}
	m.notifyOwnership(before)
}

func (m *Machine) notifyOwnership(before SlotID) {
	after := m.LocalSlot()
	if before == after || m.hooks.OwnershipChanged == nil {
		return
	}
	if before != "" {
		m.hooks.OwnershipChanged(before, false)
	}
	if after != "" {
		m.hooks.OwnershipChanged(after, true)
	}
}

func (m *Machine) slotFor(slotName, userID string) (SlotID, bool) {
	if slot, ok := ParseSlot(slotName); ok {
		return slot, true
	}
	if userID == "" {
		return "", false
	}
	for _, slot := range Slots {
		if m.assignment[slot] == userID {
			return slot, true
		}
	}
	return "", false
}

func (m *Machine) boardEventsApply() bool {
	return m.phase != PhaseIdle
}

// payloadAs returns the payload of env as T. A payload that does not match its kind is dropped.
func payloadAs[T events.Payload](env events.Envelope) (T, bool) {
	p, ok := env.Payload.(T)
	if !ok {
		log.Debug().
			Str("event_type", string(env.Kind)).
			Str("payload", fmt.Sprintf("%T", env.Payload)).
			Msg("payload does not match event kind")
	}
	return p, ok
}

func (m *Machine) onPlayerAssignment(env events.Envelope) {
	p, ok := payloadAs[events.PlayerAssignmentPayload](env)
	if !ok {
		return
	}
	m.assign(map[SlotID]string{
		SlotPlayerOne: deref(p.PlayerOneID),
		SlotPlayerTwo: deref(p.PlayerTwoID),
	})
	m.Refresh()
}

func (m *Machine) onParticipantJoined(env events.Envelope) {
	p, ok := payloadAs[events.ParticipantJoinedPayload](env)
	if !ok {
		return
	}
	m.store.ApplyJoin(presence.FromParticipant(p.Participant))
}

func (m *Machine) onParticipantLeft(env events.Envelope) {
	p, ok := payloadAs[events.ParticipantLeftPayload](env)
	if !ok {
		return
	}
	if !m.store.ApplyLeave(p.UserID) {
		// not in the roster yet, the slot still has to be released
		m.clearIdentity(p.UserID)
	}
}

func (m *Machine) onRoster(env events.Envelope) {
	p, ok := payloadAs[events.RosterPayload](env)
	if !ok {
		return
	}
	m.store.ApplySnapshot(presence.FromRoster(p))
}

func (m *Machine) onInputUpdate(env events.Envelope) {
	if !m.boardEventsApply() {
		return
	}
	p, ok := payloadAs[events.InputUpdatePayload](env)
	if !ok {
		return
	}
	slot, ok := m.slotFor(p.Slot, p.UserID)
	if !ok {
		return
	}
	m.boards[slot].Expression = p.Expression
}

func (m *Machine) onSubmissionReceived(env events.Envelope) {
	if !m.boardEventsApply() {
		return
	}
	p, ok := payloadAs[events.SubmissionReceivedPayload](env)
	if !ok || p.Submission == nil {
		return
	}
	sub := p.Submission
	slot, ok := m.slotFor(sub.Slot, sub.UserID)
	if !ok {
		return
	}

	recordedAt := m.clock.Now().UTC()
	if t := sub.SubmittedAt.TimePtr(); t != nil {
		recordedAt = *t
	}
	m.boards[slot].History.Push(HistoryEntry{
		Expression: sub.Expression,
		Score:      sub.Score,
		Value:      sub.ResultValue,
		Cost:       sub.Cost,
		IsOptimal:  sub.IsOptimal,
		RecordedAt: recordedAt,
	})
}

func (m *Machine) onRoundStarted(env events.Envelope) {
	p, ok := payloadAs[events.RoundStartedPayload](env)
	if !ok {
		return
	}
	for _, slot := range Slots {
		m.boards[slot].clear()
		m.wins[slot] = 0
	}
	m.outcome = nil
	m.problem = nil
	m.pending = nil

	if m.phase == PhaseTransitioning {
		m.phase = PhaseActive
	}
	if m.view != nil {
		if p.MatchID != "" {
			m.view.MatchID = p.MatchID
		}
		m.view.ProblemIndex = p.CurrentIndex
		m.patchProblem(p.TargetNumber, p.OptimalCost, p.Deadline)
	}
	m.Refresh()
}

func (m *Machine) onProblemAdvanced(env events.Envelope) {
	p, ok := payloadAs[events.ProblemAdvancedPayload](env)
	if !ok {
		return
	}
	if m.view != nil && p.ProblemIndex != nil {
		m.view.ProblemIndex = *p.ProblemIndex
		m.patchProblem(p.TargetNumber, p.OptimalCost, p.Deadline)
	}
	m.Refresh()
}

// onProblemFinished records who took the problem and counts it for the winner's slot
func (m *Machine) onProblemFinished(env events.Envelope) {
	if !m.boardEventsApply() {
		return
	}
	p, ok := payloadAs[events.ProblemFinishedPayload](env)
	if !ok {
		return
	}

	outcome := &ProblemOutcome{
		ProblemIndex: cloneInt(p.ProblemIndex),
		Reason:       p.Reason,
		WinnerUserID: deref(p.WinnerUserID),
	}
	if outcome.Reason == "" {
		outcome.Reason = "optimal"
	}
	slotName := ""
	if sub := p.WinnerSubmission; sub != nil {
		if outcome.WinnerUserID == "" {
			outcome.WinnerUserID = sub.UserID
		}
		outcome.WinnerCost = cloneInt(sub.Cost)
		outcome.IsOptimal = sub.IsOptimal
		slotName = sub.Slot
	}
	if outcome.WinnerUserID != "" || slotName != "" {
		if slot, ok := m.slotFor(slotName, outcome.WinnerUserID); ok {
			outcome.WinnerSlot = slot
			m.wins[slot]++
		}
	}
	m.problem = outcome
}

func (m *Machine) patchProblem(target, optimal *int, deadline *events.Timestamp) {
	if target != nil {
		m.view.TargetNumber = cloneInt(target)
	}
	if optimal != nil {
		m.view.OptimalCost = cloneInt(optimal)
	}
	if t := deadline.TimePtr(); t != nil {
		m.view.Deadline = t
	}
}

func (m *Machine) onRoundFinished(env events.Envelope) {
	if m.phase == PhaseIdle {
		return
	}
	p, ok := payloadAs[events.RoundFinishedPayload](env)
	if !ok {
		return
	}
	m.phase = PhaseTransitioning
	m.outcome = &Outcome{MatchID: p.MatchID, Reason: p.Reason, WinnerUserID: deref(p.WinnerUserID)}
}

func (m *Machine) onRoomClosed(env events.Envelope) {
	p, ok := payloadAs[events.RoomClosedPayload](env)
	if !ok {
		return
	}
	m.phase = PhaseTransitioning
	m.roomClosed = true
	m.reason = p.Reason
	m.buffered = nil
	if m.hooks.RoomClosed != nil {
		m.hooks.RoomClosed(p.Reason)
	}
}

func (m *Machine) ignore(events.Envelope) {}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/mathduel/go/internal/realtime/echo"
	"github.com/mcdev12/mathduel/go/internal/realtime/events"
	"github.com/mcdev12/mathduel/go/internal/realtime/presence"
	"github.com/mcdev12/mathduel/go/internal/realtime/transport"
)

// LobbyOptions configures a lobby session
type LobbyOptions struct {
	Channel transport.Channel
	Me      Identity
	EchoTTL time.Duration
}

// LobbyState is an immutable copy of a lobby session
type LobbyState struct {
	Connection ConnectionStatus `json:"connection"`
	Roster     []presence.Entry `json:"roster"`
	Messages   []ChatMessage    `json:"messages"`
	Pending    int              `json:"pending_echoes"`
}

type lobbyMsg interface{ isLobbyMsg() }

type lobbyConnStatus struct{ status transport.Status }

type lobbySendChat struct {
	text  string
	reply chan error
}

func (lobbyConnStatus) isLobbyMsg() {}
func (lobbySendChat) isLobbyMsg()   {}

// Lobby is a chat lobby session. One goroutine owns its roster, chat log and pending echoes.
type Lobby struct {
	*loop[lobbyMsg]

	opts   LobbyOptions
	clock  clockwork.Clock
	handle *transport.Handle
	logger zerolog.Logger

	roster *presence.Store
	chat   chatLog
	conn   ConnectionStatus
	state  *latest[LobbyState]
}

// OpenLobby connects to the lobby channel and starts the session loop
func OpenLobby(ctx context.Context, deps Deps, opts LobbyOptions) *Lobby {
	clock := deps.clock()
	if opts.Channel.Kind == "" {
		opts.Channel.Kind = "lobby"
	}

	l := &Lobby{
		loop:   newLoop[lobbyMsg](ctx),
		opts:   opts,
		clock:  clock,
		logger: log.With().Str("channel_id", opts.Channel.String()).Logger(),
		roster: presence.NewStore(),
		chat:   chatLog{pending: echo.NewReconciler(clock, opts.EchoTTL)},
		state:  newLatest(LobbyState{}),
	}
	l.handle = deps.Transport.Open(l.ctx, opts.Channel, func(s transport.Status) {
		l.post(lobbyConnStatus{status: s})
	})

	go l.run()
	return l
}

// SendChat applies a chat message locally and sends it. It fails when the channel is not open.
func (l *Lobby) SendChat(text string) error {
	reply := make(chan error, 1)
	return call[lobbyMsg](l.loop, lobbySendChat{text: text, reply: reply}, reply)
}

// State returns the latest state
func (l *Lobby) State() LobbyState { return l.state.get() }

// Updates delivers state copies, latest wins
func (l *Lobby) Updates() <-chan LobbyState { return l.state.ch }

// Current implements the status server's source
func (l *Lobby) Current() any { return l.State() }

// Done is closed once the session loop has exited
func (l *Lobby) Done() <-chan struct{} { return l.done }

// Close tears the session down and waits for it. Idempotent.
func (l *Lobby) Close() { l.close() }

func (l *Lobby) run() {
	defer close(l.done)
	defer l.handle.Close()

	l.logger.Info().Msg("lobby session started")
	l.publish()

	for {
		select {
		case <-l.ctx.Done():
			l.logger.Info().Msg("lobby session closed")
			return

		case frame := <-l.handle.Frames():
			l.handleFrame(frame)

		case m := <-l.inbox:
			switch msg := m.(type) {
			case lobbyConnStatus:
				l.conn = connectionStatus(msg.status)

			case lobbySendChat:
				err := l.sendChat(msg.text)
				l.publish()
				msg.reply <- err
			}
		}
		l.publish()
	}
}

func (l *Lobby) handleFrame(frame []byte) {
	env, err := events.Decode(frame)
	if err != nil {
		l.logger.Debug().Err(err).Msg("dropping undecodable frame")
		return
	}

	switch p := env.Payload.(type) {
	case events.ChatPayload:
		l.chat.applyRemote(env, l.clock.Now())

	case events.RosterPayload:
		entries := presence.FromRoster(p)
		named := entries[:0]
		for _, e := range entries {
			if e.DisplayName != "" {
				named = append(named, e)
			}
		}
		l.roster.ApplySnapshot(named)

	default:
		l.logger.Debug().Str("event_type", string(env.Kind)).Msg("ignoring lobby event")
	}
}

func (l *Lobby) sendChat(text string) error {
	msg, frame, err := l.chat.prepareLocal(l.opts.Me, text, l.clock.Now())
	if err != nil {
		return err
	}
	if err := l.handle.Send(frame); err != nil {
		if errors.Is(err, transport.ErrNotOpen) {
			return ErrNotConnected
		}
		return fmt.Errorf("send chat: %w", err)
	}
	l.chat.commitLocal(msg)
	return nil
}

func (l *Lobby) publish() {
	l.state.set(LobbyState{
		Connection: l.conn,
		Roster:     l.roster.Entries(),
		Messages:   l.chat.snapshot(),
		Pending:    l.chat.pending.Len(),
	})
}

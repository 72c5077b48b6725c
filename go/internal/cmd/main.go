package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mcdev12/mathduel/go/internal/realtime/session"
	"github.com/mcdev12/mathduel/go/internal/realtime/status"
	"github.com/mcdev12/mathduel/go/internal/realtime/transport"
)

var (
	errInputClosed = errors.New("input closed")
	errRoomClosed  = errors.New("room closed")
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := loadConfig(getEnv("CONFIG_PATH", "client.yaml"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	level, _ := zerolog.ParseLevel(cfg.LogLevel)
	zerolog.SetGlobalLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("transport", cfg.Transport).
		Str("api_base", cfg.APIBase).
		Str("user_id", cfg.UserID).
		Str("room_id", cfg.RoomID).
		Msg("starting mathduel client")

	err = run(ctx, cfg, os.Stdin)
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, errInputClosed):
		log.Info().Msg("client shutdown complete")
	case errors.Is(err, errRoomClosed):
		log.Info().Msg("room closed, exiting")
	default:
		log.Fatal().Err(err).Msg("client failed")
	}
}

func run(ctx context.Context, cfg *Config, in io.Reader) error {
	manager := transport.NewManager(cfg.dialer(), cfg.transportConfig())
	deps := session.Deps{Transport: manager, API: cfg.apiClient()}
	me := session.Identity{ID: cfg.UserID, Name: cfg.UserName}

	g, gctx := errgroup.WithContext(ctx)

	var (
		source status.Source
		handle func(line string) error
	)
	if cfg.RoomID == "" {
		lobby := session.OpenLobby(gctx, deps, session.LobbyOptions{
			Channel: cfg.channel(),
			Me:      me,
			EchoTTL: cfg.Session.EchoTTL,
		})
		defer lobby.Close()

		source = lobby
		handle = lobby.SendChat
		g.Go(func() error { return watchLobby(gctx, lobby) })
	} else {
		navigated := make(chan string, 1)
		room := session.OpenRoom(gctx, deps, session.RoomOptions{
			Channel:        cfg.channel(),
			Me:             me,
			EchoTTL:        cfg.Session.EchoTTL,
			DebounceWindow: cfg.Session.DebounceWindow,
			TransitionHold: cfg.Session.TransitionHold,
			NavigateDelay:  cfg.Session.NavigateDelay,
			OnNavigateAway: func(reason string) {
				select {
				case navigated <- reason:
				default:
				}
			},
		})
		defer room.Close()

		source = room
		handle = roomCommand(room)
		g.Go(func() error { return watchRoom(gctx, room) })
		g.Go(func() error {
			select {
			case reason := <-navigated:
				return fmt.Errorf("%w: %s", errRoomClosed, reason)
			case <-gctx.Done():
				return nil
			}
		})
	}

	if cfg.StatusAddr != "" {
		srv := status.NewServer(cfg.StatusAddr, source)
		g.Go(func() error { return srv.Run(gctx) })
	}

	// The scanner cannot be interrupted, so it stays outside the group and only feeds lines.
	lines := make(chan string)
	go readLines(gctx, in, lines)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return errInputClosed
				}
				if err := handle(line); err != nil {
					log.Warn().Err(err).Msg("command failed")
				}
			}
		}
	})

	return g.Wait()
}

func readLines(ctx context.Context, in io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		select {
		case lines <- scanner.Text():
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		log.Error().Err(err).Msg("failed to read input")
	}
}

// roomCommand maps input lines to room actions: /submit, /refresh, /say <text>; anything else edits
// the local expression.
func roomCommand(room *session.Room) func(string) error {
	return func(line string) error {
		switch {
		case strings.TrimSpace(line) == "/submit":
			return room.Submit()
		case strings.TrimSpace(line) == "/refresh":
			room.Refresh()
			return nil
		case strings.HasPrefix(line, "/say "):
			return room.SendChat(strings.TrimPrefix(line, "/say "))
		default:
			return room.SetExpression(line)
		}
	}
}

func watchLobby(ctx context.Context, lobby *session.Lobby) error {
	var (
		lastID    string
		connected bool
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case st := <-lobby.Updates():
			if st.Connection.Connected != connected {
				connected = st.Connection.Connected
				logConnection(st.Connection)
			}
			lastID = printMessages(st.Messages, lastID)
		}
	}
}

func watchRoom(ctx context.Context, room *session.Room) error {
	var (
		prev   session.RoomState
		lastID string
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case st := <-room.Updates():
			if st.Connection.Connected != prev.Connection.Connected {
				logConnection(st.Connection)
			}
			if st.Match.Phase != prev.Match.Phase {
				ev := log.Info().Str("phase", st.Match.Phase.String())
				if v := st.Match.View; v != nil {
					ev = ev.Str("problem", v.ProblemLabel()).Str("remaining", st.Remaining.String())
					if v.TargetNumber != nil {
						ev = ev.Int("target", *v.TargetNumber)
					}
				}
				ev.Msg("match phase changed")
			}
			if st.Status != "" && st.Status != prev.Status {
				log.Info().Msg(st.Status)
			}
			if st.Error != "" && st.Error != prev.Error {
				log.Warn().Msg(st.Error)
			}
			lastID = printMessages(st.Messages, lastID)
			prev = st
		}
	}
}

func logConnection(c session.ConnectionStatus) {
	if c.Connected {
		log.Info().Msg("connected")
		return
	}
	log.Warn().Str("state", c.State.String()).Int("attempt", c.Attempt).Dur("retry_in", c.RetryIn).Msg("not connected")
}

// printMessages prints the chat lines after lastID and returns the id of the newest line. The log is
// capped, so positions are not stable.
func printMessages(msgs []session.ChatMessage, lastID string) string {
	start := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].ID == lastID {
			start = i + 1
			break
		}
	}
	for _, m := range msgs[start:] {
		fmt.Printf("[%s] %s: %s\n", m.Timestamp.Local().Format("15:04:05"), m.User, m.Message)
	}
	if len(msgs) == 0 {
		return lastID
	}
	return msgs[len(msgs)-1].ID
}

package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/mathduel/go/internal/realtime/transport"
)

func openTestLobby(t *testing.T, conn *fakeConn) *Lobby {
	t.Helper()
	l := OpenLobby(context.Background(), Deps{Transport: newTestTransport(&queueDialer{conns: []*fakeConn{conn}}), Clock: newFakeClock()}, LobbyOptions{
		Channel: transport.Channel{Kind: "lobby"},
		Me:      Identity{ID: "u1", Name: "ann"},
	})
	t.Cleanup(l.Close)
	return l
}

func waitConnected(t *testing.T, state func() ConnectionStatus) {
	t.Helper()
	require.Eventually(t, func() bool { return state().Connected }, waitFor, 5*time.Millisecond)
}

func TestLobby_LocalChatAppearsExactlyOnce(t *testing.T) {
	conn := newFakeConn()
	l := openTestLobby(t, conn)
	waitConnected(t, func() ConnectionStatus { return l.State().Connection })

	require.NoError(t, l.SendChat("  hello  "))

	frame := readWritten(t, conn)
	assert.Equal(t, "chat", frame["type"])
	assert.Equal(t, "hello", frame["message"])
	clientID, _ := frame["client_id"].(string)
	require.NotEmpty(t, clientID)
	assert.Equal(t, 1, l.State().Pending)

	// the server echoes the local message, then broadcasts a foreign one and a roster
	conn.push(t, map[string]any{"type": "chat", "user": "ann", "user_id": "u1", "message": "hello", "client_id": clientID})
	conn.push(t, map[string]any{"type": "chat", "user": "bob", "user_id": "u2", "message": "hi", "client_id": "other"})
	conn.push(t, map[string]any{"type": "roster", "users": []map[string]any{
		{"user_id": "u1", "username": "ann"},
		{"user_id": "u2", "username": "bob"},
	}})
	require.Eventually(t, func() bool { return len(l.State().Roster) == 2 }, waitFor, 5*time.Millisecond)

	st := l.State()
	var hellos int
	for _, m := range st.Messages {
		if m.Message == "hello" {
			hellos++
			assert.True(t, m.Local)
		}
	}
	assert.Equal(t, 1, hellos)
	require.Len(t, st.Messages, 2)
	assert.Equal(t, "hi", st.Messages[1].Message)
	assert.Equal(t, "bob", st.Messages[1].User)
	assert.Equal(t, 0, st.Pending)
}

func TestLobby_RosterDropsNamelessEntries(t *testing.T) {
	conn := newFakeConn()
	l := openTestLobby(t, conn)

	conn.push(t, map[string]any{"type": "roster", "users": []map[string]any{
		{"user_id": "u1", "username": "ann"},
		{"user_id": "u2", "username": ""},
		{"user_id": "", "username": "ghost"},
		{"user_id": "u3", "username": "cid"},
	}})
	require.Eventually(t, func() bool { return len(l.State().Roster) > 0 }, waitFor, 5*time.Millisecond)

	roster := l.State().Roster
	require.Len(t, roster, 2)
	assert.Equal(t, "u1", roster[0].IdentityID)
	assert.Equal(t, "u3", roster[1].IdentityID)
}

func TestLobby_ChatIsCapped(t *testing.T) {
	conn := newFakeConn()
	l := openTestLobby(t, conn)

	for i := 0; i < MaxChatMessages+5; i++ {
		conn.push(t, map[string]any{"type": "chat", "user": "bob", "user_id": "u2", "message": fmt.Sprintf("msg %d", i)})
	}
	conn.push(t, map[string]any{"type": "roster", "users": []map[string]any{{"user_id": "u2", "username": "bob"}}})
	require.Eventually(t, func() bool { return len(l.State().Roster) == 1 }, waitFor, 5*time.Millisecond)

	msgs := l.State().Messages
	require.Len(t, msgs, MaxChatMessages)
	assert.Equal(t, "msg 5", msgs[0].Message)
	assert.Equal(t, fmt.Sprintf("msg %d", MaxChatMessages+4), msgs[len(msgs)-1].Message)
}

func TestLobby_SendChatErrors(t *testing.T) {
	// no conn is ever handed out, so the channel never opens
	l := openTestLobby(t, nil)

	assert.ErrorIs(t, l.SendChat("   "), ErrEmptyMessage)
	assert.ErrorIs(t, l.SendChat("hello"), ErrNotConnected)
	assert.Empty(t, l.State().Messages)

	l.Close()
	assert.ErrorIs(t, l.SendChat("hello"), ErrClosed)
	select {
	case <-l.Done():
	default:
		t.Fatal("lobby loop still running after Close")
	}
}

func TestLobby_IgnoresMalformedFrames(t *testing.T) {
	conn := newFakeConn()
	l := openTestLobby(t, conn)

	conn.inbound <- []byte("{not json")
	conn.push(t, map[string]any{"message": "no type"})
	conn.push(t, map[string]any{"type": "player_assignment", "player_one_id": "u1"})
	conn.push(t, map[string]any{"type": "chat", "user": "bob", "user_id": "u2", "message": "still here"})

	require.Eventually(t, func() bool { return len(l.State().Messages) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, "still here", l.State().Messages[0].Message)
}

package session

import (
	"strings"
	"time"

	"github.com/mcdev12/mathduel/go/internal/realtime/echo"
	"github.com/mcdev12/mathduel/go/internal/realtime/events"
)

// MaxChatMessages is the number of chat messages a session keeps
const MaxChatMessages = 100

// ChatMessage is one rendered chat line
type ChatMessage struct {
	ID        string    `json:"id"`
	User      string    `json:"user"`
	UserID    string    `json:"user_id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	ClientID  string    `json:"client_id,omitempty"`
	Local     bool      `json:"local"`
}

// chatLog is the bounded, optimistic chat history of one channel
type chatLog struct {
	messages []ChatMessage
	pending  *echo.Reconciler
}

func (c *chatLog) append(m ChatMessage) {
	if len(c.messages) >= MaxChatMessages {
		c.messages = append(c.messages[:0], c.messages[len(c.messages)-MaxChatMessages+1:]...)
	}
	c.messages = append(c.messages, m)
}

// prepareLocal builds an optimistic local message and the frame that carries it.
// The pending echo is registered by the caller once the frame is accepted.
func (c *chatLog) prepareLocal(me Identity, text string, now time.Time) (ChatMessage, []byte, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ChatMessage{}, nil, ErrEmptyMessage
	}
	clientID := echo.NewClientID()
	frame, err := events.EncodeChat(trimmed, clientID)
	if err != nil {
		return ChatMessage{}, nil, err
	}
	name := me.Name
	if name == "" {
		name = me.ID
	}
	return ChatMessage{
		ID:        clientID,
		User:      name,
		UserID:    me.ID,
		Message:   trimmed,
		Timestamp: now.UTC(),
		ClientID:  clientID,
		Local:     true,
	}, frame, nil
}

func (c *chatLog) commitLocal(m ChatMessage) {
	c.pending.MarkPending(m.ClientID)
	c.append(m)
}

// applyRemote appends a chat frame unless it echoes a pending local message
func (c *chatLog) applyRemote(env events.Envelope, now time.Time) bool {
	if c.pending.Reconcile(env) {
		return false
	}
	p := env.Payload.(events.ChatPayload)

	ts := now.UTC()
	if t := p.Timestamp.TimePtr(); t != nil {
		ts = *t
	}
	user := p.User
	if user == "" {
		user = "Unknown"
	}
	id := p.ClientID
	if id == "" {
		id = echo.NewClientID()
	}
	c.append(ChatMessage{
		ID:        id,
		User:      user,
		UserID:    p.UserID,
		Message:   p.Message,
		Timestamp: ts,
		ClientID:  p.ClientID,
	})
	return true
}

func (c *chatLog) snapshot() []ChatMessage {
	out := make([]ChatMessage, len(c.messages))
	copy(out, c.messages)
	return out
}

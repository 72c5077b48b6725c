package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// WebSocketConfig holds per-connection WebSocket settings
type WebSocketConfig struct {
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	MaxMessageSize   int64
	HandshakeTimeout time.Duration
	ReadBufferSize   int
	WriteBufferSize  int
}

// DefaultWebSocketConfig returns default WebSocket configuration
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		WriteTimeout:     10 * time.Second,
		ReadTimeout:      60 * time.Second,
		MaxMessageSize:   64 * 1024,
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
	}
}

// WebSocketDialer connects to <base>/ws/<kind>[/<id>]?token=<auth token>
type WebSocketDialer struct {
	BaseURL string
	config  WebSocketConfig
	dialer  *websocket.Dialer
}

// NewWebSocketDialer creates a dialer for the push endpoints under baseURL
func NewWebSocketDialer(baseURL string, config WebSocketConfig) *WebSocketDialer {
	return &WebSocketDialer{
		BaseURL: strings.TrimRight(baseURL, "/"),
		config:  config,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeTimeout,
			ReadBufferSize:   config.ReadBufferSize,
			WriteBufferSize:  config.WriteBufferSize,
		},
	}
}

// ChannelURL returns the endpoint for ch, honoring an explicit Channel.Endpoint
func (d *WebSocketDialer) ChannelURL(ch Channel) (string, error) {
	endpoint := ch.Endpoint
	if endpoint == "" {
		endpoint = d.BaseURL + "/ws/" + ch.Kind
		if ch.ID != "" {
			endpoint += "/" + url.PathEscape(ch.ID)
		}
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if ch.AuthToken != "" {
		q := u.Query()
		q.Set("token", ch.AuthToken)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (d *WebSocketDialer) Dial(ctx context.Context, ch Channel) (Conn, error) {
	endpoint, err := d.ChannelURL(ch)
	if err != nil {
		return nil, err
	}

	conn, resp, err := d.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", ch, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", ch, err)
	}

	wc := &wsConn{conn: conn, config: d.config}
	conn.SetReadLimit(d.config.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(d.config.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(d.config.ReadTimeout))
	})

	log.Debug().Str("channel", ch.String()).Msg("WebSocket connection established")
	return wc, nil
}

// wsConn serializes writes; gorilla allows one concurrent writer
type wsConn struct {
	conn   *websocket.Conn
	config WebSocketConfig

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("unexpected WebSocket close error")
			}
			return nil, err
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		return data, nil
	}
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSConfig holds configuration for the NATS transport
type NATSConfig struct {
	URL           string
	Name          string
	Timeout       time.Duration
	PendingFrames int
}

// DefaultNATSConfig returns default NATS configuration
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "mathduel-client",
		Timeout:       5 * time.Second,
		PendingFrames: 256,
	}
}

// EventsSubject is the subject the server publishes a channel's frames on
func EventsSubject(ch Channel) string {
	return subjectFor(ch, "events")
}

// CommandsSubject is the subject outbound frames for a channel are published to
func CommandsSubject(ch Channel) string {
	return subjectFor(ch, "commands")
}

func subjectFor(ch Channel, suffix string) string {
	if ch.ID == "" {
		return ch.Kind + "." + suffix
	}
	return ch.Kind + "." + ch.ID + "." + suffix
}

// NATSDialer carries a channel over a core NATS subscription. The client library's own reconnect is
// disabled: a dropped connection surfaces as a read error so the Manager applies its backoff policy.
type NATSDialer struct {
	config NATSConfig
}

// NewNATSDialer creates a NATS dialer
func NewNATSDialer(config NATSConfig) *NATSDialer {
	return &NATSDialer{config: config}
}

func (d *NATSDialer) Dial(ctx context.Context, ch Channel) (Conn, error) {
	closed := make(chan struct{})

	opts := []nats.Option{
		nats.Name(d.config.Name),
		nats.Timeout(d.config.Timeout),
		nats.NoReconnect(),
		nats.ClosedHandler(func(*nats.Conn) {
			close(closed)
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Debug().Err(err).Str("channel", ch.String()).Msg("NATS disconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Str("channel", ch.String()).Msg("NATS error")
		}),
	}
	if ch.AuthToken != "" {
		opts = append(opts, nats.Token(ch.AuthToken))
	}

	url := d.config.URL
	if ch.Endpoint != "" {
		url = ch.Endpoint
	}

	type result struct {
		nc  *nats.Conn
		err error
	}
	connected := make(chan result, 1)
	go func() {
		nc, err := nats.Connect(url, opts...)
		connected <- result{nc, err}
	}()

	var nc *nats.Conn
	select {
	case r := <-connected:
		if r.err != nil {
			return nil, fmt.Errorf("connect to NATS: %w", r.err)
		}
		nc = r.nc
	case <-ctx.Done():
		go func() {
			if r := <-connected; r.nc != nil {
				r.nc.Close()
			}
		}()
		return nil, ctx.Err()
	}

	msgs := make(chan *nats.Msg, d.config.PendingFrames)
	sub, err := nc.ChanSubscribe(EventsSubject(ch), msgs)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe %s: %w", EventsSubject(ch), err)
	}

	return &natsConn{
		nc:       nc,
		sub:      sub,
		msgs:     msgs,
		closed:   closed,
		commands: CommandsSubject(ch),
	}, nil
}

type natsConn struct {
	nc       *nats.Conn
	sub      *nats.Subscription
	msgs     chan *nats.Msg
	closed   chan struct{}
	commands string
}

func (c *natsConn) ReadMessage() ([]byte, error) {
	select {
	case msg := <-c.msgs:
		return msg.Data, nil
	case <-c.closed:
		// drain frames that arrived before the close
		select {
		case msg := <-c.msgs:
			return msg.Data, nil
		default:
		}
		if err := c.nc.LastError(); err != nil {
			return nil, fmt.Errorf("%w: %v", errConnectionClosed, err)
		}
		return nil, errConnectionClosed
	}
}

func (c *natsConn) WriteMessage(data []byte) error {
	if err := c.nc.Publish(c.commands, data); err != nil {
		return fmt.Errorf("publish %s: %w", c.commands, err)
	}
	return nil
}

func (c *natsConn) Close() error {
	if !c.nc.IsClosed() {
		_ = c.sub.Unsubscribe()
		c.nc.Close()
	}
	return nil
}

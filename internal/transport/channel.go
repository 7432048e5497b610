// Package transport maintains the client's websocket connection to the relay.
//
// A Channel delivers signaling events in the order the relay sent them and
// reports disconnection exactly once via Done. Everything above this package
// (session, controller) is transport-agnostic.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/smartbell/doorcall/internal/signalmsg"
)

const (
	writeWait = 10 * time.Second

	// incomingBuffer smooths bursts (an offer followed by a trickle of
	// candidates) without reordering; the read pump blocks when it fills.
	incomingBuffer = 16
	outgoingBuffer = 16
)

var ErrChannelClosed = errors.New("transport: channel closed")

// Channel is the signaling pipe between a call participant and its peer.
//
// Incoming yields events in relay-send order. Done is closed exactly once,
// on local Close or connection loss; Err reports the reason afterwards.
type Channel interface {
	Send(msg signalmsg.Message) error
	Incoming() <-chan signalmsg.Message
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Options tunes a websocket channel. Zero values fall back to the defaults
// used by the relay.
type Options struct {
	Log *slog.Logger

	// Token is appended as ?token= and verified by the relay at join time.
	Token string

	PingInterval    time.Duration
	IdleTimeout     time.Duration
	MaxMessageBytes int64
}

func (o *Options) fillDefaults() {
	if o.Log == nil {
		o.Log = slog.Default()
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 20 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 60 * time.Second
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 64 * 1024
	}
}

type wsChannel struct {
	log  *slog.Logger
	conn *websocket.Conn
	opts Options

	incoming chan signalmsg.Message
	outgoing chan signalmsg.Message

	done     chan struct{}
	failOnce sync.Once

	mu  sync.Mutex
	err error
}

// Dial connects to the relay websocket endpoint and starts the read/write
// pumps. ctx bounds the dial only, not the lifetime of the channel.
func Dial(ctx context.Context, rawURL string, opts Options) (Channel, error) {
	opts.fillDefaults()

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid relay url: %w", err)
	}
	if opts.Token != "" {
		q := u.Query()
		q.Set("token", opts.Token)
		u.RawQuery = q.Encode()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", rawURL, err)
	}

	c := &wsChannel{
		log:      opts.Log,
		conn:     conn,
		opts:     opts,
		incoming: make(chan signalmsg.Message, incomingBuffer),
		outgoing: make(chan signalmsg.Message, outgoingBuffer),
		done:     make(chan struct{}),
	}

	conn.SetReadLimit(opts.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(opts.IdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(opts.IdleTimeout))
	})

	go c.readPump()
	go c.writePump()

	return c, nil
}

// DialWithRetry redials with exponential backoff until ctx expires. Callers
// bound ctx with the configured reconnect timeout.
func DialWithRetry(ctx context.Context, rawURL string, opts Options) (Channel, error) {
	backoff := 500 * time.Millisecond
	for {
		ch, err := Dial(ctx, rawURL, opts)
		if err == nil {
			return ch, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("transport: reconnect window elapsed: %w", err)
		case <-time.After(backoff):
		}
		if backoff < 4*time.Second {
			backoff *= 2
		}
	}
}

func (c *wsChannel) Send(msg signalmsg.Message) error {
	select {
	case c.outgoing <- msg:
		return nil
	case <-c.done:
		return c.Err()
	}
}

func (c *wsChannel) Incoming() <-chan signalmsg.Message { return c.incoming }

func (c *wsChannel) Done() <-chan struct{} { return c.done }

func (c *wsChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *wsChannel) Close() error {
	c.fail(ErrChannelClosed)
	return nil
}

// fail records the first failure reason and closes done. Later calls are
// no-ops, so connection loss and local Close do not race.
func (c *wsChannel) fail(err error) {
	c.failOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *wsChannel) readPump() {
	defer close(c.incoming)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(fmt.Errorf("transport: connection lost: %w", err))
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout))

		msg, err := signalmsg.Parse(data)
		if err != nil {
			// A malformed event from the relay is dropped; the stream itself
			// stays usable.
			c.log.Warn("dropping malformed signaling event", "err", err)
			continue
		}

		select {
		case c.incoming <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *wsChannel) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.outgoing:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.fail(fmt.Errorf("transport: write failed: %w", err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.fail(fmt.Errorf("transport: ping failed: %w", err))
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

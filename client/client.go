// Package client is a reconnecting consumer for the floor websocket
// endpoints. It answers server pings, surfaces pushed frames on a
// channel, and retries dropped connections with exponential backoff
// until the server closes the connection with a non-recoverable code
// or the retry budget runs out.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/net/websocket"
)

// Frame is one websocket frame as exchanged with the server.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type closePayload struct {
	Code        string `json:"code"`
	Recoverable bool   `json:"recoverable"`
}

// ErrRetriesExhausted reports that every reconnect attempt in the
// budget failed.
var ErrRetriesExhausted = errors.New("client: reconnect retries exhausted")

// TerminalCloseError reports a server close with a non-recoverable
// code. The client stops reconnecting when it receives one.
type TerminalCloseError struct {
	Code string
}

func (e *TerminalCloseError) Error() string {
	return fmt.Sprintf("client: server closed connection with code %s", e.Code)
}

// Options configures a Client. URL and Origin are required.
type Options struct {
	URL    string
	Origin string

	// Token, when set, is sent as a bearer token at upgrade.
	Token string

	// Reconnect policy. Zero values pick the defaults below.
	InitialInterval time.Duration // default 250ms
	MaxInterval     time.Duration // default 10s
	MaxRetries      int           // consecutive failed dials, default 8

	// FrameBuffer sizes the Frames channel, default 64.
	FrameBuffer int
}

func (o *Options) fill() {
	if o.InitialInterval <= 0 {
		o.InitialInterval = 250 * time.Millisecond
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 10 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 8
	}
	if o.FrameBuffer <= 0 {
		o.FrameBuffer = 64
	}
}

// Client maintains a websocket connection to one floor endpoint.
type Client struct {
	opts   Options
	frames chan Frame
	done   chan struct{}

	mu   sync.Mutex
	conn *websocket.Conn
	err  error
}

// New builds a client. Call Run to connect.
func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("client: url is required")
	}
	if opts.Origin == "" {
		return nil, fmt.Errorf("client: origin is required")
	}
	opts.fill()
	return &Client{
		opts:   opts,
		frames: make(chan Frame, opts.FrameBuffer),
		done:   make(chan struct{}),
	}, nil
}

// Frames delivers server-pushed frames. The channel closes when the
// client stops; check Err for the reason.
func (c *Client) Frames() <-chan Frame {
	return c.frames
}

// Done closes when the client has stopped for good.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the client stopped. It is nil until Done closes,
// and nil after a clean context cancellation.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send writes a frame on the current connection.
func (c *Client) Send(frame Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("client: not connected")
	}
	return json.NewEncoder(conn).Encode(frame)
}

// Run connects and keeps the connection alive until ctx is canceled,
// the server sends a non-recoverable close, or the reconnect budget
// is spent. It blocks for the lifetime of the client.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.done)
	defer close(c.frames)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.opts.InitialInterval
	policy.MaxInterval = c.opts.MaxInterval

	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		conn, err := c.dial()
		if err != nil {
			failures++
			if failures > c.opts.MaxRetries {
				return c.stop(ErrRetriesExhausted)
			}
			wait := policy.NextBackOff()
			log.Printf("client reconnect wait=%s attempt=%d err=%v", wait, failures, err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}

		failures = 0
		policy.Reset()
		c.setConn(conn)

		err = c.readLoop(ctx, conn)
		c.setConn(nil)
		_ = conn.Close()

		var terminal *TerminalCloseError
		if errors.As(err, &terminal) {
			return c.stop(terminal)
		}
		if ctx.Err() != nil {
			return nil
		}
		log.Printf("client connection lost err=%v", err)
	}
}

func (c *Client) dial() (*websocket.Conn, error) {
	cfg, err := websocket.NewConfig(c.opts.URL, c.opts.Origin)
	if err != nil {
		return nil, err
	}
	if c.opts.Token != "" {
		cfg.Header = make(http.Header)
		cfg.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	return websocket.DialConfig(cfg)
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) stop(err error) error {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	return err
}

// readLoop pumps frames until the connection drops. Heartbeat pings
// are answered inline and not surfaced to the consumer.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	decoder := json.NewDecoder(conn)
	for {
		var frame Frame
		if err := decoder.Decode(&frame); err != nil {
			if err == io.EOF {
				return err
			}
			return fmt.Errorf("decode frame: %w", err)
		}

		switch frame.Type {
		case "sys.ping":
			if err := json.NewEncoder(conn).Encode(Frame{Type: "sys.pong", RequestID: frame.RequestID}); err != nil {
				return fmt.Errorf("write pong: %w", err)
			}
		case "sys.close":
			var payload closePayload
			if err := json.Unmarshal(frame.Payload, &payload); err != nil {
				return fmt.Errorf("decode close payload: %w", err)
			}
			if !payload.Recoverable {
				return &TerminalCloseError{Code: payload.Code}
			}
			return fmt.Errorf("server close code=%s", payload.Code)
		default:
			select {
			case c.frames <- frame:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

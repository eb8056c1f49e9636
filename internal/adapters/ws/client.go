// Package ws is the client side of the relay connection: a websocket
// carrying {"event","data"} envelopes, implementing core.Channel.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/voicemesh/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("ws: send queue full")
	ErrClosed       = errors.New("ws: connection closed")
)

const (
	defaultSendBuffer = 64
	defaultPingPeriod = 30 * time.Second
	defaultReadLimit  = 32768
	writeWait         = 5 * time.Second
	closeGrace        = time.Second
)

type Options struct {
	SendBuffer int
	PingPeriod time.Duration
	ReadLimit  int64
	Header     http.Header
}

type Client struct {
	conn       *websocket.Conn
	pingPeriod time.Duration
	log        zerolog.Logger

	hmu      sync.RWMutex
	handlers map[string]func(json.RawMessage)

	mu     sync.RWMutex
	closed bool
	send   chan []byte

	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
	closeErr   error
}

func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := newClient(conn, opts)
	go c.readLoop()
	go c.writeLoop()
	c.log.Info().Str("url", url).Msg("connected")
	return c, nil
}

func newClient(conn *websocket.Conn, opts Options) *Client {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = defaultPingPeriod
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	if conn != nil {
		conn.SetReadLimit(opts.ReadLimit)
	}
	return &Client{
		conn:       conn,
		pingPeriod: opts.PingPeriod,
		log:        log.With().Str("module", "ws.client").Logger(),
		handlers:   make(map[string]func(json.RawMessage)),
		send:       make(chan []byte, opts.SendBuffer),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// On registers the handler for event, replacing any previous one. Handlers
// run on the read goroutine, one at a time.
func (c *Client) On(event string, handler func(json.RawMessage)) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.handlers[event] = handler
}

// Send queues one envelope without blocking.
func (c *Client) Send(event string, payload any) error {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}
	return c.TrySend(frame)
}

func (c *Client) TrySend(frame []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrBackpressure
	}
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close writes everything already queued, says goodbye and closes the
// socket. It is safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.stop()
		select {
		case <-c.writerDone:
		case <-time.After(closeGrace):
			c.log.Warn().Msg("flush timed out")
		}
		c.closeErr = c.conn.Close()
		<-c.done
	})
	return c.closeErr
}

func (c *Client) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) readLoop() {
	defer func() {
		c.stop()
		close(c.done)
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn().Err(err).Msg("read")
			}
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			c.log.Debug().Err(err).Msg("bad envelope")
			continue
		}
		c.hmu.RLock()
		h := c.handlers[env.Event]
		c.hmu.RUnlock()
		if h == nil {
			c.log.Debug().Str("event", env.Event).Msg("no handler")
			continue
		}
		h(env.Data)
	}
}

func (c *Client) writeLoop() {
	defer close(c.writerDone)
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Warn().Err(err).Msg("write")
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Debug().Err(err).Msg("ping")
				_ = c.conn.Close()
				return
			}
		}
	}
}

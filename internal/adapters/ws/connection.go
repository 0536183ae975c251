// Package ws adapts gorilla WebSocket connections to core.Transport.
package ws

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/roomrelay/internal/core"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// WSConn is an indirection over *websocket.Conn to ease testing.
type WSConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(mt int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

type Options struct {
	SendBuffer int
	ReadLimit  int64
	PingPeriod time.Duration
	PongWait   time.Duration
	WriteWait  time.Duration
}

func DefaultOptions() Options {
	return Options{
		SendBuffer: 256,
		ReadLimit:  1 << 20,
		PingPeriod: 54 * time.Second,
		PongWait:   60 * time.Second,
		WriteWait:  10 * time.Second,
	}
}

// Connection is a transport endpoint (WebSocket).
// It implements core.Transport.
type Connection struct {
	id   core.ConnID
	conn WSConn
	opts Options
	send chan core.Frame
	done chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewConnection(id core.ConnID, conn WSConn, opts Options) *Connection {
	def := DefaultOptions()
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = def.SendBuffer
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = def.ReadLimit
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = def.PingPeriod
	}
	if opts.PongWait <= 0 {
		opts.PongWait = def.PongWait
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = def.WriteWait
	}
	return &Connection{
		id:   id,
		conn: conn,
		opts: opts,
		send: make(chan core.Frame, opts.SendBuffer),
		done: make(chan struct{}),
	}
}

func (c *Connection) ID() core.ConnID { return c.id }

// TrySend queues f without blocking. A full queue means the peer is not
// keeping up: the connection is closed and ErrBackpressure returned.
func (c *Connection) TrySend(f core.Frame) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return core.ErrConnClosed
	}
	select {
	case c.send <- f:
		c.mu.RUnlock()
		return nil
	default:
	}
	c.mu.RUnlock()

	log.Warn().Str("module", "adapters.ws").Str("conn", string(c.id)).Msg("send buffer full, dropping connection")
	c.Close()
	return core.ErrBackpressure
}

// Close is safe to call more than once and from any goroutine.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()
	_ = c.conn.Close()
}

func (c *Connection) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Start configures read deadlines and launches the write pump. The
// connection is closed when ctx is done.
func (c *Connection) Start(ctx context.Context) {
	c.conn.SetReadLimit(c.opts.ReadLimit)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait)); err != nil {
		log.Error().Err(err).Str("module", "adapters.ws").Str("conn", string(c.id)).Msg("set read deadline")
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()
	go c.writePump()
}

// Receive returns the next data message.
func (c *Connection) Receive(ctx context.Context) (core.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if c.isClosed() {
			return nil, core.ErrConnClosed
		}
		return nil, err
	}
	return core.Frame(data), nil
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Str("module", "adapters.ws").Str("conn", string(c.id)).Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Str("module", "adapters.ws").Str("conn", string(c.id)).Msg("writePump ping error")
				return
			}
		}
	}
}

func (c *Connection) write(mt int, data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(mt, data)
}

package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"framelock/netcode/internal/session"
	"framelock/netcode/internal/telemetry"
)

// Conn adapts a websocket connection to the session transport: received
// messages accumulate in an inbox the driver drains once per tick.
type Conn struct {
	socket *websocket.Conn
	logger telemetry.Logger

	writeMu sync.Mutex

	mu     sync.Mutex
	inbox  []session.Message
	closed bool

	done chan struct{}
}

func newConn(socket *websocket.Conn, logger telemetry.Logger) *Conn {
	c := &Conn{
		socket: socket,
		logger: logger,
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Dial connects to a relay and joins the named room.
func Dial(ctx context.Context, url, room string, logger telemetry.Logger) (*Conn, error) {
	socket, resp, err := websocket.DefaultDialer.DialContext(ctx, url+"?room="+room, nil)
	if err != nil {
		return nil, fmt.Errorf("ws: dial %s: %w", url, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return newConn(socket, logger), nil
}

// Send marshals the message and writes it to the socket. Safe to call from
// any goroutine.
func (c *Conn) Send(msg session.Message) error {
	if c == nil {
		return session.ErrSessionClosed
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return session.ErrSessionClosed
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("ws: marshal message: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.socket.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("ws: write: %w", err)
	}
	return nil
}

// Drain returns everything received since the last call.
func (c *Conn) Drain() []session.Message {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	drained := c.inbox
	c.inbox = nil
	return drained
}

// Close tears the socket down and stops the read loop.
func (c *Conn) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.socket.WriteMessage(websocket.CloseMessage, message)
	c.writeMu.Unlock()
	err := c.socket.Close()
	<-c.done
	return err
}

// Done closes when the read loop exits, either from Close or a peer hangup.
func (c *Conn) Done() <-chan struct{} {
	if c == nil {
		return nil
	}
	return c.done
}

func (c *Conn) readLoop() {
	defer close(c.done)
	for {
		_, payload, err := c.socket.ReadMessage()
		if err != nil {
			c.mu.Lock()
			wasClosed := c.closed
			if !wasClosed {
				// Abrupt hangup: surface it as a bye so the session
				// disconnects cleanly.
				c.inbox = append(c.inbox, session.Message{Kind: session.MessageBye})
				c.closed = true
			}
			c.mu.Unlock()
			if !wasClosed && c.logger != nil {
				c.logger.Printf("[ws] read loop ended: %v", err)
			}
			return
		}
		var msg session.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			if c.logger != nil {
				c.logger.Printf("[ws] discarding malformed message: %v", err)
			}
			continue
		}
		c.mu.Lock()
		c.inbox = append(c.inbox, msg)
		c.mu.Unlock()
	}
}

var _ session.Transport = (*Conn)(nil)

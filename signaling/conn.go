package signaling

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// outbound is the delivery surface the session store needs from a connection.
// Conn implements it; tests substitute an in-memory capture.
type outbound interface {
	ID() string
	Enqueue(payload []byte) bool
}

// Conn is one live websocket connection from one device.
type Conn struct {
	id string
	ws *websocket.Conn

	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration
	readLimit    int64

	send chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(ws *websocket.Conn, options Options) *Conn {
	return &Conn{
		id:           uuid.NewString(),
		ws:           ws,
		pingInterval: options.PingInterval,
		pongTimeout:  options.PongTimeout,
		writeTimeout: options.WriteTimeout,
		readLimit:    options.ReadLimit,
		send:         make(chan []byte, options.SendBufferSize),
		closed:       make(chan struct{}),
	}
}

// ID returns the transport-assigned connection identifier.
func (c *Conn) ID() string {
	return c.id
}

// Enqueue queues one outbound payload without blocking. A full queue reports
// false; the caller treats delivery as fire-and-forget either way.
func (c *Conn) Enqueue(payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	case <-c.closed:
		return false
	default:
		return false
	}
}

// Done is closed when the connection is fully torn down.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// Close terminates the connection.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
	return nil
}

func (c *Conn) readPump(hub *Hub) {
	defer func() {
		hub.HandleDisconnect(c.id)
		_ = c.Close()
	}()

	c.ws.SetReadLimit(c.readLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.pongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.pongTimeout))
	})

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		hub.HandleMessage(c, payload)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

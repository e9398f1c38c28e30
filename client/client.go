// Package client implements the host-application side of the coordination
// protocol: joining sessions, verifying tokens, exchanging negotiation
// payloads and mirroring transfer lifecycle events.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"droplink/config"
	"droplink/models"
	"droplink/signaling"
)

const (
	// DefaultWriteTimeout bounds each outbound websocket write.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultEventBuffer is the inbound event queue depth.
	DefaultEventBuffer = 64
)

// ErrClosed indicates the client connection is gone.
var ErrClosed = errors.New("client: connection closed")

// Event is one service-to-device message.
type Event struct {
	Type string

	SessionInfo      *signaling.SessionInfoMessage
	DeviceJoined     *signaling.DeviceJoinedMessage
	DeviceLeft       *signaling.DeviceLeftMessage
	Signal           *signaling.SignalMessage
	TransferStart    *signaling.TransferStart
	TransferProgress *signaling.TransferProgress
	TransferComplete *signaling.TransferComplete
}

// Client is one device's connection to the coordination service.
type Client struct {
	ws *websocket.Conn

	writeMu      sync.Mutex
	writeTimeout time.Duration

	events chan Event

	verifyMu      sync.Mutex
	verifyWaiters map[string][]chan bool

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

// Dial connects to a coordination service. rawURL may use the http, https,
// ws or wss scheme; an empty path defaults to the service's /ws endpoint.
func Dial(ctx context.Context, rawURL string) (*Client, error) {
	wsURL, err := normalizeURL(rawURL)
	if err != nil {
		return nil, err
	}

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", wsURL, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	c := &Client{
		ws:            ws,
		writeTimeout:  DefaultWriteTimeout,
		events:        make(chan Event, DefaultEventBuffer),
		verifyWaiters: make(map[string][]chan bool),
		closed:        make(chan struct{}),
	}

	go c.readLoop()
	return c, nil
}

// Events returns the inbound event stream. The channel is closed when the
// connection ends; Err reports the terminal error, if any.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Done is closed when the connection is fully torn down.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// Err returns the terminal connection error, if any.
func (c *Client) Err() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.closeErr
}

// Close terminates the connection.
func (c *Client) Close() error {
	c.closeWithError(nil)
	return nil
}

// Join announces this device into a session, creating it lazily server-side.
func (c *Client) Join(sessionID, role string, metadata models.DeviceMetadata) error {
	return c.send(signaling.JoinMessage{
		Type:      signaling.TypeJoin,
		SessionID: sessionID,
		Role:      role,
		Metadata:  metadata,
	})
}

// CreateSession mints a session token of the configured width and joins it.
// The returned token is what the host shows the user to share with the other
// device.
func (c *Client) CreateSession(cfg *config.ServiceConfig, role string, metadata models.DeviceMetadata) (string, error) {
	sessionID, err := signaling.NewSessionID(cfg.SessionIDLength)
	if err != nil {
		return "", err
	}
	if err := c.Join(sessionID, role, metadata); err != nil {
		return "", err
	}
	return sessionID, nil
}

// Verify asks whether a session currently has members. The reply is
// correlated on the normalized session token; the caller's context supplies
// the timeout, because at the transport level the request is fire-and-forget
// and a lost response is indistinguishable from a missing session.
func (c *Client) Verify(ctx context.Context, sessionID string) (bool, error) {
	id := signaling.NormalizeSessionID(sessionID)
	waiter := make(chan bool, 1)

	c.verifyMu.Lock()
	c.verifyWaiters[id] = append(c.verifyWaiters[id], waiter)
	c.verifyMu.Unlock()
	defer c.dropVerifyWaiter(id, waiter)

	if err := c.send(signaling.VerifyMessage{
		Type:      signaling.TypeVerifySession,
		SessionID: id,
	}); err != nil {
		return false, err
	}

	select {
	case exists := <-waiter:
		return exists, nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-c.closed:
		if err := c.Err(); err != nil {
			return false, err
		}
		return false, ErrClosed
	}
}

// SendOffer relays an opaque offer payload to the other session members.
func (c *Client) SendOffer(sessionID string, payload json.RawMessage) error {
	return c.sendSignal(signaling.TypeOffer, sessionID, payload)
}

// SendAnswer relays an opaque answer payload to the other session members.
func (c *Client) SendAnswer(sessionID string, payload json.RawMessage) error {
	return c.sendSignal(signaling.TypeAnswer, sessionID, payload)
}

// SendCandidate relays an opaque candidate payload to the other session members.
func (c *Client) SendCandidate(sessionID string, payload json.RawMessage) error {
	return c.sendSignal(signaling.TypeCandidate, sessionID, payload)
}

// SendTransferStart announces a transfer beginning.
func (c *Client) SendTransferStart(sessionID, fileName string, fileSize int64) error {
	return c.send(signaling.TransferStart{
		Type:      signaling.TypeTransferStart,
		SessionID: sessionID,
		FileName:  fileName,
		FileSize:  fileSize,
	})
}

// SendTransferProgress mirrors sender progress to session observers.
func (c *Client) SendTransferProgress(sessionID string, percent int) error {
	return c.send(signaling.TransferProgress{
		Type:      signaling.TypeTransferProgress,
		SessionID: sessionID,
		Percent:   percent,
	})
}

// SendTransferComplete announces a finished transfer.
func (c *Client) SendTransferComplete(sessionID string) error {
	return c.send(signaling.TransferComplete{
		Type:      signaling.TypeTransferComplete,
		SessionID: sessionID,
	})
}

func (c *Client) sendSignal(msgType, sessionID string, payload json.RawMessage) error {
	return c.send(signaling.SignalMessage{
		Type:      msgType,
		SessionID: sessionID,
		Payload:   payload,
	})
}

func (c *Client) send(message any) error {
	payload, err := signaling.EncodeJSON(message)
	if err != nil {
		return err
	}

	select {
	case <-c.closed:
		if err := c.Err(); err != nil {
			return err
		}
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.closeWithError(fmt.Errorf("write message: %w", err))
		return err
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.events)

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				errors.Is(err, io.EOF) {
				c.closeWithError(nil)
			} else {
				c.closeWithError(fmt.Errorf("read message: %w", err))
			}
			return
		}

		msgType, err := signaling.DecodeMessageType(payload)
		if err != nil {
			continue
		}

		if msgType == signaling.TypeSessionVerified {
			var msg signaling.SessionVerifiedMessage
			if err := json.Unmarshal(payload, &msg); err == nil {
				c.resolveVerify(msg.SessionID, msg.Exists)
			}
			continue
		}

		event, ok := decodeEvent(msgType, payload)
		if !ok {
			continue
		}

		select {
		case c.events <- event:
		case <-c.closed:
			return
		}
	}
}

func (c *Client) resolveVerify(sessionID string, exists bool) {
	id := signaling.NormalizeSessionID(sessionID)

	c.verifyMu.Lock()
	defer c.verifyMu.Unlock()

	waiters := c.verifyWaiters[id]
	if len(waiters) == 0 {
		return
	}
	waiters[0] <- exists
	if len(waiters) == 1 {
		delete(c.verifyWaiters, id)
		return
	}
	c.verifyWaiters[id] = waiters[1:]
}

func (c *Client) dropVerifyWaiter(sessionID string, waiter chan bool) {
	c.verifyMu.Lock()
	defer c.verifyMu.Unlock()

	waiters := c.verifyWaiters[sessionID]
	for i, w := range waiters {
		if w == waiter {
			c.verifyWaiters[sessionID] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(c.verifyWaiters[sessionID]) == 0 {
		delete(c.verifyWaiters, sessionID)
	}
}

func (c *Client) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.closeErr = err
		c.errMu.Unlock()

		close(c.closed)
		_ = c.ws.Close()
	})
}

func decodeEvent(msgType string, payload []byte) (Event, bool) {
	event := Event{Type: msgType}

	switch msgType {
	case signaling.TypeSessionInfo:
		var msg signaling.SessionInfoMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return Event{}, false
		}
		event.SessionInfo = &msg
	case signaling.TypeDeviceJoined:
		var msg signaling.DeviceJoinedMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return Event{}, false
		}
		event.DeviceJoined = &msg
	case signaling.TypeDeviceLeft:
		var msg signaling.DeviceLeftMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return Event{}, false
		}
		event.DeviceLeft = &msg
	case signaling.TypeOffer, signaling.TypeAnswer, signaling.TypeCandidate:
		var msg signaling.SignalMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return Event{}, false
		}
		event.Signal = &msg
	case signaling.TypeTransferStart:
		var msg signaling.TransferStart
		if err := json.Unmarshal(payload, &msg); err != nil {
			return Event{}, false
		}
		event.TransferStart = &msg
	case signaling.TypeTransferProgress:
		var msg signaling.TransferProgress
		if err := json.Unmarshal(payload, &msg); err != nil {
			return Event{}, false
		}
		event.TransferProgress = &msg
	case signaling.TypeTransferComplete:
		var msg signaling.TransferComplete
		if err := json.Unmarshal(payload, &msg); err != nil {
			return Event{}, false
		}
		event.TransferComplete = &msg
	default:
		return Event{}, false
	}

	return event, true
}

func normalizeURL(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse service URL %q: %w", rawURL, err)
	}

	switch parsed.Scheme {
	case "ws", "wss":
	case "http", "":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported service URL scheme %q", parsed.Scheme)
	}

	if parsed.Path == "" || parsed.Path == "/" {
		parsed.Path = signaling.DefaultPath
	}
	return parsed.String(), nil
}

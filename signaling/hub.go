package signaling

import (
	"encoding/json"
	"fmt"
	"time"

	"droplink/models"
)

// Hub dispatches inbound protocol messages to the registry, the session store
// and the transfer broadcaster. A malformed or failed operation only ever
// affects its own session; the hub never aborts another session's processing.
type Hub struct {
	registry *Registry
	store    *Store

	errs chan error
}

// NewHub creates a hub with a fresh registry and session store.
func NewHub() *Hub {
	return &Hub{
		registry: NewRegistry(),
		store:    NewStore(),
		errs:     make(chan error, 16),
	}
}

// Registry exposes the connection registry.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Store exposes the session store.
func (h *Hub) Store() *Store {
	return h.store
}

// Errors returns asynchronous processing errors.
func (h *Hub) Errors() <-chan error {
	return h.errs
}

// HandleConnect registers a new connection.
func (h *Hub) HandleConnect(conn outbound) {
	h.registry.Register(conn)
}

// HandleDisconnect unwinds all session state a connection touched. Calling it
// twice for the same connection is harmless.
func (h *Hub) HandleDisconnect(connID string) {
	if !h.registry.Unregister(connID) {
		return
	}
	h.store.RemoveConnection(connID)
}

// HandleMessage decodes one inbound payload and applies it.
func (h *Hub) HandleMessage(conn outbound, payload []byte) {
	msgType, err := DecodeMessageType(payload)
	if err != nil {
		h.reportError(fmt.Errorf("connection %s: %w", conn.ID(), err))
		return
	}

	switch msgType {
	case TypeJoin:
		h.handleJoin(conn, payload)
	case TypeVerifySession:
		h.handleVerify(conn, payload)
	case TypeOffer, TypeAnswer, TypeCandidate:
		h.handleSignal(conn, msgType, payload)
	case TypeTransferStart, TypeTransferProgress, TypeTransferComplete:
		h.handleTransfer(conn, msgType, payload)
	default:
		h.reportError(fmt.Errorf("connection %s: unknown message type %q", conn.ID(), msgType))
	}
}

func (h *Hub) handleJoin(conn outbound, payload []byte) {
	var msg JoinMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		h.reportError(fmt.Errorf("decode join: %w", err))
		return
	}

	id := NormalizeSessionID(msg.SessionID)
	if id == "" {
		h.reportError(fmt.Errorf("connection %s: %w", conn.ID(), ErrSessionIDRequired))
		return
	}

	device := models.Device{
		ConnectionID: conn.ID(),
		Role:         models.NormalizeRole(msg.Role),
		Metadata:     msg.Metadata.Normalize(),
		JoinedAt:     time.Now().UnixMilli(),
	}

	h.store.Join(id, conn, device)
	h.registry.SetSession(conn.ID(), id)
}

func (h *Hub) handleVerify(conn outbound, payload []byte) {
	var msg VerifyMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		h.reportError(fmt.Errorf("decode verify-session: %w", err))
		return
	}

	id := NormalizeSessionID(msg.SessionID)
	reply, err := EncodeJSON(SessionVerifiedMessage{
		Type:      TypeSessionVerified,
		SessionID: id,
		Exists:    h.store.Verify(id),
	})
	if err != nil {
		h.reportError(err)
		return
	}
	conn.Enqueue(reply)
}

func (h *Hub) handleSignal(conn outbound, msgType string, payload []byte) {
	var msg SignalMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		h.reportError(fmt.Errorf("decode %s: %w", msgType, err))
		return
	}
	if NormalizeSessionID(msg.SessionID) == "" {
		h.reportError(fmt.Errorf("connection %s: %s: %w", conn.ID(), msgType, ErrSessionIDRequired))
		return
	}

	// The payload stays opaque; only From is stamped before forwarding.
	msg.Type = msgType
	msg.SessionID = NormalizeSessionID(msg.SessionID)
	msg.From = conn.ID()

	forward, err := EncodeJSON(msg)
	if err != nil {
		h.reportError(err)
		return
	}
	h.store.Forward(msg.SessionID, conn.ID(), forward)
}

func (h *Hub) handleTransfer(conn outbound, msgType string, payload []byte) {
	var forward []byte
	var sessionID string
	var encodeErr error

	switch msgType {
	case TypeTransferStart:
		var msg TransferStart
		if err := json.Unmarshal(payload, &msg); err != nil {
			h.reportError(fmt.Errorf("decode transfer-start: %w", err))
			return
		}
		msg.Type = msgType
		msg.SessionID = NormalizeSessionID(msg.SessionID)
		msg.From = conn.ID()
		sessionID = msg.SessionID
		forward, encodeErr = EncodeJSON(msg)
	case TypeTransferProgress:
		var msg TransferProgress
		if err := json.Unmarshal(payload, &msg); err != nil {
			h.reportError(fmt.Errorf("decode transfer-progress: %w", err))
			return
		}
		msg.Type = msgType
		msg.SessionID = NormalizeSessionID(msg.SessionID)
		msg.From = conn.ID()
		if msg.Percent < 0 {
			msg.Percent = 0
		}
		if msg.Percent > 100 {
			msg.Percent = 100
		}
		sessionID = msg.SessionID
		forward, encodeErr = EncodeJSON(msg)
	case TypeTransferComplete:
		var msg TransferComplete
		if err := json.Unmarshal(payload, &msg); err != nil {
			h.reportError(fmt.Errorf("decode transfer-complete: %w", err))
			return
		}
		msg.Type = msgType
		msg.SessionID = NormalizeSessionID(msg.SessionID)
		msg.From = conn.ID()
		sessionID = msg.SessionID
		forward, encodeErr = EncodeJSON(msg)
	}

	if encodeErr != nil {
		h.reportError(encodeErr)
		return
	}
	if sessionID == "" {
		h.reportError(fmt.Errorf("connection %s: %s: %w", conn.ID(), msgType, ErrSessionIDRequired))
		return
	}
	h.store.Forward(sessionID, conn.ID(), forward)
}

func (h *Hub) reportError(err error) {
	if err == nil {
		return
	}
	select {
	case h.errs <- err:
	default:
	}
}

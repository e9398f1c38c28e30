package signaling

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"droplink/models"
)

const (
	// DefaultSessionIDLength is the generated session token width.
	DefaultSessionIDLength = 6
	// DefaultSendBufferSize is the per-connection outbound queue depth.
	DefaultSendBufferSize = 64
	// DefaultReadLimit bounds one inbound websocket message (1 MB).
	DefaultReadLimit = 1 * 1024 * 1024
	// DefaultPingInterval sends websocket pings on idle connections.
	DefaultPingInterval = 30 * time.Second
	// DefaultPongTimeout waits this long for pong before dropping.
	DefaultPongTimeout = 60 * time.Second
	// DefaultWriteTimeout bounds each outbound websocket write.
	DefaultWriteTimeout = 10 * time.Second
)

const (
	TypeJoin             = "join"
	TypeVerifySession    = "verify-session"
	TypeOffer            = "offer"
	TypeAnswer           = "answer"
	TypeCandidate        = "candidate"
	TypeTransferStart    = "transfer-start"
	TypeTransferProgress = "transfer-progress"
	TypeTransferComplete = "transfer-complete"
	TypeSessionInfo      = "session-info"
	TypeDeviceJoined     = "device-joined"
	TypeDeviceLeft       = "device-left"
	TypeSessionVerified  = "session-verified"
)

var (
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("signaling: invalid message type")
	// ErrSessionIDRequired indicates a message without a session identifier.
	ErrSessionIDRequired = errors.New("signaling: session ID is required")
)

const sessionIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// JoinMessage asks to join (and lazily create) a session.
type JoinMessage struct {
	Type      string                `json:"type"`
	SessionID string                `json:"session_id"`
	Role      string                `json:"role,omitempty"`
	Metadata  models.DeviceMetadata `json:"metadata,omitempty"`
}

// VerifyMessage asks whether a session currently has members.
type VerifyMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// SignalMessage carries an opaque negotiation payload (offer, answer or
// candidate). The payload is never inspected by the service; From is stamped
// by the service before forwarding so peers know whom to reply to.
type SignalMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	From      string          `json:"from,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// TransferStart announces a transfer beginning within a session.
type TransferStart struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	From      string `json:"from,omitempty"`
	FileName  string `json:"file_name"`
	FileSize  int64  `json:"file_size"`
}

// TransferProgress mirrors sender-side progress to session observers.
type TransferProgress struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	From      string `json:"from,omitempty"`
	Percent   int    `json:"percent"`
}

// TransferComplete announces a finished transfer.
type TransferComplete struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	From      string `json:"from,omitempty"`
}

// SessionInfoMessage is the reply sent to a joining connection only.
type SessionInfoMessage struct {
	Type       string          `json:"type"`
	SessionID  string          `json:"session_id"`
	Devices    []models.Device `json:"devices"`
	TotalCount int             `json:"total_count"`
}

// DeviceJoinedMessage notifies existing members about a new device.
type DeviceJoinedMessage struct {
	Type       string        `json:"type"`
	SessionID  string        `json:"session_id"`
	Device     models.Device `json:"device"`
	TotalCount int           `json:"total_count"`
}

// DeviceLeftMessage notifies remaining members that a device left.
type DeviceLeftMessage struct {
	Type         string `json:"type"`
	SessionID    string `json:"session_id"`
	ConnectionID string `json:"connection_id"`
	TotalCount   int    `json:"total_count"`
}

// SessionVerifiedMessage answers a verify request. The echoed session ID is
// the caller's correlation token.
type SessionVerifiedMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Exists    bool   `json:"exists"`
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// NormalizeSessionID canonicalizes a session token. Tokens are
// case-insensitive and compared in lowercase.
func NormalizeSessionID(sessionID string) string {
	return strings.ToLower(strings.TrimSpace(sessionID))
}

// NewSessionID generates a human-shareable session token of the given width.
func NewSessionID(length int) (string, error) {
	if length <= 0 {
		length = DefaultSessionIDLength
	}

	out := make([]byte, length)
	max := big.NewInt(int64(len(sessionIDAlphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate session ID: %w", err)
		}
		out[i] = sessionIDAlphabet[n.Int64()]
	}
	return string(out), nil
}

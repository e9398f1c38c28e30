package signaling

import (
	"sync"

	"droplink/models"
)

// Store owns the session → devices mapping and every join/leave/verify/forward
// operation. Mutations to one session and the notifications they produce are
// applied under that session's own lock, so members observe them in a single
// consistent order; sessions never contend with each other.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

type session struct {
	id string

	mu      sync.Mutex
	defunct bool
	members []*member // insertion order is the order other members see
}

type member struct {
	device models.Device
	conn   outbound
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*session)}
}

// Join upserts the device into the session, creating the session lazily.
// A device already present under the same connection ID is replaced in place
// with the latest metadata, keeping its position; only a genuinely new device
// triggers a device-joined notification to the other members. The joining
// connection always receives session-info with the full ordered member list.
func (s *Store) Join(sessionID string, conn outbound, device models.Device) {
	id := NormalizeSessionID(sessionID)
	if id == "" {
		return
	}

	sess := s.getOrCreate(id)
	sess.mu.Lock()
	for sess.defunct {
		sess.mu.Unlock()
		sess = s.getOrCreate(id)
		sess.mu.Lock()
	}
	defer sess.mu.Unlock()

	replaced := false
	for i, m := range sess.members {
		if m.device.ConnectionID == device.ConnectionID {
			device.JoinedAt = m.device.JoinedAt
			sess.members[i] = &member{device: device, conn: conn}
			replaced = true
			break
		}
	}
	if !replaced {
		sess.members = append(sess.members, &member{device: device, conn: conn})
	}
	total := len(sess.members)

	if !replaced {
		if joined, err := EncodeJSON(DeviceJoinedMessage{
			Type:       TypeDeviceJoined,
			SessionID:  id,
			Device:     device,
			TotalCount: total,
		}); err == nil {
			for _, m := range sess.members {
				if m.device.ConnectionID == device.ConnectionID {
					continue
				}
				m.conn.Enqueue(joined)
			}
		}
	}

	devices := make([]models.Device, 0, total)
	for _, m := range sess.members {
		devices = append(devices, m.device)
	}
	if info, err := EncodeJSON(SessionInfoMessage{
		Type:       TypeSessionInfo,
		SessionID:  id,
		Devices:    devices,
		TotalCount: total,
	}); err == nil {
		conn.Enqueue(info)
	}
}

// Verify reports whether the session currently has at least one device.
// A session that was never joined or already emptied reports false; that is
// a normal negative answer, not an error.
func (s *Store) Verify(sessionID string) bool {
	id := NormalizeSessionID(sessionID)

	s.mu.RLock()
	sess := s.sessions[id]
	s.mu.RUnlock()
	if sess == nil {
		return false
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	return !sess.defunct && len(sess.members) > 0
}

// Forward delivers a pre-encoded payload to every session member except the
// originating connection. It returns the number of queued deliveries.
func (s *Store) Forward(sessionID, fromConnID string, payload []byte) int {
	id := NormalizeSessionID(sessionID)

	s.mu.RLock()
	sess := s.sessions[id]
	s.mu.RUnlock()
	if sess == nil {
		return 0
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	delivered := 0
	for _, m := range sess.members {
		if m.device.ConnectionID == fromConnID {
			continue
		}
		if m.conn.Enqueue(payload) {
			delivered++
		}
	}
	return delivered
}

// RemoveConnection removes the device matching connID from every session that
// contains it. Emptied sessions are deleted outright; otherwise the remaining
// members are notified with the new total.
func (s *Store) RemoveConnection(connID string) {
	s.mu.RLock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	for _, sess := range sessions {
		s.removeFrom(sess, connID)
	}
}

func (s *Store) removeFrom(sess *session, connID string) {
	sess.mu.Lock()

	idx := -1
	for i, m := range sess.members {
		if m.device.ConnectionID == connID {
			idx = i
			break
		}
	}
	if idx < 0 {
		sess.mu.Unlock()
		return
	}

	sess.members = append(sess.members[:idx], sess.members[idx+1:]...)

	if len(sess.members) == 0 {
		// An empty session must not remain in the store.
		sess.defunct = true
		sess.mu.Unlock()

		s.mu.Lock()
		if current := s.sessions[sess.id]; current == sess {
			delete(s.sessions, sess.id)
		}
		s.mu.Unlock()
		return
	}

	total := len(sess.members)
	if left, err := EncodeJSON(DeviceLeftMessage{
		Type:         TypeDeviceLeft,
		SessionID:    sess.id,
		ConnectionID: connID,
		TotalCount:   total,
	}); err == nil {
		for _, m := range sess.members {
			m.conn.Enqueue(left)
		}
	}
	sess.mu.Unlock()
}

// Members returns a snapshot of the session's ordered device list.
func (s *Store) Members(sessionID string) []models.Device {
	id := NormalizeSessionID(sessionID)

	s.mu.RLock()
	sess := s.sessions[id]
	s.mu.RUnlock()
	if sess == nil {
		return nil
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	out := make([]models.Device, 0, len(sess.members))
	for _, m := range sess.members {
		out = append(out, m.device)
	}
	return out
}

// SessionCount returns the number of live sessions.
func (s *Store) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Store) getOrCreate(id string) *session {
	s.mu.RLock()
	sess := s.sessions[id]
	s.mu.RUnlock()
	if sess != nil {
		return sess
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess := s.sessions[id]; sess != nil {
		return sess
	}
	sess = &session{id: id}
	s.sessions[id] = sess
	return sess
}

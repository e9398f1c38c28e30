package signaling

import (
	"encoding/json"
	"sync"
	"testing"

	"droplink/models"
)

type fakeConn struct {
	id string

	mu   sync.Mutex
	sent [][]byte
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Enqueue(payload []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := make([]byte, len(payload))
	copy(buf, payload)
	f.sent = append(f.sent, buf)
	return true
}

func (f *fakeConn) messages(t *testing.T) []Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]Envelope, 0, len(f.sent))
	for _, raw := range f.sent {
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("decode queued message: %v", err)
		}
		out = append(out, env)
	}
	return out
}

func (f *fakeConn) lastOfType(t *testing.T, msgType string, target any) bool {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := len(f.sent) - 1; i >= 0; i-- {
		var env Envelope
		if err := json.Unmarshal(f.sent[i], &env); err != nil {
			t.Fatalf("decode queued message: %v", err)
		}
		if env.Type != msgType {
			continue
		}
		if err := json.Unmarshal(f.sent[i], target); err != nil {
			t.Fatalf("decode %s message: %v", msgType, err)
		}
		return true
	}
	return false
}

func countOfType(envs []Envelope, msgType string) int {
	n := 0
	for _, env := range envs {
		if env.Type == msgType {
			n++
		}
	}
	return n
}

func testDevice(connID, role string) models.Device {
	return models.Device{
		ConnectionID: connID,
		Role:         role,
		Metadata:     models.DeviceMetadata{DisplayName: "Device " + connID}.Normalize(),
		JoinedAt:     1000,
	}
}

func TestJoinSendsSessionInfoToJoinerAndJoinedToOthers(t *testing.T) {
	store := NewStore()
	sender := newFakeConn("conn-a")
	receiver := newFakeConn("conn-b")

	store.Join("ab12cd", sender, testDevice("conn-a", models.RoleSender))
	store.Join("AB12CD", receiver, testDevice("conn-b", models.RoleReceiver))

	var info SessionInfoMessage
	if !receiver.lastOfType(t, TypeSessionInfo, &info) {
		t.Fatalf("expected joiner to receive session-info")
	}
	if info.SessionID != "ab12cd" {
		t.Fatalf("expected normalized session ID %q, got %q", "ab12cd", info.SessionID)
	}
	if info.TotalCount != 2 || len(info.Devices) != 2 {
		t.Fatalf("expected 2 devices in session-info, got total=%d devices=%d", info.TotalCount, len(info.Devices))
	}
	if info.Devices[0].ConnectionID != "conn-a" || info.Devices[1].ConnectionID != "conn-b" {
		t.Fatalf("expected join-order device list, got %q then %q",
			info.Devices[0].ConnectionID, info.Devices[1].ConnectionID)
	}

	var joined DeviceJoinedMessage
	if !sender.lastOfType(t, TypeDeviceJoined, &joined) {
		t.Fatalf("expected existing member to receive device-joined")
	}
	if joined.Device.ConnectionID != "conn-b" {
		t.Fatalf("expected device-joined for conn-b, got %q", joined.Device.ConnectionID)
	}
	if joined.TotalCount != 2 {
		t.Fatalf("expected total count 2, got %d", joined.TotalCount)
	}

	if countOfType(receiver.messages(t), TypeDeviceJoined) != 0 {
		t.Fatalf("device-joined must not be echoed to the joiner itself")
	}
	if countOfType(sender.messages(t), TypeSessionInfo) != 1 {
		t.Fatalf("session-info must only go to the joining connection")
	}
}

func TestDuplicateJoinUpsertsWithoutNotification(t *testing.T) {
	store := NewStore()
	first := newFakeConn("conn-a")
	second := newFakeConn("conn-b")

	store.Join("room01", first, testDevice("conn-a", models.RoleSender))
	store.Join("room01", second, testDevice("conn-b", models.RoleReceiver))

	rejoin := testDevice("conn-b", models.RoleReceiver)
	rejoin.Metadata.DisplayName = "Renamed"
	rejoin.JoinedAt = 9999
	store.Join("room01", second, rejoin)

	if got := countOfType(first.messages(t), TypeDeviceJoined); got != 1 {
		t.Fatalf("expected exactly one device-joined for conn-b, got %d", got)
	}

	members := store.Members("room01")
	if len(members) != 2 {
		t.Fatalf("expected 2 members after upsert, got %d", len(members))
	}
	if members[1].ConnectionID != "conn-b" {
		t.Fatalf("expected upsert to keep position, got %q at index 1", members[1].ConnectionID)
	}
	if members[1].Metadata.DisplayName != "Renamed" {
		t.Fatalf("expected upsert to apply new metadata, got %q", members[1].Metadata.DisplayName)
	}
	if members[1].JoinedAt != 1000 {
		t.Fatalf("expected upsert to preserve original join time, got %d", members[1].JoinedAt)
	}
}

func TestVerifyReflectsSessionLifecycle(t *testing.T) {
	store := NewStore()

	if store.Verify("ghost1") {
		t.Fatalf("expected unknown session to verify false")
	}

	conn := newFakeConn("conn-a")
	store.Join("live01", conn, testDevice("conn-a", models.RoleSender))
	if !store.Verify("LIVE01") {
		t.Fatalf("expected joined session to verify true regardless of token case")
	}

	store.RemoveConnection("conn-a")
	if store.Verify("live01") {
		t.Fatalf("expected emptied session to verify false")
	}
	if store.SessionCount() != 0 {
		t.Fatalf("expected emptied session to be deleted, %d sessions remain", store.SessionCount())
	}
}

func TestForwardSkipsOriginator(t *testing.T) {
	store := NewStore()
	a := newFakeConn("conn-a")
	b := newFakeConn("conn-b")
	c := newFakeConn("conn-c")

	store.Join("fan001", a, testDevice("conn-a", models.RoleSender))
	store.Join("fan001", b, testDevice("conn-b", models.RoleReceiver))
	store.Join("fan001", c, testDevice("conn-c", models.RoleReceiver))

	payload := []byte(`{"type":"offer","session_id":"fan001","payload":{"sdp":"x"}}`)
	if delivered := store.Forward("fan001", "conn-a", payload); delivered != 2 {
		t.Fatalf("expected 2 deliveries, got %d", delivered)
	}

	if countOfType(a.messages(t), TypeOffer) != 0 {
		t.Fatalf("originator must not receive its own forwarded payload")
	}
	if countOfType(b.messages(t), TypeOffer) != 1 || countOfType(c.messages(t), TypeOffer) != 1 {
		t.Fatalf("expected both other members to receive the payload")
	}

	if delivered := store.Forward("nosuch", "conn-a", payload); delivered != 0 {
		t.Fatalf("expected forward to unknown session to deliver nothing")
	}
}

func TestRemoveConnectionNotifiesRemaining(t *testing.T) {
	store := NewStore()
	a := newFakeConn("conn-a")
	b := newFakeConn("conn-b")

	store.Join("pair01", a, testDevice("conn-a", models.RoleSender))
	store.Join("pair01", b, testDevice("conn-b", models.RoleReceiver))

	store.RemoveConnection("conn-b")

	var left DeviceLeftMessage
	if !a.lastOfType(t, TypeDeviceLeft, &left) {
		t.Fatalf("expected remaining member to receive device-left")
	}
	if left.ConnectionID != "conn-b" {
		t.Fatalf("expected device-left for conn-b, got %q", left.ConnectionID)
	}
	if left.TotalCount != 1 {
		t.Fatalf("expected total count 1 after leave, got %d", left.TotalCount)
	}

	if members := store.Members("pair01"); len(members) != 1 || members[0].ConnectionID != "conn-a" {
		t.Fatalf("expected only conn-a to remain, got %v", members)
	}

	// Removing an unknown connection is a no-op.
	store.RemoveConnection("conn-z")
	if store.SessionCount() != 1 {
		t.Fatalf("expected session to survive unrelated removal")
	}
}

func TestSessionCanBeRecreatedAfterDeletion(t *testing.T) {
	store := NewStore()

	a := newFakeConn("conn-a")
	store.Join("reuse1", a, testDevice("conn-a", models.RoleSender))
	store.RemoveConnection("conn-a")

	b := newFakeConn("conn-b")
	store.Join("reuse1", b, testDevice("conn-b", models.RoleReceiver))

	if !store.Verify("reuse1") {
		t.Fatalf("expected recreated session to verify true")
	}
	members := store.Members("reuse1")
	if len(members) != 1 || members[0].ConnectionID != "conn-b" {
		t.Fatalf("expected fresh session with only conn-b, got %v", members)
	}
}

package storage

import (
	"testing"

	"droplink/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustSaveTransfer(t *testing.T, store *Store, transferID, sessionID, direction string) {
	t.Helper()

	err := store.SaveTransfer(models.TransferRecord{
		TransferID:       transferID,
		SessionID:        sessionID,
		PeerConnectionID: "peer-" + transferID,
		Filename:         transferID + ".bin",
		Filesize:         1024,
		Direction:        direction,
		Status:           StatusActive,
		StartedAt:        1_700_000_000_000,
	})
	if err != nil {
		t.Fatalf("save transfer %q: %v", transferID, err)
	}
}

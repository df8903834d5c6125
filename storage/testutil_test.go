package storage

import (
	"testing"
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

func textRecord(id, peerID string, timestamp int64, origin string) Record {
	return Record{
		MessageID: id,
		PeerID:    peerID,
		Timestamp: timestamp,
		Kind:      KindText,
		Content:   "content of " + id,
		Origin:    origin,
	}
}

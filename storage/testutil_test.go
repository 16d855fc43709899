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

func mustUpsertDevice(t *testing.T, store *Store, uuid, name, status string) {
	t.Helper()

	err := store.UpsertDevice(Device{
		UUID:         uuid,
		DisplayName:  name,
		PublicKey:    "base64-public-key-" + uuid,
		SharedSecret: "base64-secret-" + uuid,
		Status:       status,
	})
	if err != nil {
		t.Fatalf("upsert device %q: %v", uuid, err)
	}
}

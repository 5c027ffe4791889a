// Package testutil provides shared test helpers: canister fixtures, temporary
// workspaces and journal databases.
package testutil

import (
	"os"
	"testing"

	"github.com/starford/lightic/internal/storage"
)

// TestDBPath returns the path of a temporary SQLite file that is removed
// when the test ends.
func TestDBPath(t *testing.T) string {
	t.Helper()
	dbFile, err := os.CreateTemp("", "lightic-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() {
		os.Remove(dbFile.Name())
		os.Remove(dbFile.Name() + "-wal")
		os.Remove(dbFile.Name() + "-shm")
	})
	return dbFile.Name()
}

// TestWorkspace creates a temporary workspace directory with a
// storage.Provider. Each named module is written into it.
func TestWorkspace(t *testing.T, modules map[string][]byte) (string, storage.Provider) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewFS(dir)
	if err != nil {
		t.Fatal(err)
	}
	for name, content := range modules {
		if err := store.Write(name, content); err != nil {
			t.Fatal(err)
		}
	}
	return dir, store
}

// WithTrailer returns a copy of wasm with a small custom section appended, so
// the module hash changes while the code stays the same. The section carries
// a payload byte: the runtime rejects a custom section that ends right after
// its name.
func WithTrailer(wasm []byte) []byte {
	return append(append([]byte(nil), wasm...), 0, 5, 3, 'x', 'y', 'z', 1)
}

package watcher

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/starford/lightic/internal/principal"
)

type fakeRedeployer struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeRedeployer) Redeploy(_ context.Context, path string) ([]principal.Principal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, path)
	if f.err != nil {
		return nil, f.err
	}
	return []principal.Principal{principal.CanisterID(1)}, nil
}

func (f *fakeRedeployer) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// eventually polls fn every tick until it returns true or timeout elapses.
func eventually(t *testing.T, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func start(t *testing.T, root string, r Redeployer, cb Callback) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := Watch(ctx, r, root, 50*time.Millisecond, quietLogger(), cb); err != nil {
			t.Errorf("Watch: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	// Let the watcher register its directories.
	time.Sleep(50 * time.Millisecond)
}

func TestWatcher_ModuleWriteRedeploys(t *testing.T) {
	root := t.TempDir()
	r := &fakeRedeployer{}

	var mu sync.Mutex
	var got []string
	start(t, root, r, func(path string, upgraded []principal.Principal) {
		mu.Lock()
		defer mu.Unlock()
		if len(upgraded) == 1 {
			got = append(got, path)
		}
	})

	target := filepath.Join(root, "counter.wasm")
	// A burst of writes is coalesced into one redeploy.
	for i := range 3 {
		if err := os.WriteFile(target, []byte{0, 'a', 's', 'm', byte(i)}, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	eventually(t, 2*time.Second, 20*time.Millisecond, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, "callback not called for module write")

	time.Sleep(150 * time.Millisecond)
	if calls := r.snapshot(); len(calls) != 1 || calls[0] != "counter.wasm" {
		t.Errorf("redeploy calls = %v, want [counter.wasm]", calls)
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	root := t.TempDir()
	r := &fakeRedeployer{}
	start(t, root, r, nil)

	if err := os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "counter.did"), []byte("service : {}"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)
	if calls := r.snapshot(); len(calls) != 0 {
		t.Errorf("redeploy calls = %v, want none", calls)
	}
}

func TestWatcher_NewDirectoryIsWatched(t *testing.T) {
	root := t.TempDir()
	r := &fakeRedeployer{}
	start(t, root, r, nil)

	sub := filepath.Join(root, "build")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(sub, "app.wasm.gz"), []byte{0x1f, 0x8b}, 0o644); err != nil {
		t.Fatal(err)
	}

	eventually(t, 2*time.Second, 20*time.Millisecond, func() bool {
		calls := r.snapshot()
		return len(calls) > 0 && calls[0] == "build/app.wasm.gz"
	}, "module in new directory not redeployed")
}

func TestWatcher_RedeployErrorIsNotFatal(t *testing.T) {
	root := t.TempDir()
	r := &fakeRedeployer{err: errors.New("bad module")}
	start(t, root, r, func(string, []principal.Principal) {
		t.Error("callback called for failed redeploy")
	})

	if err := os.WriteFile(filepath.Join(root, "a.wasm"), []byte{0}, 0o644); err != nil {
		t.Fatal(err)
	}
	eventually(t, 2*time.Second, 20*time.Millisecond, func() bool {
		return len(r.snapshot()) == 1
	}, "redeploy not attempted")
}

package internal

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/starford/lightic/internal/testutil"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	dir, _ := testutil.TestWorkspace(t, map[string][]byte{"counter.wasm": testutil.Counter()})
	cfg := NewDefaultConfig()
	cfg.Workspace.Root = dir
	cfg.Journal.Path = ":memory:"
	return cfg
}

func TestNewRuntimeDeploysStartupCanisters(t *testing.T) {
	cfg := testConfig(t)
	cfg.Canisters = []CanisterConfig{
		{Name: "counter", Wasm: "counter.wasm"},
		{Name: "pinned", Wasm: "counter.wasm", ID: "r7inp-6aaaa-aaaaa-aaabq-cai"},
	}
	var logs bytes.Buffer
	rt, err := newRuntime(context.Background(), &application{config: cfg, logOutput: &logs})
	if err != nil {
		t.Fatalf("newRuntime: %v", err)
	}
	defer rt.close(context.Background())

	if _, err := rt.emu.Resolve("counter"); err != nil {
		t.Errorf("counter not deployed: %v", err)
	}
	id, err := rt.emu.Resolve("pinned")
	if err != nil || id.String() != "r7inp-6aaaa-aaaaa-aaabq-cai" {
		t.Errorf("pinned = %v, %v", id, err)
	}
	if events, err := rt.journal.Events("", 10); err != nil || len(events) == 0 {
		t.Errorf("journal events = %v, %v", events, err)
	}
	if !strings.Contains(logs.String(), "canister deployed") {
		t.Errorf("expected deploy log, got %s", logs.String())
	}
}

func TestNewRuntimeFailsOnMissingModule(t *testing.T) {
	cfg := testConfig(t)
	cfg.Canisters = []CanisterConfig{{Wasm: "ghost.wasm"}}
	_, err := newRuntime(context.Background(), &application{config: cfg, logOutput: &bytes.Buffer{}})
	if err == nil || !strings.Contains(err.Error(), "ghost.wasm") {
		t.Fatalf("err = %v, want deploy failure", err)
	}
}

func TestNewRuntimeWithoutJournal(t *testing.T) {
	cfg := testConfig(t)
	cfg.Journal.Path = ""
	rt, err := newRuntime(context.Background(), &application{config: cfg, logOutput: &bytes.Buffer{}})
	if err != nil {
		t.Fatalf("newRuntime: %v", err)
	}
	defer rt.close(context.Background())
	if rt.journalOrNil() != nil {
		t.Error("journal should be disabled")
	}
}

func TestLoggerFanout(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.App.LogFile = filepath.Join(t.TempDir(), "app.log")
	var console bytes.Buffer
	logger, closer, err := newLogger(cfg, &console)
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	logger.Info("hello")
	closer.Close()

	data, err := os.ReadFile(cfg.App.LogFile)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"msg":"hello"`) || !strings.Contains(console.String(), `"msg":"hello"`) {
		t.Errorf("file = %s, console = %s", data, console.String())
	}
}

func TestRunRequiresConfig(t *testing.T) {
	if err := Run(context.Background()); err == nil {
		t.Fatal("Run without config should fail")
	}
}

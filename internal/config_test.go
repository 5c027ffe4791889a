package internal

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	pkgconfig "github.com/starford/lightic/pkg/config"
)

func TestAuthConfig_NoneMode(t *testing.T) {
	cfg := AuthConfig{Mode: "none", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("none mode should pass: %v", err)
	}
	if cfg.AuthEnabled() {
		t.Error("none mode should not be enabled")
	}
}

func TestAuthConfig_EmptyModeDefaultsNone(t *testing.T) {
	cfg := AuthConfig{Mode: "", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty mode should default to none: %v", err)
	}
	if cfg.Mode != AuthModeNone {
		t.Errorf("mode = %q, want %q", cfg.Mode, AuthModeNone)
	}
}

func TestAuthConfig_TokenModeValid(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: "mysecret"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("token mode with token should pass: %v", err)
	}
	if !cfg.AuthEnabled() {
		t.Error("token mode should be enabled")
	}
}

func TestAuthConfig_TokenModeEmptyToken(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: ""}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("token mode with empty token should fail")
	}
	if !strings.Contains(err.Error(), "token is empty") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAuthConfig_InvalidMode(t *testing.T) {
	cfg := AuthConfig{Mode: "magic", Token: "x"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("invalid mode should fail validation")
	}
}

func TestFullConfig_AuthValidationCalled(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Auth.Mode = "token"
	cfg.Auth.Token = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("full config validate should catch auth error")
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	if err := NewDefaultConfig().Validate(); err != nil {
		t.Fatalf("default config: %v", err)
	}
}

func TestReplicaConfig(t *testing.T) {
	cfg := ReplicaConfig{MaxCanisters: 10, EvictionBatch: 20}
	if err := cfg.Validate(); err == nil {
		t.Error("eviction batch above the ceiling should fail")
	}
	cfg = ReplicaConfig{MaxCanisters: 10, EvictionBatch: 2, MintingCanister: "not-a-principal"}
	if err := cfg.Validate(); err == nil {
		t.Error("bad minting canister should fail")
	}
	cfg = ReplicaConfig{MaxCanisters: 10, EvictionBatch: 2, InitialCycles: 5, MintingCanister: "rrkah-fqaaa-aaaaa-aaaaq-cai"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid replica config: %v", err)
	}
	opts := cfg.Options(nil)
	if opts.MintingCanister.String() != "rrkah-fqaaa-aaaaa-aaaaq-cai" || opts.InitialCycles.Uint64() != 5 {
		t.Errorf("options = %+v", opts)
	}
}

func TestCanisterConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     CanisterConfig
		wantErr bool
	}{
		{"minimal", CanisterConfig{Wasm: "counter.wasm"}, false},
		{"gzipped", CanisterConfig{Wasm: "counter.wasm.gz", InitArgHex: "4449444c0000"}, false},
		{"missing wasm", CanisterConfig{Name: "x"}, true},
		{"not a module", CanisterConfig{Wasm: "counter.did"}, true},
		{"bad id", CanisterConfig{Wasm: "a.wasm", ID: "nope"}, true},
		{"bad hex", CanisterConfig{Wasm: "a.wasm", InitArgHex: "zz"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDuplicateCanisterNames(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Canisters = []CanisterConfig{{Name: "a", Wasm: "a.wasm"}, {Name: "a", Wasm: "b.wasm"}}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("duplicate names: %v", err)
	}
}

func TestLoadYAML(t *testing.T) {
	t.Setenv("LIGHTIC_TEST_PORT", "9090")
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
app:
  log_level: debug
  http:
    port: ${LIGHTIC_TEST_PORT}
replica:
  max_canisters: ${LIGHTIC_TEST_MAX:-50}
  eviction_batch: 5
workspace:
  root: ./wasm
  watch: true
journal:
  path: ":memory:"
canisters:
  - name: counter
    wasm: counter.wasm
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := NewDefaultConfig()
	if err := pkgconfig.Load(path, cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.App.HTTP.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.App.HTTP.Port)
	}
	if cfg.Replica.MaxCanisters != 50 {
		t.Errorf("max_canisters = %d, want 50", cfg.Replica.MaxCanisters)
	}
	if cfg.Replica.InitialCycles != 1_000_000_000_000 {
		t.Errorf("initial_cycles default lost: %d", cfg.Replica.InitialCycles)
	}
	if !cfg.Workspace.Watch || len(cfg.Canisters) != 1 || cfg.Canisters[0].Name != "counter" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Auth.Mode != AuthModeNone {
		t.Errorf("auth mode = %q", cfg.Auth.Mode)
	}
}

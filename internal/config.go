package internal

import (
	"encoding/hex"
	"fmt"
	"log/slog"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/lightic/internal/cycles"
	"github.com/starford/lightic/internal/principal"
	"github.com/starford/lightic/internal/replica"
	"github.com/starford/lightic/internal/storage"
)

// Auth modes.
const (
	AuthModeNone  = "none"
	AuthModeToken = "token"
)

// Config represents the application configuration.
type Config struct {
	App       ApplicationConfig `yaml:"app"`
	Replica   ReplicaConfig     `yaml:"replica"`
	Workspace WorkspaceConfig   `yaml:"workspace"`
	Journal   JournalConfig     `yaml:"journal"`
	Auth      AuthConfig        `yaml:"auth"`
	Canisters []CanisterConfig  `yaml:"canisters"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Replica.Validate(); err != nil {
		return err
	}
	if err := c.Workspace.Validate(); err != nil {
		return err
	}
	if err := c.Auth.Validate(); err != nil {
		return err
	}
	names := make(map[string]bool, len(c.Canisters))
	for i := range c.Canisters {
		cc := &c.Canisters[i]
		if err := cc.Validate(); err != nil {
			return fmt.Errorf("canisters[%d]: %w", i, err)
		}
		if cc.Name != "" && names[cc.Name] {
			return fmt.Errorf("canisters[%d]: duplicate name %q", i, cc.Name)
		}
		names[cc.Name] = true
	}
	return nil
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	// LogFile, when set, receives a JSON copy of every log record.
	LogFile string     `yaml:"log_file"`
	HTTP    HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// ReplicaConfig tunes the replica.
type ReplicaConfig struct {
	MaxCanisters    int    `yaml:"max_canisters"`
	EvictionBatch   int    `yaml:"eviction_batch"`
	InitialCycles   uint64 `yaml:"initial_cycles"`
	MintingCanister string `yaml:"minting_canister"`
}

// Validate validates the replica configuration.
func (c *ReplicaConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.MaxCanisters, validation.Required, validation.Min(1)),
		validation.Field(&c.EvictionBatch, validation.Required, validation.Min(1)),
	); err != nil {
		return err
	}
	if c.EvictionBatch > c.MaxCanisters {
		return fmt.Errorf("replica: eviction_batch %d exceeds max_canisters %d", c.EvictionBatch, c.MaxCanisters)
	}
	if c.MintingCanister != "" {
		if _, err := principal.Decode(c.MintingCanister); err != nil {
			return fmt.Errorf("replica: minting_canister: %w", err)
		}
	}
	return nil
}

// Options converts the configuration into replica options.
func (c *ReplicaConfig) Options(logger *slog.Logger) replica.Config {
	out := replica.Config{
		MaxCanisters:  c.MaxCanisters,
		EvictionBatch: c.EvictionBatch,
		InitialCycles: cycles.New(c.InitialCycles),
		Logger:        logger,
	}
	if c.MintingCanister != "" {
		out.MintingCanister, _ = principal.Decode(c.MintingCanister)
	}
	return out
}

// WorkspaceConfig holds the directory canister modules are read from.
type WorkspaceConfig struct {
	Root string `yaml:"root"`
	// Watch upgrades deployed canisters when their module file changes.
	Watch bool `yaml:"watch"`
}

// Validate validates the workspace configuration.
func (c *WorkspaceConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Root, validation.Required),
	)
}

// JournalConfig holds the message journal database.
type JournalConfig struct {
	// Path is a SQLite DSN. Empty disables the journal; ":memory:" keeps it
	// in memory.
	Path string `yaml:"path"`
}

// Enabled reports whether messages are journaled.
func (c *JournalConfig) Enabled() bool {
	return c.Path != ""
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "none" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeNone
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeNone, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// CanisterConfig describes a canister deployed at startup.
type CanisterConfig struct {
	Name       string `yaml:"name"`
	Wasm       string `yaml:"wasm"`
	Candid     string `yaml:"candid"`
	ID         string `yaml:"id"`
	InitArgHex string `yaml:"init_arg_hex"`
}

// Validate validates the canister entry.
func (c *CanisterConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Wasm, validation.Required, validation.By(isModuleFile)),
		validation.Field(&c.ID, validation.By(isPrincipal)),
		validation.Field(&c.InitArgHex, validation.By(isHex)),
	)
}

func isModuleFile(v any) error {
	name, _ := v.(string)
	if kind, ok := storage.KindOf(name); !ok || kind != "wasm" {
		return fmt.Errorf("must be a .wasm or .wasm.gz file")
	}
	return nil
}

func isPrincipal(v any) error {
	text, _ := v.(string)
	if text == "" {
		return nil
	}
	_, err := principal.Decode(text)
	return err
}

func isHex(v any) error {
	text, _ := v.(string)
	_, err := hex.DecodeString(text)
	return err
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Replica: ReplicaConfig{
			MaxCanisters:  replica.DefaultMaxCanisters,
			EvictionBatch: replica.DefaultEvictionBatch,
			InitialCycles: 1_000_000_000_000,
		},
		Workspace: WorkspaceConfig{
			Root: "./canisters",
		},
		Journal: JournalConfig{
			Path: "./lightic.db",
		},
		Auth: AuthConfig{
			Mode: AuthModeNone,
		},
	}
}

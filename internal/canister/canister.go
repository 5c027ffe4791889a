// Package canister runs canister modules: it instantiates a module inside
// its own wazero runtime, binds the ic0 System API and drives every message
// addressed to the canister through the matching entry point.
package canister

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/starford/lightic/internal/apperr"
	"github.com/starford/lightic/internal/cycles"
	"github.com/starford/lightic/internal/idl"
	"github.com/starford/lightic/internal/modstore"
	"github.com/starford/lightic/internal/models"
	"github.com/starford/lightic/internal/principal"
	"github.com/starford/lightic/internal/wasmbin"
)

// DefaultCycles is the balance of a freshly created canister.
const DefaultCycles = 1_000_000_000_000

const errNoResponse = "canister did not reply to the call"

// Host is what a canister needs from the replica that runs it.
type Host interface {
	// StoreMessage enqueues a message and returns its id.
	StoreMessage(m *models.Message) string
	// Message looks up a stored message.
	Message(id string) (*models.Message, bool)
	// DataCertificate certifies data on behalf of canister id for queries;
	// nil when certification is unavailable.
	DataCertificate(id principal.Principal, data []byte) []byte
}

// Config carries the collaborators of a canister.
type Config struct {
	Engine          *Engine
	Host            Host
	Logger          *slog.Logger
	MintingCanister principal.Principal
	InitialCycles   cycles.Amount
	Controllers     []principal.Principal
	Clock           func() time.Time
}

// WasmCanister is one installed canister.
type WasmCanister struct {
	id      principal.Principal
	created time.Time
	engine  *Engine
	host    Host
	logger  *slog.Logger
	minting principal.Principal
	now     func() time.Time

	state *State
	live  *instance

	candid string
	iface  *idl.Interface
}

// instance is one instantiation of a module. Upgrades build a new instance
// and swap it in only once the upgrade hooks succeeded.
type instance struct {
	module   *modstore.Module
	rt       wazero.Runtime
	compiled wazero.CompiledModule
	mod      api.Module
	memory   api.Memory
	// tramp invokes table entries; nil when the module has no table.
	tramp api.Function
}

func (in *instance) export(name string) api.Function {
	if _, ok := in.compiled.ExportedFunctions()[name]; !ok {
		return nil
	}
	return in.mod.ExportedFunction(name)
}

func (in *instance) close(ctx context.Context) error {
	return in.rt.Close(ctx)
}

// New creates an empty canister. Install attaches a module.
func New(id principal.Principal, cfg Config) *WasmCanister {
	if cfg.Engine == nil {
		cfg.Engine = NewEngine()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	balance := cfg.InitialCycles
	if balance.IsZero() {
		balance = cycles.New(DefaultCycles)
	}
	return &WasmCanister{
		id:      id,
		created: cfg.Clock(),
		engine:  cfg.Engine,
		host:    cfg.Host,
		logger:  cfg.Logger.With(slog.String("canister", id.String())),
		minting: cfg.MintingCanister,
		now:     cfg.Clock,
		state: &State{
			Cycles:      balance,
			Controllers: cfg.Controllers,
		},
	}
}

func (c *WasmCanister) ID() principal.Principal { return c.id }

func (c *WasmCanister) CreatedAt() time.Time { return c.created }

// Module is the installed module, nil before installation.
func (c *WasmCanister) Module() *modstore.Module {
	if c.live == nil {
		return nil
	}
	return c.live.module
}

// Interface is the resolved interface description, nil when none was found.
func (c *WasmCanister) Interface() *idl.Interface { return c.iface }

// Candid is the interface description text.
func (c *WasmCanister) Candid() string { return c.candid }

// Cycles is the current balance.
func (c *WasmCanister) Cycles() cycles.Amount { return c.state.Cycles }

// Deposit adds cycles to the balance.
func (c *WasmCanister) Deposit(amount cycles.Amount) {
	c.state.Cycles = c.state.Cycles.Add(amount)
}

// CertifiedData is the committed certified data.
func (c *WasmCanister) CertifiedData() []byte { return c.state.CertifiedData }

// IsController reports whether p controls the canister.
func (c *WasmCanister) IsController(p principal.Principal) bool {
	return c.state.isController(p)
}

// Close tears down the runtime.
func (c *WasmCanister) Close(ctx context.Context) error {
	if c.live == nil {
		return nil
	}
	err := c.live.close(ctx)
	c.live = nil
	return err
}

// MethodInfo describes an exported method.
type MethodInfo struct {
	Name  string `json:"name"`
	Query bool   `json:"query"`
}

// Info is a read-only summary of the canister.
type Info struct {
	ID            principal.Principal   `json:"id"`
	CreatedAt     time.Time             `json:"created_at"`
	ModuleCID     string                `json:"module_cid,omitempty"`
	ModuleHash    string                `json:"module_hash,omitempty"`
	Cycles        cycles.Amount         `json:"cycles"`
	Methods       []MethodInfo          `json:"methods"`
	CertifiedData string                `json:"certified_data,omitempty"`
	Controllers   []principal.Principal `json:"controllers"`
	Version       uint64                `json:"version"`
	StablePages   uint64                `json:"stable_pages"`
	HasInterface  bool                  `json:"has_interface"`
}

func (c *WasmCanister) Info() Info {
	info := Info{
		ID:            c.id,
		CreatedAt:     c.created,
		Cycles:        c.state.Cycles,
		Methods:       c.Methods(),
		CertifiedData: hex.EncodeToString(c.state.CertifiedData),
		Controllers:   c.state.Controllers,
		Version:       c.state.Version,
		StablePages:   c.state.Stable.Pages(),
		HasInterface:  c.iface != nil && c.iface.Service != nil,
	}
	if mod := c.Module(); mod != nil {
		info.ModuleCID = mod.CID.String()
		info.ModuleHash = hex.EncodeToString(mod.Hash[:])
	}
	return info
}

// Methods lists callable methods, from the interface description when
// available and from the module exports otherwise.
func (c *WasmCanister) Methods() []MethodInfo {
	var out []MethodInfo
	if c.iface != nil && c.iface.Service != nil {
		for _, m := range c.iface.Service.Methods() {
			out = append(out, MethodInfo{Name: m.Name, Query: m.IsQuery()})
		}
		return out
	}
	if c.live == nil {
		return nil
	}
	for name := range c.live.compiled.ExportedFunctions() {
		kind, method, ok := strings.Cut(name, " ")
		if !ok || method == models.CandidInterfaceMethod {
			continue
		}
		switch kind {
		case "canister_update":
			out = append(out, MethodInfo{Name: method})
		case "canister_query", "canister_composite_query":
			out = append(out, MethodInfo{Name: method, Query: true})
		}
	}
	sortMethods(out)
	return out
}

func sortMethods(ms []MethodInfo) {
	slices.SortFunc(ms, func(a, b MethodInfo) int { return strings.Compare(a.Name, b.Name) })
}

// instantiate builds a fresh instance of mod. The module's start function,
// if any, runs as part of it.
func (c *WasmCanister) instantiate(ctx context.Context, mod *modstore.Module) (*instance, error) {
	rt := wazero.NewRuntimeWithConfig(ctx, c.engine.runtimeConfig())
	compiled, err := rt.CompileModule(ctx, mod.Code)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("%w: compile: %v", apperr.ErrInvalidArgument, err)
	}
	if err := bindImports(ctx, rt, compiled); err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}

	start := c.newExecution(models.CallStart, models.NewSystem(models.CallStart, c.id, "canister_start", nil), nil, nil)
	m, err := rt.InstantiateModule(withExecution(ctx, start), compiled,
		wazero.NewModuleConfig().WithName(wasmbin.TrampolineTableModule).WithStartFunctions())
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("%w: instantiate: %s", apperr.ErrInvalidArgument, trapMessage(err))
	}

	in := &instance{module: mod, rt: rt, compiled: compiled, mod: m}
	in.memory = m.ExportedMemory("memory")
	if in.memory == nil {
		in.memory = m.ExportedMemory("mem")
	}
	if in.memory == nil {
		in.memory = m.Memory()
	}

	tramp, err := rt.InstantiateWithConfig(ctx, wasmbin.Trampoline(), wazero.NewModuleConfig().WithName("trampoline"))
	if err != nil {
		c.logger.Debug("module has no function table, callbacks disabled", slog.String("error", err.Error()))
	} else {
		in.tramp = tramp.ExportedFunction(wasmbin.TrampolineInvoke)
	}
	return in, nil
}

// bindImports builds one host module per imported module name. Known ic0
// functions get their handlers; anything else becomes a no-op with the
// declared signature that returns zeros.
func bindImports(ctx context.Context, rt wazero.Runtime, compiled wazero.CompiledModule) error {
	byModule := map[string][]api.FunctionDefinition{}
	var order []string
	for _, def := range compiled.ImportedFunctions() {
		mod, _, _ := def.Import()
		if _, ok := byModule[mod]; !ok {
			order = append(order, mod)
		}
		byModule[mod] = append(byModule[mod], def)
	}

	for _, mod := range order {
		b := rt.NewHostModuleBuilder(mod)
		seen := map[string]bool{}
		for _, def := range byModule[mod] {
			_, name, _ := def.Import()
			if seen[name] {
				continue
			}
			seen[name] = true
			if f, ok := systemAPI[name]; ok && mod == SystemModule {
				b.NewFunctionBuilder().WithGoModuleFunction(hostFunc(f), f.params, f.results).Export(name)
				continue
			}
			b.NewFunctionBuilder().WithGoModuleFunction(placeholder, def.ParamTypes(), def.ResultTypes()).Export(name)
		}
		if _, err := b.Instantiate(ctx); err != nil {
			return fmt.Errorf("%w: bind %s imports: %v", apperr.ErrInvalidArgument, mod, err)
		}
	}
	return nil
}

func hostFunc(f sysFunc) api.GoModuleFunction {
	return api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
		x := executionFrom(ctx)
		if x == nil {
			trapf("system API called outside of an execution")
		}
		f.fn(x, mod.Memory(), stack)
	})
}

var placeholder = api.GoModuleFunc(func(_ context.Context, _ api.Module, stack []uint64) {
	for i := range stack {
		stack[i] = 0
	}
})

// trapMessage strips the wasm stack trace the runtime appends.
func trapMessage(err error) string {
	var t *Trap
	if errors.As(err, &t) {
		return t.Message
	}
	msg, _, _ := strings.Cut(err.Error(), "\n")
	return msg
}

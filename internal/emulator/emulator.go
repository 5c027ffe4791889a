// Package emulator is the explicitly constructed runtime around a replica:
// it deploys canisters from workspace files or raw bytes, hands out agents,
// and runs calls for the HTTP and MCP surfaces.
package emulator

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/starford/lightic/internal/agent"
	"github.com/starford/lightic/internal/apperr"
	"github.com/starford/lightic/internal/canister"
	"github.com/starford/lightic/internal/certification"
	"github.com/starford/lightic/internal/cycles"
	"github.com/starford/lightic/internal/hashtree"
	"github.com/starford/lightic/internal/idl"
	"github.com/starford/lightic/internal/modstore"
	"github.com/starford/lightic/internal/models"
	"github.com/starford/lightic/internal/principal"
	"github.com/starford/lightic/internal/replica"
	"github.com/starford/lightic/internal/storage"
)

// Options configure New.
type Options struct {
	Replica replica.Config
	// Seed derives the certification key; nil picks a random key.
	Seed []byte
	// Files is the workspace modules and interface files are read from.
	// It may be nil when only raw modules are deployed.
	Files  storage.Provider
	Logger *slog.Logger
}

// Emulator owns a replica and remembers where each canister's module came
// from so changed files can be redeployed.
type Emulator struct {
	replica *replica.Replica
	modules *modstore.Store
	files   storage.Provider
	logger  *slog.Logger

	mu      sync.Mutex
	names   map[string]principal.Principal
	sources map[string][]principal.Principal
}

// New builds an emulator with an empty replica.
func New(opts Options) (*Emulator, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Replica.Logger == nil {
		opts.Replica.Logger = opts.Logger
	}
	signer, err := certification.NewSigner(opts.Seed)
	if err != nil {
		return nil, fmt.Errorf("emulator: %w", err)
	}
	var certOpts []certification.Option
	if opts.Replica.Clock != nil {
		certOpts = append(certOpts, certification.WithClock(opts.Replica.Clock))
	}
	modules := modstore.NewStore(opts.Files)
	r, err := replica.New(opts.Replica, certification.NewCertifier(signer, certOpts...), modules)
	if err != nil {
		return nil, fmt.Errorf("emulator: %w", err)
	}
	return &Emulator{
		replica: r,
		modules: modules,
		files:   opts.Files,
		logger:  opts.Logger.With(slog.String("component", "emulator")),
		names:   make(map[string]principal.Principal),
		sources: make(map[string][]principal.Principal),
	}, nil
}

// Replica is the underlying replica.
func (e *Emulator) Replica() *replica.Replica { return e.replica }

// Agent returns an agent sending requests as identity.
func (e *Emulator) Agent(identity principal.Principal) *agent.Agent {
	return agent.New(e.replica, identity)
}

// Subscribe forwards replica events to o.
func (e *Emulator) Subscribe(o replica.Observer) { e.replica.Subscribe(o) }

// Workspace lists the deployable files of the workspace.
func (e *Emulator) Workspace() ([]models.ModuleFile, error) {
	if e.files == nil {
		return []models.ModuleFile{}, nil
	}
	return e.files.List("")
}

// DeployOptions describe one deployment. Exactly one of Wasm and Module is
// set.
type DeployOptions struct {
	// Name optionally registers the canister under a short name.
	Name string
	// Wasm is a workspace path to a .wasm or .wasm.gz file.
	Wasm   string
	Module []byte
	// Candid is interface text; CandidPath a workspace .did file. Without
	// either the interface is recovered from the module.
	Candid     string
	CandidPath string
	// ID requests a specific canister id.
	ID *principal.Principal
	// Arg is the raw init argument. InitValues are encoded with the init
	// types of the interface when Arg is empty.
	Arg        []byte
	InitValues []any
	Sender     principal.Principal
	Cycles     cycles.Amount
}

// Deploy creates a canister and installs a module into it. Calls made by
// the init hook are processed before Deploy returns.
func (e *Emulator) Deploy(ctx context.Context, opts DeployOptions) (canister.Info, error) {
	mod, err := e.module(opts)
	if err != nil {
		return canister.Info{}, err
	}
	candid := opts.Candid
	if candid == "" && opts.CandidPath != "" {
		if candid, err = e.modules.ReadText(opts.CandidPath); err != nil {
			return canister.Info{}, fmt.Errorf("emulator: candid %s: %w", opts.CandidPath, err)
		}
	}

	var controllers []principal.Principal
	if opts.Sender.Len() > 0 {
		controllers = []principal.Principal{opts.Sender}
	}
	c, err := e.replica.CreateCanister(replica.CreateOptions{ID: opts.ID, Cycles: opts.Cycles, Controllers: controllers})
	if err != nil {
		return canister.Info{}, fmt.Errorf("emulator: deploy: %w", err)
	}
	err = e.replica.InstallCanister(ctx, c.ID(), mod, canister.InstallOptions{
		Mode:       canister.ModeInstall,
		Arg:        opts.Arg,
		InitValues: opts.InitValues,
		Candid:     candid,
		Sender:     opts.Sender,
	})
	if err != nil {
		if delErr := e.replica.DeleteCanister(ctx, c.ID()); delErr != nil {
			e.logger.Warn("drop failed deployment", slog.String("canister", c.ID().String()), slog.String("error", delErr.Error()))
		}
		return canister.Info{}, fmt.Errorf("emulator: deploy: %w", err)
	}
	if err := e.replica.ProcessMessages(ctx); err != nil {
		return canister.Info{}, fmt.Errorf("emulator: deploy: %w", err)
	}

	e.mu.Lock()
	if opts.Name != "" {
		e.names[opts.Name] = c.ID()
	}
	if opts.Wasm != "" {
		e.sources[opts.Wasm] = append(e.sources[opts.Wasm], c.ID())
	}
	e.mu.Unlock()

	e.logger.Info("canister deployed",
		slog.String("canister", c.ID().String()),
		slog.String("module", mod.CID.String()),
		slog.String("name", opts.Name))
	return c.Info(), nil
}

func (e *Emulator) module(opts DeployOptions) (*modstore.Module, error) {
	switch {
	case opts.Wasm != "" && opts.Module != nil:
		return nil, fmt.Errorf("emulator: %w: both a workspace path and module bytes given", apperr.ErrInvalidArgument)
	case opts.Wasm != "":
		return e.modules.Load(opts.Wasm)
	case opts.Module != nil:
		return e.modules.Put(opts.Module)
	}
	return nil, fmt.Errorf("emulator: %w: no module given", apperr.ErrInvalidArgument)
}

// Resolve accepts a canister id in text form or a deployment name.
func (e *Emulator) Resolve(ref string) (principal.Principal, error) {
	e.mu.Lock()
	id, ok := e.names[ref]
	e.mu.Unlock()
	if ok {
		return id, nil
	}
	id, err := principal.Decode(ref)
	if err != nil {
		return principal.Principal{}, fmt.Errorf("%w: canister %q", apperr.ErrNotFound, ref)
	}
	return id, nil
}

// Redeploy upgrades every canister deployed from the workspace file at path
// with its current content. It returns the upgraded canisters.
func (e *Emulator) Redeploy(ctx context.Context, path string) ([]principal.Principal, error) {
	e.mu.Lock()
	targets := append([]principal.Principal(nil), e.sources[path]...)
	e.mu.Unlock()
	if len(targets) == 0 {
		return nil, nil
	}

	mod, err := e.modules.Load(path)
	if err != nil {
		return nil, fmt.Errorf("emulator: redeploy %s: %w", path, err)
	}
	var upgraded []principal.Principal
	var errs []error
	for _, id := range targets {
		c, ok := e.replica.Canister(id)
		if !ok {
			continue
		}
		if cur := c.Module(); cur != nil && cur.CID.Equals(mod.CID) {
			continue
		}
		err := e.replica.InstallCanister(ctx, id, mod, canister.InstallOptions{Mode: canister.ModeUpgrade, Candid: c.Candid()})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		upgraded = append(upgraded, id)
		e.logger.Info("canister upgraded", slog.String("canister", id.String()), slog.String("path", path))
	}
	if err := e.replica.ProcessMessages(ctx); err != nil {
		errs = append(errs, err)
	}
	return upgraded, errors.Join(errs...)
}

// Delete removes a canister and forgets its name and source.
func (e *Emulator) Delete(ctx context.Context, id principal.Principal) error {
	if err := e.replica.DeleteCanister(ctx, id); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for name, named := range e.names {
		if named == id {
			delete(e.names, name)
		}
	}
	for path, ids := range e.sources {
		ids = slices.DeleteFunc(ids, func(p principal.Principal) bool { return p == id })
		if len(ids) == 0 {
			delete(e.sources, path)
		} else {
			e.sources[path] = ids
		}
	}
	return nil
}

// Sources lists the workspace paths canisters were deployed from.
func (e *Emulator) Sources() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.sources))
	for p := range e.sources {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// Canisters lists every canister, oldest first.
func (e *Emulator) Canisters() []canister.Info { return e.replica.Canisters() }

// Canister returns the info of one canister.
func (e *Emulator) Canister(id principal.Principal) (canister.Info, error) {
	return e.replica.CanisterInfo(id)
}

// Interface returns the interface description text of a canister.
func (e *Emulator) Interface(id principal.Principal) (string, error) {
	c, ok := e.replica.Canister(id)
	if !ok {
		return "", fmt.Errorf("emulator: %w: canister %s", apperr.ErrNotFound, id)
	}
	return c.Candid(), nil
}

// Message returns a stored message.
func (e *Emulator) Message(id string) (*models.Message, error) {
	m, ok := e.replica.Message(id)
	if !ok {
		return nil, fmt.Errorf("emulator: %w: message %s", apperr.ErrNotFound, id)
	}
	return m, nil
}

// StateRead is a certificate plus the leaves it certifies for the
// requested paths, hex encoded and keyed by the slash-joined path.
type StateRead struct {
	Certificate []byte            `json:"certificate"`
	Values      map[string]string `json:"values"`
}

// ReadState certifies paths given as text labels. The second label of a
// canister path is a canister id in text form.
func (e *Emulator) ReadState(paths [][]string) (*StateRead, error) {
	raw := make([][][]byte, len(paths))
	for i, path := range paths {
		raw[i] = hashtree.Path(path...)
		if len(path) > 1 && path[0] == "canister" {
			id, err := principal.Decode(path[1])
			if err != nil {
				return nil, fmt.Errorf("emulator: %w: path %d: %v", apperr.ErrInvalidArgument, i, err)
			}
			raw[i][1] = id.Bytes()
		}
	}
	cert := e.replica.ReadState(raw)
	data, err := cert.Marshal()
	if err != nil {
		return nil, fmt.Errorf("emulator: read_state: %w", err)
	}
	out := &StateRead{Certificate: data, Values: make(map[string]string)}
	for i, path := range paths {
		labels := make([]string, len(raw[i]))
		for j, l := range raw[i] {
			labels[j] = string(l)
		}
		if v, res := cert.Lookup(labels...); res == hashtree.Found {
			out.Values[strings.Join(path, "/")] = hex.EncodeToString(v)
		}
	}
	return out, nil
}

// Clean drops every canister and message.
func (e *Emulator) Clean(ctx context.Context) {
	e.replica.Clean(ctx)
	e.mu.Lock()
	e.names = make(map[string]principal.Principal)
	e.sources = make(map[string][]principal.Principal)
	e.mu.Unlock()
}

// Close releases the replica's runtimes.
func (e *Emulator) Close(ctx context.Context) error { return e.replica.Close(ctx) }

// lookupMethod finds the signature of method on canister, if described.
func (e *Emulator) lookupMethod(id principal.Principal, method string) (*idl.ServiceMethod, bool) {
	var iface *idl.Interface
	if id.IsManagement() {
		iface = e.replica.Management().Interface()
	} else if c, ok := e.replica.Canister(id); ok {
		iface = c.Interface()
	}
	if iface == nil || iface.Service == nil {
		return nil, false
	}
	return iface.Service.Method(method)
}

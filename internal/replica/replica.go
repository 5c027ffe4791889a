// Package replica is the local replica: the canister registry, the message
// table and the scheduler that drains it, and the management canister.
package replica

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/starford/lightic/internal/apperr"
	"github.com/starford/lightic/internal/canister"
	"github.com/starford/lightic/internal/certification"
	"github.com/starford/lightic/internal/cycles"
	"github.com/starford/lightic/internal/modstore"
	"github.com/starford/lightic/internal/models"
	"github.com/starford/lightic/internal/principal"
)

// Defaults for Config.
const (
	DefaultMaxCanisters  = 1000
	DefaultEvictionBatch = 100
)

// DefaultMintingCanister is the conventional id of the cycles minting canister.
var DefaultMintingCanister = principal.CanisterID(4)

// Config tunes a Replica.
type Config struct {
	// MaxCanisters is the registry size above which the oldest canisters
	// are evicted, EvictionBatch at a time.
	MaxCanisters    int
	EvictionBatch   int
	InitialCycles   cycles.Amount
	MintingCanister principal.Principal
	Logger          *slog.Logger
	Clock           func() time.Time
}

func (c *Config) setDefaults() {
	if c.MaxCanisters <= 0 {
		c.MaxCanisters = DefaultMaxCanisters
	}
	if c.EvictionBatch <= 0 {
		c.EvictionBatch = DefaultEvictionBatch
	}
	if c.InitialCycles.IsZero() {
		c.InitialCycles = cycles.New(canister.DefaultCycles)
	}
	if c.MintingCanister.Len() == 0 {
		c.MintingCanister = DefaultMintingCanister
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Replica owns every canister and message. All exported methods are safe
// for concurrent use; executions are serialized.
type Replica struct {
	cfg       Config
	logger    *slog.Logger
	engine    *canister.Engine
	modules   *modstore.Store
	certifier *certification.Certifier
	mgmt      *Management

	mu           sync.Mutex
	canisters    map[principal.Principal]*canister.WasmCanister
	messages     map[string]*models.Message
	order        []string
	queue        []*models.Message
	nextMessage  uint64
	nextCanister uint64
	// delivered records inter-canister calls whose callback has run.
	delivered map[string]bool
	// settled records messages already reported as terminal.
	settled  map[string]bool
	draining bool

	observers []Observer
}

// New builds a replica with only the management canister registered.
func New(cfg Config, certifier *certification.Certifier, modules *modstore.Store) (*Replica, error) {
	cfg.setDefaults()
	if modules == nil {
		modules = modstore.NewStore(nil)
	}
	r := &Replica{
		cfg:       cfg,
		logger:    cfg.Logger.With(slog.String("component", "replica")),
		engine:    canister.NewEngine(),
		modules:   modules,
		certifier: certifier,
	}
	mgmt, err := newManagement(r)
	if err != nil {
		return nil, fmt.Errorf("replica: %w", err)
	}
	r.mgmt = mgmt
	r.reset()
	return r, nil
}

func (r *Replica) reset() {
	r.canisters = make(map[principal.Principal]*canister.WasmCanister)
	r.messages = make(map[string]*models.Message)
	r.order = nil
	r.queue = nil
	r.nextMessage = 0
	r.nextCanister = 0
	r.delivered = make(map[string]bool)
	r.settled = make(map[string]bool)
}

// Modules is the module store installs resolve modules from.
func (r *Replica) Modules() *modstore.Store { return r.modules }

// RootKey is the DER public key certificates verify against.
func (r *Replica) RootKey() []byte { return r.certifier.RootKey() }

// Management is the management canister.
func (r *Replica) Management() *Management { return r.mgmt }

// Clean drops every canister and message and resets the id counters. Only
// the management canister remains.
func (r *Replica) Clean(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.canisters {
		_ = c.Close(ctx)
	}
	r.reset()
	r.logger.Info("replica cleaned")
	r.notify(Event{Kind: EventClean})
}

// Close releases every canister runtime.
func (r *Replica) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.canisters {
		_ = c.Close(ctx)
	}
	r.canisters = nil
	return r.engine.Close(ctx)
}

// CreateOptions configure CreateCanister.
type CreateOptions struct {
	// ID requests a specific canister id; it must not be taken.
	ID          *principal.Principal
	Cycles      cycles.Amount
	Controllers []principal.Principal
}

// CreateCanister registers an empty canister.
func (r *Replica) CreateCanister(opts CreateOptions) (*canister.WasmCanister, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createCanister(opts)
}

func (r *Replica) createCanister(opts CreateOptions) (*canister.WasmCanister, error) {
	var id principal.Principal
	if opts.ID != nil {
		id = *opts.ID
		if id.IsManagement() {
			return nil, fmt.Errorf("replica: create: %w: %s is reserved", apperr.ErrAlreadyExists, id)
		}
		if _, taken := r.canisters[id]; taken {
			return nil, fmt.Errorf("replica: create: %w: canister %s", apperr.ErrAlreadyExists, id)
		}
	} else {
		for {
			r.nextCanister++
			id = principal.CanisterID(r.nextCanister)
			if _, taken := r.canisters[id]; !taken {
				break
			}
		}
	}

	amount := opts.Cycles
	if amount.IsZero() {
		amount = r.cfg.InitialCycles
	}
	c := canister.New(id, canister.Config{
		Engine:          r.engine,
		Host:            host{r},
		Logger:          r.cfg.Logger,
		MintingCanister: r.cfg.MintingCanister,
		InitialCycles:   amount,
		Controllers:     opts.Controllers,
		Clock:           r.cfg.Clock,
	})
	r.canisters[id] = c
	r.logger.Info("canister created", slog.String("canister", id.String()))
	r.notify(Event{Kind: EventCanisterCreated, Canister: id})
	r.evict()
	return c, nil
}

// InstallCanister installs mod into an existing canister.
func (r *Replica) InstallCanister(ctx context.Context, id principal.Principal, mod *modstore.Module, opts canister.InstallOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.installCanister(ctx, id, mod, opts)
}

func (r *Replica) installCanister(ctx context.Context, id principal.Principal, mod *modstore.Module, opts canister.InstallOptions) error {
	c, ok := r.canisters[id]
	if !ok {
		return fmt.Errorf("replica: install: %w: canister %s", apperr.ErrNotFound, id)
	}
	if err := c.Install(ctx, mod, opts); err != nil {
		return fmt.Errorf("replica: install %s: %w", id, err)
	}
	r.notify(Event{Kind: EventCanisterInstalled, Canister: id})
	return nil
}

// DeleteCanister removes a canister from the registry.
func (r *Replica) DeleteCanister(ctx context.Context, id principal.Principal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteCanister(ctx, id)
}

func (r *Replica) deleteCanister(ctx context.Context, id principal.Principal) error {
	c, ok := r.canisters[id]
	if !ok {
		return fmt.Errorf("replica: delete: %w: canister %s", apperr.ErrNotFound, id)
	}
	_ = c.Close(ctx)
	delete(r.canisters, id)
	r.notify(Event{Kind: EventCanisterDeleted, Canister: id})
	return nil
}

// evict drops the oldest canisters once the registry outgrows MaxCanisters.
func (r *Replica) evict() {
	if len(r.canisters) <= r.cfg.MaxCanisters {
		return
	}
	all := make([]*canister.WasmCanister, 0, len(r.canisters))
	for _, c := range r.canisters {
		if !c.CreatedAt().IsZero() {
			all = append(all, c)
		}
	}
	slices.SortFunc(all, func(a, b *canister.WasmCanister) int { return a.CreatedAt().Compare(b.CreatedAt()) })
	n := min(r.cfg.EvictionBatch, len(all))
	for _, c := range all[:n] {
		_ = c.Close(context.Background())
		delete(r.canisters, c.ID())
		r.notify(Event{Kind: EventCanisterEvicted, Canister: c.ID()})
	}
	r.logger.Info("evicted canisters", slog.Int("count", n), slog.Int("remaining", len(r.canisters)))
}

// Canister looks up a registered canister.
func (r *Replica) Canister(id principal.Principal) (*canister.WasmCanister, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.canisters[id]
	return c, ok
}

// CanisterInfo describes one canister.
func (r *Replica) CanisterInfo(id principal.Principal) (canister.Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.canisters[id]
	if !ok {
		return canister.Info{}, fmt.Errorf("replica: %w: canister %s", apperr.ErrNotFound, id)
	}
	return c.Info(), nil
}

// Canisters describes every canister, oldest first.
func (r *Replica) Canisters() []canister.Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]canister.Info, 0, len(r.canisters))
	for _, c := range r.canisters {
		out = append(out, c.Info())
	}
	slices.SortFunc(out, func(a, b canister.Info) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return compareIDs(a.ID, b.ID)
	})
	return out
}

func compareIDs(a, b principal.Principal) int {
	ai, aok := a.CanisterIndex()
	bi, bok := b.CanisterIndex()
	if aok && bok {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	}
	return slices.Compare(a.Bytes(), b.Bytes())
}

// Stats summarizes the registry.
type Stats struct {
	Canisters int `json:"canisters"`
	Messages  int `json:"messages"`
	Pending   int `json:"pending"`
}

func (r *Replica) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{Canisters: len(r.canisters), Messages: len(r.messages), Pending: len(r.queue)}
}

// ReadState returns a certificate covering the requested paths.
func (r *Replica) ReadState(paths [][][]byte) *certification.Certificate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.certifier.ReadState(stateView{r}, paths)
}

// stateView exposes replica state to the certifier; the caller holds r.mu.
type stateView struct{ r *Replica }

func (v stateView) Message(id string) (*models.Message, bool) {
	m, ok := v.r.messages[id]
	return m, ok
}

func (v stateView) CertifiedData(id principal.Principal) ([]byte, bool) {
	c, ok := v.r.canisters[id]
	if !ok {
		return nil, false
	}
	return c.CertifiedData(), true
}

// host is what canisters see of the replica. Canisters only run from the
// drain loop, which holds r.mu.
type host struct{ r *Replica }

func (h host) StoreMessage(m *models.Message) string { return h.r.storeMessage(m) }

func (h host) Message(id string) (*models.Message, bool) {
	m, ok := h.r.messages[id]
	return m, ok
}

func (h host) DataCertificate(id principal.Principal, data []byte) []byte {
	cert, err := h.r.certifier.ForCanister(id, data).Marshal()
	if err != nil {
		h.r.logger.Error("certify canister data", slog.String("canister", id.String()), slog.String("error", err.Error()))
		return nil
	}
	return cert
}

package api

import (
	"context"
	"encoding/hex"
	"errors"

	"github.com/starford/lightic/internal/apperr"
	"github.com/starford/lightic/internal/canister"
	"github.com/starford/lightic/internal/emulator"
	"github.com/starford/lightic/internal/journal"
	"github.com/starford/lightic/internal/principal"
	"github.com/starford/lightic/internal/replica"
)

// Service coordinates the emulator and the journal for the API layer.
type Service struct {
	emu     *emulator.Emulator
	journal journal.Journal
}

// NewService creates a new API service. j may be nil, in which case only
// the live replica state is served.
func NewService(emu *emulator.Emulator, j journal.Journal) *Service {
	return &Service{emu: emu, journal: j}
}

// Status summarizes the replica.
func (s *Service) Status() StatusResponse {
	st := s.emu.Replica().Stats()
	resp := StatusResponse{
		RootKey:   hex.EncodeToString(s.emu.Replica().RootKey()),
		Canisters: st.Canisters,
		Messages:  st.Messages,
		Pending:   st.Pending,
	}
	if s.journal != nil {
		if counts, err := s.journal.Stats(); err == nil {
			resp.Journal = counts
		}
	}
	return resp
}

// Canisters lists every canister.
func (s *Service) Canisters() []canister.Info {
	out := s.emu.Canisters()
	if out == nil {
		return []canister.Info{}
	}
	return out
}

// Canister resolves ref (id or deployment name) and returns its info.
func (s *Service) Canister(ref string) (canister.Info, error) {
	id, err := s.emu.Resolve(ref)
	if err != nil {
		return canister.Info{}, err
	}
	return s.emu.Canister(id)
}

// Candid returns the interface description of a canister.
func (s *Service) Candid(ref string) (string, error) {
	id, err := s.emu.Resolve(ref)
	if err != nil {
		return "", err
	}
	return s.emu.Interface(id)
}

// Deploy deploys a workspace module.
func (s *Service) Deploy(ctx context.Context, req DeployRequest) (canister.Info, error) {
	opts := emulator.DeployOptions{
		Name:       req.Name,
		Wasm:       req.Wasm,
		Candid:     req.Candid,
		CandidPath: req.CandidPath,
		InitValues: req.InitArgs,
		Sender:     req.Sender,
	}
	if req.ID != "" {
		id, err := principal.Decode(req.ID)
		if err != nil {
			return canister.Info{}, errors.Join(apperr.ErrInvalidArgument, err)
		}
		opts.ID = &id
	}
	if req.InitArgHex != "" {
		arg, err := hex.DecodeString(req.InitArgHex)
		if err != nil {
			return canister.Info{}, errors.Join(apperr.ErrInvalidArgument, err)
		}
		opts.Arg = arg
	}
	return s.emu.Deploy(ctx, opts)
}

// Redeploy upgrades the canisters built from the workspace module at path.
func (s *Service) Redeploy(ctx context.Context, path string) ([]principal.Principal, error) {
	return s.emu.Redeploy(ctx, path)
}

// Delete removes a canister.
func (s *Service) Delete(ctx context.Context, ref string) error {
	id, err := s.emu.Resolve(ref)
	if err != nil {
		return err
	}
	return s.emu.Delete(ctx, id)
}

// Call runs a call against the canister named by ref.
func (s *Service) Call(ctx context.Context, ref string, req CallRequest) (*CallResponse, error) {
	id, err := s.emu.Resolve(ref)
	if err != nil {
		return nil, err
	}
	res, err := s.emu.Call(ctx, emulator.CallRequest{
		Canister: id,
		Method:   req.Method,
		Sender:   req.Sender,
		ArgHex:   req.ArgHex,
		Args:     req.Args,
		Query:    req.Query,
	})
	if err != nil {
		return nil, err
	}
	return &CallResponse{Message: journal.EntryOf(res.Message), Reply: res.Reply}, nil
}

// Message returns a message from the live replica, falling back to the
// journal for messages from earlier runs.
func (s *Service) Message(id string) (journal.Entry, error) {
	if m, err := s.emu.Message(id); err == nil {
		return journal.EntryOf(m), nil
	}
	if s.journal != nil {
		e, err := s.journal.Get(id)
		if err != nil {
			return journal.Entry{}, err
		}
		return *e, nil
	}
	return journal.Entry{}, apperr.ErrNotFound
}

// Messages lists messages newest first. The journal serves the listing when
// configured; otherwise the live replica does.
func (s *Service) Messages(f journal.Filter) ([]journal.Entry, int, error) {
	if s.journal != nil {
		return s.journal.List(f)
	}
	rf := replica.MessageFilter{Method: f.Method}
	if f.Canister != "" {
		id, err := principal.Decode(f.Canister)
		if err != nil {
			return nil, 0, errors.Join(apperr.ErrInvalidArgument, err)
		}
		rf.Canister = &id
	}
	out := []journal.Entry{}
	for _, m := range s.emu.Replica().Messages(rf) {
		if f.Status != "" && m.Status.String() != f.Status {
			continue
		}
		out = append(out, journal.EntryOf(m))
	}
	total := len(out)
	if f.Offset > 0 {
		out = out[min(f.Offset, len(out)):]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, total, nil
}

// Events lists journaled lifecycle events.
func (s *Service) Events(canister string, limit int) ([]journal.EventRow, error) {
	if s.journal == nil {
		return []journal.EventRow{}, nil
	}
	return s.journal.Events(canister, limit)
}

// ReadState certifies the requested paths.
func (s *Service) ReadState(paths [][]string) (*emulator.StateRead, error) {
	return s.emu.ReadState(paths)
}

// Clean resets the replica.
func (s *Service) Clean(ctx context.Context) {
	s.emu.Clean(ctx)
}

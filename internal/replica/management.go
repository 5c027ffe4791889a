package replica

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/starford/lightic/internal/apperr"
	"github.com/starford/lightic/internal/canister"
	"github.com/starford/lightic/internal/cycles"
	"github.com/starford/lightic/internal/idl"
	"github.com/starford/lightic/internal/models"
	"github.com/starford/lightic/internal/parser"
	"github.com/starford/lightic/internal/principal"
)

// ManagementCandid is the interface of the management canister.
const ManagementCandid = `type canister_id = principal;
type canister_settings = record {
  controllers : opt vec principal;
};
type definite_canister_settings = record {
  controllers : vec principal;
};
service : {
  raw_rand : () -> (blob);
  create_canister : (record { settings : opt canister_settings }) -> (record { canister_id : canister_id });
  provisional_create_canister_with_cycles : (record {
    amount : opt nat;
    settings : opt canister_settings;
    specified_id : opt canister_id;
  }) -> (record { canister_id : canister_id });
  install_code : (record {
    mode : variant { install; reinstall; upgrade };
    canister_id : canister_id;
    wasm_module : blob;
    arg : blob;
  }) -> ();
  canister_status : (record { canister_id : canister_id }) -> (record {
    status : variant { running; stopping; stopped };
    settings : definite_canister_settings;
    module_hash : opt blob;
    cycles : nat;
  });
  delete_canister : (record { canister_id : canister_id }) -> ();
  deposit_cycles : (record { canister_id : canister_id }) -> ();
}`

// Management is the management canister. It is not a module: each method
// is a Go handler bound to its signature in ManagementCandid.
type Management struct {
	r       *Replica
	iface   *idl.Interface
	methods map[string]mgmtMethod
}

type mgmtMethod struct {
	sig    *idl.ServiceMethod
	handle func(ctx context.Context, call *mgmtCall) (any, error)
}

// mgmtCall is one decoded management request.
type mgmtCall struct {
	msg *models.Message
	arg map[string]any
}

func newManagement(r *Replica) (*Management, error) {
	prog, err := parser.Parse(ManagementCandid)
	if err != nil {
		return nil, fmt.Errorf("management interface: %w", err)
	}
	iface, err := idl.Build(prog)
	if err != nil {
		return nil, fmt.Errorf("management interface: %w", err)
	}
	m := &Management{r: r, iface: iface, methods: map[string]mgmtMethod{}}
	handlers := map[string]func(context.Context, *mgmtCall) (any, error){
		"raw_rand":        m.rawRand,
		"create_canister": m.createCanister,
		"provisional_create_canister_with_cycles": m.provisionalCreate,
		"install_code":    m.installCode,
		"canister_status": m.canisterStatus,
		"delete_canister": m.deleteCanister,
		"deposit_cycles":  m.depositCycles,
	}
	for name, h := range handlers {
		sig, ok := iface.Service.Method(name)
		if !ok || !sig.Valid {
			return nil, fmt.Errorf("management interface: method %s missing or unresolved", name)
		}
		m.methods[name] = mgmtMethod{sig: sig, handle: h}
	}
	return m, nil
}

// Interface is the resolved management interface.
func (m *Management) Interface() *idl.Interface { return m.iface }

// ProcessMessage answers msg by dispatching to the named handler.
func (m *Management) ProcessMessage(ctx context.Context, msg *models.Message) error {
	if err := msg.Begin(); err != nil {
		return err
	}
	method, ok := m.methods[msg.Method]
	if !ok || msg.Type != models.CallUpdate {
		return msg.Reject(models.RejectDestinationInvalid,
			fmt.Sprintf("management canister has no %s method %q", kindLabel(msg.Type), msg.Method))
	}

	args, err := idl.Decode(msg.Args, method.sig.Args...)
	if err != nil {
		return msg.Reject(models.RejectCanisterError, fmt.Sprintf("%s: invalid arguments: %v", msg.Method, err))
	}
	call := &mgmtCall{msg: msg}
	if len(args) > 0 {
		call.arg, _ = args[0].(map[string]any)
	}

	res, err := method.handle(ctx, call)
	if err != nil {
		code := models.RejectCanisterReject
		if rej, ok := apperr.AsReject(err); ok {
			code = models.RejectionCode(rej.Code)
		}
		return msg.Reject(code, err.Error())
	}

	var vals []any
	if len(method.sig.Rets) > 0 {
		vals = []any{res}
	}
	out, err := idl.Encode(method.sig.Rets, vals)
	if err != nil {
		return fmt.Errorf("management: encode %s reply: %w", msg.Method, err)
	}
	return msg.Reply(out)
}

func kindLabel(t models.CallType) string {
	if t == models.CallQuery {
		return "query"
	}
	return "update"
}

func (m *Management) rawRand(context.Context, *mgmtCall) (any, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, apperr.NewReject(int(models.RejectSysTransient), "raw_rand: %v", err)
	}
	return buf, nil
}

func (m *Management) createCanister(_ context.Context, call *mgmtCall) (any, error) {
	return m.create(call, nil, call.takeCycles())
}

func (m *Management) provisionalCreate(_ context.Context, call *mgmtCall) (any, error) {
	var id *principal.Principal
	if v, ok := call.opt("specified_id"); ok {
		p, ok := v.(principal.Principal)
		if !ok {
			return nil, apperr.NewReject(int(models.RejectCanisterError), "specified_id is not a principal")
		}
		id = &p
	}
	var amount cycles.Amount
	if v, ok := call.opt("amount"); ok {
		if n, ok := v.(*big.Int); ok {
			amount = cycles.FromBig(n)
		}
	}
	return m.create(call, id, amount)
}

func (m *Management) create(call *mgmtCall, id *principal.Principal, amount cycles.Amount) (any, error) {
	controllers := []principal.Principal{call.msg.Sender}
	if settings, ok := call.opt("settings"); ok {
		if rec, ok := settings.(map[string]any); ok {
			if list, ok := optField(rec, "controllers"); ok {
				controllers = principals(list)
			}
		}
	}
	c, err := m.r.createCanister(CreateOptions{ID: id, Cycles: amount, Controllers: controllers})
	if err != nil {
		return nil, err
	}
	return map[string]any{"canister_id": c.ID()}, nil
}

func (m *Management) installCode(ctx context.Context, call *mgmtCall) (any, error) {
	c, err := m.target(call)
	if err != nil {
		return nil, err
	}
	mode := canister.ModeInstall
	if v, ok := call.arg["mode"].(idl.Variant); ok {
		mode = canister.InstallMode(v.Label)
	}
	wasm, _ := call.arg["wasm_module"].([]byte)
	arg, _ := call.arg["arg"].([]byte)
	if arg == nil {
		arg = []byte{}
	}
	mod, err := m.r.modules.Put(wasm)
	if err != nil {
		return nil, apperr.NewReject(int(models.RejectCanisterError), "install_code: %v", err)
	}
	err = m.r.installCanister(ctx, c.ID(), mod, canister.InstallOptions{
		Mode:   mode,
		Arg:    arg,
		Sender: call.msg.Sender,
	})
	if err != nil {
		if rej, ok := apperr.AsReject(err); ok {
			return nil, apperr.NewReject(rej.Code, "install_code: %s", rej.Message)
		}
		return nil, err
	}
	return nil, nil
}

func (m *Management) canisterStatus(_ context.Context, call *mgmtCall) (any, error) {
	c, err := m.target(call)
	if err != nil {
		return nil, err
	}
	info := c.Info()
	var hash idl.Option
	if mod := c.Module(); mod != nil {
		hash = idl.Some(mod.Hash[:])
	}
	controllers := make([]any, len(info.Controllers))
	for i, p := range info.Controllers {
		controllers[i] = p
	}
	return map[string]any{
		"status":      idl.Variant{Label: "running"},
		"settings":    map[string]any{"controllers": controllers},
		"module_hash": hash,
		"cycles":      c.Cycles().Big(),
	}, nil
}

func (m *Management) deleteCanister(ctx context.Context, call *mgmtCall) (any, error) {
	c, err := m.target(call)
	if err != nil {
		return nil, err
	}
	if c.ID() == call.msg.Sender {
		return nil, apperr.NewReject(int(models.RejectCanisterError), "canister %s cannot delete itself", c.ID())
	}
	return nil, m.r.deleteCanister(ctx, c.ID())
}

func (m *Management) depositCycles(_ context.Context, call *mgmtCall) (any, error) {
	id, err := call.canisterID()
	if err != nil {
		return nil, err
	}
	c, ok := m.r.canisters[id]
	if !ok {
		return nil, apperr.NewReject(int(models.RejectDestinationInvalid), "canister %s not found", id)
	}
	c.Deposit(call.takeCycles())
	return nil, nil
}

// target resolves the canister_id argument and checks that the sender
// controls it.
func (m *Management) target(call *mgmtCall) (*canister.WasmCanister, error) {
	id, err := call.canisterID()
	if err != nil {
		return nil, err
	}
	c, ok := m.r.canisters[id]
	if !ok {
		return nil, apperr.NewReject(int(models.RejectDestinationInvalid), "canister %s not found", id)
	}
	if !c.IsController(call.msg.Sender) {
		return nil, apperr.NewReject(int(models.RejectCanisterReject),
			"only the controllers of canister %s can call %s", id, call.msg.Method)
	}
	return c, nil
}

func (call *mgmtCall) canisterID() (principal.Principal, error) {
	id, ok := call.arg["canister_id"].(principal.Principal)
	if !ok {
		return principal.Principal{}, apperr.NewReject(int(models.RejectCanisterError), "%s: missing canister_id", call.msg.Method)
	}
	return id, nil
}

func (call *mgmtCall) opt(field string) (any, bool) {
	return optField(call.arg, field)
}

// takeCycles accepts every cycle attached to the call.
func (call *mgmtCall) takeCycles() cycles.Amount {
	amount := call.msg.Cycles
	call.msg.Cycles = cycles.Amount{}
	return amount
}

func optField(rec map[string]any, field string) (any, bool) {
	o, ok := rec[field].(idl.Option)
	if !ok || !o.Some {
		return nil, false
	}
	return o.Value, true
}

func principals(v any) []principal.Principal {
	items, _ := v.([]any)
	out := make([]principal.Principal, 0, len(items))
	for _, it := range items {
		if p, ok := it.(principal.Principal); ok {
			out = append(out, p)
		}
	}
	return out
}

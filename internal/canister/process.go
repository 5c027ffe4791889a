package canister

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"

	"github.com/tetratelabs/wazero/api"

	"github.com/starford/lightic/internal/apperr"
	"github.com/starford/lightic/internal/models"
)

// ProcessMessage runs msg to a terminal status, or leaves it Processing when
// the execution made outbound calls and has not answered yet. Canister
// faults end up in the message; a returned error means the emulator itself
// is in a bad state.
func (c *WasmCanister) ProcessMessage(ctx context.Context, msg *models.Message) error {
	if err := msg.Begin(); err != nil {
		return err
	}
	if c.live == nil {
		return msg.Reject(models.RejectDestinationInvalid,
			fmt.Sprintf("canister %s has no module installed", c.id))
	}
	if msg.Type.IsCallback() {
		return c.processCallback(ctx, msg)
	}
	return c.processEntry(ctx, msg)
}

// lookup finds the export that handles msg. Updates fall back to query
// exports and run with query semantics.
func (c *WasmCanister) lookup(msg *models.Message) (api.Function, models.CallType) {
	if fn := c.live.export(msg.ExportName()); fn != nil {
		return fn, msg.Type
	}
	switch msg.Type {
	case models.CallUpdate:
		if fn := c.live.export("canister_query " + msg.Method); fn != nil {
			return fn, models.CallQuery
		}
		fallthrough
	case models.CallQuery:
		if fn := c.live.export("canister_composite_query " + msg.Method); fn != nil {
			return fn, models.CallQuery
		}
	}
	return nil, msg.Type
}

// HasExport reports whether the running module exports name.
func (c *WasmCanister) HasExport(name string) bool {
	return c.live != nil && c.live.export(name) != nil
}

func (c *WasmCanister) processEntry(ctx context.Context, msg *models.Message) error {
	fn, kind := c.lookup(msg)
	if fn == nil {
		return msg.Reject(models.RejectDestinationInvalid,
			fmt.Sprintf("canister %s has no %s method %q", c.id, kindNames[msg.Type], msg.Method))
	}

	x := c.newExecution(kind, msg, msg, msg.Args)
	trap, err := c.invoke(ctx, x, fn)
	if err != nil {
		c.rollback(x)
		return err
	}
	if trap != nil {
		c.rollback(x)
		c.logger.Warn("canister trapped",
			slog.String("message", msg.ID),
			slog.String("method", msg.Method),
			slog.String("error", trap.Message))
		return msg.Reject(models.RejectCanisterError, trap.Message)
	}

	if kind == models.CallQuery {
		c.rollback(x)
	}
	if err := c.commit(x); err != nil {
		return err
	}

	if msg.Terminal() {
		return nil
	}
	switch kind {
	case models.CallUpdate, models.CallQuery:
		if len(msg.RelatedMessages) == 0 {
			return msg.Reject(models.RejectCanisterError, errNoResponse)
		}
		return nil
	case models.CallInspectMessage:
		if x.accepted {
			return msg.Complete()
		}
		return msg.Reject(models.RejectCanisterReject, fmt.Sprintf("canister %s rejected the message", c.id))
	default:
		return msg.Complete()
	}
}

func (c *WasmCanister) processCallback(ctx context.Context, msg *models.Message) error {
	var callCtx *models.Message
	if c.host != nil {
		callCtx, _ = c.host.Message(msg.ReplyContext)
	}
	if callCtx == nil {
		return msg.Reject(models.RejectCanisterError,
			fmt.Sprintf("call context %q of canister %s not found", msg.ReplyContext, c.id))
	}

	// Unaccepted cycles come back before the callback runs.
	c.state.Cycles = c.state.Cycles.Add(msg.Cycles)

	fun, env, label := msg.ReplyFun, msg.ReplyEnv, "ReplyCallback"
	if msg.Type == models.CallRejectCallback {
		fun, env, label = msg.RejectFun, msg.RejectEnv, "RejectCallback"
	}

	x := c.newExecution(msg.Type, msg, callCtx, msg.Args)
	trap, err := c.invokeTable(ctx, x, fun, env)
	if err != nil {
		c.rollback(x)
		return err
	}
	if trap == nil {
		if err := c.commit(x); err != nil {
			return err
		}
		return msg.Complete()
	}

	c.rollback(x)
	c.logger.Warn("callback trapped",
		slog.String("message", msg.ID),
		slog.String("context", callCtx.ID),
		slog.String("error", trap.Message))
	if err := msg.Reject(models.RejectCanisterError, trap.Message); err != nil {
		return err
	}
	if !callCtx.Terminal() {
		if err := callCtx.Fail(models.RejectCanisterError, label+": "+trap.Message); err != nil {
			return err
		}
	}
	if msg.HasCleanup {
		return c.cleanup(ctx, msg, callCtx)
	}
	return nil
}

// cleanup runs the call_on_cleanup handler after a trapped callback. A trap
// inside cleanup is only logged.
func (c *WasmCanister) cleanup(ctx context.Context, callback, callCtx *models.Message) error {
	entry := models.NewSystem(models.CallCleanup, c.id, "cleanup", nil)
	entry.ReplyContext = callCtx.ID
	x := c.newExecution(models.CallCleanup, entry, callCtx, nil)
	trap, err := c.invokeTable(ctx, x, callback.CleanupFun, callback.CleanupEnv)
	if err != nil {
		c.rollback(x)
		return err
	}
	if trap != nil {
		c.rollback(x)
		c.logger.Warn("cleanup trapped",
			slog.String("message", callback.ID),
			slog.String("error", trap.Message))
		return nil
	}
	return c.commit(x)
}

// Inspect asks canister_inspect_message whether the ingress update should
// be accepted. It returns nil when there is no inspect hook or the hook
// accepted, and a *apperr.Reject otherwise.
func (c *WasmCanister) Inspect(ctx context.Context, update *models.Message) error {
	if !c.HasExport("canister_inspect_message") {
		return nil
	}
	check := models.NewInspect(update)
	if err := c.ProcessMessage(ctx, check); err != nil {
		return err
	}
	if check.Status == models.StatusOk {
		return nil
	}
	return apperr.NewReject(int(check.RejectionCode), "%s", check.RejectionMessage)
}

func (c *WasmCanister) newExecution(kind models.CallType, entry, callCtx *models.Message, args []byte) *execution {
	if callCtx == nil {
		callCtx = entry
	}
	return &execution{
		canister: c,
		kind:     kind,
		entry:    entry,
		context:  callCtx,
		args:     args,
		now:      c.now(),
	}
}

// invoke snapshots rollback state and calls fn. A non-nil Trap means the
// execution faulted and nothing it did may be committed. An error is a fault
// of the emulator itself, such as a panic in a host function.
func (c *WasmCanister) invoke(ctx context.Context, x *execution, fn api.Function, params ...uint64) (*Trap, error) {
	c.snapshot(x)
	c.state.Message = x.context
	defer func() { c.state.Message = nil }()

	if _, err := fn.Call(withExecution(ctx, x), params...); err != nil {
		return classify(err)
	}
	return nil, nil
}

// invokeTable calls the table entry fun with env through the trampoline.
func (c *WasmCanister) invokeTable(ctx context.Context, x *execution, fun, env uint32) (*Trap, error) {
	if c.live.tramp == nil {
		c.snapshot(x)
		return &Trap{Message: "module exports no function table"}, nil
	}
	return c.invoke(ctx, x, c.live.tramp, api.EncodeU32(env), api.EncodeU32(fun))
}

// wasmErrorPrefix starts every trap raised by the wasm runtime itself
// (unreachable, out of bounds access, division by zero, stack overflow).
const wasmErrorPrefix = "wasm error: "

// classify splits a failed call into a canister trap and an emulator fault.
// Traps are the ones raised through trapf and the runtime's own wasm traps;
// Go runtime panics and any other error recovered from a host function are
// faults.
func classify(err error) (*Trap, error) {
	var t *Trap
	if errors.As(err, &t) {
		return t, nil
	}
	var rerr runtime.Error
	if !errors.As(err, &rerr) && strings.HasPrefix(err.Error(), wasmErrorPrefix) {
		return &Trap{Message: trapMessage(err)}, nil
	}
	return nil, fmt.Errorf("canister: host fault: %w", err)
}

func (c *WasmCanister) snapshot(x *execution) {
	st := c.state
	x.snap = snapshot{
		cycles:        st.Cycles,
		certifiedData: st.CertifiedData,
		globalTimer:   st.GlobalTimer,
	}
	st.memorySnapshot = nil
	if mem := c.live.memory; mem != nil {
		if view, ok := mem.Read(0, mem.Size()); ok {
			st.memorySnapshot = bytes.Clone(view)
		}
	}
}

// rollback restores linear memory and everything in x.snap. Memory grown
// during the execution stays allocated but is zeroed.
func (c *WasmCanister) rollback(x *execution) {
	st := c.state
	if mem := c.live.memory; mem != nil && st.memorySnapshot != nil {
		if view, ok := mem.Read(0, mem.Size()); ok {
			n := copy(view, st.memorySnapshot)
			clear(view[n:])
		}
	}
	if x.snap.stable != nil {
		st.Stable = *x.snap.stable
	}
	st.Cycles = x.snap.cycles
	st.CertifiedData = x.snap.certifiedData
	st.GlobalTimer = x.snap.globalTimer
	st.memorySnapshot = nil
}

var errNoHost = errors.New("canister: outbound call without a host")

// commit makes the staged effects of a normally returned execution visible:
// outbound calls are enqueued, accepted cycles leave the call context and the
// reply or reject is applied.
func (c *WasmCanister) commit(x *execution) error {
	st := c.state
	st.memorySnapshot = nil
	if x.pending != nil {
		st.Cycles = st.Cycles.Add(x.pendingCycles)
		x.pending = nil
	}
	for _, call := range x.calls {
		if c.host == nil {
			return errNoHost
		}
		id := c.host.StoreMessage(call)
		x.context.RelatedMessages = append(x.context.RelatedMessages, id)
	}
	if !x.cyclesAccepted.IsZero() {
		x.context.Cycles = x.context.Cycles.Sub(x.cyclesAccepted)
	}
	switch x.outcome {
	case outcomeReply:
		reply := x.reply
		if reply == nil {
			reply = []byte{}
		}
		return x.context.Reply(reply)
	case outcomeReject:
		return x.context.Reject(models.RejectCanisterReject, x.rejectText)
	}
	return nil
}

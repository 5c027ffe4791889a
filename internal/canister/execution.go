package canister

import (
	"context"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero/api"

	"github.com/starford/lightic/internal/cycles"
	"github.com/starford/lightic/internal/models"
	"github.com/starford/lightic/internal/principal"
)

// Trap aborts the running execution. System API handlers raise it by
// panicking; the runtime turns the panic into an error returned from the
// exported function call.
type Trap struct {
	Message string
}

func (t *Trap) Error() string { return t.Message }

func trapf(format string, args ...any) {
	panic(&Trap{Message: fmt.Sprintf(format, args...)})
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeReply
	outcomeReject
)

// execution is the transient part of the canister state that exists while
// one entry point runs. Nothing it stages becomes visible unless the entry
// point returns normally.
type execution struct {
	canister *WasmCanister
	kind     models.CallType
	// entry is the message being executed; context is the call context
	// replies go to, which differs from entry for callbacks.
	entry   *models.Message
	context *models.Message
	args    []byte
	now     time.Time

	reply      []byte
	outcome    outcome
	rejectText string
	accepted   bool

	cyclesAccepted cycles.Amount

	pending       *models.Message
	pendingCycles cycles.Amount
	calls         []*models.Message

	snap snapshot
}

type execKey struct{}

func withExecution(ctx context.Context, x *execution) context.Context {
	return context.WithValue(ctx, execKey{}, x)
}

func executionFrom(ctx context.Context) *execution {
	x, _ := ctx.Value(execKey{}).(*execution)
	return x
}

var kindNames = map[models.CallType]string{
	models.CallInit:           "init",
	models.CallPreUpgrade:     "pre_upgrade",
	models.CallUpdate:         "update",
	models.CallQuery:          "query",
	models.CallReplyCallback:  "reply callback",
	models.CallRejectCallback: "reject callback",
	models.CallCleanup:        "cleanup",
	models.CallStart:          "start",
	models.CallInspectMessage: "inspect_message",
	models.CallSystemTask:     "system task",
}

// allow traps unless the execution runs in one of the given modes.
func (x *execution) allow(fn string, kinds ...models.CallType) {
	for _, k := range kinds {
		if x.kind == k {
			return
		}
	}
	trapf("%s cannot be executed in %s mode", fn, kindNames[x.kind])
}

// caller is the principal that made the call being answered.
func (x *execution) caller() principal.Principal {
	if x.context != nil {
		return x.context.Sender
	}
	return x.entry.Sender
}

// available is the amount of attached cycles not accepted yet.
func (x *execution) available() cycles.Amount {
	if x.context == nil || x.kind == models.CallQuery {
		return cycles.Amount{}
	}
	return x.context.Cycles.Sub(x.cyclesAccepted)
}

func (x *execution) stable() *StableMemory {
	st := &x.canister.state.Stable
	if x.snap.stable == nil {
		c := st.clone()
		x.snap.stable = &c
	}
	return st
}

func (x *execution) stableRead() *StableMemory {
	return &x.canister.state.Stable
}

func readMemory(mem api.Memory, ptr, size uint32) []byte {
	if size == 0 {
		return nil
	}
	if mem == nil {
		trapf("module has no memory")
	}
	b, ok := mem.Read(ptr, size)
	if !ok {
		trapf("memory access out of bounds: %d+%d", ptr, size)
	}
	return append([]byte(nil), b...)
}

func writeMemory(mem api.Memory, ptr uint32, data []byte) {
	if len(data) == 0 {
		return
	}
	if mem == nil {
		trapf("module has no memory")
	}
	if !mem.Write(ptr, data) {
		trapf("memory access out of bounds: %d+%d", ptr, len(data))
	}
}

// copyOut writes size bytes of src, starting at offset, to dst. Source
// bytes past the end of src read as zero, as on the host this mirrors; only
// the destination range is bounds checked.
func copyOut(mem api.Memory, dst, offset, size uint32, src []byte) {
	if size == 0 {
		return
	}
	if mem == nil {
		trapf("module has no memory")
	}
	if uint64(dst)+uint64(size) > uint64(mem.Size()) {
		trapf("memory access out of bounds: %d+%d", dst, size)
	}
	buf := make([]byte, size)
	if uint64(offset) < uint64(len(src)) {
		copy(buf, src[offset:])
	}
	writeMemory(mem, dst, buf)
}

package canister

import (
	"log/slog"

	"github.com/tetratelabs/wazero/api"

	"github.com/starford/lightic/internal/cycles"
	"github.com/starford/lightic/internal/models"
	"github.com/starford/lightic/internal/principal"
)

// SystemModule is the import module name of the System API.
const SystemModule = "ic0"

var (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
)

type sysFunc struct {
	params  []api.ValueType
	results []api.ValueType
	fn      func(x *execution, mem api.Memory, stack []uint64)
}

func vals(v ...api.ValueType) []api.ValueType { return v }

func u32(v uint64) uint32 { return uint32(v) }

// Call modes that may touch each part of the API.
var (
	argModes = []models.CallType{
		models.CallInit, models.CallUpdate, models.CallQuery, models.CallReplyCallback,
		models.CallRejectCallback, models.CallInspectMessage, models.CallSystemTask,
	}
	callerModes = []models.CallType{
		models.CallInit, models.CallPreUpgrade, models.CallUpdate, models.CallQuery,
		models.CallReplyCallback, models.CallRejectCallback, models.CallInspectMessage, models.CallSystemTask,
	}
	replyModes    = []models.CallType{models.CallUpdate, models.CallQuery, models.CallReplyCallback, models.CallRejectCallback}
	callbackModes = []models.CallType{models.CallReplyCallback, models.CallRejectCallback}
	callModes     = []models.CallType{models.CallUpdate, models.CallReplyCallback, models.CallRejectCallback}
	cyclesModes   = callModes
	methodModes   = []models.CallType{models.CallUpdate, models.CallQuery, models.CallInspectMessage}
	certifyModes  = []models.CallType{
		models.CallInit, models.CallPreUpgrade, models.CallUpdate, models.CallReplyCallback,
		models.CallRejectCallback, models.CallSystemTask, models.CallCleanup,
	}
)

// systemAPI maps ic0 import names to their handlers. 32-bit variants of the
// stable memory API operate on the same region as the 64-bit ones.
var systemAPI = map[string]sysFunc{
	"msg_arg_data_size": {nil, vals(i32), func(x *execution, _ api.Memory, s []uint64) {
		x.allow("msg_arg_data_size", argModes...)
		s[0] = api.EncodeU32(uint32(len(x.args)))
	}},
	"msg_arg_data_copy": {vals(i32, i32, i32), nil, func(x *execution, mem api.Memory, s []uint64) {
		x.allow("msg_arg_data_copy", argModes...)
		copyOut(mem, u32(s[0]), u32(s[1]), u32(s[2]), x.args)
	}},
	"msg_caller_size": {nil, vals(i32), func(x *execution, _ api.Memory, s []uint64) {
		x.allow("msg_caller_size", callerModes...)
		s[0] = api.EncodeU32(uint32(x.caller().Len()))
	}},
	"msg_caller_copy": {vals(i32, i32, i32), nil, func(x *execution, mem api.Memory, s []uint64) {
		x.allow("msg_caller_copy", callerModes...)
		copyOut(mem, u32(s[0]), u32(s[1]), u32(s[2]), x.caller().Bytes())
	}},
	"msg_reject_code": {nil, vals(i32), func(x *execution, _ api.Memory, s []uint64) {
		x.allow("msg_reject_code", callbackModes...)
		code := models.RejectNone
		if x.kind == models.CallRejectCallback {
			code = x.entry.CalleeReject
		}
		s[0] = api.EncodeI32(int32(code))
	}},
	"msg_reject_msg_size": {nil, vals(i32), func(x *execution, _ api.Memory, s []uint64) {
		x.allow("msg_reject_msg_size", models.CallRejectCallback)
		s[0] = api.EncodeU32(uint32(len(x.args)))
	}},
	"msg_reject_msg_copy": {vals(i32, i32, i32), nil, func(x *execution, mem api.Memory, s []uint64) {
		x.allow("msg_reject_msg_copy", models.CallRejectCallback)
		copyOut(mem, u32(s[0]), u32(s[1]), u32(s[2]), x.args)
	}},
	"msg_reply_data_append": {vals(i32, i32), nil, func(x *execution, mem api.Memory, s []uint64) {
		x.allow("msg_reply_data_append", replyModes...)
		x.requireUnanswered("msg_reply_data_append")
		x.reply = append(x.reply, readMemory(mem, u32(s[0]), u32(s[1]))...)
	}},
	"msg_reply": {nil, nil, func(x *execution, _ api.Memory, _ []uint64) {
		x.allow("msg_reply", replyModes...)
		x.requireUnanswered("msg_reply")
		x.outcome = outcomeReply
	}},
	"msg_reject": {vals(i32, i32), nil, func(x *execution, mem api.Memory, s []uint64) {
		x.allow("msg_reject", replyModes...)
		x.requireUnanswered("msg_reject")
		x.outcome = outcomeReject
		x.rejectText = string(readMemory(mem, u32(s[0]), u32(s[1])))
	}},
	"msg_method_name_size": {nil, vals(i32), func(x *execution, _ api.Memory, s []uint64) {
		x.allow("msg_method_name_size", methodModes...)
		s[0] = api.EncodeU32(uint32(len(x.entry.Method)))
	}},
	"msg_method_name_copy": {vals(i32, i32, i32), nil, func(x *execution, mem api.Memory, s []uint64) {
		x.allow("msg_method_name_copy", methodModes...)
		copyOut(mem, u32(s[0]), u32(s[1]), u32(s[2]), []byte(x.entry.Method))
	}},
	"accept_message": {nil, nil, func(x *execution, _ api.Memory, _ []uint64) {
		x.allow("accept_message", models.CallInspectMessage)
		if x.accepted {
			trapf("accept_message called twice")
		}
		x.accepted = true
	}},
	"msg_cycles_available": {nil, vals(i64), func(x *execution, _ api.Memory, s []uint64) {
		x.allow("msg_cycles_available", cyclesModes...)
		s[0] = api.EncodeI64(int64(x.available().Uint64()))
	}},
	"msg_cycles_available128": {vals(i32), nil, func(x *execution, mem api.Memory, s []uint64) {
		x.allow("msg_cycles_available128", cyclesModes...)
		writeMemory(mem, u32(s[0]), x.available().LittleEndian())
	}},
	"msg_cycles_refunded": {nil, vals(i64), func(x *execution, _ api.Memory, s []uint64) {
		x.allow("msg_cycles_refunded", callbackModes...)
		s[0] = api.EncodeI64(int64(x.entry.Cycles.Uint64()))
	}},
	"msg_cycles_refunded128": {vals(i32), nil, func(x *execution, mem api.Memory, s []uint64) {
		x.allow("msg_cycles_refunded128", callbackModes...)
		writeMemory(mem, u32(s[0]), x.entry.Cycles.LittleEndian())
	}},
	"msg_cycles_accept": {vals(i64), vals(i64), func(x *execution, _ api.Memory, s []uint64) {
		x.allow("msg_cycles_accept", cyclesModes...)
		got := x.accept(cycles.New(s[0]))
		s[0] = api.EncodeI64(int64(got.Uint64()))
	}},
	"msg_cycles_accept128": {vals(i64, i64, i32), nil, func(x *execution, mem api.Memory, s []uint64) {
		x.allow("msg_cycles_accept128", cyclesModes...)
		got := x.accept(cycles.FromParts(s[0], s[1]))
		writeMemory(mem, u32(s[2]), got.LittleEndian())
	}},
	"canister_self_size": {nil, vals(i32), func(x *execution, _ api.Memory, s []uint64) {
		s[0] = api.EncodeU32(uint32(x.canister.id.Len()))
	}},
	"canister_self_copy": {vals(i32, i32, i32), nil, func(x *execution, mem api.Memory, s []uint64) {
		copyOut(mem, u32(s[0]), u32(s[1]), u32(s[2]), x.canister.id.Bytes())
	}},
	"canister_cycle_balance": {nil, vals(i64), func(x *execution, _ api.Memory, s []uint64) {
		s[0] = api.EncodeI64(int64(x.canister.state.Cycles.Uint64()))
	}},
	"canister_cycle_balance128": {vals(i32), nil, func(x *execution, mem api.Memory, s []uint64) {
		writeMemory(mem, u32(s[0]), x.canister.state.Cycles.LittleEndian())
	}},
	"canister_status": {nil, vals(i32), func(x *execution, _ api.Memory, s []uint64) {
		s[0] = api.EncodeI32(1) // running
	}},
	"canister_version": {nil, vals(i64), func(x *execution, _ api.Memory, s []uint64) {
		s[0] = api.EncodeI64(int64(x.canister.state.Version))
	}},
	"call_new": {vals(i32, i32, i32, i32, i32, i32, i32, i32), nil, func(x *execution, mem api.Memory, s []uint64) {
		x.allow("call_new", callModes...)
		if x.pending != nil {
			trapf("call_new called while another call is being constructed")
		}
		callee := readMemory(mem, u32(s[0]), u32(s[1]))
		if len(callee) > principal.MaxLength {
			trapf("call_new: callee id too long")
		}
		method := readMemory(mem, u32(s[2]), u32(s[3]))
		x.pending = models.NewCall(x.canister.id, principal.FromBytes(callee), string(method),
			x.context.ID, u32(s[4]), u32(s[5]), u32(s[6]), u32(s[7]))
		x.pendingCycles = cycles.Amount{}
	}},
	"call_on_cleanup": {vals(i32, i32), nil, func(x *execution, _ api.Memory, s []uint64) {
		p := x.requirePending("call_on_cleanup")
		if p.HasCleanup {
			trapf("call_on_cleanup called twice")
		}
		p.CleanupFun, p.CleanupEnv, p.HasCleanup = u32(s[0]), u32(s[1]), true
	}},
	"call_data_append": {vals(i32, i32), nil, func(x *execution, mem api.Memory, s []uint64) {
		p := x.requirePending("call_data_append")
		p.Args = append(p.Args, readMemory(mem, u32(s[0]), u32(s[1]))...)
	}},
	"call_cycles_add": {vals(i64), nil, func(x *execution, _ api.Memory, s []uint64) {
		x.requirePending("call_cycles_add")
		x.addCallCycles(cycles.New(s[0]))
	}},
	"call_cycles_add128": {vals(i64, i64), nil, func(x *execution, _ api.Memory, s []uint64) {
		x.requirePending("call_cycles_add128")
		x.addCallCycles(cycles.FromParts(s[0], s[1]))
	}},
	"call_perform": {nil, vals(i32), func(x *execution, _ api.Memory, s []uint64) {
		x.allow("call_perform", callModes...)
		p := x.pending
		if p == nil {
			s[0] = 1
			return
		}
		p.Cycles = x.pendingCycles
		if p.Args == nil {
			p.Args = []byte{}
		}
		x.calls = append(x.calls, p)
		x.pending = nil
		s[0] = 0
	}},
	"stable_size": {nil, vals(i32), func(x *execution, _ api.Memory, s []uint64) {
		pages := x.stableRead().Pages()
		if pages > 1<<16 {
			trapf("stable_size: memory exceeds 32-bit addressing")
		}
		s[0] = api.EncodeU32(uint32(pages))
	}},
	"stable_grow": {vals(i32), vals(i32), func(x *execution, _ api.Memory, s []uint64) {
		if x.stableRead().Pages()+uint64(u32(s[0])) > 1<<16 {
			s[0] = api.EncodeI32(-1)
			return
		}
		s[0] = api.EncodeI32(int32(x.stable().Grow(uint64(u32(s[0])))))
	}},
	"stable_write": {vals(i32, i32, i32), nil, func(x *execution, mem api.Memory, s []uint64) {
		data := readMemory(mem, u32(s[1]), u32(s[2]))
		if !x.stable().Write(uint64(u32(s[0])), data) {
			trapf("stable memory write out of bounds")
		}
	}},
	"stable_read": {vals(i32, i32, i32), nil, func(x *execution, mem api.Memory, s []uint64) {
		buf := make([]byte, u32(s[2]))
		if !x.stableRead().Read(buf, uint64(u32(s[1]))) {
			trapf("stable memory read out of bounds")
		}
		writeMemory(mem, u32(s[0]), buf)
	}},
	"stable64_size": {nil, vals(i64), func(x *execution, _ api.Memory, s []uint64) {
		s[0] = api.EncodeI64(int64(x.stableRead().Pages()))
	}},
	"stable64_grow": {vals(i64), vals(i64), func(x *execution, _ api.Memory, s []uint64) {
		s[0] = api.EncodeI64(x.stable().Grow(s[0]))
	}},
	"stable64_write": {vals(i64, i64, i64), nil, func(x *execution, mem api.Memory, s []uint64) {
		if s[1] > 1<<32-1 || s[2] > 1<<32-1 {
			trapf("stable64_write: source out of bounds")
		}
		data := readMemory(mem, uint32(s[1]), uint32(s[2]))
		if !x.stable().Write(s[0], data) {
			trapf("stable memory write out of bounds")
		}
	}},
	"stable64_read": {vals(i64, i64, i64), nil, func(x *execution, mem api.Memory, s []uint64) {
		if s[0] > 1<<32-1 || s[2] > 1<<32-1 {
			trapf("stable64_read: destination out of bounds")
		}
		if mem == nil || s[0]+s[2] > uint64(mem.Size()) {
			trapf("memory access out of bounds: %d+%d", s[0], s[2])
		}
		buf := make([]byte, s[2])
		if !x.stableRead().Read(buf, s[1]) {
			trapf("stable memory read out of bounds")
		}
		writeMemory(mem, uint32(s[0]), buf)
	}},
	"certified_data_set": {vals(i32, i32), nil, func(x *execution, mem api.Memory, s []uint64) {
		x.allow("certified_data_set", certifyModes...)
		if u32(s[1]) > CertifiedDataSize {
			trapf("certified_data_set: %d bytes exceeds the %d byte limit", u32(s[1]), CertifiedDataSize)
		}
		data := readMemory(mem, u32(s[0]), u32(s[1]))
		if data == nil {
			data = []byte{}
		}
		x.canister.state.CertifiedData = data
	}},
	"data_certificate_present": {nil, vals(i32), func(x *execution, _ api.Memory, s []uint64) {
		if x.certificate() != nil {
			s[0] = api.EncodeI32(1)
			return
		}
		s[0] = 0
	}},
	"data_certificate_size": {nil, vals(i32), func(x *execution, _ api.Memory, s []uint64) {
		x.allow("data_certificate_size", models.CallQuery)
		s[0] = api.EncodeU32(uint32(len(x.certificate())))
	}},
	"data_certificate_copy": {vals(i32, i32, i32), nil, func(x *execution, mem api.Memory, s []uint64) {
		x.allow("data_certificate_copy", models.CallQuery)
		copyOut(mem, u32(s[0]), u32(s[1]), u32(s[2]), x.certificate())
	}},
	"time": {nil, vals(i64), func(x *execution, _ api.Memory, s []uint64) {
		s[0] = api.EncodeI64(x.now.UnixNano())
	}},
	"global_timer_set": {vals(i64), vals(i64), func(x *execution, _ api.Memory, s []uint64) {
		prev := x.canister.state.GlobalTimer
		x.canister.state.GlobalTimer = s[0]
		s[0] = prev
	}},
	"performance_counter": {vals(i32), vals(i64), func(x *execution, _ api.Memory, s []uint64) {
		s[0] = 0
	}},
	"instruction_counter": {nil, vals(i64), func(x *execution, _ api.Memory, s []uint64) {
		s[0] = 0
	}},
	"is_controller": {vals(i32, i32), vals(i32), func(x *execution, mem api.Memory, s []uint64) {
		raw := readMemory(mem, u32(s[0]), u32(s[1]))
		if len(raw) > principal.MaxLength {
			trapf("is_controller: invalid principal")
		}
		s[0] = 0
		if x.canister.state.isController(principal.FromBytes(raw)) {
			s[0] = 1
		}
	}},
	"debug_print": {vals(i32, i32), nil, func(x *execution, mem api.Memory, s []uint64) {
		text := readMemory(mem, u32(s[0]), u32(s[1]))
		x.canister.logger.Debug("canister print",
			slog.String("canister", x.canister.id.String()),
			slog.String("text", string(text)))
	}},
	"trap": {vals(i32, i32), nil, func(x *execution, mem api.Memory, s []uint64) {
		text := readMemory(mem, u32(s[0]), u32(s[1]))
		trapf("canister trapped explicitly: %s", text)
	}},
	"mint_cycles": {vals(i64), vals(i64), func(x *execution, _ api.Memory, s []uint64) {
		if x.canister.id != x.canister.minting {
			trapf("mint_cycles can only be executed on the cycles minting canister")
		}
		// The minted amount is returned as passed in.
		x.canister.state.Cycles = x.canister.state.Cycles.Add(cycles.New(s[0]))
	}},
}

func (x *execution) requireUnanswered(fn string) {
	if x.outcome != outcomeNone || x.context == nil || x.context.Terminal() {
		trapf("%s: call already replied", fn)
	}
}

func (x *execution) requirePending(fn string) *models.Message {
	x.allow(fn, callModes...)
	if x.pending == nil {
		trapf("%s called without a call under construction", fn)
	}
	return x.pending
}

// accept moves up to max attached cycles into the balance and returns the
// amount moved.
func (x *execution) accept(max cycles.Amount) cycles.Amount {
	got := cycles.Min(max, x.available())
	x.cyclesAccepted = x.cyclesAccepted.Add(got)
	x.canister.state.Cycles = x.canister.state.Cycles.Add(got)
	return got
}

func (x *execution) addCallCycles(amount cycles.Amount) {
	st := x.canister.state
	if st.Cycles.Cmp(amount) < 0 {
		trapf("call_cycles_add: insufficient cycles balance")
	}
	st.Cycles = st.Cycles.Sub(amount)
	x.pendingCycles = x.pendingCycles.Add(amount)
}

func (x *execution) certificate() []byte {
	if x.kind != models.CallQuery || x.canister.host == nil {
		return nil
	}
	return x.canister.host.DataCertificate(x.canister.id, x.canister.state.CertifiedData)
}

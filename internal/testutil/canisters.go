package testutil

import (
	"github.com/starford/lightic/internal/wasmbin"
)

// Memory layout shared by the fixtures.
const (
	CounterAddr  = 100
	InitSizeAddr = 104
	MarkerAddr   = 108
	textAddr     = 200
	scratchAddr  = 1024
)

// CounterCandid is the interface description embedded in Counter.
const CounterCandid = `service : (nat) -> {
  test_caller : () -> (principal) query;
  inc : () -> ();
  read : () -> () query;
  echo : (text) -> (text);
  accept : () -> ();
}`

// candidPrincipalPrefix encodes one principal argument, up to the id length.
var candidPrincipalPrefix = []byte("DIDL\x00\x01\x68\x01")

// Counter is a canister with a 32-bit counter and one method per execution
// path worth testing:
//
//	canister_init          records the init argument size at InitSizeAddr
//	test_caller (query)    replies the Candid-encoded caller
//	inc / read             bump and read the counter (raw 4-byte replies)
//	inc_query (query)      bumps the counter inside a query
//	test_trap              bumps the counter, then traps with "boom"
//	reply_twice            calls msg_reply twice
//	reply_then_trap        bumps and replies, then hits unreachable
//	silent                 returns without answering
//	accept                 accepts up to 500 attached cycles
//	reject                 rejects with "boom"
//	stable_put             grows stable memory by a page and writes "boom"
//	stable_trap            stable_put, then traps
//	certify                sets certified data to "boom"
//	cert_size (query)      replies the data certificate length
//	unknown (query)        calls imports the emulator does not know
//	echo                   replies its argument bytes
//	init_size (query)      replies the value recorded by canister_init
//	mint                   mints 1000 cycles
//	pre/post_upgrade       carry the counter across upgrades in stable memory
func Counter() []byte {
	c := NewCanister(
		"msg_arg_data_size", "msg_arg_data_copy",
		"msg_caller_size", "msg_caller_copy",
		"msg_reply_data_append", "msg_reply", "msg_reject",
		"msg_cycles_accept",
		"stable64_grow", "stable64_write", "stable64_read",
		"certified_data_set", "data_certificate_size", "debug_print", "trap", "mint_cycles",
	)
	noop := c.ImportFrom("env", "noop", []wasmbin.ValType{i32}, []wasmbin.ValType{i32})
	future := c.ImportFrom("ic0", "not_yet_specified", nil, []wasmbin.ValType{i64})

	c.Data(0, candidPrincipalPrefix)
	c.Data(textAddr, []byte("boom"))
	c.Custom("icp:public candid:service", []byte(CounterCandid))

	inc := func(code *wasmbin.Code) {
		Store(code, CounterAddr, func(code *wasmbin.Code) {
			Load(code, CounterAddr).I32Const(1).I32Add()
		})
	}
	stablePut := func(code *wasmbin.Code) {
		code.I64Const(1).Call(c.F("stable64_grow")).Drop()
		code.I64Const(0).I64Const(textAddr).I64Const(4).Call(c.F("stable64_write"))
	}

	c.Method("canister_init", func(code *wasmbin.Code) {
		Store(code, InitSizeAddr, func(code *wasmbin.Code) { code.Call(c.F("msg_arg_data_size")) })
	})
	c.Method("canister_query test_caller", func(code *wasmbin.Code) {
		Store(code, 8, func(code *wasmbin.Code) { code.Call(c.F("msg_caller_size")) })
		code.I32Const(9).I32Const(0).Call(c.F("msg_caller_size")).Call(c.F("msg_caller_copy"))
		code.I32Const(0).Call(c.F("msg_caller_size")).I32Const(9).I32Add().Call(c.F("msg_reply_data_append"))
		code.Call(c.F("msg_reply"))
	})
	c.Method("canister_update inc", func(code *wasmbin.Code) {
		inc(code)
		c.Reply(code, CounterAddr, 4)
	})
	c.Method("canister_query read", func(code *wasmbin.Code) {
		c.Reply(code, CounterAddr, 4)
	})
	c.Method("canister_query inc_query", func(code *wasmbin.Code) {
		inc(code)
		c.Reply(code, CounterAddr, 4)
	})
	c.Method("canister_update test_trap", func(code *wasmbin.Code) {
		inc(code)
		code.I32Const(textAddr).I32Const(4).Call(c.F("trap"))
	})
	c.Method("canister_update reply_twice", func(code *wasmbin.Code) {
		code.Call(c.F("msg_reply")).Call(c.F("msg_reply"))
	})
	c.Method("canister_update reply_then_trap", func(code *wasmbin.Code) {
		inc(code)
		c.Reply(code, CounterAddr, 4)
		code.Unreachable()
	})
	c.Method("canister_update silent", func(code *wasmbin.Code) {
		inc(code)
	})
	c.Method("canister_update accept", func(code *wasmbin.Code) {
		code.I64Const(500).Call(c.F("msg_cycles_accept")).Drop()
		c.Reply(code, CounterAddr, 4)
	})
	c.Method("canister_update reject", func(code *wasmbin.Code) {
		code.I32Const(textAddr).I32Const(4).Call(c.F("msg_reject"))
	})
	c.Method("canister_update stable_put", func(code *wasmbin.Code) {
		stablePut(code)
		c.Reply(code, CounterAddr, 4)
	})
	c.Method("canister_update stable_trap", func(code *wasmbin.Code) {
		stablePut(code)
		code.Unreachable()
	})
	c.Method("canister_update certify", func(code *wasmbin.Code) {
		code.I32Const(textAddr).I32Const(4).Call(c.F("certified_data_set"))
		c.Reply(code, CounterAddr, 4)
	})
	c.Method("canister_query cert_size", func(code *wasmbin.Code) {
		Store(code, scratchAddr, func(code *wasmbin.Code) { code.Call(c.F("data_certificate_size")) })
		c.Reply(code, scratchAddr, 4)
	})
	c.Method("canister_query unknown", func(code *wasmbin.Code) {
		code.I32Const(1).Call(noop).Drop()
		code.Call(future).Drop()
		code.I32Const(textAddr).I32Const(4).Call(c.F("debug_print"))
		c.Reply(code, CounterAddr, 4)
	})
	c.Method("canister_update echo", func(code *wasmbin.Code) {
		code.I32Const(scratchAddr).I32Const(0).Call(c.F("msg_arg_data_size")).Call(c.F("msg_arg_data_copy"))
		code.I32Const(scratchAddr).Call(c.F("msg_arg_data_size")).Call(c.F("msg_reply_data_append"))
		code.Call(c.F("msg_reply"))
	})
	c.Method("canister_query init_size", func(code *wasmbin.Code) {
		c.Reply(code, InitSizeAddr, 4)
	})
	c.Method("canister_update mint", func(code *wasmbin.Code) {
		code.I64Const(1000).Call(c.F("mint_cycles")).Drop()
		c.Reply(code, CounterAddr, 4)
	})
	c.Method("canister_pre_upgrade", func(code *wasmbin.Code) {
		code.I64Const(1).Call(c.F("stable64_grow")).Drop()
		code.I64Const(0).I64Const(CounterAddr).I64Const(4).Call(c.F("stable64_write"))
	})
	c.Method("canister_post_upgrade", func(code *wasmbin.Code) {
		code.I64Const(CounterAddr).I64Const(0).I64Const(4).Call(c.F("stable64_read"))
	})
	return c.Bytes()
}

// Caller is a canister that calls another canister. The callee id is the
// raw argument of each call method; the callee method name is "inc".
//
//	call           calls callee.inc with 100 cycles; the reply callback
//	               replies the callee's reply, the reject callback rejects
//	               with the callee's reject message
//	call_trap_cb   same, with a reply callback that traps after marking
//	               MarkerAddr, plus a cleanup that stores 7 at MarkerAddr
//	call_echo      calls callee.echo with "hi" and forwards the reply
//	call_ignore    calls callee.inc with callbacks that never answer
//	perform_only   calls call_perform without call_new and replies its
//	               status as 4 raw bytes
//	marker (query) replies the value at MarkerAddr
func Caller() []byte {
	c := NewCanister(
		"msg_arg_data_size", "msg_arg_data_copy",
		"msg_reject_msg_size", "msg_reject_msg_copy",
		"msg_reply_data_append", "msg_reply", "msg_reject",
		"msg_cycles_refunded",
		"call_new", "call_on_cleanup", "call_data_append", "call_cycles_add", "call_perform",
	)
	const (
		calleeAddr = 600
		methodAddr = 700
		echoAddr   = 710
		hiAddr     = 720
		statusAddr = 730
		bufAddr    = 2048
	)
	c.Data(methodAddr, []byte("inc"))
	c.Data(echoAddr, []byte("echo"))
	c.Data(hiAddr, []byte("hi"))

	forwardReply := c.Callback(func(code *wasmbin.Code) {
		code.I32Const(bufAddr).I32Const(0).Call(c.F("msg_arg_data_size")).Call(c.F("msg_arg_data_copy"))
		code.I32Const(bufAddr).Call(c.F("msg_arg_data_size")).Call(c.F("msg_reply_data_append"))
		code.Call(c.F("msg_reply"))
	})
	forwardReject := c.Callback(func(code *wasmbin.Code) {
		code.I32Const(bufAddr).I32Const(0).Call(c.F("msg_reject_msg_size")).Call(c.F("msg_reject_msg_copy"))
		code.I32Const(bufAddr).Call(c.F("msg_reject_msg_size")).Call(c.F("msg_reject"))
	})
	trapReply := c.Callback(func(code *wasmbin.Code) {
		Store(code, MarkerAddr, func(code *wasmbin.Code) { code.I32Const(1) })
		code.Unreachable()
	})
	cleanup := c.Callback(func(code *wasmbin.Code) {
		Store(code, MarkerAddr, func(code *wasmbin.Code) { code.I32Const(7) })
	})

	ignore := c.Callback(func(code *wasmbin.Code) {})

	call := func(code *wasmbin.Code, method, methodLen uint32, reply, reject uint32) {
		code.I32Const(calleeAddr).I32Const(0).Call(c.F("msg_arg_data_size")).Call(c.F("msg_arg_data_copy"))
		code.I32Const(calleeAddr).Call(c.F("msg_arg_data_size")).
			I32Const(int32(method)).I32Const(int32(methodLen)).
			I32Const(int32(reply)).I32Const(1).
			I32Const(int32(reject)).I32Const(2).
			Call(c.F("call_new"))
	}

	c.Method("canister_update call", func(code *wasmbin.Code) {
		call(code, methodAddr, 3, forwardReply, forwardReject)
		code.I64Const(100).Call(c.F("call_cycles_add"))
		code.Call(c.F("call_perform")).Drop()
	})
	c.Method("canister_update call_trap_cb", func(code *wasmbin.Code) {
		call(code, methodAddr, 3, trapReply, forwardReject)
		code.I32Const(int32(cleanup)).I32Const(3).Call(c.F("call_on_cleanup"))
		code.Call(c.F("call_perform")).Drop()
	})
	c.Method("canister_update call_echo", func(code *wasmbin.Code) {
		call(code, echoAddr, 4, forwardReply, forwardReject)
		code.I32Const(hiAddr).I32Const(2).Call(c.F("call_data_append"))
		code.Call(c.F("call_perform")).Drop()
	})
	c.Method("canister_update call_ignore", func(code *wasmbin.Code) {
		call(code, methodAddr, 3, ignore, ignore)
		code.Call(c.F("call_perform")).Drop()
	})
	c.Method("canister_update perform_only", func(code *wasmbin.Code) {
		Store(code, statusAddr, func(code *wasmbin.Code) { code.Call(c.F("call_perform")) })
		c.Reply(code, statusAddr, 4)
	})
	c.Method("canister_query marker", func(code *wasmbin.Code) {
		c.Reply(code, MarkerAddr, 4)
	})
	return c.Bytes()
}

// Guarded accepts ingress updates only when they carry arguments.
func Guarded() []byte {
	c := NewCanister("msg_arg_data_size", "accept_message", "msg_reply_data_append", "msg_reply")
	c.Method("canister_inspect_message", func(code *wasmbin.Code) {
		code.Call(c.F("msg_arg_data_size")).I32Eqz().I32Eqz().If()
		code.Call(c.F("accept_message"))
		code.End()
	})
	c.Method("canister_update ping", func(code *wasmbin.Code) {
		c.Reply(code, CounterAddr, 4)
	})
	return c.Bytes()
}

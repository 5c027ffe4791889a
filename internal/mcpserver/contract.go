package mcpserver

// UsageGuide describes how LLM consumers should deploy and call canisters
// on the local replica.
const UsageGuide = `# lightic Usage Guide

lightic runs a single-node Internet Computer replica in process. Canisters are
WebAssembly modules from the workspace directory; calls are executed
synchronously and every message is kept for inspection.

## Workflow

1. ` + "`" + `list_modules` + "`" + ` shows the deployable files. Add new ones with ` + "`" + `upload_module` + "`" + `.
2. ` + "`" + `deploy_canister` + "`" + ` creates a canister and installs a module. Give it a
   ` + "`" + `name` + "`" + ` to refer to it later instead of its principal.
3. ` + "`" + `get_candid` + "`" + ` returns the interface. Argument types come from it.
4. ` + "`" + `call_canister` + "`" + ` runs a method. Methods annotated ` + "`" + `query` + "`" + ` are executed as
   queries and leave no state behind; everything else is an update call.
5. ` + "`" + `get_message` + "`" + ` and ` + "`" + `list_messages` + "`" + ` show what happened, including inter-canister
   calls and callbacks.

## Arguments

- ` + "`" + `args` + "`" + ` is a JSON array with one entry per Candid argument.
- ` + "`" + `nat` + "`" + `/` + "`" + `int` + "`" + ` accept JSON numbers or decimal strings (use strings above 2^53).
- ` + "`" + `text` + "`" + ` and ` + "`" + `principal` + "`" + ` are JSON strings; ` + "`" + `blob` + "`" + ` is a hex string.
- ` + "`" + `opt T` + "`" + ` is ` + "`" + `null` + "`" + ` or a T; records are objects keyed by field name; variants are
  objects with exactly one key.
- Without an interface, pass the raw Candid bytes as ` + "`" + `arg_hex` + "`" + `.

## Outcomes

A call that reaches the canister always produces a message. Its ` + "`" + `status` + "`" + ` is
` + "`" + `ok` + "`" + ` or ` + "`" + `error` + "`" + `; errors carry a rejection code:

| code | meaning            |
|------|--------------------|
| 1    | system fatal       |
| 2    | system transient   |
| 3    | destination invalid|
| 4    | canister reject    |
| 5    | canister error     |

A trap inside a canister is code 5 and leaves the canister state unchanged.

## Modules

- Supported files: ` + "`" + `.wasm` + "`" + `, ` + "`" + `.wasm.gz` + "`" + ` and ` + "`" + `.did` + "`" + `.
- Uploading a module that a canister was deployed from upgrades that canister in
  place; stable memory survives, heap memory does not.
`

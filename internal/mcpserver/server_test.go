package mcpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/lightic/internal/emulator"
	"github.com/starford/lightic/internal/journal"
	"github.com/starford/lightic/internal/storage"
	"github.com/starford/lightic/internal/testutil"
)

func testServer(t *testing.T) (*Server, storage.Provider) {
	t.Helper()

	_, store := testutil.TestWorkspace(t, map[string][]byte{"counter.wasm": testutil.Counter()})
	emu, err := emulator.New(emulator.Options{Files: store})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { emu.Close(context.Background()) })

	db, err := journal.Open(testutil.TestDBPath(t))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	emu.Subscribe(db.Observer(slog.Default()))

	return New(emu, store, db), store
}

func callTool(t *testing.T, srv *Server, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	req := mcp.CallToolRequest{}
	req.Method = "tools/call"
	req.Params.Name = name
	req.Params.Arguments = args

	// mcp-go has no direct "call tool" test helper, so the handlers are
	// invoked directly.
	var result *mcp.CallToolResult
	var err error

	switch name {
	case "list_canisters":
		result, err = srv.listCanisters(ctx, req)
	case "get_candid":
		result, err = srv.getCandid(ctx, req)
	case "list_modules":
		result, err = srv.listModules(ctx, req)
	case "deploy_canister":
		result, err = srv.deployCanister(ctx, req)
	case "call_canister":
		result, err = srv.callCanister(ctx, req)
	case "get_message":
		result, err = srv.getMessage(ctx, req)
	case "list_messages":
		result, err = srv.listMessages(ctx, req)
	case "read_state":
		result, err = srv.readState(ctx, req)
	case "upload_module":
		result, err = srv.uploadModule(ctx, req)
	case "get_guide":
		result, err = srv.getGuide(ctx, req)
	default:
		t.Fatalf("unknown tool: %s", name)
	}

	if err != nil {
		t.Fatalf("tool %s error: %v", name, err)
	}
	return result
}

func resultText(r *mcp.CallToolResult) string {
	if len(r.Content) > 0 {
		if tc, ok := r.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func deploy(t *testing.T, srv *Server) {
	t.Helper()
	r := callTool(t, srv, "deploy_canister", map[string]any{"wasm": "counter.wasm", "name": "counter"})
	if r.IsError {
		t.Fatalf("deploy: %s", resultText(r))
	}
}

func TestDeployAndList(t *testing.T) {
	srv, _ := testServer(t)
	deploy(t, srv)

	r := callTool(t, srv, "list_canisters", map[string]any{})
	if !strings.Contains(resultText(r), "rrkah-fqaaa-aaaaa-aaaaq-cai") {
		t.Errorf("list = %s", resultText(r))
	}

	r = callTool(t, srv, "get_candid", map[string]any{"canister": "counter"})
	if resultText(r) != testutil.CounterCandid {
		t.Errorf("candid = %q", resultText(r))
	}

	r = callTool(t, srv, "list_modules", map[string]any{})
	if !strings.Contains(resultText(r), "counter.wasm") {
		t.Errorf("modules = %s", resultText(r))
	}
}

func TestDeployMissingModule(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "deploy_canister", map[string]any{"wasm": "nope.wasm"})
	if !r.IsError {
		t.Error("expected error for missing module")
	}
	r = callTool(t, srv, "deploy_canister", map[string]any{"wasm": "counter.wasm", "init_args": "{"})
	if !r.IsError {
		t.Error("expected error for malformed init_args")
	}
}

func TestCallAndGetMessage(t *testing.T) {
	srv, _ := testServer(t)
	deploy(t, srv)

	r := callTool(t, srv, "call_canister", map[string]any{
		"canister": "counter",
		"method":   "echo",
		"args":     `["hello"]`,
		"sender":   "2vxsx-fae",
	})
	if r.IsError {
		t.Fatalf("call: %s", resultText(r))
	}
	var out callOutput
	if err := json.Unmarshal([]byte(resultText(r)), &out); err != nil {
		t.Fatal(err)
	}
	if out.Message.Status != "ok" || len(out.Reply) != 1 || out.Reply[0] != "hello" {
		t.Errorf("call output = %+v", out)
	}

	r = callTool(t, srv, "get_message", map[string]any{"id": out.Message.ID})
	if r.IsError || !strings.Contains(resultText(r), `"method": "echo"`) {
		t.Errorf("get_message = %s", resultText(r))
	}

	r = callTool(t, srv, "list_messages", map[string]any{"method": "echo"})
	if !strings.Contains(resultText(r), out.Message.ID) {
		t.Errorf("list_messages = %s", resultText(r))
	}

	r = callTool(t, srv, "get_message", map[string]any{"id": "999"})
	if !r.IsError {
		t.Error("expected error for missing message")
	}
}

func TestCallErrors(t *testing.T) {
	srv, _ := testServer(t)
	deploy(t, srv)

	cases := []map[string]any{
		{"canister": "ghost", "method": "echo"},
		{"canister": "counter"},
		{"canister": "counter", "method": "echo", "args": "not json"},
		{"canister": "counter", "method": "echo", "sender": "!!"},
	}
	for _, args := range cases {
		if r := callTool(t, srv, "call_canister", args); !r.IsError {
			t.Errorf("call %v should fail", args)
		}
	}
}

func TestReadState(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "read_state", map[string]any{"paths": `[["time"]]`})
	if r.IsError {
		t.Fatalf("read_state: %s", resultText(r))
	}
	var out map[string]any
	_ = json.Unmarshal([]byte(resultText(r)), &out)
	if cert, _ := out["certificate"].(string); cert == "" {
		t.Errorf("certificate missing: %v", out)
	}

	r = callTool(t, srv, "read_state", map[string]any{"paths": `"time"`})
	if !r.IsError {
		t.Error("expected error for malformed paths")
	}
}

func TestUploadModuleDataURI(t *testing.T) {
	srv, store := testServer(t)
	deploy(t, srv)

	changed := testutil.WithTrailer(testutil.Counter())
	uri := "data:application/wasm;base64," + base64.StdEncoding.EncodeToString(changed)
	r := callTool(t, srv, "upload_module", map[string]any{"url": uri, "filename": "counter.wasm"})
	if r.IsError {
		t.Fatalf("upload: %s", resultText(r))
	}
	var res uploadResult
	_ = json.Unmarshal([]byte(resultText(r)), &res)
	if res.SavedPath != "counter.wasm" || len(res.Redeployed) != 1 {
		t.Errorf("upload result = %+v", res)
	}
	if data, err := store.Read("counter.wasm"); err != nil || len(data) != len(changed) {
		t.Errorf("stored module: %d bytes, err %v", len(data), err)
	}
}

func TestUploadModuleRejectsBadContent(t *testing.T) {
	srv, _ := testServer(t)

	notWasm := "data:application/wasm;base64," + base64.StdEncoding.EncodeToString([]byte("hello"))
	if r := callTool(t, srv, "upload_module", map[string]any{"url": notWasm}); !r.IsError {
		t.Error("expected magic byte mismatch")
	}
	text := "data:text/plain;base64," + base64.StdEncoding.EncodeToString([]byte("hello"))
	if r := callTool(t, srv, "upload_module", map[string]any{"url": text, "filename": "notes.txt"}); !r.IsError {
		t.Error("expected unsupported extension")
	}
	if r := callTool(t, srv, "upload_module", map[string]any{"url": "ftp://example.com/a.wasm"}); !r.IsError {
		t.Error("expected unsupported scheme")
	}
	if r := callTool(t, srv, "upload_module", map[string]any{"url": "http://127.0.0.1/a.wasm"}); !r.IsError {
		t.Error("expected loopback to be blocked")
	}
}

func TestUploadCandid(t *testing.T) {
	srv, store := testServer(t)
	uri := "data:text/plain;base64," + base64.StdEncoding.EncodeToString([]byte(testutil.CounterCandid))
	r := callTool(t, srv, "upload_module", map[string]any{"url": uri})
	if r.IsError {
		t.Fatalf("upload: %s", resultText(r))
	}
	var res uploadResult
	_ = json.Unmarshal([]byte(resultText(r)), &res)
	if !strings.HasSuffix(res.SavedPath, ".did") || res.Kind != "candid" {
		t.Errorf("upload result = %+v", res)
	}
	if _, err := store.Read(res.SavedPath); err != nil {
		t.Errorf("stored candid: %v", err)
	}
}

func TestSanitizeFilename(t *testing.T) {
	if got := sanitizeFilename("../../etc/my app.wasm"); got != "my_app.wasm" {
		t.Errorf("sanitize = %q", got)
	}
}

func TestGuide(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "get_guide", map[string]any{})
	if !strings.Contains(resultText(r), "rejection code") {
		t.Error("guide should describe rejection codes")
	}
}

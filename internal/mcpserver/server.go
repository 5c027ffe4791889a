// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes lightic tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/lightic/internal/emulator"
	"github.com/starford/lightic/internal/journal"
	"github.com/starford/lightic/internal/principal"
	"github.com/starford/lightic/internal/replica"
	"github.com/starford/lightic/internal/storage"
)

// Server wraps the MCP server with emulator tools.
type Server struct {
	mcp     *server.MCPServer
	emu     *emulator.Emulator
	store   storage.Provider
	journal journal.Journal
}

// New creates a new MCP server with all tools registered. store and j may
// be nil; the module and history tools then report that they are
// unavailable.
func New(emu *emulator.Emulator, store storage.Provider, j journal.Journal) *Server {
	s := &Server{emu: emu, store: store, journal: j}

	s.mcp = server.NewMCPServer(
		"lightic",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("list_canisters",
		mcp.WithDescription("List the canisters of the local replica with their methods and module hashes."),
	), s.listCanisters)

	s.mcp.AddTool(mcp.NewTool("get_candid",
		mcp.WithDescription("Return the Candid interface description of a canister."),
		mcp.WithString("canister", mcp.Required(), mcp.Description("Canister id or deployment name")),
	), s.getCandid)

	s.mcp.AddTool(mcp.NewTool("list_modules",
		mcp.WithDescription("List the .wasm, .wasm.gz and .did files of the workspace."),
	), s.listModules)

	s.mcp.AddTool(mcp.NewTool("deploy_canister",
		mcp.WithDescription("Create a canister and install a workspace module into it. "+
			"Read the usage guide via get_guide or the lightic://guide resource first."),
		mcp.WithString("wasm", mcp.Required(), mcp.Description("Workspace path of the module (e.g. counter.wasm)")),
		mcp.WithString("name", mcp.Description("Optional name to refer to the canister by")),
		mcp.WithString("candid_path", mcp.Description("Optional workspace .did file describing the interface")),
		mcp.WithString("init_args", mcp.Description("JSON array of init arguments, typed by the interface")),
		mcp.WithString("init_arg_hex", mcp.Description("Raw init argument as hex, used instead of init_args")),
	), s.deployCanister)

	s.mcp.AddTool(mcp.NewTool("call_canister",
		mcp.WithDescription("Call a canister method. Methods annotated query run as queries unless "+
			"query is set explicitly; update calls are processed to completion."),
		mcp.WithString("canister", mcp.Required(), mcp.Description("Canister id or deployment name")),
		mcp.WithString("method", mcp.Required(), mcp.Description("Method name")),
		mcp.WithString("args", mcp.Description("JSON array of arguments, typed by the interface")),
		mcp.WithString("arg_hex", mcp.Description("Raw Candid argument as hex, used instead of args")),
		mcp.WithString("sender", mcp.Description("Caller principal in text form (default anonymous)")),
		mcp.WithBoolean("query", mcp.Description("Force a query call")),
	), s.callCanister)

	s.mcp.AddTool(mcp.NewTool("get_message",
		mcp.WithDescription("Return a message by id, including its status and rejection."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Message id")),
	), s.getMessage)

	s.mcp.AddTool(mcp.NewTool("list_messages",
		mcp.WithDescription("List recent messages, newest first."),
		mcp.WithString("canister", mcp.Description("Filter by target canister id")),
		mcp.WithString("method", mcp.Description("Filter by method name")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of messages (default 20)")),
	), s.listMessages)

	s.mcp.AddTool(mcp.NewTool("read_state",
		mcp.WithDescription("Read certified replica state. Returns the CBOR certificate as hex "+
			"and the hex values found at each path."),
		mcp.WithString("paths", mcp.Required(), mcp.Description(`JSON array of label paths, e.g. [["time"],["request_status","3","status"]]`)),
	), s.readState)

	s.mcp.AddTool(mcp.NewTool("upload_module",
		mcp.WithDescription("Save a .wasm, .wasm.gz or .did file into the workspace from an http(s) URL "+
			"or a base64 data URI. Canisters running an uploaded module are upgraded."),
		mcp.WithString("url", mcp.Required(), mcp.Description("http(s) URL or data:...;base64,... URI")),
		mcp.WithString("filename", mcp.Description("Target file name; derived from the URL when empty")),
	), s.uploadModule)

	s.mcp.AddTool(mcp.NewTool("get_guide",
		mcp.WithDescription("Returns the lightic usage guide: argument encoding, call semantics and rejection codes."),
	), s.getGuide)

	s.mcp.AddResource(
		mcp.NewResource("lightic://guide", "Usage Guide",
			mcp.WithResourceDescription("How to deploy and call canisters on the local replica."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readGuideResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func jsonResult(v any) *mcp.CallToolResult {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultText(string(out))
}

// jsonArray decodes an optional JSON array argument.
func jsonArray(req mcp.CallToolRequest, key string) ([]any, error) {
	raw := req.GetString(key, "")
	if raw == "" {
		return nil, nil
	}
	var out []any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("%s must be a JSON array: %w", key, err)
	}
	return out, nil
}

func (s *Server) listCanisters(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.emu.Canisters()), nil
}

func (s *Server) getCandid(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := req.RequireString("canister")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id, err := s.emu.Resolve(ref)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	text, err := s.emu.Interface(id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(text), nil
}

func (s *Server) listModules(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	files, err := s.emu.Workspace()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(files), nil
}

func (s *Server) deployCanister(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	wasm, err := req.RequireString("wasm")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	initArgs, err := jsonArray(req, "init_args")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	opts := emulator.DeployOptions{
		Name:       req.GetString("name", ""),
		Wasm:       wasm,
		CandidPath: req.GetString("candid_path", ""),
		InitValues: initArgs,
	}
	if h := req.GetString("init_arg_hex", ""); h != "" {
		if opts.Arg, err = hex.DecodeString(h); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid init_arg_hex: %v", err)), nil
		}
	}
	info, err := s.emu.Deploy(ctx, opts)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(info), nil
}

type callOutput struct {
	Message journal.Entry `json:"message"`
	Reply   []any         `json:"reply,omitempty"`
}

func (s *Server) callCanister(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := req.RequireString("canister")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	method, err := req.RequireString("method")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id, err := s.emu.Resolve(ref)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	args, err := jsonArray(req, "args")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	call := emulator.CallRequest{
		Canister: id,
		Method:   method,
		Args:     args,
		ArgHex:   req.GetString("arg_hex", ""),
		Query:    req.GetBool("query", false),
	}
	if text := req.GetString("sender", ""); text != "" {
		if call.Sender, err = principal.Decode(text); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid sender: %v", err)), nil
		}
	}
	res, err := s.emu.Call(ctx, call)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(callOutput{Message: journal.EntryOf(res.Message), Reply: res.Reply}), nil
}

func (s *Server) getMessage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if m, err := s.emu.Message(id); err == nil {
		return jsonResult(journal.EntryOf(m)), nil
	}
	if s.journal != nil {
		if e, err := s.journal.Get(id); err == nil {
			return jsonResult(e), nil
		}
	}
	return mcp.NewToolResultError(fmt.Sprintf("not found: message %s", id)), nil
}

func (s *Server) listMessages(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 20)
	f := journal.Filter{
		Canister: req.GetString("canister", ""),
		Method:   req.GetString("method", ""),
		Limit:    limit,
	}
	if s.journal != nil {
		items, _, err := s.journal.List(f)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(items), nil
	}
	items := []journal.Entry{}
	for _, m := range s.emu.Replica().Messages(replicaFilter(f)) {
		items = append(items, journal.EntryOf(m))
	}
	return jsonResult(items), nil
}

func replicaFilter(f journal.Filter) replica.MessageFilter {
	rf := replica.MessageFilter{Method: f.Method, Limit: f.Limit}
	if f.Canister != "" {
		if id, err := principal.Decode(f.Canister); err == nil {
			rf.Canister = &id
		}
	}
	return rf
}

func (s *Server) readState(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := req.RequireString("paths")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var paths [][]string
	if err := json.Unmarshal([]byte(raw), &paths); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("paths must be a JSON array of string arrays: %v", err)), nil
	}
	read, err := s.emu.ReadState(paths)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{
		"certificate": hex.EncodeToString(read.Certificate),
		"values":      read.Values,
	}), nil
}

func (s *Server) getGuide(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(UsageGuide), nil
}

func (s *Server) readGuideResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      "lightic://guide",
			MIMEType: "text/markdown",
			Text:     UsageGuide,
		},
	}, nil
}

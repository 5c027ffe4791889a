package api

import (
	"github.com/starford/lightic/internal/journal"
	"github.com/starford/lightic/internal/models"
	"github.com/starford/lightic/internal/principal"
)

// StatusResponse summarizes the replica.
type StatusResponse struct {
	RootKey   string         `json:"root_key" example:"308182301d..." validate:"required"`
	Canisters int            `json:"canisters" example:"2" validate:"required"`
	Messages  int            `json:"messages" example:"17" validate:"required"`
	Pending   int            `json:"pending" example:"0" validate:"required"`
	Journal   map[string]int `json:"journal,omitempty"`
}

// DeployRequest is the request body for deploying a workspace module.
type DeployRequest struct {
	Name       string `json:"name,omitempty" example:"counter"`
	Wasm       string `json:"wasm" example:"counter.wasm" validate:"required"`
	Candid     string `json:"candid,omitempty"`
	CandidPath string `json:"candid_path,omitempty" example:"counter.did"`
	ID         string `json:"id,omitempty" example:"rrkah-fqaaa-aaaaa-aaaaq-cai"`
	// InitArgs are JSON values typed by the init arguments of the interface.
	InitArgs   []any               `json:"init_args,omitempty"`
	InitArgHex string              `json:"init_arg_hex,omitempty"`
	Sender     principal.Principal `json:"sender,omitzero"`
}

// CallRequest is the request body for calling a canister method.
type CallRequest struct {
	Method string              `json:"method" example:"greet" validate:"required"`
	Sender principal.Principal `json:"sender,omitzero"`
	Args   []any               `json:"args,omitempty"`
	ArgHex string              `json:"arg_hex,omitempty"`
	Query  bool                `json:"query,omitempty"`
}

// CallResponse is the outcome of a call.
type CallResponse struct {
	Message journal.Entry `json:"message" validate:"required"`
	Reply   []any         `json:"reply,omitempty"`
}

// MessageListResponse wraps paginated message listings.
type MessageListResponse struct {
	Messages []journal.Entry `json:"messages" validate:"required"`
	Total    int             `json:"total" example:"42" validate:"required"`
}

// ReadStateRequest lists certificate paths as text labels.
type ReadStateRequest struct {
	Paths [][]string `json:"paths" validate:"required"`
}

// ModuleUploadResponse is returned after a successful module upload.
type ModuleUploadResponse struct {
	Path string          `json:"path" example:"counter.wasm" validate:"required"`
	Kind models.FileKind `json:"kind" example:"wasm" validate:"required"`
	Size int64           `json:"size" example:"12345" validate:"required"`
	// Redeployed lists canisters upgraded because they run this module.
	Redeployed []principal.Principal `json:"redeployed"`
}

package models

import "time"

// FileKind classifies workspace files.
type FileKind string

const (
	FileWasm   FileKind = "wasm"
	FileCandid FileKind = "candid"
)

// ModuleFile describes a deployable file found in the workspace.
type ModuleFile struct {
	Path      string    `json:"path"`
	Kind      FileKind  `json:"kind"`
	Size      int64     `json:"size"`
	Checksum  string    `json:"checksum"`
	UpdatedAt time.Time `json:"updated_at"`
}

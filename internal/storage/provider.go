// Package storage gives access to the workspace directory holding canister
// modules (.wasm, .wasm.gz) and their interface descriptions (.did).
package storage

import "github.com/starford/lightic/internal/models"

// Provider is the interface for workspace file operations.
type Provider interface {
	// List returns metadata for every module and interface file under dir.
	List(dir string) ([]models.ModuleFile, error)
	// Read returns the raw bytes of the file at path (relative to the root).
	Read(path string) ([]byte, error)
	// Write atomically writes content to path (relative to the root).
	Write(path string, content []byte) error
	// Delete removes the file at path (relative to the root).
	Delete(path string) error
}

// KindOf classifies a file name; ok is false for files that are neither
// modules nor interface descriptions.
func KindOf(name string) (models.FileKind, bool) {
	switch {
	case hasSuffix(name, ".wasm"), hasSuffix(name, ".wasm.gz"):
		return models.FileWasm, true
	case hasSuffix(name, ".did"):
		return models.FileCandid, true
	}
	return "", false
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

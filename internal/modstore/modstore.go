// Package modstore keeps canister modules addressed by content. Modules are
// identified by a CIDv1 over the sha2-256 of their uncompressed bytes.
package modstore

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/ipfs/go-cid"
	"github.com/klauspost/compress/gzip"
	"github.com/multiformats/go-multihash"

	"github.com/starford/lightic/internal/apperr"
	"github.com/starford/lightic/internal/storage"
	"github.com/starford/lightic/internal/wasmbin"
)

// maxModuleSize bounds decompressed modules.
const maxModuleSize = 100 << 20

var gzipMagic = []byte{0x1f, 0x8b}

// Module is a loaded canister module.
type Module struct {
	CID cid.Cid
	// Hash is the sha256 of Wasm, reported as the module hash.
	Hash [32]byte
	// Wasm is the module as supplied, decompressed.
	Wasm []byte
	// Code is Wasm prepared for execution (function table exported).
	Code []byte
	// Source is the workspace path the module came from, if any.
	Source string
	// Sections holds the custom sections of Wasm by name.
	Sections map[string][]byte
}

// New prepares raw module bytes, gzip compressed or not.
func New(raw []byte) (*Module, error) {
	wasm := raw
	if bytes.HasPrefix(raw, gzipMagic) {
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("modstore: gzip: %w", err)
		}
		defer zr.Close()
		wasm, err = io.ReadAll(io.LimitReader(zr, maxModuleSize+1))
		if err != nil {
			return nil, fmt.Errorf("modstore: gzip: %w", err)
		}
		if len(wasm) > maxModuleSize {
			return nil, fmt.Errorf("%w: module exceeds %d bytes", apperr.ErrInvalidArgument, maxModuleSize)
		}
	}

	code, err := wasmbin.ExportTable(wasm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrInvalidArgument, err)
	}

	sections, err := wasmbin.CustomSections(wasm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrInvalidArgument, err)
	}

	sum, err := multihash.Sum(wasm, multihash.SHA2_256, -1)
	if err != nil {
		return nil, fmt.Errorf("modstore: hash: %w", err)
	}
	decoded, err := multihash.Decode(sum)
	if err != nil {
		return nil, fmt.Errorf("modstore: hash: %w", err)
	}
	m := &Module{CID: cid.NewCidV1(cid.Raw, sum), Wasm: wasm, Code: code, Sections: sections}
	copy(m.Hash[:], decoded.Digest)
	return m, nil
}

type pathEntry struct {
	checksum string
	module   *Module
}

// Store caches modules by CID and by workspace path.
type Store struct {
	files storage.Provider

	mu     sync.RWMutex
	byCID  map[string]*Module
	byPath map[string]pathEntry
}

// NewStore creates a store reading workspace files from files, which may be
// nil when only Put is used.
func NewStore(files storage.Provider) *Store {
	return &Store{
		files:  files,
		byCID:  make(map[string]*Module),
		byPath: make(map[string]pathEntry),
	}
}

// Put adds raw module bytes.
func (s *Store) Put(raw []byte) (*Module, error) {
	m, err := New(raw)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byCID[m.CID.String()]; ok {
		return existing, nil
	}
	s.byCID[m.CID.String()] = m
	return m, nil
}

// Get looks a module up by its CID string.
func (s *Store) Get(id string) (*Module, bool) {
	c, err := cid.Decode(id)
	if err != nil {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byCID[c.String()]
	return m, ok
}

// Load reads a module from the workspace. Unchanged files are served from
// the cache.
func (s *Store) Load(path string) (*Module, error) {
	if s.files == nil {
		return nil, fmt.Errorf("modstore: no workspace configured: %w", apperr.ErrNotFound)
	}
	raw, err := s.files.Read(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrNotFound, err)
	}
	sum := storage.Checksum(raw)

	s.mu.RLock()
	e, ok := s.byPath[path]
	s.mu.RUnlock()
	if ok && e.checksum == sum {
		return e.module, nil
	}

	m, err := s.Put(raw)
	if err != nil {
		return nil, fmt.Errorf("modstore: load %s: %w", path, err)
	}
	s.mu.Lock()
	if m.Source == "" {
		m.Source = path
	}
	s.byPath[path] = pathEntry{checksum: sum, module: m}
	s.mu.Unlock()
	return m, nil
}

// ReadText reads a workspace text file such as an interface description.
func (s *Store) ReadText(path string) (string, error) {
	if s.files == nil {
		return "", fmt.Errorf("modstore: no workspace configured: %w", apperr.ErrNotFound)
	}
	raw, err := s.files.Read(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", apperr.ErrNotFound, err)
	}
	return string(raw), nil
}

// Invalidate drops the cached module for path.
func (s *Store) Invalidate(path string) {
	s.mu.Lock()
	delete(s.byPath, path)
	s.mu.Unlock()
}

// Changed reports whether the file at path differs from the cached copy.
func (s *Store) Changed(path string, checksum string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byPath[path]
	return !ok || e.checksum != checksum
}

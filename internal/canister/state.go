package canister

import (
	"bytes"

	"github.com/starford/lightic/internal/cycles"
	"github.com/starford/lightic/internal/models"
	"github.com/starford/lightic/internal/principal"
)

// PageSize is the size of a wasm and stable memory page.
const PageSize = 64 << 10

// CertifiedDataSize bounds the certified data slot.
const CertifiedDataSize = 32

// maxStablePages caps stable memory at 64 GiB worth of 64 KiB pages.
const maxStablePages = 1 << 20

// StableMemory is a growable byte region that survives upgrades.
type StableMemory struct {
	data []byte
}

// Pages is the current size in pages.
func (s *StableMemory) Pages() uint64 {
	return uint64(len(s.data) / PageSize)
}

// Grow adds n pages and returns the previous size, or -1 when the limit
// would be exceeded.
func (s *StableMemory) Grow(n uint64) int64 {
	old := s.Pages()
	if n > maxStablePages || old+n > maxStablePages {
		return -1
	}
	s.data = append(s.data, make([]byte, int(n)*PageSize)...)
	return int64(old)
}

// Read copies len(dst) bytes from offset; ok is false when out of bounds.
func (s *StableMemory) Read(dst []byte, offset uint64) bool {
	if offset+uint64(len(dst)) < offset || offset+uint64(len(dst)) > uint64(len(s.data)) {
		return false
	}
	copy(dst, s.data[offset:])
	return true
}

// Write copies src to offset; ok is false when out of bounds.
func (s *StableMemory) Write(offset uint64, src []byte) bool {
	if offset+uint64(len(src)) < offset || offset+uint64(len(src)) > uint64(len(s.data)) {
		return false
	}
	copy(s.data[offset:], src)
	return true
}

func (s *StableMemory) clone() StableMemory {
	return StableMemory{data: bytes.Clone(s.data)}
}

// State is the per-canister execution context. Only the owning canister
// mutates it.
type State struct {
	// Memory is a copy of linear memory taken before the current execution.
	memorySnapshot []byte

	Stable        StableMemory
	Cycles        cycles.Amount
	CertifiedData []byte
	Controllers   []principal.Principal
	Version       uint64
	GlobalTimer   uint64

	// Message is the message whose call context the current execution acts on.
	Message *models.Message
}

func (s *State) isController(p principal.Principal) bool {
	for _, c := range s.Controllers {
		if c == p {
			return true
		}
	}
	return false
}

// snapshot captures what a trap must roll back besides linear memory.
type snapshot struct {
	stable        *StableMemory
	cycles        cycles.Amount
	certifiedData []byte
	globalTimer   uint64
}

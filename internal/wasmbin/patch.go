package wasmbin

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrMalformed = errors.New("wasmbin: malformed module")

type rawSection struct {
	id      byte
	payload []byte
}

// ExportTable makes sure table 0 is exported as TrampolineTableName so the
// trampoline can reach callback functions. Modules without a table, or that
// already export it under that name, are returned unchanged.
func ExportTable(bin []byte) ([]byte, error) {
	sections, err := splitSections(bin)
	if err != nil {
		return nil, err
	}

	hasTable := false
	exportAt := -1
	for i, s := range sections {
		switch s.id {
		case sectionTable:
			n, _, err := readUleb(s.payload)
			if err != nil {
				return nil, err
			}
			hasTable = hasTable || n > 0
		case sectionImport:
			imported, err := importsTable(s.payload)
			if err != nil {
				return nil, err
			}
			hasTable = hasTable || imported
		case sectionExport:
			exportAt = i
		}
	}
	if !hasTable {
		return bin, nil
	}

	entry := append(name(nil, TrampolineTableName), byte(ExternTable), 0x00)
	if exportAt >= 0 {
		payload := sections[exportAt].payload
		count, n, err := readUleb(payload)
		if err != nil {
			return nil, err
		}
		kind, found, err := findExport(payload[n:], count, TrampolineTableName)
		if err != nil {
			return nil, err
		}
		if found {
			if kind != ExternTable {
				return nil, fmt.Errorf("wasmbin: export %q is not a table", TrampolineTableName)
			}
			return bin, nil
		}
		patched := uleb(nil, count+1)
		patched = append(patched, payload[n:]...)
		sections[exportAt].payload = append(patched, entry...)
	} else {
		// The export section goes after every section with a lower id.
		at := len(sections)
		for i, s := range sections {
			if s.id != sectionCustom && s.id > sectionExport {
				at = i
				break
			}
		}
		sec := rawSection{id: sectionExport, payload: append([]byte{1}, entry...)}
		sections = append(sections[:at], append([]rawSection{sec}, sections[at:]...)...)
	}

	out := append([]byte(nil), header...)
	for _, s := range sections {
		out = section(out, s.id, s.payload)
	}
	return out, nil
}

// CustomSections lists custom sections by name in module order.
func CustomSections(bin []byte) (map[string][]byte, error) {
	sections, err := splitSections(bin)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte)
	for _, s := range sections {
		if s.id != sectionCustom {
			continue
		}
		n, off, err := readUleb(s.payload)
		if err != nil || uint64(off)+uint64(n) > uint64(len(s.payload)) {
			return nil, fmt.Errorf("%w: custom section name", ErrMalformed)
		}
		out[string(s.payload[off:off+int(n)])] = s.payload[off+int(n):]
	}
	return out, nil
}

func splitSections(bin []byte) ([]rawSection, error) {
	if !bytes.HasPrefix(bin, header) {
		return nil, fmt.Errorf("%w: bad header", ErrMalformed)
	}
	rest := bin[len(header):]
	var out []rawSection
	for len(rest) > 0 {
		id := rest[0]
		size, n, err := readUleb(rest[1:])
		if err != nil {
			return nil, err
		}
		start := 1 + n
		if uint64(start)+uint64(size) > uint64(len(rest)) {
			return nil, fmt.Errorf("%w: section %d overruns module", ErrMalformed, id)
		}
		out = append(out, rawSection{id: id, payload: rest[start : start+int(size)]})
		rest = rest[start+int(size):]
	}
	return out, nil
}

func importsTable(payload []byte) (bool, error) {
	r := reader{b: payload}
	count := r.uleb()
	for i := uint32(0); i < count && r.err == nil; i++ {
		r.skipName()
		r.skipName()
		switch ExternKind(r.byte()) {
		case ExternFunc:
			r.uleb()
		case ExternTable:
			return r.err == nil, r.err
		case ExternMemory:
			r.limits()
		case ExternGlobal:
			r.byte()
			r.byte()
		default:
			r.err = fmt.Errorf("%w: import kind", ErrMalformed)
		}
	}
	return false, r.err
}

func findExport(payload []byte, count uint32, want string) (ExternKind, bool, error) {
	r := reader{b: payload}
	for i := uint32(0); i < count && r.err == nil; i++ {
		n := r.name()
		kind := ExternKind(r.byte())
		r.uleb()
		if r.err == nil && n == want {
			return kind, true, nil
		}
	}
	return 0, false, r.err
}

func readUleb(b []byte) (uint32, int, error) {
	v, n := binary.Uvarint(b)
	if n <= 0 || v > 1<<32-1 {
		return 0, 0, fmt.Errorf("%w: bad leb128", ErrMalformed)
	}
	return uint32(v), n, nil
}

type reader struct {
	b   []byte
	err error
}

func (r *reader) byte() byte {
	if r.err != nil {
		return 0
	}
	if len(r.b) == 0 {
		r.err = fmt.Errorf("%w: unexpected end", ErrMalformed)
		return 0
	}
	c := r.b[0]
	r.b = r.b[1:]
	return c
}

func (r *reader) uleb() uint32 {
	if r.err != nil {
		return 0
	}
	v, n, err := readUleb(r.b)
	if err != nil {
		r.err = err
		return 0
	}
	r.b = r.b[n:]
	return v
}

func (r *reader) name() string {
	n := r.uleb()
	if r.err != nil {
		return ""
	}
	if uint64(n) > uint64(len(r.b)) {
		r.err = fmt.Errorf("%w: name overruns section", ErrMalformed)
		return ""
	}
	s := string(r.b[:n])
	r.b = r.b[n:]
	return s
}

func (r *reader) skipName() { r.name() }

func (r *reader) limits() {
	flag := r.byte()
	r.uleb()
	if flag&0x01 != 0 {
		r.uleb()
	}
}

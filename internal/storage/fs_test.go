package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/starford/lightic/internal/models"
)

func tempWorkspace(t *testing.T) *FS {
	t.Helper()
	dir := t.TempDir()
	fs, err := NewFS(dir)
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return fs
}

func TestWriteAndRead(t *testing.T) {
	s := tempWorkspace(t)
	content := []byte("\x00asm\x01\x00\x00\x00")
	if err := s.Write("counter.wasm", content); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Read("counter.wasm")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("content mismatch: got %q", got)
	}
}

func TestWriteCreatesSubdirs(t *testing.T) {
	s := tempWorkspace(t)
	if err := s.Write("a/b/c.did", []byte("service : {}")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Read("a/b/c.did")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "service : {}" {
		t.Errorf("content = %q", got)
	}
}

func TestDelete(t *testing.T) {
	s := tempWorkspace(t)
	_ = s.Write("del.wasm", []byte("bye"))
	if err := s.Delete("del.wasm"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Read("del.wasm"); err == nil {
		t.Error("expected error reading deleted file")
	}
}

func TestList(t *testing.T) {
	s := tempWorkspace(t)
	_ = s.Write("a.wasm", []byte("a"))
	_ = s.Write("sub/b.wasm.gz", []byte("bb"))
	_ = s.Write("sub/b.did", []byte("service : {}"))
	_ = s.Write("readme.txt", []byte("not a module"))
	_ = s.Write(".git/objects/x.wasm", []byte("hidden"))

	items, err := s.List("")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("len = %d, want 3: %+v", len(items), items)
	}
	kinds := map[string]models.FileKind{}
	for _, it := range items {
		kinds[it.Path] = it.Kind
	}
	if kinds["sub/b.wasm.gz"] != models.FileWasm {
		t.Errorf("b.wasm.gz kind = %q, want wasm", kinds["sub/b.wasm.gz"])
	}
	if kinds["sub/b.did"] != models.FileCandid {
		t.Errorf("b.did kind = %q, want candid", kinds["sub/b.did"])
	}
	for _, it := range items {
		if it.Path == "a.wasm" && it.Checksum != Checksum([]byte("a")) {
			t.Errorf("checksum = %q, want %q", it.Checksum, Checksum([]byte("a")))
		}
	}
}

func TestTraversalBlocked(t *testing.T) {
	s := tempWorkspace(t)

	cases := []string{
		"../../etc/passwd",
		"../outside.wasm",
		"/etc/shadow",
	}
	for _, p := range cases {
		if _, err := s.Read(p); err == nil {
			t.Errorf("expected error for path %q", p)
		}
		if err := s.Write(p, []byte("x")); err == nil {
			t.Errorf("expected error for write to %q", p)
		}
	}
}

func TestAtomicWriteLeavesNoTemp(t *testing.T) {
	s := tempWorkspace(t)
	_ = s.Write("atomic.wasm", []byte("original"))

	updated := []byte("updated")
	if err := s.Write("atomic.wasm", updated); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, _ := s.Read("atomic.wasm")
	if string(got) != string(updated) {
		t.Errorf("expected updated content, got %q", got)
	}

	matches, _ := filepath.Glob(filepath.Join(s.root, ".lightic-tmp-*"))
	if len(matches) != 0 {
		t.Errorf("leftover temp files: %v", matches)
	}
}

func TestNewFS_NonExistentDir(t *testing.T) {
	_, err := NewFS("/tmp/lightic-does-not-exist-" + t.Name())
	if err == nil {
		t.Error("expected error for non-existent dir")
	}
}

func TestNewFS_FileNotDir(t *testing.T) {
	f, _ := os.CreateTemp("", "lightic-test-*")
	_ = f.Close()
	defer os.Remove(f.Name())
	_, err := NewFS(f.Name())
	if err == nil {
		t.Error("expected error when root is a file")
	}
}

func TestKindOf(t *testing.T) {
	for name, want := range map[string]bool{"x.wasm": true, "x.wasm.gz": true, "x.did": true, "x.gz": false, "wasm": false} {
		if _, ok := KindOf(name); ok != want {
			t.Errorf("KindOf(%q) ok = %v, want %v", name, ok, want)
		}
	}
}

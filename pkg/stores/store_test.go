package stores

import (
	"context"
	"errors"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/rootbeer/rootbeer/pkg/engine"
)

// fakeSnapshot is a finished run over files under dir.
type fakeSnapshot struct {
	dir     string
	entry   string
	modules []string
	refs    []string
}

func (f *fakeSnapshot) ScriptPath() string           { return f.entry }
func (f *fakeSnapshot) ScriptDir() string            { return f.dir }
func (f *fakeSnapshot) Modules() iter.Seq[string]    { return slices.Values(f.modules) }
func (f *fakeSnapshot) References() iter.Seq[string] { return slices.Values(f.refs) }

// setupStore creates an initialized store under a temp directory.
func setupStore(t *testing.T) *FileStore {
	t.Helper()

	s, err := NewFileStore(Config{
		Root:   filepath.Join(t.TempDir(), "rootbeer"),
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	s.now = func() time.Time { return time.Unix(1700000000, 0) }
	if err := s.Init(); err != nil {
		t.Fatalf("failed to init store: %v", err)
	}
	return s
}

// writeFiles creates files (relative to dir) with their name as content.
func writeFiles(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, n := range names {
		p := filepath.Join(dir, n)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir failed: %v", err)
		}
		if err := os.WriteFile(p, []byte("content of "+n), 0o644); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
}

func newSnapshot(t *testing.T, cfg, refs []string) *fakeSnapshot {
	t.Helper()
	dir := t.TempDir()
	writeFiles(t, dir, cfg...)
	writeFiles(t, dir, refs...)

	snap := &fakeSnapshot{dir: dir, entry: filepath.Join(dir, cfg[0])}
	for _, m := range cfg[1:] {
		snap.modules = append(snap.modules, filepath.Join(dir, m))
	}
	for _, r := range refs {
		snap.refs = append(snap.refs, filepath.Join(dir, r))
	}
	return snap
}

func TestFileStore_Lifecycle(t *testing.T) {
	s := setupStore(t)

	if _, err := os.Stat(filepath.Join(s.Root(), "store")); err != nil {
		t.Fatalf("store directory not created: %v", err)
	}

	err := s.Init()
	if !errors.Is(err, ErrStoreExists) {
		t.Errorf("second Init: expected ErrStoreExists, got %v", err)
	}
	if engine.ClassOf(err) != engine.ErrorClassStore {
		t.Errorf("expected store class, got %q", engine.ClassOf(err))
	}

	if err := s.Destroy(); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if _, err := os.Stat(s.Root()); !os.IsNotExist(err) {
		t.Errorf("root still present after Destroy")
	}
	if err := s.Destroy(); !errors.Is(err, ErrStoreMissing) {
		t.Errorf("second Destroy: expected ErrStoreMissing, got %v", err)
	}
}

func TestFileStore_NextID(t *testing.T) {
	s := setupStore(t)

	if _, ok := s.Current(); ok {
		t.Fatal("fresh store should have no current revision")
	}
	if got := s.NextID(); got != 0 {
		t.Fatalf("NextID on fresh store = %d, want 0", got)
	}

	snap := newSnapshot(t, []string{"init.star"}, nil)
	rev, err := s.Persist(context.Background(), snap, "")
	if err != nil {
		t.Fatalf("Persist failed: %v", err)
	}
	if rev.ID != 0 {
		t.Errorf("first revision id = %d, want 0", rev.ID)
	}
	if got := s.NextID(); got != 1 {
		t.Errorf("NextID after persist = %d, want 1", got)
	}

	data, err := os.ReadFile(filepath.Join(s.Root(), "_current"))
	if err != nil {
		t.Fatalf("read _current: %v", err)
	}
	if string(data) != "0" {
		t.Errorf("_current = %q, want %q", data, "0")
	}
}

func TestFileStore_PersistRead(t *testing.T) {
	s := setupStore(t)
	cfg := []string{"init.lua", "lua/foo.lua"}
	refs := []string{"assets/x.png"}
	snap := newSnapshot(t, cfg, refs)

	if _, err := s.Persist(context.Background(), snap, "laptop"); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}

	rev, err := s.Read(0)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !slices.Equal(rev.CfgFiles, cfg) {
		t.Errorf("CfgFiles = %v, want %v", rev.CfgFiles, cfg)
	}
	if !slices.Equal(rev.RefFiles, refs) {
		t.Errorf("RefFiles = %v, want %v", rev.RefFiles, refs)
	}
	if rev.Name != "laptop" {
		t.Errorf("Name = %q, want laptop", rev.Name)
	}
	if rev.Timestamp != 1700000000 {
		t.Errorf("Timestamp = %d", rev.Timestamp)
	}

	for _, f := range []string{"cfg/init.lua", "cfg/lua/foo.lua", "ref/assets/x.png"} {
		got, err := os.ReadFile(filepath.Join(s.Root(), "store", "0", f))
		if err != nil {
			t.Errorf("stored copy %s missing: %v", f, err)
			continue
		}
		want := "content of " + strings.SplitN(f, "/", 2)[1]
		if string(got) != want {
			t.Errorf("%s = %q, want %q", f, got, want)
		}
	}

	entries, err := os.ReadDir(filepath.Join(s.Root(), "store"))
	if err != nil {
		t.Fatalf("read store dir: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), stagePrefix) {
			t.Errorf("staging directory left behind: %s", e.Name())
		}
	}
}

func TestFileStore_PersistExternalReference(t *testing.T) {
	s := setupStore(t)
	snap := newSnapshot(t, []string{"init.star"}, nil)

	outside := t.TempDir()
	writeFiles(t, outside, "hosts")
	ext := filepath.Join(outside, "hosts")
	snap.refs = []string{ext}

	rev, err := s.Persist(context.Background(), snap, "")
	if err != nil {
		t.Fatalf("Persist failed: %v", err)
	}
	if len(rev.RefFiles) != 1 || rev.RefFiles[0] != ext {
		t.Fatalf("RefFiles = %v, want [%s]", rev.RefFiles, ext)
	}
	stored := filepath.Join(s.Root(), "store", "0", "ref", strings.TrimPrefix(ext, "/"))
	if _, err := os.Stat(stored); err != nil {
		t.Errorf("external reference not copied: %v", err)
	}
}

func TestFileStore_PersistFailureCleansUp(t *testing.T) {
	s := setupStore(t)
	snap := newSnapshot(t, []string{"init.star"}, []string{"x.txt"})
	snap.refs = append(snap.refs, filepath.Join(snap.dir, "gone.txt"))

	_, err := s.Persist(context.Background(), snap, "")
	if err == nil {
		t.Fatal("expected error for missing reference")
	}
	if !engine.IsNotFound(err) {
		t.Errorf("expected not-found, got %v", err)
	}

	entries, _ := os.ReadDir(filepath.Join(s.Root(), "store"))
	if len(entries) != 0 {
		t.Errorf("store not empty after failed persist: %v", entries)
	}
	if _, ok := s.Current(); ok {
		t.Error("current pointer set after failed persist")
	}
}

func TestFileStore_PersistRejectsUnstorablePaths(t *testing.T) {
	tests := []struct {
		name string
		ref  string
	}{
		{"comma", "a,b.txt"},
		{"newline", "a\nb.txt"},
		{"carriage return", "a\rb.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setupStore(t)
			snap := newSnapshot(t, []string{"init.star"}, []string{tt.ref})

			_, err := s.Persist(context.Background(), snap, "")
			if !errors.Is(err, ErrUnstorablePath) {
				t.Fatalf("expected ErrUnstorablePath, got %v", err)
			}
			if _, ok := s.Current(); ok {
				t.Error("current pointer set for rejected revision")
			}
			entries, _ := os.ReadDir(filepath.Join(s.Root(), "store"))
			if len(entries) != 0 {
				t.Errorf("store not empty after rejected persist: %v", entries)
			}
		})
	}
}

func TestFileStore_ReadNotFound(t *testing.T) {
	s := setupStore(t)

	tests := []struct {
		name  string
		setup func()
		id    int
	}{
		{"absent", func() {}, 7},
		{"negative", func() {}, -1},
		{"no meta", func() {
			_ = os.Mkdir(filepath.Join(s.Root(), "store", "3"), 0o755)
		}, 3},
		{"malformed meta", func() {
			dir := filepath.Join(s.Root(), "store", "4")
			_ = os.Mkdir(dir, 0o755)
			_ = os.WriteFile(filepath.Join(dir, "_meta"), []byte("garbage\n"), 0o644)
		}, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.setup()
			_, err := s.Read(tt.id)
			if !errors.Is(err, ErrRevisionNotFound) {
				t.Errorf("expected ErrRevisionNotFound, got %v", err)
			}
			if !engine.IsNotFound(err) {
				t.Errorf("expected not-found class, got %q", engine.ClassOf(err))
			}
		})
	}
}

func TestFileStore_List(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		snap := newSnapshot(t, []string{"init.star"}, nil)
		if _, err := s.Persist(ctx, snap, ""); err != nil {
			t.Fatalf("Persist %d failed: %v", i, err)
		}
	}

	// A malformed revision and a non-numeric entry are skipped.
	bad := filepath.Join(s.Root(), "store", "10")
	_ = os.Mkdir(bad, 0o755)
	_ = os.WriteFile(filepath.Join(bad, "_meta"), []byte("nope"), 0o644)
	_ = os.Mkdir(filepath.Join(s.Root(), "store", "junk"), 0o755)

	revs, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	var ids []int
	for _, r := range revs {
		ids = append(ids, r.ID)
	}
	if !slices.Equal(ids, []int{0, 1, 2}) {
		t.Errorf("List ids = %v, want [0 1 2]", ids)
	}
}

func TestFileStore_SetCurrent(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := s.Persist(ctx, newSnapshot(t, []string{"init.star"}, nil), ""); err != nil {
			t.Fatalf("Persist failed: %v", err)
		}
	}

	if err := s.SetCurrent(0); err != nil {
		t.Fatalf("SetCurrent failed: %v", err)
	}
	rev, err := s.CurrentRevision()
	if err != nil {
		t.Fatalf("CurrentRevision failed: %v", err)
	}
	if rev.ID != 0 {
		t.Errorf("current = %d, want 0", rev.ID)
	}
	if err := s.SetCurrent(9); !errors.Is(err, ErrRevisionNotFound) {
		t.Errorf("SetCurrent(9): expected ErrRevisionNotFound, got %v", err)
	}
}

func TestFileStore_PersistCollision(t *testing.T) {
	s := setupStore(t)

	// Another writer already claimed revision 0 without moving the pointer.
	if err := os.Mkdir(filepath.Join(s.Root(), "store", "0"), 0o755); err != nil {
		t.Fatal(err)
	}
	_, err := s.Persist(context.Background(), newSnapshot(t, []string{"init.star"}, nil), "")
	if !errors.Is(err, ErrRevisionExists) {
		t.Errorf("expected ErrRevisionExists, got %v", err)
	}
}

func TestFileStore_Verify(t *testing.T) {
	s := setupStore(t)
	snap := newSnapshot(t, []string{"init.star"}, []string{"x.txt", "y.txt"})
	if _, err := s.Persist(context.Background(), snap, ""); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}

	bad, err := s.Verify(0)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if len(bad) != 0 {
		t.Fatalf("fresh revision has mismatches: %v", bad)
	}

	dir := filepath.Join(s.Root(), "store", "0")
	if err := os.WriteFile(filepath.Join(dir, "ref", "x.txt"), []byte("tampered"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(dir, "ref", "y.txt")); err != nil {
		t.Fatal(err)
	}

	bad, err = s.Verify(0)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if len(bad) != 2 {
		t.Fatalf("expected 2 mismatches, got %v", bad)
	}
	if bad[0].Path != "ref/x.txt" || bad[0].Missing {
		t.Errorf("unexpected first mismatch: %+v", bad[0])
	}
	if bad[1].Path != "ref/y.txt" || !bad[1].Missing {
		t.Errorf("unexpected second mismatch: %+v", bad[1])
	}
}

func TestFileStore_LockHonoursContext(t *testing.T) {
	s := setupStore(t)

	held, err := s.acquireLock(context.Background())
	if err != nil {
		t.Fatalf("acquireLock failed: %v", err)
	}
	defer held.release()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	_, err = s.Persist(ctx, newSnapshot(t, []string{"init.star"}, nil), "")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded while lock held, got %v", err)
	}
}

func TestMetaCodec(t *testing.T) {
	rev := &Revision{
		Name:      "",
		Timestamp: 42,
		CfgFiles:  []string{"init.star", "lib/a.star"},
	}
	got, err := decodeMeta(encodeMeta(rev))
	if err != nil {
		t.Fatalf("decodeMeta failed: %v", err)
	}
	if got.Timestamp != 42 || !slices.Equal(got.CfgFiles, rev.CfgFiles) || len(got.RefFiles) != 0 {
		t.Errorf("decoded %+v", got)
	}

	want := "name: \ntimestamp: 42\ncfg_files: init.star,lib/a.star\nref_files: \n"
	if string(encodeMeta(rev)) != want {
		t.Errorf("encodeMeta = %q, want %q", encodeMeta(rev), want)
	}

	for _, bad := range []string{"", "name: x\n", "timestamp: soon\n", "no separator\n"} {
		if _, err := decodeMeta([]byte(bad)); err == nil {
			t.Errorf("decodeMeta(%q) succeeded", bad)
		}
	}
}

package stores

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rootbeer/rootbeer/pkg/engine"
	"github.com/rootbeer/rootbeer/pkg/paths"
	"github.com/rootbeer/rootbeer/pkg/privilege"
)

var (
	// ErrStoreExists is returned by Init when the root is already present.
	ErrStoreExists = errors.New("store root already exists")

	// ErrStoreMissing is returned when the store root does not exist.
	ErrStoreMissing = errors.New("store root does not exist")

	// ErrRevisionNotFound is returned for absent or malformed revisions.
	ErrRevisionNotFound = errors.New("revision not found")

	// ErrRevisionExists is returned by Persist when the assigned id is taken.
	ErrRevisionExists = errors.New("revision already exists")

	// ErrNotPrivileged is returned when an operation requires root.
	ErrNotPrivileged = errors.New("operation requires root privileges")

	// ErrUnstorablePath is returned for tracked paths the meta format cannot
	// hold: list separators and line breaks.
	ErrUnstorablePath = errors.New("tracked path cannot be recorded in revision metadata")
)

// Config holds revision store configuration
type Config struct {
	Root        string
	RequireRoot bool
	Logger      zerolog.Logger
}

// FileStore keeps numbered revisions under a root directory:
//
//	<root>/_current        id of the current revision
//	<root>/store/<id>/     _meta, _sums, cfg/..., ref/...
type FileStore struct {
	root        string
	requireRoot bool
	logger      zerolog.Logger
	now         func() time.Time
}

// NewFileStore creates a store handle. Nothing is touched on disk.
func NewFileStore(cfg Config) (*FileStore, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("store root is required")
	}
	if !filepath.IsAbs(cfg.Root) {
		return nil, fmt.Errorf("store root must be absolute: %s", cfg.Root)
	}
	return &FileStore{
		root:        filepath.Clean(cfg.Root),
		requireRoot: cfg.RequireRoot,
		logger:      cfg.Logger.With().Str("component", "store").Logger(),
		now:         time.Now,
	}, nil
}

// Root returns the store root directory.
func (s *FileStore) Root() string { return s.root }

func (s *FileStore) storePath(elem ...string) string {
	return filepath.Join(append([]string{s.root, storeDir}, elem...)...)
}

func (s *FileStore) checkPrivilege(op string) error {
	if s.requireRoot && !privilege.IsElevated() {
		return engine.NewError(engine.ErrorClassPrivilege, op, ErrNotPrivileged)
	}
	return nil
}

// Exists reports whether the store has been initialized.
func (s *FileStore) Exists() bool {
	info, err := os.Stat(s.storePath())
	return err == nil && info.IsDir()
}

func (s *FileStore) requireReady() error {
	if !s.Exists() {
		return engine.NewStoreError(s.root, ErrStoreMissing)
	}
	return nil
}

// Init creates the store root and its store directory.
func (s *FileStore) Init() error {
	if err := s.checkPrivilege("store init"); err != nil {
		return err
	}
	if _, err := os.Lstat(s.root); err == nil {
		return engine.NewStoreError(s.root, ErrStoreExists)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to stat store root: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.root), 0o755); err != nil {
		return fmt.Errorf("failed to create store parent: %w", err)
	}
	if err := os.Mkdir(s.root, 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return engine.NewStoreError(s.root, ErrStoreExists)
		}
		return fmt.Errorf("failed to create store root: %w", err)
	}
	if err := os.Mkdir(s.storePath(), 0o755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	s.logger.Info().Str("root", s.root).Msg("Initialized store")
	return nil
}

// Destroy removes the whole store tree.
func (s *FileStore) Destroy() error {
	if err := s.checkPrivilege("store destroy"); err != nil {
		return err
	}
	if _, err := os.Lstat(s.root); errors.Is(err, fs.ErrNotExist) {
		return engine.NewStoreError(s.root, ErrStoreMissing)
	}
	if err := os.RemoveAll(s.root); err != nil {
		return fmt.Errorf("failed to remove store: %w", err)
	}

	s.logger.Info().Str("root", s.root).Msg("Destroyed store")
	return nil
}

// Current returns the id of the current revision. A missing or unparsable
// pointer means there is none.
func (s *FileStore) Current() (int, bool) {
	data, err := os.ReadFile(filepath.Join(s.root, currentFile))
	if err != nil {
		return 0, false
	}
	id, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || id < 0 {
		return 0, false
	}
	return id, true
}

// NextID returns current+1, or 0 when there is no current revision.
func (s *FileStore) NextID() int {
	if id, ok := s.Current(); ok {
		return id + 1
	}
	return 0
}

// SetCurrent points _current at id. The revision must exist.
func (s *FileStore) SetCurrent(id int) error {
	if err := s.requireReady(); err != nil {
		return err
	}
	if info, err := os.Stat(s.storePath(strconv.Itoa(id))); err != nil || !info.IsDir() {
		return engine.NewStoreError(fmt.Sprintf("revision %d", id), ErrRevisionNotFound)
	}
	return s.writeCurrent(id)
}

func (s *FileStore) writeCurrent(id int) error {
	tmp, err := os.CreateTemp(s.root, ".current-*")
	if err != nil {
		return fmt.Errorf("failed to create pointer file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(strconv.Itoa(id)); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write pointer file: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod pointer file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close pointer file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.root, currentFile)); err != nil {
		return fmt.Errorf("failed to update current revision: %w", err)
	}
	return nil
}

// storedPath maps a resolved file to the form recorded in the revision:
// relative to the script directory, or absolute when it lives outside it.
func storedPath(scriptDir, abs string) (string, error) {
	rel, _ := paths.CanonicalizeRelativeTo(scriptDir, abs)
	if strings.ContainsAny(rel, ",\n\r") {
		return "", fmt.Errorf("%w: %q", ErrUnstorablePath, rel)
	}
	return rel, nil
}

// copyTarget is where a stored path lands inside cfg/ or ref/.
func copyTarget(base, stored string) string {
	return filepath.Join(base, strings.TrimPrefix(stored, "/"))
}

// Persist writes snap as a new revision and makes it current. The revision
// is staged under store/ and renamed into place once complete, all under
// the store lock.
func (s *FileStore) Persist(ctx context.Context, snap engine.Snapshot, name string) (*Revision, error) {
	if err := s.requireReady(); err != nil {
		return nil, err
	}
	if strings.ContainsAny(name, "\n\r") {
		return nil, engine.NewInvalidError("revision name must be a single line", nil)
	}

	lock, err := s.acquireLock(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.release(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to release store lock")
		}
	}()

	rev := &Revision{
		ID:        s.NextID(),
		Name:      name,
		Timestamp: s.now().Unix(),
	}

	dir := snap.ScriptDir()
	type source struct{ abs, stored string }
	var cfg, ref []source

	entry, err := storedPath(dir, snap.ScriptPath())
	if err != nil {
		return nil, engine.NewInvalidError("cannot store entry script", err)
	}
	cfg = append(cfg, source{snap.ScriptPath(), entry})
	for m := range snap.Modules() {
		stored, err := storedPath(dir, m)
		if err != nil {
			return nil, engine.NewInvalidError("cannot store module", err)
		}
		if stored == entry {
			continue
		}
		cfg = append(cfg, source{m, stored})
	}
	for r := range snap.References() {
		stored, err := storedPath(dir, r)
		if err != nil {
			return nil, engine.NewInvalidError("cannot store reference", err)
		}
		ref = append(ref, source{r, stored})
	}
	for _, c := range cfg {
		rev.CfgFiles = append(rev.CfgFiles, c.stored)
	}
	for _, r := range ref {
		rev.RefFiles = append(rev.RefFiles, r.stored)
	}

	final := s.storePath(strconv.Itoa(rev.ID))
	if _, err := os.Lstat(final); err == nil {
		return nil, engine.NewStoreError(fmt.Sprintf("revision %d", rev.ID), ErrRevisionExists)
	}

	stage, err := os.MkdirTemp(s.storePath(), stagePrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(stage)
		}
	}()
	if err := os.Chmod(stage, 0o755); err != nil {
		return nil, fmt.Errorf("failed to chmod staging directory: %w", err)
	}

	if err := os.WriteFile(filepath.Join(stage, metaFile), encodeMeta(rev), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write metadata: %w", err)
	}

	var sums []checksum
	copyAll := func(sub string, files []source) error {
		for _, f := range files {
			if err := ctx.Err(); err != nil {
				return err
			}
			rel := copyTarget(sub, f.stored)
			sum, err := copyFile(f.abs, filepath.Join(stage, rel))
			if err != nil {
				return engine.Classify("persist", f.abs, err)
			}
			sums = append(sums, checksum{Path: filepath.ToSlash(rel), Sum: sum})
		}
		return nil
	}
	if err := copyAll(cfgDir, cfg); err != nil {
		return nil, fmt.Errorf("failed to copy config files: %w", err)
	}
	if err := copyAll(refDir, ref); err != nil {
		return nil, fmt.Errorf("failed to copy reference files: %w", err)
	}
	if err := os.WriteFile(filepath.Join(stage, sumsFile), encodeSums(sums), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write checksums: %w", err)
	}

	if err := os.Rename(stage, final); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, engine.NewStoreError(fmt.Sprintf("revision %d", rev.ID), ErrRevisionExists)
		}
		return nil, fmt.Errorf("failed to commit revision: %w", err)
	}
	committed = true

	if err := s.writeCurrent(rev.ID); err != nil {
		return nil, err
	}

	s.logger.Info().
		Int("revision", rev.ID).
		Str("name", rev.Name).
		Int("cfg_files", len(rev.CfgFiles)).
		Int("ref_files", len(rev.RefFiles)).
		Msg("Persisted revision")
	return rev, nil
}

// Read loads revision id. Absent or malformed revisions are not-found.
func (s *FileStore) Read(id int) (*Revision, error) {
	if id < 0 {
		return nil, engine.NewNotFoundError(fmt.Sprintf("revision %d", id), ErrRevisionNotFound)
	}
	data, err := os.ReadFile(s.storePath(strconv.Itoa(id), metaFile))
	if err != nil {
		return nil, engine.NewNotFoundError(fmt.Sprintf("revision %d", id), errors.Join(ErrRevisionNotFound, err))
	}
	rev, err := decodeMeta(data)
	if err != nil {
		return nil, engine.NewNotFoundError(fmt.Sprintf("revision %d", id), errors.Join(ErrRevisionNotFound, err))
	}
	rev.ID = id
	return rev, nil
}

// CurrentRevision reads the revision _current points at.
func (s *FileStore) CurrentRevision() (*Revision, error) {
	id, ok := s.Current()
	if !ok {
		return nil, engine.NewNotFoundError("no current revision", ErrRevisionNotFound)
	}
	return s.Read(id)
}

// List returns every readable revision ordered by id. Entries that are not
// numeric or fail to parse are skipped.
func (s *FileStore) List(ctx context.Context) ([]*Revision, error) {
	if err := s.requireReady(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.storePath())
	if err != nil {
		return nil, fmt.Errorf("failed to list revisions: %w", err)
	}

	var ids []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := strconv.Atoi(e.Name())
		if err != nil || id < 0 {
			continue
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)

	revs := make([]*Revision, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rev, err := s.Read(id)
		if err != nil {
			s.logger.Debug().Err(err).Int("revision", id).Msg("Skipping unreadable revision")
			continue
		}
		revs = append(revs, rev)
	}
	return revs, nil
}

// Mismatch describes a stored file whose content no longer matches _sums.
type Mismatch struct {
	Path     string `json:"path"`
	Expected string `json:"expected"`
	Actual   string `json:"actual,omitempty"`
	Missing  bool   `json:"missing,omitempty"`
}

// Verify re-hashes every file of revision id against its _sums record.
func (s *FileStore) Verify(id int) ([]Mismatch, error) {
	if _, err := s.Read(id); err != nil {
		return nil, err
	}
	dir := s.storePath(strconv.Itoa(id))
	data, err := os.ReadFile(filepath.Join(dir, sumsFile))
	if err != nil {
		return nil, engine.NewStoreError(fmt.Sprintf("revision %d has no checksums", id), err)
	}
	sums, err := decodeSums(data)
	if err != nil {
		return nil, engine.NewStoreError(fmt.Sprintf("revision %d checksums unreadable", id), err)
	}

	var bad []Mismatch
	for _, c := range sums {
		actual, err := hashFile(filepath.Join(dir, filepath.FromSlash(c.Path)))
		switch {
		case errors.Is(err, fs.ErrNotExist):
			bad = append(bad, Mismatch{Path: c.Path, Expected: c.Sum, Missing: true})
		case err != nil:
			return nil, fmt.Errorf("failed to hash %s: %w", c.Path, err)
		case actual != c.Sum:
			bad = append(bad, Mismatch{Path: c.Path, Expected: c.Sum, Actual: actual})
		}
	}
	return bad, nil
}

// Package paths resolves and canonicalizes the file paths a configuration
// script hands to the host.
package paths

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrEmptyPath is returned for empty input before any filesystem call.
var ErrEmptyPath = errors.New("empty path")

// AccessMode selects the permission bits checked by CheckAccess.
type AccessMode uint32

const (
	Exists AccessMode = unix.F_OK
	Read   AccessMode = unix.R_OK
	Write  AccessMode = unix.W_OK
)

// CheckAccess tests path against the effective uid/gid of the process,
// which is what matters while privileges are dropped. The error wraps
// fs.ErrNotExist or fs.ErrPermission where applicable.
func CheckAccess(path string, mode AccessMode) error {
	if path == "" {
		return ErrEmptyPath
	}
	err := unix.Faccessat(unix.AT_FDCWD, path, uint32(mode), unix.AT_EACCESS)
	if err == nil {
		return nil
	}
	return &fs.PathError{Op: "access", Path: path, Err: err}
}

// ResolveRelative joins input onto root (an absolute input is used as is),
// resolves symlinks and returns the absolute real path. The target must
// exist and be readable.
func ResolveRelative(root, input string) (string, error) {
	if input == "" {
		return "", ErrEmptyPath
	}
	joined := input
	if !filepath.IsAbs(input) {
		joined = filepath.Join(root, input)
	}
	real, err := filepath.EvalSymlinks(joined)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(real)
	if err != nil {
		return "", err
	}
	if err := CheckAccess(abs, Read); err != nil {
		return "", err
	}
	return abs, nil
}

// ResolveTarget expands a destination path that may not exist yet. A
// leading "~" refers to home, absolute paths are kept, and anything else is
// joined onto cwd.
func ResolveTarget(input, home, cwd string) (string, error) {
	if input == "" {
		return "", ErrEmptyPath
	}
	switch {
	case input == "~":
		return filepath.Clean(home), nil
	case strings.HasPrefix(input, "~/"):
		return filepath.Join(home, input[2:]), nil
	case filepath.IsAbs(input):
		return filepath.Clean(input), nil
	default:
		return filepath.Join(cwd, input), nil
	}
}

// CanonicalizeRelativeTo returns abs relative to root when it lies inside
// root. Paths outside root come back unchanged with external set.
func CanonicalizeRelativeTo(root, abs string) (rel string, external bool) {
	root = filepath.Clean(root)
	abs = filepath.Clean(abs)
	if abs == root {
		return ".", false
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	if !strings.HasPrefix(abs, prefix) {
		return abs, true
	}
	return abs[len(prefix):], false
}

// RealDir returns the symlink-resolved absolute form of dir, creating
// nothing. It is used for the script root so that resolved references
// share its prefix.
func RealDir(dir string) (string, error) {
	if dir == "" {
		return "", ErrEmptyPath
	}
	real, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(real)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", &fs.PathError{Op: "realdir", Path: abs, Err: unix.ENOTDIR}
	}
	return abs, nil
}

// maxLinkHops bounds how many dangling symlinks ResolveExisting follows.
const maxLinkHops = 40

// ResolveExisting returns the location an absolute path really refers to:
// symlinks in its longest existing prefix are resolved and the missing
// remainder is appended unchanged. A dangling symlink is followed to where
// writing through it would create the file.
func ResolveExisting(path string) string {
	return resolveExisting(filepath.Clean(path), 0)
}

func resolveExisting(path string, hops int) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	if hops < maxLinkHops {
		if info, err := os.Lstat(path); err == nil && info.Mode()&fs.ModeSymlink != 0 {
			if target, err := os.Readlink(path); err == nil {
				if !filepath.IsAbs(target) {
					target = filepath.Join(filepath.Dir(path), target)
				}
				return resolveExisting(filepath.Clean(target), hops+1)
			}
		}
	}

	dir, rest := filepath.Dir(path), filepath.Base(path)
	for {
		if resolved, err := RealDir(dir); err == nil {
			return filepath.Join(resolved, rest)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return path
		}
		rest = filepath.Join(filepath.Base(dir), rest)
		dir = parent
	}
}

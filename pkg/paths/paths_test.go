package paths

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

// setupRoot creates a script root with a few files and returns its real path.
func setupRoot(t *testing.T) string {
	t.Helper()

	root, err := RealDir(t.TempDir())
	if err != nil {
		t.Fatalf("failed to resolve temp dir: %v", err)
	}
	for _, rel := range []string{"init.star", "lib/foo.star", "assets/x.png"} {
		p := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir failed: %v", err)
		}
		if err := os.WriteFile(p, []byte(rel), 0o644); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
	return root
}

func TestResolveRelative_RoundTrip(t *testing.T) {
	root := setupRoot(t)

	for _, rel := range []string{"init.star", "lib/foo.star", "assets/x.png", "lib/../assets/x.png"} {
		t.Run(rel, func(t *testing.T) {
			abs, err := ResolveRelative(root, rel)
			if err != nil {
				t.Fatalf("ResolveRelative failed: %v", err)
			}
			got, external := CanonicalizeRelativeTo(root, abs)
			if external {
				t.Errorf("expected %s to be inside root", abs)
			}
			if got != filepath.Clean(rel) {
				t.Errorf("expected %s, got %s", filepath.Clean(rel), got)
			}
		})
	}
}

func TestResolveRelative_Symlink(t *testing.T) {
	root := setupRoot(t)
	if err := os.Symlink(filepath.Join(root, "assets/x.png"), filepath.Join(root, "link.png")); err != nil {
		t.Fatalf("symlink failed: %v", err)
	}

	abs, err := ResolveRelative(root, "link.png")
	if err != nil {
		t.Fatalf("ResolveRelative failed: %v", err)
	}
	if abs != filepath.Join(root, "assets/x.png") {
		t.Errorf("expected symlink to resolve to target, got %s", abs)
	}
}

func TestResolveRelative_Errors(t *testing.T) {
	root := setupRoot(t)

	if _, err := ResolveRelative(root, ""); !errors.Is(err, ErrEmptyPath) {
		t.Errorf("expected ErrEmptyPath, got %v", err)
	}
	if _, err := ResolveRelative(root, "missing.txt"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected fs.ErrNotExist, got %v", err)
	}

	if os.Geteuid() == 0 {
		t.Skip("root bypasses permission bits")
	}
	secret := filepath.Join(root, "secret")
	if err := os.WriteFile(secret, []byte("x"), 0o000); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := ResolveRelative(root, "secret"); !errors.Is(err, fs.ErrPermission) {
		t.Errorf("expected fs.ErrPermission, got %v", err)
	}
}

func TestResolveTarget(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{input: "~", want: "/home/u"},
		{input: "~/.config/app", want: "/home/u/.config/app"},
		{input: "/etc/hosts", want: "/etc/hosts"},
		{input: "/etc/../etc/hosts", want: "/etc/hosts"},
		{input: "out/file.txt", want: "/work/out/file.txt"},
		{input: "~user/x", want: "/work/~user/x"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ResolveTarget(tt.input, "/home/u", "/work")
			if err != nil {
				t.Fatalf("ResolveTarget failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}

	if _, err := ResolveTarget("", "/home/u", "/work"); !errors.Is(err, ErrEmptyPath) {
		t.Errorf("expected ErrEmptyPath, got %v", err)
	}
}

func TestCanonicalizeRelativeTo(t *testing.T) {
	tests := []struct {
		root         string
		abs          string
		want         string
		wantExternal bool
	}{
		{root: "/cfg", abs: "/cfg/init.star", want: "init.star"},
		{root: "/cfg/", abs: "/cfg/a/b", want: "a/b"},
		{root: "/cfg", abs: "/cfg", want: "."},
		{root: "/cfg", abs: "/cfgx/file", want: "/cfgx/file", wantExternal: true},
		{root: "/cfg", abs: "/etc/hosts", want: "/etc/hosts", wantExternal: true},
	}

	for _, tt := range tests {
		t.Run(tt.abs, func(t *testing.T) {
			got, external := CanonicalizeRelativeTo(tt.root, tt.abs)
			if got != tt.want || external != tt.wantExternal {
				t.Errorf("expected (%s, %v), got (%s, %v)", tt.want, tt.wantExternal, got, external)
			}
		})
	}
}

func TestCheckAccess(t *testing.T) {
	root := setupRoot(t)

	if err := CheckAccess(filepath.Join(root, "init.star"), Read); err != nil {
		t.Errorf("expected readable file, got %v", err)
	}
	if err := CheckAccess(filepath.Join(root, "nope"), Exists); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected fs.ErrNotExist, got %v", err)
	}
}

func TestResolveExisting(t *testing.T) {
	root := setupRoot(t)
	base, err := RealDir(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	alias := filepath.Join(base, "alias")
	if err := os.Symlink(root, alias); err != nil {
		t.Fatal(err)
	}
	dangling := filepath.Join(base, "dangling")
	if err := os.Symlink(filepath.Join(alias, "new", "file"), dangling); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		path string
		want string
	}{
		{"existing file", filepath.Join(root, "init.star"), filepath.Join(root, "init.star")},
		{"through symlinked dir", filepath.Join(alias, "init.star"), filepath.Join(root, "init.star")},
		{"missing below symlink", filepath.Join(alias, "a", "b"), filepath.Join(root, "a", "b")},
		{"dangling link", dangling, filepath.Join(root, "new", "file")},
		{"nothing exists", "/nonexistent-rb/x/y", "/nonexistent-rb/x/y"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveExisting(tt.path); got != tt.want {
				t.Errorf("ResolveExisting(%s) = %s, want %s", tt.path, got, tt.want)
			}
		})
	}
}

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/rootbeer/rootbeer/pkg/engine"
	"github.com/rootbeer/rootbeer/pkg/paths"
)

// writeTree writes files (relative path -> content) under a new root and
// returns the real root path.
func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()

	root, err := paths.RealDir(t.TempDir())
	if err != nil {
		t.Fatalf("failed to resolve temp dir: %v", err)
	}
	for rel, content := range files {
		p := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir failed: %v", err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
	return root
}

// runScript runs init.star from files and returns the context for inspection.
func runScript(t *testing.T, files map[string]string, dryRun bool, opts EvalOptions) (*engine.Context, error) {
	t.Helper()

	root := writeTree(t, files)
	rc, err := engine.NewContext(engine.Options{
		ScriptPath: filepath.Join(root, "init.star"),
		DryRun:     dryRun,
		Home:       t.TempDir(),
		WorkDir:    root,
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewContext failed: %v", err)
	}
	t.Cleanup(func() { rc.Close() })

	opts.Logger = zerolog.Nop()
	_, err = NewEvaluator(opts).Run(context.Background(), rc)
	return rc, err
}

func TestEvaluator_Capabilities(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.txt")

	rc, err := runScript(t, map[string]string{
		"init.star": `
rb.ref_file("x.txt")
rb.gen_file("` + out + `")
rb.write_file("` + out + `", rb.to_json({"a": 1}))
rb.line("hello")
rb.emit("world")
`,
		"x.txt": "reference",
	}, false, EvalOptions{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	refs := slices.Collect(rc.References())
	if len(refs) != 1 || filepath.Base(refs[0]) != "x.txt" {
		t.Errorf("unexpected references: %v", refs)
	}
	if gen := slices.Collect(rc.Generated()); !slices.Equal(gen, []string{out}) {
		t.Errorf("unexpected generated files: %v", gen)
	}
	data, err := os.ReadFile(out)
	if err != nil || string(data) != `{"a":1}` {
		t.Errorf("unexpected output file %q (err=%v)", data, err)
	}
	if rc.Output().String() != "hello\nworld" {
		t.Errorf("unexpected output buffer %q", rc.Output().String())
	}
}

func TestEvaluator_LoadRecordsModules(t *testing.T) {
	rc, err := runScript(t, map[string]string{
		"init.star": `
load("lib/helpers.star", "greet")
load("lib/names.star", "suffix")
rb.line(greet("rb"))
`,
		"lib/helpers.star": `
load("lib/names.star", "suffix")
def greet(name):
    return "hi " + name + suffix
`,
		"lib/names.star": `suffix = "!"`,
	}, false, EvalOptions{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var rels []string
	for m := range rc.Modules() {
		rel, _ := paths.CanonicalizeRelativeTo(rc.ScriptDir(), m)
		rels = append(rels, rel)
	}
	if !slices.Equal(rels, []string{"lib/helpers.star", "lib/names.star"}) {
		t.Errorf("unexpected modules: %v", rels)
	}
	if rc.Output().String() != "hi rb!\n" {
		t.Errorf("unexpected output %q", rc.Output().String())
	}
}

func TestEvaluator_LoadErrors(t *testing.T) {
	tests := []struct {
		name  string
		files map[string]string
		want  string
	}{
		{
			name:  "missing module",
			files: map[string]string{"init.star": `load("nope.star", "x")`},
			want:  "not_found",
		},
		{
			name: "cycle",
			files: map[string]string{
				"init.star": `load("a.star", "x")`,
				"a.star":    `load("init.star", "y")` + "\nx = 1",
			},
			want: "cycle",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runScript(t, tt.files, false, EvalOptions{})
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestEvaluator_BuiltinModule(t *testing.T) {
	rc, err := runScript(t, map[string]string{
		"init.star": `
load("lib.star", "hello")
hello()
`,
		"lib.star": `
load("@rb", "rb")
def hello():
    rb.emit("from module")
`,
	}, false, EvalOptions{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if rc.Output().String() != "from module" {
		t.Errorf("unexpected output %q", rc.Output().String())
	}
}

func TestEvaluator_CapabilityErrorsAbort(t *testing.T) {
	rc, err := runScript(t, map[string]string{
		"init.star": `
rb.ref_file("missing.txt")
rb.line("unreachable")
`,
	}, false, EvalOptions{})

	if !engine.IsNotFound(err) {
		t.Fatalf("expected not-found error, got %v", err)
	}
	var scriptErr *ScriptError
	if !errors.As(err, &scriptErr) || !strings.Contains(scriptErr.Backtrace, "init.star") {
		t.Errorf("expected backtrace mentioning init.star, got %v", err)
	}
	if rc.Output().Len() != 0 {
		t.Errorf("script continued after error")
	}
}

func TestEvaluator_StepBudget(t *testing.T) {
	_, err := runScript(t, map[string]string{
		"init.star": `
def spin():
    n = 0
    for i in range(100000000):
        n += i
    return n
spin()
`,
	}, false, EvalOptions{MaxSteps: 10000})

	if !engine.IsBudgetExceeded(err) {
		t.Fatalf("expected budget error, got %v", err)
	}
}

func TestEvaluator_Timeout(t *testing.T) {
	start := time.Now()
	_, err := runScript(t, map[string]string{
		"init.star": `
def spin():
    n = 0
    for i in range(1000000000):
        n += i
    return n
spin()
`,
	}, false, EvalOptions{Timeout: 50 * time.Millisecond})

	if !engine.IsBudgetExceeded(err) {
		t.Fatalf("expected budget error, got %v", err)
	}
	if time.Since(start) > 10*time.Second {
		t.Errorf("timeout not enforced promptly: %v", time.Since(start))
	}
}

func TestEvaluator_Intermediates(t *testing.T) {
	rc, err := runScript(t, map[string]string{
		"init.star": `
def check():
    h = rb.intermediate("build-1")
    h.write("payload")
    h.close()
    if rb.get_intermediate("build-1") != h.path:
        fail("path mismatch")
    if rb.get_intermediate("missing") != None:
        fail("expected None")

check()
`,
	}, false, EvalOptions{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	rel, err := rc.GetIntermediate("build-1")
	if err != nil {
		t.Fatalf("GetIntermediate failed: %v", err)
	}
	data, err := os.ReadFile(rc.IntermediatePath(rel))
	if err != nil || string(data) != "payload" {
		t.Errorf("unexpected intermediate content %q (err=%v)", data, err)
	}
}

func TestEvaluator_DryRun(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.txt")
	link := filepath.Join(dir, "link")

	rc, err := runScript(t, map[string]string{
		"init.star": `
def check():
    if not rb.dry_run:
        fail("expected dry run")

check()
rb.write_file("` + out + `", "data")
rb.link_file("x.txt", "` + link + `")
`,
		"x.txt": "x",
	}, true, EvalOptions{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	for _, p := range []string{out, link} {
		if _, err := os.Lstat(p); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("dry run created %s", p)
		}
	}
	if len(rc.Plan()) != 2 {
		t.Errorf("expected 2 planned ops, got %d", len(rc.Plan()))
	}
}

func TestEvaluator_HostAndSerializers(t *testing.T) {
	rc, err := runScript(t, map[string]string{
		"init.star": `
rb.emit(rb.host.os + "|")
rb.emit(rb.to_yaml({"k": [1, 2]}))
rb.emit(rb.to_ini({"name": "x", "core": {"editor": "vim", "pager": False}}))
rb.emit(str(rb.from_yaml("a: 1\nb: [true]\n")["b"][0]))
rb.emit(json.encode({"j": True}))
`,
	}, false, EvalOptions{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := "linux|k:\n    - 1\n    - 2\nname = x\n\n[core]\neditor = vim\npager = false\nTrue{\"j\":true}"
	got := rc.Output().String()
	if !strings.HasSuffix(got, strings.TrimPrefix(want, "linux")) {
		t.Errorf("unexpected output:\n%s", got)
	}
}

package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rootbeer/rootbeer/pkg/config"
	"github.com/rootbeer/rootbeer/pkg/policy"
)

func TestResolveScript(t *testing.T) {
	xdg := t.TempDir()
	manifest := filepath.Join(xdg, "rootbeer", "init.star")
	if err := os.MkdirAll(filepath.Dir(manifest), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(manifest, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("XDG_CONFIG_HOME", xdg)
	t.Setenv("XDG_CONFIG_DIRS", "")

	tests := []struct {
		name     string
		manifest string
		args     []string
		want     string
	}{
		{name: "argument wins", manifest: "/etc/m.star", args: []string{"x.star"}, want: "x.star"},
		{name: "configured manifest", manifest: "/etc/m.star", want: "/etc/m.star"},
		{name: "discovered", want: manifest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := config.DefaultSettings()
			s.Manifest = tt.manifest
			got, err := resolveScript(s, tt.args)
			if err != nil {
				t.Fatalf("resolveScript failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveScript_NothingFound(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_DIRS", "")
	t.Setenv("HOME", t.TempDir())

	if _, err := resolveScript(config.DefaultSettings(), nil); err == nil {
		t.Error("expected error when no manifest exists")
	}
}

func TestParseID(t *testing.T) {
	tests := []struct {
		arg     string
		want    int
		wantErr bool
	}{
		{arg: "0", want: 0},
		{arg: "42", want: 42},
		{arg: "-1", wantErr: true},
		{arg: "abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			got, err := parseID(tt.arg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestPrintPolicies(t *testing.T) {
	policies := policy.BuiltinPolicies()
	policies[2].Enabled = false

	var buf bytes.Buffer
	printPolicies(&buf, policies)

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "on   store-protection") {
		t.Errorf("unexpected first line: %q", lines[0])
	}
	if !strings.HasPrefix(lines[2], "off  home-boundary") {
		t.Errorf("unexpected disabled line: %q", lines[2])
	}
}

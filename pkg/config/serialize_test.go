package config

import (
	"strings"
	"testing"

	"go.starlark.net/starlark"
)

func dict(t *testing.T, kv ...interface{}) *starlark.Dict {
	t.Helper()

	d := starlark.NewDict(len(kv) / 2)
	for i := 0; i < len(kv); i += 2 {
		var v starlark.Value
		switch x := kv[i+1].(type) {
		case string:
			v = starlark.String(x)
		case int:
			v = starlark.MakeInt(x)
		case bool:
			v = starlark.Bool(x)
		case starlark.Value:
			v = x
		}
		if err := d.SetKey(starlark.String(kv[i].(string)), v); err != nil {
			t.Fatalf("SetKey failed: %v", err)
		}
	}
	return d
}

func TestEncodeINI(t *testing.T) {
	tests := []struct {
		name    string
		table   func(t *testing.T) *starlark.Dict
		want    string
		wantErr string
	}{
		{
			name: "top level and sections",
			table: func(t *testing.T) *starlark.Dict {
				return dict(t,
					"root", "yes",
					"user", dict(t, "name", "rb", "email", "rb@example.com"),
					"core", dict(t, "autocrlf", false, "depth", 3),
				)
			},
			want: "root = yes\n\n[user]\nname = rb\nemail = rb@example.com\n\n[core]\nautocrlf = false\ndepth = 3\n",
		},
		{
			name: "sections only",
			table: func(t *testing.T) *starlark.Dict {
				return dict(t, "a", dict(t, "k", "v"))
			},
			want: "[a]\nk = v\n",
		},
		{
			name: "third level rejected",
			table: func(t *testing.T) *starlark.Dict {
				return dict(t, "a", dict(t, "b", dict(t, "c", "d")))
			},
			wantErr: "a.b",
		},
		{
			name: "list rejected",
			table: func(t *testing.T) *starlark.Dict {
				return dict(t, "a", starlark.NewList(nil))
			},
			wantErr: "must be a string",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := encodeINI(tt.table(t))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("encodeINI failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected:\n%s\ngot:\n%s", tt.want, got)
			}
		})
	}
}

func TestEncodeJSON(t *testing.T) {
	v := dict(t, "b", 2, "a", starlark.Tuple{starlark.String("x"), starlark.None})

	got, err := encodeJSON(v, 0)
	if err != nil {
		t.Fatalf("encodeJSON failed: %v", err)
	}
	if got != `{"a":["x",null],"b":2}` {
		t.Errorf("unexpected JSON %s", got)
	}

	pretty, err := encodeJSON(dict(t, "a", 1), 2)
	if err != nil {
		t.Fatalf("encodeJSON failed: %v", err)
	}
	if pretty != "{\n  \"a\": 1\n}" {
		t.Errorf("unexpected indented JSON %q", pretty)
	}

	bad := starlark.NewDict(1)
	_ = bad.SetKey(starlark.MakeInt(1), starlark.None)
	if _, err := encodeJSON(bad, 0); err == nil {
		t.Error("expected error for non-string key")
	}
}

func TestDecodeYAML(t *testing.T) {
	v, err := decodeYAML("name: rb\nports: [80, 443]\nnested:\n  enabled: true\n")
	if err != nil {
		t.Fatalf("decodeYAML failed: %v", err)
	}
	d, ok := v.(*starlark.Dict)
	if !ok {
		t.Fatalf("expected dict, got %s", v.Type())
	}
	name, _, _ := d.Get(starlark.String("name"))
	if name != starlark.String("rb") {
		t.Errorf("unexpected name %v", name)
	}
	ports, _, _ := d.Get(starlark.String("ports"))
	if ports.(*starlark.List).Len() != 2 {
		t.Errorf("unexpected ports %v", ports)
	}
}

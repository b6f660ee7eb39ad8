package config

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/rootbeer/rootbeer/pkg/engine"
)

// capabilities binds the rb builtins of one run to its context.
type capabilities struct {
	ctx context.Context
	rc  *engine.Context
}

// newCapabilityModule builds the rb module for a run.
func newCapabilityModule(ctx context.Context, rc *engine.Context, host HostFacts) *starlarkstruct.Module {
	c := &capabilities{ctx: ctx, rc: rc}
	return &starlarkstruct.Module{
		Name: "rb",
		Members: starlark.StringDict{
			"ref_file":         starlark.NewBuiltin("rb.ref_file", c.refFile),
			"gen_file":         starlark.NewBuiltin("rb.gen_file", c.genFile),
			"write_file":       starlark.NewBuiltin("rb.write_file", c.writeFile),
			"link_file":        starlark.NewBuiltin("rb.link_file", c.linkFile),
			"emit":             starlark.NewBuiltin("rb.emit", c.emit),
			"line":             starlark.NewBuiltin("rb.line", c.line),
			"output":           starlark.NewBuiltin("rb.output", c.output),
			"intermediate":     starlark.NewBuiltin("rb.intermediate", c.intermediate),
			"get_intermediate": starlark.NewBuiltin("rb.get_intermediate", c.getIntermediate),
			"to_json":          starlark.NewBuiltin("rb.to_json", toJSON),
			"to_yaml":          starlark.NewBuiltin("rb.to_yaml", toYAML),
			"from_yaml":        starlark.NewBuiltin("rb.from_yaml", fromYAML),
			"to_ini":           starlark.NewBuiltin("rb.to_ini", toINI),
			"host":             host.toStarlark(),
			"dry_run":          starlark.Bool(rc.DryRun()),
			"script_dir":       starlark.String(rc.ScriptDir()),
		},
	}
}

func fail(fn *starlark.Builtin, err error) error {
	return fmt.Errorf("%s: %w", fn.Name(), err)
}

func (c *capabilities) refFile(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "path", &path); err != nil {
		return nil, err
	}
	abs, err := c.rc.TrackReference(path)
	if err != nil {
		return nil, fail(fn, err)
	}
	return starlark.String(abs), nil
}

func (c *capabilities) genFile(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "path", &path); err != nil {
		return nil, err
	}
	dst, err := c.rc.TrackGenerated(path)
	if err != nil {
		return nil, fail(fn, err)
	}
	return starlark.String(dst), nil
}

func (c *capabilities) writeFile(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path, content string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "path", &path, "content", &content); err != nil {
		return nil, err
	}
	op, err := c.rc.WriteFile(c.ctx, path, []byte(content))
	if err != nil {
		return nil, fail(fn, err)
	}
	return starlark.String(op.Path), nil
}

func (c *capabilities) linkFile(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var src, dst string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "src", &src, "dst", &dst); err != nil {
		return nil, err
	}
	op, err := c.rc.LinkFile(c.ctx, src, dst)
	if err != nil {
		return nil, fail(fn, err)
	}
	return starlark.String(op.Path), nil
}

func (c *capabilities) emit(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var s string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "s", &s); err != nil {
		return nil, err
	}
	if err := c.rc.AppendOutput([]byte(s)); err != nil {
		return nil, fail(fn, err)
	}
	return starlark.None, nil
}

func (c *capabilities) line(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var s string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "s?", &s); err != nil {
		return nil, err
	}
	if err := c.rc.AppendOutput([]byte(s + "\n")); err != nil {
		return nil, fail(fn, err)
	}
	return starlark.None, nil
}

func (c *capabilities) output(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs); err != nil {
		return nil, err
	}
	return starlark.String(c.rc.Output().String()), nil
}

func (c *capabilities) intermediate(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var id string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "id", &id); err != nil {
		return nil, err
	}
	f, err := c.rc.OpenIntermediate(id)
	if err != nil {
		return nil, fail(fn, err)
	}
	rel, err := c.rc.GetIntermediate(id)
	if err != nil {
		return nil, fail(fn, err)
	}

	write := func(_ *starlark.Thread, wfn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var s string
		if err := starlark.UnpackArgs(wfn.Name(), args, kwargs, "s", &s); err != nil {
			return nil, err
		}
		if _, err := f.WriteString(s); err != nil {
			return nil, fail(wfn, err)
		}
		return starlark.None, nil
	}
	closeFn := func(_ *starlark.Thread, cfn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := starlark.UnpackArgs(cfn.Name(), args, kwargs); err != nil {
			return nil, err
		}
		if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			return nil, fail(cfn, err)
		}
		return starlark.None, nil
	}

	return starlarkstruct.FromStringDict(starlark.String("intermediate"), starlark.StringDict{
		"id":    starlark.String(id),
		"path":  starlark.String(rel),
		"write": starlark.NewBuiltin("intermediate.write", write),
		"close": starlark.NewBuiltin("intermediate.close", closeFn),
	}), nil
}

func (c *capabilities) getIntermediate(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var id string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "id", &id); err != nil {
		return nil, err
	}
	rel, err := c.rc.GetIntermediate(id)
	if engine.IsNotFound(err) {
		return starlark.None, nil
	}
	if err != nil {
		return nil, fail(fn, err)
	}
	return starlark.String(rel), nil
}

func toJSON(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var v starlark.Value
	var indent int
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "value", &v, "indent?", &indent); err != nil {
		return nil, err
	}
	s, err := encodeJSON(v, indent)
	if err != nil {
		return nil, fail(fn, err)
	}
	return starlark.String(s), nil
}

func toYAML(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var v starlark.Value
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "value", &v); err != nil {
		return nil, err
	}
	s, err := encodeYAML(v)
	if err != nil {
		return nil, fail(fn, err)
	}
	return starlark.String(s), nil
}

func fromYAML(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var src string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "src", &src); err != nil {
		return nil, err
	}
	v, err := decodeYAML(src)
	if err != nil {
		return nil, fail(fn, err)
	}
	return v, nil
}

func toINI(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var table *starlark.Dict
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "table", &table); err != nil {
		return nil, err
	}
	s, err := encodeINI(table)
	if err != nil {
		return nil, fail(fn, err)
	}
	return starlark.String(s), nil
}

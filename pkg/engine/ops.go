package engine

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// OpKind names a filesystem side effect.
type OpKind string

const (
	OpWrite         OpKind = "write"
	OpLink          OpKind = "link"
	OpLinkUnchanged OpKind = "link-unchanged"
)

// Op is one side effect of a run, recorded whether or not it was performed.
type Op struct {
	Kind   OpKind `json:"kind"`
	Path   string `json:"path"`
	Source string `json:"source,omitempty"`
	Size   int    `json:"size,omitempty"`
	DryRun bool   `json:"dry_run,omitempty"`
}

// String renders the op as a report line.
func (o Op) String() string {
	switch o.Kind {
	case OpWrite:
		return fmt.Sprintf("write %s (%d bytes)", o.Path, o.Size)
	case OpLink:
		return fmt.Sprintf("link %s -> %s", o.Path, o.Source)
	case OpLinkUnchanged:
		return fmt.Sprintf("link %s -> %s (unchanged)", o.Path, o.Source)
	default:
		return fmt.Sprintf("%s %s", o.Kind, o.Path)
	}
}

func (c *Context) validate(ctx context.Context, op Op) error {
	if c.validator == nil {
		return nil
	}
	if err := c.validator.ValidateOp(ctx, op); err != nil {
		return Classify(string(op.Kind), op.Path, err)
	}
	return nil
}

// WriteFile writes data to path and records the destination as generated.
// In dry-run mode the write is validated and planned but not performed.
func (c *Context) WriteFile(ctx context.Context, path string, data []byte) (Op, error) {
	dst, err := c.resolveOutput("write_file", path)
	if err != nil {
		return Op{}, err
	}
	if info, err := os.Stat(dst); err == nil && info.IsDir() {
		return Op{}, NewInvalidError("destination is a directory", nil).
			WithOperation("write_file").WithPath(dst)
	}
	out := c.outputs()
	if err := reserve(out, dst); err != nil {
		return Op{}, Classify("write_file", dst, err)
	}

	op := Op{Kind: OpWrite, Path: dst, Size: len(data), DryRun: c.dryRun}
	if err := c.validate(ctx, op); err != nil {
		return Op{}, err
	}

	if !c.dryRun {
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return Op{}, Classify("write_file", dst, err)
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return Op{}, Classify("write_file", dst, err)
		}
	}

	_ = out.Add(dst)
	c.plan = append(c.plan, op)
	c.logger.Debug().Str("path", dst).Int("bytes", len(data)).Bool("dry_run", c.dryRun).Msg("Write file")
	return op, nil
}

// LinkFile points a symlink at dst to src. src is resolved against the
// script directory; a regular file is tracked as a reference, a directory
// is linked without being recorded in the revision. dst is tracked as
// generated. A symlink already resolving to src is left alone, a symlink
// resolving elsewhere is replaced, and any other file at dst is an error.
func (c *Context) LinkFile(ctx context.Context, src, dst string) (Op, error) {
	source, info, err := c.resolveSource("link_file", src)
	if err != nil {
		return Op{}, err
	}
	target, err := c.resolveOutput("link_file", dst)
	if err != nil {
		return Op{}, err
	}
	if !info.IsDir() {
		if _, err := c.trackResolved(source, info); err != nil {
			return Op{}, err
		}
	}

	kind := OpLink
	replace := false
	if info, err := os.Lstat(target); err == nil {
		if info.Mode()&fs.ModeSymlink == 0 {
			return Op{}, NewInvalidError("destination exists and is not a symlink", fs.ErrExist).
				WithOperation("link_file").WithPath(target)
		}
		if linksTo(target, source) {
			kind = OpLinkUnchanged
		} else {
			replace = true
		}
	}

	out := c.outputs()
	if err := reserve(out, target); err != nil {
		return Op{}, Classify("link_file", target, err)
	}

	op := Op{Kind: kind, Path: target, Source: source, DryRun: c.dryRun}
	if err := c.validate(ctx, op); err != nil {
		return Op{}, err
	}

	if !c.dryRun && kind == OpLink {
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return Op{}, Classify("link_file", target, err)
		}
		if replace {
			if err := os.Remove(target); err != nil {
				return Op{}, Classify("link_file", target, err)
			}
		}
		if err := os.Symlink(source, target); err != nil {
			return Op{}, Classify("link_file", target, err)
		}
	}

	_ = out.Add(target)
	c.plan = append(c.plan, op)
	c.logger.Debug().Str("src", source).Str("dst", target).Str("kind", string(kind)).Msg("Link file")
	return op, nil
}

// linksTo reports whether the symlink at link resolves to source, which is
// already fully resolved. Relative and chained links count as long as they
// end at source; a dangling link does not.
func linksTo(link, source string) bool {
	if cur, err := os.Readlink(link); err == nil && cur == source {
		return true
	}
	resolved, err := filepath.EvalSymlinks(link)
	return err == nil && resolved == source
}

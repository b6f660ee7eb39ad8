package engine

import (
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"

	"github.com/rootbeer/rootbeer/pkg/paths"
	"github.com/rootbeer/rootbeer/pkg/registry"
)

// ThreadLocalKey is the Starlark thread-local slot holding the *Context of
// the run the thread belongs to.
const ThreadLocalKey = "rootbeer.context"

// Limits are the per-registry ceilings of a run.
type Limits struct {
	Modules       int `yaml:"modules" json:"modules" validate:"gte=0"`
	References    int `yaml:"references" json:"references" validate:"gte=0"`
	Generated     int `yaml:"generated" json:"generated" validate:"gte=0"`
	Intermediates int `yaml:"intermediates" json:"intermediates" validate:"gte=0"`
	OutputBytes   int `yaml:"output_bytes" json:"output_bytes" validate:"gte=0"`
}

// DefaultLimits are used for any limit left at zero.
var DefaultLimits = Limits{
	Modules:       256,
	References:    1024,
	Generated:     1024,
	Intermediates: 256,
	OutputBytes:   16 << 20,
}

func (l Limits) withDefaults() Limits {
	if l.Modules <= 0 {
		l.Modules = DefaultLimits.Modules
	}
	if l.References <= 0 {
		l.References = DefaultLimits.References
	}
	if l.Generated <= 0 {
		l.Generated = DefaultLimits.Generated
	}
	if l.Intermediates <= 0 {
		l.Intermediates = DefaultLimits.Intermediates
	}
	if l.OutputBytes <= 0 {
		l.OutputBytes = DefaultLimits.OutputBytes
	}
	return l
}

// Options configure a new Context.
type Options struct {
	// ScriptPath is the entry script. It must exist and be readable.
	ScriptPath string

	// DryRun validates everything but touches nothing on disk.
	DryRun bool

	// Home is used for "~" expansion. Defaults to os.UserHomeDir.
	Home string

	// WorkDir is the base for relative destination paths. Defaults to os.Getwd.
	WorkDir string

	Limits    Limits
	Validator OpValidator
	Logger    zerolog.Logger
}

// Context accumulates everything a single apply run touches.
type Context struct {
	scriptPath string
	scriptDir  string
	dryRun     bool
	home       string
	cwd        string

	modules       *registry.Strings
	references    *registry.Strings
	generated     *registry.Strings
	planned       *registry.Strings
	intermediates *registry.IDList
	output        *OutputBuffer

	plan      []Op
	handles   []*os.File
	validator OpValidator
	logger    zerolog.Logger
	fatal     error
	closed    bool
}

// NewContext resolves the entry script and returns an empty context.
func NewContext(opts Options) (*Context, error) {
	cwd := opts.WorkDir
	if cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		cwd = wd
	}
	home := opts.Home
	if home == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to determine home directory: %w", err)
		}
		home = h
	}

	script, err := paths.ResolveRelative(cwd, opts.ScriptPath)
	if err != nil {
		return nil, Classify("open_script", opts.ScriptPath, err)
	}

	limits := opts.Limits.withDefaults()
	c := &Context{
		scriptPath:    script,
		scriptDir:     filepath.Dir(script),
		dryRun:        opts.DryRun,
		home:          home,
		cwd:           cwd,
		modules:       registry.NewStrings("required modules", limits.Modules),
		references:    registry.NewStrings("reference files", limits.References),
		generated:     registry.NewStrings("generated files", limits.Generated),
		planned:       registry.NewStrings("planned files", limits.Generated),
		intermediates: registry.NewIDList("intermediates", limits.Intermediates),
		output:        NewOutputBuffer(limits.OutputBytes),
		validator:     opts.Validator,
		logger:        opts.Logger.With().Str("component", "engine").Logger(),
	}

	c.logger.Debug().
		Str("script", c.scriptPath).
		Bool("dry_run", c.dryRun).
		Msg("Execution context created")

	return c, nil
}

// Attach stores c as the thread-local of thread.
func (c *Context) Attach(thread *starlark.Thread) {
	thread.SetLocal(ThreadLocalKey, c)
}

// FromThread returns the context attached to thread, if any.
func FromThread(thread *starlark.Thread) (*Context, bool) {
	c, ok := thread.Local(ThreadLocalKey).(*Context)
	return c, ok
}

// ScriptPath returns the real absolute path of the entry script.
func (c *Context) ScriptPath() string { return c.scriptPath }

// ScriptDir returns the directory of the entry script.
func (c *Context) ScriptDir() string { return c.scriptDir }

// DryRun reports whether the run is a dry run.
func (c *Context) DryRun() bool { return c.dryRun }

// Home returns the home directory used for "~" expansion.
func (c *Context) Home() string { return c.home }

// Modules yields loaded module paths in load order.
func (c *Context) Modules() iter.Seq[string] { return c.modules.All() }

// References yields resolved reference files in tracking order.
func (c *Context) References() iter.Seq[string] { return c.references.All() }

// Generated yields files the run wrote or linked.
func (c *Context) Generated() iter.Seq[string] { return c.generated.All() }

// Planned yields files a dry run would have written or linked.
func (c *Context) Planned() iter.Seq[string] { return c.planned.All() }

// Intermediates yields id/path pairs of scratch files.
func (c *Context) Intermediates() iter.Seq2[string, string] { return c.intermediates.All() }

// Output returns the emit/line buffer.
func (c *Context) Output() *OutputBuffer { return c.output }

// Plan returns the operations recorded so far.
func (c *Context) Plan() []Op { return c.plan }

// FatalErr returns the first fatal error the run hit.
func (c *Context) FatalErr() error { return c.fatal }

// Stats summarizes registry sizes.
type Stats struct {
	Modules       int
	References    int
	Generated     int
	Planned       int
	Intermediates int
	OutputBytes   int
}

// Stats returns the current registry sizes.
func (c *Context) Stats() Stats {
	return Stats{
		Modules:       c.modules.Len(),
		References:    c.references.Len(),
		Generated:     c.generated.Len(),
		Planned:       c.planned.Len(),
		Intermediates: c.intermediates.Len(),
		OutputBytes:   c.output.Len(),
	}
}

func (c *Context) markFatal(err error) {
	if c.fatal == nil {
		c.fatal = err
		c.logger.Error().Err(err).Msg("Execution context marked fatal")
	}
}

// reserve fails when item is new and reg is full, without mutating reg.
func reserve(reg *registry.Strings, item string) error {
	if reg.Contains(item) || reg.Len() < reg.Limit() {
		return nil
	}
	return &registry.CapacityError{Registry: reg.Name(), Limit: reg.Limit()}
}

// resolveSource resolves path against the script directory and requires
// it to be readable.
func (c *Context) resolveSource(op, path string) (string, fs.FileInfo, error) {
	abs, err := paths.ResolveRelative(c.scriptDir, path)
	if err != nil {
		return "", nil, Classify(op, path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", nil, Classify(op, abs, err)
	}
	return abs, info, nil
}

// TrackReference resolves path against the script directory, requires it
// to be a readable regular file and records it as an input of the run. The
// resolved absolute path is returned.
func (c *Context) TrackReference(path string) (string, error) {
	abs, info, err := c.resolveSource("track_reference", path)
	if err != nil {
		return "", err
	}
	return c.trackResolved(abs, info)
}

func (c *Context) trackResolved(abs string, info fs.FileInfo) (string, error) {
	if !info.Mode().IsRegular() {
		return "", NewInvalidError("reference is not a regular file", nil).
			WithOperation("track_reference").WithPath(abs)
	}
	if err := c.references.Add(abs); err != nil {
		return "", Classify("track_reference", abs, err)
	}
	c.logger.Debug().Str("path", abs).Msg("Tracked reference")
	return abs, nil
}

// resolveOutput expands a destination and checks that it is writable or
// does not exist yet.
func (c *Context) resolveOutput(op, path string) (string, error) {
	dst, err := paths.ResolveTarget(path, c.home, c.cwd)
	if err != nil {
		return "", Classify(op, path, err)
	}
	if err := paths.CheckAccess(dst, paths.Write); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", Classify(op, dst, err)
	}
	return dst, nil
}

// outputs returns the registry destinations are recorded in.
func (c *Context) outputs() *registry.Strings {
	if c.dryRun {
		return c.planned
	}
	return c.generated
}

// TrackGenerated records path as an output of the run and returns its
// expanded form. A missing file is fine; an existing file that cannot be
// written is access-denied. In dry-run mode the path is recorded as planned.
func (c *Context) TrackGenerated(path string) (string, error) {
	dst, err := c.resolveOutput("track_generated", path)
	if err != nil {
		return "", err
	}
	if err := c.outputs().Add(dst); err != nil {
		return "", Classify("track_generated", dst, err)
	}
	c.logger.Debug().Str("path", dst).Bool("dry_run", c.dryRun).Msg("Tracked generated file")
	return dst, nil
}

// RecordRequiredModule records a module file loaded by the script.
func (c *Context) RecordRequiredModule(path string) error {
	if path == "" {
		return Classify("record_module", path, paths.ErrEmptyPath)
	}
	if err := c.modules.Add(path); err != nil {
		return Classify("record_module", path, err)
	}
	c.logger.Debug().Str("module", path).Msg("Recorded required module")
	return nil
}

// AppendOutput adds p to the output buffer. Failure is fatal for the run.
func (c *Context) AppendOutput(p []byte) error {
	if err := c.output.Append(p); err != nil {
		c.markFatal(err)
		return err
	}
	return nil
}

// Close releases open intermediate handles and every tracked entry. It is
// safe to call more than once.
func (c *Context) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	for _, f := range c.handles {
		if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
	}
	c.handles = nil
	c.modules.Reset()
	c.references.Reset()
	c.generated.Reset()
	c.planned.Reset()
	c.intermediates.Reset()
	c.output.Reset()
	c.plan = nil

	return errors.Join(errs...)
}

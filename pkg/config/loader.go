package config

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"

	"github.com/rootbeer/rootbeer/pkg/engine"
	"github.com/rootbeer/rootbeer/pkg/paths"
)

// BuiltinModule is the load() name of the capability module. It needs no
// file on disk.
const BuiltinModule = "@rb"

// ModuleInterceptor is told about every module file before it executes.
type ModuleInterceptor interface {
	RecordRequiredModule(path string) error
}

type loadEntry struct {
	globals starlark.StringDict
	err     error
	loading bool
}

// Loader implements starlark.Thread.Load. Module names are resolved
// against the script root, reported to the interceptor, executed once and
// cached for the rest of the run.
type Loader struct {
	root        string
	interceptor ModuleInterceptor
	predeclared starlark.StringDict
	cache       map[string]*loadEntry
	logger      zerolog.Logger
}

// NewLoader returns a loader for modules under root.
func NewLoader(root string, interceptor ModuleInterceptor, predeclared starlark.StringDict, logger zerolog.Logger) *Loader {
	return &Loader{
		root:        root,
		interceptor: interceptor,
		predeclared: predeclared,
		cache:       make(map[string]*loadEntry),
		logger:      logger.With().Str("component", "loader").Logger(),
	}
}

// enter marks path as executing so a load of it is reported as a cycle.
func (l *Loader) enter(path string) {
	l.cache[path] = &loadEntry{loading: true}
}

// Load resolves and executes module.
func (l *Loader) Load(thread *starlark.Thread, module string) (starlark.StringDict, error) {
	if module == BuiltinModule {
		return l.predeclared, nil
	}

	path, err := paths.ResolveRelative(l.root, module)
	if err != nil {
		return nil, engine.Classify("load", module, err)
	}

	if e, ok := l.cache[path]; ok {
		if e.loading {
			return nil, fmt.Errorf("cycle in load graph: %s", module)
		}
		return e.globals, e.err
	}

	if err := l.interceptor.RecordRequiredModule(path); err != nil {
		return nil, err
	}

	src, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.Classify("load", path, err)
	}

	l.enter(path)
	l.logger.Debug().Str("module", module).Str("path", path).Msg("Loading module")
	globals, err := starlark.ExecFile(thread, path, src, l.predeclared)
	l.cache[path] = &loadEntry{globals: globals, err: err}
	return globals, err
}

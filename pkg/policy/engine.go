package policy

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/rootbeer/rootbeer/pkg/engine"
	"github.com/rootbeer/rootbeer/pkg/paths"
)

// Options configures the gate.
type Options struct {
	// StoreRoot is exposed to policies as input.store_root.
	StoreRoot string

	// Home is exposed to policies as input.home.
	Home string

	// Dirs are extra .rego/.json files or directories to load.
	Dirs []string
}

// Engine evaluates Rego policies against every write and link a script
// performs. It implements engine.OpValidator.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	order    []string
	opts     Options
	loader   *Loader
	logger   zerolog.Logger
}

var _ engine.OpValidator = (*Engine)(nil)

// compiledPolicy is a policy with its deny query prepared.
type compiledPolicy struct {
	policy *Policy
	query  rego.PreparedEvalQuery
}

// NewEngine creates a gate with the built-in policies and any policies
// found under opts.Dirs.
func NewEngine(ctx context.Context, opts Options, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		opts:     opts,
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
	e.loader = NewLoader(e.logger)

	builtins := BuiltinPolicies()
	for i := range builtins {
		if err := e.compileAndStore(ctx, &builtins[i]); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}

	if len(opts.Dirs) > 0 {
		if err := e.LoadPolicies(ctx, opts.Dirs); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// LoadPolicies compiles the policies found under paths. A policy with the
// name of an already loaded one replaces it.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range policies {
		if err := e.compileAndStore(ctx, &policies[i]); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().Int("count", len(policies)).Msg("Policies loaded")
	return nil
}

// Reload drops the file cache and loads opts.Dirs again. Policies that
// were disabled stay disabled.
func (e *Engine) Reload(ctx context.Context) error {
	e.loader.ClearCache()
	if len(e.opts.Dirs) == 0 {
		return nil
	}

	var disabled []string
	for _, p := range e.ListPolicies() {
		if !p.Enabled {
			disabled = append(disabled, p.Name)
		}
	}
	if err := e.LoadPolicies(ctx, e.opts.Dirs); err != nil {
		return err
	}
	for _, name := range disabled {
		if err := e.SetEnabled(name, false); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) compileAndStore(ctx context.Context, policy *Policy) error {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	if _, exists := e.policies[policy.Name]; !exists {
		e.order = append(e.order, policy.Name)
	}
	e.policies[policy.Name] = &compiledPolicy{policy: policy, query: query}

	e.logger.Debug().Str("policy", policy.Name).Msg("Policy compiled")
	return nil
}

// Evaluate runs every enabled policy against op.
func (e *Engine) Evaluate(ctx context.Context, op engine.Op) (*Result, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	input := &Input{
		Op:        op,
		StoreRoot: resolveRoot(e.opts.StoreRoot),
		Home:      resolveRoot(e.opts.Home),
	}
	input.Op.Path = effectivePath(op)
	result := &Result{Allowed: true}

	for _, name := range e.order {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}

		rs, err := cp.query.Eval(ctx, rego.EvalInput(input))
		if err != nil {
			return nil, fmt.Errorf("policy %s evaluation failed: %w", name, err)
		}

		for _, r := range rs {
			if len(r.Expressions) == 0 {
				continue
			}
			set, ok := r.Expressions[0].Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range set {
				v := createViolation(cp.policy, d)
				if v.Severity.Blocking() {
					result.Allowed = false
					result.Violations = append(result.Violations, v)
				} else {
					result.Warnings = append(result.Warnings, v)
				}
			}
		}
	}
	return result, nil
}

// effectivePath is the location op really touches. A write follows every
// symlink on the way; a link replaces the final component, so only its
// parent is resolved.
func effectivePath(op engine.Op) string {
	if op.Path == "" || !filepath.IsAbs(op.Path) {
		return op.Path
	}
	if op.Kind == engine.OpWrite {
		return paths.ResolveExisting(op.Path)
	}
	clean := filepath.Clean(op.Path)
	return filepath.Join(paths.ResolveExisting(filepath.Dir(clean)), filepath.Base(clean))
}

func resolveRoot(dir string) string {
	if dir == "" || !filepath.IsAbs(dir) {
		return dir
	}
	return paths.ResolveExisting(dir)
}

// ValidateOp rejects op when any blocking violation is found. Warnings are
// logged.
func (e *Engine) ValidateOp(ctx context.Context, op engine.Op) error {
	res, err := e.Evaluate(ctx, op)
	if err != nil {
		return engine.NewError(engine.ErrorClassPolicy, "policy evaluation failed", err).
			WithPath(op.Path).WithOperation(string(op.Kind))
	}

	for _, w := range res.Warnings {
		e.logger.Warn().Str("policy", w.Policy).Str("path", op.Path).Msg(w.Message)
	}
	if res.Allowed {
		return nil
	}

	msgs := make([]string, 0, len(res.Violations))
	for _, v := range res.Violations {
		msgs = append(msgs, fmt.Sprintf("%s: %s", v.Policy, v.Message))
	}
	return engine.NewError(engine.ErrorClassPolicy, strings.Join(msgs, "; "), nil).
		WithPath(op.Path).WithOperation(string(op.Kind))
}

// SetEnabled toggles a policy by name.
func (e *Engine) SetEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, ok := e.policies[name]
	if !ok {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	return nil
}

// ListPolicies returns all loaded policies in load order.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Policy, 0, len(e.order))
	for _, name := range e.order {
		out = append(out, *e.policies[name].policy)
	}
	return out
}

// HasPolicy reports whether name is loaded.
func (e *Engine) HasPolicy(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Contains(e.order, name)
}

func createViolation(policy *Policy, result interface{}) Violation {
	v := Violation{Policy: policy.Name, Severity: policy.Severity}

	switch d := result.(type) {
	case string:
		v.Message = d
	case map[string]interface{}:
		if msg, ok := d["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := d["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
		if p, ok := d["path"].(string); ok {
			v.Path = p
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}
	return v
}

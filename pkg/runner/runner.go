// Package runner drives one apply: it builds an execution context, runs the
// entry script with dropped privileges, and persists the result as a new
// revision.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rootbeer/rootbeer/pkg/config"
	"github.com/rootbeer/rootbeer/pkg/engine"
	"github.com/rootbeer/rootbeer/pkg/policy"
	"github.com/rootbeer/rootbeer/pkg/privilege"
	"github.com/rootbeer/rootbeer/pkg/stores"
	"github.com/rootbeer/rootbeer/pkg/telemetry"
)

// Config holds everything needed to run applies against one store.
type Config struct {
	Settings *config.Settings

	// RequireRoot enforces euid 0 for non-dry-run applies and store
	// mutations.
	RequireRoot bool

	// Switcher performs the privilege switch. Defaults to privilege.System.
	Switcher privilege.Switcher

	// Invoker overrides the identity scripts run as. Defaults to
	// privilege.Invoker.
	Invoker *privilege.Identity

	// WorkDir is the base for relative script and destination paths.
	WorkDir string

	// Telemetry defaults to the instance carried by the context passed to
	// New, then to a quiet one that only logs errors.
	Telemetry *telemetry.Telemetry
}

// Runner applies scripts and records them in the revision store.
type Runner struct {
	settings  *config.Settings
	cfg       Config
	store     *stores.FileStore
	journal   *stores.Journal
	gate      *policy.Engine
	evaluator *config.Evaluator
	tel       *telemetry.Telemetry
	log       *telemetry.Logger
	logger    zerolog.Logger
}

// Request is one apply.
type Request struct {
	Script string
	Name   string
	DryRun bool
}

// Report describes a finished apply.
type Report struct {
	RunID     string           `json:"run_id"`
	Script    string           `json:"script"`
	DryRun    bool             `json:"dry_run"`
	Revision  *stores.Revision `json:"revision,omitempty"`
	Plan      []engine.Op      `json:"plan"`
	Generated []string         `json:"generated"`
	Output    string           `json:"output,omitempty"`
	Stats     engine.Stats     `json:"stats"`
	Steps     uint64           `json:"steps"`
	Duration  time.Duration    `json:"duration"`

	// Watched lists the files whose change should trigger a re-apply.
	Watched []string `json:"-"`
}

// New opens the store and, when the store exists and the journal is
// enabled, the apply journal.
func New(ctx context.Context, cfg Config) (*Runner, error) {
	if cfg.Settings == nil {
		cfg.Settings = config.DefaultSettings()
	}
	if cfg.Switcher == nil {
		cfg.Switcher = privilege.System
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = telemetry.FromTelemetryContext(ctx)
	}
	if cfg.Telemetry == nil {
		tel, err := telemetry.NewTelemetry(ctx, disabledTelemetry())
		if err != nil {
			return nil, err
		}
		cfg.Telemetry = tel
	}

	log := cfg.Telemetry.Logger
	s := cfg.Settings

	store, err := stores.NewFileStore(stores.Config{
		Root:        s.StoreRoot,
		RequireRoot: cfg.RequireRoot,
		Logger:      log.Zerolog(),
	})
	if err != nil {
		return nil, err
	}

	r := &Runner{
		settings: s,
		cfg:      cfg,
		store:    store,
		evaluator: config.NewEvaluator(config.EvalOptions{
			Timeout:  s.Timeout,
			MaxSteps: s.MaxSteps,
			Logger:   log.Zerolog(),
		}),
		tel:    cfg.Telemetry,
		log:    log,
		logger: log.Component("runner"),
	}

	if !s.DisableJournal && store.Exists() {
		j, err := stores.OpenJournal(ctx, filepath.Join(store.Root(), stores.JournalFile))
		if err != nil {
			return nil, err
		}
		r.journal = j
	}
	return r, nil
}

func disabledTelemetry() *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = "error"
	return cfg
}

// Store returns the revision store.
func (r *Runner) Store() *stores.FileStore { return r.store }

// Journal returns the apply journal, nil when disabled or not yet created.
func (r *Runner) Journal() *stores.Journal { return r.journal }

// Close releases the journal.
func (r *Runner) Close() error {
	if r.journal != nil {
		return r.journal.Close()
	}
	return nil
}

func (r *Runner) invoker() (privilege.Identity, error) {
	if r.cfg.Invoker != nil {
		return *r.cfg.Invoker, nil
	}
	return privilege.Invoker()
}

func homeOf(id privilege.Identity) string {
	if id.Home != "" {
		return id.Home
	}
	home, _ := os.UserHomeDir()
	return home
}

// home is the invoker's home directory, used as input.home by policies.
func (r *Runner) home() string {
	id, err := r.invoker()
	if err != nil {
		home, _ := os.UserHomeDir()
		return home
	}
	return homeOf(id)
}

// policyGate lazily builds the OPA gate so store commands do not pay for it.
func (r *Runner) policyGate(ctx context.Context, home string) (*policy.Engine, error) {
	if r.gate != nil {
		return r.gate, nil
	}
	gate, err := policy.NewEngine(ctx, policy.Options{
		StoreRoot: r.store.Root(),
		Home:      home,
		Dirs:      r.settings.PolicyDirs,
	}, r.log.Zerolog())
	if err != nil {
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}
	for _, name := range r.settings.DisabledPolicies {
		if !gate.HasPolicy(name) {
			r.logger.Warn().Str("policy", name).Msg("Disabled policy is not loaded")
			continue
		}
		if err := gate.SetEnabled(name, false); err != nil {
			return nil, err
		}
	}
	r.gate = gate
	return gate, nil
}

// Policies lists the policies the gate evaluates, loading them if needed.
func (r *Runner) Policies(ctx context.Context) ([]policy.Policy, error) {
	gate, err := r.policyGate(ctx, r.home())
	if err != nil {
		return nil, err
	}
	return gate.ListPolicies(), nil
}

// ReloadPolicies rereads the policy directories. It does nothing before the
// gate was first built.
func (r *Runner) ReloadPolicies(ctx context.Context) error {
	if r.gate == nil {
		return nil
	}
	return r.gate.Reload(ctx)
}

// Apply runs req.Script and, unless it is a dry run, persists a revision.
// No revision is written when the script fails, exceeds its budget, or a
// fatal condition was raised.
func (r *Runner) Apply(ctx context.Context, req Request) (report *Report, err error) {
	if !req.DryRun {
		if r.cfg.RequireRoot && !privilege.IsElevated() {
			return nil, engine.NewError(engine.ErrorClassPrivilege, "apply", stores.ErrNotPrivileged)
		}
		if !r.store.Exists() {
			return nil, engine.NewStoreError(fmt.Sprintf("%s (run `rb store init`)", r.store.Root()), stores.ErrStoreMissing)
		}
	}

	runID := uuid.NewString()
	timer := telemetry.NewTimer()
	runLog := r.log.WithRunID(runID)
	ctx = runLog.WithContext(ctx)
	logger := runLog.Component("runner")

	ctx, span := r.tel.Tracer.StartApplySpan(ctx, runID, req.Script, req.DryRun)
	defer func() { telemetry.EndSpan(span, err) }()

	invoker, err := r.invoker()
	if err != nil {
		return nil, engine.NewError(engine.ErrorClassPrivilege, "cannot determine invoking user", err)
	}
	home := homeOf(invoker)

	gate, err := r.policyGate(ctx, home)
	if err != nil {
		return nil, err
	}

	rc, err := engine.NewContext(engine.Options{
		ScriptPath: req.Script,
		DryRun:     req.DryRun,
		Home:       home,
		WorkDir:    r.cfg.WorkDir,
		Limits:     r.settings.Limits,
		Validator:  gate,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := rc.Close(); cerr != nil {
			logger.Warn().Err(cerr).Msg("Failed to release execution context")
		}
	}()

	report = &Report{
		RunID:  runID,
		Script: rc.ScriptPath(),
		DryRun: req.DryRun,
	}

	r.journalStart(ctx, runID, rc.ScriptPath(), req.DryRun)
	defer func() {
		r.finish(ctx, report, timer, err)
	}()

	logger.Info().Str("script", rc.ScriptPath()).Bool("dry_run", req.DryRun).Msg("Applying")

	evalCtx, evalSpan := r.tel.Tracer.StartPhaseSpan(ctx, "evaluate")
	guard := privilege.NewGuard(r.cfg.Switcher, logger)
	var result *config.Result
	err = guard.Run(invoker, func() error {
		var runErr error
		result, runErr = r.evaluator.Run(evalCtx, rc)
		return runErr
	})
	telemetry.EndSpan(evalSpan, err)
	if result != nil {
		report.Steps = result.Steps
	}
	r.collect(report, rc)
	if err != nil {
		if errors.Is(err, privilege.ErrRestore) || errors.Is(err, privilege.ErrDrop) {
			return report, engine.NewError(engine.ErrorClassPrivilege, "privilege switch failed", err)
		}
		return report, err
	}
	if fatal := rc.FatalErr(); fatal != nil {
		return report, fatal
	}

	if req.DryRun {
		logger.Info().Int("planned", len(report.Generated)).Msg("Dry run finished, no revision written")
		return report, nil
	}

	persistCtx, persistSpan := r.tel.Tracer.StartPhaseSpan(ctx, "persist")
	rev, err := r.store.Persist(persistCtx, rc, req.Name)
	telemetry.EndSpan(persistSpan, err)
	if err != nil {
		return report, err
	}
	report.Revision = rev
	span.SetAttributes(telemetry.AttrRevisionID.Int(rev.ID))

	logger.Info().Int("revision", rev.ID).Msg("Apply finished")
	return report, nil
}

// collect copies what the script touched into the report.
func (r *Runner) collect(report *Report, rc *engine.Context) {
	report.Plan = slices.Clone(rc.Plan())
	report.Output = rc.Output().String()
	report.Stats = rc.Stats()
	if rc.DryRun() {
		report.Generated = slices.Collect(rc.Planned())
	} else {
		report.Generated = slices.Collect(rc.Generated())
	}

	report.Watched = append(report.Watched, rc.ScriptPath())
	report.Watched = append(report.Watched, slices.Collect(rc.Modules())...)
	report.Watched = append(report.Watched, slices.Collect(rc.References())...)
}

func (r *Runner) journalStart(ctx context.Context, runID, script string, dryRun bool) {
	if r.journal == nil {
		return
	}
	if err := r.journal.Start(ctx, runID, script, dryRun, time.Now()); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to record apply in journal")
	}
}

// finish records the outcome in the journal and metrics. It never changes
// the apply result.
func (r *Runner) finish(ctx context.Context, report *Report, timer *telemetry.Timer, err error) {
	report.Duration = timer.Duration()

	status := stores.ApplyStatusCompleted
	if err != nil {
		status = stores.ApplyStatusFailed
		logger := telemetry.FromContext(ctx).Component("runner")
		if engine.IsFatal(err) {
			logger.Error().Err(err).Str("class", string(engine.ClassOf(err))).Msg("Apply aborted")
		} else {
			logger.Warn().Err(err).Str("class", string(engine.ClassOf(err))).Msg("Apply failed")
		}
	}

	m := r.tel.Metrics
	m.RecordApply(string(status), report.DryRun, report.Duration)
	m.SetSteps(report.Steps)
	m.SetTracked("modules", report.Stats.Modules)
	m.SetTracked("references", report.Stats.References)
	m.SetTracked("generated", len(report.Generated))
	if err != nil {
		m.RecordError(string(engine.ClassOf(err)))
	}
	if m.Enabled() && r.store.Exists() {
		if revs, lerr := r.store.List(ctx); lerr == nil {
			cur, ok := r.store.Current()
			m.SetRevisions(len(revs), cur, ok)
		}
	}

	if r.journal == nil {
		return
	}
	out := stores.ApplyOutcome{
		Status:     status,
		References: report.Stats.References,
		Generated:  len(report.Generated),
		Err:        err,
	}
	if report.Revision != nil {
		id := report.Revision.ID
		out.RevisionID = &id
	}
	// The apply context may already be cancelled; the journal row should
	// still be closed.
	if jerr := r.journal.Finish(context.WithoutCancel(ctx), report.RunID, out, time.Now()); jerr != nil {
		r.logger.Warn().Err(jerr).Msg("Failed to finish apply in journal")
	}
}

package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/lib/json"
	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/rootbeer/rootbeer/pkg/engine"
)

func init() {
	// Configuration scripts branch and loop at top level.
	resolve.AllowGlobalReassign = true
	resolve.AllowSet = true
	resolve.AllowRecursion = true
}

// Evaluator runs configuration scripts under a step and time budget.
type Evaluator struct {
	timeout  time.Duration
	maxSteps uint64
	logger   zerolog.Logger
}

// EvalOptions configure an Evaluator. Zero values disable the budget.
type EvalOptions struct {
	Timeout  time.Duration
	MaxSteps uint64
	Logger   zerolog.Logger
}

// NewEvaluator creates a new evaluator.
func NewEvaluator(opts EvalOptions) *Evaluator {
	return &Evaluator{
		timeout:  opts.Timeout,
		maxSteps: opts.MaxSteps,
		logger:   opts.Logger.With().Str("component", "evaluator").Logger(),
	}
}

// Result describes a finished script run.
type Result struct {
	Steps    uint64
	Duration time.Duration
	Modules  int
}

// Run executes the entry script of rc. Capability calls made by the script
// are recorded in rc. A budget overrun is reported as an engine error of
// class budget_exceeded.
func (e *Evaluator) Run(ctx context.Context, rc *engine.Context) (*Result, error) {
	startTime := time.Now()

	src, err := os.ReadFile(rc.ScriptPath())
	if err != nil {
		return nil, engine.Classify("read_script", rc.ScriptPath(), err)
	}

	evalCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		evalCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	predeclared := starlark.StringDict{
		"rb":     newCapabilityModule(ctx, rc, CollectHostFacts(rc.Home())),
		"json":   json.Module,
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	}
	loader := NewLoader(rc.ScriptDir(), rc, predeclared, e.logger)
	loader.enter(rc.ScriptPath())

	thread := &starlark.Thread{
		Name: "rb " + rc.ScriptPath(),
		Load: loader.Load,
		Print: func(_ *starlark.Thread, msg string) {
			e.logger.Info().Str("script", rc.ScriptPath()).Msg(msg)
		},
	}
	if e.maxSteps > 0 {
		thread.SetMaxExecutionSteps(e.maxSteps)
	}
	rc.Attach(thread)

	done := make(chan error, 1)
	go func() {
		_, err := starlark.ExecFile(thread, rc.ScriptPath(), src, predeclared)
		done <- err
	}()

	var runErr error
	select {
	case runErr = <-done:
	case <-evalCtx.Done():
		thread.Cancel(evalCtx.Err().Error())
		runErr = <-done
	}

	result := &Result{
		Steps:    thread.ExecutionSteps(),
		Duration: time.Since(startTime),
		Modules:  rc.Stats().Modules,
	}

	if runErr != nil {
		runErr = e.classify(ctx, evalCtx, thread, runErr)
		e.logger.Debug().Err(runErr).Uint64("steps", result.Steps).Msg("Script failed")
		return result, runErr
	}

	e.logger.Debug().
		Uint64("steps", result.Steps).
		Dur("duration", result.Duration).
		Msg("Script finished")
	return result, nil
}

// classify maps cancellation and step exhaustion to budget errors and
// keeps the Starlark backtrace for anything else.
func (e *Evaluator) classify(ctx, evalCtx context.Context, thread *starlark.Thread, err error) error {
	switch {
	case ctx.Err() != nil:
		return fmt.Errorf("script cancelled: %w", ctx.Err())
	case errors.Is(evalCtx.Err(), context.DeadlineExceeded):
		return &engine.EngineError{
			Class:     engine.ErrorClassBudget,
			Message:   fmt.Sprintf("script exceeded time budget of %v", e.timeout),
			Operation: "run",
			Err:       err,
		}
	case e.maxSteps > 0 && thread.ExecutionSteps() >= e.maxSteps:
		return &engine.EngineError{
			Class:     engine.ErrorClassBudget,
			Message:   fmt.Sprintf("script exceeded step budget of %d", e.maxSteps),
			Operation: "run",
			Err:       err,
		}
	}

	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return &ScriptError{Backtrace: evalErr.Backtrace(), Err: err}
	}
	return err
}

// ScriptError is a failure raised while the script ran. Err keeps the
// chain so capability errors can still be classified.
type ScriptError struct {
	Backtrace string
	Err       error
}

func (e *ScriptError) Error() string { return e.Err.Error() }

func (e *ScriptError) Unwrap() error { return e.Err }

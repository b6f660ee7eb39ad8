// Package config hosts configuration scripts and loads rb settings.
//
// # Scripts
//
// Configuration scripts are Starlark files. Evaluator.Run executes the
// entry script of an engine.Context with two predeclared modules:
//
//   - rb: the capability module (ref_file, gen_file, write_file, link_file,
//     emit, line, output, intermediate, get_intermediate, to_json, to_yaml,
//     from_yaml, to_ini, host, dry_run, script_dir)
//   - json: the standard Starlark json module
//
// Every builtin is a closure over the run's context, so there is no global
// lookup. load() is served by Loader, which resolves module names against
// the script directory and reports each module file to the context before
// executing it. load("@rb", "rb") gives modules explicit access to the
// capability module.
//
// A run is bounded by a step budget (starlark.Thread.SetMaxExecutionSteps)
// and a wall-clock timeout (starlark.Thread.Cancel). Either overrun is an
// engine error of class budget_exceeded.
//
// # Usage Example
//
//	rc, err := engine.NewContext(engine.Options{ScriptPath: "init.star"})
//	if err != nil {
//	    return err
//	}
//	defer rc.Close()
//
//	ev := config.NewEvaluator(config.EvalOptions{Timeout: time.Minute, MaxSteps: 1e8})
//	if _, err := ev.Run(ctx, rc); err != nil {
//	    return err
//	}
//
// # Settings
//
// LoadSettings reads the YAML settings file over DefaultSettings and
// validates it against struct tags and the embedded CUE schema.
// ConfigRoot finds the configuration directory through the XDG search path.
package config

// Package engine implements the execution context of a single apply run.
//
// # Overview
//
// A Context is created when an apply starts and is the only place where a
// running configuration script leaves a trace. Script code never touches it
// directly; it calls the capability functions of the rb module, which are
// thin wrappers over the methods here:
//
//   - TrackReference: record an input file the script depends on
//   - TrackGenerated: record an output file the script creates
//   - OpenIntermediate / GetIntermediate: scratch files keyed by id
//   - AppendOutput: the emit/line output buffer
//   - RecordRequiredModule: called by the module loader, not by scripts
//   - WriteFile / LinkFile: side effects built on the tracking calls
//
// Every tracked list is a bounded registry (see package registry). When a
// ceiling is reached the call fails with a capacity_exceeded EngineError and
// nothing is recorded.
//
// # Dry run
//
// In dry-run mode every call performs the same resolution and validation
// but no file is written or linked. Destinations land in the planned
// registry instead of the generated one, so the run still produces a report
// of what it would have done.
//
// # Lifecycle
//
// The context is read once by the revision store after the script finishes
// and then released with Close. A context that hit a fatal condition
// (FatalErr != nil) must not be persisted.
package engine

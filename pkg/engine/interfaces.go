package engine

import (
	"context"
	"iter"
)

// OpValidator is consulted before every write or link. A non-nil error
// rejects the operation before anything is recorded or touched.
type OpValidator interface {
	ValidateOp(ctx context.Context, op Op) error
}

// Snapshot is the read-only view of a finished run that the revision store
// persists.
type Snapshot interface {
	// ScriptPath is the real absolute path of the entry script.
	ScriptPath() string

	// ScriptDir is the directory holding the entry script.
	ScriptDir() string

	// Modules yields the on-disk modules loaded by the script.
	Modules() iter.Seq[string]

	// References yields the resolved reference files.
	References() iter.Seq[string]
}

var _ Snapshot = (*Context)(nil)

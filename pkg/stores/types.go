package stores

import (
	"time"
)

// Revision is an immutable record of one successful apply.
type Revision struct {
	ID        int      `json:"id"`
	Name      string   `json:"name,omitempty"`
	Timestamp int64    `json:"timestamp"`
	CfgFiles  []string `json:"cfg_files"`
	RefFiles  []string `json:"ref_files"`
}

// Time returns the revision timestamp.
func (r *Revision) Time() time.Time {
	return time.Unix(r.Timestamp, 0)
}

// ApplyStatus represents the status of an apply in the journal
type ApplyStatus string

const (
	ApplyStatusRunning   ApplyStatus = "running"
	ApplyStatusCompleted ApplyStatus = "completed"
	ApplyStatusFailed    ApplyStatus = "failed"
)

// ApplyRecord is one row of the apply journal
type ApplyRecord struct {
	ID          string      `json:"id"`
	Script      string      `json:"script"`
	DryRun      bool        `json:"dry_run"`
	Status      ApplyStatus `json:"status"`
	RevisionID  *int        `json:"revision_id,omitempty"`
	References  int         `json:"references"`
	Generated   int         `json:"generated"`
	Error       *string     `json:"error,omitempty"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// ApplyOutcome is what Finish records about a finished apply
type ApplyOutcome struct {
	Status     ApplyStatus
	RevisionID *int
	References int
	Generated  int
	Err        error
}

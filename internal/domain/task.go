// Package domain holds the core types shared by every sitesync component:
// runs, tasks, assets, asset versions, and exceptions, plus the sentinel
// errors and collaborator interfaces (Fetcher, Plugin) the crawl
// orchestration engine is built against.
package domain

import "time"

// RunStatus tracks a Run's lifecycle.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunStopped   RunStatus = "stopped"
	RunError     RunStatus = "error"
)

// Run is one invocation of a crawl for one source profile.
type Run struct {
	ID             string
	SourceName     string
	StartedAt      time.Time
	CompletedAt    time.Time
	Status         RunStatus
	ConfigSnapshot string // JSON-encoded effective config at start
}

// IsTerminal reports whether the run has reached a final state.
func (r *Run) IsTerminal() bool {
	return r.Status == RunCompleted || r.Status == RunStopped || r.Status == RunError
}

// TaskStatus tracks a Task's lifecycle through the queue state machine.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskFinished   TaskStatus = "finished"
	TaskError      TaskStatus = "error"
)

// Task is a URL and its crawl metadata, queued for processing within a run.
type Task struct {
	ID             string
	RunID          string
	URL            string // canonicalized
	Depth          int
	SourceName     string
	PluginHint     string
	Status         TaskStatus
	AttemptCount   int
	NextRunAt      time.Time
	LeaseOwner     string
	LeaseExpiresAt time.Time
	LastError      string
	UpdatedAt      time.Time
}

// HasValidLease reports whether owner currently holds an unexpired lease.
func (t *Task) HasValidLease(owner string, now time.Time) bool {
	return t.Status == TaskInProgress && t.LeaseOwner == owner && t.LeaseExpiresAt.After(now)
}

// DiffClass classifies an AssetVersion relative to the asset's prior version.
type DiffClass string

const (
	DiffNew       DiffClass = "new"
	DiffUpdated   DiffClass = "updated"
	DiffUnchanged DiffClass = "unchanged"
)

// Asset is the canonical record for one (source, url) pair within a run's source.
type Asset struct {
	ID          string
	SourceName  string
	URL         string
	AssetType   string
	FirstSeenAt time.Time
	LastSeenAt  time.Time
}

// AssetVersion is an immutable snapshot of an Asset's normalized payload.
type AssetVersion struct {
	ID             string
	AssetID        string
	RunID          string
	NormalizedHash string // SHA-256 hex of the normalized representation
	RawHash        string // SHA-256 hex of the raw payload
	PayloadRef     string
	CreatedAt      time.Time
	DiffClass      DiffClass
}

// Exception is a durable record of a failure or a missing-asset observation.
type Exception struct {
	ID          string
	RunID       string
	TaskID      string // empty if not tied to a specific task
	URL         string
	Kind        string
	Message     string
	ContextJSON string
	CreatedAt   time.Time
	ResolvedAt  time.Time
}

// Package domain defines the core business types shared across ternd.
// These types represent the orchestrator's data model — not HTTP or storage
// specifics. They carry json tags because they are directly serialized in API
// responses; when an API shape diverges from the domain type, a response
// struct lives in the api package instead.
package domain

import (
	"encoding/json"
	"errors"
	"time"
)

// Sentinel errors shared across stores, admission, and handlers.
var (
	// ErrNotFound indicates a requested resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyRunning indicates a run for the same case is already in flight.
	ErrAlreadyRunning = errors.New("case already running")

	// ErrDuplicateSchedule indicates a schedule with the same (cron, timezone)
	// already exists.
	ErrDuplicateSchedule = errors.New("a schedule for this time and timezone already exists")

	// ErrNetworkAbort indicates the extraction API was unreachable for more
	// consecutive attempts than the network retry budget allows. It aborts the
	// whole run, not just the current file.
	ErrNetworkAbort = errors.New("network retry limit exceeded")
)

// CaseID identifies the run mode.
type CaseID string

const (
	CaseSync    CaseID = "SYNC"
	CaseExtract CaseID = "EXTRACT"
	CasePipe    CaseID = "PIPE"
)

// ValidCase returns true if s is a known case id.
func ValidCase(s string) bool {
	switch CaseID(s) {
	case CaseSync, CaseExtract, CasePipe:
		return true
	}
	return false
}

// ExtractStatus is the extraction state of a staged file or a checkpoint row.
type ExtractStatus string

const (
	StatusPending ExtractStatus = "pending"
	StatusRunning ExtractStatus = "running"
	StatusDone    ExtractStatus = "done"
	StatusError   ExtractStatus = "error"
	StatusSkipped ExtractStatus = "skipped"
)

// Terminal reports whether the status is a final state for a checkpoint row.
func (s ExtractStatus) Terminal() bool {
	return s == StatusDone || s == StatusError || s == StatusSkipped
}

// FileEntry is one row of the file registry: a unique staged object.
// RelativePath is the primary identity (forward slashes, no leading slash).
// A row doubles as the sync manifest entry: a structured entry has sha256,
// etag and size all set; a legacy entry has only sha256.
type FileEntry struct {
	RelativePath  string        `json:"relative_path"`
	FullPath      string        `json:"full_path"`
	Brand         string        `json:"brand"`
	Purchaser     string        `json:"purchaser"`
	Size          int64         `json:"size"`
	ETag          string        `json:"etag"`
	SHA256        string        `json:"sha256"`
	SyncedAt      *time.Time    `json:"synced_at"`
	RegisteredAt  time.Time     `json:"registered_at"`
	ExtractStatus ExtractStatus `json:"extract_status"`
	ExtractedAt   *time.Time    `json:"extracted_at"`
	LastRunID     string        `json:"last_run_id"`
}

// Legacy reports whether the row is a legacy manifest entry (string SHA only,
// no etag/size recorded). Skip decisions must rehash the local file for these.
func (f *FileEntry) Legacy() bool {
	return f.SHA256 != "" && f.ETag == ""
}

// ExtractionRecord is one checkpoint row: the result of one attempt sequence
// for (RunID, RelativePath). Terminal rows are immutable within their run
// except by an explicit retry that first writes running again.
type ExtractionRecord struct {
	RunID        string          `json:"run_id"`
	RelativePath string          `json:"relative_path"`
	FilePath     string          `json:"file_path"`
	Brand        string          `json:"brand"`
	Purchaser    string          `json:"purchaser"`
	Status       ExtractStatus   `json:"status"`
	StartedAt    *time.Time      `json:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at"`
	LatencyMs    int64           `json:"latency_ms"`
	StatusCode   int             `json:"status_code"`
	ErrorMessage string          `json:"error_message"`
	PatternKey   string          `json:"pattern_key"`
	FullResponse json.RawMessage `json:"full_response,omitempty"`
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusDone    RunStatus = "done"
	RunStatusError   RunStatus = "error"
)

// Run is one end-to-end execution of SYNC, EXTRACT, or PIPE.
type Run struct {
	RunID      string          `json:"run_id"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at"`
	Status     RunStatus       `json:"status"`
	Summary    json.RawMessage `json:"summary,omitempty"`
}

// Schedule is a user-defined daily trigger. Cron is restricted to the
// "M H * * *" form; (Cron, Timezone) is unique across schedules.
type Schedule struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	Brands     []string  `json:"brands"`
	Purchasers []string  `json:"purchasers"`
	Cron       string    `json:"cron"`
	Timezone   string    `json:"timezone"`
}

// SyncHistoryEntry records one sync invocation.
type SyncHistoryEntry struct {
	ID         int64     `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Synced     int       `json:"synced"`
	Skipped    int       `json:"skipped"`
	Errors     int       `json:"errors"`
	Brands     []string  `json:"brands"`
	Purchasers []string  `json:"purchasers"`
}

// AuditOutcome is the result of a schedule tick attempt.
type AuditOutcome string

const (
	AuditExecuted AuditOutcome = "executed"
	AuditSkipped  AuditOutcome = "skipped"
)

// ScheduleAuditEntry is one append-only schedule audit row.
type ScheduleAuditEntry struct {
	ID         int64           `json:"id"`
	Timestamp  time.Time       `json:"timestamp"`
	ScheduleID string          `json:"schedule_id"`
	Outcome    AuditOutcome    `json:"outcome"`
	Level      string          `json:"level"` // info, warn, error
	Message    string          `json:"message"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// RunState is the transient resume record persisted per case under the
// last_run_state KV key. Written when a resume-capable run is interrupted;
// cleared on successful completion.
type RunState struct {
	Status string `json:"status"` // running or stopped
	RunID  string `json:"run_id"`
}

const (
	RunStateRunning = "running"
	RunStateStopped = "stopped"
)

// Well-known AppConfigKV keys.
const (
	KeyCurrentRunID       = "current_run_id"
	KeyLastRunCompleted   = "last_run_completed"
	KeyLastRunNumber      = "last_run_number"
	KeyLastRunStatePrefix = "last_run_state:" // + caseId
	KeyNotificationConfig = "notification_config"
)

// Pair is a (brand, purchaser) tuple — the unit of admission and scheduling.
type Pair struct {
	Tenant    string `json:"tenant"`
	Purchaser string `json:"purchaser"`
}

// RunParams are the caller-supplied parameters of a run request. A scope with
// no Tenant and no Pairs is global and conflicts with every other scope.
type RunParams struct {
	SyncLimit    int    `json:"sync_limit,omitempty"`
	ExtractLimit int    `json:"extract_limit,omitempty"`
	Tenant       string `json:"tenant,omitempty"`
	Purchaser    string `json:"purchaser,omitempty"`
	Pairs        []Pair `json:"pairs,omitempty"`
	RetryFailed  bool   `json:"retry_failed,omitempty"`
}

// Origin marks how a run was started.
type Origin string

const (
	OriginManual    Origin = "manual"
	OriginScheduled Origin = "scheduled"
)

// ActiveRun is the in-memory admission record for an in-flight run.
type ActiveRun struct {
	CaseID     CaseID    `json:"case_id"`
	Params     RunParams `json:"params"`
	StartTime  time.Time `json:"start_time"`
	Status     string    `json:"status"`
	Origin     Origin    `json:"origin"`
	ScheduleID string    `json:"schedule_id,omitempty"`
	RunID      string    `json:"run_id,omitempty"`
}

// Notifier receives terminal run notifications. The rendering and delivery of
// notifications (email templating etc.) live outside the core; the default
// implementation is a no-op.
type Notifier interface {
	RunCompleted(runID string, summary *RunSummary)
	RunFailed(runID string, err error)
}

// NoopNotifier discards all notifications.
type NoopNotifier struct{}

func (NoopNotifier) RunCompleted(string, *RunSummary) {}
func (NoopNotifier) RunFailed(string, error)          {}

package domain

// EventType discriminates run progress events on the NDJSON stream.
type EventType string

const (
	EventRunID      EventType = "run_id"
	EventLog        EventType = "log"
	EventProgress   EventType = "progress"
	EventResumeSkip EventType = "resume_skip"
	EventReport     EventType = "report"
	EventError      EventType = "error"
)

// Phase names a pipeline stage for progress events.
type Phase string

const (
	PhaseSync    Phase = "sync"
	PhaseExtract Phase = "extract"
)

// RunEvent is one line of the NDJSON stream. Only the fields relevant to the
// Type are populated; omitempty keeps each line minimal.
type RunEvent struct {
	Type    EventType `json:"type"`
	RunID   string    `json:"runId,omitempty"`
	Message string    `json:"message,omitempty"`
	Level   string    `json:"level,omitempty"`
	Phase   Phase     `json:"phase,omitempty"`
	Done    int       `json:"done,omitempty"`
	Total   int       `json:"total,omitempty"`
	Skipped int       `json:"skipped,omitempty"`

	// The summary fields are inlined on the terminal report event, so clients
	// read successCount, avgLatency etc. at the top level of the line.
	*RunSummary
}

// LogEvent builds a log event at the given level.
func LogEvent(level, message string) RunEvent {
	return RunEvent{Type: EventLog, Level: level, Message: message}
}

// ProgressEvent builds a progress event for a phase.
func ProgressEvent(phase Phase, done, total int) RunEvent {
	return RunEvent{Type: EventProgress, Phase: phase, Done: done, Total: total}
}

// ResumeSkipEvent reports checkpointed work skipped on resume.
func ResumeSkipEvent(phase Phase, skipped, total int) RunEvent {
	return RunEvent{Type: EventResumeSkip, Phase: phase, Skipped: skipped, Total: total}
}

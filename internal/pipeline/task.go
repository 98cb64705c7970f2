package pipeline

import "time"

// Source tells which front door produced a task.
type Source string

const (
	SourceEvent Source = "event"
	SourceScan  Source = "scan"
)

// FileTask is one candidate file admitted for sanitization.
type FileTask struct {
	Path        string
	Fingerprint string // content digest, computed at admission
	EnqueuedAt  time.Time
	Source      Source
}

// State names a point in the per-task state machine. Exposed for logging
// and tests; transitions are driven entirely by Orchestrator.Run.
type State string

const (
	StatePending         State = "pending"
	StateBackedUp        State = "backed_up"
	StateMetadataCleaned State = "metadata_cleaned"
	StatePixelCleaned    State = "pixel_cleaned"
	StateCommitted       State = "committed"
	StateFailed          State = "failed"
)

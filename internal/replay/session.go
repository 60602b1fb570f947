package replay

// Status is the lifecycle state of a replay session.
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the session can no longer change state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// StepStatus is the outcome of one executed step.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepResult records the outcome of executing one step, including how
// well the target was re-identified. Error is set iff Status is failed;
// Warning carries warning-level findings (navigation mismatches) on
// steps that still completed.
type StepResult struct {
	Seq          int64      `json:"seq"`
	Status       StepStatus `json:"status"`
	Retries      int        `json:"retries"`
	ElementFound bool       `json:"elementFound"`
	Confidence   float64    `json:"confidence,omitempty"`
	Strategy     string     `json:"strategy,omitempty"`
	Error        *StepError `json:"error,omitempty"`
	Warning      *StepError `json:"warning,omitempty"`
	DurationMs   int64      `json:"durationMs"`
}

// Snapshot is a pollable view of a session at a point in time. Results
// is a copy; callers own it.
type Snapshot struct {
	ID      string       `json:"id"`
	Status  Status       `json:"status"`
	Cursor  int          `json:"cursor"`
	Steps   int          `json:"steps"`
	Results []StepResult `json:"results"`
}

// EventType distinguishes observer notifications.
type EventType string

const (
	// EventStatus reports a session status transition.
	EventStatus EventType = "status"
	// EventStep reports an appended step result.
	EventStep EventType = "step"
)

// Event is an observer notification emitted on every status change and
// every appended step result.
type Event struct {
	Type   EventType   `json:"type"`
	Status Status      `json:"status"`
	Cursor int         `json:"cursor"`
	Result *StepResult `json:"result,omitempty"`
}

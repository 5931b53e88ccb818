package broadcast

import "ytdl-hub/internal/model"

const (
	TypeProgress    = "progress"
	TypeCheckStatus = "subscription_check_status"
)

// ProgressEvent carries the full job snapshot after a mutation.
type ProgressEvent struct {
	Type string `json:"type"`
	model.Job
}

func NewProgressEvent(job model.Job) ProgressEvent {
	return ProgressEvent{Type: TypeProgress, Job: job}
}

func (ProgressEvent) EventType() string { return TypeProgress }

const (
	CheckChecking = "checking"
	CheckComplete = "complete"
	CheckError    = "error"
)

const (
	StepFetching  = "fetching"
	StepFiltering = "filtering"
	StepQueueing  = "queueing"
	StepDone      = "done"
	StepFailed    = "failed"
)

// CheckStatusEvent reports the progress of one subscription check.
type CheckStatusEvent struct {
	Type       string `json:"type"`
	SourceName string `json:"sourceName"`
	Status     string `json:"status"`
	Step       string `json:"step"`
	Message    string `json:"message"`
	Current    *int   `json:"current,omitempty"`
	Total      *int   `json:"total,omitempty"`
	Count      *int   `json:"count,omitempty"`
}

func NewCheckStatusEvent(sourceName, status, step, message string) CheckStatusEvent {
	return CheckStatusEvent{
		Type:       TypeCheckStatus,
		SourceName: sourceName,
		Status:     status,
		Step:       step,
		Message:    message,
	}
}

func (e CheckStatusEvent) WithProgress(current, total int) CheckStatusEvent {
	e.Current = &current
	e.Total = &total
	return e
}

func (e CheckStatusEvent) WithCount(count int) CheckStatusEvent {
	e.Count = &count
	return e
}

func (CheckStatusEvent) EventType() string { return TypeCheckStatus }

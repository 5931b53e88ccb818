package model

import "fmt"

const (
	StatusStarting    = "starting"
	StatusQueued      = "queued"
	StatusDownloading = "downloading"
	StatusPaused      = "paused"
	StatusFinished    = "finished"
	StatusError       = "error"
	StatusCancelled   = "cancelled"
)

const (
	ItemPending     = "pending"
	ItemDownloading = "downloading"
	ItemDownloaded  = "downloaded"
	ItemError       = "error"
)

var allowedTransitions = map[string]map[string]bool{
	"": {
		StatusStarting: true,
		StatusQueued:   true,
	},
	StatusQueued: {
		StatusStarting:  true,
		StatusPaused:    true,
		StatusCancelled: true,
	},
	StatusStarting: {
		StatusQueued:      true,
		StatusDownloading: true,
		StatusFinished:    true,
		StatusError:       true,
		StatusPaused:      true,
		StatusCancelled:   true,
	},
	StatusDownloading: {
		StatusDownloading: true,
		StatusFinished:    true,
		StatusError:       true,
		StatusPaused:      true,
		StatusCancelled:   true,
	},
	StatusPaused: {
		StatusStarting:  true,
		StatusQueued:    true,
		StatusCancelled: true,
	},
	StatusError: {
		StatusStarting: true, // retry
		StatusQueued:   true,
	},
	StatusCancelled: {
		StatusStarting: true, // retry
		StatusQueued:   true,
	},
	StatusFinished: {},
}

func IsKnownStatus(status string) bool {
	_, ok := allowedTransitions[status]
	return ok
}

func CanTransition(from, to string) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// IsTerminal reports whether a job in this status is kept only as history.
func IsTerminal(status string) bool {
	switch status {
	case StatusFinished, StatusError, StatusCancelled:
		return true
	}
	return false
}

// IsActive reports whether a job in this status holds or waits for a process slot.
func IsActive(status string) bool {
	switch status {
	case StatusStarting, StatusQueued, StatusDownloading:
		return true
	}
	return false
}

func TransitionJobStatus(job *Job, toStatus string, reason string) error {
	from := job.Status
	if !CanTransition(from, toStatus) {
		return fmt.Errorf("%w: job status %q -> %q (job_id=%s)", ErrInvalidState, from, toStatus, job.ID)
	}
	job.Status = toStatus
	job.Error = reason
	return nil
}

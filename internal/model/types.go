package model

import "time"

// Job is one download attempt. Its JSON shape doubles as the progress event payload.
type Job struct {
	ID             string    `json:"jobId"`
	Status         string    `json:"status"`
	Progress       int       `json:"progress"`
	Speed          string    `json:"speed,omitempty"`
	ETA            string    `json:"eta,omitempty"`
	Source         string    `json:"source"`
	DestinationDir string    `json:"destinationDir"`
	Quality        string    `json:"quality"`
	Title          string    `json:"title,omitempty"`
	Thumbnail      string    `json:"thumbnail,omitempty"`
	BatchID        string    `json:"batchId,omitempty"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Spec returns the request that (re)creates this job.
func (j Job) Spec() DownloadSpec {
	return DownloadSpec{
		Source:         j.Source,
		DestinationDir: j.DestinationDir,
		Quality:        j.Quality,
		Title:          j.Title,
		Thumbnail:      j.Thumbnail,
		BatchID:        j.BatchID,
	}
}

// DownloadSpec is the input to a new download.
type DownloadSpec struct {
	Source         string `json:"source" validate:"required,url"`
	DestinationDir string `json:"destinationDir" validate:"required"`
	Quality        string `json:"quality" validate:"omitempty,quality"`
	Title          string `json:"title,omitempty"`
	Thumbnail      string `json:"thumbnail,omitempty"`
	BatchID        string `json:"batchId,omitempty"`
}

// PausedEntry is the durable resume record of a paused job.
type PausedEntry struct {
	JobID          string    `json:"job_id"`
	Source         string    `json:"source"`
	Quality        string    `json:"quality"`
	DestinationDir string    `json:"destination_dir"`
	PartialPath    string    `json:"partial_path,omitempty"`
	Title          string    `json:"title,omitempty"`
	Thumbnail      string    `json:"thumbnail,omitempty"`
	BatchID        string    `json:"batch_id,omitempty"`
	Progress       int       `json:"progress"`
	CreatedAt      time.Time `json:"created_at"`
	PausedAt       time.Time `json:"paused_at"`
}

// Key is the (source, destination) uniqueness pair.
func (e PausedEntry) Key() PausedKey {
	return PausedKey{Source: e.Source, DestinationDir: e.DestinationDir}
}

type PausedKey struct {
	Source         string
	DestinationDir string
}

// Subscription is the per-source polling state.
type Subscription struct {
	SourceName      string     `json:"source_name"`
	SourceURL       string     `json:"channel_url"`
	SelectedQuality string     `json:"selected_quality"`
	AutoDownload    bool       `json:"auto_download"`
	LastChecked     time.Time  `json:"last_checked"`
	RetryCount      int        `json:"retry_count"`
	LastError       string     `json:"last_error,omitempty"`
	LastSuccess     *time.Time `json:"last_success,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// SubscriptionPatch carries the fields an update may change; nil means unchanged.
type SubscriptionPatch struct {
	SourceURL       *string    `json:"channel_url,omitempty"`
	SelectedQuality *string    `json:"selected_quality,omitempty"`
	AutoDownload    *bool      `json:"auto_download,omitempty"`
	LastChecked     *time.Time `json:"last_checked,omitempty"`
	RetryCount      *int       `json:"retry_count,omitempty"`
	LastError       *string    `json:"last_error,omitempty"`
	LastSuccess     *time.Time `json:"last_success,omitempty"`
}

// Apply merges the non-nil fields into s.
func (p SubscriptionPatch) Apply(s *Subscription) {
	if p.SourceURL != nil {
		s.SourceURL = *p.SourceURL
	}
	if p.SelectedQuality != nil {
		s.SelectedQuality = *p.SelectedQuality
	}
	if p.AutoDownload != nil {
		s.AutoDownload = *p.AutoDownload
	}
	if p.LastChecked != nil {
		s.LastChecked = *p.LastChecked
	}
	if p.RetryCount != nil {
		s.RetryCount = *p.RetryCount
	}
	if p.LastError != nil {
		s.LastError = *p.LastError
	}
	if p.LastSuccess != nil {
		t := *p.LastSuccess
		s.LastSuccess = &t
	}
}

// PendingItem is a discovered item that has not been downloaded yet.
type PendingItem struct {
	ItemID       string    `json:"item_id"`
	Title        string    `json:"title"`
	URL          string    `json:"url"`
	UploadDate   string    `json:"upload_date"`
	Timestamp    int64     `json:"timestamp,omitempty"`
	Thumbnail    string    `json:"thumbnail"`
	Status       string    `json:"status"`
	JobID        string    `json:"job_id,omitempty"`
	Error        string    `json:"error,omitempty"`
	DiscoveredAt time.Time `json:"discovered_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// BatchResult aggregates a pause-all or resume-all run.
type BatchResult struct {
	Succeeded []string          `json:"succeeded"`
	Failed    map[string]string `json:"failed,omitempty"`
}

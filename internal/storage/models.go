package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Job statuses. A job is claimed pending→running and finishes in a terminal
// state; failed jobs are not re-queued.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Job types.
const (
	// JobExtractPDF rasterizes an uploaded PDF and extracts every page.
	JobExtractPDF = "extract_pdf"
	// JobExtractPages extracts an explicit selection of stored page images.
	JobExtractPages = "extract_pages"
)

// Job is one queued background extraction. Total/Finished mirror the
// progress record written into the task directory.
type Job struct {
	ID          string
	TaskID      string
	Type        string
	PayloadJSON string
	Status      string
	Total       int
	Finished    int
	LastError   string
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

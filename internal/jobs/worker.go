// Package jobs runs queued background extractions: a supervised worker
// claims jobs from the SQLite queue, drives rasterization and per-page AI
// extraction in page order, and mirrors progress into the task's status
// file after every page so clients can poll without holding a connection.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/drawparse/drawparse/internal/storage"
	"github.com/drawparse/drawparse/internal/taskdir"
)

// Status file names inside the task directory.
const (
	// PDFStatusFile tracks a whole-PDF extraction job.
	PDFStatusFile = "extract_status.json"
	// SelectionStatusFile tracks an explicit page-selection job.
	SelectionStatusFile = "status.json"

	// ResultFile is the archived final result of a whole-PDF job.
	ResultFile = "result.json"
	// RawResultsFile holds every raw per-page AI response of a whole-PDF job.
	RawResultsFile = "ai_result.json"
)

// Status states. Terminal states are final; a job is never moved back to
// processing.
const (
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusError      = "error"
)

// Status is the coarse progress record clients poll.
type Status struct {
	Status   string            `json:"status"`
	Total    int               `json:"total"`
	Finished int               `json:"finished"`
	Results  []json.RawMessage `json:"results,omitempty"`
	Errors   []string          `json:"errors,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// ExtractPDFPayload is the payload of a storage.JobExtractPDF job.
type ExtractPDFPayload struct {
	PDFName string `json:"pdf_name"`
}

// ExtractPagesPayload is the payload of a storage.JobExtractPages job.
type ExtractPagesPayload struct {
	Files []string `json:"files"`
}

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	UpdateJobProgress(id string, total, finished int) error
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
}

// Rasterizer renders a stored PDF into page images.
type Rasterizer interface {
	Rasterize(ctx context.Context, taskID, pdfName string) ([]string, error)
}

// PageExtractor runs one AI extraction for one stored page image.
type PageExtractor interface {
	ExtractPage(ctx context.Context, taskID, filename string) (json.RawMessage, error)
}

// Worker processes extraction jobs from the queue.
type Worker struct {
	store     JobStore
	tasks     *taskdir.Store
	raster    Rasterizer
	extractor PageExtractor
	poll      time.Duration
	logger    *slog.Logger
}

// NewWorker creates a Worker. A non-positive pollInterval defaults to 500ms.
func NewWorker(store JobStore, tasks *taskdir.Store, raster Rasterizer, extractor PageExtractor, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:     store,
		tasks:     tasks,
		raster:    raster,
		extractor: extractor,
		poll:      pollInterval,
		logger:    slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job. Returns true if a job was
// processed, regardless of success.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{storage.JobExtractPDF, storage.JobExtractPages})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "task_id", job.TaskID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	switch job.Type {
	case storage.JobExtractPDF:
		return w.processPDF(ctx, job)
	case storage.JobExtractPages:
		return w.processSelection(ctx, job)
	default:
		return fmt.Errorf("unknown job type %q", job.Type)
	}
}

// processPDF rasterizes the uploaded PDF and extracts every page in order.
// Any failure is terminal and lands in the status record, since no caller is
// waiting on the request by the time it happens.
func (w *Worker) processPDF(ctx context.Context, job *storage.Job) error {
	var payload ExtractPDFPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	pages, err := w.raster.Rasterize(ctx, job.TaskID, payload.PDFName)
	if err != nil {
		w.writeStatus(job.TaskID, PDFStatusFile, Status{Status: StatusError, Error: err.Error()})
		return fmt.Errorf("rasterizing %s: %w", payload.PDFName, err)
	}

	total := len(pages)
	w.writeStatus(job.TaskID, PDFStatusFile, Status{Status: StatusProcessing, Total: total})
	w.updateProgress(job.ID, total, 0)

	results := make([]json.RawMessage, 0, total)
	for i, page := range pages {
		res, err := w.extractor.ExtractPage(ctx, job.TaskID, page)
		if err != nil {
			w.writeStatus(job.TaskID, PDFStatusFile, Status{
				Status: StatusError, Total: total, Finished: i, Error: err.Error(),
			})
			return fmt.Errorf("extracting %s: %w", page, err)
		}
		results = append(results, res)
		w.writeStatus(job.TaskID, PDFStatusFile, Status{Status: StatusProcessing, Total: total, Finished: i + 1})
		w.updateProgress(job.ID, total, i+1)
	}

	if err := w.tasks.WriteJSON(job.TaskID, RawResultsFile, results); err != nil {
		return err
	}
	if err := w.tasks.WriteJSON(job.TaskID, ResultFile, map[string]any{
		"task_id": job.TaskID,
		"results": results,
	}); err != nil {
		return err
	}

	w.writeStatus(job.TaskID, PDFStatusFile, Status{Status: StatusDone, Total: total, Finished: total})
	w.logger.Info("pdf extraction finished", "task_id", job.TaskID, "pages", total)
	return nil
}

// processSelection extracts an explicit list of stored page images. Unlike
// the whole-PDF path, a page that fails is recorded in the errors array and
// processing continues with the rest of the selection.
func (w *Worker) processSelection(ctx context.Context, job *storage.Job) error {
	var payload ExtractPagesPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	st := Status{Status: StatusProcessing, Total: len(payload.Files)}
	w.writeStatus(job.TaskID, SelectionStatusFile, st)
	w.updateProgress(job.ID, st.Total, 0)

	for _, file := range payload.Files {
		res, err := w.extractor.ExtractPage(ctx, job.TaskID, file)
		if err != nil {
			st.Errors = append(st.Errors, fmt.Sprintf("%s: %v", file, err))
		} else {
			st.Results = append(st.Results, res)
		}
		st.Finished++
		w.writeStatus(job.TaskID, SelectionStatusFile, st)
		w.updateProgress(job.ID, st.Total, st.Finished)
	}

	st.Status = StatusDone
	w.writeStatus(job.TaskID, SelectionStatusFile, st)
	w.logger.Info("selection extraction finished",
		"task_id", job.TaskID, "pages", st.Total, "errors", len(st.Errors))
	return nil
}

func (w *Worker) writeStatus(taskID, name string, st Status) {
	if err := w.tasks.WriteJSON(taskID, name, st); err != nil {
		w.logger.Error("writing status record failed", "task_id", taskID, "file", name, "error", err)
	}
}

func (w *Worker) updateProgress(jobID string, total, finished int) {
	if err := w.store.UpdateJobProgress(jobID, total, finished); err != nil {
		w.logger.Error("updating job progress failed", "job_id", jobID, "error", err)
	}
}

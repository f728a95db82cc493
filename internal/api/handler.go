// Package api exposes the HTTP surface: upload, per-stage extraction calls,
// background job control, previews and downloads. All responses are JSON
// except previews and file downloads.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/drawparse/drawparse/internal/export"
	"github.com/drawparse/drawparse/internal/extract"
	"github.com/drawparse/drawparse/internal/ingest"
	"github.com/drawparse/drawparse/internal/jobs"
	"github.com/drawparse/drawparse/internal/storage"
	"github.com/drawparse/drawparse/internal/taskdir"
)

const maxUploadBodySize = 200 << 20 // 200MB for drawing sets
const maxJSONBodySize = 10 << 20

const tableFile = "table.json"

// Deps holds the handler dependencies.
type Deps struct {
	Tasks   *taskdir.Store
	Jobs    *storage.Store
	Mat     *ingest.Materializer
	Extract *extract.Service
}

// NewHandler builds the chi router over the service dependencies.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Post("/upload", handleUpload(deps))
	r.Post("/extract/page", handleExtractPage(deps))
	r.Post("/extract/summary", handleSummary(deps))
	r.Post("/extract/budget", handleBudget(deps))
	r.Post("/extract/start", handleExtractStart(deps))
	r.Get("/extract/status/{task_id}", handleExtractStatus(deps))
	r.Post("/process-selection", handleProcessSelection(deps))
	r.Get("/result/{task_id}", handleResult(deps))
	r.Get("/preview/{filename}", handlePreview(deps))
	r.Get("/download/{task_id}", handleDownloadResult(deps))
	r.Post("/download/budget", handleDownloadBudgetCSV)
	r.Get("/generate-table/{task_id}", handleGenerateTable(deps))
	r.Get("/download-table/{task_id}", handleDownloadTable(deps))
	r.Post("/cleanup", handleCleanup(deps))

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func handleUpload(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBodySize)
		defer r.Body.Close()

		if err := r.ParseMultipartForm(32 << 20); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart form: %v", err)
			return
		}
		headers := r.MultipartForm.File["files"]
		if len(headers) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "no files selected")
			return
		}

		files := make([]ingest.File, 0, len(headers))
		for _, h := range headers {
			f, err := h.Open()
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "reading %s: %v", h.Filename, err)
				return
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "reading %s: %v", h.Filename, err)
				return
			}
			files = append(files, ingest.File{Name: h.Filename, Data: data})
		}

		taskID, images, err := deps.Mat.Upload(r.Context(), files)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, map[string]any{"task_id": taskID, "images": images})
	}
}

func handleExtractPage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			TaskID   string `json:"task_id"`
			Filename string `json:"filename"`
		}
		if !decodeJSONBody(w, r, &req) {
			return
		}
		if req.TaskID == "" || req.Filename == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "task_id and filename are required")
			return
		}

		result, err := deps.Extract.ExtractPage(r.Context(), req.TaskID, req.Filename)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, map[string]any{"result": result})
	}
}

func handleSummary(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			TaskID string   `json:"task_id"`
			Files  []string `json:"files"`
		}
		if !decodeJSONBody(w, r, &req) {
			return
		}
		if req.TaskID == "" || len(req.Files) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "task_id and files are required")
			return
		}

		summary, usage, err := deps.Extract.Summarize(r.Context(), req.TaskID, req.Files)
		if err != nil {
			serviceError(w, err)
			return
		}
		resp := map[string]any{"summary": summary}
		if usage != nil {
			resp["usage"] = usage
		}
		writeJSON(w, resp)
	}
}

func handleBudget(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			TaskID  string          `json:"task_id"`
			Summary json.RawMessage `json:"summary"`
		}
		if !decodeJSONBody(w, r, &req) {
			return
		}
		if req.TaskID == "" || len(req.Summary) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "task_id and summary are required")
			return
		}

		budget, err := deps.Extract.MapToBudget(r.Context(), req.TaskID, req.Summary)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, map[string]any{"summary": budget})
	}
}

// handleExtractStart accepts a single PDF, stages it into a fresh task and
// enqueues a background job that rasterizes and extracts every page. The
// response returns immediately; progress is polled via /extract/status.
func handleExtractStart(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBodySize)
		defer r.Body.Close()

		if err := r.ParseMultipartForm(32 << 20); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart form: %v", err)
			return
		}
		f, header, err := r.FormFile("file")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "no PDF file uploaded")
			return
		}
		defer f.Close()

		name, err := taskdir.CleanFilename(header.Filename)
		if err != nil {
			serviceError(w, err)
			return
		}
		if strings.ToLower(filepath.Ext(name)) != ".pdf" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "expected a PDF file, got %q", name)
			return
		}

		data, err := io.ReadAll(f)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading %s: %v", name, err)
			return
		}

		taskID, err := deps.Tasks.Create()
		if err != nil {
			serviceError(w, err)
			return
		}
		if err := deps.Tasks.WriteFile(taskID, name, data); err != nil {
			serviceError(w, err)
			return
		}
		if err := deps.Tasks.WriteJSON(taskID, jobs.PDFStatusFile, jobs.Status{Status: jobs.StatusProcessing}); err != nil {
			serviceError(w, err)
			return
		}
		if err := deps.Tasks.Touch(taskID); err != nil {
			serviceError(w, err)
			return
		}

		payload, _ := json.Marshal(jobs.ExtractPDFPayload{PDFName: name})
		if err := deps.Jobs.EnqueueJob(storage.Job{
			ID:          uuid.New().String(),
			TaskID:      taskID,
			Type:        storage.JobExtractPDF,
			PayloadJSON: string(payload),
		}); err != nil {
			serviceError(w, err)
			return
		}

		writeJSON(w, map[string]any{"task_id": taskID})
	}
}

func handleExtractStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "task_id")
		var st jobs.Status
		if err := deps.Tasks.ReadJSON(taskID, jobs.PDFStatusFile, &st); err != nil {
			if errors.Is(err, taskdir.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found_error", "task not found")
				return
			}
			serviceError(w, err)
			return
		}
		writeJSON(w, st)
	}
}

// handleProcessSelection enqueues extraction of an explicit page selection
// for an existing task. Progress lands in status.json with per-page results
// and errors.
func handleProcessSelection(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			TaskID        string   `json:"task_id"`
			Files         []string `json:"files"`
			SelectedFiles []string `json:"selected_files"`
		}
		if !decodeJSONBody(w, r, &req) {
			return
		}
		files := append(req.Files, req.SelectedFiles...)
		if req.TaskID == "" || len(files) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "select at least one file or page")
			return
		}
		for _, f := range files {
			if _, err := taskdir.CleanFilename(f); err != nil {
				serviceError(w, err)
				return
			}
		}

		if err := deps.Tasks.WriteJSON(req.TaskID, jobs.SelectionStatusFile, jobs.Status{
			Status: jobs.StatusProcessing,
			Total:  len(files),
		}); err != nil {
			serviceError(w, err)
			return
		}
		if err := deps.Tasks.Touch(req.TaskID); err != nil {
			serviceError(w, err)
			return
		}

		payload, _ := json.Marshal(jobs.ExtractPagesPayload{Files: files})
		if err := deps.Jobs.EnqueueJob(storage.Job{
			ID:          uuid.New().String(),
			TaskID:      req.TaskID,
			Type:        storage.JobExtractPages,
			PayloadJSON: string(payload),
		}); err != nil {
			serviceError(w, err)
			return
		}

		writeJSON(w, map[string]any{"message": "processing started", "task_id": req.TaskID})
	}
}

// handleResult returns the archived result of a background job. A status
// record claiming done without a result file is reported as an incomplete
// job, not papered over.
func handleResult(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "task_id")

		data, err := deps.Tasks.ReadFile(taskID, jobs.ResultFile)
		if err == nil {
			deps.Tasks.Touch(taskID)
			w.Header().Set("Content-Type", "application/json")
			w.Write(data)
			return
		}
		if !errors.Is(err, taskdir.ErrNotFound) {
			serviceError(w, err)
			return
		}

		for _, statusFile := range []string{jobs.SelectionStatusFile, jobs.PDFStatusFile} {
			var st jobs.Status
			if readErr := deps.Tasks.ReadJSON(taskID, statusFile, &st); readErr == nil && st.Status == jobs.StatusDone {
				httpError(w, http.StatusNotFound, "incomplete_job_error",
					"job reported done but produced no result file")
				return
			}
		}
		httpError(w, http.StatusNotFound, "not_found_error", "result not available")
	}
}

func handlePreview(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filename := chi.URLParam(r, "filename")
		taskID := r.URL.Query().Get("task_id")
		if filename == "" || taskID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "filename and task_id are required")
			return
		}
		name, err := taskdir.CleanFilename(filename)
		if err != nil {
			serviceError(w, err)
			return
		}

		data, err := deps.Tasks.ReadFile(taskID, name)
		if err != nil {
			serviceError(w, err)
			return
		}
		deps.Tasks.Touch(taskID)

		w.Header().Set("Content-Type", previewContentType(name))
		w.Write(data)
	}
}

func previewContentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	default:
		return "application/octet-stream"
	}
}

func handleDownloadResult(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "task_id")
		data, err := deps.Tasks.ReadFile(taskID, jobs.ResultFile)
		if err != nil {
			serviceError(w, err)
			return
		}
		deps.Tasks.Touch(taskID)

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", taskID+".json"))
		w.Write(data)
	}
}

func handleDownloadBudgetCSV(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Summary json.RawMessage `json:"summary"`
	}
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if len(req.Summary) == 0 {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "no budget table data provided")
		return
	}

	csvData, err := export.CSV(req.Summary)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid budget table: %v", err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="budget.csv"`)
	w.Write(csvData)
}

// handleGenerateTable projects budget.json into table rows and caches them
// as table.json; a cached table is returned as-is.
func handleGenerateTable(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "task_id")

		if data, err := deps.Tasks.ReadFile(taskID, tableFile); err == nil {
			deps.Tasks.Touch(taskID)
			w.Header().Set("Content-Type", "application/json")
			w.Write(data)
			return
		} else if !errors.Is(err, taskdir.ErrNotFound) {
			serviceError(w, err)
			return
		}

		budget, err := deps.Tasks.ReadFile(taskID, "budget.json")
		if err != nil {
			if errors.Is(err, taskdir.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found_error", "no budget has been generated for this task")
				return
			}
			serviceError(w, err)
			return
		}

		table, err := export.TableFromBudget(budget)
		if err != nil {
			serviceError(w, err)
			return
		}
		if err := deps.Tasks.WriteJSON(taskID, tableFile, table); err != nil {
			serviceError(w, err)
			return
		}
		deps.Tasks.Touch(taskID)
		writeJSON(w, table)
	}
}

func handleDownloadTable(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "task_id")

		var table export.Table
		if err := deps.Tasks.ReadJSON(taskID, tableFile, &table); err != nil {
			if errors.Is(err, taskdir.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found_error", "generate the budget table first")
				return
			}
			serviceError(w, err)
			return
		}

		xlsx, err := table.XLSX()
		if err != nil {
			serviceError(w, err)
			return
		}
		deps.Tasks.Touch(taskID)

		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", taskID+".xlsx"))
		w.Write(xlsx)
	}
}

// handleCleanup removes a task directory unconditionally. Cleaning a task
// that does not exist succeeds: the goal state is already reached.
func handleCleanup(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			TaskID string `json:"task_id"`
		}
		if !decodeJSONBody(w, r, &req) {
			return
		}
		if req.TaskID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "task_id is required")
			return
		}

		if err := deps.Tasks.Delete(req.TaskID); err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, map[string]any{"status": "ok"})
	}
}

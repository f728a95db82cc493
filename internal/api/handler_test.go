package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/drawparse/drawparse/internal/ai"
	"github.com/drawparse/drawparse/internal/config"
	"github.com/drawparse/drawparse/internal/extract"
	"github.com/drawparse/drawparse/internal/ingest"
	"github.com/drawparse/drawparse/internal/jobs"
	"github.com/drawparse/drawparse/internal/storage"
	"github.com/drawparse/drawparse/internal/taskdir"
)

// stubChatter replays one canned reply for every call.
type stubChatter struct {
	content string
	err     error
}

func (s *stubChatter) Chat(ctx context.Context, messages []ai.Message) (*ai.Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	quoted, _ := json.Marshal(s.content)
	return &ai.Result{
		Content: s.content,
		Raw:     json.RawMessage(`{"choices":[{"message":{"content":` + string(quoted) + `}}]}`),
	}, nil
}

type testEnv struct {
	handler http.Handler
	tasks   *taskdir.Store
	jobs    *storage.Store
}

func newTestEnv(t *testing.T, vision, chat extract.Chatter) *testEnv {
	t.Helper()

	tasks, err := taskdir.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	mat := ingest.NewMaterializer(tasks, nil, config.RasterConfig{})
	svc := extract.NewService(tasks, vision, chat)

	return &testEnv{
		handler: NewHandler(Deps{Tasks: tasks, Jobs: store, Mat: mat, Extract: svc}),
		tasks:   tasks,
		jobs:    store,
	}
}

func multipartBody(t *testing.T, field string, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for name, data := range files {
		fw, err := w.CreateFormFile(field, name)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(data)
	}
	w.Close()
	return &buf, w.FormDataContentType()
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding response %s: %v", rec.Body.String(), err)
	}
}

// TestHealth verifies the liveness endpoint.
func TestHealth(t *testing.T) {
	env := newTestEnv(t, &stubChatter{}, &stubChatter{})
	rec := doJSON(t, env.handler, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

// TestUploadImages verifies an image upload creates a task and registers the
// page images.
func TestUploadImages(t *testing.T) {
	env := newTestEnv(t, &stubChatter{}, &stubChatter{})

	body, ctype := multipartBody(t, "files", map[string][]byte{"front.jpg": []byte("jpeg")})
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", ctype)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		TaskID string   `json:"task_id"`
		Images []string `json:"images"`
	}
	decodeBody(t, rec, &resp)
	if err := taskdir.ValidateID(resp.TaskID); err != nil {
		t.Errorf("task_id = %q: %v", resp.TaskID, err)
	}
	if len(resp.Images) != 1 || resp.Images[0] != "front.jpg" {
		t.Errorf("images = %v", resp.Images)
	}
	if _, err := env.tasks.ReadFile(resp.TaskID, "front.jpg"); err != nil {
		t.Errorf("uploaded file not stored: %v", err)
	}
}

// TestUploadEmpty verifies an upload without files is a 400.
func TestUploadEmpty(t *testing.T) {
	env := newTestEnv(t, &stubChatter{}, &stubChatter{})

	body, ctype := multipartBody(t, "files", nil)
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", ctype)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

// TestExtractPageEndpoint verifies the synchronous per-page extraction route.
func TestExtractPageEndpoint(t *testing.T) {
	env := newTestEnv(t, &stubChatter{content: `{"rooms":3}`}, &stubChatter{})

	taskID, _ := env.tasks.Create()
	env.tasks.WriteFile(taskID, "page.1.jpg", []byte("jpeg"))

	rec := doJSON(t, env.handler, http.MethodPost, "/extract/page",
		map[string]string{"task_id": taskID, "filename": "page.1.jpg"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Result json.RawMessage `json:"result"`
	}
	decodeBody(t, rec, &resp)
	if len(resp.Result) == 0 {
		t.Error("empty result")
	}
}

// TestExtractPageMissingTask verifies not-found state maps to 404.
func TestExtractPageMissingTask(t *testing.T) {
	env := newTestEnv(t, &stubChatter{content: `{}`}, &stubChatter{})

	rec := doJSON(t, env.handler, http.MethodPost, "/extract/page",
		map[string]string{"task_id": uuid.New().String(), "filename": "page.1.jpg"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

// TestExtractPageInvalidID verifies a malformed task id maps to 400.
func TestExtractPageInvalidID(t *testing.T) {
	env := newTestEnv(t, &stubChatter{content: `{}`}, &stubChatter{})

	rec := doJSON(t, env.handler, http.MethodPost, "/extract/page",
		map[string]string{"task_id": "../escape", "filename": "page.1.jpg"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

// TestExtractPageNoKey verifies a missing API key maps to a 500 configuration
// error.
func TestExtractPageNoKey(t *testing.T) {
	vision := ai.NewClient("vision", "http://127.0.0.1:0", "m", "", 0)
	env := newTestEnv(t, vision, &stubChatter{})

	taskID, _ := env.tasks.Create()
	env.tasks.WriteFile(taskID, "page.1.jpg", []byte("jpeg"))

	rec := doJSON(t, env.handler, http.MethodPost, "/extract/page",
		map[string]string{"task_id": taskID, "filename": "page.1.jpg"})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var resp struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	decodeBody(t, rec, &resp)
	if resp.Error.Type != "configuration_error" {
		t.Errorf("error type = %q, want configuration_error", resp.Error.Type)
	}
}

// TestSummaryParseError verifies an unparsable model reply returns the raw
// text alongside the 500.
func TestSummaryParseError(t *testing.T) {
	env := newTestEnv(t, &stubChatter{}, &stubChatter{content: "I cannot summarize this."})

	taskID, _ := env.tasks.Create()
	env.tasks.WriteJSON(taskID, "page.1.jpg.ai.json", map[string]int{"rooms": 1})

	rec := doJSON(t, env.handler, http.MethodPost, "/extract/summary",
		map[string]any{"task_id": taskID, "files": []string{"page.1.jpg"}})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
		Raw string `json:"raw"`
	}
	decodeBody(t, rec, &resp)
	if resp.Error.Type != "parse_error" {
		t.Errorf("error type = %q, want parse_error", resp.Error.Type)
	}
	if !strings.Contains(resp.Raw, "cannot summarize") {
		t.Errorf("raw = %q, want model reply", resp.Raw)
	}
}

// TestSummaryAndBudgetFlow verifies the two text-model stages through the
// HTTP surface.
func TestSummaryAndBudgetFlow(t *testing.T) {
	env := newTestEnv(t, &stubChatter{}, &stubChatter{content: `{"project_name":"综合楼"}`})

	taskID, _ := env.tasks.Create()
	env.tasks.WriteJSON(taskID, "page.1.jpg.ai.json", map[string]int{"rooms": 1})

	rec := doJSON(t, env.handler, http.MethodPost, "/extract/summary",
		map[string]any{"task_id": taskID, "files": []string{"page.1.jpg"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("summary status = %d: %s", rec.Code, rec.Body.String())
	}
	var sum struct {
		Summary json.RawMessage `json:"summary"`
	}
	decodeBody(t, rec, &sum)
	if string(sum.Summary) != `{"project_name":"综合楼"}` {
		t.Errorf("summary = %s", sum.Summary)
	}

	rec = doJSON(t, env.handler, http.MethodPost, "/extract/budget",
		map[string]any{"task_id": taskID, "summary": json.RawMessage(sum.Summary)})
	if rec.Code != http.StatusOK {
		t.Fatalf("budget status = %d: %s", rec.Code, rec.Body.String())
	}
	if _, err := env.tasks.ReadFile(taskID, "budget.json"); err != nil {
		t.Errorf("budget.json missing: %v", err)
	}
}

// TestExtractStart verifies the async PDF route stages the file, writes the
// initial status and enqueues the job.
func TestExtractStart(t *testing.T) {
	env := newTestEnv(t, &stubChatter{}, &stubChatter{})

	body, ctype := multipartBody(t, "file", map[string][]byte{"plan.pdf": []byte("%PDF-1.4")})
	req := httptest.NewRequest(http.MethodPost, "/extract/start", body)
	req.Header.Set("Content-Type", ctype)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		TaskID string `json:"task_id"`
	}
	decodeBody(t, rec, &resp)

	var st jobs.Status
	if err := env.tasks.ReadJSON(resp.TaskID, jobs.PDFStatusFile, &st); err != nil {
		t.Fatalf("initial status missing: %v", err)
	}
	if st.Status != jobs.StatusProcessing {
		t.Errorf("initial status = %q, want processing", st.Status)
	}

	job, err := env.jobs.LatestJobForTask(resp.TaskID)
	if err != nil {
		t.Fatalf("no job enqueued: %v", err)
	}
	if job.Type != storage.JobExtractPDF {
		t.Errorf("job type = %q", job.Type)
	}
	var payload jobs.ExtractPDFPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil || payload.PDFName != "plan.pdf" {
		t.Errorf("payload = %q", job.PayloadJSON)
	}
}

// TestExtractStartRejectsNonPDF verifies only PDFs enter the async path.
func TestExtractStartRejectsNonPDF(t *testing.T) {
	env := newTestEnv(t, &stubChatter{}, &stubChatter{})

	body, ctype := multipartBody(t, "file", map[string][]byte{"photo.jpg": []byte("jpeg")})
	req := httptest.NewRequest(http.MethodPost, "/extract/start", body)
	req.Header.Set("Content-Type", ctype)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

// TestExtractStatus verifies polling and the 404 for unknown tasks.
func TestExtractStatus(t *testing.T) {
	env := newTestEnv(t, &stubChatter{}, &stubChatter{})

	taskID, _ := env.tasks.Create()
	env.tasks.WriteJSON(taskID, jobs.PDFStatusFile, jobs.Status{Status: jobs.StatusProcessing, Total: 4, Finished: 1})

	rec := doJSON(t, env.handler, http.MethodGet, "/extract/status/"+taskID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var st jobs.Status
	decodeBody(t, rec, &st)
	if st.Total != 4 || st.Finished != 1 {
		t.Errorf("status record = %+v", st)
	}

	rec = doJSON(t, env.handler, http.MethodGet, "/extract/status/"+uuid.New().String(), nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown task status = %d, want 404", rec.Code)
	}
}

// TestProcessSelection verifies the selection route writes the initial status
// and enqueues the pages job. The legacy selected_files field keeps working.
func TestProcessSelection(t *testing.T) {
	env := newTestEnv(t, &stubChatter{}, &stubChatter{})
	taskID, _ := env.tasks.Create()

	rec := doJSON(t, env.handler, http.MethodPost, "/process-selection",
		map[string]any{"task_id": taskID, "selected_files": []string{"page.1.jpg", "page.2.jpg"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Message string `json:"message"`
		TaskID  string `json:"task_id"`
	}
	decodeBody(t, rec, &resp)
	if resp.Message != "processing started" || resp.TaskID != taskID {
		t.Errorf("response = %+v", resp)
	}

	var st jobs.Status
	if err := env.tasks.ReadJSON(taskID, jobs.SelectionStatusFile, &st); err != nil {
		t.Fatalf("initial status missing: %v", err)
	}
	if st.Status != jobs.StatusProcessing || st.Total != 2 {
		t.Errorf("initial status = %+v", st)
	}

	job, err := env.jobs.LatestJobForTask(taskID)
	if err != nil || job.Type != storage.JobExtractPages {
		t.Errorf("job = %v, %v", job, err)
	}
}

// TestProcessSelectionEmpty verifies an empty selection is rejected.
func TestProcessSelectionEmpty(t *testing.T) {
	env := newTestEnv(t, &stubChatter{}, &stubChatter{})
	taskID, _ := env.tasks.Create()

	rec := doJSON(t, env.handler, http.MethodPost, "/process-selection",
		map[string]any{"task_id": taskID, "files": []string{}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

// TestResult verifies result retrieval, the incomplete-job answer when a done
// status has no result file, and the plain 404 otherwise.
func TestResult(t *testing.T) {
	env := newTestEnv(t, &stubChatter{}, &stubChatter{})
	taskID, _ := env.tasks.Create()

	rec := doJSON(t, env.handler, http.MethodGet, "/result/"+taskID, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("no-result status = %d, want 404", rec.Code)
	}

	env.tasks.WriteJSON(taskID, jobs.SelectionStatusFile, jobs.Status{Status: jobs.StatusDone})
	rec = doJSON(t, env.handler, http.MethodGet, "/result/"+taskID, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("incomplete-job status = %d, want 404", rec.Code)
	}
	var resp struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	decodeBody(t, rec, &resp)
	if resp.Error.Type != "incomplete_job_error" {
		t.Errorf("error type = %q, want incomplete_job_error", resp.Error.Type)
	}

	env.tasks.WriteJSON(taskID, jobs.ResultFile, map[string]any{"task_id": taskID, "results": []string{}})
	rec = doJSON(t, env.handler, http.MethodGet, "/result/"+taskID, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("result status = %d: %s", rec.Code, rec.Body.String())
	}
}

// TestPreview verifies image bytes come back with the right content type and
// that serving a preview refreshes the liveness marker.
func TestPreview(t *testing.T) {
	env := newTestEnv(t, &stubChatter{}, &stubChatter{})
	taskID, _ := env.tasks.Create()
	env.tasks.WriteFile(taskID, "page.1.jpg", []byte("jpeg-bytes"))

	rec := doJSON(t, env.handler, http.MethodGet, "/preview/page.1.jpg?task_id="+taskID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Content-Type = %q, want image/jpeg", ct)
	}
	if rec.Body.String() != "jpeg-bytes" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if _, ok, _ := env.tasks.LastActive(taskID); !ok {
		t.Error("preview did not refresh the liveness marker")
	}

	rec = doJSON(t, env.handler, http.MethodGet, "/preview/missing.jpg?task_id="+taskID, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing preview status = %d, want 404", rec.Code)
	}
}

// TestDownloadResult verifies the attachment download of result.json.
func TestDownloadResult(t *testing.T) {
	env := newTestEnv(t, &stubChatter{}, &stubChatter{})
	taskID, _ := env.tasks.Create()
	env.tasks.WriteJSON(taskID, jobs.ResultFile, map[string]string{"task_id": taskID})

	rec := doJSON(t, env.handler, http.MethodGet, "/download/"+taskID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, taskID+".json") {
		t.Errorf("Content-Disposition = %q", cd)
	}
}

// TestDownloadBudgetCSV verifies the CSV export route.
func TestDownloadBudgetCSV(t *testing.T) {
	env := newTestEnv(t, &stubChatter{}, &stubChatter{})

	budget := map[string]any{
		"subprojects": []map[string]any{
			{"major": "电气", "items": []map[string]any{
				{"name": "配电箱", "quantity": 2, "unit": "台", "unit_price": 3500, "total_price": 7000, "labor_ratio": "30%", "material_ratio": "70%"},
			}},
		},
	}
	rec := doJSON(t, env.handler, http.MethodPost, "/download/budget", map[string]any{"summary": budget})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("Content-Type = %q", ct)
	}
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("csv lines = %d, want 2", len(lines))
	}
	if lines[0] != "专业,名称,数量,单位,单价,合价,人工占比,材料占比" {
		t.Errorf("header = %q", lines[0])
	}
}

// TestGenerateAndDownloadTable verifies the table projection, its caching and
// the XLSX download, plus the 404 before generation.
func TestGenerateAndDownloadTable(t *testing.T) {
	env := newTestEnv(t, &stubChatter{}, &stubChatter{})
	taskID, _ := env.tasks.Create()

	rec := doJSON(t, env.handler, http.MethodGet, "/download-table/"+taskID, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("download before generate = %d, want 404", rec.Code)
	}

	rec = doJSON(t, env.handler, http.MethodGet, "/generate-table/"+taskID, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("generate without budget = %d, want 404", rec.Code)
	}

	env.tasks.WriteJSON(taskID, "budget.json", map[string]any{
		"subprojects": []map[string]any{
			{"major": "暖通", "items": []map[string]any{
				{"name": "风机盘管", "quantity": 6, "unit": "台"},
			}},
		},
	})

	rec = doJSON(t, env.handler, http.MethodGet, "/generate-table/"+taskID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("generate status = %d: %s", rec.Code, rec.Body.String())
	}
	var table struct {
		Status string              `json:"status"`
		Table  []map[string]string `json:"table"`
	}
	decodeBody(t, rec, &table)
	if table.Status != "ok" || len(table.Table) != 1 {
		t.Errorf("table = %+v", table)
	}
	if table.Table[0]["专业"] != "暖通" {
		t.Errorf("row = %v", table.Table[0])
	}
	if !env.tasks.Exists(taskID, "table.json") {
		t.Error("table.json not cached")
	}

	rec = doJSON(t, env.handler, http.MethodGet, "/download-table/"+taskID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("download status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "spreadsheetml") {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, taskID+".xlsx") {
		t.Errorf("Content-Disposition = %q", cd)
	}
}

// TestCleanup verifies deletion through the API and its idempotency.
func TestCleanup(t *testing.T) {
	env := newTestEnv(t, &stubChatter{}, &stubChatter{})
	taskID, _ := env.tasks.Create()
	env.tasks.WriteFile(taskID, "page.1.jpg", []byte("jpeg"))

	rec := doJSON(t, env.handler, http.MethodPost, "/cleanup", map[string]string{"task_id": taskID})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if _, err := env.tasks.ReadFile(taskID, "page.1.jpg"); err == nil {
		t.Error("task directory survived cleanup")
	}

	rec = doJSON(t, env.handler, http.MethodPost, "/cleanup", map[string]string{"task_id": taskID})
	if rec.Code != http.StatusOK {
		t.Errorf("second cleanup status = %d, want 200", rec.Code)
	}

	rec = doJSON(t, env.handler, http.MethodPost, "/cleanup", map[string]string{"task_id": "../escape"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid id cleanup status = %d, want 400", rec.Code)
	}
}

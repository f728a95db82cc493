package extract

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/drawparse/drawparse/internal/ai"
	"github.com/drawparse/drawparse/internal/taskdir"
)

// stubChatter replays canned results and records the conversations it saw.
type stubChatter struct {
	results []*ai.Result
	err     error
	seen    [][]ai.Message
}

func (s *stubChatter) Chat(ctx context.Context, messages []ai.Message) (*ai.Result, error) {
	s.seen = append(s.seen, messages)
	if s.err != nil {
		return nil, s.err
	}
	res := s.results[0]
	if len(s.results) > 1 {
		s.results = s.results[1:]
	}
	return res, nil
}

func rawResult(body string) *ai.Result {
	quoted, _ := json.Marshal(body)
	return &ai.Result{
		Content: body,
		Raw:     json.RawMessage(`{"choices":[{"message":{"content":` + string(quoted) + `}}]}`),
	}
}

func newTestService(t *testing.T, vision, chat Chatter) (*Service, *taskdir.Store) {
	t.Helper()
	store, err := taskdir.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return NewService(store, vision, chat), store
}

// TestExtractPage verifies a page image goes to the vision endpoint and the
// raw response lands next to the image as <page>.ai.json.
func TestExtractPage(t *testing.T) {
	vision := &stubChatter{results: []*ai.Result{rawResult(`{"rooms":3}`)}}
	svc, store := newTestService(t, vision, &stubChatter{})

	taskID, err := store.Create()
	if err != nil {
		t.Fatal(err)
	}
	if err := store.WriteFile(taskID, "page.1.jpg", []byte("jpeg-bytes")); err != nil {
		t.Fatal(err)
	}

	result, err := svc.ExtractPage(context.Background(), taskID, "page.1.jpg")
	if err != nil {
		t.Fatal(err)
	}
	if !json.Valid(result) {
		t.Error("result is not the raw JSON response")
	}

	stored, err := store.ReadFile(taskID, "page.1.jpg.ai.json")
	if err != nil {
		t.Fatalf("archived result missing: %v", err)
	}
	if !json.Valid(stored) {
		t.Error("archived result is not valid JSON")
	}

	if len(vision.seen) != 1 {
		t.Fatalf("vision called %d times, want 1", len(vision.seen))
	}
	parts, ok := vision.seen[0][1].Content.([]ai.ContentPart)
	if !ok || len(parts) != 2 || parts[1].ImageURL == nil {
		t.Errorf("vision message missing image part: %+v", vision.seen[0][1].Content)
	}
}

// TestExtractPageMissingImage verifies extracting a page that was never
// stored reports not found without an upstream call.
func TestExtractPageMissingImage(t *testing.T) {
	vision := &stubChatter{results: []*ai.Result{rawResult(`{}`)}}
	svc, store := newTestService(t, vision, &stubChatter{})
	taskID, _ := store.Create()

	_, err := svc.ExtractPage(context.Background(), taskID, "page.9.jpg")
	if !errors.Is(err, taskdir.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if len(vision.seen) != 0 {
		t.Error("vision endpoint called for missing image")
	}
}

// TestExtractPageOverwrites verifies a re-run replaces the stored artifact.
func TestExtractPageOverwrites(t *testing.T) {
	vision := &stubChatter{results: []*ai.Result{rawResult(`{"v":1}`), rawResult(`{"v":2}`)}}
	svc, store := newTestService(t, vision, &stubChatter{})

	taskID, _ := store.Create()
	store.WriteFile(taskID, "page.1.jpg", []byte("jpeg"))

	if _, err := svc.ExtractPage(context.Background(), taskID, "page.1.jpg"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ExtractPage(context.Background(), taskID, "page.1.jpg"); err != nil {
		t.Fatal(err)
	}

	stored, _ := store.ReadFile(taskID, "page.1.jpg.ai.json")
	if !strings.Contains(string(stored), `\"v\":2`) && !strings.Contains(string(stored), `"v":2`) {
		t.Errorf("second run did not overwrite artifact: %s", stored)
	}
}

// TestSummarize verifies stored per-page results are merged through the text
// endpoint into summary.json, skipping pages without results.
func TestSummarize(t *testing.T) {
	chat := &stubChatter{results: []*ai.Result{{Content: "```json\n{\"project_name\":\"综合楼\"}\n```"}}}
	svc, store := newTestService(t, &stubChatter{}, chat)

	taskID, _ := store.Create()
	store.WriteJSON(taskID, "page.1.jpg.ai.json", map[string]int{"rooms": 3})
	store.WriteJSON(taskID, "page.2.jpg.ai.json", map[string]int{"rooms": 5})

	summary, _, err := svc.Summarize(context.Background(), taskID,
		[]string{"page.1.jpg", "page.2.jpg", "page.3.jpg"})
	if err != nil {
		t.Fatal(err)
	}
	if string(summary) != `{"project_name":"综合楼"}` {
		t.Errorf("summary = %s", summary)
	}

	stored, err := store.ReadFile(taskID, "summary.json")
	if err != nil {
		t.Fatalf("summary.json missing: %v", err)
	}
	if !json.Valid(stored) {
		t.Error("stored summary is not valid JSON")
	}

	// Both existing page results must appear in the prompt; the missing
	// third page must not abort the call.
	user, _ := chat.seen[0][1].Content.(string)
	if !strings.Contains(user, `"rooms": 3`) || !strings.Contains(user, `"rooms": 5`) {
		t.Errorf("prompt missing page results: %s", user)
	}
}

// TestSummarizeNoPages verifies an empty page list is rejected up front.
func TestSummarizeNoPages(t *testing.T) {
	svc, store := newTestService(t, &stubChatter{}, &stubChatter{})
	taskID, _ := store.Create()

	if _, _, err := svc.Summarize(context.Background(), taskID, nil); !errors.Is(err, ErrNoPages) {
		t.Errorf("err = %v, want ErrNoPages", err)
	}
}

// TestSummarizeNoResults verifies requesting only never-extracted pages is an
// error, not an empty summary.
func TestSummarizeNoResults(t *testing.T) {
	chat := &stubChatter{results: []*ai.Result{{Content: `{}`}}}
	svc, store := newTestService(t, &stubChatter{}, chat)
	taskID, _ := store.Create()

	_, _, err := svc.Summarize(context.Background(), taskID, []string{"page.1.jpg"})
	if !errors.Is(err, ErrNoResults) {
		t.Fatalf("err = %v, want ErrNoResults", err)
	}
	if len(chat.seen) != 0 {
		t.Error("chat endpoint called with nothing to summarize")
	}
}

// TestSummarizeUnparsableReply verifies a conversational reply surfaces as a
// ParseError with the raw text preserved.
func TestSummarizeUnparsableReply(t *testing.T) {
	chat := &stubChatter{results: []*ai.Result{{Content: "I am unable to merge these documents."}}}
	svc, store := newTestService(t, &stubChatter{}, chat)

	taskID, _ := store.Create()
	store.WriteJSON(taskID, "page.1.jpg.ai.json", map[string]int{"rooms": 1})

	_, _, err := svc.Summarize(context.Background(), taskID, []string{"page.1.jpg"})
	var pe *ai.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want ParseError", err)
	}
	if !strings.Contains(pe.Raw, "unable to merge") {
		t.Errorf("Raw = %q, want original reply", pe.Raw)
	}
}

// TestMapToBudget verifies the summary is projected onto the budget schema
// and persisted, even for a task with no prior extraction state.
func TestMapToBudget(t *testing.T) {
	budget := `{"project_name":"综合楼","total_cost":100,"subprojects":[]}`
	chat := &stubChatter{results: []*ai.Result{{Content: budget}}}
	svc, store := newTestService(t, &stubChatter{}, chat)

	// A task id that was never uploaded to: budget mapping must still work.
	taskID := uuid.New().String()
	got, err := svc.MapToBudget(context.Background(), taskID, json.RawMessage(`{"rooms":3}`))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != budget {
		t.Errorf("budget = %s", got)
	}

	if _, err := store.ReadFile(taskID, "budget.json"); err != nil {
		t.Fatalf("budget.json missing: %v", err)
	}

	// Prompt must carry both the summary and the schema.
	user, _ := chat.seen[0][1].Content.(string)
	if !strings.Contains(user, `"rooms": 3`) {
		t.Errorf("prompt missing summary: %s", user)
	}
	if !strings.Contains(user, "labor_ratio") {
		t.Errorf("prompt missing budget schema: %s", user)
	}
}

// TestMapToBudgetInvalidID verifies a non-uuid task id is rejected before any
// upstream call.
func TestMapToBudgetInvalidID(t *testing.T) {
	chat := &stubChatter{results: []*ai.Result{{Content: `{}`}}}
	svc, _ := newTestService(t, &stubChatter{}, chat)

	_, err := svc.MapToBudget(context.Background(), "../escape", json.RawMessage(`{}`))
	if !errors.Is(err, taskdir.ErrInvalidID) {
		t.Fatalf("err = %v, want ErrInvalidID", err)
	}
	if len(chat.seen) != 0 {
		t.Error("chat endpoint called with invalid task id")
	}
}

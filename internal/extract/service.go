// Package extract orchestrates the three AI stages: per-page extraction,
// cross-page summary and budget mapping. Each stage is one external call
// with its artifact persisted in the task directory; a stage can be re-run
// and overwrites its previous artifact.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/drawparse/drawparse/internal/ai"
	"github.com/drawparse/drawparse/internal/taskdir"
)

const (
	// aiSuffix is appended to a page image name for its raw extraction result.
	aiSuffix    = ".ai.json"
	summaryFile = "summary.json"
	budgetFile  = "budget.json"
)

var (
	// ErrNoPages is returned when a summary is requested without page names.
	ErrNoPages = errors.New("no page names provided")
	// ErrNoResults is returned when none of the requested pages has a stored
	// extraction result.
	ErrNoResults = errors.New("no per-page extraction results found")
)

// Chatter is the AI call surface the orchestrators need.
type Chatter interface {
	Chat(ctx context.Context, messages []ai.Message) (*ai.Result, error)
}

// Service wires the task store to the two upstream endpoints.
type Service struct {
	tasks  *taskdir.Store
	vision Chatter
	chat   Chatter
	logger *slog.Logger
}

func NewService(tasks *taskdir.Store, vision, chat Chatter) *Service {
	return &Service{
		tasks:  tasks,
		vision: vision,
		chat:   chat,
		logger: slog.Default(),
	}
}

// ExtractPage sends one page image to the multimodal endpoint and persists
// the raw response as <page>.ai.json. The stored image must exist.
func (s *Service) ExtractPage(ctx context.Context, taskID, filename string) (json.RawMessage, error) {
	name, err := taskdir.CleanFilename(filename)
	if err != nil {
		return nil, err
	}

	image, err := s.tasks.ReadFile(taskID, name)
	if err != nil {
		return nil, err
	}

	res, err := s.vision.Chat(ctx, ai.VisionMessages(extractSystemPrompt, extractUserPrompt, image))
	if err != nil {
		return nil, err
	}

	if err := s.tasks.WriteJSON(taskID, name+aiSuffix, res.Raw); err != nil {
		return nil, err
	}
	if err := s.tasks.Touch(taskID); err != nil {
		return nil, err
	}

	s.logger.Info("page extracted", "task_id", taskID, "page", name)
	return res.Raw, nil
}

// Summarize collects the stored per-page results for the given page names
// (pages without a result are skipped) and asks the text endpoint to merge
// them into one normalized document, persisted as summary.json.
func (s *Service) Summarize(ctx context.Context, taskID string, files []string) (json.RawMessage, *ai.Usage, error) {
	if len(files) == 0 {
		return nil, nil, ErrNoPages
	}

	var collected []json.RawMessage
	for _, f := range files {
		name, err := taskdir.CleanFilename(f)
		if err != nil {
			return nil, nil, err
		}
		data, err := s.tasks.ReadFile(taskID, name+aiSuffix)
		if errors.Is(err, taskdir.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		collected = append(collected, json.RawMessage(data))
	}
	if len(collected) == 0 {
		return nil, nil, ErrNoResults
	}

	input, err := json.MarshalIndent(collected, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("encoding page results: %w", err)
	}

	res, err := s.chat.Chat(ctx, ai.TextMessages(summarySystemPrompt, summaryUserPrefix+"\n\n"+string(input)))
	if err != nil {
		return nil, nil, err
	}

	summary, err := ai.DecodeJSON(res.Content)
	if err != nil {
		return nil, nil, err
	}

	if err := s.tasks.WriteJSON(taskID, summaryFile, summary); err != nil {
		return nil, nil, err
	}
	if err := s.tasks.Touch(taskID); err != nil {
		return nil, nil, err
	}

	s.logger.Info("summary produced", "task_id", taskID, "pages_in", len(collected))
	return summary, res.Usage, nil
}

// MapToBudget projects a summary onto the budget table template via the text
// endpoint and persists budget.json. It does not require prior extraction
// state: the task directory is created on demand.
func (s *Service) MapToBudget(ctx context.Context, taskID string, summary json.RawMessage) (json.RawMessage, error) {
	if err := taskdir.ValidateID(taskID); err != nil {
		return nil, err
	}

	summaryText, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding summary: %w", err)
	}

	user := fmt.Sprintf(
		"Map the following normalized data onto the budget table schema below. Return JSON only, values in Chinese, no markdown fences.\n\nNormalized data:\n%s\n\nBudget table schema:\n%s",
		summaryText, budgetTemplate,
	)

	res, err := s.chat.Chat(ctx, ai.TextMessages(budgetSystemPrompt, user))
	if err != nil {
		return nil, err
	}

	budget, err := ai.DecodeJSON(res.Content)
	if err != nil {
		return nil, err
	}

	if err := s.tasks.WriteJSON(taskID, budgetFile, budget); err != nil {
		return nil, err
	}
	if err := s.tasks.Touch(taskID); err != nil {
		return nil, err
	}

	s.logger.Info("budget mapped", "task_id", taskID)
	return budget, nil
}

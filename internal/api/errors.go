package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/drawparse/drawparse/internal/ai"
	"github.com/drawparse/drawparse/internal/extract"
	"github.com/drawparse/drawparse/internal/ingest"
	"github.com/drawparse/drawparse/internal/storage"
	"github.com/drawparse/drawparse/internal/taskdir"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// serviceError maps the shared error taxonomy onto HTTP responses: invalid
// input 400, missing state 404, missing API key and unparsable AI replies
// 500, unreachable upstream 502. Parse failures attach the raw reply for
// diagnosis.
func serviceError(w http.ResponseWriter, err error) {
	var parseErr *ai.ParseError
	var upstreamErr *ai.UpstreamError

	switch {
	case errors.Is(err, taskdir.ErrInvalidID),
		errors.Is(err, taskdir.ErrInvalidName),
		errors.Is(err, extract.ErrNoPages),
		errors.Is(err, ingest.ErrNoFiles):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, taskdir.ErrNotFound),
		errors.Is(err, extract.ErrNoResults),
		errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found_error", "%v", err)
	case errors.Is(err, ai.ErrNoAPIKey):
		httpError(w, http.StatusInternalServerError, "configuration_error", "%v", err)
	case errors.As(err, &parseErr):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"message": "AI reply could not be parsed as JSON",
				"type":    "parse_error",
			},
			"raw": parseErr.Raw,
		})
	case errors.As(err, &upstreamErr):
		httpError(w, http.StatusBadGateway, "upstream_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

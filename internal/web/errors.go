package web

// errors.go maps domain errors onto JSON error responses. Client-caused
// validation failures come back as 400 with a machine-readable code and a
// message detailed enough to fix the input; infrastructure failures come
// back as 500 with the technical detail kept server-side.

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/equipdash/server/internal/ingest"
	"github.com/equipdash/server/internal/logging"
	"github.com/equipdash/server/internal/repository"
)

// ErrorResponse is the JSON body for every failure path.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// respondError classifies err and writes the matching response.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)

	logger := logging.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			"path", r.URL.Path, "method", r.Method, "status", status, "error", err)
	} else {
		logger.Info("request rejected",
			"path", r.URL.Path, "method", r.Method, "status", status, "code", code, "error", err)
	}

	msg := err.Error()
	if status >= http.StatusInternalServerError {
		// Do not leak storage internals to clients.
		msg = "internal storage error"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: msg, Code: code})
}

func classify(err error) (int, string) {
	var mce *ingest.MissingColumnsError
	var re *ingest.RowError

	switch {
	case errors.Is(err, ingest.ErrInvalidFileType):
		return http.StatusBadRequest, "invalid_file_type"
	case errors.As(err, &mce):
		return http.StatusBadRequest, "missing_columns"
	case errors.As(err, &re):
		return http.StatusBadRequest, "invalid_row"
	case errors.Is(err, ingest.ErrNoDataRows):
		return http.StatusBadRequest, "empty_file"
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound, "not_found"
	default:
		return http.StatusInternalServerError, "storage_error"
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: msg, Code: code})
}

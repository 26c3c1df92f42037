package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/equipdash/server/internal/dataset"
	"github.com/equipdash/server/internal/domain"
	"github.com/equipdash/server/internal/ingest"
	"github.com/equipdash/server/internal/logging"
	"github.com/equipdash/server/internal/report"
)

// DatasetService is the slice of the dataset package the handlers need.
type DatasetService interface {
	Ingest(ctx context.Context, filename string, content []byte, res *ingest.Result) (domain.Dataset, []dataset.SoftFailure, error)
	Latest(ctx context.Context) (domain.Dataset, error)
	History(ctx context.Context) ([]domain.Dataset, error)
	Get(ctx context.Context, id int64, recordLimit int) (domain.Dataset, error)
}

// handleUpload accepts a multipart CSV upload, runs the ingestion pipeline
// and commits the result. Validation failures never reach persistence.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	maxSize := s.cfg.Upload.MaxFileSize
	r.Body = http.MaxBytesReader(w, r.Body, maxSize)

	if err := r.ParseMultipartForm(maxSize); err != nil {
		writeError(w, http.StatusBadRequest, "file_too_large", "file too large or invalid form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "no_file", "no file provided")
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "read_failed", "failed to read file")
		return
	}

	res, err := ingest.Parse(header.Filename, content)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	ds, soft, err := s.datasets.Ingest(r.Context(), header.Filename, content, res)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if len(soft) > 0 {
		logging.FromContext(r.Context()).Warn("upload finished with soft failures", "count", len(soft))
	}

	writeJSON(w, http.StatusCreated, ds)
}

// handleSummary returns the most recent dataset with its records.
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	ds, err := s.datasets.Latest(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

// handleHistory returns the retained datasets, most recent first, without
// record lists.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	datasets, err := s.datasets.History(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, datasets)
}

// handleDataset returns one dataset with its full record list.
func (s *Server) handleDataset(w http.ResponseWriter, r *http.Request) {
	id, ok := datasetID(w, r)
	if !ok {
		return
	}

	ds, err := s.datasets.Get(r.Context(), id, 0)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

// handleReport streams a PDF report for one dataset.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	id, ok := datasetID(w, r)
	if !ok {
		return
	}

	ds, err := s.datasets.Get(r.Context(), id, report.MaxTableRows)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	pdf, err := report.Build(ds)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=report_%d.pdf", ds.ID))
	w.Header().Set("Content-Length", strconv.Itoa(len(pdf)))
	w.WriteHeader(http.StatusOK)
	w.Write(pdf)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func datasetID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 1 {
		writeError(w, http.StatusBadRequest, "invalid_id", "dataset id must be a positive integer")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Package dataset commits validated uploads and enforces the retention
// window. It is the only component with side effects: everything upstream
// (ingest) is pure, everything downstream (repository, blob store) is a
// narrow collaborator.
package dataset

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/equipdash/server/internal/domain"
	"github.com/equipdash/server/internal/ingest"
	"github.com/equipdash/server/internal/repository"
)

// DefaultMaxDatasets is the retention window: how many of the most recent
// datasets survive each upload. Overridable via configuration and per
// Service for tests.
const DefaultMaxDatasets = 5

// BlobStore is the slice of the blob package the service needs.
type BlobStore interface {
	Save(filename string, content []byte) (string, error)
	Delete(name string) error
}

// SoftFailure records a best-effort cleanup step that failed during
// eviction. Soft failures are logged and reported but never propagated: a
// stuck blob must not block removal of the database record.
type SoftFailure struct {
	DatasetID int64
	BlobPath  string
	Err       error
}

// Service persists datasets and answers the read queries the API exposes.
type Service struct {
	store       repository.TxStore
	blobs       BlobStore
	maxDatasets int
}

// NewService creates a Service keeping at most maxDatasets datasets. Values
// below 1 fall back to DefaultMaxDatasets.
func NewService(store repository.TxStore, blobs BlobStore, maxDatasets int) *Service {
	if maxDatasets < 1 {
		maxDatasets = DefaultMaxDatasets
	}
	return &Service{store: store, blobs: blobs, maxDatasets: maxDatasets}
}

// Ingest commits one validated upload and then evicts datasets beyond the
// retention window. The database work is all-or-nothing: the placeholder
// insert, the bulk record copy, the finalize and the eviction share one
// transaction, so no caller ever observes a dataset whose row_count
// disagrees with its records. Blob deletions for evicted datasets happen
// after commit and are best effort.
func (s *Service) Ingest(ctx context.Context, filename string, content []byte, res *ingest.Result) (domain.Dataset, []SoftFailure, error) {
	blobPath, err := s.blobs.Save(filename, content)
	if err != nil {
		uploadsTotal.WithLabelValues("error").Inc()
		return domain.Dataset{}, nil, fmt.Errorf("store blob: %w", err)
	}

	var ds domain.Dataset
	var evicted []repository.EvictedDataset
	err = s.store.WithTx(ctx, func(tx repository.Store) error {
		id, err := tx.CreateDataset(ctx, filename, blobPath)
		if err != nil {
			return err
		}

		inserted, err := tx.CopyRecords(ctx, id, res.Records)
		if err != nil {
			return err
		}
		if inserted != int64(len(res.Records)) {
			return fmt.Errorf("bulk insert wrote %d of %d records", inserted, len(res.Records))
		}

		ds, err = tx.FinalizeDataset(ctx, id, res.Summary.TotalCount, res.Summary)
		if err != nil {
			return err
		}

		evicted, err = tx.EvictBeyond(ctx, s.maxDatasets)
		return err
	})
	if err != nil {
		// The transaction rolled back; only the new blob needs cleanup.
		if derr := s.blobs.Delete(blobPath); derr != nil {
			slog.Warn("orphaned blob after failed upload", "blob", blobPath, "error", derr)
		}
		uploadsTotal.WithLabelValues("error").Inc()
		return domain.Dataset{}, nil, fmt.Errorf("persist dataset: %w", err)
	}

	var soft []SoftFailure
	for _, ev := range evicted {
		if derr := s.blobs.Delete(ev.BlobPath); derr != nil {
			slog.Warn("failed to delete evicted blob",
				"dataset_id", ev.ID, "blob", ev.BlobPath, "error", derr)
			soft = append(soft, SoftFailure{DatasetID: ev.ID, BlobPath: ev.BlobPath, Err: derr})
		}
	}
	if len(evicted) > 0 {
		slog.Info("retention window enforced",
			"evicted", len(evicted), "max_datasets", s.maxDatasets)
		evictedTotal.Add(float64(len(evicted)))
	}

	uploadsTotal.WithLabelValues("ok").Inc()
	recordsIngested.Add(float64(len(res.Records)))
	slog.Info("dataset committed",
		"dataset_id", ds.ID, "filename", ds.Filename, "rows", ds.RowCount)
	return ds, soft, nil
}

// Latest returns the most recent dataset with its full record list.
func (s *Service) Latest(ctx context.Context) (domain.Dataset, error) {
	ds, err := s.store.LatestDataset(ctx)
	if err != nil {
		return domain.Dataset{}, err
	}
	ds.Records, err = s.store.ListRecords(ctx, ds.ID, 0)
	if err != nil {
		return domain.Dataset{}, err
	}
	return ds, nil
}

// History returns up to maxDatasets datasets, most recent first, without
// records (the summary-only projection the history view needs).
func (s *Service) History(ctx context.Context) ([]domain.Dataset, error) {
	return s.store.ListRecent(ctx, s.maxDatasets)
}

// Get returns one dataset by id with its records. recordLimit caps how many
// records are loaded; zero or less loads all of them.
func (s *Service) Get(ctx context.Context, id int64, recordLimit int) (domain.Dataset, error) {
	ds, err := s.store.GetDataset(ctx, id)
	if err != nil {
		return domain.Dataset{}, err
	}
	ds.Records, err = s.store.ListRecords(ctx, ds.ID, recordLimit)
	if err != nil {
		return domain.Dataset{}, err
	}
	return ds, nil
}

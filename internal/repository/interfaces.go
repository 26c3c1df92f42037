// Package repository provides PostgreSQL persistence for datasets and their
// equipment records.
package repository

import (
	"context"
	"errors"

	"github.com/equipdash/server/internal/domain"
)

// ErrNotFound is returned when a dataset lookup matches nothing.
var ErrNotFound = errors.New("dataset not found")

// EvictedDataset identifies a dataset removed by retention enforcement,
// carrying the blob name so the caller can clean up the backing file.
type EvictedDataset struct {
	ID       int64
	BlobPath string
}

// Store is the persistence surface used by the dataset service.
type Store interface {
	// CreateDataset inserts a placeholder dataset (row_count 0, empty
	// summary) and returns its identifier.
	CreateDataset(ctx context.Context, filename, blobPath string) (int64, error)

	// CopyRecords bulk-inserts all records for a dataset as a single batch
	// and returns the number of rows written.
	CopyRecords(ctx context.Context, datasetID int64, records []domain.EquipmentRecord) (int64, error)

	// FinalizeDataset sets the final row count and summary and returns the
	// populated dataset.
	FinalizeDataset(ctx context.Context, id int64, rowCount int, summary domain.Summary) (domain.Dataset, error)

	// EvictBeyond deletes every dataset beyond the keep most recent ones
	// (uploaded_at descending, ties broken by identifier) and reports what
	// was removed. Records cascade with their dataset.
	EvictBeyond(ctx context.Context, keep int) ([]EvictedDataset, error)

	// LatestDataset returns the most recently uploaded dataset.
	LatestDataset(ctx context.Context) (domain.Dataset, error)

	// ListRecent returns up to limit datasets, most recent first, without
	// their records.
	ListRecent(ctx context.Context, limit int) ([]domain.Dataset, error)

	// GetDataset returns one dataset by id, without its records.
	GetDataset(ctx context.Context, id int64) (domain.Dataset, error)

	// ListRecords returns a dataset's records in insertion order. A limit
	// of zero or less means all records.
	ListRecords(ctx context.Context, datasetID int64, limit int) ([]domain.EquipmentRecord, error)
}

// TxStore extends Store with a transaction boundary. WithTx runs fn against
// a Store bound to one transaction; returning an error rolls everything
// back. Implementations serialize concurrent WithTx calls so the retention
// count check cannot race.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}

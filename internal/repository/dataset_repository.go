package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/equipdash/server/internal/domain"
)

// retentionLockKey is the advisory lock key serializing the
// create-populate-evict sequence across concurrent uploads.
const retentionLockKey = 0x65717464 // "eqtd"

const datasetColumns = "id, filename, uploaded_at, row_count, summary_stats, blob_path"

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, letting the same
// repository methods run inside or outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// DatasetRepository implements TxStore on PostgreSQL.
type DatasetRepository struct {
	pool *pgxpool.Pool
	q    querier
}

// NewDatasetRepository creates a repository backed by the given pool.
func NewDatasetRepository(pool *pgxpool.Pool) *DatasetRepository {
	return &DatasetRepository{pool: pool, q: pool}
}

// WithTx runs fn against a transaction-bound repository. The advisory xact
// lock makes concurrent upload commits take turns, so two uploads can never
// both decide the retention window is full and evict the wrong dataset.
func (r *DatasetRepository) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", int64(retentionLockKey)); err != nil {
		return fmt.Errorf("acquire retention lock: %w", err)
	}

	if err := fn(&DatasetRepository{pool: r.pool, q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (r *DatasetRepository) CreateDataset(ctx context.Context, filename, blobPath string) (int64, error) {
	var id int64
	err := r.q.QueryRow(ctx, `
		INSERT INTO datasets (filename, row_count, summary_stats, blob_path)
		VALUES ($1, 0, '{}'::jsonb, $2)
		RETURNING id`, filename, blobPath).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create dataset: %w", err)
	}
	return id, nil
}

func (r *DatasetRepository) CopyRecords(ctx context.Context, datasetID int64, records []domain.EquipmentRecord) (int64, error) {
	rows := make([][]any, len(records))
	for i, rec := range records {
		rows[i] = []any{datasetID, rec.EquipmentName, rec.EquipmentType, rec.Flowrate, rec.Pressure, rec.Temperature}
	}

	n, err := r.q.CopyFrom(ctx,
		pgx.Identifier{"equipment_records"},
		[]string{"dataset_id", "equipment_name", "equipment_type", "flowrate", "pressure", "temperature"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("copy records: %w", err)
	}
	return n, nil
}

func (r *DatasetRepository) FinalizeDataset(ctx context.Context, id int64, rowCount int, summary domain.Summary) (domain.Dataset, error) {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return domain.Dataset{}, fmt.Errorf("marshal summary: %w", err)
	}

	row := r.q.QueryRow(ctx, `
		UPDATE datasets
		SET row_count = $2, summary_stats = $3
		WHERE id = $1
		RETURNING `+datasetColumns, id, rowCount, summaryJSON)

	ds, err := scanDataset(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Dataset{}, ErrNotFound
		}
		return domain.Dataset{}, fmt.Errorf("finalize dataset: %w", err)
	}
	return ds, nil
}

func (r *DatasetRepository) EvictBeyond(ctx context.Context, keep int) ([]EvictedDataset, error) {
	rows, err := r.q.Query(ctx, `
		DELETE FROM datasets
		WHERE id IN (
			SELECT id FROM datasets
			ORDER BY uploaded_at DESC, id DESC
			OFFSET $1
		)
		RETURNING id, blob_path`, keep)
	if err != nil {
		return nil, fmt.Errorf("evict datasets: %w", err)
	}
	defer rows.Close()

	var evicted []EvictedDataset
	for rows.Next() {
		var ev EvictedDataset
		if err := rows.Scan(&ev.ID, &ev.BlobPath); err != nil {
			return nil, fmt.Errorf("scan evicted dataset: %w", err)
		}
		evicted = append(evicted, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("evict datasets: %w", err)
	}
	return evicted, nil
}

func (r *DatasetRepository) LatestDataset(ctx context.Context) (domain.Dataset, error) {
	row := r.q.QueryRow(ctx, `
		SELECT `+datasetColumns+`
		FROM datasets
		ORDER BY uploaded_at DESC, id DESC
		LIMIT 1`)

	ds, err := scanDataset(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Dataset{}, ErrNotFound
		}
		return domain.Dataset{}, fmt.Errorf("latest dataset: %w", err)
	}
	return ds, nil
}

func (r *DatasetRepository) ListRecent(ctx context.Context, limit int) ([]domain.Dataset, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+datasetColumns+`
		FROM datasets
		ORDER BY uploaded_at DESC, id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	defer rows.Close()

	datasets := []domain.Dataset{}
	for rows.Next() {
		ds, err := scanDataset(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dataset: %w", err)
		}
		datasets = append(datasets, ds)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	return datasets, nil
}

func (r *DatasetRepository) GetDataset(ctx context.Context, id int64) (domain.Dataset, error) {
	row := r.q.QueryRow(ctx, `
		SELECT `+datasetColumns+`
		FROM datasets
		WHERE id = $1`, id)

	ds, err := scanDataset(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Dataset{}, ErrNotFound
		}
		return domain.Dataset{}, fmt.Errorf("get dataset: %w", err)
	}
	return ds, nil
}

func (r *DatasetRepository) ListRecords(ctx context.Context, datasetID int64, limit int) ([]domain.EquipmentRecord, error) {
	query := `
		SELECT id, dataset_id, equipment_name, equipment_type, flowrate, pressure, temperature
		FROM equipment_records
		WHERE dataset_id = $1
		ORDER BY id`
	args := []any{datasetID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	records := []domain.EquipmentRecord{}
	for rows.Next() {
		var rec domain.EquipmentRecord
		if err := rows.Scan(&rec.ID, &rec.DatasetID, &rec.EquipmentName, &rec.EquipmentType,
			&rec.Flowrate, &rec.Pressure, &rec.Temperature); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return records, nil
}

func scanDataset(row pgx.Row) (domain.Dataset, error) {
	var ds domain.Dataset
	var summaryJSON []byte
	if err := row.Scan(&ds.ID, &ds.Filename, &ds.UploadedAt, &ds.RowCount, &summaryJSON, &ds.BlobPath); err != nil {
		return domain.Dataset{}, err
	}
	if len(summaryJSON) > 0 {
		if err := json.Unmarshal(summaryJSON, &ds.Summary); err != nil {
			return domain.Dataset{}, fmt.Errorf("unmarshal summary: %w", err)
		}
	}
	return ds, nil
}

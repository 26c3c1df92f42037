package dataset

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/equipdash/server/internal/domain"
	"github.com/equipdash/server/internal/ingest"
	"github.com/equipdash/server/internal/repository"
)

// ============================================================================
// In-memory fakes
// ============================================================================

type fakeState struct {
	nextDatasetID int64
	nextRecordID  int64
	clock         time.Time
	frozenClock   bool
	datasets      []domain.Dataset
	records       map[int64][]domain.EquipmentRecord
}

func (s *fakeState) clone() *fakeState {
	c := &fakeState{
		nextDatasetID: s.nextDatasetID,
		nextRecordID:  s.nextRecordID,
		clock:         s.clock,
		frozenClock:   s.frozenClock,
		datasets:      append([]domain.Dataset(nil), s.datasets...),
		records:       make(map[int64][]domain.EquipmentRecord, len(s.records)),
	}
	for id, recs := range s.records {
		c.records[id] = append([]domain.EquipmentRecord(nil), recs...)
	}
	return c
}

// sortedByRecency returns dataset indices ordered most recent first,
// matching the repository's uploaded_at DESC, id DESC ordering.
func (s *fakeState) sortedByRecency() []int {
	idx := make([]int, len(s.datasets))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool {
		da, db := s.datasets[idx[a]], s.datasets[idx[b]]
		if !da.UploadedAt.Equal(db.UploadedAt) {
			return da.UploadedAt.After(db.UploadedAt)
		}
		return da.ID > db.ID
	})
	return idx
}

// fakeStore implements repository.TxStore in memory. WithTx stages changes
// on a copy of the state and only publishes them when fn succeeds, matching
// transactional rollback semantics.
type fakeStore struct {
	mu    sync.Mutex
	state *fakeState

	failCopyRecords bool
	failFinalize    bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{state: &fakeState{
		clock:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		records: make(map[int64][]domain.EquipmentRecord),
	}}
}

type fakeTx struct {
	state  *fakeState
	parent *fakeStore
}

func (f *fakeStore) WithTx(ctx context.Context, fn func(repository.Store) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	staged := f.state.clone()
	if err := fn(&fakeTx{state: staged, parent: f}); err != nil {
		return err
	}
	f.state = staged
	return nil
}

func (t *fakeTx) CreateDataset(ctx context.Context, filename, blobPath string) (int64, error) {
	s := t.state
	s.nextDatasetID++
	if !s.frozenClock {
		s.clock = s.clock.Add(time.Second)
	}
	s.datasets = append(s.datasets, domain.Dataset{
		ID:         s.nextDatasetID,
		Filename:   filename,
		UploadedAt: s.clock,
		BlobPath:   blobPath,
	})
	s.records[s.nextDatasetID] = nil
	return s.nextDatasetID, nil
}

func (t *fakeTx) CopyRecords(ctx context.Context, datasetID int64, records []domain.EquipmentRecord) (int64, error) {
	if t.parent.failCopyRecords {
		return 0, errors.New("copy failed")
	}
	s := t.state
	for _, rec := range records {
		s.nextRecordID++
		rec.ID = s.nextRecordID
		rec.DatasetID = datasetID
		s.records[datasetID] = append(s.records[datasetID], rec)
	}
	return int64(len(records)), nil
}

func (t *fakeTx) FinalizeDataset(ctx context.Context, id int64, rowCount int, summary domain.Summary) (domain.Dataset, error) {
	if t.parent.failFinalize {
		return domain.Dataset{}, errors.New("finalize failed")
	}
	s := t.state
	for i := range s.datasets {
		if s.datasets[i].ID == id {
			s.datasets[i].RowCount = rowCount
			s.datasets[i].Summary = summary
			return s.datasets[i], nil
		}
	}
	return domain.Dataset{}, repository.ErrNotFound
}

func (t *fakeTx) EvictBeyond(ctx context.Context, keep int) ([]repository.EvictedDataset, error) {
	s := t.state
	idx := s.sortedByRecency()
	if len(idx) <= keep {
		return nil, nil
	}

	victims := make(map[int64]bool)
	var evicted []repository.EvictedDataset
	for _, i := range idx[keep:] {
		ds := s.datasets[i]
		victims[ds.ID] = true
		evicted = append(evicted, repository.EvictedDataset{ID: ds.ID, BlobPath: ds.BlobPath})
		delete(s.records, ds.ID)
	}

	kept := s.datasets[:0]
	for _, ds := range s.datasets {
		if !victims[ds.ID] {
			kept = append(kept, ds)
		}
	}
	s.datasets = kept
	return evicted, nil
}

func (t *fakeTx) LatestDataset(ctx context.Context) (domain.Dataset, error) {
	s := t.state
	idx := s.sortedByRecency()
	if len(idx) == 0 {
		return domain.Dataset{}, repository.ErrNotFound
	}
	return s.datasets[idx[0]], nil
}

func (t *fakeTx) ListRecent(ctx context.Context, limit int) ([]domain.Dataset, error) {
	s := t.state
	out := []domain.Dataset{}
	for _, i := range s.sortedByRecency() {
		if len(out) >= limit {
			break
		}
		out = append(out, s.datasets[i])
	}
	return out, nil
}

func (t *fakeTx) GetDataset(ctx context.Context, id int64) (domain.Dataset, error) {
	for _, ds := range t.state.datasets {
		if ds.ID == id {
			return ds, nil
		}
	}
	return domain.Dataset{}, repository.ErrNotFound
}

func (t *fakeTx) ListRecords(ctx context.Context, datasetID int64, limit int) ([]domain.EquipmentRecord, error) {
	recs := append([]domain.EquipmentRecord(nil), t.state.records[datasetID]...)
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

// Non-transactional reads delegate to the live state.
func (f *fakeStore) view() *fakeTx { return &fakeTx{state: f.state, parent: f} }

func (f *fakeStore) CreateDataset(ctx context.Context, filename, blobPath string) (int64, error) {
	return f.view().CreateDataset(ctx, filename, blobPath)
}
func (f *fakeStore) CopyRecords(ctx context.Context, datasetID int64, records []domain.EquipmentRecord) (int64, error) {
	return f.view().CopyRecords(ctx, datasetID, records)
}
func (f *fakeStore) FinalizeDataset(ctx context.Context, id int64, rowCount int, summary domain.Summary) (domain.Dataset, error) {
	return f.view().FinalizeDataset(ctx, id, rowCount, summary)
}
func (f *fakeStore) EvictBeyond(ctx context.Context, keep int) ([]repository.EvictedDataset, error) {
	return f.view().EvictBeyond(ctx, keep)
}
func (f *fakeStore) LatestDataset(ctx context.Context) (domain.Dataset, error) {
	return f.view().LatestDataset(ctx)
}
func (f *fakeStore) ListRecent(ctx context.Context, limit int) ([]domain.Dataset, error) {
	return f.view().ListRecent(ctx, limit)
}
func (f *fakeStore) GetDataset(ctx context.Context, id int64) (domain.Dataset, error) {
	return f.view().GetDataset(ctx, id)
}
func (f *fakeStore) ListRecords(ctx context.Context, datasetID int64, limit int) ([]domain.EquipmentRecord, error) {
	return f.view().ListRecords(ctx, datasetID, limit)
}

type fakeBlobs struct {
	n          int
	saved      map[string][]byte
	deleted    []string
	failDelete bool
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{saved: make(map[string][]byte)}
}

func (b *fakeBlobs) Save(filename string, content []byte) (string, error) {
	b.n++
	name := fmt.Sprintf("blob-%d_%s", b.n, filename)
	b.saved[name] = content
	return name, nil
}

func (b *fakeBlobs) Delete(name string) error {
	if b.failDelete {
		return errors.New("disk error")
	}
	delete(b.saved, name)
	b.deleted = append(b.deleted, name)
	return nil
}

// ============================================================================
// Helpers
// ============================================================================

func mustParse(t *testing.T, csv string) *ingest.Result {
	t.Helper()
	res, err := ingest.Parse("plant.csv", []byte(csv))
	if err != nil {
		t.Fatalf("ingest.Parse() error = %v", err)
	}
	return res
}

const twoRowCSV = "Equipment Name,Type,Flowrate,Pressure,Temperature\n" +
	"Pump A,Pump,10.0,2.0,25.0\n" +
	"Valve B,Valve,5.0,1.0,30.0\n"

func uploadN(t *testing.T, svc *Service, n int) []domain.Dataset {
	t.Helper()
	out := make([]domain.Dataset, 0, n)
	for i := 0; i < n; i++ {
		ds, _, err := svc.Ingest(context.Background(),
			fmt.Sprintf("plant-%d.csv", i), []byte(twoRowCSV), mustParse(t, twoRowCSV))
		if err != nil {
			t.Fatalf("Ingest() #%d error = %v", i, err)
		}
		out = append(out, ds)
	}
	return out
}

// ============================================================================
// Tests
// ============================================================================

func TestIngestCommitsDataset(t *testing.T) {
	store := newFakeStore()
	blobs := newFakeBlobs()
	svc := NewService(store, blobs, DefaultMaxDatasets)

	res := mustParse(t, twoRowCSV)
	ds, soft, err := svc.Ingest(context.Background(), "plant.csv", []byte(twoRowCSV), res)
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if len(soft) != 0 {
		t.Errorf("soft failures = %v, want none", soft)
	}

	if ds.RowCount != 2 {
		t.Errorf("RowCount = %d, want 2", ds.RowCount)
	}
	if ds.Summary.AvgFlowrate != 7.5 || ds.Summary.AvgPressure != 1.5 || ds.Summary.AvgTemperature != 27.5 {
		t.Errorf("Summary = %+v", ds.Summary)
	}

	recs, err := store.ListRecords(context.Background(), ds.ID, 0)
	if err != nil {
		t.Fatalf("ListRecords() error = %v", err)
	}
	if len(recs) != ds.RowCount {
		t.Errorf("stored %d records, RowCount = %d", len(recs), ds.RowCount)
	}
	for _, r := range recs {
		if r.DatasetID != ds.ID {
			t.Errorf("record %d bound to dataset %d, want %d", r.ID, r.DatasetID, ds.ID)
		}
	}
	if len(blobs.saved) != 1 {
		t.Errorf("blob store holds %d blobs, want 1", len(blobs.saved))
	}
}

func TestRetentionEvictsOldest(t *testing.T) {
	store := newFakeStore()
	blobs := newFakeBlobs()
	svc := NewService(store, blobs, DefaultMaxDatasets)

	uploaded := uploadN(t, svc, DefaultMaxDatasets+1)

	remaining, err := store.ListRecent(context.Background(), 100)
	if err != nil {
		t.Fatalf("ListRecent() error = %v", err)
	}
	if len(remaining) != DefaultMaxDatasets {
		t.Fatalf("%d datasets remain, want %d", len(remaining), DefaultMaxDatasets)
	}

	oldest := uploaded[0]
	if _, err := store.GetDataset(context.Background(), oldest.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("oldest dataset still present, want evicted")
	}
	if recs, _ := store.ListRecords(context.Background(), oldest.ID, 0); len(recs) != 0 {
		t.Errorf("evicted dataset still has %d records", len(recs))
	}
	if len(blobs.deleted) != 1 || blobs.deleted[0] != oldest.BlobPath {
		t.Errorf("deleted blobs = %v, want [%s]", blobs.deleted, oldest.BlobPath)
	}

	// The newest dataset is never evicted by its own insertion.
	newest := uploaded[len(uploaded)-1]
	if remaining[0].ID != newest.ID {
		t.Errorf("most recent dataset = %d, want %d", remaining[0].ID, newest.ID)
	}
}

func TestRetentionWindowIsConfigurable(t *testing.T) {
	store := newFakeStore()
	blobs := newFakeBlobs()
	svc := NewService(store, blobs, 2)

	uploadN(t, svc, 4)

	remaining, _ := store.ListRecent(context.Background(), 100)
	if len(remaining) != 2 {
		t.Errorf("%d datasets remain, want 2", len(remaining))
	}
	if len(blobs.deleted) != 2 {
		t.Errorf("%d blobs deleted, want 2", len(blobs.deleted))
	}
}

func TestEvictionTieBrokenByIdentifier(t *testing.T) {
	store := newFakeStore()
	store.state.frozenClock = true // every dataset gets the same timestamp
	blobs := newFakeBlobs()
	svc := NewService(store, blobs, 2)

	uploaded := uploadN(t, svc, 3)

	if _, err := store.GetDataset(context.Background(), uploaded[0].ID); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("lowest-id dataset survived a timestamp tie, want it evicted first")
	}
	for _, ds := range uploaded[1:] {
		if _, err := store.GetDataset(context.Background(), ds.ID); err != nil {
			t.Errorf("dataset %d missing: %v", ds.ID, err)
		}
	}
}

func TestIngestRollsBackOnInsertFailure(t *testing.T) {
	store := newFakeStore()
	store.failCopyRecords = true
	blobs := newFakeBlobs()
	svc := NewService(store, blobs, DefaultMaxDatasets)

	_, _, err := svc.Ingest(context.Background(), "plant.csv", []byte(twoRowCSV), mustParse(t, twoRowCSV))
	if err == nil {
		t.Fatal("Ingest() error = nil, want failure")
	}

	if remaining, _ := store.ListRecent(context.Background(), 100); len(remaining) != 0 {
		t.Errorf("%d datasets survived a failed upload, want 0", len(remaining))
	}
	if len(blobs.saved) != 0 {
		t.Errorf("new blob survived a failed upload: %v", blobs.saved)
	}
}

func TestIngestRollsBackOnFinalizeFailure(t *testing.T) {
	store := newFakeStore()
	store.failFinalize = true
	blobs := newFakeBlobs()
	svc := NewService(store, blobs, DefaultMaxDatasets)

	_, _, err := svc.Ingest(context.Background(), "plant.csv", []byte(twoRowCSV), mustParse(t, twoRowCSV))
	if err == nil {
		t.Fatal("Ingest() error = nil, want failure")
	}
	if remaining, _ := store.ListRecent(context.Background(), 100); len(remaining) != 0 {
		t.Errorf("%d datasets survived a failed upload, want 0", len(remaining))
	}
}

func TestBlobDeleteFailureDoesNotAbortEviction(t *testing.T) {
	store := newFakeStore()
	blobs := newFakeBlobs()
	svc := NewService(store, blobs, 1)

	uploadN(t, svc, 1)
	blobs.failDelete = true

	_, soft, err := svc.Ingest(context.Background(), "next.csv", []byte(twoRowCSV), mustParse(t, twoRowCSV))
	if err != nil {
		t.Fatalf("Ingest() error = %v, blob delete failures must be soft", err)
	}
	if len(soft) != 1 {
		t.Fatalf("soft failures = %v, want exactly one", soft)
	}

	// The database record is still evicted even though its blob remains.
	remaining, _ := store.ListRecent(context.Background(), 100)
	if len(remaining) != 1 {
		t.Errorf("%d datasets remain, want 1", len(remaining))
	}
}

func TestLatestAndGet(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, newFakeBlobs(), DefaultMaxDatasets)

	uploaded := uploadN(t, svc, 2)

	latest, err := svc.Latest(context.Background())
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if latest.ID != uploaded[1].ID {
		t.Errorf("Latest() = dataset %d, want %d", latest.ID, uploaded[1].ID)
	}
	if len(latest.Records) != 2 {
		t.Errorf("Latest() loaded %d records, want 2", len(latest.Records))
	}

	limited, err := svc.Get(context.Background(), uploaded[0].ID, 1)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(limited.Records) != 1 {
		t.Errorf("Get() with limit 1 loaded %d records", len(limited.Records))
	}

	// Reads are idempotent without intervening writes.
	again, err := svc.Get(context.Background(), uploaded[0].ID, 1)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !reflect.DeepEqual(limited, again) {
		t.Errorf("two reads of dataset %d differ:\n%+v\n%+v", uploaded[0].ID, limited, again)
	}

	if _, err := svc.Get(context.Background(), 9999, 0); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("Get(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestLatestWithNoDatasets(t *testing.T) {
	svc := NewService(newFakeStore(), newFakeBlobs(), DefaultMaxDatasets)
	if _, err := svc.Latest(context.Background()); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("Latest() error = %v, want ErrNotFound", err)
	}
}

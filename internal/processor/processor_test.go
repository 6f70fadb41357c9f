package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/telemetryops/sensor-ingest/internal/metastore"
	"github.com/telemetryops/sensor-ingest/internal/objectstore"
	"github.com/telemetryops/sensor-ingest/internal/readings"
)

const validCSV = `sensor_id,timestamp,value
sensor-a,2025-10-01T08:00:00Z,19.87
sensor-b,2025-10-01T08:01:00Z,42.0
`

const mixedCSV = `sensor_id,timestamp,value
sensor-a,2025-10-01T08:00:00Z,19.87
sensor-a,2025-10-01T08:01:00Z,30.17
sensor-b,2025-10-01T08:02:00Z,42.0
,2025-10-01T08:03:00Z,1.0
sensor-c,not-a-date,5.0
`

func newTestStores(t *testing.T) (*objectstore.Store, *metastore.Table) {
	t.Helper()

	store, err := objectstore.New(context.Background(), objectstore.Config{Bucket: "uploads"})
	if err != nil {
		t.Fatalf("create object store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	table, err := metastore.New(metastore.Config{Table: "processing_results"})
	if err != nil {
		t.Fatalf("create metadata store: %v", err)
	}
	return store, table
}

func waitTerminal(t *testing.T, p *Processor, fileID string) *readings.Record {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := p.GetStatus(context.Background(), fileID)
		if err != nil {
			t.Fatalf("GetStatus failed: %v", err)
		}
		if rec.Status.Terminal() {
			return rec
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("file %s never reached a terminal status", fileID)
	return nil
}

func TestSubmitProcessesValidFile(t *testing.T) {
	store, table := newTestStores(t)
	p := New(store, table, Config{Workers: 2})
	p.Start()
	defer p.Close()

	fileID, err := p.Submit(context.Background(), []byte(validCSV), "readings.csv")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if fileID == "" {
		t.Fatal("Submit returned empty file ID")
	}

	rec := waitTerminal(t, p, fileID)
	if rec.Status != readings.StatusProcessed {
		t.Fatalf("status = %s, want processed (error: %s)", rec.Status, rec.ErrorMessage)
	}
	if len(rec.Errors) != 0 {
		t.Errorf("errors = %v, want none", rec.Errors)
	}
	if rec.Aggregates == nil || rec.Aggregates.RowCount != 2 {
		t.Errorf("aggregates = %+v, want row_count 2", rec.Aggregates)
	}
	if rec.ProcessedAt == nil || rec.ProcessingMS == nil {
		t.Error("terminal record must carry processed_at and processing_ms")
	}
	if rec.ErrorMessage != "" {
		t.Errorf("error_message = %q, want empty", rec.ErrorMessage)
	}
}

func TestSubmitMixedRows(t *testing.T) {
	store, table := newTestStores(t)
	p := New(store, table, Config{Workers: 1})
	p.Start()
	defer p.Close()

	fileID, err := p.Submit(context.Background(), []byte(mixedCSV), "mixed.csv")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	rec := waitTerminal(t, p, fileID)
	if rec.Status != readings.StatusPartial {
		t.Fatalf("status = %s, want partial", rec.Status)
	}
	if rec.Aggregates == nil {
		t.Fatal("partial record must carry aggregates")
	}

	// Accepted plus rejected covers every data row.
	total := rec.Aggregates.RowCount + int64(len(rec.Errors))
	if total != 5 {
		t.Errorf("row_count + errors = %d, want 5", total)
	}
}

func TestSubmitBadHeader(t *testing.T) {
	store, table := newTestStores(t)
	p := New(store, table, Config{Workers: 1})
	p.Start()
	defer p.Close()

	fileID, err := p.Submit(context.Background(), []byte("foo,bar\n1,2\n"), "bad.csv")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	rec := waitTerminal(t, p, fileID)
	if rec.Status != readings.StatusFailed {
		t.Fatalf("status = %s, want failed", rec.Status)
	}
	if rec.Aggregates != nil {
		t.Errorf("aggregates must be absent on failed, got %+v", rec.Aggregates)
	}
	if rec.ErrorMessage == "" {
		t.Error("failed record must carry an error message")
	}
}

func TestSubmitHeaderOnly(t *testing.T) {
	store, table := newTestStores(t)
	p := New(store, table, Config{Workers: 1})
	p.Start()
	defer p.Close()

	fileID, err := p.Submit(context.Background(), []byte("sensor_id,timestamp,value\n"), "empty.csv")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	rec := waitTerminal(t, p, fileID)
	if rec.Status != readings.StatusFailed {
		t.Fatalf("status = %s, want failed", rec.Status)
	}
	if rec.Aggregates != nil {
		t.Error("aggregates must be absent for a header-only file")
	}
	if rec.ErrorMessage == "" {
		t.Error("header-only failure must carry a descriptive message")
	}
}

func TestSubmitTwiceYieldsDistinctIDs(t *testing.T) {
	store, table := newTestStores(t)
	p := New(store, table, Config{Workers: 2})
	p.Start()
	defer p.Close()

	id1, err := p.Submit(context.Background(), []byte(validCSV), "same.csv")
	if err != nil {
		t.Fatalf("first Submit failed: %v", err)
	}
	id2, err := p.Submit(context.Background(), []byte(validCSV), "same.csv")
	if err != nil {
		t.Fatalf("second Submit failed: %v", err)
	}
	if id1 == id2 {
		t.Fatalf("expected distinct file IDs, both were %s", id1)
	}

	rec1 := waitTerminal(t, p, id1)
	rec2 := waitTerminal(t, p, id2)
	if rec1.Status != readings.StatusProcessed || rec2.Status != readings.StatusProcessed {
		t.Errorf("statuses = %s, %s, want processed for both", rec1.Status, rec2.Status)
	}
}

func TestTerminalResultIsStable(t *testing.T) {
	store, table := newTestStores(t)
	p := New(store, table, Config{Workers: 1})
	p.Start()
	defer p.Close()

	fileID, err := p.Submit(context.Background(), []byte(validCSV), "stable.csv")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	waitTerminal(t, p, fileID)

	first, err := p.GetStatus(context.Background(), fileID)
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	second, err := p.GetStatus(context.Background(), fileID)
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if string(a) != string(b) {
		t.Errorf("repeated GetStatus after terminal differs:\n%s\n%s", a, b)
	}
}

func TestGetStatusUnknown(t *testing.T) {
	store, table := newTestStores(t)
	p := New(store, table, Config{Workers: 1})

	_, err := p.GetStatus(context.Background(), "nope")
	if !errors.Is(err, metastore.ErrNotFound) {
		t.Errorf("GetStatus on unknown ID = %v, want ErrNotFound", err)
	}
}

func TestSubmitBusyWhenQueueFull(t *testing.T) {
	store, table := newTestStores(t)
	// Workers never started, so nothing drains the queue.
	p := New(store, table, Config{Workers: 1, QueueSize: 1})

	if _, err := p.Submit(context.Background(), []byte(validCSV), "first.csv"); err != nil {
		t.Fatalf("first Submit failed: %v", err)
	}

	_, err := p.Submit(context.Background(), []byte(validCSV), "second.csv")
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("second Submit = %v, want ErrBusy", err)
	}
}

func TestSubmitAfterClose(t *testing.T) {
	store, table := newTestStores(t)
	p := New(store, table, Config{Workers: 1})
	p.Start()
	p.Close()

	_, err := p.Submit(context.Background(), []byte(validCSV), "late.csv")
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("Submit after Close = %v, want ErrClosed", err)
	}

	// The rejected upload must leave nothing behind.
	all, scanErr := table.Scan(context.Background())
	if scanErr != nil {
		t.Fatalf("Scan failed: %v", scanErr)
	}
	if len(all) != 0 {
		t.Errorf("metadata store holds %d records after rejected upload, want 0", len(all))
	}
}

func TestFallbackRecordNeverFabricatesUploadedAt(t *testing.T) {
	store, table := newTestStores(t)
	p := New(store, table, Config{Workers: 1})

	ctx := context.Background()
	// The object exists but its metadata record is missing, so the worker
	// must fall back to a fresh record.
	if err := store.Put(ctx, objectKey("ghost"), []byte(validCSV)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	p.process(0, job{fileID: "ghost", key: objectKey("ghost")})

	rec, err := table.GetItem(ctx, "ghost")
	if err != nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	if rec.Status != readings.StatusProcessed {
		t.Fatalf("status = %s, want processed", rec.Status)
	}
	if !rec.UploadedAt.IsZero() {
		t.Errorf("uploaded_at = %v, must stay zero when the original record is unavailable", rec.UploadedAt)
	}
}

// recordingTable wraps a MetaStore and records every status written for
// one file ID.
type recordingTable struct {
	MetaStore
	mu       sync.Mutex
	fileID   string
	statuses []readings.Status
}

func (r *recordingTable) PutItem(ctx context.Context, rec *readings.Record) error {
	r.mu.Lock()
	if r.fileID == "" || rec.FileID == r.fileID {
		r.fileID = rec.FileID
		r.statuses = append(r.statuses, rec.Status)
	}
	r.mu.Unlock()
	return r.MetaStore.PutItem(ctx, rec)
}

func (r *recordingTable) seen() []readings.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]readings.Status, len(r.statuses))
	copy(out, r.statuses)
	return out
}

func TestStatusTransitionOrder(t *testing.T) {
	store, table := newTestStores(t)
	recording := &recordingTable{MetaStore: table}

	p := New(store, recording, Config{Workers: 1})
	p.Start()
	defer p.Close()

	fileID, err := p.Submit(context.Background(), []byte(validCSV), "order.csv")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	waitTerminal(t, p, fileID)

	statuses := recording.seen()
	want := []readings.Status{
		readings.StatusUploaded,
		readings.StatusProcessing,
		readings.StatusProcessed,
	}
	if len(statuses) != len(want) {
		t.Fatalf("status writes = %v, want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("status writes = %v, want %v", statuses, want)
		}
	}
}

// failingStore returns errors from Get to exercise the storage failure
// path.
type failingStore struct {
	ObjectStore
}

func (f *failingStore) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, fmt.Errorf("disk on fire")
}

func TestStorageReadFailureProducesFailedRecord(t *testing.T) {
	store, table := newTestStores(t)
	p := New(&failingStore{ObjectStore: store}, table, Config{Workers: 1})
	p.Start()
	defer p.Close()

	fileID, err := p.Submit(context.Background(), []byte(validCSV), "doomed.csv")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	rec := waitTerminal(t, p, fileID)
	if rec.Status != readings.StatusFailed {
		t.Fatalf("status = %s, want failed", rec.Status)
	}
	if rec.ErrorMessage == "" {
		t.Error("storage failure must surface in error_message")
	}
}

// brokenPutStore fails every Put so Submit rejects the upload.
type brokenPutStore struct {
	ObjectStore
}

func (b *brokenPutStore) Put(ctx context.Context, key string, data []byte) error {
	return fmt.Errorf("no space left")
}

func TestSubmitStorageWriteFailure(t *testing.T) {
	store, table := newTestStores(t)
	p := New(&brokenPutStore{ObjectStore: store}, table, Config{Workers: 1})

	_, err := p.Submit(context.Background(), []byte(validCSV), "reject.csv")
	if err == nil {
		t.Fatal("Submit should fail when the object store write fails")
	}

	// No metadata record may exist for a rejected upload.
	all, scanErr := table.Scan(context.Background())
	if scanErr != nil {
		t.Fatalf("Scan failed: %v", scanErr)
	}
	if len(all) != 0 {
		t.Errorf("metadata store holds %d records after rejected upload, want 0", len(all))
	}
}

func TestHealth(t *testing.T) {
	store, table := newTestStores(t)
	p := New(store, table, Config{Workers: 1})

	if err := p.Health(context.Background()); err != nil {
		t.Errorf("Health failed: %v", err)
	}
}

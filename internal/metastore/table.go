// Package metastore keeps per-file processing records. The in-memory map
// is the source of truth; when a persistence path is configured the full
// table is written through to a single JSON file after every mutation,
// using a temp-file-then-rename so a torn write never corrupts the
// previously durable snapshot.
package metastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/telemetryops/sensor-ingest/internal/readings"
)

// ErrNotFound is returned by GetItem when no record exists for the key.
var ErrNotFound = errors.New("item not found")

// Config configures the table.
type Config struct {
	Table string
	// Path enables snapshot persistence when non-empty.
	Path string
}

// snapshot is the on-disk representation of the table.
type snapshot struct {
	Table     string                      `json:"table"`
	UpdatedAt time.Time                   `json:"updated_at"`
	Items     map[string]*readings.Record `json:"items"`
}

// Table is a key-value store of processing records keyed by file ID.
type Table struct {
	cfg   Config
	mu    sync.RWMutex
	items map[string]*readings.Record
}

// New creates a table. When cfg.Path points at an existing snapshot the
// table is loaded from it.
func New(cfg Config) (*Table, error) {
	if cfg.Table == "" {
		return nil, fmt.Errorf("table name must not be empty")
	}

	t := &Table{
		cfg:   cfg,
		items: make(map[string]*readings.Record),
	}

	if cfg.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
			return nil, fmt.Errorf("create snapshot directory: %w", err)
		}
		if err := t.load(); err != nil {
			return nil, err
		}
	}

	return t, nil
}

// Name returns the configured table name.
func (t *Table) Name() string {
	return t.cfg.Table
}

// PutItem inserts or fully replaces the record keyed by its file ID.
func (t *Table) PutItem(ctx context.Context, rec *readings.Record) error {
	if rec.FileID == "" {
		return fmt.Errorf("record has no file ID")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Deep copy so callers cannot mutate the stored record afterwards,
	// not even through the aggregates pointer or the errors slice.
	t.items[rec.FileID] = rec.Clone()

	if t.cfg.Path != "" {
		if err := t.persistLocked(); err != nil {
			return fmt.Errorf("persist table %s: %w", t.cfg.Table, err)
		}
	}
	return nil
}

// GetItem returns the record for the key, or ErrNotFound.
func (t *Table) GetItem(ctx context.Context, key string) (*readings.Record, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.items[key]
	if !ok {
		return nil, fmt.Errorf("item %s: %w", key, ErrNotFound)
	}
	return rec.Clone(), nil
}

// Scan returns all records ordered by file ID. Diagnostics only, not on
// the hot path.
func (t *Table) Scan(ctx context.Context) ([]*readings.Record, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*readings.Record, 0, len(t.items))
	for _, rec := range t.items {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileID < out[j].FileID })
	return out, nil
}

// Health verifies the table is usable.
func (t *Table) Health(ctx context.Context) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.items == nil {
		return fmt.Errorf("table %s not initialized", t.cfg.Table)
	}
	if t.cfg.Path != "" {
		if _, err := os.Stat(filepath.Dir(t.cfg.Path)); err != nil {
			return fmt.Errorf("snapshot directory: %w", err)
		}
	}
	return nil
}

// persistLocked writes the full table to the snapshot file. Callers must
// hold the write lock.
func (t *Table) persistLocked() error {
	snap := snapshot{
		Table:     t.cfg.Table,
		UpdatedAt: time.Now().UTC(),
		Items:     t.items,
	}

	data, err := json.MarshalIndent(&snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tempPath := t.cfg.Path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write snapshot temp file: %w", err)
	}

	if err := os.Rename(tempPath, t.cfg.Path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename snapshot file: %w", err)
	}

	return nil
}

// load reads the snapshot file if it exists.
func (t *Table) load() error {
	data, err := os.ReadFile(t.cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read snapshot file: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse snapshot file: %w", err)
	}
	if snap.Items != nil {
		t.items = snap.Items
	}
	return nil
}

package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/HumanChan/web-loader/internal/types"
)

// IndexFileName is the session-scoped persisted index.
const IndexFileName = "index.json"

// DefaultPersistDebounce coalesces bursts of record updates.
const DefaultPersistDebounce = 300 * time.Millisecond

// Index is the mutable record store of the active session. Records keep
// their insertion order so exports are stable.
type Index struct {
	path     string
	debounce time.Duration

	mu      sync.RWMutex
	order   []string
	records map[string]*types.ResourceRecord

	// persistMu keeps exactly one writer on the index file.
	persistMu sync.Mutex

	timerMu sync.Mutex
	pending bool
	timer   *time.Timer
}

// NewIndex creates an empty index persisted to <dir>/index.json.
func NewIndex(dir string, debounce time.Duration) *Index {
	if debounce <= 0 {
		debounce = DefaultPersistDebounce
	}
	return &Index{
		path:     filepath.Join(dir, IndexFileName),
		debounce: debounce,
		records:  make(map[string]*types.ResourceRecord),
	}
}

// Path is the index file location.
func (ix *Index) Path() string {
	return ix.path
}

// Upsert inserts rec or replaces the record with the same id. A replacement
// never moves the state backwards; a regressing state is kept at its old value.
func (ix *Index) Upsert(rec types.ResourceRecord) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if cur, ok := ix.records[rec.ID]; ok {
		if !cur.State.CanTransition(rec.State) {
			slog.Debug("index state regression ignored", "id", rec.ID, "from", cur.State, "to", rec.State)
			rec.State = cur.State
		}
		*cur = rec
		return
	}
	r := rec
	ix.records[rec.ID] = &r
	ix.order = append(ix.order, rec.ID)
}

// Update applies fn to the stored record with id. It reports false when the
// id is unknown. State regressions made by fn are reverted.
func (ix *Index) Update(id string, fn func(*types.ResourceRecord)) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	cur, ok := ix.records[id]
	if !ok {
		return false
	}
	next := *cur
	fn(&next)
	next.ID = cur.ID
	if !cur.State.CanTransition(next.State) {
		next.State = cur.State
	}
	*cur = next
	return true
}

// Get returns a copy of the record with id.
func (ix *Index) Get(id string) (types.ResourceRecord, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	rec, ok := ix.records[id]
	if !ok {
		return types.ResourceRecord{}, false
	}
	return *rec, true
}

// Len returns the number of records.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.order)
}

// Snapshot returns copies of all records in insertion order.
func (ix *Index) Snapshot() []types.ResourceRecord {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]types.ResourceRecord, 0, len(ix.order))
	for _, id := range ix.order {
		out = append(out, *ix.records[id])
	}
	return out
}

// Persist writes the full snapshot to the index file.
func (ix *Index) Persist() error {
	ix.persistMu.Lock()
	defer ix.persistMu.Unlock()
	return WriteIndexFile(ix.path, ix.Snapshot())
}

// SchedulePersist arms a single debounced Persist. While a write is pending
// further calls are no-ops. Persist errors are logged and dropped.
func (ix *Index) SchedulePersist() {
	ix.timerMu.Lock()
	defer ix.timerMu.Unlock()
	if ix.pending {
		return
	}
	ix.pending = true
	ix.timer = time.AfterFunc(ix.debounce, func() {
		ix.timerMu.Lock()
		ix.pending = false
		ix.timer = nil
		ix.timerMu.Unlock()
		if err := ix.Persist(); err != nil {
			slog.Warn("index persist failed", "path", ix.path, "error", err)
		}
	})
}

// Flush cancels any pending debounced write and persists synchronously.
func (ix *Index) Flush() error {
	ix.timerMu.Lock()
	if ix.timer != nil {
		ix.timer.Stop()
		ix.timer = nil
	}
	ix.pending = false
	ix.timerMu.Unlock()
	return ix.Persist()
}

// WriteIndexFile writes records as a JSON array using write-then-rename so a
// crash never leaves a truncated index behind.
func WriteIndexFile(path string, records []types.ResourceRecord) error {
	if records == nil {
		records = []types.ResourceRecord{}
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("index: mkdir %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("index: marshal: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".index-*.json.tmp")
	if err != nil {
		return fmt.Errorf("index: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("index: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("index: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("index: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("index: rename: %w", err)
	}
	return nil
}

// ReadIndexFile loads a persisted index. A missing file yields no records.
func ReadIndexFile(path string) ([]types.ResourceRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []types.ResourceRecord{}, nil
		}
		return nil, fmt.Errorf("index: read %s: %w", path, err)
	}
	var records []types.ResourceRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("index: unmarshal %s: %w", path, err)
	}
	if records == nil {
		records = []types.ResourceRecord{}
	}
	return records, nil
}

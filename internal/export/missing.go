package export

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/HumanChan/web-loader/internal/types"
)

// MissingLogFileName is written into the session directory after each run.
const MissingLogFileName = "missing-items.jsonl"

// Reason classifies why a record produced no output file.
type Reason string

const (
	ReasonNoSource         Reason = "no_source"
	ReasonFetchFailed      Reason = "fetch_failed"
	ReasonCopyFailed       Reason = "copy_failed"
	ReasonPanic            Reason = "panic"
	ReasonCompanionMissing Reason = "companion_missing"
)

// MissingItem is one line of the missing-items log.
type MissingItem struct {
	ID           string             `json:"id"`
	URL          string             `json:"url"`
	Type         types.ResourceType `json:"type"`
	RelativePath string             `json:"relativePath"`
	Reason       Reason             `json:"reason"`
	Error        string             `json:"error,omitempty"`
}

func missingFor(rec types.ResourceRecord, reason Reason, err error) MissingItem {
	item := MissingItem{
		ID:           rec.ID,
		URL:          rec.URL,
		Type:         rec.Type,
		RelativePath: rec.Normalized.RelativePathFromRoot,
		Reason:       reason,
	}
	if err != nil {
		item.Error = err.Error()
	}
	return item
}

// writeMissingLog replaces path with one JSON object per item. An empty
// run still produces an empty file so readers can tell the run happened.
func writeMissingLog(path string, items []MissingItem) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("missing log: mkdir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("missing log: create: %w", err)
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, item := range items {
		if err := enc.Encode(item); err != nil {
			f.Close()
			return fmt.Errorf("missing log: encode: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("missing log: flush: %w", err)
	}
	return f.Close()
}

// ReadMissingLog loads a missing-items log.
func ReadMissingLog(path string) ([]MissingItem, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("missing log: open: %w", err)
	}
	defer f.Close()

	var items []MissingItem
	dec := json.NewDecoder(f)
	for dec.More() {
		var item MissingItem
		if err := dec.Decode(&item); err != nil {
			return nil, fmt.Errorf("missing log: decode: %w", err)
		}
		items = append(items, item)
	}
	return items, nil
}

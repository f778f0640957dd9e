package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// JournalFileName is the per-session capture journal.
const JournalFileName = "journal.jsonl"

// JSONLWriter appends JSON lines to a size-rotated file from a background
// goroutine. Write never blocks the caller.
type JSONLWriter struct {
	path    string
	writeCh chan any
	done    chan struct{}
	wg      sync.WaitGroup

	mu     sync.Mutex
	logger *lumberjack.Logger
	closed bool
}

// NewJSONLWriter opens an async writer on path. maxSizeMB bounds each file
// before lumberjack rotates it.
func NewJSONLWriter(path string, bufferSize, maxSizeMB int) (*JSONLWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("jsonl: mkdir: %w", err)
	}
	if bufferSize <= 0 {
		bufferSize = 256
	}
	w := &JSONLWriter{
		path:    path,
		writeCh: make(chan any, bufferSize),
		done:    make(chan struct{}),
		logger: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: 10,
			Compress:   false,
			LocalTime:  false,
		},
	}

	w.wg.Add(1)
	go w.writeLoop()

	return w, nil
}

// Path returns the active file.
func (w *JSONLWriter) Path() string {
	return w.path
}

// Write queues a record for async writing.
func (w *JSONLWriter) Write(record any) error {
	select {
	case <-w.done:
		return fmt.Errorf("writer is closed")
	default:
	}
	select {
	case w.writeCh <- record:
		return nil
	default:
		slog.Warn("jsonl write buffer full, dropping record", "path", w.path)
		return fmt.Errorf("buffer full")
	}
}

// Close stops the writer and flushes queued records.
func (w *JSONLWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.done)
	w.wg.Wait()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case record := <-w.writeCh:
			w.writeRecord(record)
		case <-timeout:
			slog.Warn("jsonl writer close timeout, some records may be lost", "path", w.path)
			return w.logger.Close()
		default:
			return w.logger.Close()
		}
	}
}

func (w *JSONLWriter) writeLoop() {
	defer w.wg.Done()

	for {
		select {
		case record := <-w.writeCh:
			w.writeRecord(record)
		case <-w.done:
			return
		}
	}
}

func (w *JSONLWriter) writeRecord(record any) {
	data, err := json.Marshal(record)
	if err != nil {
		slog.Error("jsonl marshal failed", "error", err, "path", w.path)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.logger.Write(append(data, '\n')); err != nil {
		slog.Error("jsonl write failed", "error", err, "path", w.path)
	}
}

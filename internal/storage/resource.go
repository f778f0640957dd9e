package storage

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// FileStore holds raw captured bytes for one session under
// <sessionTempDir>/files/raw/<id><ext>.
type FileStore struct {
	rawDir string
}

// NewFileStore returns the file store rooted at a session temp directory.
func NewFileStore(sessionTempDir string) *FileStore {
	return &FileStore{rawDir: filepath.Join(sessionTempDir, "files", "raw")}
}

// RawDir is the directory holding captured bytes.
func (s *FileStore) RawDir() string {
	return s.rawDir
}

// PathFor returns the capture path for a record id and extension.
func (s *FileStore) PathFor(id, ext string) string {
	return filepath.Join(s.rawDir, id+ext)
}

// WriteRaw saves bytes captured inline for a record and returns the path.
func (s *FileStore) WriteRaw(id, ext string, data []byte) (string, error) {
	if err := os.MkdirAll(s.rawDir, 0o755); err != nil {
		return "", fmt.Errorf("file store: mkdir: %w", err)
	}
	path := s.PathFor(id, ext)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("file store: write %s: %w", path, err)
	}
	slog.Debug("resource file written", "path", path, "size", len(data))
	return path, nil
}

// WriteStream copies r into the capture path for id, calling onChunk with the
// running byte count after every chunk. A zero-byte or failed stream leaves
// no file behind.
func (s *FileStore) WriteStream(id, ext string, r io.Reader, onChunk func(total int64)) (string, int64, error) {
	if err := os.MkdirAll(s.rawDir, 0o755); err != nil {
		return "", 0, fmt.Errorf("file store: mkdir: %w", err)
	}
	path := s.PathFor(id, ext)
	f, err := os.Create(path)
	if err != nil {
		return "", 0, fmt.Errorf("file store: create %s: %w", path, err)
	}

	var total int64
	buf := make([]byte, 32*1024)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				_ = os.Remove(path)
				return "", total, fmt.Errorf("file store: write %s: %w", path, werr)
			}
			total += int64(n)
			if onChunk != nil {
				onChunk(total)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			f.Close()
			_ = os.Remove(path)
			return "", total, fmt.Errorf("file store: read body: %w", rerr)
		}
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", total, fmt.Errorf("file store: close %s: %w", path, err)
	}
	if total == 0 {
		_ = os.Remove(path)
		return "", 0, nil
	}
	return path, total, nil
}

// Probe looks for previously captured bytes named by id with any of exts.
func (s *FileStore) Probe(id string, exts ...string) (string, bool) {
	for _, ext := range exts {
		path := s.PathFor(id, ext)
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			return path, true
		}
	}
	return "", false
}

// FileSize returns the on-disk size of path, or -1 when it cannot be read.
func FileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return -1
	}
	return info.Size()
}

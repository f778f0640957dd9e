package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/HumanChan/web-loader/internal/types"
)

// MetaFileName holds the CaptureSession inside each session directory.
const MetaFileName = "session.json"

var idRe = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

var (
	// ErrNotFound is returned for unknown session ids.
	ErrNotFound  = errors.New("session not found")
	// ErrInvalidID rejects ids that are not session UUIDs.
	ErrInvalidID = errors.New("invalid session id")
)

// Store manages session directories under one root.
type Store struct {
	dir string
	mu  sync.RWMutex
}

// NewStore creates a Store and ensures the directory exists.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("session store: mkdir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Dir is the root holding every session directory.
func (s *Store) Dir() string {
	return s.dir
}

func validateID(id string) error {
	if !idRe.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// SessionDir is the temp directory for id.
func (s *Store) SessionDir(id string) string {
	return filepath.Join(s.dir, id)
}

// Create makes the directory for info and writes its metadata.
func (s *Store) Create(info types.CaptureSession) error {
	if err := validateID(info.SessionID); err != nil {
		return err
	}
	if err := os.MkdirAll(s.SessionDir(info.SessionID), 0o755); err != nil {
		return fmt.Errorf("session store: mkdir: %w", err)
	}
	return s.Save(info)
}

// Save rewrites the metadata sidecar for info.
func (s *Store) Save(info types.CaptureSession) error {
	if err := validateID(info.SessionID); err != nil {
		return err
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("session store: marshal meta: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.WriteFile(filepath.Join(s.SessionDir(info.SessionID), MetaFileName), data, 0o644); err != nil {
		return fmt.Errorf("session store: write meta: %w", err)
	}
	return nil
}

// Get reads session metadata by id.
func (s *Store) Get(id string) (types.CaptureSession, error) {
	if err := validateID(id); err != nil {
		return types.CaptureSession{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return readMeta(filepath.Join(s.SessionDir(id), MetaFileName))
}

// List returns all sessions, newest first. Directories without readable
// metadata are skipped.
func (s *Store) List() ([]types.CaptureSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches, err := filepath.Glob(filepath.Join(s.dir, "*", MetaFileName))
	if err != nil {
		return nil, fmt.Errorf("session store: glob: %w", err)
	}
	out := make([]types.CaptureSession, 0, len(matches))
	for _, path := range matches {
		meta, err := readMeta(path)
		if err != nil {
			continue
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt > out[j].StartedAt
	})
	return out, nil
}

// Delete removes the session directory and everything in it.
func (s *Store) Delete(id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.SessionDir(id)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("session store: remove %s: %w", id, err)
	}
	return nil
}

func readMeta(path string) (types.CaptureSession, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.CaptureSession{}, fmt.Errorf("%w: %s", ErrNotFound, filepath.Base(filepath.Dir(path)))
		}
		return types.CaptureSession{}, fmt.Errorf("session store: read meta: %w", err)
	}
	var meta types.CaptureSession
	if err := json.Unmarshal(data, &meta); err != nil {
		return types.CaptureSession{}, fmt.Errorf("session store: unmarshal meta: %w", err)
	}
	return meta, nil
}

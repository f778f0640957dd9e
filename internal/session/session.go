package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/HumanChan/web-loader/internal/capture"
	"github.com/HumanChan/web-loader/internal/download"
	"github.com/HumanChan/web-loader/internal/storage"
	"github.com/HumanChan/web-loader/internal/types"
)

// Session is one capture run and the components serving it.
type Session struct {
	store   *Store
	target  Target
	index   *storage.Index
	files   *storage.FileStore
	queue   *download.Queue
	orch    *capture.Orchestrator
	journal *storage.JSONLWriter

	mu       sync.Mutex
	info     types.CaptureSession
	resumeTo types.SessionState
	done     bool
}

// Status is a point-in-time view of a session for status endpoints.
type Status struct {
	Session types.CaptureSession `json:"session"`
	Capture capture.Stats        `json:"capture"`
	Queue   download.Stats       `json:"queue"`
	Records int                  `json:"records"`
	Stopped bool                 `json:"stopped"`
}

// ID is the session id.
func (s *Session) ID() string {
	return s.info.SessionID
}

// Dir is the session temp directory.
func (s *Session) Dir() string {
	return s.info.TempDir
}

// Info returns a copy of the session metadata.
func (s *Session) Info() types.CaptureSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// State is the current lifecycle state.
func (s *Session) State() types.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info.State
}

func (s *Session) stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Index is the live record store.
func (s *Session) Index() *storage.Index {
	return s.index
}

// Status reports counters for the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	info, done := s.info, s.done
	s.mu.Unlock()
	return Status{
		Session: info,
		Capture: s.orch.Stats(),
		Queue:   s.queue.Stats(),
		Records: s.index.Len(),
		Stopped: done,
	}
}

// Fetcher is the partition-bound fetcher, or nil once the session stopped.
func (s *Session) Fetcher() download.Fetcher {
	if s.stopped() {
		return nil
	}
	return s.target.Fetcher()
}

// BeginExport marks the session exporting. It fails with ErrBusy when an
// export is already running.
func (s *Session) BeginExport() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.info.State == types.SessionExporting {
		return ErrBusy
	}
	s.resumeTo = s.info.State
	s.setStateLocked(types.SessionExporting)
	return nil
}

// EndExport restores the state held before BeginExport.
func (s *Session) EndExport() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.info.State != types.SessionExporting {
		return
	}
	s.setStateLocked(s.resumeTo)
}

// ApplyExport merges export results into the live index and persists it.
func (s *Session) ApplyExport(records []types.ResourceRecord) error {
	for _, r := range records {
		if r.FinalFilePath == "" {
			continue
		}
		size, final := r.SizeOnDisk, r.FinalFilePath
		s.index.Update(r.ID, func(cur *types.ResourceRecord) {
			cur.SizeOnDisk = size
			cur.FinalFilePath = final
		})
	}
	return s.index.Flush()
}

func (s *Session) pause() (types.CaptureSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.done:
		return s.info, ErrNoSession
	case s.info.State == types.SessionExporting:
		return s.info, ErrBusy
	}
	s.orch.Pause()
	s.setStateLocked(types.SessionPaused)
	return s.info, nil
}

func (s *Session) resume() (types.CaptureSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.done:
		return s.info, ErrNoSession
	case s.info.State == types.SessionExporting:
		return s.info, ErrBusy
	}
	s.orch.Resume()
	s.setStateLocked(types.SessionCapturing)
	return s.info, nil
}

// shutdown stops capture, drains downloads for at most drain, then
// releases the queue, journal, and browsing partition. It is idempotent.
func (s *Session) shutdown(ctx context.Context, drain time.Duration) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.mu.Unlock()

	if s.orch != nil {
		if err := s.orch.Stop(ctx); err != nil && !errors.Is(err, capture.ErrNotRunning) {
			slog.Warn("capture stop failed", "session_id", s.ID(), "error", err)
		}
	}
	if s.queue != nil {
		if drain > 0 {
			drainCtx, cancel := context.WithTimeout(ctx, drain)
			if err := s.queue.Wait(drainCtx); err != nil {
				slog.Warn("download queue not drained", "session_id", s.ID(), "stats", s.queue.Stats(), "error", err)
			}
			cancel()
		}
		s.queue.Close()
	}
	if err := s.index.Flush(); err != nil {
		slog.Warn("final index write failed", "session_id", s.ID(), "error", err)
	}
	if s.journal != nil {
		_ = s.journal.Close()
	}
	s.target.Close()

	s.mu.Lock()
	s.setStateLocked(types.SessionIdle)
	s.mu.Unlock()
	slog.Info("capture session stopped", "session_id", s.ID(), "records", s.index.Len())
}

func (s *Session) setStateLocked(state types.SessionState) {
	s.info.State = state
	if err := s.store.Save(s.info); err != nil {
		slog.Debug("session meta write failed", "session_id", s.info.SessionID, "error", err)
	}
}

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/HumanChan/web-loader/internal/capture"
	"github.com/HumanChan/web-loader/internal/cdp"
	"github.com/HumanChan/web-loader/internal/download"
	"github.com/HumanChan/web-loader/internal/storage"
	"github.com/HumanChan/web-loader/internal/types"
)

const (
	// DefaultDrainTimeout bounds how long Stop waits for queued downloads.
	DefaultDrainTimeout = 10 * time.Second

	partitionPrefix   = "webloader-"
	journalBufferSize = 1024
	journalMaxSizeMB  = 50
)

var (
	ErrNoSession  = errors.New("no active session")
	ErrBusy       = errors.New("session is exporting")
	ErrActive     = errors.New("session is active")
	ErrInvalidURL = errors.New("url must be absolute http or https")
)

// Target is one isolated browsing partition.
type Target interface {
	capture.Source
	Navigate(ctx context.Context, rawURL string) error
	Fetcher() download.Fetcher
	Close()
}

// Host opens isolated browsing partitions.
type Host interface {
	OpenTarget(partition string) (Target, error)
}

// BrowserHost adapts a chromedp connection to Host.
type BrowserHost struct {
	Browser *cdp.Browser
	Options cdp.TargetOptions
}

// OpenTarget opens a fresh browser context for partition.
func (h BrowserHost) OpenTarget(partition string) (Target, error) {
	t, err := h.Browser.OpenTarget(partition, h.Options)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Options configures the sessions a Manager creates.
type Options struct {
	MaxConcurrent   int
	FetchTimeout    time.Duration
	PersistDebounce time.Duration
	RescanInterval  time.Duration
	DrainTimeout    time.Duration
	HostRPS         float64
	ExpandPlaylists bool
	Filter          capture.Filter
	// Journal enables the per-session journal.jsonl.
	Journal bool
}

// Manager owns the single active capture session.
type Manager struct {
	host  Host
	store *Store
	opts  Options

	// navMu serializes session replacement; mu guards active only.
	navMu  sync.Mutex
	mu     sync.Mutex
	active *Session
}

// NewManager returns a manager creating sessions under store.
func NewManager(host Host, store *Store, opts Options) *Manager {
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}
	return &Manager{host: host, store: store, opts: opts}
}

// SetMaxConcurrent changes the download concurrency of sessions started
// after the call.
func (m *Manager) SetMaxConcurrent(n int) {
	if n < 1 {
		n = 1
	}
	m.mu.Lock()
	m.opts.MaxConcurrent = n
	m.mu.Unlock()
}

// Store is the session directory store.
func (m *Manager) Store() *Store {
	return m.store
}

// Navigate tears down the current session, starts a new one, and loads
// rawURL in its partition. A navigation failure is logged; capture keeps
// running for whatever the page did load.
func (m *Manager) Navigate(ctx context.Context, rawURL string) (types.CaptureSession, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return types.CaptureSession{}, fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}

	s, err := m.replace(ctx, rawURL)
	if err != nil {
		return types.CaptureSession{}, err
	}

	// The page load runs without m.mu held.
	if err := s.target.Navigate(ctx, rawURL); err != nil {
		slog.Warn("navigation incomplete", "session_id", s.ID(), "url", rawURL, "error", err)
	}
	return s.Info(), nil
}

// replace shuts down the active session and installs a new one for rawURL.
func (m *Manager) replace(ctx context.Context, rawURL string) (*Session, error) {
	m.navMu.Lock()
	defer m.navMu.Unlock()

	m.mu.Lock()
	prev := m.active
	if prev != nil && prev.State() == types.SessionExporting {
		m.mu.Unlock()
		return nil, ErrBusy
	}
	m.active = nil
	opts := m.opts
	m.mu.Unlock()

	if prev != nil {
		prev.shutdown(ctx, opts.DrainTimeout)
	}

	s, err := m.open(rawURL, opts)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.active = s
	m.mu.Unlock()
	return s, nil
}

func (m *Manager) open(rawURL string, opts Options) (*Session, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("session: new id: %w", err)
	}
	info := types.CaptureSession{
		SessionID: id.String(),
		Partition: partitionPrefix + id.String(),
		TempDir:   m.store.SessionDir(id.String()),
		StartedAt: time.Now().UnixMilli(),
		State:     types.SessionCapturing,
		URL:       rawURL,
	}
	if err := m.store.Create(info); err != nil {
		return nil, err
	}

	target, err := m.host.OpenTarget(info.Partition)
	if err != nil {
		_ = os.RemoveAll(info.TempDir)
		return nil, fmt.Errorf("session: open target: %w", err)
	}

	s := &Session{
		info:   info,
		store:  m.store,
		target: target,
		index:  storage.NewIndex(info.TempDir, opts.PersistDebounce),
		files:  storage.NewFileStore(info.TempDir),
	}
	if opts.Journal {
		j, err := storage.NewJSONLWriter(filepath.Join(info.TempDir, storage.JournalFileName), journalBufferSize, journalMaxSizeMB)
		if err != nil {
			slog.Warn("session journal unavailable", "session_id", info.SessionID, "error", err)
		} else {
			s.journal = j
		}
	}

	qopts := download.Options{
		MaxConcurrent: opts.MaxConcurrent,
		FetchTimeout:  opts.FetchTimeout,
		HostRPS:       opts.HostRPS,
	}
	if opts.ExpandPlaylists {
		qopts.OnPlaylist = func(parent types.ResourceRecord, entries []download.PlaylistEntry) {
			if o := s.orch; o != nil {
				o.ObservePlaylist(parent, entries)
			}
		}
	}
	s.queue = download.NewQueue(context.Background(), s.index, s.files, target.Fetcher(), qopts)
	s.orch = capture.NewOrchestrator(target, s.index, s.files, s.queue, capture.Options{
		RescanInterval: opts.RescanInterval,
		Filter:         opts.Filter,
		Journal:        s.journal,
	})
	if err := s.orch.Start(rawURL); err != nil {
		s.shutdown(context.Background(), 0)
		return nil, fmt.Errorf("session: start capture: %w", err)
	}
	if err := s.index.Flush(); err != nil {
		slog.Warn("initial index write failed", "session_id", info.SessionID, "error", err)
	}

	slog.Info("capture session started", "session_id", info.SessionID, "url", rawURL, "dir", info.TempDir)
	return s, nil
}

// Current returns the active session.
func (m *Manager) Current() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil, ErrNoSession
	}
	return m.active, nil
}

// Pause stops observing and stops starting downloads.
func (m *Manager) Pause() (types.CaptureSession, error) {
	s, err := m.Current()
	if err != nil {
		return types.CaptureSession{}, err
	}
	return s.pause()
}

// Resume undoes Pause.
func (m *Manager) Resume() (types.CaptureSession, error) {
	s, err := m.Current()
	if err != nil {
		return types.CaptureSession{}, err
	}
	return s.resume()
}

// Stop ends capture on the active session. Its directory and index stay
// available for export until Cleanup.
func (m *Manager) Stop(ctx context.Context) (types.CaptureSession, error) {
	s, err := m.Current()
	if err != nil {
		return types.CaptureSession{}, err
	}
	if s.State() == types.SessionExporting {
		return types.CaptureSession{}, ErrBusy
	}
	s.shutdown(ctx, m.opts.DrainTimeout)
	return s.Info(), nil
}

// Cleanup removes a session directory. The running session cannot be
// removed; a stopped current session is released first.
func (m *Manager) Cleanup(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.active; s != nil && s.ID() == id {
		if !s.stopped() {
			return ErrActive
		}
		m.active = nil
	}
	if err := m.store.Delete(id); err != nil {
		return err
	}
	slog.Info("session directory removed", "session_id", id)
	return nil
}

// CleanupStale removes every session directory except the active one and
// returns how many were removed.
func (m *Manager) CleanupStale() (int, error) {
	m.mu.Lock()
	keep := ""
	if m.active != nil {
		keep = m.active.ID()
	}
	m.mu.Unlock()

	entries, err := os.ReadDir(m.store.Dir())
	if err != nil {
		return 0, fmt.Errorf("session: list %s: %w", m.store.Dir(), err)
	}
	removed := 0
	for _, e := range entries {
		if !e.IsDir() || e.Name() == keep || validateID(e.Name()) != nil {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.store.Dir(), e.Name())); err != nil {
			slog.Warn("stale session cleanup failed", "session_id", e.Name(), "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		slog.Info("stale sessions removed", "count", removed)
	}
	return removed, nil
}

// Close stops the active session.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	s := m.active
	m.mu.Unlock()
	if s != nil {
		s.shutdown(ctx, m.opts.DrainTimeout)
	}
}

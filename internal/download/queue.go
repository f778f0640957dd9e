package download

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/HumanChan/web-loader/internal/storage"
	"github.com/HumanChan/web-loader/internal/types"
)

const (
	DefaultMaxConcurrent = 4
	DefaultFetchTimeout  = 60 * time.Second
	defaultBacklog       = 4096
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("download queue closed")

// ErrFull is returned by Enqueue when the backlog is saturated.
var ErrFull = errors.New("download queue full")

// Options configures a Queue.
type Options struct {
	MaxConcurrent int
	Backlog       int
	// FetchTimeout bounds one resource fetch including redirects.
	FetchTimeout time.Duration
	// HostRPS limits fetch starts per host; zero disables pacing.
	HostRPS float64
	// OnPlaylist receives the entries of downloaded HLS playlists. Nil
	// disables expansion.
	OnPlaylist func(parent types.ResourceRecord, entries []PlaylistEntry)
}

// Stats is a point-in-time view of queue activity.
type Stats struct {
	Queued    int64 `json:"queued"`
	Active    int64 `json:"active"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Bytes     int64 `json:"bytes"`
}

// Queue backfills resource bytes for record ids with a fixed number of
// workers reading a bounded channel. Each worker pulls the next id as soon
// as it finishes, so the concurrency bound is a sliding window.
type Queue struct {
	index   *storage.Index
	files   *storage.FileStore
	fetcher Fetcher
	opts    Options

	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan string
	wg     sync.WaitGroup

	mu       sync.Mutex
	cond     *sync.Cond
	paused   bool
	closed   bool
	enqueued map[string]bool

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	queued    atomic.Int64
	active    atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	bytes     atomic.Int64
}

// NewQueue starts the workers. Close releases them.
func NewQueue(parent context.Context, index *storage.Index, files *storage.FileStore, fetcher Fetcher, opts Options) *Queue {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.Backlog <= 0 {
		opts.Backlog = defaultBacklog
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	ctx, cancel := context.WithCancel(parent)
	q := &Queue{
		index:    index,
		files:    files,
		fetcher:  fetcher,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		jobs:     make(chan string, opts.Backlog),
		enqueued: make(map[string]bool),
		limiters: make(map[string]*rate.Limiter),
	}
	q.cond = sync.NewCond(&q.mu)

	for i := 0; i < opts.MaxConcurrent; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Enqueue schedules a record id. Ids already enqueued are ignored.
func (q *Queue) Enqueue(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.enqueued[id] {
		return nil
	}
	q.queued.Add(1)
	select {
	case q.jobs <- id:
		q.enqueued[id] = true
		return nil
	default:
		q.queued.Add(-1)
		return ErrFull
	}
}

// Pause blocks new fetches from starting. In-flight fetches continue.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume lets workers start fetches again.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Paused reports the pause state.
func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Stats returns current counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Queued:    q.queued.Load(),
		Active:    q.active.Load(),
		Succeeded: q.succeeded.Load(),
		Failed:    q.failed.Load(),
		Bytes:     q.bytes.Load(),
	}
}

// Wait blocks until nothing is queued or active, the queue is paused, or ctx
// ends.
func (q *Queue) Wait(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if q.queued.Load() == 0 && q.active.Load() == 0 {
			return nil
		}
		if q.Paused() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close cancels in-flight fetches and stops the workers. Queued ids are
// discarded.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.cond.Broadcast()
	q.wg.Wait()
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case id := <-q.jobs:
			q.active.Add(1)
			q.queued.Add(-1)
			if !q.waitUnpaused() {
				q.active.Add(-1)
				return
			}
			q.process(id)
			q.active.Add(-1)
		}
	}
}

// waitUnpaused parks a dequeued id until resume. It reports false when the
// queue is closing.
func (q *Queue) waitUnpaused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.paused && !q.closed {
		q.cond.Wait()
	}
	return !q.closed
}

func (q *Queue) process(id string) {
	defer func() {
		if r := recover(); r != nil {
			q.failed.Add(1)
			slog.Error("download panic", "id", id, "panic", r)
		}
	}()

	rec, ok := q.index.Get(id)
	if !ok || rec.TempFilePath != "" {
		return
	}

	if err := q.pace(rec.URL); err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(q.ctx, q.opts.FetchTimeout)
	defer cancel()

	start := time.Now()
	resp, err := q.fetcher.Open(ctx, rec.URL)
	if err != nil {
		q.fail(rec, err)
		return
	}
	defer resp.Body.Close()

	ext := storage.ExtensionFor(rec.URL, firstNonEmpty(rec.MimeType, resp.ContentType))
	var last int64
	path, n, err := q.files.WriteStream(id, ext, resp.Body, func(total int64) {
		q.bytes.Add(total - last)
		last = total
	})
	if err != nil {
		q.fail(rec, err)
		return
	}
	if n == 0 {
		q.fail(rec, errors.New("empty body"))
		return
	}

	q.index.Update(id, func(r *types.ResourceRecord) {
		r.TempFilePath = path
		r.SizeOnDisk = n
		r.ErrorMessage = ""
		if r.MimeType == "" {
			r.MimeType = resp.ContentType
		}
		if r.State == types.StateInProgress {
			r.State = types.StateSuccess
			r.FinishedAt = time.Now().UnixMilli()
		}
	})
	q.index.SchedulePersist()
	q.succeeded.Add(1)
	slog.Debug("download complete",
		"id", id,
		"url", rec.URL,
		"bytes", n,
		"attempts", resp.Attempts,
		"duration_ms", time.Since(start).Milliseconds())

	if q.opts.OnPlaylist != nil && IsPlaylist(rec.URL, firstNonEmpty(resp.ContentType, rec.MimeType)) {
		q.expandPlaylist(rec, path, resp.FinalURL)
	}
}

func (q *Queue) fail(rec types.ResourceRecord, err error) {
	q.failed.Add(1)
	slog.Debug("download failed", "id", rec.ID, "url", rec.URL, "error", err)
	q.index.Update(rec.ID, func(r *types.ResourceRecord) {
		r.ErrorMessage = err.Error()
		if r.State == types.StateInProgress {
			r.State = types.StateFailed
			r.FinishedAt = time.Now().UnixMilli()
		}
	})
	q.index.SchedulePersist()
}

func (q *Queue) expandPlaylist(rec types.ResourceRecord, path, finalURL string) {
	f, err := os.Open(path)
	if err != nil {
		slog.Debug("playlist open failed", "path", path, "error", err)
		return
	}
	defer f.Close()
	entries, err := PlaylistEntries(f, finalURL)
	if err != nil {
		slog.Debug("playlist decode failed", "url", rec.URL, "error", err)
		return
	}
	if len(entries) > 0 {
		q.opts.OnPlaylist(rec, entries)
	}
}

// pace waits for the per-host limiter when HostRPS is set.
func (q *Queue) pace(rawURL string) error {
	if q.opts.HostRPS <= 0 {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	host := u.Hostname()

	q.limMu.Lock()
	lim, ok := q.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(q.opts.HostRPS), 1)
		q.limiters[host] = lim
	}
	q.limMu.Unlock()

	return lim.Wait(q.ctx)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/HumanChan/web-loader/internal/download"
	"github.com/HumanChan/web-loader/internal/storage"
	"github.com/HumanChan/web-loader/internal/types"
)

const DefaultRescanInterval = 2 * time.Second

var (
	ErrRunning    = errors.New("capture already running")
	ErrNotRunning = errors.New("capture not running")
)

// Source is the host network layer. Subscribe registers fn for every
// completed request and returns the function that removes it.
type Source interface {
	Subscribe(fn func(types.ObservedResource)) (unsubscribe func())
}

// Queue receives record ids whose bytes still need fetching.
type Queue interface {
	Enqueue(id string) error
	Pause()
	Resume()
}

// Filter drops resources before a record is created.
type Filter interface {
	Excludes(rawURL string, typ types.ResourceType) bool
}

// Options tunes an Orchestrator.
type Options struct {
	RescanInterval time.Duration
	Filter         Filter
	// Journal receives one line per created record when set.
	Journal *storage.JSONLWriter
	// Now is overridable for tests.
	Now func() time.Time
}

// Stats counts observation outcomes since Start.
type Stats struct {
	Recorded int64 `json:"recorded"`
	Dropped  int64 `json:"dropped"`
	Filtered int64 `json:"filtered"`
	Inline   int64 `json:"inline"`
}

// Orchestrator turns observed requests into index records and hands
// records without bytes to the download queue.
type Orchestrator struct {
	source Source
	index  *storage.Index
	files  *storage.FileStore
	queue  Queue
	opts   Options

	mu          sync.Mutex
	siteRoot    string
	running     bool
	paused      bool
	unsubscribe func()
	stopRescan  chan struct{}
	rescanDone  chan struct{}
	synthetic   map[string]bool

	recorded atomic.Int64
	dropped  atomic.Int64
	filtered atomic.Int64
	inline   atomic.Int64
}

// NewOrchestrator wires an orchestrator for one session.
func NewOrchestrator(source Source, index *storage.Index, files *storage.FileStore, queue Queue, opts Options) *Orchestrator {
	if opts.RescanInterval <= 0 {
		opts.RescanInterval = DefaultRescanInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		source:    source,
		index:     index,
		files:     files,
		queue:     queue,
		opts:      opts,
		synthetic: make(map[string]bool),
	}
}

// Start subscribes to the source and arms the size rescan.
func (o *Orchestrator) Start(siteRootURL string) error {
	root, err := url.Parse(siteRootURL)
	if err != nil || root.Host == "" {
		return fmt.Errorf("capture: invalid site root %q", siteRootURL)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return ErrRunning
	}
	o.siteRoot = siteRootURL
	o.running = true
	o.paused = false
	o.stopRescan = make(chan struct{})
	o.rescanDone = make(chan struct{})
	o.unsubscribe = o.source.Subscribe(o.observe)
	go o.rescanLoop(o.stopRescan, o.rescanDone)

	slog.Info("capture started", "site_root", siteRootURL)
	return nil
}

// Pause drops subsequent observations and stops new downloads from starting.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	o.paused = true
	o.mu.Unlock()
	if o.queue != nil {
		o.queue.Pause()
	}
	slog.Info("capture paused")
}

// Resume restarts observation and downloads.
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	o.paused = false
	o.mu.Unlock()
	if o.queue != nil {
		o.queue.Resume()
	}
	slog.Info("capture resumed")
}

// Paused reports whether observations are currently dropped.
func (o *Orchestrator) Paused() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.paused
}

// Running reports whether Start has been called without Stop.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Stop removes the subscription, cancels the rescan and persists the index
// synchronously.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return ErrNotRunning
	}
	o.running = false
	unsubscribe := o.unsubscribe
	o.unsubscribe = nil
	close(o.stopRescan)
	done := o.rescanDone
	o.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := o.index.Flush(); err != nil {
		return fmt.Errorf("capture: final persist: %w", err)
	}
	slog.Info("capture stopped", "records", o.index.Len())
	return nil
}

// Stats returns observation counters.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		Recorded: o.recorded.Load(),
		Dropped:  o.dropped.Load(),
		Filtered: o.filtered.Load(),
		Inline:   o.inline.Load(),
	}
}

// accepting returns the site root when observations should be recorded.
func (o *Orchestrator) accepting() (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running || o.paused {
		return "", false
	}
	return o.siteRoot, true
}

func (o *Orchestrator) observe(ev types.ObservedResource) {
	root, ok := o.accepting()
	if !ok {
		o.dropped.Add(1)
		return
	}
	if isWebSocket(ev.URL) {
		return
	}

	rec, err := o.buildRecord(ev, root)
	if err != nil {
		slog.Debug("observation dropped", "url", ev.URL, "error", err)
		return
	}
	if o.opts.Filter != nil && o.opts.Filter.Excludes(rec.URL, rec.Type) {
		o.filtered.Add(1)
		return
	}

	if len(ev.Body) > 0 {
		ext := storage.ExtensionFor(rec.URL, rec.MimeType)
		if path, err := o.files.WriteRaw(rec.ID, ext, ev.Body); err != nil {
			slog.Warn("inline body write failed", "id", rec.ID, "error", err)
		} else {
			rec.TempFilePath = path
			rec.SizeOnDisk = int64(len(ev.Body))
			o.inline.Add(1)
		}
	}

	o.commit(rec)
}

// commit inserts rec, persists lazily and enqueues it when bytes are missing.
func (o *Orchestrator) commit(rec types.ResourceRecord) {
	o.index.Upsert(rec)
	o.index.SchedulePersist()
	o.recorded.Add(1)

	if o.opts.Journal != nil {
		_ = o.opts.Journal.Write(journalEntry{Event: "observed", Record: rec})
	}

	if rec.Type == types.TypeDocument || rec.TempFilePath != "" || o.queue == nil {
		return
	}
	if err := o.queue.Enqueue(rec.ID); err != nil {
		slog.Debug("download enqueue failed", "id", rec.ID, "error", err)
	}
}

type journalEntry struct {
	Event  string               `json:"event"`
	Record types.ResourceRecord `json:"record"`
}

func (o *Orchestrator) buildRecord(ev types.ObservedResource, root string) (types.ResourceRecord, error) {
	n, err := storage.Normalize(ev.URL, root)
	if err != nil {
		return types.ResourceRecord{}, err
	}
	id, err := newRecordID()
	if err != nil {
		return types.ResourceRecord{}, err
	}

	mime := ev.Header("content-type")
	method := strings.ToUpper(ev.Method)
	if method == "" {
		method = "GET"
	}
	now := o.opts.Now().UnixMilli()

	state := types.StateFailed
	if ev.StatusCode >= 200 && ev.StatusCode < 400 {
		state = types.StateSuccess
	}

	var contentLength int64
	if cl := ev.Header("content-length"); cl != "" {
		if v, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64); err == nil && v >= 0 {
			contentLength = v
		}
	}

	return types.ResourceRecord{
		ID:            id,
		Type:          storage.MapResourceType(ev.ResourceType, mime),
		URL:           ev.URL,
		Normalized:    n,
		Method:        method,
		StatusCode:    ev.StatusCode,
		MimeType:      mime,
		ContentLength: contentLength,
		StartedAt:     now,
		FinishedAt:    now,
		State:         state,
		Referrer:      ev.Referrer,
		OriginHost:    n.Host,
	}, nil
}

// ObservePlaylist records the entries of a downloaded HLS playlist as
// in-progress records and enqueues them. Entries are deduplicated by
// normalized URL.
func (o *Orchestrator) ObservePlaylist(parent types.ResourceRecord, entries []download.PlaylistEntry) {
	root, ok := o.accepting()
	if !ok {
		o.dropped.Add(int64(len(entries)))
		return
	}
	for _, e := range entries {
		n, err := storage.Normalize(e.URL, root)
		if err != nil {
			continue
		}
		o.mu.Lock()
		dup := o.synthetic[n.NormalizedURL]
		o.synthetic[n.NormalizedURL] = true
		o.mu.Unlock()
		if dup {
			continue
		}
		id, err := newRecordID()
		if err != nil {
			continue
		}
		o.commit(types.ResourceRecord{
			ID:         id,
			Type:       e.Type,
			URL:        e.URL,
			Normalized: n,
			Method:     "GET",
			StartedAt:  o.opts.Now().UnixMilli(),
			State:      types.StateInProgress,
			Referrer:   parent.URL,
			OriginHost: n.Host,
		})
	}
}

// Rescan refreshes sizeOnDisk from files that may still be growing. It is a
// no-op while paused.
func (o *Orchestrator) Rescan() int {
	if o.Paused() {
		return 0
	}
	changed := 0
	for _, rec := range o.index.Snapshot() {
		if rec.TempFilePath == "" {
			continue
		}
		size := storage.FileSize(rec.TempFilePath)
		if size < 0 || size == rec.SizeOnDisk {
			continue
		}
		if o.index.Update(rec.ID, func(r *types.ResourceRecord) { r.SizeOnDisk = size }) {
			changed++
		}
	}
	if changed > 0 {
		o.index.SchedulePersist()
	}
	return changed
}

func (o *Orchestrator) rescanLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(o.opts.RescanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			o.Rescan()
		case <-stop:
			return
		}
	}
}

func isWebSocket(rawURL string) bool {
	lower := strings.ToLower(strings.TrimSpace(rawURL))
	return strings.HasPrefix(lower, "ws://") || strings.HasPrefix(lower, "wss://")
}

func newRecordID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("capture: record id: %w", err)
	}
	return id.String(), nil
}

package session

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/HumanChan/web-loader/internal/download"
	"github.com/HumanChan/web-loader/internal/storage"
	"github.com/HumanChan/web-loader/internal/types"
)

type stubFetcher struct{}

func (stubFetcher) Open(_ context.Context, rawURL string) (*download.Response, error) {
	return &download.Response{
		FinalURL:   rawURL,
		StatusCode: http.StatusOK,
		Attempts:   1,
		Body:       io.NopCloser(strings.NewReader("bytes")),
	}, nil
}

type fakeTarget struct {
	partition string
	navErr    error

	mu        sync.Mutex
	subs      []func(types.ObservedResource)
	navigated []string
	closed    bool
}

func (t *fakeTarget) Subscribe(fn func(types.ObservedResource)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := len(t.subs)
	t.subs = append(t.subs, fn)
	return func() {
		t.mu.Lock()
		t.subs[idx] = nil
		t.mu.Unlock()
	}
}

func (t *fakeTarget) emit(o types.ObservedResource) {
	t.mu.Lock()
	subs := append([]func(types.ObservedResource){}, t.subs...)
	t.mu.Unlock()
	for _, fn := range subs {
		if fn != nil {
			fn(o)
		}
	}
}

func (t *fakeTarget) Navigate(_ context.Context, rawURL string) error {
	t.mu.Lock()
	t.navigated = append(t.navigated, rawURL)
	t.mu.Unlock()
	return t.navErr
}

func (t *fakeTarget) Fetcher() download.Fetcher { return stubFetcher{} }

func (t *fakeTarget) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

func (t *fakeTarget) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakeHost struct {
	mu      sync.Mutex
	targets []*fakeTarget
	err     error
}

func (h *fakeHost) OpenTarget(partition string) (Target, error) {
	if h.err != nil {
		return nil, h.err
	}
	t := &fakeTarget{partition: partition}
	h.mu.Lock()
	h.targets = append(h.targets, t)
	h.mu.Unlock()
	return t, nil
}

func (h *fakeHost) last() *fakeTarget {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.targets[len(h.targets)-1]
}

func newTestManager(t *testing.T) (*Manager, *fakeHost) {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	host := &fakeHost{}
	m := NewManager(host, store, Options{
		PersistDebounce: 10 * time.Millisecond,
		RescanInterval:  time.Hour,
		DrainTimeout:    2 * time.Second,
	})
	t.Cleanup(func() { m.Close(context.Background()) })
	return m, host
}

func TestNavigateStartsSession(t *testing.T) {
	m, host := newTestManager(t)

	info, err := m.Navigate(context.Background(), "http://a.test/")
	if err != nil {
		t.Fatalf("Navigate() error = %v", err)
	}
	if info.State != types.SessionCapturing {
		t.Fatalf("State = %q; want capturing", info.State)
	}
	if info.Partition != "webloader-"+info.SessionID {
		t.Fatalf("Partition = %q", info.Partition)
	}
	if info.TempDir != filepath.Join(m.Store().Dir(), info.SessionID) {
		t.Fatalf("TempDir = %q", info.TempDir)
	}
	tgt := host.last()
	if tgt.partition != info.Partition || len(tgt.navigated) != 1 || tgt.navigated[0] != "http://a.test/" {
		t.Fatalf("target = %+v", tgt)
	}
	if _, err := os.Stat(filepath.Join(info.TempDir, storage.IndexFileName)); err != nil {
		t.Fatalf("index.json missing after navigate: %v", err)
	}
	meta, err := m.Store().Get(info.SessionID)
	if err != nil || meta.URL != "http://a.test/" {
		t.Fatalf("Store().Get() = %+v, %v", meta, err)
	}
}

func TestNavigateRejectsBadURL(t *testing.T) {
	m, _ := newTestManager(t)
	for _, raw := range []string{"", "ftp://a.test/", "a.test/x", "ws://a.test/"} {
		if _, err := m.Navigate(context.Background(), raw); !errors.Is(err, ErrInvalidURL) {
			t.Fatalf("Navigate(%q) error = %v; want ErrInvalidURL", raw, err)
		}
	}
}

func TestNavigateKeepsSessionOnNavigationError(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	host := &navFailHost{}
	m := NewManager(host, store, Options{RescanInterval: time.Hour})
	t.Cleanup(func() { m.Close(context.Background()) })

	if _, err := m.Navigate(context.Background(), "http://a.test/"); err != nil {
		t.Fatalf("Navigate() error = %v; want nil", err)
	}
	if _, err := m.Current(); err != nil {
		t.Fatalf("Current() error = %v", err)
	}
}

type navFailHost struct{}

func (navFailHost) OpenTarget(partition string) (Target, error) {
	return &fakeTarget{partition: partition, navErr: context.DeadlineExceeded}, nil
}

// loadingTarget holds Navigate until release is closed.
type loadingTarget struct {
	*fakeTarget
	started chan struct{}
	release chan struct{}
}

func (t *loadingTarget) Navigate(ctx context.Context, rawURL string) error {
	close(t.started)
	select {
	case <-t.release:
	case <-ctx.Done():
	}
	return t.fakeTarget.Navigate(ctx, rawURL)
}

type loadingHost struct {
	target *loadingTarget
}

func (h *loadingHost) OpenTarget(partition string) (Target, error) {
	h.target.partition = partition
	return h.target, nil
}

func TestPauseDuringPageLoad(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	tgt := &loadingTarget{
		fakeTarget: &fakeTarget{},
		started:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	m := NewManager(&loadingHost{target: tgt}, store, Options{RescanInterval: time.Hour, DrainTimeout: time.Second})
	t.Cleanup(func() { m.Close(context.Background()) })

	navDone := make(chan error, 1)
	go func() {
		_, err := m.Navigate(context.Background(), "http://a.test/")
		navDone <- err
	}()
	defer close(tgt.release)

	select {
	case <-tgt.started:
	case <-time.After(2 * time.Second):
		t.Fatal("page load never started")
	}

	paused := make(chan error, 1)
	go func() {
		_, err := m.Pause()
		paused <- err
	}()
	select {
	case err := <-paused:
		if err != nil {
			t.Fatalf("Pause() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Pause() blocked while the page was loading")
	}

	tgt.emit(types.ObservedResource{URL: "http://a.test/late.css", Method: "GET", StatusCode: 200, ResourceType: "Stylesheet"})
	s, err := m.Current()
	if err != nil {
		t.Fatalf("Current() error = %v", err)
	}
	if n := s.Index().Len(); n != 0 {
		t.Fatalf("records after pause = %d; want 0", n)
	}
	if st := s.Status(); st.Session.State != types.SessionPaused {
		t.Fatalf("State = %q; want paused", st.Session.State)
	}

	select {
	case err := <-navDone:
		t.Fatalf("Navigate() returned before the load finished: %v", err)
	default:
	}
}

func TestNavigateOpenTargetFailure(t *testing.T) {
	m, host := newTestManager(t)
	host.err = errors.New("browser gone")

	if _, err := m.Navigate(context.Background(), "http://a.test/"); err == nil {
		t.Fatal("Navigate() error = nil; want open target error")
	}
	if _, err := m.Current(); !errors.Is(err, ErrNoSession) {
		t.Fatalf("Current() error = %v; want ErrNoSession", err)
	}
	entries, _ := os.ReadDir(m.Store().Dir())
	if len(entries) != 0 {
		t.Fatalf("session dirs left behind: %d", len(entries))
	}
}

func TestNavigateTearsDownPrevious(t *testing.T) {
	m, host := newTestManager(t)

	first, err := m.Navigate(context.Background(), "http://a.test/")
	if err != nil {
		t.Fatal(err)
	}
	firstTarget := host.last()

	second, err := m.Navigate(context.Background(), "http://b.test/")
	if err != nil {
		t.Fatal(err)
	}
	if first.SessionID == second.SessionID {
		t.Fatal("second navigate reused the session id")
	}
	if !firstTarget.isClosed() {
		t.Fatal("previous target not closed")
	}
	meta, err := m.Store().Get(first.SessionID)
	if err != nil {
		t.Fatalf("previous session metadata: %v", err)
	}
	if meta.State != types.SessionIdle {
		t.Fatalf("previous State = %q; want idle", meta.State)
	}
}

func TestCaptureFlowsIntoIndex(t *testing.T) {
	m, host := newTestManager(t)
	if _, err := m.Navigate(context.Background(), "http://a.test/"); err != nil {
		t.Fatal(err)
	}
	host.last().emit(types.ObservedResource{
		URL:          "http://a.test/app.js",
		Method:       http.MethodGet,
		StatusCode:   http.StatusOK,
		ResourceType: "Script",
	})

	s, err := m.Current()
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		recs := s.Index().Snapshot()
		if len(recs) == 1 && recs[0].TempFilePath != "" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("record not downloaded: %+v", recs)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	recs, err := storage.ReadIndexFile(filepath.Join(s.Dir(), storage.IndexFileName))
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].SizeOnDisk != int64(len("bytes")) {
		t.Fatalf("persisted = %+v", recs)
	}
}

func TestPauseResumeStop(t *testing.T) {
	m, host := newTestManager(t)
	if _, err := m.Pause(); !errors.Is(err, ErrNoSession) {
		t.Fatalf("Pause() without session error = %v", err)
	}
	if _, err := m.Navigate(context.Background(), "http://a.test/"); err != nil {
		t.Fatal(err)
	}

	info, err := m.Pause()
	if err != nil || info.State != types.SessionPaused {
		t.Fatalf("Pause() = %+v, %v", info, err)
	}
	host.last().emit(types.ObservedResource{URL: "http://a.test/dropped.css", Method: "GET", StatusCode: 200, ResourceType: "Stylesheet"})
	s, _ := m.Current()
	if s.Index().Len() != 0 {
		t.Fatalf("paused session recorded %d resources", s.Index().Len())
	}

	info, err = m.Resume()
	if err != nil || info.State != types.SessionCapturing {
		t.Fatalf("Resume() = %+v, %v", info, err)
	}

	info, err = m.Stop(context.Background())
	if err != nil || info.State != types.SessionIdle {
		t.Fatalf("Stop() = %+v, %v", info, err)
	}
	if !host.last().isClosed() {
		t.Fatal("target not closed on stop")
	}
	if _, err := m.Pause(); !errors.Is(err, ErrNoSession) {
		t.Fatalf("Pause() after stop error = %v; want ErrNoSession", err)
	}
	if s.Fetcher() != nil {
		t.Fatal("Fetcher() after stop != nil")
	}
}

func TestExportStateGuards(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.Navigate(context.Background(), "http://a.test/"); err != nil {
		t.Fatal(err)
	}
	s, _ := m.Current()

	if err := s.BeginExport(); err != nil {
		t.Fatalf("BeginExport() error = %v", err)
	}
	if err := s.BeginExport(); !errors.Is(err, ErrBusy) {
		t.Fatalf("second BeginExport() error = %v; want ErrBusy", err)
	}
	if _, err := m.Stop(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("Stop() while exporting error = %v; want ErrBusy", err)
	}
	if _, err := m.Navigate(context.Background(), "http://b.test/"); !errors.Is(err, ErrBusy) {
		t.Fatalf("Navigate() while exporting error = %v; want ErrBusy", err)
	}
	s.EndExport()
	if s.State() != types.SessionCapturing {
		t.Fatalf("State after export = %q; want capturing", s.State())
	}
}

func TestApplyExport(t *testing.T) {
	m, host := newTestManager(t)
	if _, err := m.Navigate(context.Background(), "http://a.test/"); err != nil {
		t.Fatal(err)
	}
	host.last().emit(types.ObservedResource{URL: "http://a.test/", Method: "GET", StatusCode: 200, ResourceType: "Document"})
	s, _ := m.Current()
	recs := s.Index().Snapshot()
	if len(recs) != 1 {
		t.Fatalf("records = %d; want 1", len(recs))
	}

	recs[0].FinalFilePath = "/out/index.html"
	recs[0].SizeOnDisk = 42
	if err := s.ApplyExport(recs); err != nil {
		t.Fatalf("ApplyExport() error = %v", err)
	}
	persisted, err := storage.ReadIndexFile(filepath.Join(s.Dir(), storage.IndexFileName))
	if err != nil {
		t.Fatal(err)
	}
	if persisted[0].FinalFilePath != "/out/index.html" || persisted[0].SizeOnDisk != 42 {
		t.Fatalf("persisted = %+v", persisted[0])
	}
}

func TestCleanup(t *testing.T) {
	m, _ := newTestManager(t)
	info, err := m.Navigate(context.Background(), "http://a.test/")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Cleanup(info.SessionID); !errors.Is(err, ErrActive) {
		t.Fatalf("Cleanup(active) error = %v; want ErrActive", err)
	}
	if _, err := m.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.Cleanup(info.SessionID); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if _, err := os.Stat(info.TempDir); !os.IsNotExist(err) {
		t.Fatalf("session dir still present: %v", err)
	}
	if _, err := m.Current(); !errors.Is(err, ErrNoSession) {
		t.Fatalf("Current() after cleanup error = %v", err)
	}
	if err := m.Cleanup("not-a-uuid"); err == nil {
		t.Fatal("Cleanup(invalid) error = nil")
	}
}

func TestCleanupStaleKeepsActive(t *testing.T) {
	m, _ := newTestManager(t)
	stale := filepath.Join(m.Store().Dir(), "0190a5b2-0000-7000-8000-000000000001")
	if err := os.MkdirAll(stale, 0o755); err != nil {
		t.Fatal(err)
	}
	other := filepath.Join(m.Store().Dir(), "keep-me")
	if err := os.MkdirAll(other, 0o755); err != nil {
		t.Fatal(err)
	}
	info, err := m.Navigate(context.Background(), "http://a.test/")
	if err != nil {
		t.Fatal(err)
	}

	n, err := m.CleanupStale()
	if err != nil {
		t.Fatalf("CleanupStale() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("CleanupStale() = %d; want 1", n)
	}
	if _, err := os.Stat(info.TempDir); err != nil {
		t.Fatalf("active session removed: %v", err)
	}
	if _, err := os.Stat(other); err != nil {
		t.Fatalf("non-session dir removed: %v", err)
	}
}

func TestStoreListNewestFirst(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	older := types.CaptureSession{SessionID: "0190a5b2-0000-7000-8000-000000000001", StartedAt: 1}
	newer := types.CaptureSession{SessionID: "0190a5b2-0000-7000-8000-000000000002", StartedAt: 2}
	for _, s := range []types.CaptureSession{older, newer} {
		if err := store.Create(s); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}
	list, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].SessionID != newer.SessionID {
		t.Fatalf("List() = %+v", list)
	}
	if _, err := store.Get("0190a5b2-0000-7000-8000-000000000009"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(unknown) error = %v; want ErrNotFound", err)
	}
}

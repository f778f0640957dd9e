package cdp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/HumanChan/web-loader/internal/capture"
	"github.com/HumanChan/web-loader/internal/download"
	"github.com/HumanChan/web-loader/internal/types"
)

const (
	navigateTimeout = 60 * time.Second
	bodyTimeout     = 10 * time.Second
	cookieTimeout   = 5 * time.Second
)

// ErrClosed is returned for operations on a closed browser or target.
var ErrClosed = errors.New("browser connection closed")

// Browser is a DevTools connection to a running Chromium.
type Browser struct {
	cdpURL      string
	allocCtx    context.Context
	allocCancel context.CancelFunc
	rootCtx     context.Context
	rootCancel  context.CancelFunc
	userAgent   string

	mu      sync.Mutex
	targets map[string]*Target
	closed  bool
}

// Connect attaches to the browser behind cdpURL.
func Connect(ctx context.Context, cdpURL string) (*Browser, error) {
	slog.Info("connecting to chromium", "url", cdpURL)

	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), cdpURL)
	rootCtx, rootCancel := chromedp.NewContext(allocCtx)

	var userAgent string
	err := runWithin(ctx, rootCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		_, _, _, userAgent, _, err = browser.GetVersion().Do(ctx)
		return err
	}))
	if err != nil {
		rootCancel()
		allocCancel()
		return nil, fmt.Errorf("cdp: connect %s: %w", cdpURL, err)
	}

	slog.Info("connected to chromium", "user_agent", userAgent)
	return &Browser{
		cdpURL:      cdpURL,
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		rootCtx:     rootCtx,
		rootCancel:  rootCancel,
		userAgent:   userAgent,
		targets:     make(map[string]*Target),
	}, nil
}

// UserAgent is the browser's default user agent.
func (b *Browser) UserAgent() string {
	return b.userAgent
}

// TargetOptions controls inline body capture for a target.
type TargetOptions struct {
	InlineBodies   bool
	InlineMaxBytes int64
}

// OpenTarget creates a page in a fresh browser context so cookies and cache
// are isolated per partition. An existing target for partition is closed
// first.
func (b *Browser) OpenTarget(partition string, opts TargetOptions) (*Target, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	prev := b.targets[partition]
	delete(b.targets, partition)
	b.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	tabCtx, tabCancel := chromedp.NewContext(b.rootCtx, chromedp.WithNewBrowserContext())
	t := &Target{
		partition: partition,
		ctx:       tabCtx,
		cancel:    tabCancel,
		userAgent: b.userAgent,
		subs:      make(map[int]func(types.ObservedResource)),
	}
	t.correlator = capture.NewCorrelator(t.emit, opts.InlineBodies, opts.InlineMaxBytes)

	chromedp.ListenTarget(tabCtx, t.handleEvent)
	if err := chromedp.Run(tabCtx, network.Enable(), network.SetCacheDisabled(true), page.Enable()); err != nil {
		t.Close()
		return nil, fmt.Errorf("cdp: enable network/page domains: %w", err)
	}
	if c := chromedp.FromContext(tabCtx); c != nil {
		t.contextID = string(c.BrowserContextID)
	}

	b.mu.Lock()
	b.targets[partition] = t
	b.mu.Unlock()

	slog.Info("capture target opened", "partition", partition, "browser_context", t.contextID)
	return t, nil
}

// CloseTarget closes the target bound to partition, if any.
func (b *Browser) CloseTarget(partition string) {
	b.mu.Lock()
	t := b.targets[partition]
	delete(b.targets, partition)
	b.mu.Unlock()
	if t != nil {
		t.Close()
	}
}

// Close disposes every target and drops the connection.
func (b *Browser) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	targets := b.targets
	b.targets = make(map[string]*Target)
	b.mu.Unlock()

	for _, t := range targets {
		t.Close()
	}
	b.rootCancel()
	b.allocCancel()
	slog.Info("cdp client closed")
	return nil
}

// Target is one isolated page. It is the capture Source for a session.
type Target struct {
	partition  string
	contextID  string
	ctx        context.Context
	cancel     context.CancelFunc
	userAgent  string
	correlator *capture.Correlator

	subsMu sync.RWMutex
	subs   map[int]func(types.ObservedResource)
	nextID int

	closeOnce sync.Once
}

// Partition is the session partition this target serves.
func (t *Target) Partition() string {
	return t.partition
}

// Subscribe registers fn for every completed request on the page.
func (t *Target) Subscribe(fn func(types.ObservedResource)) func() {
	t.subsMu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = fn
	t.subsMu.Unlock()

	return func() {
		t.subsMu.Lock()
		delete(t.subs, id)
		t.subsMu.Unlock()
	}
}

func (t *Target) emit(o types.ObservedResource) {
	t.subsMu.RLock()
	fns := make([]func(types.ObservedResource), 0, len(t.subs))
	for _, fn := range t.subs {
		fns = append(fns, fn)
	}
	t.subsMu.RUnlock()
	for _, fn := range fns {
		fn(o)
	}
}

// Navigate loads rawURL and waits for the load event.
func (t *Target) Navigate(ctx context.Context, rawURL string) error {
	navCtx, cancel := context.WithTimeout(t.ctx, navigateTimeout)
	defer cancel()
	if err := runWithin(ctx, navCtx, chromedp.Navigate(rawURL)); err != nil {
		return fmt.Errorf("cdp: navigate %s: %w", rawURL, err)
	}
	return nil
}

// HTTPClient returns a client whose cookies are read live from this
// target's browser context.
func (t *Target) HTTPClient() *http.Client {
	return &http.Client{
		Jar:       &browserJar{target: t},
		Transport: http.DefaultTransport.(*http.Transport).Clone(),
	}
}

// Fetcher fetches resources with the page's cookies and user agent.
func (t *Target) Fetcher() download.Fetcher {
	return download.NewHTTPFetcher(t.HTTPClient(), t.userAgent)
}

// Close detaches event handling and closes the page and its browser context.
func (t *Target) Close() {
	t.closeOnce.Do(func() {
		t.correlator.Close()
		t.cancel()
		slog.Info("capture target closed", "partition", t.partition)
	})
}

func (t *Target) handleEvent(ev interface{}) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		t.correlator.OnRequestWillBeSent(e)
	case *network.EventResponseReceived:
		t.correlator.OnResponseReceived(e)
	case *network.EventLoadingFinished:
		requestID := e.RequestID
		t.correlator.OnLoadingFinished(e, func() ([]byte, error) {
			bodyCtx, bodyCancel := context.WithTimeout(t.ctx, bodyTimeout)
			defer bodyCancel()

			var body []byte
			err := chromedp.Run(bodyCtx, chromedp.ActionFunc(func(ctx context.Context) error {
				var err error
				body, err = network.GetResponseBody(requestID).Do(ctx)
				return err
			}))
			return body, err
		})
	case *network.EventLoadingFailed:
		t.correlator.OnLoadingFailed(e)
	}
}

// browserJar serves cookies from the live browser context so background
// fetches carry the same session state as the page.
type browserJar struct {
	target *Target
}

func (j *browserJar) SetCookies(*url.URL, []*http.Cookie) {}

func (j *browserJar) Cookies(u *url.URL) []*http.Cookie {
	ctx, cancel := context.WithTimeout(j.target.ctx, cookieTimeout)
	defer cancel()

	var cookies []*network.Cookie
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = network.GetCookies().WithUrls([]string{u.String()}).Do(ctx)
		return err
	}))
	if err != nil {
		slog.Debug("browser cookies unavailable", "url", u.Redacted(), "error", err)
		return nil
	}
	out := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, &http.Cookie{Name: c.Name, Value: c.Value})
	}
	return out
}

// runWithin runs actions on target ctx, returning early when caller ends.
func runWithin(caller, target context.Context, actions ...chromedp.Action) error {
	errCh := make(chan error, 1)
	go func() { errCh <- chromedp.Run(target, actions...) }()
	select {
	case err := <-errCh:
		return err
	case <-caller.Done():
		return caller.Err()
	}
}

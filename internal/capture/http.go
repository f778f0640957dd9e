package capture

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"

	"github.com/HumanChan/web-loader/internal/types"
)

// Correlator joins DevTools network events by request id and emits one
// ObservedResource per completed request.
type Correlator struct {
	emit         func(types.ObservedResource)
	inlineBodies bool
	maxBodyBytes int64

	pending   map[network.RequestID]*pendingRequest
	pendingMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
}

type pendingRequest struct {
	url          string
	method       string
	referrer     string
	resourceType string
	status       int
	headers      map[string]string
	hasResponse  bool
	seen         time.Time
}

// NewCorrelator emits completed requests to emit. When inlineBodies is set,
// bodies up to maxBodyBytes (0 = unlimited) are fetched and attached.
func NewCorrelator(emit func(types.ObservedResource), inlineBodies bool, maxBodyBytes int64) *Correlator {
	c := &Correlator{
		emit:         emit,
		inlineBodies: inlineBodies,
		maxBodyBytes: maxBodyBytes,
		pending:      make(map[network.RequestID]*pendingRequest),
		done:         make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Close stops the stale-request sweeper.
func (c *Correlator) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// OnRequestWillBeSent starts tracking a request. A redirect hop reuses the
// request id, so the entry is replaced with the new target.
func (c *Correlator) OnRequestWillBeSent(ev *network.EventRequestWillBeSent) {
	if ev.Request == nil {
		return
	}
	headers := headerMapToStringMap(ev.Request.Headers)
	referrer := types.HeaderValue(headers, "referer")
	if referrer == "" && ev.DocumentURL != ev.Request.URL {
		referrer = ev.DocumentURL
	}

	c.pendingMu.Lock()
	c.pending[ev.RequestID] = &pendingRequest{
		url:          ev.Request.URL,
		method:       ev.Request.Method,
		referrer:     referrer,
		resourceType: string(ev.Type),
		seen:         time.Now(),
	}
	c.pendingMu.Unlock()
}

// OnResponseReceived records status and response headers.
func (c *Correlator) OnResponseReceived(ev *network.EventResponseReceived) {
	if ev.Response == nil {
		return
	}
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	p, ok := c.pending[ev.RequestID]
	if !ok {
		return
	}
	p.status = int(ev.Response.Status)
	p.headers = headerMapToStringMap(ev.Response.Headers)
	if types.HeaderValue(p.headers, "content-type") == "" && ev.Response.MimeType != "" {
		p.headers["Content-Type"] = ev.Response.MimeType
	}
	if ev.Type != "" {
		p.resourceType = string(ev.Type)
	}
	p.hasResponse = true
}

// OnLoadingFinished emits the completed request. getBody is only called when
// inline capture is on and the encoded size is within the limit.
func (c *Correlator) OnLoadingFinished(ev *network.EventLoadingFinished, getBody func() ([]byte, error)) {
	c.pendingMu.Lock()
	p, ok := c.pending[ev.RequestID]
	if ok {
		delete(c.pending, ev.RequestID)
	}
	c.pendingMu.Unlock()

	if !ok || !p.hasResponse {
		return
	}

	wantBody := c.inlineBodies && getBody != nil && isFetchableScheme(p.url) &&
		(c.maxBodyBytes <= 0 || int64(ev.EncodedDataLength) <= c.maxBodyBytes)

	go func() {
		obs := types.ObservedResource{
			URL:          p.url,
			Method:       p.method,
			StatusCode:   p.status,
			Headers:      p.headers,
			ResourceType: p.resourceType,
			Referrer:     p.referrer,
		}
		if wantBody {
			body, err := getBody()
			switch {
			case err != nil:
				slog.Debug("response body unavailable", "request_id", ev.RequestID, "error", err)
			case c.maxBodyBytes > 0 && int64(len(body)) > c.maxBodyBytes:
				slog.Debug("response body over inline limit", "request_id", ev.RequestID, "size", len(body))
			default:
				obs.Body = body
			}
		}
		c.emit(obs)
	}()
}

// OnLoadingFailed forgets the request; failed loads are not recorded.
func (c *Correlator) OnLoadingFailed(ev *network.EventLoadingFailed) {
	c.pendingMu.Lock()
	delete(c.pending, ev.RequestID)
	c.pendingMu.Unlock()
}

// Pending returns the number of requests awaiting completion.
func (c *Correlator) Pending() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

func (c *Correlator) cleanupLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanupStale(time.Now().Add(-5 * time.Minute))
		case <-c.done:
			return
		}
	}
}

func (c *Correlator) cleanupStale(threshold time.Time) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	for id, p := range c.pending {
		if p.seen.Before(threshold) {
			delete(c.pending, id)
		}
	}
}

func isFetchableScheme(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func headerMapToStringMap(headers network.Headers) map[string]string {
	result := make(map[string]string, len(headers))
	for k, v := range headers {
		if s, ok := v.(string); ok {
			result[k] = s
		}
	}
	return result
}

package download

import (
	"bufio"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/andybalholm/brotli"
)

// MaxAttempts bounds the GETs issued for one resource, redirects included.
const MaxAttempts = 3

// ErrRedirectBudget is returned when every attempt ended in a redirect.
var ErrRedirectBudget = errors.New("redirect budget exhausted")

// Response is an opened, decoded resource body.
type Response struct {
	FinalURL    string
	StatusCode  int
	ContentType string
	Attempts    int
	Body        io.ReadCloser
}

// Fetcher opens a resource through the session's network stack.
type Fetcher interface {
	Open(ctx context.Context, rawURL string) (*Response, error)
}

// HTTPFetcher issues GETs with an http.Client whose automatic redirect
// handling is disabled; 3xx responses are followed here so each hop counts
// against MaxAttempts.
type HTTPFetcher struct {
	client      *http.Client
	userAgent   string
	maxAttempts int
}

// NewHTTPFetcher wraps base (nil means a default client). The client's jar,
// transport and timeout are kept; only CheckRedirect is replaced.
func NewHTTPFetcher(base *http.Client, userAgent string) *HTTPFetcher {
	c := &http.Client{}
	if base != nil {
		*c = *base
	}
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &HTTPFetcher{client: c, userAgent: userAgent, maxAttempts: MaxAttempts}
}

// Client exposes the underlying client.
func (f *HTTPFetcher) Client() *http.Client {
	return f.client
}

// Open GETs rawURL, following up to MaxAttempts-1 redirects. A non-2xx final
// status is an error. The caller closes Response.Body.
func (f *HTTPFetcher) Open(ctx context.Context, rawURL string) (*Response, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("fetch: parse url: %w", err)
	}

	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
		if err != nil {
			return nil, fmt.Errorf("fetch: build request: %w", err)
		}
		if f.userAgent != "" {
			req.Header.Set("User-Agent", f.userAgent)
		}
		req.Header.Set("Accept", "*/*")
		req.Header.Set("Accept-Encoding", "gzip, deflate, br")

		resp, err := f.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch: %s: %w", target.Redacted(), err)
		}

		if isRedirect(resp.StatusCode) {
			loc := resp.Header.Get("Location")
			resp.Body.Close()
			if loc == "" {
				return nil, fmt.Errorf("fetch: %s: status %d without location", target.Redacted(), resp.StatusCode)
			}
			next, err := target.Parse(loc)
			if err != nil {
				return nil, fmt.Errorf("fetch: bad location %q: %w", loc, err)
			}
			target = next
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			resp.Body.Close()
			return nil, fmt.Errorf("fetch: %s: unexpected status %d", target.Redacted(), resp.StatusCode)
		}

		body, err := decodeBody(resp)
		if err != nil {
			resp.Body.Close()
			return nil, err
		}
		return &Response{
			FinalURL:    target.String(),
			StatusCode:  resp.StatusCode,
			ContentType: resp.Header.Get("Content-Type"),
			Attempts:    attempt,
			Body:        body,
		}, nil
	}
	return nil, fmt.Errorf("fetch: %s: %w", rawURL, ErrRedirectBudget)
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

type decodedBody struct {
	io.Reader
	closers []io.Closer
}

func (b *decodedBody) Close() error {
	var first error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// decodeBody unwraps Content-Encoding. Setting Accept-Encoding ourselves
// turns off net/http's transparent gzip, so every coding is handled here.
func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	body := &decodedBody{Reader: resp.Body, closers: []io.Closer{resp.Body}}

	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "", "identity":
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("fetch: gzip decode: %w", err)
		}
		body.Reader = gz
		body.closers = append(body.closers, gz)
	case "br":
		body.Reader = brotli.NewReader(resp.Body)
	case "deflate":
		rc, err := inflate(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("fetch: deflate decode: %w", err)
		}
		body.Reader = rc
		body.closers = append(body.closers, rc)
	default:
		return nil, fmt.Errorf("fetch: unsupported content encoding %q", encoding)
	}
	return body, nil
}

// inflate reads HTTP deflate, which is zlib-wrapped. Some servers send raw
// DEFLATE instead; a body without a valid zlib header is read that way.
func inflate(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	hdr, err := br.Peek(2)
	if err == nil && hdr[0]&0x0f == 8 && (uint16(hdr[0])<<8|uint16(hdr[1]))%31 == 0 {
		return zlib.NewReader(br)
	}
	return flate.NewReader(br), nil
}

package export

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/chromedp/cdproto/har"

	"github.com/HumanChan/web-loader/internal/types"
)

// BuildHAR converts a record set into a HAR 1.2 log. Records carry no
// header or timing detail, so those sections are left empty.
func BuildHAR(records []types.ResourceRecord, version string) *har.HAR {
	entries := make([]*har.Entry, 0, len(records))
	for _, r := range records {
		entries = append(entries, harEntry(r))
	}
	return &har.HAR{Log: &har.Log{
		Version: "1.2",
		Creator: &har.Creator{Name: "web-loader", Version: version},
		Pages:   []*har.Page{},
		Entries: entries,
	}}
}

// WriteHAR encodes BuildHAR(records) to w.
func WriteHAR(w io.Writer, records []types.ResourceRecord, version string) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(BuildHAR(records, version)); err != nil {
		return fmt.Errorf("har: encode: %w", err)
	}
	return nil
}

func harEntry(r types.ResourceRecord) *har.Entry {
	started := time.UnixMilli(r.StartedAt).UTC()
	elapsed := float64(0)
	if r.FinishedAt > r.StartedAt {
		elapsed = float64(r.FinishedAt - r.StartedAt)
	}
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}

	size := r.SizeOnDisk
	if size <= 0 {
		size = r.ContentLength
	}
	bodySize := int64(-1)
	if size > 0 {
		bodySize = size
	}

	return &har.Entry{
		StartedDateTime: started.Format(time.RFC3339Nano),
		Time:            elapsed,
		Request: &har.Request{
			Method:      method,
			URL:         r.URL,
			HTTPVersion: "HTTP/1.1",
			Cookies:     []*har.Cookie{},
			Headers:     []*har.NameValuePair{},
			QueryString: queryString(r.URL),
			HeadersSize: -1,
			BodySize:    0,
		},
		Response: &har.Response{
			Status:      int64(r.StatusCode),
			StatusText:  http.StatusText(r.StatusCode),
			HTTPVersion: "HTTP/1.1",
			Cookies:     []*har.Cookie{},
			Headers:     []*har.NameValuePair{},
			Content:     &har.Content{Size: size, MimeType: r.MimeType},
			HeadersSize: -1,
			BodySize:    bodySize,
			Comment:     r.ErrorMessage,
		},
		Cache:   &har.Cache{},
		Timings: &har.Timings{Send: 0, Wait: elapsed, Receive: 0},
		Comment: string(r.Type),
	}
}

func queryString(rawURL string) []*har.NameValuePair {
	out := []*har.NameValuePair{}
	u, err := url.Parse(rawURL)
	if err != nil {
		return out
	}
	q := u.Query()
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range q[k] {
			out = append(out, &har.NameValuePair{Name: k, Value: v})
		}
	}
	return out
}

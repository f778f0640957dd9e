package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/HumanChan/web-loader/internal/download"
	"github.com/HumanChan/web-loader/internal/storage"
	"github.com/HumanChan/web-loader/internal/types"
)

const siteRoot = "http://a.test/"

func newRecord(t *testing.T, id, rawURL string, typ types.ResourceType) types.ResourceRecord {
	t.Helper()
	n, err := storage.Normalize(rawURL, siteRoot)
	if err != nil {
		t.Fatalf("Normalize(%q) error = %v", rawURL, err)
	}
	return types.ResourceRecord{
		ID:         id,
		Type:       typ,
		URL:        rawURL,
		Normalized: n,
		Method:     http.MethodGet,
		StatusCode: http.StatusOK,
		State:      types.StateSuccess,
		OriginHost: "a.test",
	}
}

// captured writes body into the session's raw directory and links it.
func captured(t *testing.T, files *storage.FileStore, rec types.ResourceRecord, body string) types.ResourceRecord {
	t.Helper()
	p, err := files.WriteRaw(rec.ID, storage.ExtensionFor(rec.URL, rec.MimeType), []byte(body))
	if err != nil {
		t.Fatalf("WriteRaw() error = %v", err)
	}
	rec.TempFilePath = p
	return rec
}

type mapFetcher map[string]string

func (m mapFetcher) Open(_ context.Context, rawURL string) (*download.Response, error) {
	body, ok := m[rawURL]
	if !ok {
		return nil, errors.New("unexpected status 404")
	}
	return &download.Response{
		FinalURL:   rawURL,
		StatusCode: http.StatusOK,
		Attempts:   1,
		Body:       io.NopCloser(strings.NewReader(body)),
	}, nil
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile(%s) error = %v", path, err)
	}
	return string(b)
}

func TestExportAllWritesRelativePaths(t *testing.T) {
	session := t.TempDir()
	target := filepath.Join(t.TempDir(), "out")
	files := storage.NewFileStore(session)

	records := []types.ResourceRecord{
		newRecord(t, "doc", "http://a.test/", types.TypeDocument),
		captured(t, files, newRecord(t, "js", "http://a.test/x.js", types.TypeScript), "console.log(1)"),
		captured(t, files, newRecord(t, "css", "http://a.test/css/site.css?v=2", types.TypeStylesheet), "body{}"),
		captured(t, files, newRecord(t, "ext", "https://cdn.test/lib/a.js", types.TypeScript), "lib"),
	}

	var updates []types.ExportProgress
	res, err := NewPipeline(Options{}).ExportAll(context.Background(), records, target, session, func(p types.ExportProgress) {
		updates = append(updates, p)
	})
	if err != nil {
		t.Fatalf("ExportAll() error = %v", err)
	}

	if got := readFile(t, filepath.Join(target, "x.js")); got != "console.log(1)" {
		t.Fatalf("x.js = %q", got)
	}
	css := filepath.Join(target, filepath.FromSlash(records[2].Normalized.RelativePathFromRoot))
	if got := readFile(t, css); got != "body{}" {
		t.Fatalf("%s = %q", css, got)
	}
	if got := readFile(t, filepath.Join(target, "external", "cdn.test", "lib", "a.js")); got != "lib" {
		t.Fatalf("external a.js = %q", got)
	}

	if res.Progress.Total != 3 || res.Progress.Completed != 3 || res.Progress.Failed != 0 {
		t.Fatalf("Progress = %+v; want 3/3/0", res.Progress)
	}
	if len(updates) != 4 {
		t.Fatalf("progress callbacks = %d; want 4", len(updates))
	}
	if updates[0].Completed != 0 || updates[0].Total != 3 {
		t.Fatalf("first progress = %+v", updates[0])
	}
	if res.Records[1].SizeOnDisk != int64(len("console.log(1)")) || res.Records[1].FinalFilePath == "" {
		t.Fatalf("record after export = %+v", res.Records[1])
	}

	written, err := storage.ReadIndexFile(filepath.Join(session, storage.IndexFileName))
	if err != nil {
		t.Fatalf("ReadIndexFile() error = %v", err)
	}
	if len(written) != len(records) {
		t.Fatalf("written index has %d records; want %d", len(written), len(records))
	}
}

func TestExportAllCollisionAddsSuffix(t *testing.T) {
	session := t.TempDir()
	target := t.TempDir()
	files := storage.NewFileStore(session)

	a := captured(t, files, newRecord(t, "a", "http://a.test/img.png", types.TypeImage), "first")
	b := captured(t, files, newRecord(t, "b", "http://a.test/img.png", types.TypeImage), "second")

	res, err := NewPipeline(Options{}).ExportAll(context.Background(), []types.ResourceRecord{a, b}, target, session, nil)
	if err != nil {
		t.Fatalf("ExportAll() error = %v", err)
	}
	if got := readFile(t, filepath.Join(target, "img.png")); got != "first" {
		t.Fatalf("img.png = %q; want first", got)
	}
	if got := readFile(t, filepath.Join(target, "img__1.png")); got != "second" {
		t.Fatalf("img__1.png = %q; want second", got)
	}
	if res.Progress.Completed != 2 {
		t.Fatalf("Completed = %d; want 2", res.Progress.Completed)
	}
}

func TestExportAllFileAndDirectorySamePath(t *testing.T) {
	tests := []struct {
		name  string
		order []string
		want  map[string]string
	}{
		{
			name:  "file first",
			order: []string{"http://a.test/api/items", "http://a.test/api/items/1"},
			want: map[string]string{
				"api/items":      "http://a.test/api/items",
				"api/items__1/1": "http://a.test/api/items/1",
			},
		},
		{
			name:  "directory first",
			order: []string{"http://a.test/api/items/1", "http://a.test/api/items"},
			want: map[string]string{
				"api/items/1":  "http://a.test/api/items/1",
				"api/items__1": "http://a.test/api/items",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := t.TempDir()
			target := t.TempDir()
			files := storage.NewFileStore(session)

			var records []types.ResourceRecord
			for i, u := range tt.order {
				rec := newRecord(t, string(rune('a'+i)), u, types.TypeFetch)
				records = append(records, captured(t, files, rec, u))
			}
			res, err := NewPipeline(Options{}).ExportAll(context.Background(), records, target, session, nil)
			if err != nil {
				t.Fatalf("ExportAll() error = %v", err)
			}
			if res.Progress.Completed != 2 || res.Progress.Failed != 0 {
				t.Fatalf("Progress = %+v; missing = %+v", res.Progress, res.Missing)
			}
			for rel, body := range tt.want {
				if got := readFile(t, filepath.Join(target, filepath.FromSlash(rel))); got != body {
					t.Fatalf("%s = %q; want %q", rel, got, body)
				}
			}
		})
	}
}

func TestExportAllEmptiesTarget(t *testing.T) {
	session := t.TempDir()
	target := t.TempDir()
	stale := filepath.Join(target, "old", "stale.txt")
	if err := os.MkdirAll(filepath.Dir(stale), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(stale, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := NewPipeline(Options{}).ExportAll(context.Background(), nil, target, session, nil); err != nil {
		t.Fatalf("ExportAll() error = %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale file survived export: %v", err)
	}
}

func TestExportAllRejectsUnsafeTarget(t *testing.T) {
	session := t.TempDir()
	for _, target := range []string{"", "/", session, filepath.Dir(session)} {
		_, err := NewPipeline(Options{}).ExportAll(context.Background(), nil, target, session, nil)
		if !errors.Is(err, ErrUnsafeTarget) {
			t.Fatalf("ExportAll(%q) error = %v; want ErrUnsafeTarget", target, err)
		}
	}
}

func TestExportAllFallbackFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/late.js" {
			_, _ = io.WriteString(w, "fetched")
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	session := t.TempDir()
	target := t.TempDir()
	late := newRecord(t, "late", srv.URL+"/late.js", types.TypeScript)
	gone := newRecord(t, "gone", srv.URL+"/gone.js", types.TypeScript)

	p := NewPipeline(Options{Fetcher: download.NewHTTPFetcher(srv.Client(), "")})
	res, err := p.ExportAll(context.Background(), []types.ResourceRecord{late, gone}, target, session, nil)
	if err != nil {
		t.Fatalf("ExportAll() error = %v", err)
	}
	if res.Progress.Completed != 1 || res.Progress.Failed != 1 {
		t.Fatalf("Progress = %+v; want 1 completed 1 failed", res.Progress)
	}
	dst := filepath.Join(target, filepath.FromSlash(late.Normalized.RelativePathFromRoot))
	if got := readFile(t, dst); got != "fetched" {
		t.Fatalf("late.js = %q", got)
	}

	items, err := ReadMissingLog(res.MissingLog)
	if err != nil {
		t.Fatalf("ReadMissingLog() error = %v", err)
	}
	if len(items) != 1 || items[0].ID != "gone" || items[0].Reason != ReasonFetchFailed {
		t.Fatalf("missing items = %+v", items)
	}
}

func TestExportAllFindsRawCopy(t *testing.T) {
	session := t.TempDir()
	target := t.TempDir()
	files := storage.NewFileStore(session)

	rec := newRecord(t, "rawonly", "http://a.test/data", types.TypeJSON)
	if _, err := files.WriteRaw("rawonly", ".json", []byte(`{"a":1}`)); err != nil {
		t.Fatal(err)
	}

	res, err := NewPipeline(Options{}).ExportAll(context.Background(), []types.ResourceRecord{rec}, target, session, nil)
	if err != nil {
		t.Fatalf("ExportAll() error = %v", err)
	}
	if res.Progress.Completed != 1 {
		t.Fatalf("Progress = %+v; want raw-dir hit", res.Progress)
	}
}

func TestExportAllNoSource(t *testing.T) {
	session := t.TempDir()
	target := t.TempDir()
	rec := newRecord(t, "none", "http://a.test/none.js", types.TypeScript)

	res, err := NewPipeline(Options{}).ExportAll(context.Background(), []types.ResourceRecord{rec}, target, session, nil)
	if err != nil {
		t.Fatalf("ExportAll() error = %v", err)
	}
	if res.Progress.Failed != 1 || len(res.Missing) != 1 || res.Missing[0].Reason != ReasonNoSource {
		t.Fatalf("result = %+v missing=%+v", res.Progress, res.Missing)
	}
}

type panicFetcher struct{}

func (panicFetcher) Open(context.Context, string) (*download.Response, error) {
	panic("boom")
}

func TestExportAllRecoversPanic(t *testing.T) {
	session := t.TempDir()
	target := t.TempDir()
	files := storage.NewFileStore(session)

	bad := newRecord(t, "bad", "http://a.test/bad.js", types.TypeScript)
	good := captured(t, files, newRecord(t, "good", "http://a.test/good.js", types.TypeScript), "ok")

	p := NewPipeline(Options{Fetcher: panicFetcher{}})
	res, err := p.ExportAll(context.Background(), []types.ResourceRecord{bad, good}, target, session, nil)
	if err != nil {
		t.Fatalf("ExportAll() error = %v", err)
	}
	if res.Progress.Completed != 1 || res.Progress.Failed != 1 {
		t.Fatalf("Progress = %+v; want 1/1", res.Progress)
	}
	if res.Missing[0].Reason != ReasonPanic {
		t.Fatalf("Reason = %q; want panic", res.Missing[0].Reason)
	}
	if got := readFile(t, filepath.Join(target, "good.js")); got != "ok" {
		t.Fatalf("good.js = %q", got)
	}
}

func TestExportAllCompanion(t *testing.T) {
	session := t.TempDir()
	target := t.TempDir()
	files := storage.NewFileStore(session)

	logo := captured(t, files, newRecord(t, "logo", "http://a.test/img/logo.png", types.TypeImage), "png")
	icon := captured(t, files, newRecord(t, "icon", "http://a.test/img/icon.png", types.TypeImage), "png")
	script := captured(t, files, newRecord(t, "js", "http://a.test/app.js", types.TypeScript), "js")

	p := NewPipeline(Options{
		Fetcher:      mapFetcher{"http://a.test/img/logo.webp": "webp"},
		CompanionExt: "webp",
	})
	res, err := p.ExportAll(context.Background(), []types.ResourceRecord{logo, icon, script}, target, session, nil)
	if err != nil {
		t.Fatalf("ExportAll() error = %v", err)
	}
	if got := readFile(t, filepath.Join(target, "img", "logo.webp")); got != "webp" {
		t.Fatalf("logo.webp = %q", got)
	}
	if res.CompanionAttempts != 2 || res.CompanionFailed != 1 {
		t.Fatalf("companion attempts=%d failed=%d; want 2/1", res.CompanionAttempts, res.CompanionFailed)
	}
	if got, want := res.Progress.Completed+res.Progress.Failed, 3+res.CompanionAttempts; got != want {
		t.Fatalf("completed+failed = %d; want %d", got, want)
	}
	if res.Progress.Total != 3+res.CompanionAttempts {
		t.Fatalf("Total = %d; want %d", res.Progress.Total, 3+res.CompanionAttempts)
	}
	if _, err := os.Stat(filepath.Join(target, "img", "icon.png")); err != nil {
		t.Fatalf("primary survived companion failure: %v", err)
	}
}

func TestExportAllCancelled(t *testing.T) {
	session := t.TempDir()
	target := t.TempDir()
	files := storage.NewFileStore(session)
	rec := captured(t, files, newRecord(t, "js", "http://a.test/x.js", types.TypeScript), "x")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := NewPipeline(Options{}).ExportAll(ctx, []types.ResourceRecord{rec}, target, session, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("ExportAll() error = %v; want context.Canceled", err)
	}
	if res == nil || res.Progress.Completed != 0 {
		t.Fatalf("result = %+v", res)
	}
}

func TestWriteHAR(t *testing.T) {
	rec := newRecord(t, "js", "http://a.test/x.js?b=2&a=1", types.TypeScript)
	rec.StartedAt = 1_700_000_000_000
	rec.FinishedAt = rec.StartedAt + 25
	rec.MimeType = "application/javascript"
	rec.SizeOnDisk = 10

	var buf bytes.Buffer
	if err := WriteHAR(&buf, []types.ResourceRecord{rec}, "test"); err != nil {
		t.Fatalf("WriteHAR() error = %v", err)
	}

	var doc struct {
		Log struct {
			Version string `json:"version"`
			Entries []struct {
				Time    float64 `json:"time"`
				Request struct {
					URL         string `json:"url"`
					QueryString []struct {
						Name string `json:"name"`
					} `json:"queryString"`
				} `json:"request"`
				Response struct {
					Status  int `json:"status"`
					Content struct {
						Size     int64  `json:"size"`
						MimeType string `json:"mimeType"`
					} `json:"content"`
				} `json:"response"`
			} `json:"entries"`
		} `json:"log"`
	}
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if doc.Log.Version != "1.2" || len(doc.Log.Entries) != 1 {
		t.Fatalf("log = %+v", doc.Log)
	}
	e := doc.Log.Entries[0]
	if e.Time != 25 || e.Response.Status != 200 || e.Response.Content.Size != 10 || e.Response.Content.MimeType != "application/javascript" {
		t.Fatalf("entry = %+v", e)
	}
	if len(e.Request.QueryString) != 2 || e.Request.QueryString[0].Name != "a" {
		t.Fatalf("queryString = %+v", e.Request.QueryString)
	}
}

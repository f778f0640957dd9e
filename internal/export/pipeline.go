package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/HumanChan/web-loader/internal/download"
	"github.com/HumanChan/web-loader/internal/storage"
	"github.com/HumanChan/web-loader/internal/types"
)

var (
	// ErrUnsafeTarget rejects targets that must never be emptied.
	ErrUnsafeTarget = errors.New("unsafe export target")

	errNoSource = errors.New("no captured bytes and no fallback fetcher")
	errEmpty    = errors.New("empty body")
)

// Options configures a Pipeline.
type Options struct {
	// Fetcher re-fetches resources with no captured bytes. Nil disables the
	// fallback and companion fetches.
	Fetcher      download.Fetcher
	FetchTimeout time.Duration
	// CompanionExt enables companion assets for PNG images, e.g. ".webp".
	CompanionExt string
	// WriteBack receives the size-corrected record set. When nil, records
	// are written to <sessionDir>/index.json.
	WriteBack func([]types.ResourceRecord) error
}

// Result summarizes an export run.
type Result struct {
	TargetDir         string                 `json:"targetDir"`
	Progress          types.ExportProgress   `json:"progress"`
	CompanionAttempts int                    `json:"companionAttempts"`
	CompanionFailed   int                    `json:"companionFailed"`
	MissingLog        string                 `json:"missingLog"`
	Missing           []MissingItem          `json:"-"`
	Records           []types.ResourceRecord `json:"-"`
}

// Pipeline materializes captured records into a directory tree.
type Pipeline struct {
	opts Options
}

// NewPipeline returns a pipeline with opts.
func NewPipeline(opts Options) *Pipeline {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = download.DefaultFetchTimeout
	}
	if opts.CompanionExt != "" && !strings.HasPrefix(opts.CompanionExt, ".") {
		opts.CompanionExt = "." + opts.CompanionExt
	}
	return &Pipeline{opts: opts}
}

// ExportAll empties targetDir and copies every non-document record into it
// at its relative path. Per-record failures are counted and logged to the
// missing-items log in sessionDir; they never abort the run. onProgress is
// called once before the first record and after every record.
func (p *Pipeline) ExportAll(ctx context.Context, records []types.ResourceRecord, targetDir, sessionDir string, onProgress func(types.ExportProgress)) (*Result, error) {
	if err := prepareTarget(targetDir, sessionDir); err != nil {
		return nil, err
	}
	files := storage.NewFileStore(sessionDir)
	scratch, err := os.MkdirTemp("", "webloader-export-*")
	if err != nil {
		return nil, fmt.Errorf("export: scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	out := make([]types.ResourceRecord, len(records))
	copy(out, records)

	run := &run{
		pipeline: p,
		ctx:      ctx,
		files:    files,
		target:   targetDir,
		scratch:  scratch,
		report:   onProgress,
	}
	for _, r := range out {
		if r.Type != types.TypeDocument {
			run.progress.Total++
		}
	}
	run.emit()

	var runErr error
	for i := range out {
		if out[i].Type == types.TypeDocument {
			continue
		}
		if err := ctx.Err(); err != nil {
			runErr = fmt.Errorf("export: %w", err)
			break
		}
		run.exportOne(&out[i])
		run.emit()
	}

	res := &Result{
		TargetDir:         targetDir,
		Progress:          run.progress,
		CompanionAttempts: run.companionAttempts,
		CompanionFailed:   run.companionFailed,
		MissingLog:        filepath.Join(sessionDir, MissingLogFileName),
		Missing:           run.missing,
		Records:           out,
	}

	if err := writeMissingLog(res.MissingLog, run.missing); err != nil {
		slog.Warn("missing-items log write failed", "path", res.MissingLog, "error", err)
	}
	if err := p.writeBack(sessionDir, out); err != nil {
		slog.Warn("export index write-back failed", "session_dir", sessionDir, "error", err)
	}

	slog.Info("export finished",
		"target", targetDir,
		"total", res.Progress.Total,
		"completed", res.Progress.Completed,
		"failed", res.Progress.Failed,
		"bytes", res.Progress.BytesCompleted)
	return res, runErr
}

func (p *Pipeline) writeBack(sessionDir string, records []types.ResourceRecord) error {
	if p.opts.WriteBack != nil {
		return p.opts.WriteBack(records)
	}
	return storage.WriteIndexFile(filepath.Join(sessionDir, storage.IndexFileName), records)
}

type run struct {
	pipeline *Pipeline
	ctx      context.Context
	files    *storage.FileStore
	target   string
	scratch  string
	report   func(types.ExportProgress)

	progress          types.ExportProgress
	companionAttempts int
	companionFailed   int
	missing           []MissingItem
}

func (r *run) emit() {
	if r.report != nil {
		r.report(r.progress)
	}
}

func (r *run) fail(rec types.ResourceRecord, reason Reason, err error) {
	r.progress.Failed++
	r.missing = append(r.missing, missingFor(rec, reason, err))
	slog.Debug("export item failed", "id", rec.ID, "url", rec.URL, "reason", reason, "error", err)
}

// exportOne resolves, copies and accounts for one record. A panic is
// contained to the record.
func (r *run) exportOne(rec *types.ResourceRecord) {
	defer func() {
		if v := recover(); v != nil {
			r.fail(*rec, ReasonPanic, fmt.Errorf("%v", v))
		}
	}()

	src, cleanup, reason, err := r.resolveSource(*rec)
	if cleanup != nil {
		defer cleanup()
	}
	if err != nil {
		r.fail(*rec, reason, err)
		return
	}

	size := storage.FileSize(src)
	if size < 0 {
		r.fail(*rec, ReasonNoSource, fmt.Errorf("source vanished: %s", src))
		return
	}
	r.progress.BytesTotal += size

	dst, err := destinationFor(r.target, *rec)
	if err != nil {
		r.fail(*rec, ReasonCopyFailed, err)
		return
	}
	dst, err = freeParent(r.target, dst)
	if err != nil {
		r.fail(*rec, ReasonCopyFailed, err)
		return
	}
	final, n, err := copyUnique(src, dst)
	if err != nil {
		r.fail(*rec, ReasonCopyFailed, err)
		return
	}

	r.progress.BytesCompleted += n
	r.progress.Completed++
	rec.SizeOnDisk = n
	rec.FinalFilePath = final

	if r.wantsCompanion(*rec) {
		r.exportCompanion(*rec, final)
	}
}

// resolveSource finds bytes for rec: its tempFilePath, then the raw capture
// directory, then a fresh fetch into scratch space.
func (r *run) resolveSource(rec types.ResourceRecord) (string, func(), Reason, error) {
	if rec.TempFilePath != "" && storage.FileSize(rec.TempFilePath) >= 0 {
		return rec.TempFilePath, nil, "", nil
	}
	exts := append([]string{storage.ExtensionFor(rec.URL, rec.MimeType)}, storage.KnownExtensions...)
	if p, ok := r.files.Probe(rec.ID, exts...); ok {
		return p, nil, "", nil
	}
	if r.pipeline.opts.Fetcher == nil {
		return "", nil, ReasonNoSource, errNoSource
	}
	p, err := r.fetchToScratch(rec.ID, rec.URL)
	if err != nil {
		return "", nil, ReasonFetchFailed, err
	}
	return p, func() { _ = os.Remove(p) }, "", nil
}

func (r *run) fetchToScratch(id, rawURL string) (string, error) {
	ctx, cancel := context.WithTimeout(r.ctx, r.pipeline.opts.FetchTimeout)
	defer cancel()

	resp, err := r.pipeline.opts.Fetcher.Open(ctx, rawURL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	f, err := os.CreateTemp(r.scratch, "webloader_"+safeName(id)+"_*")
	if err != nil {
		return "", fmt.Errorf("scratch file: %w", err)
	}
	n, err := io.Copy(f, resp.Body)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && n == 0 {
		err = errEmpty
	}
	if err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// destinationFor maps a record's relative path under target. Paths ending
// in "/" become an index file; the result never escapes target.
func destinationFor(target string, rec types.ResourceRecord) (string, error) {
	rel := rec.Normalized.RelativePathFromRoot
	if rel == "" {
		return "", fmt.Errorf("record has no relative path")
	}
	if unescaped, err := url.PathUnescape(rel); err == nil {
		rel = unescaped
	}
	if strings.HasSuffix(rel, "/") {
		rel += "index" + storage.ExtensionFor(rec.URL, rec.MimeType)
	}
	clean := path.Clean("/" + rel)
	if clean == "/" {
		return "", fmt.Errorf("relative path %q has no file name", rec.Normalized.RelativePathFromRoot)
	}
	return filepath.Join(target, filepath.FromSlash(clean)), nil
}

// freeParent creates the directories between root and dst. A component
// already taken by a file gets the first free __<n> name instead, so
// /api/items and /api/items/1 can both be exported.
func freeParent(root, dst string) (string, error) {
	rel, err := filepath.Rel(root, filepath.Dir(dst))
	if err != nil {
		return "", err
	}
	if rel == "." {
		return dst, nil
	}
	dir := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		candidate := filepath.Join(dir, part)
		for n := 1; ; n++ {
			err := os.Mkdir(candidate, 0o755)
			if err == nil {
				break
			}
			if !errors.Is(err, os.ErrExist) {
				return "", fmt.Errorf("mkdir: %w", err)
			}
			if fi, statErr := os.Stat(candidate); statErr == nil && fi.IsDir() {
				break
			}
			candidate = filepath.Join(dir, fmt.Sprintf("%s__%d", part, n))
		}
		dir = candidate
	}
	return filepath.Join(dir, filepath.Base(dst)), nil
}

// copyUnique copies src to dst, or to the first free dst-with-__<n> name.
// Files are opened with O_EXCL so an existing output is never replaced.
func copyUnique(src, dst string) (string, int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", 0, fmt.Errorf("mkdir: %w", err)
	}
	in, err := os.Open(src)
	if err != nil {
		return "", 0, fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	ext := filepath.Ext(dst)
	base := strings.TrimSuffix(dst, ext)
	candidate := dst
	for n := 1; ; n++ {
		out, err := os.OpenFile(candidate, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			candidate = fmt.Sprintf("%s__%d%s", base, n, ext)
			continue
		}
		if err != nil {
			return "", 0, fmt.Errorf("create %s: %w", candidate, err)
		}
		written, err := io.Copy(out, in)
		closeErr := out.Close()
		if err == nil {
			err = closeErr
		}
		if err != nil {
			_ = os.Remove(candidate)
			return "", 0, fmt.Errorf("copy to %s: %w", candidate, err)
		}
		return candidate, written, nil
	}
}

// prepareTarget creates targetDir and removes anything in it.
func prepareTarget(targetDir, sessionDir string) error {
	if strings.TrimSpace(targetDir) == "" {
		return fmt.Errorf("export: %w: empty path", ErrUnsafeTarget)
	}
	abs, err := filepath.Abs(targetDir)
	if err != nil {
		return fmt.Errorf("export: resolve target: %w", err)
	}
	if abs == filepath.Dir(abs) {
		return fmt.Errorf("export: %w: %s is a filesystem root", ErrUnsafeTarget, abs)
	}
	if sessionDir != "" {
		if sessAbs, err := filepath.Abs(sessionDir); err == nil && within(sessAbs, abs) {
			return fmt.Errorf("export: %w: %s contains the session directory", ErrUnsafeTarget, abs)
		}
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return fmt.Errorf("export: create target: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return fmt.Errorf("export: read target: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(abs, e.Name())); err != nil {
			return fmt.Errorf("export: clear target: %w", err)
		}
	}
	return nil
}

// within reports whether child is parent or below it.
func within(child, parent string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == os.PathSeparator {
			return '_'
		}
		return r
	}, s)
}

package export

import (
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/HumanChan/web-loader/internal/types"
)

// wantsCompanion selects same-origin PNG images when companion mode is on.
func (r *run) wantsCompanion(rec types.ResourceRecord) bool {
	if r.pipeline.opts.CompanionExt == "" || r.pipeline.opts.Fetcher == nil {
		return false
	}
	if rec.Type != types.TypeImage || strings.HasPrefix(rec.Normalized.RelativePathFromRoot, "external/") {
		return false
	}
	if strings.Contains(strings.ToLower(rec.MimeType), "image/png") {
		return true
	}
	return strings.EqualFold(path.Ext(rec.Normalized.Pathname), ".png")
}

// exportCompanion fetches the sibling with the alternate extension and
// writes it next to primary. Failure is counted on its own and never
// touches the primary output.
func (r *run) exportCompanion(rec types.ResourceRecord, primary string) {
	ext := r.pipeline.opts.CompanionExt
	r.companionAttempts++
	r.progress.Total++

	companionURL, err := swapURLExt(rec.URL, ext)
	if err != nil {
		r.companionFailed++
		r.fail(rec, ReasonCompanionMissing, err)
		return
	}
	src, err := r.fetchToScratch(rec.ID+"-companion", companionURL)
	if err != nil {
		r.companionFailed++
		r.fail(rec, ReasonCompanionMissing, err)
		return
	}
	defer os.Remove(src)

	dst := strings.TrimSuffix(primary, filepath.Ext(primary)) + ext
	if _, n, err := copyUnique(src, dst); err != nil {
		r.companionFailed++
		r.fail(rec, ReasonCompanionMissing, err)
	} else {
		r.progress.Completed++
		r.progress.BytesTotal += n
		r.progress.BytesCompleted += n
	}
}

// swapURLExt replaces the extension of the URL's last path segment.
func swapURLExt(rawURL, ext string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	u.Path = strings.TrimSuffix(u.Path, path.Ext(u.Path)) + ext
	u.RawPath = ""
	return u.String(), nil
}

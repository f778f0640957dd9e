package storage

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"mime"
	"net/url"
	stdpath "path"
	"sort"
	"strings"

	"github.com/HumanChan/web-loader/internal/types"
)

// querySuffixPrefix marks a queryHashSuffix as synthetic.
const querySuffixPrefix = "__q_"

// Normalize maps rawURL, resolved against siteRootURL, to its canonical form
// and a deterministic export-relative path. It has no side effects: equal
// inputs always give equal output.
func Normalize(rawURL, siteRootURL string) (types.Normalized, error) {
	base, err := url.Parse(siteRootURL)
	if err != nil {
		return types.Normalized{}, fmt.Errorf("normalize: parse site root: %w", err)
	}
	u, err := base.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return types.Normalized{}, fmt.Errorf("normalize: parse url: %w", err)
	}
	if u.Opaque != "" || u.Host == "" {
		return types.Normalized{}, fmt.Errorf("normalize: url has no host: %q", rawURL)
	}

	u.Fragment = ""
	u.RawFragment = ""
	hostname := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	u.Host = joinHostPort(hostname, port)
	if u.Path == "" {
		u.Path = "/"
		u.RawPath = ""
	}
	if u.RawQuery == "" {
		u.ForceQuery = false
	}

	pathname := u.EscapedPath()
	rel := pathname
	if hostname != strings.ToLower(base.Hostname()) {
		rel = "external/" + hostname + pathname
	}

	return types.Normalized{
		OriginalURL:          rawURL,
		NormalizedURL:        u.String(),
		Host:                 hostname,
		Pathname:             pathname,
		QueryHashSuffix:      QueryHashSuffix(u.RawQuery),
		RelativePathFromRoot: rel,
	}, nil
}

// QueryHashSuffix hashes the key-sorted query string into a short synthetic
// suffix. An empty query yields "".
func QueryHashSuffix(rawQuery string) string {
	canon := canonicalQuery(rawQuery)
	if canon == "" {
		return ""
	}
	sum := md5.Sum([]byte(canon))
	return querySuffixPrefix + hex.EncodeToString(sum[:])[:8]
}

// canonicalQuery re-serializes a query with its pairs stably sorted by key.
func canonicalQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	type pair struct{ key, value string }
	var pairs []pair
	for _, part := range strings.Split(rawQuery, "&") {
		if part == "" {
			continue
		}
		k, v, _ := strings.Cut(part, "=")
		if dk, err := url.QueryUnescape(k); err == nil {
			k = dk
		}
		if dv, err := url.QueryUnescape(v); err == nil {
			v = dv
		}
		pairs = append(pairs, pair{k, v})
	}
	if len(pairs) == 0 {
		return ""
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].key < pairs[j].key })

	var b strings.Builder
	for i, p := range pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.value))
	}
	return b.String()
}

func joinHostPort(host, port string) string {
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port == "" {
		return host
	}
	return host + ":" + port
}

// MapResourceType maps the host's resource-type hint to a ResourceType,
// refining by MIME type when the hint is missing or uninformative.
func MapResourceType(hint, mimeType string) types.ResourceType {
	h := strings.ToLower(hint)
	switch {
	case h == "":
	case strings.Contains(h, "stylesheet"):
		return types.TypeStylesheet
	case strings.Contains(h, "script"):
		return types.TypeScript
	case strings.Contains(h, "image"):
		return types.TypeImage
	case strings.Contains(h, "font"):
		return types.TypeFont
	case strings.Contains(h, "media"), strings.Contains(h, "audio"), strings.Contains(h, "video"):
		return types.TypeAudio
	case strings.Contains(h, "xhr"):
		return types.TypeXHR
	case strings.Contains(h, "fetch"):
		return types.TypeFetch
	case strings.Contains(h, "document"):
		return types.TypeDocument
	}
	return SniffResourceType(mimeType)
}

// SniffResourceType derives a ResourceType from a Content-Type value.
func SniffResourceType(contentType string) types.ResourceType {
	mt := mediaType(contentType)
	switch {
	case mt == "":
		return types.TypeOther
	case mt == "text/css":
		return types.TypeStylesheet
	case strings.Contains(mt, "javascript"), strings.Contains(mt, "ecmascript"):
		return types.TypeScript
	case strings.HasPrefix(mt, "image/"):
		return types.TypeImage
	case strings.HasPrefix(mt, "font/"), strings.Contains(mt, "font-woff"), mt == "application/vnd.ms-fontobject":
		return types.TypeFont
	case strings.HasPrefix(mt, "audio/"), strings.HasPrefix(mt, "video/"):
		return types.TypeAudio
	case mt == "application/json", strings.HasSuffix(mt, "+json"):
		return types.TypeJSON
	case mt == "text/html", mt == "application/xhtml+xml":
		return types.TypeDocument
	default:
		return types.TypeOther
	}
}

func mediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt, _, _ = strings.Cut(contentType, ";")
	}
	return strings.ToLower(strings.TrimSpace(mt))
}

// KnownExtensions are probed, in order, when locating captured bytes by id.
var KnownExtensions = []string{"", ".js", ".css", ".png", ".jpg", ".jpeg", ".webp", ".gif", ".svg", ".woff", ".woff2", ".ttf", ".otf", ".mp3", ".m4a", ".ogg", ".json", ".bin"}

var mimeExtensions = map[string]string{
	"text/css":                      ".css",
	"text/javascript":               ".js",
	"application/javascript":        ".js",
	"application/x-javascript":      ".js",
	"application/json":              ".json",
	"image/png":                     ".png",
	"image/jpeg":                    ".jpg",
	"image/webp":                    ".webp",
	"image/gif":                     ".gif",
	"image/svg+xml":                 ".svg",
	"image/x-icon":                  ".ico",
	"image/avif":                    ".avif",
	"font/woff":                     ".woff",
	"font/woff2":                    ".woff2",
	"font/ttf":                      ".ttf",
	"font/otf":                      ".otf",
	"audio/mpeg":                    ".mp3",
	"audio/mp4":                     ".m4a",
	"audio/ogg":                     ".ogg",
	"video/mp4":                     ".mp4",
	"video/mp2t":                    ".ts",
	"text/html":                     ".html",
	"application/vnd.apple.mpegurl": ".m3u8",
	"application/x-mpegurl":         ".m3u8",
}

// ExtensionFor infers a file extension for a resource, preferring the URL
// path and falling back to the MIME type, then ".bin".
func ExtensionFor(rawURL, mimeType string) string {
	if u, err := url.Parse(rawURL); err == nil {
		ext := strings.ToLower(stdpath.Ext(u.Path))
		if isPlainExt(ext) {
			return ext
		}
	}
	if ext, ok := mimeExtensions[mediaType(mimeType)]; ok {
		return ext
	}
	return ".bin"
}

func isPlainExt(ext string) bool {
	if len(ext) < 2 || len(ext) > 6 {
		return false
	}
	for _, c := range ext[1:] {
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}

package download

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/grafov/m3u8"

	"github.com/HumanChan/web-loader/internal/types"
)

// PlaylistEntry is a resource referenced by an HLS playlist.
type PlaylistEntry struct {
	URL  string
	Type types.ResourceType
}

// IsPlaylist reports whether a resource looks like an HLS playlist.
func IsPlaylist(rawURL, contentType string) bool {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "mpegurl") {
		return true
	}
	if u, err := url.Parse(rawURL); err == nil {
		return strings.HasSuffix(strings.ToLower(u.Path), ".m3u8")
	}
	return false
}

// PlaylistEntries decodes a master or media playlist and returns the absolute
// URLs it references. Variant playlists are typed "other", segments "audio".
func PlaylistEntries(r io.Reader, baseURL string) ([]PlaylistEntry, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("hls: parse base url: %w", err)
	}
	p, listType, err := m3u8.DecodeFrom(r, true)
	if err != nil {
		return nil, fmt.Errorf("hls: decode: %w", err)
	}

	seen := make(map[string]bool)
	var out []PlaylistEntry
	add := func(ref string, typ types.ResourceType) {
		if ref == "" {
			return
		}
		abs := resolveURL(base, ref)
		if seen[abs] {
			return
		}
		seen[abs] = true
		out = append(out, PlaylistEntry{URL: abs, Type: typ})
	}

	switch listType {
	case m3u8.MASTER:
		master := p.(*m3u8.MasterPlaylist)
		for _, v := range master.Variants {
			if v == nil {
				continue
			}
			add(v.URI, types.TypeOther)
			for _, alt := range v.Alternatives {
				if alt != nil {
					add(alt.URI, types.TypeOther)
				}
			}
		}
	case m3u8.MEDIA:
		media := p.(*m3u8.MediaPlaylist)
		if media.Key != nil {
			add(media.Key.URI, types.TypeOther)
		}
		for _, seg := range media.Segments {
			if seg == nil {
				continue
			}
			if seg.Key != nil {
				add(seg.Key.URI, types.TypeOther)
			}
			add(seg.URI, types.TypeAudio)
		}
	default:
		return nil, fmt.Errorf("hls: unknown playlist type")
	}
	return out, nil
}

func resolveURL(base *url.URL, ref string) string {
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(refURL).String()
}

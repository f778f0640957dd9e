package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/HumanChan/web-loader/internal/types"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	for _, k := range []string{"WEBLOADER_CDP_URL", "WEBLOADER_MAX_CONCURRENT_DOWNLOADS", "WEBLOADER_FETCH_TIMEOUT", "WEBLOADER_COMPANION_EXT"} {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MaxConcurrentDownloads != 4 {
		t.Fatalf("MaxConcurrentDownloads = %d; want 4", cfg.MaxConcurrentDownloads)
	}
	if cfg.FetchTimeout != 60*time.Second || cfg.PersistDebounce != 300*time.Millisecond || cfg.RescanInterval != 2*time.Second {
		t.Fatalf("timings = %v %v %v", cfg.FetchTimeout, cfg.PersistDebounce, cfg.RescanInterval)
	}
	if cfg.CompanionExt != "" {
		t.Fatalf("CompanionExt = %q; want companion assets off by default", cfg.CompanionExt)
	}
	if !cfg.LaunchBrowser {
		t.Fatal("LaunchBrowser = false; want true without WEBLOADER_CDP_URL")
	}
	if got, want := cfg.GetCDPURL(), "http://127.0.0.1:9222"; got != want {
		t.Fatalf("GetCDPURL() = %q; want %q", got, want)
	}
}

func TestLoadOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("WEBLOADER_CDP_URL", "ws://10.0.0.5:9222/devtools/browser/x")
	t.Setenv("WEBLOADER_MAX_CONCURRENT_DOWNLOADS", "0")
	t.Setenv("WEBLOADER_FETCH_TIMEOUT", "5s")
	t.Setenv("WEBLOADER_COMPANION_EXT", "avif")
	t.Setenv("WEBLOADER_HOST_RPS", "2.5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LaunchBrowser {
		t.Fatal("LaunchBrowser = true; want false with explicit CDP URL")
	}
	if cfg.GetCDPURL() != "ws://10.0.0.5:9222/devtools/browser/x" {
		t.Fatalf("GetCDPURL() = %q", cfg.GetCDPURL())
	}
	if cfg.MaxConcurrentDownloads != 1 {
		t.Fatalf("MaxConcurrentDownloads = %d; want clamp to 1", cfg.MaxConcurrentDownloads)
	}
	if cfg.FetchTimeout != 5*time.Second || cfg.CompanionExt != ".avif" || cfg.HostRPS != 2.5 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filter.yaml")
	yml := "exclude_url_substrings:\n  - /analytics/\n  - doubleclick.net\nexclude_types:\n  - font\n"
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatalf("WriteFile() = %v", err)
	}

	f, err := LoadFilter(path)
	if err != nil {
		t.Fatalf("LoadFilter() error = %v", err)
	}
	tests := []struct {
		url  string
		typ  types.ResourceType
		want bool
	}{
		{url: "http://a.test/analytics/p.gif", typ: types.TypeImage, want: true},
		{url: "https://ad.doubleclick.net/x.js", typ: types.TypeScript, want: true},
		{url: "http://a.test/f.woff2", typ: types.TypeFont, want: true},
		{url: "http://a.test/app.js", typ: types.TypeScript, want: false},
	}
	for _, tt := range tests {
		if got := f.Excludes(tt.url, tt.typ); got != tt.want {
			t.Fatalf("Excludes(%q, %q) = %v; want %v", tt.url, tt.typ, got, tt.want)
		}
	}

	var nilFilter *CaptureFilter
	if nilFilter.Excludes("http://a.test/x", types.TypeOther) {
		t.Fatal("nil filter excluded a resource")
	}
}

func TestLoadFilterRejectsUnknownType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filter.yaml")
	if err := os.WriteFile(path, []byte("exclude_types: [video]\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() = %v", err)
	}
	if _, err := LoadFilter(path); err == nil {
		t.Fatal("LoadFilter() error = nil; want unknown type error")
	}
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir(%q): %v", dir, err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatalf("restore Chdir(%q): %v", prev, err)
		}
	})
}

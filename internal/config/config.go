package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the web-loader service.
type Config struct {
	// HTTP command interface
	BindAddr         string
	PortAutoFallback bool

	// Storage
	SessionsDir string
	SettingsDB  string

	// Browser connection. CDPURL wins over address/port when set.
	CDPURL            string
	CDPAddress        string
	CDPPort           int
	BrowserProfileDir string
	Headless          bool
	LaunchBrowser     bool

	// Capture and download behavior
	MaxConcurrentDownloads int
	FetchTimeout           time.Duration
	PersistDebounce        time.Duration
	RescanInterval         time.Duration
	InlineBodies           bool
	InlineMaxBytes         int64
	HostRPS                float64
	ExpandPlaylists        bool
	CompanionExt           string
	FilterFile             string
	Journal                bool

	// Export completion notification endpoint (optional).
	NotifyURL string

	LogLevel string
	LogFile  string
}

// Load reads configuration from environment variables and optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		BindAddr:               getEnvOrDefault("WEBLOADER_BIND_ADDR", "127.0.0.1:8190"),
		PortAutoFallback:       getEnvBoolOrDefault("WEBLOADER_PORT_AUTO_FALLBACK", true),
		SessionsDir:            getEnvOrDefault("WEBLOADER_SESSIONS_DIR", "./temp/sessions"),
		SettingsDB:             getEnvOrDefault("WEBLOADER_SETTINGS_DB", "./data/settings.db"),
		CDPURL:                 getEnvOrDefault("WEBLOADER_CDP_URL", ""),
		CDPAddress:             getEnvOrDefault("WEBLOADER_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:                getEnvIntOrDefault("WEBLOADER_CDP_PORT", 9222),
		BrowserProfileDir:      getEnvOrDefault("WEBLOADER_BROWSER_PROFILE_DIR", "./data/chromium-profile"),
		Headless:               getEnvBoolOrDefault("WEBLOADER_HEADLESS", false),
		MaxConcurrentDownloads: getEnvIntOrDefault("WEBLOADER_MAX_CONCURRENT_DOWNLOADS", 4),
		FetchTimeout:           getEnvDurationOrDefault("WEBLOADER_FETCH_TIMEOUT", 60*time.Second),
		PersistDebounce:        getEnvDurationOrDefault("WEBLOADER_PERSIST_DEBOUNCE", 300*time.Millisecond),
		RescanInterval:         getEnvDurationOrDefault("WEBLOADER_RESCAN_INTERVAL", 2*time.Second),
		InlineBodies:           getEnvBoolOrDefault("WEBLOADER_INLINE_BODIES", true),
		InlineMaxBytes:         int64(getEnvIntOrDefault("WEBLOADER_INLINE_MAX_BYTES", 50*1024*1024)),
		HostRPS:                getEnvFloatOrDefault("WEBLOADER_HOST_RPS", 0),
		ExpandPlaylists:        getEnvBoolOrDefault("WEBLOADER_EXPAND_PLAYLISTS", false),
		CompanionExt:           getEnvOrDefault("WEBLOADER_COMPANION_EXT", ""),
		FilterFile:             getEnvOrDefault("WEBLOADER_FILTER_FILE", ""),
		Journal:                getEnvBoolOrDefault("WEBLOADER_JOURNAL", true),
		NotifyURL:              getEnvOrDefault("WEBLOADER_NOTIFY_URL", ""),
		LogLevel:               strings.ToLower(getEnvOrDefault("WEBLOADER_LOG_LEVEL", "info")),
		LogFile:                getEnvOrDefault("WEBLOADER_LOG_FILE", "logs/webloader.log"),
	}
	cfg.LaunchBrowser = cfg.CDPURL == ""

	if cfg.MaxConcurrentDownloads < 1 {
		cfg.MaxConcurrentDownloads = 1
	}
	if cfg.CompanionExt != "" && !strings.HasPrefix(cfg.CompanionExt, ".") {
		cfg.CompanionExt = "." + cfg.CompanionExt
	}
	if cfg.FetchTimeout <= 0 {
		return nil, fmt.Errorf("config: WEBLOADER_FETCH_TIMEOUT must be positive")
	}
	return cfg, nil
}

// GetCDPURL returns the CDP HTTP endpoint used by the chromedp remote allocator.
func (c *Config) GetCDPURL() string {
	if c.CDPURL != "" {
		return c.CDPURL
	}
	return fmt.Sprintf("http://%s:%d", c.CDPAddress, c.CDPPort)
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloatOrDefault(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

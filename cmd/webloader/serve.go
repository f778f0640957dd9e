package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/HumanChan/web-loader/internal/api"
	"github.com/HumanChan/web-loader/internal/browser"
	"github.com/HumanChan/web-loader/internal/capture"
	"github.com/HumanChan/web-loader/internal/cdp"
	"github.com/HumanChan/web-loader/internal/config"
	"github.com/HumanChan/web-loader/internal/controller"
	"github.com/HumanChan/web-loader/internal/netutil"
	"github.com/HumanChan/web-loader/internal/relay"
	"github.com/HumanChan/web-loader/internal/session"
	"github.com/HumanChan/web-loader/internal/settings"
)

const (
	bindFallbackPorts = 10
	shutdownTimeout   = 15 * time.Second
)

type serveCmd struct{}

func (c *serveCmd) Run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		if _, writeErr := io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n"); writeErr != nil {
			slog.Debug("logger setup stderr write failed", "error", writeErr)
		}
		return err
	}

	slog.Info("webloader config loaded",
		"version", version,
		"bind_addr", cfg.BindAddr,
		"sessions_dir", cfg.SessionsDir,
		"settings_db", cfg.SettingsDB,
		"cdp_url", cfg.GetCDPURL(),
		"launch_browser", cfg.LaunchBrowser,
		"max_concurrent_downloads", cfg.MaxConcurrentDownloads,
		"fetch_timeout", cfg.FetchTimeout,
		"host_rps", cfg.HostRPS,
		"expand_playlists", cfg.ExpandPlaylists,
		"companion_ext", cfg.CompanionExt,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	ctx := context.Background()

	st, err := settings.Open(cfg.SettingsDB)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Debug("settings close failed", "error", err)
		}
	}()

	cdpURL := cfg.GetCDPURL()
	if cfg.LaunchBrowser {
		launcher := browser.NewLauncher(browser.Config{
			CDPAddress: cfg.CDPAddress,
			CDPPort:    cfg.CDPPort,
			ProfileDir: cfg.BrowserProfileDir,
			Headless:   cfg.Headless,
		})
		if err := launcher.Launch(ctx); err != nil {
			return fmt.Errorf("launch browser: %w", err)
		}
		defer launcher.Stop()
		cdpURL = launcher.CDPURL()
	}

	b, err := cdp.Connect(ctx, cdpURL)
	if err != nil {
		return fmt.Errorf("connect browser at %s: %w", cdpURL, err)
	}
	defer func() {
		if err := b.Close(); err != nil {
			slog.Debug("browser connection close failed", "error", err)
		}
	}()

	var filter capture.Filter
	if cfg.FilterFile != "" {
		f, err := config.LoadFilter(cfg.FilterFile)
		if err != nil {
			return err
		}
		filter = f
	}

	store, err := session.NewStore(cfg.SessionsDir)
	if err != nil {
		return err
	}
	mgr := session.NewManager(
		session.BrowserHost{
			Browser: b,
			Options: cdp.TargetOptions{InlineBodies: cfg.InlineBodies, InlineMaxBytes: cfg.InlineMaxBytes},
		},
		store,
		session.Options{
			MaxConcurrent:   st.Int(ctx, settings.KeyMaxConcurrentDownloads, cfg.MaxConcurrentDownloads),
			FetchTimeout:    cfg.FetchTimeout,
			PersistDebounce: cfg.PersistDebounce,
			RescanInterval:  cfg.RescanInterval,
			HostRPS:         cfg.HostRPS,
			ExpandPlaylists: cfg.ExpandPlaylists,
			Filter:          filter,
			Journal:         cfg.Journal,
		},
	)

	if st.Bool(ctx, settings.KeyCleanupLastTemp, false) {
		n, err := mgr.CleanupStale()
		if err != nil {
			slog.Warn("stale session cleanup failed", "dir", cfg.SessionsDir, "error", err)
		} else {
			slog.Info("stale sessions removed", "count", n)
		}
	}

	broker := relay.NewBroker()
	svc := controller.NewService(mgr, st, broker, controller.Options{
		CompanionExt: cfg.CompanionExt,
		FetchTimeout: cfg.FetchTimeout,
		NotifyURL:    cfg.NotifyURL,
		Version:      version,
	})

	bindAddr, err := netutil.SelectBindAddr(cfg.BindAddr, netutil.FallbackAddrs(cfg.BindAddr, bindFallbackPorts), cfg.PortAutoFallback)
	if err != nil {
		return fmt.Errorf("select bind address near %s: %w", cfg.BindAddr, err)
	}

	srv := &http.Server{Addr: bindAddr, Handler: api.NewServer(svc, broker, version)}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("webloader listening", "addr", bindAddr, "docs", "http://"+bindAddr+"/docs")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	var serveErr error
	select {
	case sig := <-sigCh:
		slog.Info("shutdown requested", "signal", sig.String())
	case serveErr = <-errCh:
		slog.Error("webloader server failed", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("webloader shutdown failed", "error", err)
	}
	svc.Close(shutdownCtx)
	return serveErr
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}

package controller

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/HumanChan/web-loader/internal/download"
	"github.com/HumanChan/web-loader/internal/export"
	"github.com/HumanChan/web-loader/internal/notify"
	"github.com/HumanChan/web-loader/internal/relay"
	"github.com/HumanChan/web-loader/internal/session"
	"github.com/HumanChan/web-loader/internal/settings"
	"github.com/HumanChan/web-loader/internal/storage"
	"github.com/HumanChan/web-loader/internal/types"
)

const notifyTimeout = 10 * time.Second

// Options configures a Service.
type Options struct {
	CompanionExt string
	FetchTimeout time.Duration
	NotifyURL    string
	NotifyClient *http.Client
	Version      string
}

// Service is the command interface over the capture session, export
// pipeline and settings.
type Service struct {
	sessions *session.Manager
	settings *settings.Store
	broker   *relay.Broker
	opts     Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService composes the command interface. settings and broker may be nil.
func NewService(sessions *session.Manager, store *settings.Store, broker *relay.Broker, opts Options) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		sessions: sessions,
		settings: store,
		broker:   broker,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// RecordsResult is a records snapshot with its live summary.
type RecordsResult struct {
	Session types.CaptureSession   `json:"session"`
	Records []types.ResourceRecord `json:"records"`
	Summary types.LiveSummary      `json:"summary"`
}

func (s *Service) requireNonEmpty(value, fieldName string) error {
	if strings.TrimSpace(value) == "" {
		return &CodedError{Code: CodeValidation, Message: fieldName + " is required"}
	}
	return nil
}

// sessionErr maps session package errors to coded errors.
func sessionErr(err error, fallback string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrInvalidURL), errors.Is(err, session.ErrInvalidID):
		return newError(CodeValidation, err.Error(), nil)
	case errors.Is(err, session.ErrNoSession):
		return newError(CodeNoSession, "no active session", err)
	case errors.Is(err, session.ErrBusy), errors.Is(err, session.ErrActive):
		return newError(CodeSessionBusy, err.Error(), nil)
	case errors.Is(err, session.ErrNotFound):
		return newError(CodeNotFound, err.Error(), nil)
	default:
		return newError(fallback, err.Error(), err)
	}
}

func (s *Service) publish(typ string, v any) {
	if s.broker != nil {
		s.broker.PublishJSON(typ, v)
	}
}

// Navigate starts a new capture session on rawURL.
func (s *Service) Navigate(ctx context.Context, rawURL string) (types.CaptureSession, error) {
	if err := s.requireNonEmpty(rawURL, "url"); err != nil {
		return types.CaptureSession{}, err
	}
	info, err := s.sessions.Navigate(ctx, strings.TrimSpace(rawURL))
	if err != nil {
		return types.CaptureSession{}, sessionErr(err, CodeBrowserUnavailable)
	}
	s.publish(relay.TypeSession, info)
	return info, nil
}

func (s *Service) Pause() (types.CaptureSession, error) {
	info, err := s.sessions.Pause()
	if err != nil {
		return types.CaptureSession{}, sessionErr(err, CodeSessionBusy)
	}
	s.publish(relay.TypeSession, info)
	return info, nil
}

func (s *Service) Resume() (types.CaptureSession, error) {
	info, err := s.sessions.Resume()
	if err != nil {
		return types.CaptureSession{}, sessionErr(err, CodeSessionBusy)
	}
	s.publish(relay.TypeSession, info)
	return info, nil
}

func (s *Service) Stop(ctx context.Context) (types.CaptureSession, error) {
	info, err := s.sessions.Stop(ctx)
	if err != nil {
		return types.CaptureSession{}, sessionErr(err, CodeSessionBusy)
	}
	s.publish(relay.TypeSession, info)
	return info, nil
}

// Status reports counters for the current session.
func (s *Service) Status() (session.Status, error) {
	cur, err := s.sessions.Current()
	if err != nil {
		return session.Status{}, sessionErr(err, CodeNoSession)
	}
	return cur.Status(), nil
}

// GetRecords reads the persisted index of the current session.
func (s *Service) GetRecords() (RecordsResult, error) {
	cur, err := s.sessions.Current()
	if err != nil {
		return RecordsResult{}, sessionErr(err, CodeNoSession)
	}
	records, err := storage.ReadIndexFile(filepath.Join(cur.Dir(), storage.IndexFileName))
	if err != nil {
		return RecordsResult{}, newError(CodeStoreFailed, "read index", err)
	}
	return RecordsResult{
		Session: cur.Info(),
		Records: records,
		Summary: types.Summarize(records),
	}, nil
}

// WriteHAR writes the current session's persisted index as a HAR log.
func (s *Service) WriteHAR(w io.Writer) error {
	res, err := s.GetRecords()
	if err != nil {
		return err
	}
	if err := export.WriteHAR(w, res.Records, s.opts.Version); err != nil {
		return newError(CodeStoreFailed, "write har", err)
	}
	return nil
}

// Sessions lists session directories, newest first.
func (s *Service) Sessions() ([]types.CaptureSession, error) {
	list, err := s.sessions.Store().List()
	if err != nil {
		return nil, newError(CodeStoreFailed, "list sessions", err)
	}
	return list, nil
}

// Cleanup removes a stopped session's directory.
func (s *Service) Cleanup(sessionID string) error {
	if err := s.requireNonEmpty(sessionID, "session_id"); err != nil {
		return err
	}
	if err := s.sessions.Cleanup(strings.TrimSpace(sessionID)); err != nil {
		return sessionErr(err, CodeStoreFailed)
	}
	return nil
}

// resolveTarget applies the export.baseDir fallback.
func (s *Service) resolveTarget(ctx context.Context, targetDir string) (string, error) {
	target := strings.TrimSpace(targetDir)
	if target == "" && s.settings != nil {
		v, _, err := s.settings.Get(ctx, settings.KeyExportBaseDir)
		if err != nil {
			return "", newError(CodeStoreFailed, "read export.baseDir", err)
		}
		target = strings.TrimSpace(v)
	}
	if target == "" {
		return "", newError(CodeValidation, "target_dir is required (no export.baseDir setting)", nil)
	}
	return target, nil
}

// StartExport validates the request, marks the session exporting and runs
// the export in the background. Progress and completion are published on
// the broker.
func (s *Service) StartExport(ctx context.Context, targetDir string) (string, error) {
	cur, target, err := s.beginExport(ctx, targetDir)
	if err != nil {
		return "", err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.runExport(s.ctx, cur, target); err != nil {
			slog.Warn("background export failed", "target", target, "error", err)
		}
	}()
	return target, nil
}

// RunExport exports the current session into targetDir and waits for it.
func (s *Service) RunExport(ctx context.Context, targetDir string) (*export.Result, error) {
	cur, target, err := s.beginExport(ctx, targetDir)
	if err != nil {
		return nil, err
	}
	return s.runExport(ctx, cur, target)
}

func (s *Service) beginExport(ctx context.Context, targetDir string) (*session.Session, string, error) {
	cur, err := s.sessions.Current()
	if err != nil {
		return nil, "", sessionErr(err, CodeNoSession)
	}
	target, err := s.resolveTarget(ctx, targetDir)
	if err != nil {
		return nil, "", err
	}
	if err := cur.BeginExport(); err != nil {
		return nil, "", sessionErr(err, CodeSessionBusy)
	}
	return cur, target, nil
}

// exportDone is the payload of the export-done event.
type exportDone struct {
	SessionID string         `json:"sessionId"`
	Result    *export.Result `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

func (s *Service) runExport(ctx context.Context, cur *session.Session, target string) (*export.Result, error) {
	defer cur.EndExport()

	fetcher := cur.Fetcher()
	if fetcher == nil {
		fetcher = download.NewHTTPFetcher(nil, "")
	}
	p := export.NewPipeline(export.Options{
		Fetcher:      fetcher,
		FetchTimeout: s.opts.FetchTimeout,
		CompanionExt: s.opts.CompanionExt,
		WriteBack:    cur.ApplyExport,
	})

	slog.Info("export started", "session_id", cur.ID(), "target", target)
	res, err := p.ExportAll(ctx, cur.Index().Snapshot(), target, cur.Dir(), func(pr types.ExportProgress) {
		s.publish(relay.TypeExportProgress, pr)
	})
	if err != nil {
		coded := newError(CodeExportFailed, "export to "+target, err)
		if errors.Is(err, export.ErrUnsafeTarget) {
			coded = newError(CodeValidation, err.Error(), err)
		}
		s.publish(relay.TypeExportDone, exportDone{SessionID: cur.ID(), Result: res, Error: err.Error()})
		return res, coded
	}
	s.publish(relay.TypeExportDone, exportDone{SessionID: cur.ID(), Result: res})

	if s.settings != nil {
		if err := s.settings.Set(ctx, settings.KeyExportBaseDir, target); err != nil {
			slog.Debug("remember export dir failed", "error", err)
		}
	}
	s.notifyExport(cur.ID(), res)
	return res, nil
}

func (s *Service) notifyExport(sessionID string, res *export.Result) {
	if s.opts.NotifyURL == "" {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, notifyTimeout)
	defer cancel()
	if err := notify.SendExport(ctx, s.opts.NotifyClient, s.opts.NotifyURL, sessionID, res.TargetDir, res.Progress); err != nil {
		slog.Warn("export notification failed", "url", s.opts.NotifyURL, "error", err)
	}
}

// Settings returns every stored setting.
func (s *Service) Settings(ctx context.Context) (map[string]string, error) {
	if s.settings == nil {
		return map[string]string{}, nil
	}
	all, err := s.settings.All(ctx)
	if err != nil {
		return nil, newError(CodeStoreFailed, "read settings", err)
	}
	return all, nil
}

// SetSetting stores one setting. capture.maxConcurrentDownloads applies to
// the next session.
func (s *Service) SetSetting(ctx context.Context, key, value string) error {
	if err := s.requireNonEmpty(key, "key"); err != nil {
		return err
	}
	if s.settings == nil {
		return newError(CodeStoreFailed, "settings store not configured", nil)
	}
	if err := s.settings.Set(ctx, key, value); err != nil {
		if errors.Is(err, settings.ErrUnknownKey) || errors.Is(err, settings.ErrInvalidValue) {
			return newError(CodeValidation, err.Error(), nil)
		}
		return newError(CodeStoreFailed, "write setting", err)
	}
	if key == settings.KeyMaxConcurrentDownloads {
		if n, err := strconv.Atoi(value); err == nil {
			s.sessions.SetMaxConcurrent(n)
		}
	}
	return nil
}

// Close cancels background exports, waits for them, and stops the session.
func (s *Service) Close(ctx context.Context) {
	s.cancel()
	s.wg.Wait()
	s.sessions.Close(ctx)
}

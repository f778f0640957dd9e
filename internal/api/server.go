package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/HumanChan/web-loader/internal/controller"
	"github.com/HumanChan/web-loader/internal/export"
	"github.com/HumanChan/web-loader/internal/relay"
	"github.com/HumanChan/web-loader/internal/session"
	"github.com/HumanChan/web-loader/internal/types"
)

type Service interface {
	Navigate(ctx context.Context, rawURL string) (types.CaptureSession, error)
	Pause() (types.CaptureSession, error)
	Resume() (types.CaptureSession, error)
	Stop(ctx context.Context) (types.CaptureSession, error)
	Status() (session.Status, error)
	GetRecords() (controller.RecordsResult, error)
	WriteHAR(w io.Writer) error
	Sessions() ([]types.CaptureSession, error)
	Cleanup(sessionID string) error
	StartExport(ctx context.Context, targetDir string) (string, error)
	RunExport(ctx context.Context, targetDir string) (*export.Result, error)
	Settings(ctx context.Context) (map[string]string, error)
	SetSetting(ctx context.Context, key, value string) error
}

type sessionOutput struct {
	Body types.CaptureSession
}

// NewServer builds the HTTP command interface. broker may be nil, in which
// case the event stream routes are not mounted.
func NewServer(svc Service, broker *relay.Broker, version string) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger(svc))
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("web-loader API", version)
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})
	router.Get("/docs/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(eventsDocsHTML)); err != nil {
			slog.Debug("events docs response write failed", "error", err)
		}
	})

	if broker != nil {
		router.Get("/api/v1/events", relay.SSEHandler(broker))
		router.Get("/api/v1/events/ws", relay.WSHandler(broker))
	}

	registerSessionHandlers(api, svc)
	registerExportHandlers(api, svc)
	registerMiscHandlers(api, svc)

	return router
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *controller.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case controller.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case controller.CodeNoSession, controller.CodeNotFound:
			return huma.Error404NotFound(coded.Message)
		case controller.CodeSessionBusy:
			return huma.Error409Conflict(coded.Message)
		case controller.CodeBrowserUnavailable:
			return huma.Error502BadGateway(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}

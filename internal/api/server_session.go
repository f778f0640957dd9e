package api

import (
	"bytes"
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/HumanChan/web-loader/internal/controller"
	"github.com/HumanChan/web-loader/internal/session"
	"github.com/HumanChan/web-loader/internal/types"
)

func registerSessionHandlers(api huma.API, svc Service) {
	type navigateInput struct {
		Body struct {
			URL string `json:"url" doc:"Absolute http(s) URL to open in a fresh partition"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "navigate",
		Method:      http.MethodPost,
		Path:        "/api/v1/session/navigate",
		Summary:     "Start a capture session on a URL",
		Description: "Tears down the previous session and opens the URL in a new isolated partition.",
		Tags:        []string{"Session"},
	}, func(ctx context.Context, input *navigateInput) (*sessionOutput, error) {
		info, err := svc.Navigate(ctx, input.Body.URL)
		if err != nil {
			return nil, mapErr(err)
		}
		return &sessionOutput{Body: info}, nil
	})

	huma.Register(api, huma.Operation{OperationID: "pause-capture", Method: http.MethodPost, Path: "/api/v1/session/pause", Summary: "Pause capture and downloads", Tags: []string{"Session"}},
		func(ctx context.Context, input *struct{}) (*sessionOutput, error) {
			info, err := svc.Pause()
			if err != nil {
				return nil, mapErr(err)
			}
			return &sessionOutput{Body: info}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "resume-capture", Method: http.MethodPost, Path: "/api/v1/session/resume", Summary: "Resume capture and downloads", Tags: []string{"Session"}},
		func(ctx context.Context, input *struct{}) (*sessionOutput, error) {
			info, err := svc.Resume()
			if err != nil {
				return nil, mapErr(err)
			}
			return &sessionOutput{Body: info}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "stop-capture", Method: http.MethodPost, Path: "/api/v1/session/stop", Summary: "Stop the session and drain downloads", Tags: []string{"Session"}},
		func(ctx context.Context, input *struct{}) (*sessionOutput, error) {
			info, err := svc.Stop(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &sessionOutput{Body: info}, nil
		})

	type statusOutput struct {
		Body session.Status
	}
	huma.Register(api, huma.Operation{OperationID: "session-status", Method: http.MethodGet, Path: "/api/v1/session/status", Summary: "Capture and download counters", Tags: []string{"Session"}},
		func(ctx context.Context, input *struct{}) (*statusOutput, error) {
			st, err := svc.Status()
			if err != nil {
				return nil, mapErr(err)
			}
			return &statusOutput{Body: st}, nil
		})

	type recordsOutput struct {
		Body controller.RecordsResult
	}
	huma.Register(api, huma.Operation{OperationID: "get-records", Method: http.MethodGet, Path: "/api/v1/records", Summary: "Persisted records snapshot with summary", Tags: []string{"Records"}},
		func(ctx context.Context, input *struct{}) (*recordsOutput, error) {
			res, err := svc.GetRecords()
			if err != nil {
				return nil, mapErr(err)
			}
			return &recordsOutput{Body: res}, nil
		})

	type harOutput struct {
		ContentType        string `header:"Content-Type"`
		ContentDisposition string `header:"Content-Disposition"`
		Body               []byte
	}
	huma.Register(api, huma.Operation{OperationID: "get-records-har", Method: http.MethodGet, Path: "/api/v1/records/har", Summary: "Records as a HAR 1.2 log", Tags: []string{"Records"}},
		func(ctx context.Context, input *struct{}) (*harOutput, error) {
			var buf bytes.Buffer
			if err := svc.WriteHAR(&buf); err != nil {
				return nil, mapErr(err)
			}
			return &harOutput{
				ContentType:        "application/json",
				ContentDisposition: `attachment; filename="records.har"`,
				Body:               buf.Bytes(),
			}, nil
		})

	type sessionsOutput struct {
		Body []types.CaptureSession
	}
	huma.Register(api, huma.Operation{OperationID: "list-sessions", Method: http.MethodGet, Path: "/api/v1/sessions", Summary: "List session directories, newest first", Tags: []string{"Session"}},
		func(ctx context.Context, input *struct{}) (*sessionsOutput, error) {
			list, err := svc.Sessions()
			if err != nil {
				return nil, mapErr(err)
			}
			return &sessionsOutput{Body: list}, nil
		})

	type cleanupInput struct {
		SessionID string `path:"session_id"`
	}
	huma.Register(api, huma.Operation{OperationID: "cleanup-session", Method: http.MethodDelete, Path: "/api/v1/sessions/{session_id}", Summary: "Delete a stopped session's directory", Tags: []string{"Session"}},
		func(ctx context.Context, input *cleanupInput) (*struct{}, error) {
			if err := svc.Cleanup(input.SessionID); err != nil {
				return nil, mapErr(err)
			}
			return nil, nil
		})
}

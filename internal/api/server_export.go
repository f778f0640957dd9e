package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/HumanChan/web-loader/internal/export"
)

type exportInput struct {
	Body struct {
		TargetDir string `json:"target_dir,omitempty" doc:"Export directory. Empty uses the export.baseDir setting."`
	}
}

func registerExportHandlers(api huma.API, svc Service) {
	type startOutput struct {
		Body struct {
			TargetDir string `json:"target_dir"`
			Status    string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID:   "start-export",
		Method:        http.MethodPost,
		Path:          "/api/v1/export",
		Summary:       "Start an export in the background",
		Description:   "Progress is streamed as export-progress events; completion as export-done.",
		Tags:          []string{"Export"},
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *exportInput) (*startOutput, error) {
		target, err := svc.StartExport(ctx, input.Body.TargetDir)
		if err != nil {
			return nil, mapErr(err)
		}
		out := &startOutput{}
		out.Body.TargetDir = target
		out.Body.Status = "started"
		return out, nil
	})

	type runOutput struct {
		Body *export.Result
	}
	huma.Register(api, huma.Operation{OperationID: "run-export", Method: http.MethodPost, Path: "/api/v1/export/run", Summary: "Export and wait for the result", Tags: []string{"Export"}},
		func(ctx context.Context, input *exportInput) (*runOutput, error) {
			res, err := svc.RunExport(ctx, input.Body.TargetDir)
			if err != nil {
				return nil, mapErr(err)
			}
			return &runOutput{Body: res}, nil
		})
}

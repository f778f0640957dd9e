package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

func registerMiscHandlers(api huma.API, svc Service) {
	type healthOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			return out, nil
		})

	type settingsOutput struct {
		Body map[string]string
	}
	huma.Register(api, huma.Operation{OperationID: "get-settings", Method: http.MethodGet, Path: "/api/v1/settings", Summary: "List stored settings", Tags: []string{"Settings"}},
		func(ctx context.Context, input *struct{}) (*settingsOutput, error) {
			all, err := svc.Settings(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &settingsOutput{Body: all}, nil
		})

	type setSettingInput struct {
		Key  string `path:"key"`
		Body struct {
			Value string `json:"value"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "set-setting", Method: http.MethodPut, Path: "/api/v1/settings/{key}", Summary: "Store one setting", Tags: []string{"Settings"}},
		func(ctx context.Context, input *setSettingInput) (*settingsOutput, error) {
			if err := svc.SetSetting(ctx, input.Key, input.Body.Value); err != nil {
				return nil, mapErr(err)
			}
			all, err := svc.Settings(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &settingsOutput{Body: all}, nil
		})
}

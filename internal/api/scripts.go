package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/redis/go-redis/v9"
	"github.com/smazurov/observer/internal/api/models"
	"github.com/smazurov/observer/internal/redisconn"
)

func (s *Server) registerScriptRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "list-scripts",
		Method:      http.MethodGet,
		Path:        "/api/scripts",
		Summary:     "List Scripts",
		Description: "List registered Lua scripts and their digests",
		Tags:        []string{"scripts"},
		Security:    withAuth(),
		Errors:      []int{401, 503},
	}, func(_ context.Context, _ *struct{}) (*models.ScriptListResponse, error) {
		if s.conn == nil {
			return nil, huma.Error503ServiceUnavailable("Redis connection not configured")
		}

		regs := s.conn.Scripts().List()
		list := make([]models.ScriptInfo, 0, len(regs))
		for _, reg := range regs {
			list = append(list, models.ScriptInfo{Name: reg.Name, Digest: reg.Digest})
		}
		return &models.ScriptListResponse{
			Body: models.ScriptListData{Scripts: list, Count: len(list)},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "exec-script",
		Method:      http.MethodPost,
		Path:        "/api/scripts/{name}/exec",
		Summary:     "Execute Script",
		Description: "Run a registered script with EVALSHA",
		Tags:        []string{"scripts"},
		Security:    withAuth(),
		Errors:      []int{401, 404, 502, 503},
	}, func(ctx context.Context, input *models.ExecRequest) (*models.ExecResponse, error) {
		if s.conn == nil {
			return nil, huma.Error503ServiceUnavailable("Redis connection not configured")
		}

		result, err := s.conn.ExecScript(ctx, input.Name, input.Body.Keys, input.Body.Args...)
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, execError(err)
		}
		return &models.ExecResponse{
			Body: models.ExecData{Name: input.Name, Result: result},
		}, nil
	})
}

func execError(err error) error {
	switch {
	case errors.Is(err, redisconn.ErrScriptNotRegistered):
		return huma.Error404NotFound(err.Error())
	case errors.Is(err, redisconn.ErrNotInitialized), errors.Is(err, redisconn.ErrNotReady):
		return huma.Error503ServiceUnavailable(err.Error())
	default:
		return huma.Error502BadGateway("Script execution failed", err)
	}
}

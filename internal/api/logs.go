package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/smazurov/observer/internal/api/models"
	"github.com/smazurov/observer/internal/logging"
)

func (s *Server) registerLogRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-logs",
		Method:      http.MethodGet,
		Path:        "/api/logs",
		Summary:     "Recent Logs",
		Description: "Recent log entries from the in-memory buffer and the effective module levels",
		Tags:        []string{"logs"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, input *models.LogsRequest) (*models.LogsResponse, error) {
		entries := logging.Buffer().Recent(input.Limit)
		if entries == nil {
			entries = []logging.Entry{}
		}
		return &models.LogsResponse{
			Body: models.LogsData{Entries: entries, Levels: logging.Levels()},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "set-log-level",
		Method:      http.MethodPut,
		Path:        "/api/logs/levels/{module}",
		Summary:     "Set Log Level",
		Description: "Change the level of one module logger at runtime",
		Tags:        []string{"logs"},
		Security:    withAuth(),
		Errors:      []int{401, 422},
	}, func(_ context.Context, input *models.LogLevelRequest) (*models.LogLevelResponse, error) {
		if err := logging.SetLevel(input.Module, input.Body.Level); err != nil {
			return nil, huma.Error422UnprocessableEntity(err.Error())
		}
		s.logger.Info("Log level changed", "module", input.Module, "level", input.Body.Level)

		resp := &models.LogLevelResponse{}
		resp.Body.Levels = logging.Levels()
		return resp, nil
	})
}

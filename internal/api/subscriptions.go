package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/smazurov/observer/internal/api/models"
	"github.com/smazurov/observer/internal/relay"
)

func (s *Server) registerSubscriptionRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "list-subscriptions",
		Method:      http.MethodGet,
		Path:        "/api/subscriptions",
		Summary:     "List Subscriptions",
		Description: "List relayed channels and the event names they map to",
		Tags:        []string{"subscriptions"},
		Security:    withAuth(),
		Errors:      []int{401, 503},
	}, func(_ context.Context, _ *struct{}) (*models.SubscriptionListResponse, error) {
		if s.subs == nil {
			return nil, huma.Error503ServiceUnavailable("Relay not configured")
		}
		return s.subscriptionList(), nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "subscribe",
		Method:      http.MethodPut,
		Path:        "/api/subscriptions",
		Summary:     "Subscribe",
		Description: "Relay a channel under an event name. An existing source is retargeted.",
		Tags:        []string{"subscriptions"},
		Security:    withAuth(),
		Errors:      []int{401, 422, 502, 503},
	}, func(ctx context.Context, input *models.SubscribeRequest) (*models.SubscriptionListResponse, error) {
		if s.subs == nil {
			return nil, huma.Error503ServiceUnavailable("Relay not configured")
		}
		if err := s.subs.Subscribe(ctx, input.Body); err != nil {
			return nil, relayError(err)
		}
		s.logger.Info("Subscription added", "source", input.Body.Source, "target", input.Body.Target)
		return s.subscriptionList(), nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "unsubscribe",
		Method:      http.MethodDelete,
		Path:        "/api/subscriptions/{source}",
		Summary:     "Unsubscribe",
		Description: "Stop relaying a channel. Unknown sources are ignored.",
		Tags:        []string{"subscriptions"},
		Security:    withAuth(),
		Errors:      []int{401, 502, 503},
	}, func(ctx context.Context, input *models.UnsubscribeRequest) (*struct{}, error) {
		if s.subs == nil {
			return nil, huma.Error503ServiceUnavailable("Relay not configured")
		}
		if err := s.subs.Unsubscribe(ctx, input.Source); err != nil {
			return nil, relayError(err)
		}
		s.logger.Info("Subscription removed", "source", input.Source)
		return nil, nil
	})
}

func (s *Server) subscriptionList() *models.SubscriptionListResponse {
	mappings := s.subs.Mappings()
	if mappings == nil {
		mappings = []relay.Mapping{}
	}
	return &models.SubscriptionListResponse{
		Body: models.SubscriptionListData{Subscriptions: mappings, Count: len(mappings)},
	}
}

func relayError(err error) error {
	switch {
	case errors.Is(err, relay.ErrInvalidMapping):
		return huma.Error422UnprocessableEntity(err.Error())
	case errors.Is(err, relay.ErrNotInitialized):
		return huma.Error503ServiceUnavailable(err.Error())
	default:
		return huma.Error502BadGateway("Redis subscription failed", err)
	}
}

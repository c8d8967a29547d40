package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/smazurov/observer/internal/api/models"
	"github.com/smazurov/observer/internal/eventbus"
	"github.com/smazurov/observer/internal/events"
)

// streamBuffer is the per-connection queue. Events beyond it are dropped so a
// slow client never blocks Emit.
const streamBuffer = 64

func (s *Server) registerEventRoutes() {
	sse.Register(s.api, huma.Operation{
		OperationID: "events-stream",
		Method:      http.MethodGet,
		Path:        "/api/events",
		Summary:     "Event Stream",
		Description: "Bus events matching the pattern, plus Redis connection and relay lifecycle events",
		Tags:        []string{"events"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, map[string]any{
		"open":            models.StreamOpenedData{},
		"event":           models.BusEventData{},
		"stream-error":    models.StreamErrorData{},
		"ready":           events.ReadyEvent{},
		"error":           events.ErrorEvent{},
		"fatal":           events.FatalEvent{},
		"state-changed":   events.StateChangedEvent{},
		"decode-error":    events.DecodeErrorEvent{},
		"mapping-changed": events.MappingChangedEvent{},
	}, func(ctx context.Context, input *models.EventStreamRequest, send sse.Sender) {
		eventCh := make(chan any, streamBuffer)

		if s.bus != nil {
			token, err := s.bus.On(input.Pattern, func(ev eventbus.Event) error {
				select {
				case eventCh <- models.BusEventData{
					Name:      ev.Name,
					Payload:   ev.Payload,
					Timestamp: time.Now().Format(time.RFC3339),
				}:
				default:
				}
				return nil
			})
			if err != nil {
				_ = send.Data(models.StreamErrorData{Error: err.Error()})
				return
			}
			defer s.bus.Off(token)
		}

		unsubscribers := []func(){
			events.SubscribeToChannel[events.ReadyEvent](s.events, eventCh),
			events.SubscribeToChannel[events.ErrorEvent](s.events, eventCh),
			events.SubscribeToChannel[events.FatalEvent](s.events, eventCh),
			events.SubscribeToChannel[events.StateChangedEvent](s.events, eventCh),
			events.SubscribeToChannel[events.DecodeErrorEvent](s.events, eventCh),
			events.SubscribeToChannel[events.MappingChangedEvent](s.events, eventCh),
		}
		defer func() {
			for _, unsub := range unsubscribers {
				unsub()
			}
		}()

		if err := send.Data(models.StreamOpenedData{
			Pattern:   input.Pattern,
			Timestamp: time.Now().Format(time.RFC3339),
		}); err != nil {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case event := <-eventCh:
				if err := send.Data(event); err != nil {
					return
				}
			}
		}
	})
}

// Package listeners wires the built-in channel mappings and bus handlers.
package listeners

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/smazurov/observer/internal/eventbus"
	"github.com/smazurov/observer/internal/relay"
)

// Event names used by the application.
var (
	EventAppReady = eventbus.Join("app", "ready")
	EventReadyOK  = eventbus.Join("ready", "ok")
	EventActivity = eventbus.Join("my", "activity")
)

// ActivityChannel relays "my:channel" messages as "my.activity" events.
var ActivityChannel = relay.Mapping{Source: "my:channel", Target: EventActivity}

// Subscriber registers channel mappings. *relay.Relay implements it.
type Subscriber interface {
	Subscribe(ctx context.Context, m relay.Mapping) error
}

// Listen subscribes the activity channel and registers the handlers: the
// application ready event is answered with "ready.ok", activity events are
// logged. The returned function removes the handlers.
func Listen(ctx context.Context, sub Subscriber, bus *eventbus.Bus, logger *slog.Logger) (func(), error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "listeners")

	if err := sub.Subscribe(ctx, ActivityChannel); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", ActivityChannel.Source, err)
	}

	var tokens []eventbus.Token
	off := func() {
		for _, token := range tokens {
			bus.Off(token)
		}
	}

	handlers := []struct {
		pattern string
		handler eventbus.Handler
	}{
		{EventAppReady, func(eventbus.Event) error {
			return bus.Emit(EventReadyOK, nil)
		}},
		{EventActivity, func(ev eventbus.Event) error {
			logger.Info("Activity received", "event", ev.Name, "payload", ev.Payload)
			return nil
		}},
	}

	for _, h := range handlers {
		token, err := bus.On(h.pattern, h.handler)
		if err != nil {
			off()
			return nil, fmt.Errorf("register %s: %w", h.pattern, err)
		}
		tokens = append(tokens, token)
	}

	return off, nil
}

// Package eventbus is the in-process dispatcher for named events.
//
// Event names are dot-delimited ("my.activity"). Subscriptions use patterns in
// which "*" matches exactly one segment and "**" matches zero or more, so
// "my.*" receives "my.activity" and "**" receives everything.
//
// Emit is synchronous: it returns after every matching handler ran. Handlers
// registered on the same pattern run in registration order; patterns are
// visited in the order they were first registered. A failing or panicking
// handler never prevents the remaining handlers from running.
package eventbus

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/smazurov/observer/internal/metrics"
)

// DefaultMaxListeners is the per-pattern listener ceiling.
const DefaultMaxListeners = 10

var (
	// ErrInvalidPattern is returned for empty patterns or patterns with empty segments.
	ErrInvalidPattern = errors.New("invalid event pattern")
	// ErrInvalidName is returned when emitting an empty or wildcard name.
	ErrInvalidName = errors.New("invalid event name")
	// ErrNilHandler is returned when registering a nil handler.
	ErrNilHandler = errors.New("nil handler")
)

// Event is the envelope passed to handlers. It is not retained by the bus.
type Event struct {
	Name    string `json:"name"`
	Payload any    `json:"payload"`
}

// Handler reacts to an event. A returned error is reported, not propagated.
type Handler func(Event) error

// Token identifies one registration.
type Token string

// ErrorHandler receives handler failures.
type ErrorHandler func(ev Event, pattern string, err error)

// HandlerError wraps a failure of one handler.
type HandlerError struct {
	Pattern string
	Event   string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler for %q failed on %q: %v", e.Pattern, e.Event, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

type listener struct {
	token   Token
	handler Handler
}

type patternEntry struct {
	pattern   string
	segments  []string
	listeners []listener
	warned    bool
}

// Bus is a wildcard-capable publish/subscribe dispatcher.
type Bus struct {
	mu           sync.RWMutex
	entries      map[string]*patternEntry
	order        []*patternEntry
	tokens       map[Token]string
	maxListeners int
	failLoudly   bool
	onError      ErrorHandler
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// Option configures a Bus.
type Option func(*Bus)

// WithMaxListeners sets the per-pattern listener ceiling. Zero disables the check.
func WithMaxListeners(n int) Option {
	return func(b *Bus) {
		b.maxListeners = n
	}
}

// WithErrorHandler sets the callback for handler failures. Defaults to logging.
func WithErrorHandler(fn ErrorHandler) Option {
	return func(b *Bus) {
		b.onError = fn
	}
}

// WithFailLoudly makes Emit return handler failures to the emitter.
// Remaining handlers still run.
func WithFailLoudly() Option {
	return func(b *Bus) {
		b.failLoudly = true
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics records emits and handler failures.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bus) {
		b.metrics = m
	}
}

// New creates an event bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		entries:      make(map[string]*patternEntry),
		tokens:       make(map[Token]string),
		maxListeners: DefaultMaxListeners,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "event-bus")
	if b.onError == nil {
		b.onError = func(ev Event, pattern string, err error) {
			b.logger.Error("Event handler failed", "event", ev.Name, "pattern", pattern, "error", err)
		}
	}
	return b
}

// On registers handler for every event matching pattern. It does not replay
// past events. Exceeding the listener ceiling logs a warning once per pattern.
func (b *Bus) On(pattern string, handler Handler) (Token, error) {
	if handler == nil {
		return "", ErrNilHandler
	}
	segments, err := parsePattern(pattern)
	if err != nil {
		return "", err
	}

	token := Token(uuid.NewString())

	b.mu.Lock()
	entry, ok := b.entries[pattern]
	if !ok {
		entry = &patternEntry{pattern: pattern, segments: segments}
		b.entries[pattern] = entry
		b.order = append(b.order, entry)
	}
	entry.listeners = append(entry.listeners, listener{token: token, handler: handler})
	b.tokens[token] = pattern

	count := len(entry.listeners)
	warn := b.maxListeners > 0 && count > b.maxListeners && !entry.warned
	if warn {
		entry.warned = true
	}
	b.mu.Unlock()

	if warn {
		b.logger.Warn("Possible listener leak detected",
			"pattern", pattern, "listeners", count, "max_listeners", b.maxListeners)
	}

	return token, nil
}

// Off removes a registration. Returns false for unknown tokens.
func (b *Bus) Off(token Token) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	pattern, ok := b.tokens[token]
	if !ok {
		return false
	}
	delete(b.tokens, token)

	entry := b.entries[pattern]
	for i, l := range entry.listeners {
		if l.token == token {
			entry.listeners = append(entry.listeners[:i:i], entry.listeners[i+1:]...)
			break
		}
	}

	if len(entry.listeners) == 0 {
		delete(b.entries, pattern)
		for i, e := range b.order {
			if e == entry {
				b.order = append(b.order[:i:i], b.order[i+1:]...)
				break
			}
		}
	}
	return true
}

// Emit invokes every handler whose pattern matches name. Handler failures are
// reported through the error handler; with WithFailLoudly they are also
// returned joined.
func (b *Bus) Emit(name string, payload any) error {
	segments, err := parseName(name)
	if err != nil {
		return err
	}

	type target struct {
		pattern string
		handler Handler
	}

	b.mu.RLock()
	var targets []target
	for _, entry := range b.order {
		if !matchSegments(segments, entry.segments) {
			continue
		}
		for _, l := range entry.listeners {
			targets = append(targets, target{pattern: entry.pattern, handler: l.handler})
		}
	}
	b.mu.RUnlock()

	b.metrics.BusEmit()

	ev := Event{Name: name, Payload: payload}
	var failures []error
	for _, t := range targets {
		if handlerErr := invoke(t.handler, ev); handlerErr != nil {
			wrapped := &HandlerError{Pattern: t.pattern, Event: name, Err: handlerErr}
			b.metrics.BusHandlerError(t.pattern)
			b.onError(ev, t.pattern, wrapped)
			failures = append(failures, wrapped)
		}
	}

	if b.failLoudly && len(failures) > 0 {
		return errors.Join(failures...)
	}
	return nil
}

// ListenerCount returns the number of handlers registered on the exact pattern.
func (b *Bus) ListenerCount(pattern string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if entry, ok := b.entries[pattern]; ok {
		return len(entry.listeners)
	}
	return 0
}

// Patterns returns the registered patterns in first-registration order.
func (b *Bus) Patterns() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, len(b.order))
	for i, entry := range b.order {
		out[i] = entry.pattern
	}
	return out
}

// invoke runs a handler and converts a panic into an error.
func invoke(handler Handler, ev Event) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("panic recovered: %v", recovered)
		}
	}()
	return handler(ev)
}

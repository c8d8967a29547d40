package nats

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/smazurov/observer/internal/eventbus"
)

// ErrNotConnected is reported for events reaching a stopped forwarder.
var ErrNotConnected = errors.New("nats forwarder not connected")

// ForwarderOptions configures a Forwarder.
type ForwarderOptions struct {
	URL           string
	SubjectPrefix string
	// Patterns are bus patterns to forward, "**" forwards everything.
	Patterns []string
	Logger   *slog.Logger
}

// Forwarder publishes bus events matching its patterns to NATS.
type Forwarder struct {
	opts   ForwarderOptions
	bus    *eventbus.Bus
	logger *slog.Logger

	mu     sync.Mutex
	conn   *nats.Conn
	tokens []eventbus.Token
}

// NewForwarder creates a forwarder for bus. Nothing is forwarded until Start.
func NewForwarder(bus *eventbus.Bus, opts ForwarderOptions) *Forwarder {
	if opts.SubjectPrefix == "" {
		opts.SubjectPrefix = DefaultSubjectPrefix
	}
	if len(opts.Patterns) == 0 {
		opts.Patterns = []string{eventbus.WildcardMulti}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Forwarder{
		opts:   opts,
		bus:    bus,
		logger: logger.With("component", "nats-forwarder"),
	}
}

// Start connects to NATS and registers the bus handlers.
func (f *Forwarder) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.conn != nil {
		return nil
	}

	conn, err := nats.Connect(f.opts.URL,
		nats.Name("observer-forwarder"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				f.logger.Warn("NATS forwarder disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			f.logger.Info("NATS forwarder reconnected")
		}),
	)
	if err != nil {
		return fmt.Errorf("connect to nats %s: %w", f.opts.URL, err)
	}
	f.conn = conn

	for _, pattern := range f.opts.Patterns {
		token, onErr := f.bus.On(pattern, f.forward)
		if onErr != nil {
			f.cleanup()
			return fmt.Errorf("forward %q: %w", pattern, onErr)
		}
		f.tokens = append(f.tokens, token)
	}

	f.logger.Info("NATS forwarder started", "url", f.opts.URL, "prefix", f.opts.SubjectPrefix, "patterns", f.opts.Patterns)
	return nil
}

// forward runs synchronously inside Emit; Publish only buffers.
func (f *Forwarder) forward(ev eventbus.Event) error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := Envelope{
		Event:     ev.Name,
		Payload:   ev.Payload,
		Timestamp: time.Now().Format(time.RFC3339),
	}.Marshal()
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ev.Name, err)
	}

	subject := Subject(f.opts.SubjectPrefix, ev.Name)
	if err := conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// cleanup must be called with mu held.
func (f *Forwarder) cleanup() {
	for _, token := range f.tokens {
		f.bus.Off(token)
	}
	f.tokens = nil

	if f.conn != nil {
		if err := f.conn.Drain(); err != nil {
			f.conn.Close()
		}
		f.conn = nil
	}
}

// Stop removes the bus handlers and drains the connection.
func (f *Forwarder) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cleanup()
	f.logger.Info("NATS forwarder stopped")
}

// IsConnected reports whether the NATS connection is up.
func (f *Forwarder) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn != nil && f.conn.IsConnected()
}

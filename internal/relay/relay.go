// Package relay turns Redis pub/sub messages into named bus events.
//
// Every mapping ties one source channel to one target event name. Messages on
// a mapped channel are decoded as JSON and emitted under the target name;
// messages on channels without a mapping are dropped.
//
// Mappings passed to Initialize and Reconcile come from the channels file.
// Reconcile only removes sources the file added; mappings created with
// Subscribe at runtime survive file reloads.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/smazurov/observer/internal/events"
	"github.com/smazurov/observer/internal/metrics"
	"github.com/smazurov/observer/internal/redisconn"
)

// Mapping ties a source channel to a target event name.
type Mapping struct {
	Source string `json:"source" toml:"source" example:"my:channel" doc:"Redis channel"`
	Target string `json:"target" toml:"target" example:"my.activity" doc:"Event name emitted on the bus"`
}

// ClientFactory hands out dedicated Redis clients. *redisconn.Manager implements it.
type ClientFactory interface {
	CreateClient() (redisconn.Client, error)
}

// Emitter receives decoded events. *eventbus.Bus implements it.
type Emitter interface {
	Emit(name string, payload any) error
}

// Mapping change actions reported in MappingChangedEvent.
const (
	ActionSubscribed   = "subscribed"
	ActionRetargeted   = "retargeted"
	ActionUnsubscribed = "unsubscribed"
)

// Relay owns a dedicated subscriber connection and the mapping table.
type Relay struct {
	factory ClientFactory
	emitter Emitter
	bus     *events.Bus
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	mappings map[string]string
	// sources added by the channels file
	fileSources map[string]bool
	// sources whose SUBSCRIBE has not been answered yet
	pending map[string]*pendingSubscribe
	client  redisconn.Client
	pubsub  redisconn.PubSub
	wg      sync.WaitGroup
}

type pendingSubscribe struct {
	done chan struct{}
	err  error
}

func (p *pendingSubscribe) wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records message outcomes and the subscription count.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Relay) {
		r.metrics = m
	}
}

// WithEventBus publishes decode errors and mapping changes as lifecycle events.
func WithEventBus(bus *events.Bus) Option {
	return func(r *Relay) {
		r.bus = bus
	}
}

// New creates an uninitialized relay.
func New(factory ClientFactory, emitter Emitter, opts ...Option) *Relay {
	r := &Relay{
		factory: factory,
		emitter: emitter,
		logger:  slog.Default(),
	}
	r.reset()
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "relay")
	return r
}

// Initialize opens the subscriber connection, starts the reader and
// subscribes every initial mapping. It fails when the factory cannot create
// a client (redisconn.ErrNotInitialized before the manager is ready).
func (r *Relay) Initialize(ctx context.Context, mappings []Mapping) error {
	for _, m := range mappings {
		if err := m.validate(); err != nil {
			return err
		}
	}

	r.mu.Lock()
	if r.pubsub != nil {
		r.mu.Unlock()
		return ErrAlreadyInitialized
	}

	client, err := r.factory.CreateClient()
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("initialize relay: %w", err)
	}
	ps := client.PubSub(ctx)
	r.client = client
	r.pubsub = ps
	r.reset()
	r.wg.Add(1)
	r.mu.Unlock()

	go r.read(ps.Messages())

	for _, m := range mappings {
		if err := r.subscribe(ctx, m, true); err != nil {
			_ = r.Close()
			return fmt.Errorf("initialize relay: %w", err)
		}
	}

	r.logger.Info("Relay initialized", "mappings", len(mappings))
	return nil
}

// Subscribe maps m.Source to m.Target. An existing mapping for the source is
// retargeted without a second SUBSCRIBE; while the first SUBSCRIBE for the
// source is in flight, Subscribe waits for its outcome.
func (r *Relay) Subscribe(ctx context.Context, m Mapping) error {
	return r.subscribe(ctx, m, false)
}

// subscribe applies m. A mapping created by the channels file is recorded as
// file owned; a runtime call on an existing source takes it over.
func (r *Relay) subscribe(ctx context.Context, m Mapping, fromFile bool) error {
	if err := m.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	ps := r.pubsub
	if ps == nil {
		r.mu.Unlock()
		return ErrNotInitialized
	}
	previous, exists := r.mappings[m.Source]
	r.mappings[m.Source] = m.Target
	switch {
	case !exists && fromFile:
		r.fileSources[m.Source] = true
	case exists && !fromFile:
		delete(r.fileSources, m.Source)
	}

	if exists {
		pending := r.pending[m.Source]
		r.mu.Unlock()
		if pending != nil {
			if err := pending.wait(ctx); err != nil {
				return fmt.Errorf("subscribe %s: %w", m.Source, err)
			}
		}
		if previous != m.Target {
			r.logger.Info("Retargeted channel", "source", m.Source, "from", previous, "to", m.Target)
			r.mappingChanged(m.Source, m.Target, ActionRetargeted)
		}
		return nil
	}

	p := &pendingSubscribe{done: make(chan struct{})}
	r.pending[m.Source] = p
	count := len(r.mappings)
	r.mu.Unlock()

	err := ps.Subscribe(ctx, m.Source)

	r.mu.Lock()
	if r.pubsub == ps {
		delete(r.pending, m.Source)
		if err != nil {
			delete(r.mappings, m.Source)
			delete(r.fileSources, m.Source)
		}
	}
	p.err = err
	close(p.done)
	r.mu.Unlock()

	if err != nil {
		return fmt.Errorf("subscribe %s: %w", m.Source, err)
	}

	r.metrics.SetRelaySubscriptions(count)
	r.logger.Info("Subscribed channel", "source", m.Source, "target", m.Target)
	r.mappingChanged(m.Source, m.Target, ActionSubscribed)
	return nil
}

// Unsubscribe removes the mapping for source and unsubscribes the channel.
// Messages already in flight for the source are dropped. Unknown sources are
// a no-op.
func (r *Relay) Unsubscribe(ctx context.Context, source string) error {
	r.mu.Lock()
	ps := r.pubsub
	if ps == nil {
		r.mu.Unlock()
		return ErrNotInitialized
	}
	if _, ok := r.mappings[source]; !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.mappings, source)
	delete(r.fileSources, source)
	count := len(r.mappings)
	r.mu.Unlock()

	r.metrics.SetRelaySubscriptions(count)
	r.mappingChanged(source, "", ActionUnsubscribed)

	if err := ps.Unsubscribe(ctx, source); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", source, err)
	}
	r.logger.Info("Unsubscribed channel", "source", source)
	return nil
}

// Reconcile applies a reloaded channels file: new and retargeted sources are
// subscribed, sources the file added earlier but no longer lists are
// unsubscribed. Runtime mappings are left alone. Every change is attempted;
// failures are returned joined.
func (r *Relay) Reconcile(ctx context.Context, desired []Mapping) error {
	keep := make(map[string]bool, len(desired))
	var errs []error
	for _, m := range desired {
		keep[m.Source] = true
		if err := r.subscribe(ctx, m, true); err != nil {
			errs = append(errs, err)
		}
	}

	r.mu.RLock()
	var stale []string
	for source := range r.fileSources {
		if !keep[source] {
			stale = append(stale, source)
		}
	}
	r.mu.RUnlock()
	slices.Sort(stale)

	for _, source := range stale {
		if err := r.Unsubscribe(ctx, source); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Mappings returns the current mappings sorted by source.
func (r *Relay) Mappings() []Mapping {
	r.mu.RLock()
	out := make([]Mapping, 0, len(r.mappings))
	for source, target := range r.mappings {
		out = append(out, Mapping{Source: source, Target: target})
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Mapping) int {
		return strings.Compare(a.Source, b.Source)
	})
	return out
}

// Initialized reports whether the relay holds a subscriber connection.
func (r *Relay) Initialized() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pubsub != nil
}

// Close stops the reader and closes the subscriber connection. Mappings are
// discarded; Initialize may be called again afterwards.
func (r *Relay) Close() error {
	r.mu.Lock()
	ps, client := r.pubsub, r.client
	r.pubsub = nil
	r.client = nil
	r.reset()
	r.mu.Unlock()

	if ps == nil {
		return nil
	}

	err := ps.Close()
	r.wg.Wait()
	if client != nil {
		if closeErr := client.Close(); err == nil {
			err = closeErr
		}
	}
	r.metrics.SetRelaySubscriptions(0)
	r.logger.Info("Relay closed")
	return err
}

// reset clears the mapping table. Callers hold r.mu or own r exclusively.
func (r *Relay) reset() {
	r.mappings = make(map[string]string)
	r.fileSources = make(map[string]bool)
	r.pending = make(map[string]*pendingSubscribe)
}

// read is the single consumer of the subscriber connection, so messages are
// handled in delivery order.
func (r *Relay) read(messages <-chan redisconn.Message) {
	defer r.wg.Done()
	for msg := range messages {
		r.handle(msg)
	}
}

func (r *Relay) handle(msg redisconn.Message) {
	r.mu.RLock()
	target, ok := r.mappings[msg.Channel]
	r.mu.RUnlock()

	if !ok {
		r.metrics.RelayMessage(metrics.MessageUnmapped)
		r.logger.Debug("Dropped message on unmapped channel", "channel", msg.Channel)
		return
	}

	var payload any
	if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
		r.reportDecodeError(&PayloadDecodeError{
			Channel: msg.Channel,
			Target:  target,
			Payload: msg.Payload,
			Err:     err,
		})
		return
	}

	r.metrics.RelayMessage(metrics.MessageEmitted)
	if err := r.emitter.Emit(target, payload); err != nil {
		r.logger.Warn("Emit failed", "channel", msg.Channel, "event", target, "error", err)
	}
}

func (r *Relay) reportDecodeError(err *PayloadDecodeError) {
	r.metrics.RelayMessage(metrics.MessageDecodeError)
	r.logger.Warn("Dropped undecodable message", "channel", err.Channel, "target", err.Target, "error", err.Err)
	events.Publish(r.bus, events.DecodeErrorEvent{
		Channel:   err.Channel,
		Target:    err.Target,
		Error:     err.Error(),
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

func (r *Relay) mappingChanged(source, target, action string) {
	events.Publish(r.bus, events.MappingChangedEvent{
		Source:    source,
		Target:    target,
		Action:    action,
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

func (m Mapping) validate() error {
	if m.Source == "" || m.Target == "" {
		return fmt.Errorf("%w: source %q, target %q", ErrInvalidMapping, m.Source, m.Target)
	}
	return nil
}

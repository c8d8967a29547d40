// Package redisconn owns the managed Redis connection.
//
// The Manager drives a small state machine:
//
//	Disconnected -> Connecting -> SyncingScripts -> Ready
//	                    |               |
//	                    +---> Fatal <---+
//
// While Connecting, refused connections are counted against Config.RetryLimit;
// other transport errors are reported as non-fatal ErrorEvents and the
// attempt continues. SyncingScripts checks every registered script with a
// single SCRIPT EXISTS round trip and uploads the missing ones, verifying the
// digest Redis returns. Ready is only reached once every script is present,
// so EVALSHA never runs against a script the server does not know. A command
// failing on the transport or with NOSCRIPT after Ready moves the manager back
// to Connecting and runs the same sync again before the next ReadyEvent.
package redisconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/smazurov/observer/internal/events"
	"github.com/smazurov/observer/internal/metrics"
	"github.com/smazurov/observer/internal/scripts"
	"golang.org/x/sync/errgroup"
)

// Manager owns the primary Redis client and the script cache synchronization.
type Manager struct {
	cfg     Config
	cache   *scripts.Cache
	dial    Dialer
	bus     *events.Bus
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu          sync.RWMutex
	state       State
	client      Client
	attempt     uint64
	failCount   int
	initialized bool
	cancel      context.CancelFunc

	readyCh   chan struct{}
	readyOnce sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer replaces the go-redis dialer.
func WithDialer(d Dialer) Option {
	return func(m *Manager) {
		m.dial = d
	}
}

// WithEventBus publishes lifecycle events (ready, error, fatal, state changes).
func WithEventBus(bus *events.Bus) Option {
	return func(m *Manager) {
		m.bus = bus
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics records connection and script metrics.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// New creates a manager in the Disconnected state. The cache may keep
// receiving registrations until Connect is called.
func New(cfg Config, cache *scripts.Cache, opts ...Option) *Manager {
	if cache == nil {
		cache = scripts.NewCache()
	}
	m := &Manager{
		cfg:     cfg.withDefaults(),
		cache:   cache,
		dial:    DialRedis,
		logger:  slog.Default(),
		readyCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "redis")
	m.metrics.SetState(Disconnected.String(), StateNames())
	return m
}

// Scripts returns the script cache.
func (m *Manager) Scripts() *scripts.Cache {
	return m.cache
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Ready returns a channel closed the first time the manager reaches Ready.
func (m *Manager) Ready() <-chan struct{} {
	return m.readyCh
}

// Connect opens the connection and blocks until Ready or Fatal.
// It returns nil on Ready and the fatal error otherwise. Cancelling ctx ends
// the attempt in Fatal with the context error. Connect may be called again
// after Fatal or Close; each call is a fresh attempt with a reset retry counter.
func (m *Manager) Connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	if m.state != Disconnected && m.state != Fatal {
		m.mu.Unlock()
		cancel()
		return ErrAlreadyConnecting
	}
	if m.client != nil {
		_ = m.client.Close()
		m.client = nil
	}
	m.attempt++
	attempt := m.attempt
	m.failCount = 0
	m.cancel = cancel
	m.mu.Unlock()
	defer cancel()

	m.transition(attempt, Connecting)
	m.logger.Info("Connecting to redis", "address", m.cfg.Address(), "retry_limit", m.cfg.RetryLimit)

	client, err := m.dial(m.cfg)
	if err != nil {
		return m.fail(attempt, fmt.Errorf("create redis client: %w", err))
	}
	m.mu.Lock()
	if m.attempt != attempt {
		m.mu.Unlock()
		_ = client.Close()
		return ErrClosed
	}
	m.client = client
	m.mu.Unlock()

	return m.establish(ctx, attempt, client)
}

// establish drives attempt from Connecting to Ready: wait for the server,
// make every script resident, then publish ReadyEvent.
func (m *Manager) establish(ctx context.Context, attempt uint64, client Client) error {
	if err := m.waitConnected(ctx, attempt, client); err != nil {
		return err
	}

	if !m.transition(attempt, SyncingScripts) {
		return ErrClosed
	}
	loaded, err := m.syncScripts(ctx, client)
	if err != nil {
		if m.isStale(attempt) {
			return ErrClosed
		}
		return m.fail(attempt, err)
	}

	m.mu.Lock()
	if m.attempt != attempt {
		m.mu.Unlock()
		return ErrClosed
	}
	m.initialized = true
	m.mu.Unlock()

	m.transition(attempt, Ready)
	m.readyOnce.Do(func() { close(m.readyCh) })

	total := m.cache.Len()
	m.logger.Info("Connected to redis", "address", m.cfg.Address(), "scripts", total, "loaded", loaded)
	events.Publish(m.bus, events.ReadyEvent{
		Endpoint:  m.cfg.Address(),
		Scripts:   total,
		Loaded:    loaded,
		Timestamp: now(),
	})
	return nil
}

// resync starts a new attempt on the existing client after a command showed
// the connection or the server script cache was lost. Only a Ready manager
// resyncs; ExecScript returns ErrNotReady until the attempt reaches Ready.
func (m *Manager) resync(cause error) {
	m.mu.Lock()
	if m.state != Ready || m.client == nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.attempt++
	attempt := m.attempt
	m.failCount = 0
	m.cancel = cancel
	client := m.client
	m.state = Connecting
	m.mu.Unlock()

	m.stateChanged(Ready, Connecting)
	m.reportError(cause)
	m.logger.Warn("Redis connection lost, resynchronizing scripts", "address", m.cfg.Address())

	go func() {
		defer cancel()
		_ = m.establish(ctx, attempt, client)
	}()
}

// lostConnection reports whether a command error means the manager must
// resync: the server no longer knows a script, or the transport failed.
func lostConnection(ctx context.Context, err error) bool {
	if errors.Is(err, ErrScriptMissing) {
		return true
	}
	return ctx.Err() == nil && IsTagged(err)
}

// waitConnected pings until the server answers. Refused connections count
// against the retry limit; other errors are reported and retried after the
// transport reconnect interval.
func (m *Manager) waitConnected(ctx context.Context, attempt uint64, client Client) error {
	for {
		err := client.Ping(ctx)
		if err == nil {
			m.metrics.ConnectAttempt(metrics.ResultOK)
			return nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			if m.isStale(attempt) {
				return ErrClosed
			}
			return m.fail(attempt, fmt.Errorf("connect: %w", ctxErr))
		}

		switch Classify(err) {
		case KindConnectionRefused:
			m.metrics.ConnectAttempt(metrics.ResultRefused)
			m.mu.Lock()
			m.failCount++
			count := m.failCount
			m.mu.Unlock()

			if count >= m.cfg.RetryLimit {
				return m.fail(attempt, fmt.Errorf("%w (%d attempts): %w", ErrRetryLimitExceeded, count, err))
			}
			m.logger.Warn("Redis connection refused", "attempt", count, "retry_limit", m.cfg.RetryLimit)
		default:
			m.metrics.ConnectAttempt(metrics.ResultError)
			m.reportError(err)
		}

		timer := time.NewTimer(m.cfg.ReconnectWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			if m.isStale(attempt) {
				return ErrClosed
			}
			return m.fail(attempt, fmt.Errorf("connect: %w", ctx.Err()))
		case <-timer.C:
		}
	}
}

// syncScripts makes every registered script resident in the server cache.
// It returns the number of scripts uploaded.
func (m *Manager) syncScripts(ctx context.Context, client Client) (int, error) {
	regs := m.cache.List()
	if len(regs) == 0 {
		return 0, nil
	}

	digests := make([]string, len(regs))
	for i, reg := range regs {
		digests[i] = reg.Digest
	}

	exists, err := client.ScriptExists(ctx, digests...)
	if err != nil {
		return 0, fmt.Errorf("script exists: %w", err)
	}
	if len(exists) != len(regs) {
		return 0, fmt.Errorf("script exists: expected %d replies, got %d", len(regs), len(exists))
	}

	// Every upload runs to completion before the result is evaluated.
	var g errgroup.Group
	loaded := 0
	for i, reg := range regs {
		if exists[i] {
			continue
		}
		loaded++
		g.Go(func() error {
			digest, loadErr := client.ScriptLoad(ctx, reg.Content)
			if loadErr != nil {
				return fmt.Errorf("script load %s: %w", reg.Name, loadErr)
			}
			if digest != reg.Digest {
				return &ScriptIntegrityError{Name: reg.Name, Expected: reg.Digest, Got: digest}
			}
			m.metrics.ScriptLoaded()
			m.logger.Debug("Loaded script", "name", reg.Name, "digest", digest)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}
	return loaded, nil
}

// ExecScript runs a registered script with EVALSHA. Remote errors are
// returned verbatim (wrapped), including redis.Nil for nil replies.
func (m *Manager) ExecScript(ctx context.Context, name string, keys []string, args ...any) (any, error) {
	m.mu.RLock()
	initialized, state, client := m.initialized, m.state, m.client
	m.mu.RUnlock()

	if !initialized {
		return nil, ErrNotInitialized
	}

	digest, err := m.cache.Resolve(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrScriptNotRegistered, name)
	}
	if state != Ready {
		return nil, fmt.Errorf("%w: state %s", ErrNotReady, state)
	}

	res, err := client.EvalSha(ctx, digest, keys, args...)
	if err != nil {
		m.metrics.ScriptExec(name, metrics.ResultError)
		if lostConnection(ctx, err) {
			m.resync(err)
		}
		return nil, fmt.Errorf("exec script %s: %w", name, err)
	}
	m.metrics.ScriptExec(name, metrics.ResultOK)
	return res, nil
}

// CreateClient returns a new, independent client with the same endpoint
// configuration. Pub/sub consumers use it so subscriptions never share the
// command connection. The caller owns and closes the client.
func (m *Manager) CreateClient() (Client, error) {
	m.mu.RLock()
	initialized := m.initialized
	m.mu.RUnlock()

	if !initialized {
		return nil, fmt.Errorf("cannot create new redis client: %w", ErrNotInitialized)
	}
	return m.dial(m.cfg)
}

// Client returns the primary client once initialized.
func (m *Manager) Client() (Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.initialized || m.client == nil {
		return nil, fmt.Errorf("cannot retrieve redis client: %w", ErrNotInitialized)
	}
	return m.client, nil
}

// Publish sends message on channel through the primary client.
func (m *Manager) Publish(ctx context.Context, channel string, message any) error {
	client, err := m.Client()
	if err != nil {
		return err
	}
	if err := client.Publish(ctx, channel, message); err != nil {
		if lostConnection(ctx, err) {
			m.resync(err)
		}
		return err
	}
	return nil
}

// FlushDB removes every key of the selected database.
func (m *Manager) FlushDB(ctx context.Context) error {
	client, err := m.Client()
	if err != nil {
		return err
	}
	return client.FlushDB(ctx)
}

// Close tears the connection down and returns to Disconnected. A connect
// attempt in progress returns ErrClosed. Close is idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.attempt++
	client := m.client
	m.client = nil
	m.initialized = false
	from := m.state
	m.state = Disconnected
	m.mu.Unlock()

	if from != Disconnected {
		m.stateChanged(from, Disconnected)
	}

	if client == nil {
		return nil
	}
	m.logger.Info("Closing redis connection")
	return client.Close()
}

// transition moves to state to on behalf of attempt. Stale attempts
// (superseded by Close or a new Connect) are ignored and return false.
func (m *Manager) transition(attempt uint64, to State) bool {
	m.mu.Lock()
	if m.attempt != attempt {
		m.mu.Unlock()
		return false
	}
	from := m.state
	m.state = to
	m.mu.Unlock()

	if from != to {
		m.stateChanged(from, to)
	}
	return true
}

func (m *Manager) stateChanged(from, to State) {
	m.metrics.SetState(to.String(), StateNames())
	m.logger.Debug("Redis state changed", "from", from.String(), "to", to.String())
	events.Publish(m.bus, events.StateChangedEvent{
		From:      from.String(),
		To:        to.String(),
		Timestamp: now(),
	})
}

func (m *Manager) isStale(attempt uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.attempt != attempt
}

// fail moves the attempt to Fatal and publishes exactly one FatalEvent.
func (m *Manager) fail(attempt uint64, err error) error {
	if !m.transition(attempt, Fatal) {
		return ErrClosed
	}
	m.logger.Error("Fatal redis error", "error", err)
	events.Publish(m.bus, events.FatalEvent{
		Error:     err.Error(),
		Err:       err,
		Timestamp: now(),
	})
	return err
}

// reportError publishes a non-fatal ErrorEvent. State is unchanged.
func (m *Manager) reportError(err error) {
	kind := Classify(err)
	m.logger.Error("Redis error", "kind", kind.String(), "error", err)
	events.Publish(m.bus, events.ErrorEvent{
		Component: "redis",
		Kind:      kind.String(),
		Error:     err.Error(),
		Err:       err,
		Timestamp: now(),
	})
}

func now() string {
	return time.Now().Format(time.RFC3339)
}

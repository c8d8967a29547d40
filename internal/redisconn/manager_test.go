package redisconn

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/smazurov/observer/internal/events"
	"github.com/smazurov/observer/internal/scripts"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(retryLimit int) Config {
	return Config{
		Host:          "127.0.0.1",
		Port:          6379,
		RetryLimit:    retryLimit,
		ReconnectWait: time.Millisecond,
	}
}

func newTestManager(t *testing.T, cfg Config, primary *fakeClient, opts ...Option) (*Manager, *countingDialer) {
	t.Helper()
	dialer := &countingDialer{primary: primary}
	opts = append([]Option{WithDialer(dialer.dial), WithLogger(newTestLogger())}, opts...)
	m := New(cfg, scripts.NewCache(), opts...)
	t.Cleanup(func() { _ = m.Close() })
	return m, dialer
}

func mustRegister(t *testing.T, m *Manager, name, content string) {
	t.Helper()
	if _, err := m.Scripts().Register(name, content); err != nil {
		t.Fatalf("Register %s failed: %v", name, err)
	}
}

func TestExecScriptBeforeConnect(t *testing.T) {
	m, dialer := newTestManager(t, testConfig(5), newFakeClient())
	mustRegister(t, m, "trim", "return 1")

	_, err := m.ExecScript(context.Background(), "trim", nil)
	if !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Expected ErrNotInitialized, got %v", err)
	}
	_, err = m.ExecScript(context.Background(), "unknown", nil)
	if !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Expected ErrNotInitialized for unknown script too, got %v", err)
	}
	if dialer.count() != 0 {
		t.Errorf("Expected no network activity, got %d dials", dialer.count())
	}
}

func TestCreateClientBeforeConnect(t *testing.T) {
	m, _ := newTestManager(t, testConfig(5), newFakeClient())

	if _, err := m.CreateClient(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Expected ErrNotInitialized, got %v", err)
	}
	if _, err := m.Client(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Expected ErrNotInitialized, got %v", err)
	}
}

func TestConnectSyncsMissingScripts(t *testing.T) {
	primary := newFakeClient()
	primary.preload("return 2")

	bus := events.New()
	states := make(chan string, 10)
	unsub := events.Subscribe(bus, func(e events.StateChangedEvent) { states <- e.To })
	defer unsub()
	ready := make(chan events.ReadyEvent, 1)
	unsubReady := events.Subscribe(bus, func(e events.ReadyEvent) { ready <- e })
	defer unsubReady()

	m, _ := newTestManager(t, testConfig(5), primary, WithEventBus(bus))
	mustRegister(t, m, "one", "return 1")
	mustRegister(t, m, "two", "return 2")
	mustRegister(t, m, "three", "return 3")

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if m.State() != Ready {
		t.Errorf("Expected state ready, got %s", m.State())
	}
	if primary.existsCalls != 1 {
		t.Errorf("Expected a single SCRIPT EXISTS round trip, got %d", primary.existsCalls)
	}
	wantDigests := []string{scripts.Digest("return 1"), scripts.Digest("return 2"), scripts.Digest("return 3")}
	for i, d := range wantDigests {
		if primary.existsArgs[i] != d {
			t.Errorf("EXISTS argument %d: expected %s, got %s", i, d, primary.existsArgs[i])
		}
	}
	if primary.loadCalls != 2 {
		t.Errorf("Expected 2 SCRIPT LOAD calls, got %d", primary.loadCalls)
	}

	want := []string{"connecting", "syncing_scripts", "ready"}
	for _, w := range want {
		select {
		case got := <-states:
			if got != w {
				t.Errorf("Expected transition to %s, got %s", w, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("Timeout waiting for transition to %s", w)
		}
	}

	select {
	case e := <-ready:
		if e.Scripts != 3 || e.Loaded != 2 {
			t.Errorf("Expected ready with 3 scripts and 2 loaded, got %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for ready event")
	}

	select {
	case <-m.Ready():
	default:
		t.Error("Ready channel should be closed")
	}
}

func TestRetryLimitReachesFatal(t *testing.T) {
	primary := newFakeClient(refused(), refused(), refused())

	bus := events.New()
	fatals := make(chan events.FatalEvent, 4)
	unsub := events.Subscribe(bus, func(e events.FatalEvent) { fatals <- e })
	defer unsub()

	m, _ := newTestManager(t, testConfig(2), primary, WithEventBus(bus))

	err := m.Connect(context.Background())
	if !errors.Is(err, ErrRetryLimitExceeded) {
		t.Fatalf("Expected ErrRetryLimitExceeded, got %v", err)
	}
	if !errors.Is(err, ErrConnectionRefused) {
		t.Errorf("Expected refused cause to be preserved, got %v", err)
	}
	if m.State() != Fatal {
		t.Errorf("Expected state fatal, got %s", m.State())
	}
	if primary.pings != 2 {
		t.Errorf("Expected exactly 2 attempts, got %d", primary.pings)
	}

	select {
	case e := <-fatals:
		if !errors.Is(e.Err, ErrRetryLimitExceeded) {
			t.Errorf("Unexpected fatal error %v", e.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for fatal event")
	}
	select {
	case e := <-fatals:
		t.Fatalf("Fatal event must fire exactly once, got second: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRetryLimitMinusOneThenConnects(t *testing.T) {
	primary := newFakeClient(refused(), refused())
	m, _ := newTestManager(t, testConfig(3), primary)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if m.State() != Ready {
		t.Errorf("Expected state ready, got %s", m.State())
	}
	if primary.pings != 3 {
		t.Errorf("Expected 3 pings, got %d", primary.pings)
	}
}

func TestTransportErrorsAreNotCounted(t *testing.T) {
	timeout := errors.New("i/o timeout")
	primary := newFakeClient(timeout, timeout, timeout)

	bus := events.New()
	errs := make(chan events.ErrorEvent, 4)
	unsub := events.Subscribe(bus, func(e events.ErrorEvent) { errs <- e })
	defer unsub()

	m, _ := newTestManager(t, testConfig(1), primary, WithEventBus(bus))

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	for range 3 {
		select {
		case e := <-errs:
			if e.Kind != KindTransport.String() {
				t.Errorf("Expected transport kind, got %s", e.Kind)
			}
		case <-time.After(time.Second):
			t.Fatal("Timeout waiting for error event")
		}
	}
}

func TestScriptIntegrityMismatchIsFatal(t *testing.T) {
	primary := newFakeClient()
	primary.loadFn = func(string) (string, error) {
		return "0000000000000000000000000000000000000000", nil
	}

	m, _ := newTestManager(t, testConfig(5), primary)
	mustRegister(t, m, "trim", "return 1")

	err := m.Connect(context.Background())
	var integrityErr *ScriptIntegrityError
	if !errors.As(err, &integrityErr) {
		t.Fatalf("Expected ScriptIntegrityError, got %v", err)
	}
	if integrityErr.Name != "trim" {
		t.Errorf("Expected script trim, got %s", integrityErr.Name)
	}
	if m.State() != Fatal {
		t.Errorf("Expected state fatal, got %s", m.State())
	}
	if _, execErr := m.ExecScript(context.Background(), "trim", nil); !errors.Is(execErr, ErrNotInitialized) {
		t.Errorf("Expected ErrNotInitialized after failed sync, got %v", execErr)
	}
}

func TestAllLoadsCompleteBeforeFatal(t *testing.T) {
	primary := newFakeClient()
	var mu sync.Mutex
	finished := 0
	primary.loadFn = func(content string) (string, error) {
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		finished++
		mu.Unlock()
		if content == "return 1" {
			return "", errors.New("ERR loading failed")
		}
		return scripts.Digest(content), nil
	}

	m, _ := newTestManager(t, testConfig(5), primary)
	mustRegister(t, m, "one", "return 1")
	mustRegister(t, m, "two", "return 2")
	mustRegister(t, m, "three", "return 3")

	if err := m.Connect(context.Background()); err == nil {
		t.Fatal("Expected load failure")
	}

	mu.Lock()
	defer mu.Unlock()
	if finished != 3 {
		t.Errorf("Expected all 3 loads to complete, got %d", finished)
	}
}

func TestExecScript(t *testing.T) {
	primary := newFakeClient()
	m, _ := newTestManager(t, testConfig(5), primary)
	mustRegister(t, m, "trim", "return 1")

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	res, err := m.ExecScript(context.Background(), "trim", []string{"k1", "k2"}, "a1")
	if err != nil {
		t.Fatalf("ExecScript failed: %v", err)
	}
	if res != scripts.Digest("return 1")[:7]+":2" {
		t.Errorf("Unexpected result %v", res)
	}
	if len(primary.lastKeys) != 2 || len(primary.lastArgs) != 1 || primary.lastArgs[0] != "a1" {
		t.Errorf("Unexpected keys/args %v %v", primary.lastKeys, primary.lastArgs)
	}

	if _, err := m.ExecScript(context.Background(), "missing", nil); !errors.Is(err, ErrScriptNotRegistered) {
		t.Errorf("Expected ErrScriptNotRegistered, got %v", err)
	}

	remote := errors.New("ERR user_script:1: boom")
	primary.evalErr = remote
	if _, err := m.ExecScript(context.Background(), "trim", nil); !errors.Is(err, remote) {
		t.Errorf("Expected remote error verbatim, got %v", err)
	}
}

func TestCreateClientAfterReady(t *testing.T) {
	primary := newFakeClient()
	m, dialer := newTestManager(t, testConfig(5), primary)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	client, err := m.CreateClient()
	if err != nil {
		t.Fatalf("CreateClient failed: %v", err)
	}
	if client == Client(primary) {
		t.Error("CreateClient must return an independent client")
	}
	if dialer.count() != 2 {
		t.Errorf("Expected 2 dials, got %d", dialer.count())
	}
}

func TestConnectWhileConnecting(t *testing.T) {
	blocked := newFakeClient()
	for range 1000 {
		blocked.pingErrs = append(blocked.pingErrs, errors.New("LOADING Redis is loading the dataset in memory"))
	}
	cfg := testConfig(5)
	cfg.ReconnectWait = 5 * time.Millisecond
	m, _ := newTestManager(t, cfg, blocked)

	done := make(chan error, 1)
	go func() { done <- m.Connect(context.Background()) }()

	deadline := time.Now().Add(time.Second)
	for m.State() != Connecting && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if err := m.Connect(context.Background()); !errors.Is(err, ErrAlreadyConnecting) {
		t.Errorf("Expected ErrAlreadyConnecting, got %v", err)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Connect did not return after Close")
	}
	if m.State() != Disconnected {
		t.Errorf("Expected state disconnected, got %s", m.State())
	}
}

func TestContextCancelEndsInFatal(t *testing.T) {
	primary := newFakeClient()
	for range 1000 {
		primary.pingErrs = append(primary.pingErrs, errors.New("i/o timeout"))
	}
	m, _ := newTestManager(t, testConfig(5), primary)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := m.Connect(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
	if m.State() != Fatal {
		t.Errorf("Expected state fatal, got %s", m.State())
	}
}

func TestReconnectAfterFatal(t *testing.T) {
	primary := newFakeClient(refused())
	m, _ := newTestManager(t, testConfig(1), primary)

	if err := m.Connect(context.Background()); !errors.Is(err, ErrRetryLimitExceeded) {
		t.Fatalf("Expected ErrRetryLimitExceeded, got %v", err)
	}
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Reconnect failed: %v", err)
	}
	if m.State() != Ready {
		t.Errorf("Expected state ready, got %s", m.State())
	}
}

func TestCloseResetsInitialization(t *testing.T) {
	primary := newFakeClient()
	m, _ := newTestManager(t, testConfig(5), primary)
	mustRegister(t, m, "trim", "return 1")

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !primary.closed {
		t.Error("Close should close the primary client")
	}
	if _, err := m.ExecScript(context.Background(), "trim", nil); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Expected ErrNotInitialized after Close, got %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("Second Close should be a no-op, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"refused", refused(), KindConnectionRefused},
		{"tagged refused", &KindError{Kind: KindConnectionRefused, Err: errors.New("x")}, KindConnectionRefused},
		{"timeout", errors.New("i/o timeout"), KindTransport},
		{"closed", redis.ErrClosed, KindTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestConfigOptions(t *testing.T) {
	opts, err := Config{Host: "cache", Port: 6380}.Options()
	if err != nil {
		t.Fatal(err)
	}
	if opts.Addr != "cache:6380" {
		t.Errorf("Expected addr cache:6380, got %s", opts.Addr)
	}

	opts, err = Config{Host: "ignored", Endpoint: "redis://other:7000/2"}.Options()
	if err != nil {
		t.Fatal(err)
	}
	if opts.Addr != "other:7000" || opts.DB != 2 {
		t.Errorf("Expected endpoint to win, got addr=%s db=%d", opts.Addr, opts.DB)
	}

	if _, err := (Config{Endpoint: "other:7000"}).Options(); err == nil {
		t.Error("Expected error for endpoint without scheme")
	}
}

func TestWithMiniredis(t *testing.T) {
	srv := miniredis.RunT(t)
	port, err := strconv.Atoi(srv.Port())
	if err != nil {
		t.Fatal(err)
	}

	m := New(Config{Host: srv.Host(), Port: port}, scripts.NewCache(), WithLogger(newTestLogger()))
	defer m.Close()
	mustRegister(t, m, "trim", "return 1")
	mustRegister(t, m, "setget", "redis.call('SET', KEYS[1], ARGV[1]); return redis.call('GET', KEYS[1])")

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	res, err := m.ExecScript(context.Background(), "trim", nil)
	if err != nil {
		t.Fatalf("ExecScript trim failed: %v", err)
	}
	if res != int64(1) {
		t.Errorf("Expected 1, got %v (%T)", res, res)
	}

	res, err = m.ExecScript(context.Background(), "setget", []string{"greeting"}, "hello")
	if err != nil {
		t.Fatalf("ExecScript setget failed: %v", err)
	}
	if res != "hello" {
		t.Errorf("Expected hello, got %v", res)
	}

	if err := m.FlushDB(context.Background()); err != nil {
		t.Fatalf("FlushDB failed: %v", err)
	}
	if srv.Exists("greeting") {
		t.Error("Expected FlushDB to remove keys")
	}
}

func TestWithMiniredisEndpointAndExistingScripts(t *testing.T) {
	srv := miniredis.RunT(t)

	first := New(Config{Endpoint: "redis://" + srv.Addr()}, scripts.NewCache(), WithLogger(newTestLogger()))
	mustRegister(t, first, "trim", "return 1")
	if err := first.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	_ = first.Close()

	bus := events.New()
	ready := make(chan events.ReadyEvent, 1)
	unsub := events.Subscribe(bus, func(e events.ReadyEvent) { ready <- e })
	defer unsub()

	second := New(Config{Endpoint: "redis://" + srv.Addr()}, scripts.NewCache(),
		WithLogger(newTestLogger()), WithEventBus(bus))
	defer second.Close()
	mustRegister(t, second, "trim", "return 1")
	if err := second.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	select {
	case e := <-ready:
		if e.Loaded != 0 {
			t.Errorf("Expected script already resident, got %d loaded", e.Loaded)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for ready event")
	}
}

func TestRefusedAgainstClosedPort(t *testing.T) {
	srv := miniredis.RunT(t)
	addr := srv.Addr()
	srv.Close()

	m := New(Config{
		Endpoint:      "redis://" + addr,
		RetryLimit:    2,
		ReconnectWait: time.Millisecond,
		DialTimeout:   time.Second,
	}, scripts.NewCache(), WithLogger(newTestLogger()))
	defer m.Close()

	err := m.Connect(context.Background())
	if !errors.Is(err, ErrRetryLimitExceeded) {
		t.Fatalf("Expected ErrRetryLimitExceeded, got %v", err)
	}
	if m.State() != Fatal {
		t.Errorf("Expected state fatal, got %s", m.State())
	}
}

func waitForState(t *testing.T, m *Manager, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for m.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("Timeout waiting for state %s, still %s", want, m.State())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestResyncAfterServerLosesScripts(t *testing.T) {
	primary := newFakeClient()

	bus := events.New()
	ready := make(chan events.ReadyEvent, 2)
	unsubReady := events.Subscribe(bus, func(e events.ReadyEvent) { ready <- e })
	defer unsubReady()
	errs := make(chan events.ErrorEvent, 2)
	unsubErr := events.Subscribe(bus, func(e events.ErrorEvent) { errs <- e })
	defer unsubErr()

	m, _ := newTestManager(t, testConfig(5), primary, WithEventBus(bus))
	mustRegister(t, m, "trim", "return 1")

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	<-ready

	gate := make(chan struct{})
	primary.flushScripts()
	primary.mu.Lock()
	primary.pingGate = gate
	primary.mu.Unlock()

	_, err := m.ExecScript(context.Background(), "trim", nil)
	if !errors.Is(err, ErrScriptMissing) {
		t.Fatalf("Expected ErrScriptMissing, got %v", err)
	}
	if m.State() != Connecting {
		t.Errorf("Expected state connecting, got %s", m.State())
	}

	// Scripts must not run until the sync finished.
	if _, err := m.ExecScript(context.Background(), "trim", nil); !errors.Is(err, ErrNotReady) {
		t.Errorf("Expected ErrNotReady while resyncing, got %v", err)
	}

	select {
	case e := <-errs:
		if !errors.Is(e.Err, ErrScriptMissing) {
			t.Errorf("Expected error event carrying ErrScriptMissing, got %v", e.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for error event")
	}

	close(gate)
	select {
	case e := <-ready:
		if e.Loaded != 1 {
			t.Errorf("Expected 1 script reloaded, got %d", e.Loaded)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for second ready event")
	}
	waitForState(t, m, Ready)

	if _, err := m.ExecScript(context.Background(), "trim", nil); err != nil {
		t.Errorf("ExecScript after resync failed: %v", err)
	}
}

func TestRemoteErrorDoesNotResync(t *testing.T) {
	primary := newFakeClient()
	m, _ := newTestManager(t, testConfig(5), primary)
	mustRegister(t, m, "trim", "return 1")

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	primary.mu.Lock()
	primary.evalErr = errors.New("ERR user_script:1: boom")
	primary.mu.Unlock()
	if _, err := m.ExecScript(context.Background(), "trim", nil); err == nil {
		t.Fatal("Expected remote error")
	}
	if m.State() != Ready {
		t.Errorf("Expected state ready after a script error, got %s", m.State())
	}
}

func TestResyncAfterRedisRestart(t *testing.T) {
	srv := miniredis.RunT(t)
	addr := srv.Addr()

	m := New(Config{Endpoint: "redis://" + addr, ReconnectWait: 5 * time.Millisecond},
		scripts.NewCache(), WithLogger(newTestLogger()))
	defer m.Close()
	mustRegister(t, m, "trim", "return 1")

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	srv.Close()
	restarted := miniredis.NewMiniRedis()
	if err := restarted.StartAddr(addr); err != nil {
		t.Fatalf("Restart on %s failed: %v", addr, err)
	}
	defer restarted.Close()

	if _, err := m.ExecScript(context.Background(), "trim", nil); err == nil {
		t.Fatal("Expected the first call after restart to fail")
	}

	waitForState(t, m, Ready)
	res, err := m.ExecScript(context.Background(), "trim", nil)
	if err != nil {
		t.Fatalf("ExecScript after restart failed: %v", err)
	}
	if res != int64(1) {
		t.Errorf("Expected 1, got %v", res)
	}
}

package redisconn

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"

	"github.com/smazurov/observer/internal/scripts"
)

// refused mimics a dial error as returned by the net package.
func refused() error {
	return &os.SyscallError{Syscall: "connect", Err: syscall.ECONNREFUSED}
}

// fakeClient is an in-memory Client with scripted ping failures.
type fakeClient struct {
	mu          sync.Mutex
	pingErrs    []error
	pingGate    chan struct{}
	pings       int
	cache       map[string]string
	existsCalls int
	existsArgs  []string
	loadCalls   int
	loadFn      func(content string) (string, error)
	evalCalls   int
	evalErr     error
	lastKeys    []string
	lastArgs    []any
	closed      bool
}

func newFakeClient(pingErrs ...error) *fakeClient {
	return &fakeClient{
		pingErrs: pingErrs,
		cache:    make(map[string]string),
	}
}

// flushScripts drops the server-side script cache, as a restart does.
func (c *fakeClient) flushScripts() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]string)
}

func (c *fakeClient) preload(content string) {
	c.cache[scripts.Digest(content)] = content
}

func (c *fakeClient) Ping(ctx context.Context) error {
	c.mu.Lock()
	gate := c.pingGate
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	c.pings++
	if len(c.pingErrs) == 0 {
		return nil
	}
	err := c.pingErrs[0]
	c.pingErrs = c.pingErrs[1:]
	return Tag(err)
}

func (c *fakeClient) ScriptExists(_ context.Context, digests ...string) ([]bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.existsCalls++
	c.existsArgs = append([]string(nil), digests...)
	out := make([]bool, len(digests))
	for i, d := range digests {
		_, out[i] = c.cache[d]
	}
	return out, nil
}

func (c *fakeClient) ScriptLoad(_ context.Context, script string) (string, error) {
	c.mu.Lock()
	c.loadCalls++
	fn := c.loadFn
	c.mu.Unlock()

	if fn != nil {
		return fn(script)
	}

	digest := scripts.Digest(script)
	c.mu.Lock()
	c.cache[digest] = script
	c.mu.Unlock()
	return digest, nil
}

func (c *fakeClient) EvalSha(_ context.Context, digest string, keys []string, args ...any) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evalCalls++
	c.lastKeys = keys
	c.lastArgs = args
	if c.evalErr != nil {
		return nil, c.evalErr
	}
	if _, ok := c.cache[digest]; !ok {
		return nil, &missingScriptError{err: errors.New("NOSCRIPT No matching script. Please use EVAL.")}
	}
	return fmt.Sprintf("%s:%d", digest[:7], len(keys)), nil
}

func (c *fakeClient) Publish(context.Context, string, any) error { return nil }

func (c *fakeClient) FlushDB(context.Context) error { return nil }

func (c *fakeClient) PubSub(context.Context) PubSub { return nil }

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// countingDialer hands out the primary client first, then fresh clients.
type countingDialer struct {
	mu      sync.Mutex
	primary *fakeClient
	dials   int
}

func (d *countingDialer) dial(Config) (Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dials == 1 {
		return d.primary, nil
	}
	return newFakeClient(), nil
}

func (d *countingDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

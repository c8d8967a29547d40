package redisconn

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// redisClient adapts go-redis to Client.
type redisClient struct {
	rdb *redis.Client
}

// DialRedis is the default Dialer, backed by go-redis.
func DialRedis(cfg Config) (Client, error) {
	opts, err := cfg.Options()
	if err != nil {
		return nil, err
	}
	return &redisClient{rdb: redis.NewClient(opts)}, nil
}

// NewClient wraps an existing go-redis client.
func NewClient(rdb *redis.Client) Client {
	return &redisClient{rdb: rdb}
}

func (c *redisClient) Ping(ctx context.Context) error {
	return Tag(c.rdb.Ping(ctx).Err())
}

func (c *redisClient) ScriptExists(ctx context.Context, digests ...string) ([]bool, error) {
	exists, err := c.rdb.ScriptExists(ctx, digests...).Result()
	return exists, Tag(err)
}

func (c *redisClient) ScriptLoad(ctx context.Context, script string) (string, error) {
	digest, err := c.rdb.ScriptLoad(ctx, script).Result()
	return digest, Tag(err)
}

// EvalSha returns redis.Nil untagged so callers can keep using errors.Is(err, redis.Nil).
func (c *redisClient) EvalSha(ctx context.Context, digest string, keys []string, args ...any) (any, error) {
	res, err := c.rdb.EvalSha(ctx, digest, keys, args...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		var redisErr redis.Error
		if errors.As(err, &redisErr) {
			// Server replies are surfaced verbatim.
			if strings.HasPrefix(redisErr.Error(), "NOSCRIPT") {
				return nil, &missingScriptError{err: err}
			}
			return nil, err
		}
		return nil, Tag(err)
	}
	return res, err
}

func (c *redisClient) Publish(ctx context.Context, channel string, message any) error {
	return Tag(c.rdb.Publish(ctx, channel, message).Err())
}

func (c *redisClient) FlushDB(ctx context.Context) error {
	return Tag(c.rdb.FlushDB(ctx).Err())
}

func (c *redisClient) PubSub(ctx context.Context) PubSub {
	ps := c.rdb.Subscribe(ctx)
	p := &redisPubSub{
		ps:   ps,
		out:  make(chan Message),
		done: make(chan struct{}),
	}
	go p.pump()
	return p
}

func (c *redisClient) Close() error {
	return c.rdb.Close()
}

type redisPubSub struct {
	ps        *redis.PubSub
	out       chan Message
	done      chan struct{}
	closeOnce sync.Once
}

// pump forwards go-redis messages one at a time, preserving delivery order.
func (p *redisPubSub) pump() {
	defer close(p.out)
	for msg := range p.ps.Channel() {
		select {
		case p.out <- Message{Channel: msg.Channel, Payload: msg.Payload}:
		case <-p.done:
			return
		}
	}
}

func (p *redisPubSub) Subscribe(ctx context.Context, channels ...string) error {
	return Tag(p.ps.Subscribe(ctx, channels...))
}

func (p *redisPubSub) Unsubscribe(ctx context.Context, channels ...string) error {
	return Tag(p.ps.Unsubscribe(ctx, channels...))
}

func (p *redisPubSub) Messages() <-chan Message {
	return p.out
}

func (p *redisPubSub) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return p.ps.Close()
}

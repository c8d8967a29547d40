package redisconn

import (
	"context"
)

// Message is one pub/sub delivery.
type Message struct {
	Channel string
	Payload string
}

// PubSub is a dedicated subscriber connection.
type PubSub interface {
	Subscribe(ctx context.Context, channels ...string) error
	Unsubscribe(ctx context.Context, channels ...string) error
	// Messages delivers messages in transport order. The channel is closed by Close.
	Messages() <-chan Message
	Close() error
}

// Client is the subset of Redis commands the connection manager and relay use.
// Errors returned by implementations should be tagged with Tag so that
// callers can rely on Classify.
type Client interface {
	Ping(ctx context.Context) error
	ScriptExists(ctx context.Context, digests ...string) ([]bool, error)
	ScriptLoad(ctx context.Context, script string) (string, error)
	EvalSha(ctx context.Context, digest string, keys []string, args ...any) (any, error)
	Publish(ctx context.Context, channel string, message any) error
	FlushDB(ctx context.Context) error
	PubSub(ctx context.Context) PubSub
	Close() error
}

// Dialer creates a client for cfg. It must not block on the network:
// connectivity is established lazily and probed with Ping.
type Dialer func(cfg Config) (Client, error)

package redisconn

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultHost          = "localhost"
	DefaultPort          = 6379
	DefaultRetryLimit    = 5
	DefaultReconnectWait = 500 * time.Millisecond
)

// Config describes how to reach Redis. Endpoint, when set, overrides Host and Port.
type Config struct {
	Host          string
	Port          int
	Endpoint      string
	RetryLimit    int
	ReconnectWait time.Duration
	DialTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port <= 0 {
		c.Port = DefaultPort
	}
	if c.RetryLimit <= 0 {
		c.RetryLimit = DefaultRetryLimit
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = DefaultReconnectWait
	}
	return c
}

// Address returns the endpoint URI when configured, host:port otherwise.
func (c Config) Address() string {
	if c.Endpoint != "" {
		return c.Endpoint
	}
	c = c.withDefaults()
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Options builds go-redis options from either the endpoint URI or host/port.
func (c Config) Options() (*redis.Options, error) {
	c = c.withDefaults()

	var opts *redis.Options
	if c.Endpoint != "" {
		if !strings.Contains(c.Endpoint, "://") {
			return nil, fmt.Errorf("parse redis endpoint %q: missing scheme", c.Endpoint)
		}
		parsed, err := redis.ParseURL(c.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("parse redis endpoint: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: net.JoinHostPort(c.Host, strconv.Itoa(c.Port))}
	}

	if c.DialTimeout > 0 {
		opts.DialTimeout = c.DialTimeout
	}
	return opts, nil
}

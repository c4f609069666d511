package redisclient

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/hyp3rd/ewrap"
	"github.com/redis/go-redis/v9"

	"github.com/hyp3rd/coretex/internal/sentinel"
)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultMaxRetries   = 10
	defaultReadTimeout  = 30 * time.Second
	defaultWriteTimeout = 30 * time.Second
	defaultPoolTimeout  = 30 * time.Second
	defaultPoolSize     = 20
	defaultMinIdleConns = 4
)

// New creates a redis client with the given options.
func New(opts ...Option) (*redis.Client, error) {
	opt := &redis.Options{
		DB:           0,
		MaxRetries:   defaultMaxRetries,
		DialTimeout:  defaultDialTimeout,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
		PoolSize:     defaultPoolSize,
		MinIdleConns: defaultMinIdleConns,
		PoolTimeout:  defaultPoolTimeout,
	}

	ApplyOptions(opt, opts...)

	opt.Dialer = func(ctx context.Context, network, addr string) (net.Conn, error) {
		dialer := &net.Dialer{Timeout: opt.DialTimeout}

		return dialer.DialContext(ctx, network, addr)
	}

	if strings.TrimSpace(opt.Addr) == "" {
		return nil, ewrap.Wrap(sentinel.ErrParamCannotBeEmpty, "redis address")
	}

	return redis.NewClient(opt), nil
}

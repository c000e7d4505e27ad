// Package backend adapts a single Redis-style connection to the narrow
// command set the reliable queue and storage processor need: string
// GET/SET/SETEX/DEL, list LPUSH/LLEN/LMOVE/LREM, hash
// HSET/HGET/HGETALL/HLEN/HVALS, set SADD/SREM/SMEMBERS, and pub/sub
// PUBLISH/SUBSCRIBE.
//
// Standalone, sentinel, and cluster addressing all go through go-redis's
// UniversalClient; Options.Topology carries the distinction.
package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"
)

// ListPos selects an end of a list for LMOVE.
type ListPos string

const (
	ListLeft  ListPos = "LEFT"
	ListRight ListPos = "RIGHT"
)

// Subscription is a live pub/sub subscription on a dedicated connection.
type Subscription interface {
	// Payloads delivers each message published on the subscribed channel.
	// The channel is closed when the subscription is closed by the caller
	// or when the underlying connection is lost; the subscription is
	// never transparently re-established, so a closed channel is the
	// subscriber's signal to recover explicitly.
	Payloads() <-chan string
	Close() error
}

// Backend is the command set every other package in this module is
// written against. The real implementation wraps go-redis; tests use
// pkg/backend/backendtest's in-memory fake.
type Backend interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	SetEX(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error

	LPush(ctx context.Context, key, value string) (length int64, err error)
	LLen(ctx context.Context, key string) (int64, error)
	LMove(ctx context.Context, source, dest string, srcPos, destPos ListPos) (value string, ok bool, err error)
	LRem(ctx context.Context, key string, count int64, value string) (removed int64, err error)

	HSet(ctx context.Context, key, field, value string) error
	HDel(ctx context.Context, key, field string) error
	HGet(ctx context.Context, key, field string) (value string, ok bool, err error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HLen(ctx context.Context, key string) (int64, error)
	HVals(ctx context.Context, key string) ([]string, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Duplicate returns an independent connection for blocking
	// subscribe operations; it must be released by the caller.
	Duplicate() Backend

	// OnReady registers a callback invoked whenever the adapter regains
	// connectivity after a transient failure.
	OnReady(func())

	Close() error
}

// Topology selects how Options.Addrs is interpreted.
type Topology string

const (
	TopologyStandalone Topology = "standalone"
	TopologySentinel   Topology = "sentinel"
	TopologyCluster    Topology = "cluster"
)

// Options configures a Redis-backed adapter.
type Options struct {
	Topology     Topology
	Addrs        []string
	SentinelName string
	Username     string
	Password     string
	DB           int
	EnableTLS    bool
	Logger       logr.Logger

	// MaxRetries and RetryInterval bound per-command retries. Zero
	// values default to 10 retries with a fixed 2s gap.
	MaxRetries    int
	RetryInterval time.Duration
}

func (o Options) universal() *redis.UniversalOptions {
	u := &redis.UniversalOptions{
		Addrs:      o.Addrs,
		DB:         o.DB,
		Username:   o.Username,
		Password:   o.Password,
		MasterName: o.SentinelName,
	}
	if o.EnableTLS {
		u.TLSConfig = tlsConfig()
	}
	return u
}

// newClient builds the go-redis client kind that o.Topology names.
func (o Options) newClient() redis.UniversalClient {
	u := o.universal()
	switch o.Topology {
	case TopologyCluster:
		return redis.NewClusterClient(u.Cluster())
	case TopologySentinel:
		return redis.NewFailoverClient(u.Failover())
	default:
		return redis.NewClient(u.Simple())
	}
}

type client struct {
	rdb        redis.UniversalClient
	opts       Options
	logger     logr.Logger
	maxRetries int
	interval   time.Duration

	mu           sync.Mutex
	disconnected bool
	readyFns     []func()
}

// New builds a Backend against the given options.
//
// Offline command queuing is never used: go-redis surfaces a transport
// error immediately while disconnected instead of buffering commands.
// Automatic resubscribe-on-reconnect is never relied on either; every
// Subscribe call returns a fresh, single-purpose subscription, and
// recovery after a dropped connection is always driven explicitly by
// the subscriber (pkg/queue, pkg/state), never silently by the client.
func New(opts Options) Backend {
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 10
	}
	interval := opts.RetryInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &client{
		rdb:        opts.newClient(),
		opts:       opts,
		logger:     opts.Logger,
		maxRetries: maxRetries,
		interval:   interval,
	}
}

func (c *client) Duplicate() Backend {
	return &client{
		rdb:        c.opts.newClient(),
		opts:       c.opts,
		logger:     c.logger,
		maxRetries: c.maxRetries,
		interval:   c.interval,
	}
}

func (c *client) OnReady(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readyFns = append(c.readyFns, fn)
}

func (c *client) Close() error {
	return c.rdb.Close()
}

// withRetry runs op, retrying transient failures at a fixed interval up
// to the configured bound, and fires any registered ready callbacks the
// first time a command succeeds after a prior failure.
func (c *client) withRetry(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.interval), uint64(c.maxRetries)),
		ctx,
	)

	attempt := func() error {
		err := op()
		if err == nil {
			c.markReady()
			return nil
		}
		if errors.Is(err, redis.Nil) {
			// Not found is not a transport failure; never retry it.
			return backoff.Permanent(err)
		}
		c.markDisconnected()
		return err
	}

	if err := backoff.Retry(attempt, policy); err != nil {
		if errors.Is(err, redis.Nil) {
			return err
		}
		return fmt.Errorf("backend: command failed after retries: %w", err)
	}
	return nil
}

func (c *client) markDisconnected() {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
}

func (c *client) markReady() {
	c.mu.Lock()
	wasDisconnected := c.disconnected
	c.disconnected = false
	fns := append([]func(){}, c.readyFns...)
	c.mu.Unlock()

	if wasDisconnected {
		for _, fn := range fns {
			fn()
		}
	}
}

func (c *client) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := c.withRetry(ctx, func() error {
		var err error
		value, err = c.rdb.Get(ctx, key).Result()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (c *client) Set(ctx context.Context, key, value string) error {
	return c.withRetry(ctx, func() error {
		return c.rdb.Set(ctx, key, value, 0).Err()
	})
}

func (c *client) SetEX(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.withRetry(ctx, func() error {
		return c.rdb.Set(ctx, key, value, ttl).Err()
	})
}

func (c *client) Del(ctx context.Context, keys ...string) error {
	return c.withRetry(ctx, func() error {
		return c.rdb.Del(ctx, keys...).Err()
	})
}

func (c *client) LPush(ctx context.Context, key, value string) (int64, error) {
	var n int64
	err := c.withRetry(ctx, func() error {
		var err error
		n, err = c.rdb.LPush(ctx, key, value).Result()
		return err
	})
	return n, err
}

func (c *client) LLen(ctx context.Context, key string) (int64, error) {
	var n int64
	err := c.withRetry(ctx, func() error {
		var err error
		n, err = c.rdb.LLen(ctx, key).Result()
		return err
	})
	return n, err
}

func (c *client) LMove(ctx context.Context, source, dest string, srcPos, destPos ListPos) (string, bool, error) {
	var value string
	err := c.withRetry(ctx, func() error {
		var err error
		value, err = c.rdb.LMove(ctx, source, dest, string(srcPos), string(destPos)).Result()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (c *client) LRem(ctx context.Context, key string, count int64, value string) (int64, error) {
	var n int64
	err := c.withRetry(ctx, func() error {
		var err error
		n, err = c.rdb.LRem(ctx, key, count, value).Result()
		return err
	})
	return n, err
}

func (c *client) HSet(ctx context.Context, key, field, value string) error {
	return c.withRetry(ctx, func() error {
		return c.rdb.HSet(ctx, key, field, value).Err()
	})
}

func (c *client) HDel(ctx context.Context, key, field string) error {
	return c.withRetry(ctx, func() error {
		return c.rdb.HDel(ctx, key, field).Err()
	})
}

func (c *client) HGet(ctx context.Context, key, field string) (string, bool, error) {
	var value string
	err := c.withRetry(ctx, func() error {
		var err error
		value, err = c.rdb.HGet(ctx, key, field).Result()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (c *client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	var m map[string]string
	err := c.withRetry(ctx, func() error {
		var err error
		m, err = c.rdb.HGetAll(ctx, key).Result()
		return err
	})
	return m, err
}

func (c *client) HLen(ctx context.Context, key string) (int64, error) {
	var n int64
	err := c.withRetry(ctx, func() error {
		var err error
		n, err = c.rdb.HLen(ctx, key).Result()
		return err
	})
	return n, err
}

func (c *client) HVals(ctx context.Context, key string) ([]string, error) {
	var vals []string
	err := c.withRetry(ctx, func() error {
		var err error
		vals, err = c.rdb.HVals(ctx, key).Result()
		return err
	})
	return vals, err
}

func (c *client) SAdd(ctx context.Context, key string, members ...string) error {
	return c.withRetry(ctx, func() error {
		args := make([]interface{}, len(members))
		for i, m := range members {
			args[i] = m
		}
		return c.rdb.SAdd(ctx, key, args...).Err()
	})
}

func (c *client) SRem(ctx context.Context, key string, members ...string) error {
	return c.withRetry(ctx, func() error {
		args := make([]interface{}, len(members))
		for i, m := range members {
			args[i] = m
		}
		return c.rdb.SRem(ctx, key, args...).Err()
	})
}

func (c *client) SMembers(ctx context.Context, key string) ([]string, error) {
	var members []string
	err := c.withRetry(ctx, func() error {
		var err error
		members, err = c.rdb.SMembers(ctx, key).Result()
		return err
	})
	return members, err
}

func (c *client) Publish(ctx context.Context, channel, payload string) error {
	return c.withRetry(ctx, func() error {
		return c.rdb.Publish(ctx, channel, payload).Err()
	})
}

// Subscribe opens a dedicated subscription. The caller should normally
// call this on a Duplicate()'d Backend, since a subscribed connection
// can't multiplex other commands.
//
// go-redis's PubSub would normally reconnect and resubscribe on its own
// the next time a receive is attempted after a failure. That behaviour
// is deliberately not used here: the receive loop stops at the first
// transport error, marks the connection disconnected, and closes the
// payload channel, so recovery is always driven explicitly by the
// subscriber re-running its subscribe+snapshot sequence on a fresh
// Subscribe call.
func (c *client) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	var ps *redis.PubSub
	err := c.withRetry(ctx, func() error {
		ps = c.rdb.Subscribe(ctx, channel)
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("backend: subscribe %s: %w", channel, err)
	}

	sub := &subscription{ps: ps, out: make(chan string, 16), done: make(chan struct{})}
	go func() {
		defer close(sub.out)
		for {
			msg, err := ps.ReceiveMessage(ctx)
			if err != nil {
				select {
				case <-sub.done:
					// Closed by the caller.
				default:
					c.markDisconnected()
					_ = sub.Close()
				}
				return
			}
			select {
			case sub.out <- msg.Payload:
			case <-sub.done:
				return
			}
		}
	}()

	return sub, nil
}

type subscription struct {
	ps   *redis.PubSub
	out  chan string
	done chan struct{}
	once sync.Once
}

func (s *subscription) Payloads() <-chan string { return s.out }

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

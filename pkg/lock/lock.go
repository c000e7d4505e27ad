// Package lock implements the TTL-heartbeat singleton lock: at most one
// storage processor per namespace holds it at any instant, enforced
// best-effort via a TTL key refreshed by a heartbeat well inside that
// TTL, so a single missed heartbeat does not lose the lock.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/relaycore/statepipe/internal/metrics"
	"github.com/relaycore/statepipe/pkg/backend"
	"github.com/relaycore/statepipe/pkg/keys"
)

// ErrLockLost is returned by Acquire when the post-write verification
// read finds a different instance id. Fatal at startup.
var ErrLockLost = errors.New("lock: held by a different instance")

// ErrMaxAttemptsExceeded is returned by Acquire when the lock key never
// frees up within the configured attempt budget.
var ErrMaxAttemptsExceeded = errors.New("lock: max acquisition attempts exceeded")

// Options tunes the timing the acquisition protocol uses. Zero values
// take the production defaults; tests override them to run in
// milliseconds instead of seconds.
type Options struct {
	TTL               time.Duration // default 60s
	HeartbeatInterval time.Duration // default 30s
	AttemptInterval   time.Duration // default 10s
	MaxAttempts       int           // default 10
	VerifyDelay       time.Duration // default 5s
	Logger            logr.Logger
}

func (o Options) withDefaults() Options {
	if o.TTL == 0 {
		o.TTL = 60 * time.Second
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.AttemptInterval == 0 {
		o.AttemptInterval = 10 * time.Second
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 10
	}
	if o.VerifyDelay == 0 {
		o.VerifyDelay = 5 * time.Second
	}
	return o
}

// Lock is a held singleton lock with a running heartbeat.
type Lock struct {
	be         backend.Backend
	key        string
	instanceID string
	opts       Options

	mu       sync.Mutex
	stopped  bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Acquire runs the startup acquisition protocol: wait for the key to
// free up, write the instance id with a TTL, then re-read after a short
// delay to detect a racing winner. On success it starts the background
// heartbeat. The returned Lock must be Stop()ped by the caller.
func Acquire(ctx context.Context, be backend.Backend, ns keys.Namespace, opts Options) (*Lock, error) {
	opts = opts.withDefaults()
	logger := opts.Logger
	key := ns.Lock()
	instanceID := uuid.NewString()

	for attempt := 0; attempt < opts.MaxAttempts; attempt++ {
		held, ok, err := be.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("lock: read %s: %w", key, err)
		}
		if !ok || held == "" {
			break
		}
		logger.Info("singleton lock held by another instance, waiting", "key", key, "attempt", attempt+1)
		if attempt == opts.MaxAttempts-1 {
			return nil, ErrMaxAttemptsExceeded
		}
		if err := sleepCtx(ctx, opts.AttemptInterval); err != nil {
			return nil, err
		}
	}

	if err := be.SetEX(ctx, key, instanceID, opts.TTL); err != nil {
		return nil, fmt.Errorf("lock: write %s: %w", key, err)
	}

	if err := sleepCtx(ctx, opts.VerifyDelay); err != nil {
		return nil, err
	}

	current, ok, err := be.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("lock: verify %s: %w", key, err)
	}
	if !ok || current != instanceID {
		return nil, ErrLockLost
	}

	l := &Lock{
		be:         be,
		key:        key,
		instanceID: instanceID,
		opts:       opts,
		stopCh:     make(chan struct{}),
	}
	l.wg.Add(1)
	go l.heartbeatLoop(logger)
	metrics.LockHeld.Set(1)
	return l, nil
}

// InstanceID returns the UUID that won the lock.
func (l *Lock) InstanceID() string { return l.instanceID }

func (l *Lock) heartbeatLoop(logger logr.Logger) {
	defer l.wg.Done()
	ticker := time.NewTicker(l.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx := context.Background()
			if err := l.be.SetEX(ctx, l.key, l.instanceID, l.opts.TTL); err != nil {
				logger.Error(err, "lock heartbeat failed", "key", l.key)
			}
		case <-l.stopCh:
			return
		}
	}
}

// Stop cancels the heartbeat. Idempotent.
func (l *Lock) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		metrics.LockHeld.Set(0)
	})
	l.wg.Wait()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

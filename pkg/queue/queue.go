// Package queue implements a reliable, at-least-once queue over two
// backend lists: pushes land on the incoming list, pops move the oldest
// entry into a processing list, and confirmation removes it. A wake-up
// pub/sub channel lets a consumer block between bursts instead of
// polling.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/relaycore/statepipe/pkg/backend"
	"github.com/relaycore/statepipe/pkg/keys"
	"github.com/relaycore/statepipe/pkg/message"
)

// ErrCancelled is returned by WaitForSignal when its Control is cancelled.
var ErrCancelled = errors.New("queue: wait cancelled")

// Control is a cooperative cancellation flag, polled by WaitForSignal
// roughly once a second. Safe for concurrent use.
type Control struct {
	cancelled atomic.Bool
}

// Cancel requests that any in-flight WaitForSignal return ErrCancelled.
func (c *Control) Cancel() { c.cancelled.Store(true) }

// Cancelled reports whether Cancel has been called.
func (c *Control) Cancelled() bool { return c.cancelled.Load() }

// Queue is a reliable queue bound to one namespace.
type Queue struct {
	be     backend.Backend
	ns     keys.Namespace
	logger logr.Logger
}

// New binds a reliable queue to be under namespace ns.
func New(be backend.Backend, ns keys.Namespace, logger logr.Logger) *Queue {
	return &Queue{be: be, ns: ns, logger: logger}
}

// Push serializes msg, LPUSHes it onto the incoming queue, then publishes
// the wake signal. Both must succeed; a publish failure is surfaced as an
// error even though the push itself already landed. There is no rollback,
// since a duplicate PUSH notification is harmless.
func (q *Queue) Push(ctx context.Context, qid string, msg message.Message) (int64, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("queue: marshal message: %w", err)
	}

	n, err := q.be.LPush(ctx, q.ns.Queue(qid), string(raw))
	if err != nil {
		return 0, fmt.Errorf("queue: push: %w", err)
	}

	if err := q.be.Publish(ctx, q.ns.QueueChannel(qid), keys.WakePayload); err != nil {
		return n, fmt.Errorf("queue: publish wake signal: %w", err)
	}
	return n, nil
}

// PopNext first drains any messages orphaned in the processing list back
// onto the queue tail (crash recovery), then moves the oldest queued
// message into the processing list and returns it. Returns nil, nil when
// the queue is empty.
func (q *Queue) PopNext(ctx context.Context, qid string) (*message.MessageWithHandle, error) {
	queueKey := q.ns.Queue(qid)
	processingKey := q.ns.Processing(qid)

	for {
		n, err := q.be.LLen(ctx, processingKey)
		if err != nil {
			return nil, fmt.Errorf("queue: check processing list: %w", err)
		}
		if n == 0 {
			break
		}
		_, ok, err := q.be.LMove(ctx, processingKey, queueKey, backend.ListLeft, backend.ListRight)
		if err != nil {
			return nil, fmt.Errorf("queue: recover orphaned message: %w", err)
		}
		if !ok {
			break
		}
		q.logger.Info("recovered orphaned message from processing list", "qid", qid)
	}

	raw, ok, err := q.be.LMove(ctx, queueKey, processingKey, backend.ListRight, backend.ListLeft)
	if err != nil {
		return nil, fmt.Errorf("queue: pop: %w", err)
	}
	if !ok {
		return nil, nil
	}

	var m message.Message
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("queue: decode popped message: %w", err)
	}
	return &message.MessageWithHandle{Message: m, Handle: raw}, nil
}

// ErrInconsistent signals Confirm removed zero or more than one entry:
// either a double-confirm or a concurrent second processor violating the
// singleton invariant. Callers treat it as fatal.
var ErrInconsistent = errors.New("queue: confirm removed an unexpected number of entries")

// Confirm removes handle from the processing list. Exactly one entry
// must be removed; anything else is ErrInconsistent.
func (q *Queue) Confirm(ctx context.Context, qid, handle string) error {
	n, err := q.be.LRem(ctx, q.ns.Processing(qid), 1, handle)
	if err != nil {
		return fmt.Errorf("queue: confirm: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("%w: removed %d", ErrInconsistent, n)
	}
	return nil
}

// WaitForSignal duplicates the backend connection, subscribes to the
// wake channel, and resolves on the first published message. control is
// polled every second; the underlying connection is released on every
// exit path.
func (q *Queue) WaitForSignal(ctx context.Context, qid string, control *Control) error {
	dup := q.be.Duplicate()
	defer dup.Close()

	sub, err := dup.Subscribe(ctx, q.ns.QueueChannel(qid))
	if err != nil {
		return fmt.Errorf("queue: subscribe to wake channel: %w", err)
	}
	defer sub.Close()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case _, ok := <-sub.Payloads():
			if !ok {
				return fmt.Errorf("queue: wake subscription closed")
			}
			return nil
		case <-ticker.C:
			if control != nil && control.Cancelled() {
				return ErrCancelled
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// DeleteQueue removes both lists. Administration/testing only.
func (q *Queue) DeleteQueue(ctx context.Context, qid string) error {
	return q.be.Del(ctx, q.ns.Queue(qid), q.ns.Processing(qid))
}

// Size returns the length of the main incoming list.
func (q *Queue) Size(ctx context.Context, qid string) (int64, error) {
	return q.be.LLen(ctx, q.ns.Queue(qid))
}

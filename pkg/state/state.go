// Package state implements the versioned-state reader and subscriber,
// and the StateVersion / DiffMessage wire types they exchange with the
// storage processor.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/relaycore/statepipe/pkg/backend"
	"github.com/relaycore/statepipe/pkg/diff"
	"github.com/relaycore/statepipe/pkg/keys"
	"github.com/relaycore/statepipe/pkg/util"
)

// StateVersion is the versioned snapshot stored under <ns>-STATE-<key>.
type StateVersion struct {
	Version   int             `json:"version"`
	WrittenAt time.Time       `json:"writtenAt"`
	Value     json.RawMessage `json:"value"`
}

// DiffMessage is the structural delta published on <ns>-STATE-<key>-DELTA
// after every successful versioned write.
type DiffMessage struct {
	FromVersion  int          `json:"fromVersion"`
	ToVersion    int          `json:"toVersion"`
	WrittenAt    time.Time    `json:"writtenAt"`
	DeltaPayload diff.Payload `json:"deltaPayload"`
}

// ErrMissingState is returned by FetchStateAndListen, and passed to its
// onError, when a subscriber attaches to a key with no persisted
// StateVersion. Always an error, never a silent success.
var ErrMissingState = errors.New("state: missing state object")

// ErrUnsubscribed is delivered to onError exactly once when Unsubscribe
// is called.
var ErrUnsubscribed = errors.New("state: unsubscribed")

// Reader reads versioned state directly from the backend.
type Reader struct {
	be backend.Backend
	ns keys.Namespace
}

// NewReader binds a Reader to namespace ns.
func NewReader(be backend.Backend, ns keys.Namespace) *Reader {
	return &Reader{be: be, ns: ns}
}

// Get reads the current StateVersion for key. ok is false when absent.
func (r *Reader) Get(ctx context.Context, key string) (sv StateVersion, ok bool, err error) {
	raw, found, err := r.be.Get(ctx, r.ns.State(key))
	if err != nil {
		return StateVersion{}, false, fmt.Errorf("state: read %s: %w", key, err)
	}
	if !found {
		return StateVersion{}, false, nil
	}
	if err := json.Unmarshal([]byte(raw), &sv); err != nil {
		return StateVersion{}, false, fmt.Errorf("state: decode %s: %w", key, err)
	}
	return sv, true, nil
}

// Subscriber joins the live delta stream for a key, starting from a
// consistent snapshot.
//
// Each live subscription is tracked in a util.RefMap, keyed by a
// per-call sequence number with an initial reference count of 1.
// Unsubscribe is just RemoveRef: the ref-counted close runs exactly once
// no matter how many times, or from which goroutine, the returned
// Unsubscribe func is invoked.
type Subscriber struct {
	be       backend.Backend
	ns       keys.Namespace
	logger   logr.Logger
	sessions *util.RefMap[uint64, *session]
	nextID   atomic.Uint64
}

// NewSubscriber binds a Subscriber to namespace ns.
func NewSubscriber(be backend.Backend, ns keys.Namespace, logger logr.Logger) *Subscriber {
	return &Subscriber{be: be, ns: ns, logger: logger, sessions: util.NewRefMap[uint64, *session]()}
}

// Unsubscribe detaches from the delta stream. Safe to call more than
// once and safe to call from within any callback.
type Unsubscribe func()

// FetchStateAndListen duplicates a connection, subscribes to the delta
// channel, reads the current snapshot, invokes onFull once, and then
// invokes onDelta for every delta whose fromVersion matches the locally
// tracked version. After the dedicated connection drops, the subscribe
// and snapshot steps run again and onFull is invoked again with the
// fresh snapshot. Any delta that arrived out of order is discarded with
// a warning: it signals the subscriber fell behind or forked and should
// resubscribe.
func (s *Subscriber) FetchStateAndListen(
	ctx context.Context,
	key string,
	onFull func(StateVersion),
	onDelta func(DiffMessage),
	onError func(error),
) (Unsubscribe, error) {
	sess := &session{
		be:      s.be.Duplicate(),
		ns:      s.ns,
		key:     key,
		logger:  s.logger,
		onFull:  onFull,
		onDelta: onDelta,
		onError: onError,
		done:    make(chan struct{}),
	}

	if err := sess.attach(ctx); err != nil {
		sess.teardown()
		if errors.Is(err, ErrMissingState) {
			onError(err)
		}
		return func() {}, err
	}
	go sess.listen()

	id := s.nextID.Add(1)
	if err := s.sessions.Store(id, sess, func(sess *session) error {
		sess.onError(ErrUnsubscribed)
		sess.teardown()
		return nil
	}); err != nil {
		sess.teardown()
		return func() {}, fmt.Errorf("state: register subscription: %w", err)
	}

	return func() { _ = s.sessions.RemoveRef(id) }, nil
}

// reattachInterval is how long a disconnected session waits between
// subscribe+snapshot attempts.
const reattachInterval = 1 * time.Second

type session struct {
	be     backend.Backend
	ns     keys.Namespace
	key    string
	logger logr.Logger

	onFull  func(StateVersion)
	onDelta func(DiffMessage)
	onError func(error)

	// mu guards sub and currentVersion, which are written by attach (on
	// the caller's goroutine and again on every reattach inside listen)
	// and read by the delta handling.
	mu             sync.Mutex
	sub            backend.Subscription
	currentVersion int

	done chan struct{}
}

// attach runs the subscribe-then-snapshot sequence: the subscription is
// opened first so no delta between the two steps is missed, then the
// current StateVersion is read and delivered via onFull.
func (sess *session) attach(ctx context.Context) error {
	sub, err := sess.be.Subscribe(ctx, sess.ns.StateDelta(sess.key))
	if err != nil {
		return fmt.Errorf("state: subscribe: %w", err)
	}

	reader := NewReader(sess.be, sess.ns)
	current, ok, err := reader.Get(ctx, sess.key)
	if err != nil {
		_ = sub.Close()
		return err
	}
	if !ok {
		_ = sub.Close()
		return ErrMissingState
	}

	sess.mu.Lock()
	sess.sub = sub
	sess.currentVersion = current.Version
	sess.mu.Unlock()

	sess.onFull(current)
	return nil
}

func (sess *session) listen() {
	for {
		sess.mu.Lock()
		sub := sess.sub
		sess.mu.Unlock()

		select {
		case payload, ok := <-sub.Payloads():
			if !ok {
				// The dedicated connection dropped. Mark the session
				// uninitialised and re-run subscribe+snapshot; the
				// fresh snapshot jumps currentVersion forward, and any
				// deltas published while disconnected are intentionally
				// lost, since the snapshot subsumes them.
				if !sess.reattach() {
					return
				}
				continue
			}
			var dm DiffMessage
			if err := json.Unmarshal([]byte(payload), &dm); err != nil {
				sess.logger.Error(err, "state: decode delta failed")
				continue
			}
			sess.mu.Lock()
			expected := sess.currentVersion
			if dm.FromVersion == expected {
				sess.currentVersion = dm.ToVersion
			}
			sess.mu.Unlock()
			if dm.FromVersion != expected {
				sess.logger.Info("discarding out-of-order delta", "key", sess.key,
					"expected", expected, "fromVersion", dm.FromVersion)
				continue
			}
			sess.onDelta(dm)
		case <-sess.done:
			return
		}
	}
}

// reattach retries the subscribe+snapshot sequence until it succeeds.
// Returns false when the session was torn down instead.
func (sess *session) reattach() bool {
	for {
		select {
		case <-sess.done:
			return false
		default:
		}
		if err := sess.attach(context.Background()); err != nil {
			sess.logger.Error(err, "state: resubscribe failed, retrying", "key", sess.key)
			select {
			case <-sess.done:
				return false
			case <-time.After(reattachInterval):
			}
			continue
		}
		select {
		case <-sess.done:
			// Torn down while re-attaching; the teardown closed the old
			// subscription, so release the one attach just opened.
			sess.mu.Lock()
			sub := sess.sub
			sess.mu.Unlock()
			if sub != nil {
				_ = sub.Close()
			}
			return false
		default:
		}
		return true
	}
}

func (sess *session) teardown() {
	close(sess.done)
	sess.mu.Lock()
	sub := sess.sub
	sess.mu.Unlock()
	if sub != nil {
		_ = sub.Close()
	}
	_ = sess.be.Close()
}

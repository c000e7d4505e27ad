// Package processor implements the singleton storage processor: it
// acquires pkg/lock's namespace lock, then runs the drain/wait run-loop
// that applies queued mutations and publishes versioned state diffs.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/relaycore/statepipe/internal/metrics"
	"github.com/relaycore/statepipe/pkg/backend"
	"github.com/relaycore/statepipe/pkg/diff"
	"github.com/relaycore/statepipe/pkg/keys"
	"github.com/relaycore/statepipe/pkg/lock"
	"github.com/relaycore/statepipe/pkg/message"
	"github.com/relaycore/statepipe/pkg/queue"
	"github.com/relaycore/statepipe/pkg/state"
)

// maxWaitDuration bounds a single WaitForSignal call so the loop
// periodically revisits the drain step even with no traffic.
const maxWaitDuration = 300 * time.Second

// backOffDuration is how long a failed loop iteration waits before
// retrying, absent an earlier triggerWaitingCycle.
const backOffDuration = 300 * time.Second

const backOffPollInterval = 500 * time.Millisecond

// Processor runs the singleton storage processor for one queue.
type Processor struct {
	be       backend.Backend
	q        *queue.Queue
	ns       keys.Namespace
	qid      string
	logger   logr.Logger
	lockOpts lock.Options

	stopCh   chan struct{}
	stopOnce sync.Once
	stopped  atomic.Bool
	paused   atomic.Bool

	mu           sync.Mutex
	waitingUntil time.Time
}

// New builds a Processor bound to qid under namespace ns. lockOpts tunes
// the singleton acquisition protocol; its zero value uses the production
// defaults (see pkg/lock.Options).
func New(be backend.Backend, ns keys.Namespace, qid string, logger logr.Logger, lockOpts lock.Options) *Processor {
	return &Processor{
		be:       be,
		q:        queue.New(be, ns, logger),
		ns:       ns,
		qid:      qid,
		logger:   logger,
		lockOpts: lockOpts,
		stopCh:   make(chan struct{}),
	}
}

// Run acquires the singleton lock and blocks running the main run-loop
// until ctx is cancelled or Stop is called. It returns nil on a clean
// shutdown and a non-nil error only for a failed lock acquisition.
func (p *Processor) Run(ctx context.Context) error {
	defer p.stopped.Store(true)

	p.lockOpts.Logger = p.logger
	l, err := lock.Acquire(ctx, p.be, p.ns, p.lockOpts)
	if err != nil {
		return fmt.Errorf("processor: acquire singleton lock: %w", err)
	}
	defer l.Stop()

	p.be.OnReady(p.triggerWaitingCycle)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p.runLoop(gctx)
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-p.stopCh:
		}
		p.Stop()
		return nil
	})

	return g.Wait()
}

// Stop requests a cooperative shutdown. Safe to call more than once and
// safe to call before Run returns. Callers join by polling Stopped.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
}

// Stopped reports whether the run-loop has exited.
func (p *Processor) Stopped() bool { return p.stopped.Load() }

// Pause suspends the run-loop before its next drain. Messages keep
// accumulating on the queue until Resume.
func (p *Processor) Pause() { p.paused.Store(true) }

// Resume lifts a Pause.
func (p *Processor) Resume() { p.paused.Store(false) }

func (p *Processor) isStopping() bool {
	select {
	case <-p.stopCh:
		return true
	default:
		return false
	}
}

// triggerWaitingCycle clears an in-progress back-off immediately. It is
// wired to the backend's OnReady hook so a reconnect resumes the loop
// without waiting out the full back-off.
func (p *Processor) triggerWaitingCycle() {
	p.mu.Lock()
	p.waitingUntil = time.Time{}
	p.mu.Unlock()
}

func (p *Processor) backOff() {
	p.mu.Lock()
	p.waitingUntil = time.Now().Add(backOffDuration)
	p.mu.Unlock()

	ticker := time.NewTicker(backOffPollInterval)
	defer ticker.Stop()
	for {
		p.mu.Lock()
		until := p.waitingUntil
		p.mu.Unlock()
		if until.IsZero() || !time.Now().Before(until) {
			return
		}
		select {
		case <-ticker.C:
		case <-p.stopCh:
			return
		}
	}
}

func (p *Processor) runLoop(ctx context.Context) {
	for {
		if p.isStopping() {
			return
		}

		for p.paused.Load() {
			select {
			case <-time.After(backOffPollInterval):
			case <-p.stopCh:
				return
			}
		}

		if err := p.drain(ctx); err != nil {
			p.logger.Error(err, "storage processor: drain failed, backing off")
			p.backOff()
			continue
		}

		if p.isStopping() {
			return
		}

		if err := p.waitForSignal(ctx); err != nil && !errors.Is(err, queue.ErrCancelled) {
			p.logger.Error(err, "storage processor: wait for signal failed")
		}
	}
}

// drain pops and applies messages until the queue is empty, confirming
// each one as it succeeds. A message that fails to apply is left
// unconfirmed and recovered on the next pop.
func (p *Processor) drain(ctx context.Context) error {
	for {
		if p.isStopping() {
			return nil
		}

		m, err := p.q.PopNext(ctx, p.qid)
		if err != nil {
			return fmt.Errorf("pop: %w", err)
		}
		if m == nil {
			return nil
		}

		if err := p.apply(ctx, m.Message); err != nil {
			metrics.MessagesApplied.WithLabelValues(string(m.Message.Type), "error").Inc()
			return fmt.Errorf("apply %s: %w", m.Message.Type, err)
		}
		metrics.MessagesApplied.WithLabelValues(string(m.Message.Type), "applied").Inc()
		if err := p.q.Confirm(ctx, p.qid, m.Handle); err != nil {
			return fmt.Errorf("confirm: %w", err)
		}

		if n, err := p.q.Size(ctx, p.qid); err == nil {
			metrics.QueueDepth.WithLabelValues(p.qid).Set(float64(n))
		}
	}
}

// waitForSignal blocks on the wake channel, bounded to maxWaitDuration
// and cancelled immediately on Stop().
func (p *Processor) waitForSignal(ctx context.Context) error {
	control := &queue.Control{}
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		timer := time.NewTimer(maxWaitDuration)
		defer timer.Stop()
		select {
		case <-timer.C:
			control.Cancel()
		case <-p.stopCh:
			control.Cancel()
		case <-stop:
		}
	}()

	return p.q.WaitForSignal(ctx, p.qid, control)
}

// apply dispatches m.Type into its storage effect. An unrecognized type
// is logged and treated as success, so newer producers never wedge an
// older processor.
func (p *Processor) apply(ctx context.Context, m message.Message) error {
	decoded, err := message.Decode(m)
	if err != nil {
		return err
	}

	switch meta := decoded.(type) {
	case message.WriteSimpleValueMeta:
		return p.be.Set(ctx, p.ns.Value(meta.Key), meta.Value)

	case message.WriteStateObjectMeta:
		return p.applyWriteStateObject(ctx, meta)

	case message.WriteHashmapValueMeta:
		if meta.Value == nil {
			return p.be.HDel(ctx, p.ns.Map(meta.Key), meta.Field)
		}
		return p.be.HSet(ctx, p.ns.Map(meta.Key), meta.Field, *meta.Value)

	case message.AddStringsToSetMeta:
		if len(meta.Values) == 0 {
			return nil
		}
		return p.be.SAdd(ctx, p.ns.Set(meta.Key), meta.Values...)

	case message.RemoveStringsFromSetMeta:
		if len(meta.Values) == 0 {
			return nil
		}
		return p.be.SRem(ctx, p.ns.Set(meta.Key), meta.Values...)

	case message.Unknown:
		p.logger.Info("storage processor: ignoring message of unrecognized type", "type", meta.Type)
		return nil

	default:
		return fmt.Errorf("processor: unreachable decode result %T", decoded)
	}
}

// applyWriteStateObject implements the versioned state write: fetch the
// current version, write the next one (or delete on an empty object),
// then publish the structural diff between old and new. The write must
// land before the publish so a subscriber attaching between the two
// never observes a delta past the snapshot it just read.
func (p *Processor) applyWriteStateObject(ctx context.Context, meta message.WriteStateObjectMeta) error {
	reader := state.NewReader(p.be, p.ns)
	current, ok, err := reader.Get(ctx, meta.Key)
	if err != nil {
		return err
	}

	oldValue := interface{}(map[string]interface{}{})
	nextVersion := 1
	if ok {
		nextVersion = current.Version + 1
		if err := json.Unmarshal(current.Value, &oldValue); err != nil {
			return fmt.Errorf("decode current state %s: %w", meta.Key, err)
		}
	}

	var newValue interface{}
	if err := json.Unmarshal(meta.Value, &newValue); err != nil {
		return fmt.Errorf("decode incoming state %s: %w", meta.Key, err)
	}

	now := time.Now().UTC()

	if isEmptyObject(meta.Value) {
		if err := p.be.Del(ctx, p.ns.State(meta.Key)); err != nil {
			return fmt.Errorf("delete state %s: %w", meta.Key, err)
		}
	} else {
		sv := state.StateVersion{Version: nextVersion, WrittenAt: now, Value: meta.Value}
		raw, err := json.Marshal(sv)
		if err != nil {
			return fmt.Errorf("encode state %s: %w", meta.Key, err)
		}
		if err := p.be.Set(ctx, p.ns.State(meta.Key), string(raw)); err != nil {
			return fmt.Errorf("write state %s: %w", meta.Key, err)
		}
	}

	dm := state.DiffMessage{
		FromVersion:  nextVersion - 1,
		ToVersion:    nextVersion,
		WrittenAt:    now,
		DeltaPayload: diff.Diff(oldValue, newValue),
	}
	raw, err := json.Marshal(dm)
	if err != nil {
		return fmt.Errorf("encode delta %s: %w", meta.Key, err)
	}
	if err := p.be.Publish(ctx, p.ns.StateDelta(meta.Key), string(raw)); err != nil {
		return fmt.Errorf("publish delta %s: %w", meta.Key, err)
	}
	metrics.StateVersionWrites.WithLabelValues(meta.Key).Inc()
	return nil
}

func isEmptyObject(raw json.RawMessage) bool {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	m, ok := v.(map[string]interface{})
	return ok && len(m) == 0
}

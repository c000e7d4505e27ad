package processor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/statepipe/pkg/backend/backendtest"
	"github.com/relaycore/statepipe/pkg/keys"
	"github.com/relaycore/statepipe/pkg/lock"
	"github.com/relaycore/statepipe/pkg/message"
	"github.com/relaycore/statepipe/pkg/queue"
	"github.com/relaycore/statepipe/pkg/state"
)

func fastLockOptions() lock.Options {
	return lock.Options{
		TTL:               200 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
		AttemptInterval:   5 * time.Millisecond,
		MaxAttempts:       3,
		VerifyDelay:       5 * time.Millisecond,
	}
}

func newTestProcessor(store *backendtest.Store) (*Processor, *backendtest.Fake) {
	be := backendtest.NewWithStore(store)
	p := New(be, keys.Namespace("T"), "Q", logr.Discard(), fastLockOptions())
	return p, be
}

func pushMessage(t *testing.T, be *backendtest.Fake, ns keys.Namespace, typ message.Type, meta interface{}) {
	t.Helper()
	m, err := message.New(typ, meta, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	q := queue.New(be, ns, logr.Discard())
	_, err = q.Push(context.Background(), "Q", m)
	require.NoError(t, err)
}

func TestApplyWriteSimpleValue(t *testing.T) {
	store := backendtest.NewStore()
	p, be := newTestProcessor(store)
	ctx := context.Background()

	pushMessage(t, be, keys.Namespace("T"), message.TypeWriteSimpleValue, message.WriteSimpleValueMeta{Key: "k", Value: "v"})
	require.NoError(t, p.drain(ctx))

	got, ok, err := be.Get(ctx, keys.Namespace("T").Value("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", got)
}

func TestApplyWriteHashmapValueNilDeletes(t *testing.T) {
	store := backendtest.NewStore()
	p, be := newTestProcessor(store)
	ctx := context.Background()

	v := "v"
	pushMessage(t, be, keys.Namespace("T"), message.TypeWriteHashmapValue, message.WriteHashmapValueMeta{Key: "k", Field: "f", Value: &v})
	require.NoError(t, p.drain(ctx))

	val, ok, err := be.HGet(ctx, keys.Namespace("T").Map("k"), "f")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", val)

	pushMessage(t, be, keys.Namespace("T"), message.TypeWriteHashmapValue, message.WriteHashmapValueMeta{Key: "k", Field: "f", Value: nil})
	require.NoError(t, p.drain(ctx))

	_, ok, err = be.HGet(ctx, keys.Namespace("T").Map("k"), "f")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestApplySetAddAndRemove(t *testing.T) {
	store := backendtest.NewStore()
	p, be := newTestProcessor(store)
	ctx := context.Background()

	pushMessage(t, be, keys.Namespace("T"), message.TypeAddStringsToSet, message.AddStringsToSetMeta{Key: "k", Values: []string{"a", "b"}})
	require.NoError(t, p.drain(ctx))

	members, err := be.SMembers(ctx, keys.Namespace("T").Set("k"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, members)

	pushMessage(t, be, keys.Namespace("T"), message.TypeRemoveStringsFromSet, message.RemoveStringsFromSetMeta{Key: "k", Values: []string{"a"}})
	require.NoError(t, p.drain(ctx))

	members, err = be.SMembers(ctx, keys.Namespace("T").Set("k"))
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, members)
}

func TestApplyUnknownTypeIsIgnored(t *testing.T) {
	store := backendtest.NewStore()
	p, be := newTestProcessor(store)
	ctx := context.Background()

	pushMessage(t, be, keys.Namespace("T"), message.Type("SOMETHING_NEW"), map[string]string{})
	require.NoError(t, p.drain(ctx))

	size, err := p.q.Size(ctx, "Q")
	require.NoError(t, err)
	assert.Equal(t, int64(0), size)
}

func TestApplyWriteStateObjectFirstWriteStartsVersionOne(t *testing.T) {
	store := backendtest.NewStore()
	p, be := newTestProcessor(store)
	ctx := context.Background()
	ns := keys.Namespace("T")

	pushMessage(t, be, ns, message.TypeWriteStateObject, message.WriteStateObjectMeta{Key: "k", Value: json.RawMessage(`{"stage":"a"}`)})

	deltas := make(chan string, 1)
	sub, err := be.Subscribe(ctx, ns.StateDelta("k"))
	require.NoError(t, err)
	go func() {
		deltas <- <-sub.Payloads()
	}()

	require.NoError(t, p.drain(ctx))

	reader := state.NewReader(be, ns)
	sv, ok, err := reader.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, sv.Version)
	assert.JSONEq(t, `{"stage":"a"}`, string(sv.Value))

	select {
	case raw := <-deltas:
		var dm state.DiffMessage
		require.NoError(t, json.Unmarshal([]byte(raw), &dm))
		assert.Equal(t, 0, dm.FromVersion)
		assert.Equal(t, 1, dm.ToVersion)
		assert.Len(t, dm.DeltaPayload.Ops, 1)
	case <-time.After(time.Second):
		t.Fatal("expected delta to be published")
	}
}

func TestApplyWriteStateObjectSecondWriteIncrementsVersion(t *testing.T) {
	store := backendtest.NewStore()
	p, be := newTestProcessor(store)
	ctx := context.Background()
	ns := keys.Namespace("T")

	pushMessage(t, be, ns, message.TypeWriteStateObject, message.WriteStateObjectMeta{Key: "k", Value: json.RawMessage(`{"stage":"a"}`)})
	require.NoError(t, p.drain(ctx))

	pushMessage(t, be, ns, message.TypeWriteStateObject, message.WriteStateObjectMeta{Key: "k", Value: json.RawMessage(`{"stage":"b"}`)})
	require.NoError(t, p.drain(ctx))

	reader := state.NewReader(be, ns)
	sv, ok, err := reader.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, sv.Version)
	assert.JSONEq(t, `{"stage":"b"}`, string(sv.Value))
}

func TestApplyWriteStateObjectEmptyValueDeletesAndRestartsVersioning(t *testing.T) {
	store := backendtest.NewStore()
	p, be := newTestProcessor(store)
	ctx := context.Background()
	ns := keys.Namespace("T")

	pushMessage(t, be, ns, message.TypeWriteStateObject, message.WriteStateObjectMeta{Key: "k", Value: json.RawMessage(`{"stage":"a"}`)})
	require.NoError(t, p.drain(ctx))

	pushMessage(t, be, ns, message.TypeWriteStateObject, message.WriteStateObjectMeta{Key: "k", Value: json.RawMessage(`{}`)})
	require.NoError(t, p.drain(ctx))

	reader := state.NewReader(be, ns)
	_, ok, err := reader.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	pushMessage(t, be, ns, message.TypeWriteStateObject, message.WriteStateObjectMeta{Key: "k", Value: json.RawMessage(`{"stage":"c"}`)})
	require.NoError(t, p.drain(ctx))

	sv, ok, err := reader.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, sv.Version)
}

func TestApplyFailurePreventsConfirm(t *testing.T) {
	store := backendtest.NewStore()
	p, be := newTestProcessor(store)
	ctx := context.Background()
	ns := keys.Namespace("T")

	pushMessage(t, be, ns, message.TypeWriteSimpleValue, message.WriteSimpleValueMeta{Key: "k", Value: "v"})

	popped, err := p.q.PopNext(ctx, "Q")
	require.NoError(t, err)
	require.NotNil(t, popped)

	store.FailNext(1)
	err = p.apply(ctx, popped.Message)
	assert.Error(t, err)

	processingLen, err := be.LLen(ctx, ns.Processing("Q"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), processingLen)

	recovered, err := p.q.PopNext(ctx, "Q")
	require.NoError(t, err)
	require.NotNil(t, recovered)
	assert.Equal(t, popped.Handle, recovered.Handle)
}

func TestTriggerWaitingCycleClearsBackOff(t *testing.T) {
	store := backendtest.NewStore()
	p, _ := newTestProcessor(store)

	p.mu.Lock()
	p.waitingUntil = time.Now().Add(time.Hour)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.backOff()
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	p.triggerWaitingCycle()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("backOff did not return after triggerWaitingCycle")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	store := backendtest.NewStore()
	p, _ := newTestProcessor(store)

	p.Stop()
	p.Stop()
	assert.True(t, p.isStopping())
}

func TestRunFailsWhenLockHeld(t *testing.T) {
	store := backendtest.NewStore()
	be := backendtest.NewWithStore(store)
	require.NoError(t, be.Set(context.Background(), keys.Namespace("T").Lock(), "someone-else"))

	p := New(be, keys.Namespace("T"), "Q", logr.Discard(), fastLockOptions())
	err := p.Run(context.Background())
	assert.Error(t, err)
}

func TestPauseSuspendsDrainUntilResume(t *testing.T) {
	store := backendtest.NewStore()
	p, be := newTestProcessor(store)

	p.Pause()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	pushMessage(t, be, keys.Namespace("T"), message.TypeWriteSimpleValue, message.WriteSimpleValueMeta{Key: "k", Value: "v"})

	time.Sleep(50 * time.Millisecond)
	_, ok, err := be.Get(context.Background(), keys.Namespace("T").Value("k"))
	require.NoError(t, err)
	assert.False(t, ok, "paused processor must not apply messages")

	p.Resume()
	require.Eventually(t, func() bool {
		_, ok, err := be.Get(context.Background(), keys.Namespace("T").Value("k"))
		return err == nil && ok
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestStoppedReportsRunLoopExit(t *testing.T) {
	store := backendtest.NewStore()
	p, _ := newTestProcessor(store)
	assert.False(t, p.Stopped())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, p.Stopped())

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.True(t, p.Stopped())
}

func TestRunDrainsAndStopsCleanly(t *testing.T) {
	store := backendtest.NewStore()
	p, be := newTestProcessor(store)
	pushMessage(t, be, keys.Namespace("T"), message.TypeWriteSimpleValue, message.WriteSimpleValueMeta{Key: "k", Value: "v"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok, err := be.Get(context.Background(), keys.Namespace("T").Value("k"))
		return err == nil && ok
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

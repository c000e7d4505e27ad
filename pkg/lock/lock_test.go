package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/statepipe/pkg/backend/backendtest"
	"github.com/relaycore/statepipe/pkg/keys"
)

func fastOptions() Options {
	return Options{
		TTL:               200 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
		AttemptInterval:   5 * time.Millisecond,
		MaxAttempts:       3,
		VerifyDelay:       5 * time.Millisecond,
	}
}

func TestAcquireSucceedsWhenFree(t *testing.T) {
	ctx := context.Background()
	be := backendtest.New()

	l, err := Acquire(ctx, be, keys.Namespace("T"), fastOptions())
	require.NoError(t, err)
	defer l.Stop()

	held, ok, err := be.Get(ctx, keys.Namespace("T").Lock())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, l.InstanceID(), held)
}

func TestAcquireFailsWhenHeldByAnother(t *testing.T) {
	ctx := context.Background()
	store := backendtest.NewStore()
	be := backendtest.NewWithStore(store)

	require.NoError(t, be.Set(ctx, keys.Namespace("T").Lock(), "someone-else"))

	_, err := Acquire(ctx, be, keys.Namespace("T"), fastOptions())
	assert.ErrorIs(t, err, ErrMaxAttemptsExceeded)
}

func TestAcquireDetectsLostRaceDuringVerify(t *testing.T) {
	ctx := context.Background()
	store := backendtest.NewStore()
	be := backendtest.NewWithStore(store)

	opts := fastOptions()
	opts.VerifyDelay = 30 * time.Millisecond

	done := make(chan struct{})
	go func() {
		time.Sleep(5 * time.Millisecond)
		_ = be.Set(ctx, keys.Namespace("T").Lock(), "interloper")
		close(done)
	}()

	_, err := Acquire(ctx, be, keys.Namespace("T"), opts)
	<-done
	assert.ErrorIs(t, err, ErrLockLost)
}

func TestHeartbeatKeepsKeyRefreshed(t *testing.T) {
	ctx := context.Background()
	be := backendtest.New()

	opts := fastOptions()
	l, err := Acquire(ctx, be, keys.Namespace("T"), opts)
	require.NoError(t, err)
	defer l.Stop()

	time.Sleep(60 * time.Millisecond)

	held, ok, err := be.Get(ctx, keys.Namespace("T").Lock())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, l.InstanceID(), held)
}

func TestStopIsIdempotent(t *testing.T) {
	ctx := context.Background()
	be := backendtest.New()

	l, err := Acquire(ctx, be, keys.Namespace("T"), fastOptions())
	require.NoError(t, err)

	l.Stop()
	l.Stop()
}

package lock

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewManager(client, zerolog.Nop()), mr
}

func TestAcquireRelease(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	lock, err := m.Acquire(ctx, "job:1", time.Minute, 0, 0)
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.True(t, strings.HasPrefix(lock.Token, m.NodeID()+":"))

	locked, err := m.IsLocked(ctx, "job:1")
	require.NoError(t, err)
	assert.True(t, locked)

	holder, err := m.Holder(ctx, "job:1")
	require.NoError(t, err)
	assert.Equal(t, lock.Token, holder)

	released, err := m.Release(ctx, lock)
	require.NoError(t, err)
	assert.True(t, released)

	locked, err = m.IsLocked(ctx, "job:1")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestAcquireContention(t *testing.T) {
	// Two managers model two nodes; exactly one wins.
	mr := miniredis.RunT(t)
	clientA := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clientB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { clientA.Close(); clientB.Close() })

	nodeA := NewManager(clientA, zerolog.Nop())
	nodeB := NewManager(clientB, zerolog.Nop())
	ctx := context.Background()

	lockA, err := nodeA.Acquire(ctx, "import-job:X", time.Minute, 0, 0)
	require.NoError(t, err)

	_, err = nodeB.Acquire(ctx, "import-job:X", time.Minute, 0, 0)
	assert.ErrorIs(t, err, ErrNotAcquired)

	// Owner releases; the loser can now acquire.
	_, err = nodeA.Release(ctx, lockA)
	require.NoError(t, err)

	lockB, err := nodeB.Acquire(ctx, "import-job:X", time.Minute, 0, 0)
	require.NoError(t, err)
	require.NotNil(t, lockB)
}

func TestAcquireSameKeyTwiceInProcess(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "k", time.Minute, 0, 0)
	require.NoError(t, err)

	_, err = m.Acquire(ctx, "k", time.Minute, 0, 0)
	assert.ErrorIs(t, err, ErrAlreadyHeld)
}

func TestExtendOnlyByOwner(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	lock, err := m.Acquire(ctx, "k", time.Minute, 0, 0)
	require.NoError(t, err)

	ok, err := m.Extend(ctx, lock, 2*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// A stale token cannot extend.
	stale := &Lock{Key: "k", Token: "someone-else"}
	ok, err = m.Extend(ctx, stale, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReleaseOnlyByOwner(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	lock, err := m.Acquire(ctx, "k", time.Minute, 0, 0)
	require.NoError(t, err)

	stale := &Lock{Key: "k", Token: "someone-else"}
	released, err := m.Release(ctx, stale)
	require.NoError(t, err)
	assert.False(t, released)

	// The real owner still holds it.
	holder, err := m.Holder(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, lock.Token, holder)
}

func TestExpiredLockCanBeTaken(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	lock, err := m.Acquire(ctx, "k", 50*time.Millisecond, 0, 0)
	require.NoError(t, err)
	_ = lock

	// Simulate the holder crashing: stop renewal, let the TTL lapse.
	lock.cancelRenew()
	m.mu.Lock()
	delete(m.held, "k")
	m.mu.Unlock()
	mr.FastForward(time.Second)

	lock2, err := m.Acquire(ctx, "k", time.Minute, 0, 0)
	require.NoError(t, err)
	require.NotNil(t, lock2)
}

func TestAcquireRetries(t *testing.T) {
	mr := miniredis.RunT(t)
	clientA := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clientB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { clientA.Close(); clientB.Close() })

	nodeA := NewManager(clientA, zerolog.Nop())
	nodeB := NewManager(clientB, zerolog.Nop())
	ctx := context.Background()

	lockA, err := nodeA.Acquire(ctx, "k", time.Minute, 0, 0)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := nodeB.Acquire(ctx, "k", time.Minute, 10, 20*time.Millisecond)
		done <- err
	}()

	time.Sleep(40 * time.Millisecond)
	_, err = nodeA.Release(ctx, lockA)
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("retrying acquire never succeeded")
	}
}

func TestWithLockReleasesOnError(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := m.WithLock(ctx, "k", time.Minute, func(ctx context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)

	// Released despite the error.
	locked, err := m.IsLocked(ctx, "k")
	require.NoError(t, err)
	assert.False(t, locked)
}

package generic_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-ledger/generic"
)

func TestKeyedLock_SameKey_MutuallyExclusive(t *testing.T) {
	// GIVEN: 20 goroutines contending on one key
	// WHEN: Each increments a shared counter inside the critical section
	// THEN: At most one goroutine is ever inside at a time

	locks := generic.NewKeyedLock()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locks.Acquire(ctx, "member:1")
			require.NoError(t, err)
			defer release()

			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, locks.Len(), "idle keys should be dropped")
}

func TestKeyedLock_Timeout_ReturnsErrLockTimeout(t *testing.T) {
	locks := generic.NewKeyedLock()

	release, err := locks.Acquire(context.Background(), "member:1")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = locks.Acquire(ctx, "member:1")
	require.Error(t, err)
	assert.ErrorIs(t, err, generic.ErrLockTimeout)
	assert.True(t, generic.IsRetryable(err))
	assert.Equal(t, 1, locks.Len(), "holder keeps the key alive")
}

func TestKeyedLock_DifferentKeys_DoNotBlock(t *testing.T) {
	locks := generic.NewKeyedLock()

	release1, err := locks.Acquire(context.Background(), "member:1")
	require.NoError(t, err)
	defer release1()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	release2, err := locks.Acquire(ctx, "member:2")
	require.NoError(t, err)
	release2()
}

func TestKeyedLock_ReleaseTwice_IsSafe(t *testing.T) {
	locks := generic.NewKeyedLock()

	release, err := locks.Acquire(context.Background(), "k")
	require.NoError(t, err)
	release()
	release()

	// The key is free again and the slot was dropped exactly once.
	assert.Equal(t, 0, locks.Len())
	release, err = locks.Acquire(context.Background(), "k")
	require.NoError(t, err)
	release()
}

func TestKeyedLock_WaiterAcquiresAfterRelease(t *testing.T) {
	locks := generic.NewKeyedLock()

	release, err := locks.Acquire(context.Background(), "k")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		r, err := locks.Acquire(context.Background(), "k")
		if err == nil {
			r()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("waiter acquired a held key")
	case <-time.After(20 * time.Millisecond):
	}

	release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the released key")
	}
}

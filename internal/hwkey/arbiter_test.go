package hwkey

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockImmediateGrant(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	require.NoError(t, e.Lock(testCtx(t)))
	assert.True(t, e.Locked())
	e.Unlock()
	assert.False(t, e.Locked())
}

func TestLockFIFOChain(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	require.NoError(t, e.Lock(testCtx(t)))

	granted := make(chan int, 2)
	for i := 1; i <= 2; i++ {
		i := i
		go func() {
			if err := e.Lock(context.Background()); err == nil {
				granted <- i
			}
		}()
		// Give each waiter time to queue so grant order is deterministic.
		require.Eventually(t, func() bool {
			e.mu.Lock()
			defer e.mu.Unlock()
			return len(e.arb.waiters) == i
		}, time.Second, time.Millisecond)
	}

	select {
	case <-granted:
		t.Fatal("waiter granted while predecessor held the lock")
	case <-time.After(20 * time.Millisecond):
	}

	e.Unlock()
	assert.Equal(t, 1, <-granted)
	e.Unlock()
	assert.Equal(t, 2, <-granted)
	e.Unlock()
	assert.False(t, e.Locked())
}

func TestLockCancelledWhileWaiting(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	require.NoError(t, e.Lock(testCtx(t)))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- e.Lock(ctx) }()

	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return len(e.arb.waiters) == 1
	}, time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	// The abandoned waiter must not absorb the next grant.
	e.Unlock()
	assert.False(t, e.Locked())
	require.NoError(t, e.Lock(testCtx(t)))
	e.Unlock()
}

func TestSequence(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	ran := false
	err := e.Sequence(testCtx(t), func(ctx context.Context) error {
		ran = true
		assert.True(t, e.Locked())
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, e.Locked())
}

func TestSequenceReleasesOnError(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	sentinel := errors.New("boom")
	err := e.Sequence(testCtx(t), func(ctx context.Context) error { return sentinel })
	require.ErrorIs(t, err, sentinel)
	assert.False(t, e.Locked())
}

func TestSequenceReleasesOnPanic(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	require.Panics(t, func() {
		_ = e.Sequence(testCtx(t), func(ctx context.Context) error { panic("boom") })
	})
	assert.False(t, e.Locked())
}

func TestSequenceNilCallback(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	err := e.Sequence(testCtx(t), nil)
	require.ErrorIs(t, err, ErrNilSequence)
	assert.False(t, e.Locked())
}

func TestSequenceSerializesSends(t *testing.T) {
	e, ft := newTestEngine(t, Config{})

	done := make(chan error, 1)
	go func() {
		done <- e.Sequence(context.Background(), func(ctx context.Context) error {
			p, err := e.Submit([]byte{CommandStartEncrypt}, false)
			if err != nil {
				return err
			}
			_, err = p.Wait(ctx)
			return err
		})
	}()

	require.Eventually(t, func() bool { return ft.writeCount() == 1 },
		time.Second, time.Millisecond)

	// A second sequence waits for the first to release.
	second := make(chan struct{})
	go func() {
		e.Sequence(context.Background(), func(ctx context.Context) error {
			close(second)
			return nil
		})
	}()

	select {
	case <-second:
		t.Fatal("second sequence ran while the first held the lock")
	case <-time.After(20 * time.Millisecond):
	}

	ft.feed(ResponseSendInput)
	require.NoError(t, <-done)

	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("second sequence never ran")
	}
}

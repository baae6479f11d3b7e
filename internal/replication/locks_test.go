package replication_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcstore/arcstore/internal/replication"
)

func TestLocksExclusive(t *testing.T) {
	l := replication.NewLocks()
	held, err := l.Acquire(context.Background(), "b", "a", "a")
	require.NoError(t, err)
	assert.Equal(t, 2, l.Len())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	held.Release()
	assert.Equal(t, 0, l.Len())

	again, err := l.Acquire(context.Background(), "a")
	require.NoError(t, err)
	again.Release()
}

func TestLocksWaiterGetsLock(t *testing.T) {
	l := replication.NewLocks()
	held, err := l.Acquire(context.Background(), "x")
	require.NoError(t, err)

	got := make(chan *replication.Held)
	go func() {
		h, err := l.Acquire(context.Background(), "x")
		if err == nil {
			got <- h
		}
	}()
	select {
	case <-got:
		t.Fatal("lock acquired twice")
	case <-time.After(20 * time.Millisecond):
	}
	held.Release()
	select {
	case h := <-got:
		h.Release()
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never acquired the lock")
	}
	assert.Equal(t, 0, l.Len())
}

func TestAbortCancelsGuardedWrite(t *testing.T) {
	l := replication.NewLocks()
	held, err := l.Acquire(context.Background(), "x")
	require.NoError(t, err)
	wctx, stop := held.Guard(context.Background())

	cause := errors.New("stop it")
	acquired := make(chan *replication.Held)
	go func() {
		h, err := l.AcquireAbort(context.Background(), cause, "x")
		if err == nil {
			acquired <- h
		}
	}()

	select {
	case <-wctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("guarded context not cancelled")
	}
	assert.ErrorIs(t, context.Cause(wctx), cause)
	stop()
	held.Release()

	h := <-acquired
	// The abort was consumed; the next writer is not cancelled.
	next, stopNext := h.Guard(context.Background())
	assert.NoError(t, next.Err())
	stopNext()
	h.Release()
}

func TestAbortBeforeGuardIsSticky(t *testing.T) {
	l := replication.NewLocks()
	held, err := l.Acquire(context.Background(), "x")
	require.NoError(t, err)

	cause := errors.New("rollback first")
	acquired := make(chan *replication.Held, 1)
	go func() {
		h, err := l.AcquireAbort(context.Background(), cause, "x")
		if err == nil {
			acquired <- h
		}
	}()
	require.Eventually(t, func() bool { return l.Refs("x") == 2 }, 5*time.Second, time.Millisecond)

	wctx, stop := held.Guard(context.Background())
	assert.ErrorIs(t, context.Cause(wctx), cause)
	stop()
	held.Release()
	(<-acquired).Release()
	assert.Equal(t, 0, l.Len())
}

func TestAbandonedAbortDoesNotCancelLaterWrite(t *testing.T) {
	l := replication.NewLocks()
	held, err := l.Acquire(context.Background(), "x")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.AcquireAbort(ctx, errors.New("gave up"), "x")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	wctx, stop := held.Guard(context.Background())
	assert.NoError(t, wctx.Err())
	stop()
	held.Release()
	assert.Equal(t, 0, l.Len())
}

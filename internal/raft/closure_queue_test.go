package raft

import (
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClosureQueue_PopClosureUntil(t *testing.T) {
	t.Run("empty queue returns the next index", func(t *testing.T) {
		q := NewClosureQueue()
		closures, first, err := q.PopClosureUntil(7)
		require.NoError(t, err)
		assert.Empty(t, closures)
		assert.Equal(t, uint64(8), first)
	})

	t.Run("pops in order", func(t *testing.T) {
		q := NewClosureQueue()
		require.NoError(t, q.ResetFirstIndex(10))
		var ran []int
		for i := 0; i < 5; i++ {
			q.AppendPendingClosure(ClosureFunc(func(error) { ran = append(ran, i) }))
		}

		closures, first, err := q.PopClosureUntil(12)
		require.NoError(t, err)
		assert.Equal(t, uint64(10), first)
		require.Len(t, closures, 3)
		for _, c := range closures {
			c.Run(nil)
		}
		assert.Equal(t, []int{0, 1, 2}, ran)
		assert.Equal(t, uint64(13), q.FirstIndex())
		assert.Equal(t, 2, q.Len())
	})

	t.Run("index before the queue", func(t *testing.T) {
		q := NewClosureQueue()
		require.NoError(t, q.ResetFirstIndex(10))
		q.AppendPendingClosure(nil)
		closures, first, err := q.PopClosureUntil(5)
		require.NoError(t, err)
		assert.Empty(t, closures)
		assert.Equal(t, uint64(6), first)
	})

	t.Run("index beyond the queue", func(t *testing.T) {
		q := NewClosureQueue()
		require.NoError(t, q.ResetFirstIndex(1))
		q.AppendPendingClosure(nil)
		_, _, err := q.PopClosureUntil(3)
		assert.True(t, errors.Is(err, syscall.EINVAL))
	})
}

func TestClosureQueue_Clear(t *testing.T) {
	q := NewClosureQueue()
	require.NoError(t, q.ResetFirstIndex(1))

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		q.AppendPendingClosure(ClosureFunc(func(err error) { errs <- err }))
	}
	q.AppendPendingClosure(nil)
	q.Clear()

	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			assert.True(t, errors.Is(err, syscall.EPERM))
		case <-time.After(time.Second):
			t.Fatal("closure was not failed")
		}
	}
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, uint64(0), q.FirstIndex())
}

func TestClosureQueue_ResetFirstIndex(t *testing.T) {
	q := NewClosureQueue()
	q.AppendPendingClosure(nil)
	err := q.ResetFirstIndex(5)
	assert.True(t, errors.Is(err, syscall.EPERM))
}

func TestError(t *testing.T) {
	err := NewError(syscall.EINVAL, "index %d", 3)
	assert.True(t, errors.Is(err, syscall.EINVAL))
	assert.Contains(t, err.Error(), "index 3")
	assert.Equal(t, syscall.EINVAL, ErrorCode(err))
	assert.Equal(t, syscall.Errno(0), ErrorCode(nil))
	assert.Equal(t, syscall.EIO, ErrorCode(errors.New("boom")))
	assert.True(t, errors.Is(ErrShutdown, syscall.ESHUTDOWN))

	fatal := &RaftError{Type: ErrorTypeLog, Err: err}
	assert.True(t, errors.Is(fatal, syscall.EINVAL))
	assert.Contains(t, fatal.Error(), "LogError")
}

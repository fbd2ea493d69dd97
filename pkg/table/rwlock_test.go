package table

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadersShareLock(t *testing.T) {
	l := newTableLock(true)
	ctx := context.Background()

	require.NoError(t, l.RLock(ctx))
	require.NoError(t, l.RLock(ctx))
	l.RUnlock()
	l.RUnlock()
}

func TestTryWLockTimesOutUnderReader(t *testing.T) {
	for _, fair := range []bool{true, false} {
		l := newTableLock(fair)
		ctx := context.Background()

		require.NoError(t, l.RLock(ctx))

		start := time.Now()
		ok, err := l.TryWLock(ctx, 30*time.Millisecond)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)

		l.RUnlock()

		ok, err = l.TryWLock(ctx, 30*time.Millisecond)
		require.NoError(t, err)
		require.True(t, ok)
		l.WUnlock()
	}
}

func TestTryWLockCancelled(t *testing.T) {
	l := newTableLock(true)
	require.NoError(t, l.RLock(context.Background()))
	defer l.RUnlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.TryWLock(ctx, time.Second)
	require.Error(t, err)
}

func TestWriterExcludesReaders(t *testing.T) {
	l := newTableLock(true)
	ctx := context.Background()

	require.NoError(t, l.WLock(ctx))

	entered := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = l.RLock(ctx)
		close(entered)
		l.RUnlock()
	}()

	select {
	case <-entered:
		t.Fatal("reader entered while writer held the lock")
	case <-time.After(30 * time.Millisecond):
	}

	l.WUnlock()
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("reader never entered after writer released")
	}
	wg.Wait()
}

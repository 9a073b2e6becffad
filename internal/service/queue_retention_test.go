package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingCleaner struct {
	mu    sync.Mutex
	calls []int
}

func (c *countingCleaner) ClearOld(_ context.Context, daysOld int) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, daysOld)
	return 3
}

func (c *countingCleaner) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func TestQueueRetentionPrunesWithConfiguredDays(t *testing.T) {
	cleaner := &countingCleaner{}
	retention := NewQueueRetention(cleaner, 7, 0, testLogger())

	require.Equal(t, int64(3), retention.PruneOnce(context.Background()))
	require.Equal(t, []int{7}, cleaner.calls)
}

func TestQueueRetentionDisabled(t *testing.T) {
	cleaner := &countingCleaner{}
	retention := NewQueueRetention(cleaner, 0, time.Millisecond, testLogger())

	require.Zero(t, retention.PruneOnce(context.Background()))
	retention.Run(context.Background())
	require.Zero(t, cleaner.count())
}

func TestQueueRetentionRunsUntilCancelled(t *testing.T) {
	cleaner := &countingCleaner{}
	retention := NewQueueRetention(cleaner, 7, 5*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		retention.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return cleaner.count() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("retention loop did not stop")
	}
}

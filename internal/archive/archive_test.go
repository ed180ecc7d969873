package archive

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transitboard-data/internal/common/logger"
	"github.com/transitboard-data/internal/feed/arrival"
)

type fakeWriter struct {
	mu      sync.Mutex
	batches []Batch
	err     error
	block   chan struct{}
}

func (f *fakeWriter) WriteBatch(ctx context.Context, batch Batch) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, batch)
	return f.err
}

func (f *fakeWriter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func testBatch(n int) Batch {
	records := make([]arrival.Record, n)
	for i := range records {
		records[i] = arrival.Record{Reference: "15553", Line: "N", ExpectedArrival: time.Now().Add(time.Minute)}
	}
	return Batch{Source: "muni-16th", FetchedAt: time.Now(), Records: records}
}

func TestArchiverWritesBatches(t *testing.T) {
	w := &fakeWriter{}
	a := NewArchiver(w, 4, logger.Nop())
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	assert.True(t, a.Enqueue(testBatch(3)))
	assert.True(t, a.Enqueue(testBatch(2)))

	assert.Eventually(t, func() bool { return w.count() == 2 }, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return a.Stats().Written == 5 }, time.Second, 10*time.Millisecond)
}

func TestArchiverDropsWhenFull(t *testing.T) {
	w := &fakeWriter{block: make(chan struct{})}
	a := NewArchiver(w, 1, logger.Nop())

	// not started: nothing drains the queue
	assert.True(t, a.Enqueue(testBatch(1)))
	assert.False(t, a.Enqueue(testBatch(1)))
	assert.Equal(t, int64(1), a.Stats().Dropped)
}

func TestArchiverSkipsEmptyBatch(t *testing.T) {
	a := NewArchiver(&fakeWriter{}, 1, logger.Nop())

	assert.True(t, a.Enqueue(Batch{Source: "a"}))
	assert.True(t, a.Enqueue(testBatch(1)))
}

func TestArchiverCountsFailures(t *testing.T) {
	w := &fakeWriter{err: errors.New("connection refused")}
	a := NewArchiver(w, 4, logger.Nop())
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	a.Enqueue(testBatch(2))

	assert.Eventually(t, func() bool { return a.Stats().Failed == 1 }, time.Second, 10*time.Millisecond)
	assert.Zero(t, a.Stats().Written)
}

func TestArchiverStartTwice(t *testing.T) {
	a := NewArchiver(&fakeWriter{}, 1, logger.Nop())
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	assert.Error(t, a.Start(context.Background()))
	assert.True(t, a.IsRunning())
}

func TestArchiverStopUnblocksWriter(t *testing.T) {
	w := &fakeWriter{block: make(chan struct{})}
	a := NewArchiver(w, 1, logger.Nop())
	require.NoError(t, a.Start(context.Background()))

	a.Enqueue(testBatch(1))
	a.Stop()

	assert.False(t, a.IsRunning())
}

package archive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/transitboard-data/internal/common/logger"
	"github.com/transitboard-data/internal/feed/arrival"
)

const defaultQueueSize = 64

// Batch is the parsed output of one successful response
type Batch struct {
	Source    string
	FetchedAt time.Time
	Records   []arrival.Record
}

// Writer persists one batch
type Writer interface {
	WriteBatch(ctx context.Context, batch Batch) error
}

// Archiver queues batches from the feed engine and writes them in the
// background so the engine's tick never waits on the database.
type Archiver struct {
	writer    Writer
	logger    logger.Logger
	queue     chan Batch
	mu        sync.RWMutex
	isRunning bool
	cancelFn  context.CancelFunc
	done      chan struct{}
	stats     Stats
}

type Stats struct {
	Written int64 `json:"written"`
	Dropped int64 `json:"dropped"`
	Failed  int64 `json:"failed"`
}

func NewArchiver(writer Writer, queueSize int, log logger.Logger) *Archiver {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Archiver{
		writer: writer,
		logger: log,
		queue:  make(chan Batch, queueSize),
	}
}

func (a *Archiver) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.isRunning {
		return fmt.Errorf("archiver is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	a.cancelFn = cancel
	a.done = make(chan struct{})
	a.isRunning = true

	go a.run(ctx, a.done)

	a.logger.Info("Archiver started", "queue_size", cap(a.queue))
	return nil
}

// Stop cancels the writer loop and waits for it to exit
func (a *Archiver) Stop() {
	a.mu.Lock()
	if !a.isRunning {
		a.mu.Unlock()
		return
	}
	a.cancelFn()
	done := a.done
	a.isRunning = false
	a.mu.Unlock()

	<-done
	a.logger.Info("Archiver stopped")
}

func (a *Archiver) IsRunning() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.isRunning
}

// Enqueue hands a batch to the writer loop without blocking. It returns
// false when the queue is full and the batch was dropped.
func (a *Archiver) Enqueue(batch Batch) bool {
	if len(batch.Records) == 0 {
		return true
	}
	select {
	case a.queue <- batch:
		return true
	default:
		a.mu.Lock()
		a.stats.Dropped++
		a.mu.Unlock()
		a.logger.Warn("Archive queue is full, dropping batch", "source", batch.Source, "records", len(batch.Records))
		return false
	}
}

func (a *Archiver) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.stats
}

func (a *Archiver) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case batch := <-a.queue:
			a.write(ctx, batch)
		}
	}
}

func (a *Archiver) write(ctx context.Context, batch Batch) {
	start := time.Now()
	err := a.writer.WriteBatch(ctx, batch)

	a.mu.Lock()
	if err != nil {
		a.stats.Failed++
	} else {
		a.stats.Written += int64(len(batch.Records))
	}
	a.mu.Unlock()

	if err != nil {
		a.logger.Error("Failed to archive batch", "source", batch.Source, "records", len(batch.Records), "error", err)
		return
	}
	a.logger.Debug("Archived batch",
		"source", batch.Source,
		"records", len(batch.Records),
		"duration", time.Since(start))
}

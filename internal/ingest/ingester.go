// Package ingest decouples chunk producers from the store's write path: a
// bounded queue absorbs bursts and a pool of workers drains it, while a
// memory watchdog triggers garbage collection when the store outgrows its
// budget.
package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/magnetar-io/magnetar/pkg/chunk"
	"github.com/magnetar-io/magnetar/pkg/config"
	"github.com/magnetar-io/magnetar/pkg/logger"
	"github.com/magnetar-io/magnetar/pkg/metrics"
	"github.com/magnetar-io/magnetar/pkg/store"
)

var (
	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("ingest: ingester is closed")

	// ErrDropped is returned when the queue is full and the ingester is
	// configured to drop rather than block.
	ErrDropped = errors.New("ingest: chunk dropped, queue full")
)

type job struct {
	id       uuid.UUID
	chunk    *chunk.Chunk
	enqueued time.Time
}

// Ingester feeds chunks into a store through a bounded queue.
type Ingester struct {
	cfg   config.IngestConfig
	store *store.ChunkStore
	queue chan job
	log   *zap.Logger

	wg sync.WaitGroup

	// sendMu guards the queue's lifecycle: Enqueue holds the read half
	// for the duration of its send, Close takes the write half before
	// closing the channel. A producer blocked on a full queue therefore
	// finishes its send before the channel can be closed.
	sendMu sync.RWMutex
	closed bool

	mu sync.Mutex

	// failed counts inserts the workers could not apply; surfaced via
	// Stats since the producer is long gone by then.
	failed   int64
	inserted int64
	dropped  int64
}

// New starts an ingester with the configured queue and worker pool.
func New(s *store.ChunkStore, cfg config.IngestConfig) *Ingester {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}

	ing := &Ingester{
		cfg:   cfg,
		store: s,
		queue: make(chan job, cfg.QueueSize),
		log:   logger.Get().With(zap.String("store_id", s.ID())),
	}
	ing.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go ing.worker()
	}
	return ing
}

// Enqueue hands a chunk to the ingestion queue and returns the job id. When
// the queue is full the call either blocks until there is room (or ctx is
// done), or, with DropOnFull, drops the chunk, logs a warning and returns
// ErrDropped.
func (ing *Ingester) Enqueue(ctx context.Context, c *chunk.Chunk) (uuid.UUID, error) {
	j := job{id: uuid.New(), chunk: c, enqueued: time.Now()}

	if err := ing.send(ctx, j); err != nil {
		if errors.Is(err, ErrDropped) {
			ing.mu.Lock()
			ing.dropped++
			ing.mu.Unlock()
			metrics.IngestDropped.WithLabelValues(ing.store.ID()).Inc()
			ing.log.Warn("ingest queue full, dropping chunk",
				zap.String("job_id", j.id.String()),
				zap.String("chunk_id", c.ID().String()),
				zap.String("entity", string(c.Entity())))
			return j.id, err
		}
		return uuid.Nil, err
	}

	metrics.IngestQueueDepth.WithLabelValues(ing.store.ID()).Set(float64(len(ing.queue)))
	return j.id, nil
}

// send performs the queue send while holding sendMu's read half, so Close
// cannot close the channel out from under a blocked producer.
func (ing *Ingester) send(ctx context.Context, j job) error {
	ing.sendMu.RLock()
	defer ing.sendMu.RUnlock()

	if ing.closed {
		return ErrClosed
	}

	if ing.cfg.DropOnFull {
		select {
		case ing.queue <- j:
			return nil
		default:
			return ErrDropped
		}
	}
	select {
	case ing.queue <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ing *Ingester) worker() {
	defer ing.wg.Done()
	for j := range ing.queue {
		metrics.IngestQueueDepth.WithLabelValues(ing.store.ID()).Set(float64(len(ing.queue)))

		_, err := ing.store.Insert(j.chunk)
		ing.mu.Lock()
		if err != nil {
			ing.failed++
		} else {
			ing.inserted++
		}
		ing.mu.Unlock()

		if err != nil {
			ing.log.Error("insert failed",
				zap.String("job_id", j.id.String()),
				zap.String("chunk_id", j.chunk.ID().String()),
				zap.Duration("queued_for", time.Since(j.enqueued)),
				zap.Error(err))
		}
	}
}

// Close stops accepting chunks and waits up to FlushTimeout for the queue
// to drain. It returns an error if the drain timed out. Close waits for
// in-flight Enqueue calls, including ones blocked on a full queue, before
// closing the channel they send on.
func (ing *Ingester) Close() error {
	ing.sendMu.Lock()
	if ing.closed {
		ing.sendMu.Unlock()
		return nil
	}
	ing.closed = true
	close(ing.queue)
	ing.sendMu.Unlock()

	done := make(chan struct{})
	go func() {
		ing.wg.Wait()
		close(done)
	}()

	timeout := ing.cfg.FlushTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("ingest: queue drain timed out")
	}
}

// Stats reports the ingester's counters.
type Stats struct {
	Inserted int64 `json:"inserted"`
	Failed   int64 `json:"failed"`
	Dropped  int64 `json:"dropped"`
	Queued   int   `json:"queued"`
}

// Stats returns a snapshot of the counters.
func (ing *Ingester) Stats() Stats {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	return Stats{
		Inserted: ing.inserted,
		Failed:   ing.failed,
		Dropped:  ing.dropped,
		Queued:   len(ing.queue),
	}
}

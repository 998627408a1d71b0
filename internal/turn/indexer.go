package turn

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/antoniostano/synapse/internal/apperr"
	"github.com/antoniostano/synapse/internal/memory"
	"github.com/antoniostano/synapse/internal/observability"
)

// IndexJob is one post-delivery memory upsert.
type IndexJob struct {
	TurnID    string
	MessageID string
	Vector    []float32
	Metadata  memory.Metadata
	// Attempt counts redeliveries; the first enqueue is attempt zero.
	Attempt int
}

// IndexFailure reports a job that could not be indexed.
type IndexFailure struct {
	Job IndexJob
	Err error
}

// Indexer drains output memory upserts on a bounded queue so they never
// block or fail a delivered turn.
type Indexer struct {
	index    memory.Index
	jobs     chan IndexJob
	failures chan IndexFailure
	timeout  time.Duration
	logger   *zap.Logger
	metrics  *observability.Metrics

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewIndexer(index memory.Index, queueSize, workers int, timeout time.Duration, logger *zap.Logger, metrics *observability.Metrics) *Indexer {
	if queueSize <= 0 {
		queueSize = 256
	}
	if workers <= 0 {
		workers = 1
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ix := &Indexer{
		index:    index,
		jobs:     make(chan IndexJob, queueSize),
		failures: make(chan IndexFailure, queueSize),
		timeout:  timeout,
		logger:   logger,
		metrics:  metrics,
	}
	for i := 0; i < workers; i++ {
		ix.wg.Add(1)
		go ix.work()
	}
	return ix
}

// Failures delivers failed jobs. Reports are dropped when the buffer is full;
// Redeliver is the production reader.
func (ix *Indexer) Failures() <-chan IndexFailure {
	return ix.failures
}

// Enqueue schedules a job without blocking. It returns false when the queue
// is full or the indexer is closed; the job is then reported as failed.
func (ix *Indexer) Enqueue(job IndexJob) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.closed {
		ix.fail(job, apperr.Storage("memory.index", "indexer closed", nil), "closed")
		return false
	}
	select {
	case ix.jobs <- job:
		ix.observe("queued")
		return true
	default:
		ix.fail(job, apperr.Storage("memory.index", "index queue full", nil).WithRetryable(true), "queue_full")
		return false
	}
}

// Close stops accepting jobs and waits for the queue to drain or ctx to end.
func (ix *Indexer) Close(ctx context.Context) error {
	ix.mu.Lock()
	if !ix.closed {
		ix.closed = true
		close(ix.jobs)
	}
	ix.mu.Unlock()

	done := make(chan struct{})
	go func() {
		ix.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Redeliver reads Failures until ctx ends. A retryable failure on a job's
// first attempt is enqueued once more after backoff; anything else is final
// and counted as dropped.
func (ix *Indexer) Redeliver(ctx context.Context, backoff time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-ix.failures:
			if f.Job.Attempt > 0 || !apperr.IsRetryable(f.Err) {
				ix.observe("dropped")
				continue
			}
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			job := f.Job
			job.Attempt++
			if ix.Enqueue(job) {
				ix.observe("redelivered")
			}
		}
	}
}

func (ix *Indexer) work() {
	defer ix.wg.Done()
	for job := range ix.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), ix.timeout)
		recordID, err := ix.index.Upsert(ctx, job.Vector, job.MessageID, job.Metadata)
		cancel()
		if err != nil {
			ix.fail(job, err, "failed")
			continue
		}
		ix.observe("indexed")
		ix.logger.Debug("output memory indexed",
			zap.String("turn_id", job.TurnID),
			zap.String("message_id", job.MessageID),
			zap.String("record_id", recordID),
		)
	}
}

func (ix *Indexer) fail(job IndexJob, err error, result string) {
	ix.observe(result)
	ix.logger.Warn("output memory indexing failed",
		zap.String("turn_id", job.TurnID),
		zap.String("message_id", job.MessageID),
		zap.String("result", result),
		zap.Error(err),
	)
	select {
	case ix.failures <- IndexFailure{Job: job, Err: err}:
	default:
	}
}

func (ix *Indexer) observe(result string) {
	if ix.metrics != nil {
		ix.metrics.IndexJobs.WithLabelValues(result).Inc()
	}
}

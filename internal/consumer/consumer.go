// Package consumer implements spec.md §4.C: the long-lived worker
// loop that drains the bounded queue, forms batches, and ships them
// through the HTTP transport with full-jitter retry.
//
// It is grounded on agent/internal/shipper.Shipper from the teacher
// repo, generalized to add retry-with-backoff against an injected
// transport instead of a single direct POST. The time bound on a
// batch comes from the queue's blocking Get with a flush-interval
// timeout; Run uses no ticker.
package consumer

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pilot-net/posthog-go/internal/message"
	"github.com/pilot-net/posthog-go/internal/queue"
	"github.com/pilot-net/posthog-go/internal/transport"
)

// MaxBatchBytes is the serialized-size bound a batch must not exceed,
// per spec.md §4.C.
const MaxBatchBytes = 500 * 1024

// Uploader is the subset of *transport.Transport the worker depends
// on, narrowed here so tests can substitute a fake without spinning
// up real HTTP.
type Uploader interface {
	BatchPost(ctx context.Context, apiKey string, records []*message.Record) error
}

// OnErrorFunc is invoked once per dropped batch: after a permanent
// (4xx) rejection, after retries are exhausted, or when cancellation
// interrupts a retry wait. batchID is a uuid.New() value stamped
// once per batch by uploadWithRetry, the way rollout.Engine stamps
// rollout IDs, so repeated retry/error log lines for the same batch
// can be correlated.
type OnErrorFunc func(err error, batch []*message.Record, batchID string)

// Config configures a Worker.
type Config struct {
	APIKey        string
	Queue         *queue.Queue
	Transport     Uploader
	FlushInterval time.Duration // default 500ms
	FlushAt       int           // default 100
	MaxRetries    int           // default 3
	OnError       OnErrorFunc
	Logger        *slog.Logger
}

// Worker is one consumer goroutine. The Facade typically runs several
// concurrently against the same queue.
type Worker struct {
	apiKey        string
	q             *queue.Queue
	transport     Uploader
	flushInterval time.Duration
	maxRetries    int
	onError       OnErrorFunc
	logger        *slog.Logger

	mu      sync.Mutex
	flushAt int

	done chan struct{}
}

// New builds a Worker, defaulting unset Config fields per spec.md §6.
func New(cfg Config) *Worker {
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 500 * time.Millisecond
	}
	flushAt := cfg.FlushAt
	if flushAt <= 0 {
		flushAt = 100
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	onError := cfg.OnError
	if onError == nil {
		onError = func(err error, batch []*message.Record, batchID string) {}
	}

	return &Worker{
		apiKey:        cfg.APIKey,
		q:             cfg.Queue,
		transport:     cfg.Transport,
		flushInterval: flushInterval,
		flushAt:       flushAt,
		maxRetries:    maxRetries,
		onError:       onError,
		logger:        logger,
		done:          make(chan struct{}),
	}
}

// Run executes the worker loop described by spec.md §4.C steps 1-3
// until ctx is cancelled, at which point it performs step 4 (drain
// fully, then terminate) before returning.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			w.drainAndUploadAll(context.Background())
			return
		default:
		}

		buf := w.collectBatch(ctx)
		if len(buf) == 0 {
			continue
		}
		w.uploadWithRetry(ctx, buf)
	}
}

// Done reports a channel closed once Run has returned.
func (w *Worker) Done() <-chan struct{} { return w.done }

// collectBatch implements steps 1-2: block for the first record, then
// greedily drain more until flush_at or the byte bound is hit.
func (w *Worker) collectBatch(ctx context.Context) []*message.Record {
	first, ok := w.q.Get(w.flushInterval)
	if !ok {
		return nil
	}
	buf := []*message.Record{first}

	limit := w.currentFlushAt()
	size, _ := first.EncodedSize()

	for len(buf) < limit && size < MaxBatchBytes {
		select {
		case <-ctx.Done():
			return buf
		default:
		}
		next, ok := w.q.Get(0)
		if !ok {
			break
		}
		n, err := next.EncodedSize()
		if err == nil {
			size += n
		}
		buf = append(buf, next)
	}
	return buf
}

// drainAndUploadAll implements step 4: upload everything left in the
// queue in flush_at-sized batches, then return.
func (w *Worker) drainAndUploadAll(ctx context.Context) {
	for {
		var buf []*message.Record
		buf, n := w.q.DrainInto(buf, w.currentFlushAt())
		if n == 0 {
			return
		}
		w.uploadWithRetry(ctx, buf)
	}
}

// uploadWithRetry implements step 3's retry-with-full-jitter
// behavior and the on_error/drop path.
func (w *Worker) uploadWithRetry(ctx context.Context, batch []*message.Record) {
	batchID := uuid.New().String()

	var lastErr error
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		err := w.transport.BatchPost(ctx, w.apiKey, batch)
		if err == nil {
			return
		}
		lastErr = err

		var permanent *transport.PermanentError
		if errors.As(err, &permanent) {
			if permanent.IsPayloadTooLarge() {
				w.halveFlushAt()
			}
			w.logger.Error("batch rejected", "batch_id", batchID, "status", permanent.StatusCode, "size", len(batch))
			w.onError(err, batch, batchID)
			return
		}

		if attempt == w.maxRetries {
			break
		}

		delay := fullJitter(attempt)
		w.logger.Warn("batch upload failed, retrying", "batch_id", batchID, "attempt", attempt+1, "delay", delay, "error", err)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			w.onError(lastErr, batch, batchID)
			return
		}
	}

	w.logger.Error("batch upload exhausted retries, dropping", "batch_id", batchID, "size", len(batch), "error", lastErr)
	w.onError(lastErr, batch, batchID)
}

// fullJitter returns a random delay in [0, min(30, 2^attempt)]
// seconds, per spec.md §4.C.
func fullJitter(attempt int) time.Duration {
	maxSeconds := math.Min(30, math.Pow(2, float64(attempt)))
	return time.Duration(rand.Float64() * maxSeconds * float64(time.Second))
}

func (w *Worker) currentFlushAt() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushAt
}

func (w *Worker) halveFlushAt() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushAt = w.flushAt / 2
	if w.flushAt < 1 {
		w.flushAt = 1
	}
}

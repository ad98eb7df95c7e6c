package remediate

import (
	"context"
	"log/slog"
	"sync"

	"github.com/agentwarden/soc-sentry/internal/analyst"
)

// DefaultQueueCapacity is the default bounded-queue capacity.
const DefaultQueueCapacity = 512

// Queue is RemediatorQueue: a bounded channel of Playbooks. A single shared
// channel suffices since Remediator drains it in FIFO order rather than
// waiting on a specific request id.
type Queue struct {
	ch     chan analyst.Playbook
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewQueue creates a Queue with the given capacity (0 uses the default).
func NewQueue(capacity int, logger *slog.Logger) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		ch:     make(chan analyst.Playbook, capacity),
		logger: logger.With("component", "remediate.Queue"),
	}
}

// Enqueue implements analyst.PlaybookQueue. It never blocks: a full channel
// reports backpressure rather than waiting, so Analyst's own retry loop
// owns the backoff.
func (q *Queue) Enqueue(ctx context.Context, p analyst.Playbook) analyst.EnqueueResult {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return analyst.EnqueueRejected
	}

	select {
	case q.ch <- p:
		return analyst.EnqueueAccepted
	default:
	}

	select {
	case q.ch <- p:
		return analyst.EnqueueAccepted
	case <-ctx.Done():
		return analyst.EnqueueRejected
	default:
		return analyst.EnqueueBackpressure
	}
}

// Dequeue blocks until a Playbook is available, ctx is cancelled, or the
// queue is closed (ok=false).
func (q *Queue) Dequeue(ctx context.Context) (analyst.Playbook, bool) {
	select {
	case p, ok := <-q.ch:
		return p, ok
	case <-ctx.Done():
		return analyst.Playbook{}, false
	}
}

// Close marks the queue rejected for new enqueues and closes the channel,
// letting in-flight consumers drain what remains.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.ch)
}

// Len reports the number of Playbooks currently buffered.
func (q *Queue) Len() int {
	return len(q.ch)
}

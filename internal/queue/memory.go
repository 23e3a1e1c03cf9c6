package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const DefaultDedupWindow = 5 * time.Minute

// Stats are cumulative counters of a queue.
type Stats struct {
	Sent         int64
	Deduplicated int64
	Processed    int64
	Failed       int64
}

// MemoryQueue keeps one FIFO per shard in process memory and drains each
// with a single consumer, so at most Shards() messages are in flight.
type MemoryQueue struct {
	fifos  []*fifo
	window time.Duration
	now    func() time.Time
	log    zerolog.Logger

	mu        sync.Mutex
	seen      map[string]time.Time
	lastSweep time.Time
	closed    bool
	started   bool

	done chan struct{}
	wg   sync.WaitGroup

	sent, deduped, processed, failed atomic.Int64
}

type fifo struct {
	mu    sync.Mutex
	items []Message
	wake  chan struct{}
}

func (f *fifo) push(m Message) {
	f.mu.Lock()
	f.items = append(f.items, m)
	f.mu.Unlock()
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *fifo) pop() (Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.items) == 0 {
		return Message{}, false
	}
	m := f.items[0]
	f.items[0] = Message{}
	f.items = f.items[1:]
	return m, true
}

func (f *fifo) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// MemoryOption configures a MemoryQueue.
type MemoryOption func(*MemoryQueue)

// WithDedupWindow sets how long a dedup key suppresses repeats.
func WithDedupWindow(d time.Duration) MemoryOption {
	return func(q *MemoryQueue) {
		if d > 0 {
			q.window = d
		}
	}
}

func WithLogger(l zerolog.Logger) MemoryOption {
	return func(q *MemoryQueue) { q.log = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) MemoryOption {
	return func(q *MemoryQueue) { q.now = now }
}

func NewMemoryQueue(shards int, opts ...MemoryOption) *MemoryQueue {
	if shards < 1 {
		shards = 1
	}
	q := &MemoryQueue{
		fifos:  make([]*fifo, shards),
		window: DefaultDedupWindow,
		now:    time.Now,
		log:    zerolog.Nop(),
		seen:   map[string]time.Time{},
		done:   make(chan struct{}),
	}
	for i := range q.fifos {
		q.fifos[i] = &fifo{wake: make(chan struct{}, 1)}
	}
	for _, opt := range opts {
		opt(q)
	}
	q.log = q.log.With().Str("component", "queue").Str("kind", "memory").Logger()
	return q
}

func (q *MemoryQueue) Shards() int { return len(q.fifos) }

// Send enqueues msg on partition unless dedupKey was seen within the dedup
// window. Duplicates are dropped silently.
func (q *MemoryQueue) Send(ctx context.Context, msg Message, dedupKey, partition string) error {
	shard, err := ParsePartition(partition, len(q.fifos))
	if err != nil {
		return err
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	now := q.now()
	if now.Sub(q.lastSweep) > q.window {
		for k, exp := range q.seen {
			if !now.Before(exp) {
				delete(q.seen, k)
			}
		}
		q.lastSweep = now
	}
	if exp, ok := q.seen[dedupKey]; ok && now.Before(exp) {
		q.mu.Unlock()
		q.deduped.Add(1)
		q.log.Debug().Str("url", msg.URL).Str("dedup", dedupKey).Msg("Dropped duplicate revalidation")
		return nil
	}
	q.seen[dedupKey] = now.Add(q.window)
	q.mu.Unlock()

	q.fifos[shard].push(msg)
	q.sent.Add(1)
	return nil
}

// Len returns the number of queued messages on a shard.
func (q *MemoryQueue) Len(shard int) int { return q.fifos[shard].len() }

// Start launches one consumer per shard. It returns immediately.
func (q *MemoryQueue) Start(ctx context.Context, h Handler) {
	q.mu.Lock()
	if q.started || q.closed {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	for i, f := range q.fifos {
		q.wg.Add(1)
		go q.consume(ctx, i, f, h)
	}
}

func (q *MemoryQueue) consume(ctx context.Context, shard int, f *fifo, h Handler) {
	defer q.wg.Done()
	for {
		if msg, ok := f.pop(); ok {
			q.handle(ctx, shard, msg, h)
			continue
		}
		select {
		case <-f.wake:
		case <-q.done:
			for {
				msg, ok := f.pop()
				if !ok {
					return
				}
				q.handle(ctx, shard, msg, h)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (q *MemoryQueue) handle(ctx context.Context, shard int, msg Message, h Handler) {
	if err := h(ctx, msg); err != nil {
		q.failed.Add(1)
		q.log.Warn().Err(err).Int("shard", shard).Str("url", msg.URL).Msg("Revalidation failed")
		return
	}
	q.processed.Add(1)
}

// Close stops accepting messages and waits for consumers to drain.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	close(q.done)
	q.wg.Wait()
	return nil
}

func (q *MemoryQueue) Stats() Stats {
	return Stats{
		Sent:         q.sent.Load(),
		Deduplicated: q.deduped.Load(),
		Processed:    q.processed.Load(),
		Failed:       q.failed.Load(),
	}
}

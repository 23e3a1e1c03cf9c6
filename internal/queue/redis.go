package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	redisGroup       = "edgerouter"
	redisBatch       = 16
	redisBlock       = 5 * time.Second
	redisRetryWait   = time.Second
	redisClaimIdle   = time.Minute
	redisMaxAttempts = 5
)

// RedisQueue keeps one Redis stream per shard. Dedup keys are SET NX with
// the dedup window as TTL, so the window is shared by every process.
//
// A message is acknowledged only after its handler succeeds. Entries left
// pending by a failed handler or a dead consumer are reclaimed with
// XAUTOCLAIM once idle for the claim interval, and dropped after
// redisMaxAttempts failures.
type RedisQueue struct {
	rdb       redis.UniversalClient
	prefix    string
	shards    int
	window    time.Duration
	claimIdle time.Duration
	consumer  string
	log       zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
	wg     sync.WaitGroup

	sent, deduped, processed, failed atomic.Int64
}

// RedisOption configures a RedisQueue.
type RedisOption func(*RedisQueue)

func WithRedisPrefix(p string) RedisOption {
	return func(q *RedisQueue) {
		if p != "" {
			q.prefix = p
		}
	}
}

func WithRedisDedupWindow(d time.Duration) RedisOption {
	return func(q *RedisQueue) {
		if d > 0 {
			q.window = d
		}
	}
}

// WithRedisClaimIdle sets how long an entry must sit unacknowledged before
// another consumer may take it over.
func WithRedisClaimIdle(d time.Duration) RedisOption {
	return func(q *RedisQueue) {
		if d > 0 {
			q.claimIdle = d
		}
	}
}

func WithRedisLogger(l zerolog.Logger) RedisOption {
	return func(q *RedisQueue) { q.log = l }
}

func NewRedisQueue(rdb redis.UniversalClient, shards int, opts ...RedisOption) *RedisQueue {
	if shards < 1 {
		shards = 1
	}
	host, _ := os.Hostname()
	q := &RedisQueue{
		rdb:       rdb,
		prefix:    "edgerouter",
		shards:    shards,
		window:    DefaultDedupWindow,
		claimIdle: redisClaimIdle,
		consumer:  host + "-" + strconv.Itoa(os.Getpid()),
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.log = q.log.With().Str("component", "queue").Str("kind", "redis").Logger()
	return q
}

func (q *RedisQueue) Shards() int { return q.shards }

func (q *RedisQueue) stream(partition string) string { return q.prefix + ":" + partition }

func (q *RedisQueue) attemptsKey(stream string) string { return stream + ":attempts" }

func (q *RedisQueue) Send(ctx context.Context, msg Message, dedupKey, partition string) error {
	if _, err := ParsePartition(partition, q.shards); err != nil {
		return err
	}
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrClosed
	}

	dedup := q.prefix + ":dedup:" + dedupKey
	fresh, err := q.rdb.SetNX(ctx, dedup, 1, q.window).Result()
	if err != nil {
		return fmt.Errorf("dedup %s: %w", dedupKey, err)
	}
	if !fresh {
		q.deduped.Add(1)
		return nil
	}
	err = q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream(partition),
		Values: map[string]any{
			"host":         msg.Host,
			"url":          msg.URL,
			"eTag":         msg.ETag,
			"lastModified": strconv.FormatInt(msg.LastModified, 10),
		},
	}).Err()
	if err != nil {
		// the marker must not outlive a message that was never queued
		if derr := q.rdb.Del(context.WithoutCancel(ctx), dedup).Err(); derr != nil {
			q.log.Warn().Err(derr).Str("dedup", dedupKey).Msg("Could not release dedup key")
		}
		return fmt.Errorf("xadd %s: %w", partition, err)
	}
	q.sent.Add(1)
	return nil
}

// Start runs one consumer-group reader per shard.
func (q *RedisQueue) Start(ctx context.Context, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancel != nil || q.closed {
		return
	}
	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.shards; i++ {
		q.wg.Add(1)
		go q.consume(ctx, q.stream(PartitionKey(i)), h)
	}
}

func (q *RedisQueue) consume(ctx context.Context, stream string, h Handler) {
	defer q.wg.Done()
	err := q.rdb.XGroupCreateMkStream(ctx, stream, redisGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		q.log.Error().Err(err).Str("stream", stream).Msg("Could not create consumer group")
	}

	block := redisBlock
	if q.claimIdle < block {
		block = q.claimIdle
	}
	var lastClaim time.Time
	for ctx.Err() == nil {
		if time.Since(lastClaim) >= q.claimIdle {
			lastClaim = time.Now()
			q.reclaim(ctx, stream, h)
		}

		res, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    redisGroup,
			Consumer: q.consumer,
			Streams:  []string{stream, ">"},
			Count:    redisBatch,
			Block:    block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.log.Warn().Err(err).Str("stream", stream).Msg("Stream read failed")
			select {
			case <-time.After(redisRetryWait):
			case <-ctx.Done():
				return
			}
			continue
		}
		for _, s := range res {
			for _, xm := range s.Messages {
				q.handle(ctx, stream, xm, h)
			}
		}
	}
}

// reclaim takes over entries that stayed pending longer than the claim
// interval, whichever consumer read them first.
func (q *RedisQueue) reclaim(ctx context.Context, stream string, h Handler) {
	start := "0-0"
	for ctx.Err() == nil {
		msgs, next, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    redisGroup,
			Consumer: q.consumer,
			MinIdle:  q.claimIdle,
			Start:    start,
			Count:    redisBatch,
		}).Result()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, redis.Nil) {
				q.log.Warn().Err(err).Str("stream", stream).Msg("Could not claim pending entries")
			}
			return
		}
		for _, xm := range msgs {
			q.log.Debug().Str("stream", stream).Str("id", xm.ID).Msg("Reclaimed pending entry")
			q.handle(ctx, stream, xm, h)
		}
		if next == "" || next == "0-0" {
			return
		}
		start = next
	}
}

// handle runs h for one entry. Successes are acknowledged and removed;
// failures stay pending for reclaim until they run out of attempts.
func (q *RedisQueue) handle(ctx context.Context, stream string, xm redis.XMessage, h Handler) {
	if len(xm.Values) == 0 {
		// trimmed while pending
		q.ack(context.WithoutCancel(ctx), stream, xm.ID)
		return
	}
	msg := decodeMessage(xm.Values)
	err := h(ctx, msg)
	if err != nil && ctx.Err() != nil {
		return
	}
	bg := context.WithoutCancel(ctx)
	if err == nil {
		q.processed.Add(1)
		q.ack(bg, stream, xm.ID)
		return
	}

	q.failed.Add(1)
	attempts, aerr := q.rdb.HIncrBy(bg, q.attemptsKey(stream), xm.ID, 1).Result()
	if aerr != nil {
		q.log.Warn().Err(aerr).Str("stream", stream).Str("id", xm.ID).Msg("Could not count delivery attempt")
	}
	if attempts >= redisMaxAttempts {
		q.log.Error().Err(err).Str("url", msg.URL).Int64("attempts", attempts).Msg("Revalidation failed, dropping")
		q.ack(bg, stream, xm.ID)
		return
	}
	q.log.Warn().Err(err).Str("url", msg.URL).Int64("attempts", attempts).Msg("Revalidation failed, will retry")
}

func (q *RedisQueue) ack(ctx context.Context, stream, id string) {
	_, err := q.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.XAck(ctx, stream, redisGroup, id)
		p.XDel(ctx, stream, id)
		p.HDel(ctx, q.attemptsKey(stream), id)
		return nil
	})
	if err != nil {
		q.log.Warn().Err(err).Str("stream", stream).Str("id", id).Msg("Could not acknowledge entry")
	}
}

func decodeMessage(v map[string]any) Message {
	str := func(k string) string {
		s, _ := v[k].(string)
		return s
	}
	lm, _ := strconv.ParseInt(str("lastModified"), 10, 64)
	return Message{Host: str("host"), URL: str("url"), ETag: str("eTag"), LastModified: lm}
}

// Close stops the consumers. Messages read but not acknowledged stay in the
// group's pending list and are reclaimed by the next consumer.
func (q *RedisQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	cancel := q.cancel
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
	return nil
}

func (q *RedisQueue) Stats() Stats {
	return Stats{
		Sent:         q.sent.Load(),
		Deduplicated: q.deduped.Load(),
		Processed:    q.processed.Load(),
		Failed:       q.failed.Load(),
	}
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestShardDeterministic(t *testing.T) {
	for _, p := range []string{"/", "/blog/hello", "/fr/products/42", "/a%20b"} {
		first := Shard(p, 16)
		for i := 0; i < 5; i++ {
			if got := Shard(p, 16); got != first {
				t.Fatalf("Shard(%q) = %d then %d", p, first, got)
			}
		}
		if first < 0 || first >= 16 {
			t.Fatalf("Shard(%q) = %d out of range", p, first)
		}
	}
	if Shard("/x", 1) != 0 || Shard("/x", 0) != 0 {
		t.Fatalf("single shard must map to 0")
	}
}

func TestShardUniform(t *testing.T) {
	const (
		paths  = 10000
		shards = 10
	)
	counts := make([]int, shards)
	for i := 0; i < paths; i++ {
		counts[Shard(fmt.Sprintf("/products/%d/item-%d", i%97, i), shards)]++
	}
	// Chi-square against the uniform expectation. 33.72 is the 0.9999
	// quantile for 9 degrees of freedom.
	expected := float64(paths) / shards
	var chi2 float64
	for _, c := range counts {
		d := float64(c) - expected
		chi2 += d * d / expected
	}
	if chi2 > 33.72 {
		t.Fatalf("distribution not uniform: chi2=%.2f counts=%v", chi2, counts)
	}
	for s, c := range counts {
		if math.Abs(float64(c)-expected) > expected*0.15 {
			t.Fatalf("shard %d got %d of %d", s, c, paths)
		}
	}
}

func TestPartitionKey(t *testing.T) {
	if got := PartitionKey(3); got != "revalidate-3" {
		t.Fatalf("PartitionKey(3) = %q", got)
	}
	if n, err := ParsePartition("revalidate-3", 4); err != nil || n != 3 {
		t.Fatalf("ParsePartition = %d, %v", n, err)
	}
	for _, bad := range []string{"revalidate-4", "revalidate-x", "other-1", "revalidate--1"} {
		if _, err := ParsePartition(bad, 4); !errors.Is(err, ErrBadPartition) {
			t.Fatalf("ParsePartition(%q) err = %v", bad, err)
		}
	}
}

func TestDedupKey(t *testing.T) {
	a := DedupKey("/p", 1000, "abc")
	if a != DedupKey("/p", 1000, "abc") {
		t.Fatalf("DedupKey not stable")
	}
	for _, other := range []string{DedupKey("/q", 1000, "abc"), DedupKey("/p", 1001, "abc"), DedupKey("/p", 1000, "abd")} {
		if other == a {
			t.Fatalf("DedupKey collision for differing input")
		}
	}
}

func send(t *testing.T, q *MemoryQueue, path string, lm int64, etag string) {
	t.Helper()
	msg := Message{Host: "example.com", URL: path, ETag: etag, LastModified: lm}
	if err := q.Send(context.Background(), msg, DedupKey(path, lm, etag), PartitionKey(Shard(path, q.Shards()))); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestMemoryQueueDedup(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	q := NewMemoryQueue(4, WithDedupWindow(time.Minute), WithClock(func() time.Time { return now }))
	defer q.Close()

	send(t, q, "/blog/a", 100, "e1")
	send(t, q, "/blog/a", 100, "e1")
	shard := Shard("/blog/a", 4)
	if got := q.Len(shard); got != 1 {
		t.Fatalf("Len = %d, want 1", got)
	}
	if st := q.Stats(); st.Sent != 1 || st.Deduplicated != 1 {
		t.Fatalf("stats = %+v", st)
	}

	// A new artifact version is a distinct message.
	send(t, q, "/blog/a", 101, "e2")
	if got := q.Len(shard); got != 2 {
		t.Fatalf("Len = %d, want 2", got)
	}

	// After the window the same key is accepted again.
	now = now.Add(2 * time.Minute)
	send(t, q, "/blog/a", 100, "e1")
	if got := q.Len(shard); got != 3 {
		t.Fatalf("Len = %d, want 3", got)
	}
}

func TestMemoryQueueRejectsBadPartition(t *testing.T) {
	q := NewMemoryQueue(2)
	defer q.Close()
	err := q.Send(context.Background(), Message{URL: "/x"}, "k", PartitionKey(5))
	if !errors.Is(err, ErrBadPartition) {
		t.Fatalf("err = %v", err)
	}
}

func TestMemoryQueueConsumeAndDrain(t *testing.T) {
	q := NewMemoryQueue(3)

	var (
		mu       sync.Mutex
		got      []string
		inFlight int
		peak     int
	)
	handler := func(ctx context.Context, msg Message) error {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		inFlight--
		got = append(got, msg.URL)
		mu.Unlock()
		return nil
	}

	for i := 0; i < 30; i++ {
		send(t, q, fmt.Sprintf("/p/%d", i), int64(i), "e")
	}
	q.Start(context.Background(), handler)
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 30 {
		t.Fatalf("processed %d of 30", len(got))
	}
	if peak > 3 {
		t.Fatalf("in-flight peak %d exceeds shard count", peak)
	}
	if err := q.Send(context.Background(), Message{URL: "/late"}, "late", PartitionKey(0)); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after Close err = %v", err)
	}
}

func TestMemoryQueueShardOrder(t *testing.T) {
	q := NewMemoryQueue(1)
	var got []int64
	var mu sync.Mutex
	for i := int64(1); i <= 5; i++ {
		send(t, q, "/same", i, "e")
	}
	q.Start(context.Background(), func(ctx context.Context, msg Message) error {
		mu.Lock()
		got = append(got, msg.LastModified)
		mu.Unlock()
		return nil
	})
	q.Close()
	for i, lm := range got {
		if lm != int64(i+1) {
			t.Fatalf("order = %v", got)
		}
	}
}

func TestRevalidator(t *testing.T) {
	requests := make(chan *http.Request, 1)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests <- r.Clone(context.Background())
		w.WriteHeader(http.StatusOK)
	}))
	defer origin.Close()

	rv, err := NewRevalidator(origin.URL, "preview-id", origin.Client(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRevalidator: %v", err)
	}
	err = rv.Handle(context.Background(), Message{Host: "shop.example.com", URL: "/fr/blog/a?x=1", ETag: "abc", LastModified: 1})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	var seen *http.Request
	select {
	case seen = <-requests:
	default:
		t.Fatalf("origin not called")
	}
	if seen.Method != http.MethodHead || seen.URL.Path != "/fr/blog/a" || seen.URL.RawQuery != "x=1" {
		t.Fatalf("request = %s %s", seen.Method, seen.URL)
	}
	if seen.Host != "shop.example.com" {
		t.Fatalf("Host = %q", seen.Host)
	}
	if seen.Header.Get(HeaderPrerenderRevalidate) != "preview-id" {
		t.Fatalf("revalidate header = %q", seen.Header.Get(HeaderPrerenderRevalidate))
	}
}

func TestRevalidatorOriginError(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer origin.Close()

	rv, err := NewRevalidator(origin.URL, "id", origin.Client(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRevalidator: %v", err)
	}
	if err := rv.Handle(context.Background(), Message{URL: "/x"}); err == nil {
		t.Fatalf("expected error on 502")
	}
	if _, err := NewRevalidator("/relative", "id", nil, zerolog.Nop()); err == nil {
		t.Fatalf("expected error for relative origin")
	}
}

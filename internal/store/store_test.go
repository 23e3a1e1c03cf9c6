package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"

	"edgerouter/internal/isr"
	"edgerouter/internal/manifest"
)

var t0 = time.UnixMilli(1_700_000_000_000)

func page(html string, lm time.Time) *isr.CacheEntry {
	return &isr.CacheEntry{
		Value: &isr.PageValue{
			Meta: isr.Meta{Status: 200, Headers: http.Header{"X-A": {"1"}}},
			HTML: []byte(html),
			JSON: []byte(`{"p":1}`),
		},
		LastModified: lm,
		Revalidate:   manifest.RevalidateAfter(60),
	}
}

func TestCodecPreservesVariants(t *testing.T) {
	entries := []*isr.CacheEntry{
		page("<p>", t0),
		{Value: &isr.AppValue{
			Meta:     isr.Meta{Status: 200, Headers: http.Header{"X-Next-Cache-Tags": {"a,b"}}},
			HTML:     []byte("<html>"),
			RSC:      []byte("0:rsc"),
			Segments: map[string][]byte{"/_tree": []byte("tree")},
		}, LastModified: t0},
		{Value: &isr.RouteValue{Meta: isr.Meta{Status: 201}, Body: []byte{0, 1, 2}}, LastModified: t0},
		{Value: &isr.RedirectValue{Meta: isr.Meta{Status: 308, Headers: http.Header{"Location": {"/x"}}}}, LastModified: t0},
	}
	for _, want := range entries {
		b, err := Encode(want)
		if err != nil {
			t.Fatalf("Encode %s: %v", want.Value.Kind(), err)
		}
		got, err := Decode(b)
		if err != nil {
			t.Fatalf("Decode %s: %v", want.Value.Kind(), err)
		}
		if got.Value.Kind() != want.Value.Kind() || !got.LastModified.Equal(want.LastModified) {
			t.Fatalf("got %s@%v, want %s@%v", got.Value.Kind(), got.LastModified, want.Value.Kind(), want.LastModified)
		}
		if got.Value.Metadata().Status != want.Value.Metadata().Status {
			t.Fatalf("%s status = %d", got.Value.Kind(), got.Value.Metadata().Status)
		}
	}

	b, _ := Encode(entries[1])
	got, _ := Decode(b)
	app := got.Value.(*isr.AppValue)
	if string(app.Segments["/_tree"]) != "tree" || strings.Join(got.Tags(), "|") != "a|b" {
		t.Fatalf("app value = %+v tags=%v", app, got.Tags())
	}

	if _, err := Encode(&isr.CacheEntry{}); err == nil {
		t.Fatalf("expected error for empty entry")
	}
	if _, err := Decode([]byte("garbage")); err == nil {
		t.Fatalf("expected decode error")
	}
}

func newTiered(t *testing.T, dir string, ram int64) *TieredStore {
	t.Helper()
	s, err := NewTieredStore(TieredConfig{Path: dir, RAMBytes: ram}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewTieredStore: %v", err)
	}
	return s
}

func TestTieredStoreGetPut(t *testing.T) {
	ctx := context.Background()
	s := newTiered(t, t.TempDir(), 0)
	defer s.Close()

	if ent, err := s.Get(ctx, "/missing"); err != nil || ent != nil {
		t.Fatalf("Get missing = %v, %v", ent, err)
	}
	if err := s.Put(ctx, "/a", page("v1", t0)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ent, err := s.Get(ctx, "/a")
	if err != nil || ent == nil {
		t.Fatalf("Get = %v, %v", ent, err)
	}
	if html := string(ent.Value.(*isr.PageValue).HTML); html != "v1" {
		t.Fatalf("html = %q", html)
	}
}

func TestTieredStoreRejectsOlder(t *testing.T) {
	ctx := context.Background()
	s := newTiered(t, t.TempDir(), 0)
	defer s.Close()

	if err := s.Put(ctx, "/a", page("new", t0.Add(time.Minute))); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, "/a", page("old", t0)); !errors.Is(err, ErrStale) {
		t.Fatalf("older Put err = %v", err)
	}
	if err := s.Put(ctx, "/a", page("same", t0.Add(time.Minute))); err != nil {
		t.Fatalf("equal Put err = %v", err)
	}
	ent, _ := s.Get(ctx, "/a")
	if html := string(ent.Value.(*isr.PageValue).HTML); html != "same" {
		t.Fatalf("html = %q", html)
	}
}

func TestTieredStoreSpillsAndPersists(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b, _ := Encode(page("x", t0))
	// room for about two entries in RAM
	s := newTiered(t, dir, int64(len(b))*2+10)

	for i := 0; i < 10; i++ {
		if err := s.Put(ctx, fmt.Sprintf("/p/%d", i), page("x", t0)); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}
	s.Flush()
	ram, disk := s.Usage()
	if ram > int64(len(b))*2+10 {
		t.Fatalf("ram usage %d over budget", ram)
	}
	if disk == 0 {
		t.Fatalf("nothing written to disk")
	}
	keys, _ := s.Keys(ctx)
	if len(keys) != 10 {
		t.Fatalf("keys = %v", keys)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s = newTiered(t, dir, 0)
	defer s.Close()
	ent, err := s.Get(ctx, "/p/0")
	if err != nil || ent == nil {
		t.Fatalf("Get after reopen = %v, %v", ent, err)
	}
	if err := s.Put(ctx, "/p/0", page("old", t0.Add(-time.Second))); !errors.Is(err, ErrStale) {
		t.Fatalf("older Put after reopen err = %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Put(ctx, "/b", page("1", t0)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, "/a", page("1", t0)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, "/a", page("0", t0.Add(-time.Millisecond))); !errors.Is(err, ErrStale) {
		t.Fatalf("older Put err = %v", err)
	}
	keys, _ := s.Keys(ctx)
	if strings.Join(keys, ",") != "/a,/b" {
		t.Fatalf("keys = %v", keys)
	}
	if ent, _ := s.Get(ctx, "/c"); ent != nil {
		t.Fatalf("expected miss")
	}
}

type tagStore interface {
	isr.TagStore
	RevalidateTags(ctx context.Context, tags []string, t time.Time) error
}

func testTagStore(t *testing.T, s tagStore) {
	t.Helper()
	ctx := context.Background()

	ok, err := s.WasRevalidatedAfter(ctx, []string{"a"}, t0)
	if err != nil || ok {
		t.Fatalf("empty store = %v, %v", ok, err)
	}
	if err := s.RevalidateTags(ctx, []string{"a", " ", "b"}, t0.Add(time.Minute)); err != nil {
		t.Fatalf("RevalidateTags: %v", err)
	}
	cases := []struct {
		tags []string
		at   time.Time
		want bool
	}{
		{[]string{"a"}, t0, true},
		{[]string{"x", "b"}, t0, true},
		{[]string{"a"}, t0.Add(time.Minute), false},
		{[]string{"a"}, t0.Add(2 * time.Minute), false},
		{[]string{"x"}, t0, false},
		{nil, t0, false},
	}
	for _, c := range cases {
		got, err := s.WasRevalidatedAfter(ctx, c.tags, c.at)
		if err != nil {
			t.Fatalf("WasRevalidatedAfter(%v): %v", c.tags, err)
		}
		if got != c.want {
			t.Fatalf("WasRevalidatedAfter(%v, %v) = %v, want %v", c.tags, c.at, got, c.want)
		}
	}

	// an older timestamp never moves a tag backwards
	if err := s.RevalidateTags(ctx, []string{"a"}, t0); err != nil {
		t.Fatalf("RevalidateTags: %v", err)
	}
	if got, _ := s.WasRevalidatedAfter(ctx, []string{"a"}, t0.Add(30*time.Second)); !got {
		t.Fatalf("tag timestamp went backwards")
	}
}

func TestMemoryTagStore(t *testing.T) {
	testTagStore(t, NewMemoryTagStore())
}

func TestSQLiteTagStore(t *testing.T) {
	s, err := NewSQLiteTagStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteTagStore: %v", err)
	}
	defer s.Close()
	testTagStore(t, s)
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	meta    map[string]map[string]string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, meta: map[string]map[string]string{}}
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = b
	f.meta[aws.ToString(in.Key)] = in.Metadata
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.meta[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{Metadata: m}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
		}
	}
	return out, nil
}

func TestS3Store(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	s := NewS3Store(fake, "bucket", "cache")

	if ent, err := s.Get(ctx, "/blog/a"); err != nil || ent != nil {
		t.Fatalf("Get missing = %v, %v", ent, err)
	}
	if err := s.Put(ctx, "/blog/a", page("a", t0)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, "/", page("home", t0)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, ok := fake.objects["cache/blog/a.cache"]; !ok {
		t.Fatalf("objects = %v", fake.objects)
	}
	if _, ok := fake.objects["cache/index.cache"]; !ok {
		t.Fatalf("root not stored as index")
	}

	ent, err := s.Get(ctx, "/blog/a")
	if err != nil || ent == nil {
		t.Fatalf("Get = %v, %v", ent, err)
	}
	if !ent.LastModified.Equal(t0) {
		t.Fatalf("LastModified = %v", ent.LastModified)
	}
	if err := s.Put(ctx, "/blog/a", page("old", t0.Add(-time.Second))); !errors.Is(err, ErrStale) {
		t.Fatalf("older Put err = %v", err)
	}

	keys, err := s.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if strings.Join(keys, ",") != "/,/blog/a" {
		t.Fatalf("keys = %v", keys)
	}
}

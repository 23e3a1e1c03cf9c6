// Package store holds the content and tag stores the interceptor reads
// from: a RAM+leveldb tiered store, an S3 store and in-memory variants.
package store

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"net/http"
	"time"

	"edgerouter/internal/isr"
	"edgerouter/internal/manifest"
)

// ErrStale is returned by Put when the store already holds a newer version.
var ErrStale = errors.New("store: entry older than stored version")

// Store is a content store that can also be written to.
type Store interface {
	isr.ContentStore
	Put(ctx context.Context, key string, entry *isr.CacheEntry) error
	Keys(ctx context.Context) ([]string, error)
}

// record is the flat on-disk form of an isr.CacheEntry.
type record struct {
	Kind         isr.Kind
	Status       int
	Header       http.Header
	HTML         []byte
	JSON         []byte
	RSC          []byte
	Body         []byte
	Segments     map[string][]byte
	LastModified int64 // unix millis
	Revalidate   manifest.Revalidate
}

func toRecord(e *isr.CacheEntry) (record, error) {
	if e == nil || e.Value == nil {
		return record{}, fmt.Errorf("store: empty entry")
	}
	meta := e.Value.Metadata()
	r := record{
		Kind:         e.Value.Kind(),
		Status:       meta.Status,
		Header:       meta.Headers,
		LastModified: e.LastModified.UnixMilli(),
		Revalidate:   e.Revalidate,
	}
	switch v := e.Value.(type) {
	case *isr.PageValue:
		r.HTML, r.JSON = v.HTML, v.JSON
	case *isr.AppValue:
		r.HTML, r.RSC, r.Segments = v.HTML, v.RSC, v.Segments
	case *isr.RouteValue:
		r.Body = v.Body
	case *isr.RedirectValue:
	default:
		return record{}, fmt.Errorf("store: unknown value kind %q", e.Value.Kind())
	}
	return r, nil
}

func (r record) entry() (*isr.CacheEntry, error) {
	meta := isr.Meta{Status: r.Status, Headers: r.Header}
	var v isr.CacheValue
	switch r.Kind {
	case isr.KindPage:
		v = &isr.PageValue{Meta: meta, HTML: r.HTML, JSON: r.JSON}
	case isr.KindApp:
		v = &isr.AppValue{Meta: meta, HTML: r.HTML, RSC: r.RSC, Segments: r.Segments}
	case isr.KindRoute:
		v = &isr.RouteValue{Meta: meta, Body: r.Body}
	case isr.KindRedirect:
		v = &isr.RedirectValue{Meta: meta}
	default:
		return nil, fmt.Errorf("store: unknown record kind %q", r.Kind)
	}
	return &isr.CacheEntry{
		Value:        v,
		LastModified: time.UnixMilli(r.LastModified),
		Revalidate:   r.Revalidate,
	}, nil
}

// Encode serializes an entry with gob.
func Encode(e *isr.CacheEntry) ([]byte, error) {
	r, err := toRecord(e)
	if err != nil {
		return nil, err
	}
	return encodeGob(r)
}

// Decode is the inverse of Encode.
func Decode(b []byte) (*isr.CacheEntry, error) {
	var r record
	if err := decodeGob(b, &r); err != nil {
		return nil, fmt.Errorf("store: decode: %w", err)
	}
	return r.entry()
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

// newer reports whether next may replace cur.
func newer(cur, next *isr.CacheEntry) bool {
	return cur == nil || !next.LastModified.Before(cur.LastModified)
}

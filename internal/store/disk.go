package store

import (
	"bytes"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var metaPrefix = []byte("m:")

type diskMeta struct {
	Size       int64
	LastAccess int64
}

type diskOp struct {
	key   string
	value []byte // nil means touch
	del   bool
	sync  chan struct{}
}

// diskCache is a size-bounded leveldb tier. Writes go through a single
// writer goroutine; the index is kept in memory.
type diskCache struct {
	maxBytes int64

	db *leveldb.DB

	mu        sync.Mutex
	index     map[string]diskMeta
	totalSize int64

	ops  chan diskOp
	done chan struct{}
}

func newDiskCache(path string, maxBytes int64) (*diskCache, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	d := &diskCache{
		maxBytes: maxBytes,
		db:       db,
		index:    map[string]diskMeta{},
		ops:      make(chan diskOp, 1024),
		done:     make(chan struct{}),
	}
	if err := d.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	go d.writerLoop()
	return d, nil
}

func (d *diskCache) close() error {
	close(d.ops)
	<-d.done
	return d.db.Close()
}

func (d *diskCache) loadIndex() error {
	it := d.db.NewIterator(util.BytesPrefix(metaPrefix), nil)
	defer it.Release()

	var total int64
	idx := map[string]diskMeta{}
	for it.Next() {
		key := string(bytes.TrimPrefix(it.Key(), metaPrefix))
		var meta diskMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		idx[key] = meta
		total += meta.Size
	}
	if err := it.Error(); err != nil {
		return err
	}
	d.mu.Lock()
	d.index = idx
	d.totalSize = total
	d.mu.Unlock()
	return nil
}

func (d *diskCache) TotalSize() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalSize
}

func (d *diskCache) Keys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.index))
	for k := range d.index {
		out = append(out, k)
	}
	return out
}

// Peek reads without touching the access time.
func (d *diskCache) Peek(key string) ([]byte, bool, error) {
	b, err := d.db.Get([]byte("e:"+key), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (d *diskCache) Get(key string) ([]byte, bool, error) {
	b, ok, err := d.Peek(key)
	if !ok || err != nil {
		return nil, ok, err
	}
	d.mu.Lock()
	_, exists := d.index[key]
	d.mu.Unlock()
	if exists {
		d.ops <- diskOp{key: key}
	}
	return b, true, nil
}

func (d *diskCache) PutAsync(key string, value []byte) {
	d.ops <- diskOp{key: key, value: value}
}

func (d *diskCache) Delete(key string) {
	d.ops <- diskOp{key: key, del: true}
}

// Flush waits until every queued op has been applied.
func (d *diskCache) Flush() {
	ch := make(chan struct{})
	d.ops <- diskOp{sync: ch}
	<-ch
}

func (d *diskCache) writerLoop() {
	defer close(d.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for op := range d.ops {
		switch {
		case op.sync != nil:
			close(op.sync)
		case op.del:
			d.applyDelete(op.key)
		default:
			d.applyPutOrTouch(op.key, op.value)
		}
	}
}

func (d *diskCache) applyPutOrTouch(key string, value []byte) {
	now := time.Now().Unix()
	batch := new(leveldb.Batch)

	if value != nil {
		size := int64(len(value))
		d.mu.Lock()
		old := d.index[key]
		d.totalSize += size - old.Size
		meta := diskMeta{Size: size, LastAccess: now}
		d.index[key] = meta
		over := d.maxBytes > 0 && d.totalSize > d.maxBytes
		d.mu.Unlock()

		batch.Put([]byte("e:"+key), value)
		mb, _ := encodeGob(meta)
		batch.Put([]byte("m:"+key), mb)
		_ = d.db.Write(batch, nil)

		if over {
			d.evictSome()
		}
		return
	}

	d.mu.Lock()
	meta, ok := d.index[key]
	if ok {
		meta.LastAccess = now
		d.index[key] = meta
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	mb, _ := encodeGob(meta)
	batch.Put([]byte("m:"+key), mb)
	_ = d.db.Write(batch, nil)
}

func (d *diskCache) applyDelete(key string) {
	batch := new(leveldb.Batch)
	batch.Delete([]byte("e:" + key))
	batch.Delete([]byte("m:" + key))
	_ = d.db.Write(batch, nil)

	d.mu.Lock()
	if meta, ok := d.index[key]; ok {
		d.totalSize -= meta.Size
		delete(d.index, key)
	}
	d.mu.Unlock()
}

// evictSome drops the least recently used tenth of the index.
func (d *diskCache) evictSome() {
	type item struct {
		key string
		m   diskMeta
	}
	d.mu.Lock()
	items := make([]item, 0, len(d.index))
	for k, m := range d.index {
		items = append(items, item{k, m})
	}
	d.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		return items[i].m.LastAccess < items[j].m.LastAccess
	})

	n := len(items) / 10
	if n < 1 {
		n = 1
	}
	for i := 0; i < n && i < len(items); i++ {
		d.applyDelete(items[i].key)
	}
}

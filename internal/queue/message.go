// Package queue bounds and deduplicates background regeneration work.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("queue closed")

// ErrBadPartition is returned for partition keys that do not name a shard.
var ErrBadPartition = errors.New("bad partition key")

const partitionPrefix = "revalidate-"

// shardSeed is mixed into every path before hashing so shard assignment is
// stable across processes and releases.
const shardSeed = "edgerouter-shard-v1:"

// Message asks for one path to be regenerated.
type Message struct {
	Host         string `json:"host"`
	URL          string `json:"url"`
	ETag         string `json:"eTag"`
	LastModified int64  `json:"lastModified"`
}

// Handler processes one message. It must be idempotent: delivery is at
// least once.
type Handler func(ctx context.Context, msg Message) error

// Shard returns the shard for path. It depends on nothing but its inputs.
func Shard(path string, shards int) int {
	if shards <= 1 {
		return 0
	}
	d := xxhash.New()
	_, _ = d.WriteString(shardSeed)
	_, _ = d.WriteString(path)
	return int(d.Sum64() % uint64(shards))
}

// PartitionKey names the FIFO for a shard.
func PartitionKey(shard int) string {
	return partitionPrefix + strconv.Itoa(shard)
}

// ParsePartition is the inverse of PartitionKey.
func ParsePartition(key string, shards int) (int, error) {
	s, ok := strings.CutPrefix(key, partitionPrefix)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrBadPartition, key)
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n >= shards {
		return 0, fmt.Errorf("%w: %q", ErrBadPartition, key)
	}
	return n, nil
}

// DedupKey identifies one regeneration of one artifact version.
func DedupKey(path string, lastModified int64, etag string) string {
	sum := xxhash.Sum64String(path + "-" + strconv.FormatInt(lastModified, 10) + "-" + etag)
	return strconv.FormatUint(sum, 16)
}

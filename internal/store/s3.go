package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"edgerouter/internal/isr"
)

const (
	s3Suffix       = ".cache"
	s3MetaModified = "last-modified-ms"
)

// S3API is the subset of the S3 client the store uses.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Store reads cache entries from a bucket. Each key is one gob-encoded
// object under prefix.
type S3Store struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Store creates a store over an existing client.
//
//	client := s3.New(s3.Options{Region: "eu-west-1"})
//	st := store.NewS3Store(client, "my-bucket", "cache/")
func NewS3Store(client S3API, bucket, prefix string) *S3Store {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

// objectKey maps "/" to "index.cache" and "/a/b" to "a/b.cache".
func (s *S3Store) objectKey(key string) string {
	k := strings.TrimPrefix(key, "/")
	if k == "" {
		k = "index"
	}
	return s.prefix + k + s3Suffix
}

func (s *S3Store) cacheKey(objectKey string) string {
	k := strings.TrimSuffix(strings.TrimPrefix(objectKey, s.prefix), s3Suffix)
	if k == "index" {
		return "/"
	}
	return "/" + k
}

func (s *S3Store) Get(ctx context.Context, key string) (*isr.CacheEntry, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isMissing(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: s3 get %s: %w", key, err)
	}
	defer out.Body.Close()
	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("store: s3 read %s: %w", key, err)
	}
	return Decode(b)
}

// Put uploads ent unless the stored object carries a later modification
// time. The check and the write are not atomic across writers.
func (s *S3Store) Put(ctx context.Context, key string, ent *isr.CacheEntry) error {
	b, err := Encode(ent)
	if err != nil {
		return err
	}
	objectKey := s.objectKey(key)

	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	switch {
	case err == nil:
		if ms, perr := strconv.ParseInt(head.Metadata[s3MetaModified], 10, 64); perr == nil {
			if ent.LastModified.Before(time.UnixMilli(ms)) {
				return ErrStale
			}
		}
	case !isMissing(err):
		return fmt.Errorf("store: s3 head %s: %w", key, err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(b),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			s3MetaModified: strconv.FormatInt(ent.LastModified.UnixMilli(), 10),
			"kind":         string(ent.Value.Kind()),
		},
	})
	if err != nil {
		return fmt.Errorf("store: s3 put %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) Keys(ctx context.Context) ([]string, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	var out []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("store: s3 list: %w", err)
		}
		for _, obj := range page.Contents {
			k := aws.ToString(obj.Key)
			if strings.HasSuffix(k, s3Suffix) {
				out = append(out, s.cacheKey(k))
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func isMissing(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

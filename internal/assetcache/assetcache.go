// Package assetcache memoises downloaded shared assets (brand overlay,
// fonts) for the lifetime of one instance. It is an explicit object injected
// into whoever needs it - not a package-level singleton - so tests can reset
// it deterministically. Treat it purely as a performance optimization: a
// cold cache must never change behavior.
package assetcache

import (
	"context"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/keithlinneman/linnemanlabs-edge/internal/xerrors"
)

// S3API is the slice of the S3 client the cache uses; fakes implement it in
// tests.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type Cache struct {
	client S3API
	bucket string

	mu     sync.Mutex
	assets map[string][]byte
	flight map[string]*call
}

type call struct {
	done chan struct{}
	data []byte
	err  error
}

func New(client S3API, bucket string) *Cache {
	return &Cache{
		client: client,
		bucket: bucket,
		assets: make(map[string][]byte),
		flight: make(map[string]*call),
	}
}

// Get returns the asset bytes, fetching from S3 at most once per key per
// instance. Concurrent callers for the same key share one fetch.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	if data, ok := c.assets[key]; ok {
		c.mu.Unlock()
		return data, nil
	}
	if inflight, ok := c.flight[key]; ok {
		c.mu.Unlock()
		<-inflight.done
		return inflight.data, inflight.err
	}
	cl := &call{done: make(chan struct{})}
	c.flight[key] = cl
	c.mu.Unlock()

	cl.data, cl.err = c.fetch(ctx, key)
	close(cl.done)

	c.mu.Lock()
	delete(c.flight, key)
	if cl.err == nil {
		c.assets[key] = cl.data
	}
	c.mu.Unlock()
	return cl.data, cl.err
}

// Reset drops all cached assets. Test hook.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.assets = make(map[string][]byte)
	c.mu.Unlock()
}

func (c *Cache) fetch(ctx context.Context, key string) ([]byte, error) {
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "assetcache: get s3://%s/%s", c.bucket, key)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, xerrors.Wrapf(err, "assetcache: read s3://%s/%s", c.bucket, key)
	}
	return data, nil
}

// Package storage reads and writes objects under bucket/key paths.
package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

var (
	ErrNoSuchObject = errors.New("no-such-object")
	ErrNoSuchBucket = errors.New("no-such-bucket")
	ErrBadPath      = errors.New("bad-object-path")
)

type Store interface {
	EnsureBucket(ctx context.Context, bucket string) error
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) error
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	// List returns the keys under prefix, recursively, sorted.
	List(ctx context.Context, bucket, prefix string) ([]string, error)
}

func Join(bucket, key string) string {
	return strings.TrimRight(bucket, "/") + "/" + strings.TrimLeft(key, "/")
}

// Split splits bucket/key.  A leading s3:// is dropped.
func Split(path string) (bucket, key string, err error) {
	p := strings.TrimPrefix(path, "s3://")
	i := strings.Index(p, "/")
	if i <= 0 || i == len(p)-1 {
		return "", "", ErrBadPath
	}
	return p[0:i], p[i+1:], nil
}

// Memory keeps objects in process.
type Memory struct {
	lock    sync.RWMutex
	buckets map[string]map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{buckets: map[string]map[string][]byte{}}
}

func (this *Memory) EnsureBucket(ctx context.Context, bucket string) error {
	this.lock.Lock()
	defer this.lock.Unlock()
	if _, has := this.buckets[bucket]; !has {
		this.buckets[bucket] = map[string][]byte{}
	}
	return nil
}

func (this *Memory) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	this.lock.Lock()
	defer this.lock.Unlock()
	b, has := this.buckets[bucket]
	if !has {
		return ErrNoSuchBucket
	}
	b[key] = append([]byte{}, data...)
	return nil
}

func (this *Memory) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	this.lock.RLock()
	defer this.lock.RUnlock()
	b, has := this.buckets[bucket]
	if !has {
		return nil, ErrNoSuchBucket
	}
	v, has := b[key]
	if !has {
		return nil, ErrNoSuchObject
	}
	return append([]byte{}, v...), nil
}

func (this *Memory) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	this.lock.RLock()
	defer this.lock.RUnlock()
	b, has := this.buckets[bucket]
	if !has {
		return nil, ErrNoSuchBucket
	}
	keys := []string{}
	for k := range b {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

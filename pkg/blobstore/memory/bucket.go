// Package memory is an in-process blob store. A Bucket outlives the per-transaction
// stores handed out by its Factory, so blobs survive across transactions the way
// objects in a real bucket do.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"go-overflow/pkg/blobstore"
)

// Bucket is the shared object map plus call counters and failure hooks for tests.
type Bucket struct {
	name    string
	mu      sync.RWMutex
	objects map[string][]byte

	Puts       atomic.Int64
	Reads      atomic.Int64
	Deletes    atomic.Int64
	Opened     atomic.Int64
	Closed     atomic.Int64
	PutFunc    func(ctx context.Context, key string, data []byte) error
	ReadFunc   func(ctx context.Context, key string) error
	DeleteFunc func(ctx context.Context, key string) error
}

func NewBucket(name string) *Bucket {
	return &Bucket{
		name:    name,
		objects: make(map[string][]byte),
	}
}

// Exists reports whether key is stored.
func (b *Bucket) Exists(key string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.objects[key]
	return ok
}

// Len returns the number of stored objects.
func (b *Bucket) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.objects)
}

// Keys returns the stored keys in sorted order.
func (b *Bucket) Keys() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := make([]string, 0, len(b.objects))
	for k := range b.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Object returns a copy of the object stored under key.
func (b *Bucket) Object(key string) ([]byte, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, false
	}
	return bytes.Clone(data), true
}

// Factory returns a blobstore.Factory handing out stores over b.
func (b *Bucket) Factory() blobstore.Factory {
	return factory{bucket: b}
}

type factory struct {
	bucket *Bucket
}

func (f factory) NewBlobStore(ctx context.Context) (blobstore.BlobStore, error) {
	f.bucket.Opened.Add(1)
	return &Store{bucket: f.bucket}, nil
}

// Store is a per-transaction view of a Bucket.
type Store struct {
	bucket *Bucket
	closed atomic.Bool
}

func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	if s.closed.Load() {
		return blobstore.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.bucket.Puts.Add(1)
	if s.bucket.PutFunc != nil {
		if err := s.bucket.PutFunc(ctx, key, data); err != nil {
			return err
		}
	}

	s.bucket.mu.Lock()
	defer s.bucket.mu.Unlock()
	s.bucket.objects[key] = bytes.Clone(data)
	return nil
}

func (s *Store) OpenRead(ctx context.Context, key string) (io.ReadCloser, error) {
	if s.closed.Load() {
		return nil, blobstore.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.bucket.Reads.Add(1)
	if s.bucket.ReadFunc != nil {
		if err := s.bucket.ReadFunc(ctx, key); err != nil {
			return nil, err
		}
	}

	data, ok := s.bucket.Object(key)
	if !ok {
		return nil, fmt.Errorf("open %q in %q: %w", key, s.bucket.name, blobstore.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if s.closed.Load() {
		return blobstore.ErrClosed
	}
	s.bucket.Deletes.Add(1)
	if s.bucket.DeleteFunc != nil {
		if err := s.bucket.DeleteFunc(ctx, key); err != nil {
			return err
		}
	}

	s.bucket.mu.Lock()
	defer s.bucket.mu.Unlock()
	delete(s.bucket.objects, key)
	return nil
}

func (s *Store) Location() string {
	return s.bucket.name
}

func (s *Store) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.bucket.Closed.Add(1)
	}
	return nil
}

var _ blobstore.BlobStore = (*Store)(nil)

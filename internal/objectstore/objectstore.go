// Package objectstore defines the prefix-addressed object storage capability used
// to fetch project sources and publish build artifacts.
package objectstore

import (
	"context"
	"io"
	"time"
)

// Object describes one stored object.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Store is safe for concurrent use by multiple goroutines.
type Store interface {
	// List returns every object whose key starts with prefix. Pagination is
	// handled by the implementation.
	List(ctx context.Context, prefix string) ([]Object, error)
	// Get opens the object content. The caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Put stores body under key. size is -1 when unknown.
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
}

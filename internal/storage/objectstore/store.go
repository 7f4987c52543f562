// Package objectstore is the blob layer under the artifact store and the
// definition mirror. MinioStore talks to an S3-compatible endpoint and
// MemoryStore keeps objects in process for single-shot runs and tests.
package objectstore

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is wrapped by Get and Stat when bucket/key holds no object.
var ErrNotFound = errors.New("object not found")

// Store is the minimal S3 surface the orchestrator writes through. Keys are
// slash separated; artifacts live under runs/<runID>/<artifact>/.
type Store interface {
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error)
	Stat(ctx context.Context, bucket, key string) (ObjectInfo, error)
	Delete(ctx context.Context, bucket, key string) error
}

// ObjectInfo describes a stored object. ETag is backend defined and only
// compared for equality.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}

package storage

import (
	"context"
	"errors"
	"io"
)

// ErrBlobNotFound is returned when a key has no stored content.
var ErrBlobNotFound = errors.New("blob not found")

// BlobStore persists opaque document content addressed by key.
// Put must not leave a readable blob behind when it returns an error.
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) (int64, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// contextReader aborts a copy as soon as the context is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// WithContext wraps r so reads fail once ctx is cancelled.
func WithContext(ctx context.Context, r io.Reader) io.Reader {
	return contextReader{ctx: ctx, r: r}
}

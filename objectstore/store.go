// Package objectstore describes the object storage capability the uploader
// writes to, and the error kinds every backend maps its failures onto.
package objectstore

import (
	"context"
	"errors"
	"io"
)

// ErrComposeUnsupported is returned by backends that cannot concatenate
// objects server-side.
var ErrComposeUnsupported = errors.New("object composition is not supported by this backend")

// ProgressFunc receives the number of bytes sent so far out of total.
// It is called as often as the underlying transport reports progress.
type ProgressFunc func(transferred, total int64)

// PutInput describes a single object write.
type PutInput struct {
	Bucket      string
	Path        string
	Body        io.Reader
	Size        int64
	ContentType string
	Progress    ProgressFunc
}

// Store is a named-blob storage backend.
//
// PutObject performs exactly one attempt; the caller owns retries and the
// deadline (through ctx).
type Store interface {
	PutObject(ctx context.Context, in PutInput) (string, error)
	CopyObject(ctx context.Context, bucket, srcPath, dstPath string) error
	// ComposeObject writes dstPath as the ordered concatenation of srcPaths.
	ComposeObject(ctx context.Context, bucket, dstPath string, srcPaths []string, contentType string) error
	// DeleteObjects is best effort: a failing path must not stop the rest
	// of the batch. The returned error describes every path that failed.
	DeleteObjects(ctx context.Context, bucket string, paths []string) error
	PublicURL(bucket, path string) string
}

// Credentials supplies a bearer token for each request.
type Credentials interface {
	Token(ctx context.Context) (string, error)
}

// StaticCredentials always returns the same token.
type StaticCredentials string

// Token ...
func (c StaticCredentials) Token(context.Context) (string, error) {
	return string(c), nil
}

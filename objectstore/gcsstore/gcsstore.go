// Package gcsstore implements objectstore.Store on Google Cloud Storage.
// Composition uses the native compose operation, folding sources in batches
// because a single compose request accepts at most 32 of them.
package gcsstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/bitrise-io/go-objectupload/objectstore"
	"github.com/bitrise-io/go-utils/v2/log"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	maxComposeSources = 32
	publicBaseURL     = "https://storage.googleapis.com"
)

// Store ...
type Store struct {
	client  *storage.Client
	baseURL string
	logger  log.Logger
}

// New creates a Store. opts are passed to the GCS client, allowing
// credential injection.
func New(ctx context.Context, logger log.Logger, opts ...option.ClientOption) (*Store, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcsstore: failed to create GCS client: %w", err)
	}
	return &Store{client: client, baseURL: publicBaseURL, logger: logger}, nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// PutObject streams the body through a single-attempt writer. Progress
// counts bytes handed to the writer.
func (s *Store) PutObject(ctx context.Context, in objectstore.PutInput) (string, error) {
	op := fmt.Sprintf("put %s/%s", in.Bucket, in.Path)

	obj := s.client.Bucket(in.Bucket).Object(in.Path).Retryer(storage.WithPolicy(storage.RetryNever))
	w := obj.NewWriter(ctx)
	w.ContentType = in.ContentType

	if _, err := io.Copy(w, objectstore.NewProgressReader(in.Body, in.Size, in.Progress)); err != nil {
		_ = w.Close()
		return "", classify(op, err)
	}
	if err := w.Close(); err != nil {
		return "", classify(op, err)
	}

	return s.PublicURL(in.Bucket, in.Path), nil
}

// CopyObject ...
func (s *Store) CopyObject(ctx context.Context, bucket, srcPath, dstPath string) error {
	b := s.client.Bucket(bucket)
	if _, err := b.Object(dstPath).CopierFrom(b.Object(srcPath)).Run(ctx); err != nil {
		return classify("copy "+srcPath, err)
	}
	return nil
}

// ComposeObject concatenates srcPaths into dstPath. The first batch is
// composed directly; each following batch is appended to the running result.
func (s *Store) ComposeObject(ctx context.Context, bucket, dstPath string, srcPaths []string, contentType string) error {
	op := "compose " + dstPath
	if len(srcPaths) == 0 {
		return fmt.Errorf("%s: no sources", op)
	}

	b := s.client.Bucket(bucket)
	dst := b.Object(dstPath)

	for i, batch := range composeBatches(srcPaths) {
		var sources []*storage.ObjectHandle
		if i > 0 {
			sources = append(sources, dst)
		}
		for _, p := range batch {
			sources = append(sources, b.Object(p))
		}

		composer := dst.ComposerFrom(sources...)
		composer.ContentType = contentType
		if _, err := composer.Run(ctx); err != nil {
			return classify(op, err)
		}
	}
	return nil
}

// composeBatches splits srcPaths into compose requests. Every batch after
// the first leaves one slot for the partial result.
func composeBatches(srcPaths []string) [][]string {
	var batches [][]string
	remaining := srcPaths
	limit := maxComposeSources
	for len(remaining) > 0 {
		n := len(remaining)
		if n > limit {
			n = limit
		}
		batches = append(batches, remaining[:n])
		remaining = remaining[n:]
		limit = maxComposeSources - 1
	}
	return batches
}

// DeleteObjects deletes each path, continuing past failures. Missing
// objects count as deleted.
func (s *Store) DeleteObjects(ctx context.Context, bucket string, paths []string) error {
	failed := map[string]error{}
	b := s.client.Bucket(bucket)
	for _, p := range paths {
		err := b.Object(p).Delete(ctx)
		if err == nil || errors.Is(err, storage.ErrObjectNotExist) {
			continue
		}
		failed[p] = classify("delete "+p, err)
	}
	if len(failed) > 0 {
		return &objectstore.DeleteError{Failed: failed}
	}
	return nil
}

// PublicURL ...
func (s *Store) PublicURL(bucket, path string) string {
	return fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(s.baseURL, "/"), bucket, path)
}

func classify(op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return &objectstore.HTTPError{Op: op, StatusCode: apiErr.Code, Body: apiErr.Message}
	}
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return &objectstore.HTTPError{Op: op, StatusCode: 404, Body: err.Error()}
	}
	return &objectstore.NetworkError{Op: op, Err: err}
}

// Package memstore is an in-process objectstore.Store. It backs tests and
// local tooling; hooks allow failures to be injected per operation.
package memstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"sync"

	"github.com/bitrise-io/go-objectupload/objectstore"
)

const defaultBaseURL = "memory://objects"

// Object is a stored blob.
type Object struct {
	Data        []byte
	ContentType string
}

// Store keeps objects in a map keyed by bucket and path.
type Store struct {
	// BaseURL prefixes public URLs. Defaults to memory://objects.
	BaseURL string

	// BeforePut runs before an object is written. A non-nil error fails the
	// put. It may block until ctx is done to simulate slow transfers.
	BeforePut func(ctx context.Context, in objectstore.PutInput) error
	// BeforeCopy, BeforeCompose and BeforeDelete work the same way.
	BeforeCopy    func(ctx context.Context, bucket, src, dst string) error
	BeforeCompose func(ctx context.Context, bucket, dst string, srcs []string) error
	BeforeDelete  func(ctx context.Context, bucket, path string) error

	mu      sync.Mutex
	objects map[string]Object
	puts    []string
}

// New ...
func New() *Store {
	return &Store{objects: map[string]Object{}}
}

func key(bucket, path string) string {
	return bucket + "/" + path
}

// PutObject reads the whole body, reporting progress per read.
func (s *Store) PutObject(ctx context.Context, in objectstore.PutInput) (string, error) {
	if s.BeforePut != nil {
		if err := s.BeforePut(ctx, in); err != nil {
			return "", err
		}
	}

	var buf bytes.Buffer
	reader := objectstore.NewProgressReader(in.Body, in.Size, in.Progress)
	if _, err := io.Copy(&buf, reader); err != nil {
		return "", &objectstore.NetworkError{Op: "put " + in.Path, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return "", &objectstore.NetworkError{Op: "put " + in.Path, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensure()
	s.objects[key(in.Bucket, in.Path)] = Object{Data: buf.Bytes(), ContentType: in.ContentType}
	s.puts = append(s.puts, key(in.Bucket, in.Path))

	return s.PublicURL(in.Bucket, in.Path), nil
}

// CopyObject ...
func (s *Store) CopyObject(ctx context.Context, bucket, srcPath, dstPath string) error {
	if s.BeforeCopy != nil {
		if err := s.BeforeCopy(ctx, bucket, srcPath, dstPath); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensure()
	obj, ok := s.objects[key(bucket, srcPath)]
	if !ok {
		return &objectstore.HTTPError{Op: "copy " + srcPath, StatusCode: 404, Body: "object not found"}
	}
	s.objects[key(bucket, dstPath)] = Object{Data: append([]byte(nil), obj.Data...), ContentType: obj.ContentType}
	return nil
}

// ComposeObject concatenates srcPaths in order.
func (s *Store) ComposeObject(ctx context.Context, bucket, dstPath string, srcPaths []string, contentType string) error {
	if s.BeforeCompose != nil {
		if err := s.BeforeCompose(ctx, bucket, dstPath, srcPaths); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensure()
	var data []byte
	for _, src := range srcPaths {
		obj, ok := s.objects[key(bucket, src)]
		if !ok {
			return &objectstore.HTTPError{Op: "compose " + dstPath, StatusCode: 404, Body: fmt.Sprintf("source %s not found", src)}
		}
		data = append(data, obj.Data...)
	}
	s.objects[key(bucket, dstPath)] = Object{Data: data, ContentType: contentType}
	return nil
}

// DeleteObjects removes every path it can. Missing objects are not an error.
func (s *Store) DeleteObjects(ctx context.Context, bucket string, paths []string) error {
	failed := map[string]error{}
	for _, path := range paths {
		if s.BeforeDelete != nil {
			if err := s.BeforeDelete(ctx, bucket, path); err != nil {
				failed[path] = err
				continue
			}
		}
		s.mu.Lock()
		s.ensure()
		delete(s.objects, key(bucket, path))
		s.mu.Unlock()
	}
	if len(failed) > 0 {
		return &objectstore.DeleteError{Failed: failed}
	}
	return nil
}

// PublicURL ...
func (s *Store) PublicURL(bucket, path string) string {
	base := s.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	return base + "/" + url.PathEscape(bucket) + "/" + path
}

// Get returns a copy of the stored object.
func (s *Store) Get(bucket, path string) (Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key(bucket, path)]
	if !ok {
		return Object{}, false
	}
	return Object{Data: append([]byte(nil), obj.Data...), ContentType: obj.ContentType}, true
}

// Keys lists every stored "bucket/path", sorted.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Puts lists the keys of successful puts in completion order.
func (s *Store) Puts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.puts...)
}

func (s *Store) ensure() {
	if s.objects == nil {
		s.objects = map[string]Object{}
	}
}

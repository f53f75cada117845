// Package transfer performs single object uploads against an
// objectstore.Store: one deadline-bound attempt (Executor) and the bounded
// exponential-backoff loop used for whole-file uploads (Retrier).
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bitrise-io/go-objectupload/objectstore"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// Request describes one attempt: Size bytes of Body starting at Offset are
// written to Path.
type Request struct {
	Bucket      string
	Path        string
	ContentType string
	Body        io.ReaderAt
	Offset      int64
	Size        int64
	// Timeout bounds the attempt. Zero means no deadline beyond ctx.
	Timeout time.Duration
	// Progress receives bytes sent so far and Size.
	Progress objectstore.ProgressFunc
}

// Uploader is what the chunk scheduler and the retrier drive.
type Uploader interface {
	Upload(ctx context.Context, req Request) (string, error)
}

// Executor runs exactly one attempt per call.
type Executor struct {
	store  objectstore.Store
	logger log.Logger
}

// NewExecutor ...
func NewExecutor(store objectstore.Store, logger log.Logger) *Executor {
	return &Executor{store: store, logger: logger}
}

// Upload writes the requested byte range and returns the object's URL.
//
// Failures are one of *objectstore.NetworkError, *objectstore.HTTPError or
// *objectstore.TimeoutError. If ctx itself is done the context error is
// returned instead, so callers can tell cancellation from a failed attempt.
func (e *Executor) Upload(ctx context.Context, req Request) (string, error) {
	attemptCtx := ctx
	cancel := func() {}
	if req.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	}
	defer cancel()

	e.logger.Debugf("Uploading %s (%s) to %s/%s, timeout %s",
		units.BytesSize(float64(req.Size)), req.ContentType, req.Bucket, req.Path, req.Timeout)

	start := time.Now()
	url, err := e.store.PutObject(attemptCtx, objectstore.PutInput{
		Bucket:      req.Bucket,
		Path:        req.Path,
		Body:        io.NewSectionReader(req.Body, req.Offset, req.Size),
		Size:        req.Size,
		ContentType: req.ContentType,
		Progress:    req.Progress,
	})
	if err == nil {
		e.logger.Debugf("Uploaded %s in %s", req.Path, time.Since(start).Round(time.Millisecond))
		return url, nil
	}

	return "", classify(ctx, attemptCtx, req, err)
}

func classify(ctx, attemptCtx context.Context, req Request, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	op := fmt.Sprintf("upload %s", req.Path)
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return &objectstore.TimeoutError{Op: op, Timeout: req.Timeout}
	}
	if objectstore.IsTransferError(err) {
		return err
	}
	return &objectstore.NetworkError{Op: op, Err: err}
}

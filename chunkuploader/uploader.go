package chunkuploader

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bitrise-io/go-objectupload/transfer"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Uploader runs chunk jobs. Chunks are never retried: the first failure
// cancels the chunks still running and fails the job.
type Uploader struct {
	config   Config
	transfer transfer.Uploader
	logger   log.Logger
	stats    *Stats
}

// New creates a new Uploader with the given configuration.
func New(config Config, t transfer.Uploader, logger log.Logger) *Uploader {
	if config.Concurrency < 1 {
		config.Concurrency = DefaultConfig().Concurrency
	}
	return &Uploader{
		config:   config,
		transfer: t,
		logger:   logger,
		stats:    NewStats(),
	}
}

// Stats returns the upload statistics.
func (u *Uploader) Stats() *Stats {
	return u.stats
}

// Upload uploads every chunk of the job. Chunks start in index order; their
// completion order is unconstrained.
//
// On failure the returned error is a *ChunkFailedError for the first chunk
// that failed, or the context error if ctx was cancelled. All workers have
// returned by the time Upload does.
func (u *Uploader) Upload(ctx context.Context, job Job, hooks Hooks) error {
	numChunks := len(job.Chunks)
	if numChunks == 0 {
		return nil
	}

	concurrency := job.Concurrency
	if concurrency < 1 {
		concurrency = u.config.Concurrency
	}

	limiter := semaphore.NewWeighted(int64(concurrency))
	g, gctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	completed := 0

	for _, chunk := range job.Chunks {
		if err := limiter.Acquire(gctx, 1); err != nil {
			break
		}

		g.Go(func() error {
			defer limiter.Release(1)

			err := u.uploadChunk(gctx, job, chunk, numChunks, hooks)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if errors.Is(err, context.Canceled) && gctx.Err() != nil {
					// a sibling failed first
					return err
				}
				return &ChunkFailedError{Index: chunk.Index, Cause: err}
			}

			mu.Lock()
			completed++
			n := completed
			mu.Unlock()

			if hooks.OnChunkDone != nil {
				hooks.OnChunkDone(chunk, n)
			}
			return nil
		})
	}

	err := g.Wait()
	if err == nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return nil
	}
	return err
}

func (u *Uploader) uploadChunk(ctx context.Context, job Job, chunk *Chunk, numChunks int, hooks Hooks) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	chunk.State = ChunkUploading
	if hooks.OnChunkStart != nil {
		hooks.OnChunkStart(chunk)
	}

	u.logger.Debugf("Uploading chunk %d/%d [finished=%d] [avg=%v] [rate=%s/s]",
		chunk.Index+1, numChunks, u.stats.FinishedCount(), u.stats.Average().Round(time.Second),
		units.BytesSize(u.stats.BytesPerSecond()))

	start := time.Now()
	_, err := u.transfer.Upload(ctx, transfer.Request{
		Bucket:      job.Bucket,
		Path:        chunk.Path,
		ContentType: job.ContentType,
		Body:        job.Body,
		Offset:      chunk.Start,
		Size:        chunk.Size(),
		Timeout:     job.ChunkTimeout,
		Progress: func(transferred, _ int64) {
			if hooks.OnChunkProgress != nil {
				hooks.OnChunkProgress(chunk, transferred)
			}
		},
	})
	if err != nil {
		chunk.State = ChunkFailed
		chunk.Err = err
		if ctx.Err() == nil {
			u.logger.Warnf("Chunk %d/%d failed: %s", chunk.Index+1, numChunks, err)
		}
		return err
	}

	took := time.Since(start)
	u.stats.Update(took, chunk.Size())
	chunk.State = ChunkDone
	u.logger.Debugf("Chunk %d/%d uploaded in %v", chunk.Index+1, numChunks, took.Round(time.Millisecond))
	return nil
}

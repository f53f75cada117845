package upload

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/bitrise-io/go-objectupload/chunkuploader"
	"github.com/bitrise-io/go-objectupload/objectstore"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

// assembler turns uploaded chunk objects into the final object and removes
// the chunk objects afterwards.
type assembler struct {
	store  objectstore.Store
	config Config
	logger log.Logger
}

// finalize builds finalPath from chunks, which must all be done, and returns
// its public URL.
func (a *assembler) finalize(ctx context.Context, bucket, finalPath, contentType string, chunks []*chunkuploader.Chunk) (string, error) {
	if len(chunks) == 0 {
		return "", &AssemblyError{Mode: a.config.FinalizeMode, Path: finalPath, Err: errors.New("no chunks to assemble")}
	}

	var err error
	switch a.config.FinalizeMode {
	case FinalizeFirstPart:
		a.logger.Warnf("Finalizing %s from its first chunk only, %d chunk(s) are not included", finalPath, len(chunks)-1)
		err = a.store.CopyObject(ctx, bucket, chunks[0].Path, finalPath)
	default:
		srcs := make([]string, len(chunks))
		for _, c := range chunks {
			srcs[c.Index] = c.Path
		}
		a.logger.Debugf("Composing %s from %d chunks", finalPath, len(srcs))
		err = a.store.ComposeObject(ctx, bucket, finalPath, srcs, contentType)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", &AssemblyError{Mode: a.config.FinalizeMode, Path: finalPath, Err: err}
	}

	return a.store.PublicURL(bucket, finalPath), nil
}

// cleanup deletes the objects of every chunk that was started. It runs
// detached from ctx's cancellation, bounded by Config.CleanupTimeout.
// Failures are logged and returned as a warning.
func (a *assembler) cleanup(ctx context.Context, bucket string, chunks []*chunkuploader.Chunk) *CleanupWarning {
	var paths []string
	for _, c := range chunks {
		if c.State != chunkuploader.ChunkPending {
			paths = append(paths, c.Path)
		}
	}
	if len(paths) == 0 {
		return nil
	}

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.config.CleanupTimeout)
	defer cancel()

	remaining := paths
	err := retry.Times(a.config.CleanupRetries).Wait(a.config.CleanupRetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		if attempt > 0 {
			a.logger.Debugf("Retrying cleanup of %d chunk object(s), attempt %d", len(remaining), attempt+1)
		}

		err := a.store.DeleteObjects(cleanupCtx, bucket, remaining)
		if err == nil {
			return nil, false
		}

		var deleteErr *objectstore.DeleteError
		if errors.As(err, &deleteErr) && len(deleteErr.Failed) > 0 {
			remaining = failedPaths(deleteErr)
		}
		if cleanupCtx.Err() != nil {
			return fmt.Errorf("cleanup timed out: %w", err), true
		}
		return err, false
	})
	if err == nil {
		a.logger.Debugf("Removed %d chunk object(s)", len(paths))
		return nil
	}

	warning := &CleanupWarning{Paths: remaining, Err: err}
	a.logger.Warnf("%s", warning)
	return warning
}

func failedPaths(err *objectstore.DeleteError) []string {
	paths := make([]string, 0, len(err.Failed))
	for path := range err.Failed {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

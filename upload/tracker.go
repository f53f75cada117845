package upload

import (
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

// NewDefaultTracker creates an analytics tracker carrying the build context
// found in the environment.
func NewDefaultTracker(envRepo env.Repository, logger log.Logger) analytics.Tracker {
	p := analytics.Properties{
		"build_slug": envRepo.Get("BITRISE_BUILD_SLUG"),
		"app_slug":   envRepo.Get("BITRISE_APP_SLUG"),
		"workflow":   envRepo.Get("BITRISE_TRIGGERED_WORKFLOW_ID"),
	}
	return analytics.NewDefaultTracker(logger, p)
}

// NewAnalyticsSink forwards lifecycle events to tracker. Chunk progress
// milestones are left out; the caller still has to Wait on the tracker.
func NewAnalyticsSink(tracker analytics.Tracker) EventFunc {
	return func(e Event) {
		switch e.Kind {
		case EventFirstChunk, EventHalfChunks:
			return
		}

		properties := analytics.Properties{
			"session_id": e.SessionID,
			"bucket":     e.Bucket,
			"size_bytes": e.Size,
			"chunked":    e.Chunked,
		}
		if e.ChunkCount > 0 {
			properties["chunk_count"] = e.ChunkCount
		}
		if e.Kind == EventRetry {
			properties["attempt"] = e.Attempt
			properties["wait_s"] = e.Wait.Seconds()
		}
		if e.Elapsed > 0 {
			properties["elapsed_s"] = e.Elapsed.Truncate(time.Millisecond).Seconds()
		}
		if e.Err != nil {
			properties["error"] = e.Err.Error()
		}

		tracker.Enqueue("object_upload_"+string(e.Kind), properties)
	}
}

package upload

import "time"

// EventKind ...
type EventKind string

// Lifecycle events, in the order they can occur.
const (
	EventStarted        EventKind = "started"
	EventRetry          EventKind = "retry"
	EventFirstChunk     EventKind = "first_chunk_uploaded"
	EventHalfChunks     EventKind = "half_chunks_uploaded"
	EventAllChunks      EventKind = "all_chunks_uploaded"
	EventFinalized      EventKind = "finalized"
	EventCleanupWarning EventKind = "cleanup_warning"
	EventCompleted      EventKind = "completed"
	EventFailed         EventKind = "failed"
)

// Event is an informational lifecycle notification. Only the fields that
// make sense for Kind are set.
type Event struct {
	Kind      EventKind
	SessionID string
	Bucket    string
	Path      string
	Size      int64
	Chunked   bool

	// EventRetry: the attempt that failed and the wait before the next one.
	Attempt int
	Wait    time.Duration

	// chunk milestones
	ChunksDone int
	ChunkCount int

	URL     string
	Err     error
	Elapsed time.Duration
}

// EventFunc receives events. Chunk milestones are delivered from worker
// goroutines, so implementations must be safe for concurrent use.
type EventFunc func(Event)

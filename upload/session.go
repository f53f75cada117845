package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bitrise-io/go-objectupload/chunkuploader"
	"github.com/bitrise-io/go-objectupload/progress"
	"github.com/bitrise-io/go-objectupload/sizing"
	"github.com/bitrise-io/go-objectupload/transfer"
	"github.com/docker/go-units"
)

// State of a Session. States only move forward; Complete and Failed are
// terminal.
type State int

// Session states.
const (
	StateInitializing State = iota
	StateActiveTransfer
	StateFinalizing
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateActiveTransfer:
		return "active-transfer"
	case StateFinalizing:
		return "finalizing"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) terminal() bool {
	return s == StateComplete || s == StateFailed
}

// transferBand is where transfer progress is reported; the rest of the scale
// belongs to initialization and finalization.
var transferBand = progress.Band{Low: 5, High: 95}

var errSessionStarted = errors.New("upload session already started")

// Session tracks one upload from start to a single URL or error. It is
// created by Uploader.NewSession and run once.
type Session struct {
	ID string

	uploader    *Uploader
	req         Request
	contentType string
	plan        sizing.Plan
	chunks      []*chunkuploader.Chunk
	progress    *progress.Aggregator

	mu      sync.Mutex
	state   State
	started bool
	url     string
	err     error
}

// State ...
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Plan returns the sizing decisions for this upload.
func (s *Session) Plan() sizing.Plan {
	return s.plan
}

// ContentType is the resolved content type of the object.
func (s *Session) ContentType() string {
	return s.contentType
}

// TotalBytes ...
func (s *Session) TotalBytes() int64 {
	return s.req.Size
}

// BytesConfirmed returns the bytes of chunks, or of the whole file, known to
// be stored. It is safe to call while the session runs.
func (s *Session) BytesConfirmed() int64 {
	return s.progress.Confirmed()
}

// Progress returns the last reported percentage.
func (s *Session) Progress() int {
	return s.progress.Percent()
}

// Chunks returns a copy of the chunk descriptors, or nil for whole-file
// uploads. Call it only after Run has returned.
func (s *Session) Chunks() []chunkuploader.Chunk {
	if s.chunks == nil {
		return nil
	}
	chunks := make([]chunkuploader.Chunk, len(s.chunks))
	for i, c := range s.chunks {
		chunks[i] = *c
	}
	return chunks
}

// URL returns the public URL once the session is complete.
func (s *Session) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// Err returns the error the session failed with.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// transition moves the session to a later state. Moving backwards or out of
// a terminal state is refused.
func (s *Session) transition(to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.terminal() || to <= s.state {
		return false
	}
	s.state = to
	return true
}

// Run performs the upload and returns the public URL of the object.
//
// Cancelling ctx stops new chunks from starting and aborts running
// transfers; the session then fails with the context error. Chunk objects
// are removed before Run returns, whatever the outcome.
func (s *Session) Run(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return "", errSessionStarted
	}
	s.started = true
	s.mu.Unlock()

	logger := s.uploader.logger
	start := time.Now()

	if s.plan.Chunked {
		logger.Infof("Uploading %s to %s/%s in %d chunks of %s, concurrency %d, chunk timeout %s",
			units.BytesSize(float64(s.req.Size)), s.req.Bucket, s.req.Path,
			len(s.chunks), units.BytesSize(float64(s.plan.ChunkSize)), s.plan.Concurrency, s.plan.ChunkTimeout)
	} else {
		logger.Infof("Uploading %s to %s/%s, timeout %s",
			units.BytesSize(float64(s.req.Size)), s.req.Bucket, s.req.Path, s.plan.Timeout)
	}
	s.emit(Event{Kind: EventStarted})
	s.progress.Set(transferBand.Low)

	var url string
	var err error
	if s.plan.Chunked {
		url, err = s.runChunked(ctx)
	} else {
		url, err = s.runWholeFile(ctx)
	}

	elapsed := time.Since(start)
	if err != nil {
		s.fail(err)
		logger.Errorf("Upload of %s/%s failed after %s: %s", s.req.Bucket, s.req.Path, elapsed.Round(time.Millisecond), err)
		s.emit(Event{Kind: EventFailed, Err: err, Elapsed: elapsed})
		return "", err
	}

	s.complete(url)
	s.progress.Set(100)
	logger.Donef("Uploaded %s to %s in %s", units.BytesSize(float64(s.req.Size)), url, elapsed.Round(time.Millisecond))
	s.emit(Event{Kind: EventCompleted, URL: url, Elapsed: elapsed})
	return url, nil
}

func (s *Session) runWholeFile(ctx context.Context) (string, error) {
	s.transition(StateActiveTransfer)

	retrier := transfer.NewRetrier(s.uploader.config.MaxRetries, s.uploader.config.BaseBackoff, s.uploader.logger)
	if s.uploader.sleep != nil {
		retrier.Sleep = s.uploader.sleep
	}
	retrier.OnRetry = func(attempt int, err error, wait time.Duration) {
		s.progress.Discard(0)
		s.emit(Event{Kind: EventRetry, Attempt: attempt, Wait: wait, Err: err})
	}

	var url string
	err := retrier.Do(ctx, func(ctx context.Context, _ int) error {
		var err error
		url, err = s.uploader.executor.Upload(ctx, transfer.Request{
			Bucket:      s.req.Bucket,
			Path:        s.req.Path,
			ContentType: s.contentType,
			Body:        s.req.Body,
			Size:        s.req.Size,
			Timeout:     s.plan.Timeout,
			Progress: func(transferred, _ int64) {
				s.progress.Report(0, transferred)
			},
		})
		return err
	})
	if err != nil {
		return "", err
	}

	s.progress.Complete(0, s.req.Size)
	return url, nil
}

func (s *Session) runChunked(ctx context.Context) (string, error) {
	s.transition(StateActiveTransfer)

	numChunks := len(s.chunks)
	half := (numChunks + 1) / 2
	hooks := chunkuploader.Hooks{
		OnChunkProgress: func(c *chunkuploader.Chunk, transferred int64) {
			s.progress.Report(c.Index, transferred)
		},
		OnChunkDone: func(c *chunkuploader.Chunk, completed int) {
			s.progress.Complete(c.Index, c.Size())

			milestone := Event{ChunksDone: completed, ChunkCount: numChunks}
			if completed == 1 {
				milestone.Kind = EventFirstChunk
				s.emit(milestone)
			}
			if completed == half {
				milestone.Kind = EventHalfChunks
				s.emit(milestone)
			}
			if completed == numChunks {
				milestone.Kind = EventAllChunks
				s.emit(milestone)
			}
		},
	}

	chunks := chunkuploader.New(chunkuploader.Config{Concurrency: s.plan.Concurrency}, s.uploader.executor, s.uploader.logger)
	err := chunks.Upload(ctx, chunkuploader.Job{
		Bucket:       s.req.Bucket,
		ContentType:  s.contentType,
		Body:         s.req.Body,
		Chunks:       s.chunks,
		ChunkTimeout: s.plan.ChunkTimeout,
		Concurrency:  s.plan.Concurrency,
	}, hooks)
	if err != nil {
		s.cleanup(ctx)
		return "", err
	}

	stats := chunks.Stats()
	s.uploader.logger.Printf("All %d chunks uploaded, average %s per chunk, %s/s",
		numChunks, stats.Average().Round(time.Millisecond), units.BytesSize(stats.BytesPerSecond()))

	s.transition(StateFinalizing)
	url, err := s.uploader.assembler.finalize(ctx, s.req.Bucket, s.req.Path, s.contentType, s.chunks)
	s.cleanup(ctx)
	if err != nil {
		return "", err
	}
	s.emit(Event{Kind: EventFinalized, URL: url})
	return url, nil
}

func (s *Session) cleanup(ctx context.Context) {
	if warning := s.uploader.assembler.cleanup(ctx, s.req.Bucket, s.chunks); warning != nil {
		s.emit(Event{Kind: EventCleanupWarning, Err: warning})
	}
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.terminal() {
		return
	}
	s.state = StateFailed
	s.err = err
}

func (s *Session) complete(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.terminal() {
		return
	}
	s.state = StateComplete
	s.url = url
}

func (s *Session) emit(e Event) {
	e.SessionID = s.ID
	e.Bucket = s.req.Bucket
	e.Path = s.req.Path
	e.Size = s.req.Size
	e.Chunked = s.plan.Chunked
	if e.ChunkCount == 0 {
		e.ChunkCount = len(s.chunks)
	}

	if s.req.OnEvent != nil {
		s.req.OnEvent(e)
	}
	if s.uploader.Events != nil {
		s.uploader.Events(e)
	}
}

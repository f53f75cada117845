// Package chunkuploader splits a file into ordered chunks and uploads them as
// temporary objects through a bounded pool of concurrent transfers.
package chunkuploader

import (
	"fmt"
	"io"
	"time"
)

// ChunkState ...
type ChunkState int

// Chunk states. A chunk only moves forward through them.
const (
	ChunkPending ChunkState = iota
	ChunkUploading
	ChunkDone
	ChunkFailed
)

func (s ChunkState) String() string {
	switch s {
	case ChunkPending:
		return "pending"
	case ChunkUploading:
		return "uploading"
	case ChunkDone:
		return "done"
	case ChunkFailed:
		return "failed"
	default:
		return fmt.Sprintf("ChunkState(%d)", int(s))
	}
}

// Chunk is the byte range [Start, End) of the file, uploaded to Path.
//
// Chunks are created once per session. While an upload runs, a chunk is only
// written by the worker that owns it.
type Chunk struct {
	Index int
	Start int64
	End   int64
	Path  string
	State ChunkState
	Err   error
}

// Size ...
func (c *Chunk) Size() int64 {
	return c.End - c.Start
}

// PartPath is the temporary object path of chunk index.
func PartPath(finalPath string, index int) string {
	return fmt.Sprintf("%s.part%d", finalPath, index)
}

// Partition splits size bytes into contiguous chunks of chunkSize, the last
// one holding the remainder.
func Partition(size, chunkSize int64, finalPath string) []*Chunk {
	if size <= 0 || chunkSize <= 0 {
		return nil
	}

	count := int((size + chunkSize - 1) / chunkSize)
	chunks := make([]*Chunk, 0, count)
	for i := 0; i < count; i++ {
		start := int64(i) * chunkSize
		end := start + chunkSize
		if end > size {
			end = size
		}
		chunks = append(chunks, &Chunk{
			Index: i,
			Start: start,
			End:   end,
			Path:  PartPath(finalPath, i),
		})
	}
	return chunks
}

// Job is one chunked upload.
type Job struct {
	Bucket      string
	ContentType string
	Body        io.ReaderAt
	Chunks      []*Chunk
	// ChunkTimeout bounds each chunk's single attempt.
	ChunkTimeout time.Duration
	// Concurrency bounds the chunks in flight. Falls back to Config.Concurrency.
	Concurrency int
}

// Hooks observe the job. They are called from worker goroutines.
type Hooks struct {
	OnChunkStart    func(c *Chunk)
	OnChunkProgress func(c *Chunk, transferred int64)
	// OnChunkDone receives the number of chunks completed so far.
	OnChunkDone func(c *Chunk, completed int)
}

// ChunkFailedError means the single attempt of a chunk failed, which fails
// the whole job.
type ChunkFailedError struct {
	Index int
	Cause error
}

func (e *ChunkFailedError) Error() string {
	return fmt.Sprintf("chunk %d failed: %v", e.Index, e.Cause)
}

func (e *ChunkFailedError) Unwrap() error {
	return e.Cause
}

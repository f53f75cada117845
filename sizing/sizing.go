// Package sizing decides how a file of a given size is transferred: whether
// it is split into chunks, how large the chunks are, how many run at once and
// how long each attempt may take.
package sizing

import (
	"time"

	"github.com/docker/go-units"
)

const (
	baseTimeout      = 30 * time.Second
	timeoutPerMB     = 5 * time.Second
	defaultCap       = 5 * time.Minute
	largeFileCap     = 10 * time.Minute
	veryLargeFileCap = 15 * time.Minute
	minChunkTimeout  = 2 * time.Minute

	largeFileThreshold     = 50 * units.MiB
	chunkingThreshold      = 100 * units.MiB
	veryLargeFileThreshold = 200 * units.MiB

	defaultChunkSize   = 5 * units.MiB
	largeChunkSize     = 10 * units.MiB
	veryLargeChunkSize = 20 * units.MiB

	defaultConcurrency = 3
	largeConcurrency   = 2
)

// Plan is the transfer decision for one file.
type Plan struct {
	Size       int64
	LargeAsset bool

	// Timeout is the deadline for one whole-file attempt.
	Timeout time.Duration

	Chunked      bool
	ChunkSize    int64
	ChunkCount   int
	ChunkTimeout time.Duration
	// Concurrency bounds the chunk transfers in flight.
	Concurrency int
}

// Classify builds the Plan for a file of size bytes.
func Classify(size int64, largeAsset bool) Plan {
	p := Plan{
		Size:       size,
		LargeAsset: largeAsset,
		Timeout:    Timeout(size, largeAsset),
		Chunked:    ShouldChunk(size, largeAsset),
	}
	if !p.Chunked {
		return p
	}

	p.ChunkSize = ChunkSize(size)
	p.ChunkCount = ChunkCount(size, p.ChunkSize)
	p.ChunkTimeout = ChunkTimeout(p.Timeout, p.ChunkCount)
	p.Concurrency = Concurrency(size)
	return p
}

// Timeout is 30s plus 5s per MiB, capped by size tier.
func Timeout(size int64, largeAsset bool) time.Duration {
	perMB := time.Duration(float64(timeoutPerMB) * float64(size) / float64(units.MiB))
	t := baseTimeout + perMB

	if c := timeoutCap(size, largeAsset); t > c {
		t = c
	}
	return t
}

func timeoutCap(size int64, largeAsset bool) time.Duration {
	switch {
	case size > veryLargeFileThreshold, largeAsset && size > largeFileThreshold:
		return veryLargeFileCap
	case size > largeFileThreshold:
		return largeFileCap
	default:
		return defaultCap
	}
}

// ShouldChunk ...
func ShouldChunk(size int64, largeAsset bool) bool {
	return size > chunkingThreshold || (largeAsset && size > largeFileThreshold)
}

// ChunkSize grows with the file to keep the request count down.
func ChunkSize(size int64) int64 {
	switch {
	case size > veryLargeFileThreshold:
		return veryLargeChunkSize
	case size > chunkingThreshold:
		return largeChunkSize
	default:
		return defaultChunkSize
	}
}

// ChunkCount is ceil(size / chunkSize).
func ChunkCount(size, chunkSize int64) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((size + chunkSize - 1) / chunkSize)
}

// ChunkTimeout splits the total budget across chunks, with a 2 minute floor.
func ChunkTimeout(total time.Duration, chunkCount int) time.Duration {
	if chunkCount <= 0 {
		return total
	}
	t := total / time.Duration(chunkCount)
	if t < minChunkTimeout {
		return minChunkTimeout
	}
	return t
}

// Concurrency ...
func Concurrency(size int64) int {
	if size > chunkingThreshold {
		return largeConcurrency
	}
	return defaultConcurrency
}

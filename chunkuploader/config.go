package chunkuploader

// Config holds configuration for the chunk uploader.
type Config struct {
	// Concurrency is the default maximum number of parallel chunk uploads,
	// used when a Job does not set its own.
	// Default: 3
	Concurrency int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency: 3,
	}
}

package upload

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-objectupload/transfer"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/docker/go-units"
)

// FinalizeMode selects how chunk objects are turned into the final object.
type FinalizeMode string

const (
	// FinalizeConcatenate composes every chunk, in index order, into the
	// final object. The store must support ComposeObject.
	FinalizeConcatenate FinalizeMode = "concatenate"
	// FinalizeFirstPart copies only chunk 0 to the final path. It matches
	// the behaviour of older clients and does not produce the full file.
	FinalizeFirstPart FinalizeMode = "first-part"
)

// Environment keys read by ConfigFromEnv.
const (
	MaxRetriesEnvKey         = "OBJUPLOAD_MAX_RETRIES"
	BaseBackoffEnvKey        = "OBJUPLOAD_BASE_BACKOFF"
	FinalizeModeEnvKey       = "OBJUPLOAD_FINALIZE_MODE"
	LargeAssetPatternsEnvKey = "OBJUPLOAD_LARGE_ASSET_PATTERNS"
	CleanupRetriesEnvKey     = "OBJUPLOAD_CLEANUP_RETRIES"
	CleanupTimeoutEnvKey     = "OBJUPLOAD_CLEANUP_TIMEOUT"
)

// Config holds configuration for the Uploader.
type Config struct {
	// MaxRetries is the total number of attempts for a whole-file upload.
	// Default: 3
	MaxRetries int

	// BaseBackoff is the wait after the first failed whole-file attempt;
	// it doubles after each further failure.
	// Default: 1 second
	BaseBackoff time.Duration

	// FinalizeMode selects how chunk objects are turned into the final object.
	// Default: FinalizeConcatenate
	FinalizeMode FinalizeMode

	// LargeAssetPatterns are doublestar globs. A target path matching any
	// of them is treated as a large asset even if the request doesn't say so.
	// Default: stems/**
	LargeAssetPatterns []string

	// CleanupRetries is how many times a failed chunk cleanup is retried.
	// Default: 2
	CleanupRetries uint

	// CleanupRetryWait is the wait between cleanup attempts. The wait is not
	// cut short by CleanupTimeout, so it must be shorter than it.
	// Default: 1 second
	CleanupRetryWait time.Duration

	// CleanupTimeout bounds the whole cleanup step. Cleanup runs even when
	// the session's context was cancelled.
	// Default: 1 minute
	CleanupTimeout time.Duration

	// BucketRules restricts uploads per bucket, keyed by bucket name.
	// Default: covers and avatars accept images up to 5 MiB
	BucketRules map[string]BucketRule
}

// BucketRule restricts what may be uploaded to a bucket.
type BucketRule struct {
	// ContentTypePrefix, if set, must prefix the resolved content type.
	ContentTypePrefix string
	// MaxSize, if positive, is the largest accepted size in bytes.
	MaxSize int64
}

func (r BucketRule) check(contentType string, size int64) error {
	if r.ContentTypePrefix != "" && !strings.HasPrefix(contentType, r.ContentTypePrefix) {
		return &ValidationError{Field: "content_type", Reason: fmt.Sprintf("%s is not accepted, must be %s*", contentType, r.ContentTypePrefix)}
	}
	if r.MaxSize > 0 && size > r.MaxSize {
		return &ValidationError{Field: "size", Reason: fmt.Sprintf("must be at most %s", units.BytesSize(float64(r.MaxSize)))}
	}
	return nil
}

func defaultBucketRules() map[string]BucketRule {
	image := BucketRule{ContentTypePrefix: "image/", MaxSize: 5 * units.MiB}
	return map[string]BucketRule{
		"covers":  image,
		"avatars": image,
	}
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:         transfer.DefaultMaxAttempts,
		BaseBackoff:        transfer.DefaultBaseBackoff,
		FinalizeMode:       FinalizeConcatenate,
		LargeAssetPatterns: []string{"stems/**"},
		CleanupRetries:     2,
		CleanupRetryWait:   time.Second,
		CleanupTimeout:     time.Minute,
		BucketRules:        defaultBucketRules(),
	}
}

// ConfigFromEnv starts from DefaultConfig and applies the OBJUPLOAD_*
// variables that are set.
func ConfigFromEnv(envRepo env.Repository) (Config, error) {
	config := DefaultConfig()

	if v := envRepo.Get(MaxRetriesEnvKey); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Config{}, fmt.Errorf("invalid %s: %q, must be a positive integer", MaxRetriesEnvKey, v)
		}
		config.MaxRetries = n
	}

	if v := envRepo.Get(BaseBackoffEnvKey); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, fmt.Errorf("invalid %s: %q", BaseBackoffEnvKey, v)
		}
		config.BaseBackoff = d
	}

	if v := envRepo.Get(FinalizeModeEnvKey); v != "" {
		mode := FinalizeMode(strings.ToLower(strings.TrimSpace(v)))
		if mode != FinalizeConcatenate && mode != FinalizeFirstPart {
			return Config{}, fmt.Errorf("invalid %s: %q, must be one of %s, %s", FinalizeModeEnvKey, v, FinalizeConcatenate, FinalizeFirstPart)
		}
		config.FinalizeMode = mode
	}

	if v := envRepo.Get(LargeAssetPatternsEnvKey); v != "" {
		var patterns []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				patterns = append(patterns, p)
			}
		}
		config.LargeAssetPatterns = patterns
	}

	if v := envRepo.Get(CleanupRetriesEnvKey); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil || n < 1 {
			return Config{}, fmt.Errorf("invalid %s: %q, must be a positive integer", CleanupRetriesEnvKey, v)
		}
		config.CleanupRetries = uint(n)
	}

	if v := envRepo.Get(CleanupTimeoutEnvKey); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("invalid %s: %q", CleanupTimeoutEnvKey, v)
		}
		config.CleanupTimeout = d
	}

	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// Validate checks the settings that cannot be fixed up with defaults.
func (c Config) Validate() error {
	if c.FinalizeMode != FinalizeConcatenate && c.FinalizeMode != FinalizeFirstPart {
		return fmt.Errorf("unknown finalize mode: %q", c.FinalizeMode)
	}
	if c.CleanupTimeout > 0 && c.CleanupRetryWait >= c.CleanupTimeout {
		return fmt.Errorf("cleanup retry wait (%s) must be shorter than the cleanup timeout (%s)", c.CleanupRetryWait, c.CleanupTimeout)
	}
	for bucket, rule := range c.BucketRules {
		if rule.MaxSize < 0 {
			return fmt.Errorf("invalid max size for bucket %s: %d", bucket, rule.MaxSize)
		}
	}
	for _, p := range c.LargeAssetPatterns {
		if _, err := doublestar.Match(p, ""); err != nil {
			return fmt.Errorf("invalid large asset pattern %q: %w", p, err)
		}
	}
	return nil
}

func (c Config) isLargeAssetPath(path string) bool {
	for _, p := range c.LargeAssetPatterns {
		if ok, _ := doublestar.Match(p, path); ok {
			return true
		}
	}
	return false
}

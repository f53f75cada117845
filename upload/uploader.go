// Package upload orchestrates uploads of large files to object storage.
//
// Small files are sent in one request, retried with exponential backoff.
// Large files are split into chunks that are uploaded concurrently as
// temporary objects, then assembled into the final object, after which the
// temporary objects are removed.
package upload

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/bitrise-io/go-objectupload/chunkuploader"
	"github.com/bitrise-io/go-objectupload/objectstore"
	"github.com/bitrise-io/go-objectupload/progress"
	"github.com/bitrise-io/go-objectupload/sizing"
	"github.com/bitrise-io/go-objectupload/transfer"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
)

// Uploader uploads files to a Store. It holds no per-upload state and is
// safe for concurrent use.
type Uploader struct {
	// Events, if set, receives the events of every session in addition to
	// Request.OnEvent.
	Events EventFunc

	store     objectstore.Store
	config    Config
	logger    log.Logger
	executor  *transfer.Executor
	assembler *assembler

	// sleep replaces the backoff wait in tests.
	sleep transfer.SleepFunc
}

// New creates an Uploader. Zero fields of config fall back to DefaultConfig.
// A non-nil empty BucketRules disables the per-bucket rules.
func New(store objectstore.Store, config Config, logger log.Logger) *Uploader {
	config = withDefaults(config)
	return &Uploader{
		store:     store,
		config:    config,
		logger:    logger,
		executor:  transfer.NewExecutor(store, logger),
		assembler: &assembler{store: store, config: config, logger: logger},
	}
}

func withDefaults(config Config) Config {
	defaults := DefaultConfig()
	if config.MaxRetries < 1 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.BaseBackoff <= 0 {
		config.BaseBackoff = defaults.BaseBackoff
	}
	if config.FinalizeMode == "" {
		config.FinalizeMode = defaults.FinalizeMode
	}
	if config.LargeAssetPatterns == nil {
		config.LargeAssetPatterns = defaults.LargeAssetPatterns
	}
	if config.CleanupRetries == 0 {
		config.CleanupRetries = defaults.CleanupRetries
	}
	if config.CleanupRetryWait <= 0 {
		config.CleanupRetryWait = defaults.CleanupRetryWait
	}
	if config.CleanupTimeout <= 0 {
		config.CleanupTimeout = defaults.CleanupTimeout
	}
	if config.BucketRules == nil {
		config.BucketRules = defaults.BucketRules
	}
	return config
}

// Upload uploads req and returns the object's public URL. The error is one
// of ValidationError, NetworkError, HTTPError, TimeoutError,
// ChunkFailedError, AssemblyError or the context's error.
func (u *Uploader) Upload(ctx context.Context, req Request) (string, error) {
	if req.isPassthrough() {
		if err := validateExistingURL(req.ExistingURL); err != nil {
			return "", err
		}
		u.logger.Debugf("%s is already uploaded", req.ExistingURL)
		return req.ExistingURL, nil
	}

	session, err := u.NewSession(req)
	if err != nil {
		return "", err
	}
	return session.Run(ctx)
}

// NewSession validates req and plans the upload without starting it.
func (u *Uploader) NewSession(req Request) (*Session, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	contentType := resolveContentType(req)
	if rule, ok := u.config.BucketRules[req.Bucket]; ok {
		if err := rule.check(contentType, req.Size); err != nil {
			return nil, err
		}
	}

	largeAsset := req.LargeAsset || u.config.isLargeAssetPath(req.Path)
	plan := sizing.Classify(req.Size, largeAsset)

	s := &Session{
		ID:          uuid.NewString(),
		uploader:    u,
		req:         req,
		contentType: contentType,
		plan:        plan,
		progress:    progress.NewAggregator(req.Size, transferBand, req.OnProgress),
		state:       StateInitializing,
	}
	if plan.Chunked {
		s.chunks = chunkuploader.Partition(req.Size, plan.ChunkSize, req.Path)
	}
	return s, nil
}

// DeleteByURL removes the object behind a public URL returned by Upload.
func (u *Uploader) DeleteByURL(ctx context.Context, bucket, objectURL string) error {
	objectPath, err := u.pathFromURL(bucket, objectURL)
	if err != nil {
		return err
	}

	if err := u.store.DeleteObjects(ctx, bucket, []string{objectPath}); err != nil {
		return fmt.Errorf("delete %s/%s: %w", bucket, objectPath, err)
	}
	u.logger.Debugf("Deleted %s/%s", bucket, objectPath)
	return nil
}

func (u *Uploader) pathFromURL(bucket, objectURL string) (string, error) {
	prefix := u.store.PublicURL(bucket, "")
	if strings.HasPrefix(objectURL, prefix) {
		if objectPath := strings.TrimPrefix(objectURL, prefix); validatePath(objectPath) == nil {
			return objectPath, nil
		}
	}

	// URLs from elsewhere: the object is named by the last path segment.
	parsed, err := url.Parse(objectURL)
	if err != nil || parsed.Path == "" {
		return "", &ValidationError{Field: "url", Reason: fmt.Sprintf("cannot find an object path in %q", objectURL)}
	}
	objectPath := path.Base(parsed.Path)
	if err := validatePath(objectPath); err != nil {
		return "", &ValidationError{Field: "url", Reason: fmt.Sprintf("cannot find an object path in %q", objectURL)}
	}
	return objectPath, nil
}

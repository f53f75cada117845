// Package s3store implements objectstore.Store on Amazon S3 and S3
// compatible services.
package s3store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/bitrise-io/go-objectupload/objectstore"
	"github.com/bitrise-io/go-utils/v2/log"
)

const partSizeMB = 10

// Config ...
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint overrides the S3 endpoint (path style addressing is used).
	Endpoint string
	// PublicBaseURL prefixes public object URLs. Defaults to the virtual
	// hosted style AWS URL of the bucket.
	PublicBaseURL string
}

// API is the subset of the S3 client the store needs.
type API interface {
	manager.UploadAPIClient
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	UploadPartCopy(ctx context.Context, params *s3.UploadPartCopyInput, optFns ...func(*s3.Options)) (*s3.UploadPartCopyOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// Store ...
type Store struct {
	client API
	config Config
	logger log.Logger
}

// New loads AWS credentials and builds a Store.
func New(ctx context.Context, config Config, logger log.Logger) (*Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(config.Region))

	if config.AccessKeyID != "" && config.SecretAccessKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(config.AccessKeyID, config.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if config.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(config.Endpoint)
			o.UsePathStyle = true
		})
	}

	return NewWithClient(s3.NewFromConfig(awsCfg, s3Opts...), config, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client API, config Config, logger log.Logger) *Store {
	return &Store{client: client, config: config, logger: logger}
}

// PutObject uploads the body with the transfer manager.
func (s *Store) PutObject(ctx context.Context, in objectstore.PutInput) (string, error) {
	op := fmt.Sprintf("put %s/%s", in.Bucket, in.Path)

	uploader := manager.NewUploader(s.client, func(u *manager.Uploader) {
		u.PartSize = partSizeMB * 1024 * 1024
		u.Concurrency = 1
	}, manager.WithUploaderRequestOptions(singleAttempt))

	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Body:          objectstore.NewProgressReader(in.Body, in.Size, in.Progress),
		Bucket:        aws.String(in.Bucket),
		Key:           aws.String(in.Path),
		ContentType:   aws.String(in.ContentType),
		ContentLength: aws.Int64(in.Size),
	})
	if err != nil {
		return "", classify(op, err)
	}

	return s.PublicURL(in.Bucket, in.Path), nil
}

// singleAttempt disables the SDK retryer. Retries of object writes belong to
// the caller.
func singleAttempt(o *s3.Options) {
	o.RetryMaxAttempts = 1
}

// CopyObject performs a server-side copy.
func (s *Store) CopyObject(ctx context.Context, bucket, srcPath, dstPath string) error {
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(bucket),
		Key:        aws.String(dstPath),
		CopySource: aws.String(copySource(bucket, srcPath)),
	})
	if err != nil {
		return classify("copy "+srcPath, err)
	}
	return nil
}

// ComposeObject builds dstPath from srcPaths with a multipart upload whose
// parts are server-side copies. Every source but the last must be at least
// 5 MiB, which holds for the chunk sizes the uploader uses.
func (s *Store) ComposeObject(ctx context.Context, bucket, dstPath string, srcPaths []string, contentType string) error {
	op := "compose " + dstPath
	if len(srcPaths) == 0 {
		return fmt.Errorf("%s: no sources", op)
	}

	created, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(dstPath),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return classify(op, err)
	}
	uploadID := created.UploadId

	parts := make([]types.CompletedPart, 0, len(srcPaths))
	for i, src := range srcPaths {
		partNumber := int32(i + 1)
		out, err := s.client.UploadPartCopy(ctx, &s3.UploadPartCopyInput{
			Bucket:     aws.String(bucket),
			Key:        aws.String(dstPath),
			UploadId:   uploadID,
			PartNumber: aws.Int32(partNumber),
			CopySource: aws.String(copySource(bucket, src)),
		})
		if err != nil {
			s.abort(bucket, dstPath, uploadID)
			return classify(fmt.Sprintf("%s: copy part %d", op, partNumber), err)
		}
		var etag *string
		if out.CopyPartResult != nil {
			etag = out.CopyPartResult.ETag
		}
		parts = append(parts, types.CompletedPart{ETag: etag, PartNumber: aws.Int32(partNumber)})
	}

	_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(bucket),
		Key:             aws.String(dstPath),
		UploadId:        uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		s.abort(bucket, dstPath, uploadID)
		return classify(op, err)
	}
	return nil
}

func (s *Store) abort(bucket, key string, uploadID *string) {
	_, err := s.client.AbortMultipartUpload(context.Background(), &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		UploadId: uploadID,
	})
	if err != nil {
		s.logger.Warnf("Failed to abort multipart upload for %s: %s", key, err)
	}
}

// DeleteObjects removes the paths in a single quiet batch request.
func (s *Store) DeleteObjects(ctx context.Context, bucket string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	ids := make([]types.ObjectIdentifier, 0, len(paths))
	for _, p := range paths {
		ids = append(ids, types.ObjectIdentifier{Key: aws.String(p)})
	}

	out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(bucket),
		Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
	})
	if err != nil {
		failed := map[string]error{}
		for _, p := range paths {
			failed[p] = classify("delete "+p, err)
		}
		return &objectstore.DeleteError{Failed: failed}
	}

	if len(out.Errors) == 0 {
		return nil
	}
	failed := map[string]error{}
	for _, e := range out.Errors {
		failed[aws.ToString(e.Key)] = fmt.Errorf("%s: %s", aws.ToString(e.Code), aws.ToString(e.Message))
	}
	return &objectstore.DeleteError{Failed: failed}
}

// PublicURL ...
func (s *Store) PublicURL(bucket, path string) string {
	if s.config.PublicBaseURL != "" {
		return fmt.Sprintf("%s/%s", strings.TrimSuffix(s.config.PublicBaseURL, "/"), path)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", bucket, s.config.Region, path)
}

func copySource(bucket, key string) string {
	return url.PathEscape(bucket) + "/" + strings.ReplaceAll(url.PathEscape(key), "%2F", "/")
}

// classify maps SDK errors onto the objectstore error kinds.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &objectstore.NetworkError{Op: op, Err: err}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() > 0 {
		return &objectstore.HTTPError{Op: op, StatusCode: respErr.HTTPStatusCode(), Body: err.Error()}
	}
	return &objectstore.NetworkError{Op: op, Err: err}
}

// Package httpstore implements objectstore.Store on top of a storage REST
// API (object write, copy, delete and public URLs under /storage/v1).
package httpstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"strings"

	"github.com/bitrise-io/go-objectupload/objectstore"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

const defaultCacheControl = "3600"

type copyRequest struct {
	BucketID       string `json:"bucketId"`
	SourceKey      string `json:"sourceKey"`
	DestinationKey string `json:"destinationKey"`
}

type deleteRequest struct {
	Prefixes []string `json:"prefixes"`
}

type deletedObject struct {
	Name string `json:"name"`
}

type composeRequest struct {
	Bucket      string   `json:"bucket"`
	Destination string   `json:"destination"`
	Sources     []string `json:"sources"`
	ContentType string   `json:"content_type"`
}

// Client talks to the storage REST API.
type Client struct {
	config      Config
	httpClient  *http.Client
	apiClient   *retryablehttp.Client
	credentials objectstore.Credentials
	logger      log.Logger
}

// New creates a Client. Object writes go through a plain HTTP client (one
// attempt per call); copy, delete and compose go through a retrying client.
func New(config Config, credentials objectstore.Credentials, logger log.Logger) *Client {
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = DefaultHTTPClient()
	}
	if config.CacheControl == "" {
		config.CacheControl = defaultCacheControl
	}
	config.BaseURL = strings.TrimSuffix(config.BaseURL, "/")

	return &Client{
		config:      config,
		httpClient:  httpClient,
		apiClient:   retryhttp.NewClient(logger),
		credentials: credentials,
		logger:      logger,
	}
}

func (c *Client) objectURL(bucket, path string) string {
	return fmt.Sprintf("%s/storage/v1/object/%s/%s", c.config.BaseURL, bucket, path)
}

// PublicURL ...
func (c *Client) PublicURL(bucket, path string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", c.config.BaseURL, bucket, path)
}

// PutObject sends the body in a single POST. Progress is reported as the
// transport consumes the body.
func (c *Client) PutObject(ctx context.Context, in objectstore.PutInput) (string, error) {
	op := fmt.Sprintf("put %s/%s", in.Bucket, in.Path)
	body := objectstore.NewProgressReader(in.Body, in.Size, in.Progress)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.objectURL(in.Bucket, in.Path), body)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.ContentLength = in.Size
	if err := c.setHeaders(ctx, req.Header); err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", in.ContentType)
	req.Header.Set("Cache-Control", c.config.CacheControl)
	req.Header.Set("x-upsert", "true")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &objectstore.NetworkError{Op: op, Err: err}
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", unwrapError(op, resp)
	}

	return c.PublicURL(in.Bucket, in.Path), nil
}

// CopyObject ...
func (c *Client) CopyObject(ctx context.Context, bucket, srcPath, dstPath string) error {
	url := fmt.Sprintf("%s/storage/v1/object/copy", c.config.BaseURL)
	_, err := c.doJSON(ctx, http.MethodPost, url, copyRequest{
		BucketID:       bucket,
		SourceKey:      srcPath,
		DestinationKey: dstPath,
	}, "copy "+srcPath)
	return err
}

// ComposeObject posts to the configured compose endpoint.
func (c *Client) ComposeObject(ctx context.Context, bucket, dstPath string, srcPaths []string, contentType string) error {
	if c.config.ComposeURL == "" {
		return objectstore.ErrComposeUnsupported
	}
	_, err := c.doJSON(ctx, http.MethodPost, c.config.ComposeURL, composeRequest{
		Bucket:      bucket,
		Destination: dstPath,
		Sources:     srcPaths,
		ContentType: contentType,
	}, "compose "+dstPath)
	return err
}

// DeleteObjects removes the paths in one request. Paths missing from the
// response are reported as failed.
func (c *Client) DeleteObjects(ctx context.Context, bucket string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	url := fmt.Sprintf("%s/storage/v1/object/%s", c.config.BaseURL, bucket)
	respBody, err := c.doJSON(ctx, http.MethodDelete, url, deleteRequest{Prefixes: paths}, "delete")
	if err != nil {
		failed := map[string]error{}
		for _, p := range paths {
			failed[p] = err
		}
		return &objectstore.DeleteError{Failed: failed}
	}

	var deleted []deletedObject
	if err := json.Unmarshal(respBody, &deleted); err != nil {
		// Some deployments answer with an empty body; treat the batch as done.
		c.logger.Debugf("Delete response is not a list: %s", err)
		return nil
	}
	// Deleting an object that never existed is not reported back either, so
	// only a non-empty listing is trusted.
	if len(deleted) == 0 {
		return nil
	}
	removed := map[string]bool{}
	for _, d := range deleted {
		removed[d.Name] = true
	}
	failed := map[string]error{}
	for _, p := range paths {
		if !removed[p] {
			failed[p] = errors.New("not acknowledged by server")
		}
	}
	if len(failed) > 0 {
		return &objectstore.DeleteError{Failed: failed}
	}
	return nil
}

var redactedHeaders = []string{"Authorization", "apikey"}

// dumpRequest dumps req with its credential headers masked.
func dumpRequest(req *http.Request) (string, error) {
	saved := map[string]string{}
	for _, h := range redactedHeaders {
		if v := req.Header.Get(h); v != "" {
			saved[h] = v
			req.Header.Set(h, "[REDACTED]")
		}
	}
	defer func() {
		for h, v := range saved {
			req.Header.Set(h, v)
		}
	}()

	dump, err := httputil.DumpRequest(req, true)
	return string(dump), err
}

func (c *Client) doJSON(ctx context.Context, method, url string, payload interface{}, op string) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if err := c.setHeaders(ctx, req.Header); err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	dump, err := dumpRequest(req.Request)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
	}
	c.logger.Debugf("Request dump: %s", dump)

	resp, err := c.apiClient.Do(req)
	if err != nil {
		return nil, &objectstore.NetworkError{Op: op, Err: err}
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, unwrapError(op, resp)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &objectstore.NetworkError{Op: op, Err: err}
	}
	return respBody, nil
}

func (c *Client) setHeaders(ctx context.Context, h http.Header) error {
	if c.credentials != nil {
		token, err := c.credentials.Token(ctx)
		if err != nil {
			return fmt.Errorf("get access token: %w", err)
		}
		if token != "" {
			h.Set("Authorization", fmt.Sprintf("Bearer %s", token))
		}
	}
	h.Set("apikey", c.config.APIKey)
	return nil
}

func (c *Client) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		c.logger.Warnf("close response body: %s", err)
	}
}

func unwrapError(op string, resp *http.Response) error {
	errorResp, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return &objectstore.HTTPError{Op: op, StatusCode: resp.StatusCode}
	}
	return &objectstore.HTTPError{Op: op, StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(errorResp))}
}

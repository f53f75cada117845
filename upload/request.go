package upload

import (
	"io"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-objectupload/progress"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

const defaultContentType = "application/octet-stream"

var contentTypesByExtension = map[string]string{
	// images
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
	"svg":  "image/svg+xml",
	// audio
	"mp3": "audio/mpeg",
	"wav": "audio/wav",
	"m4a": "audio/mp4",
	"aac": "audio/aac",
	"ogg": "audio/ogg",
	// archives
	"zip": "application/zip",
	// documents
	"pdf":  "application/pdf",
	"doc":  "application/msword",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

// Request describes one logical upload.
type Request struct {
	Body   io.ReaderAt
	Size   int64
	Bucket string
	// Path is the final object path inside Bucket, without a leading slash.
	Path string

	// ContentType is optional. When empty it is derived from FileName or Path,
	// then from the first bytes of Body.
	ContentType string
	// FileName is the caller's name for the file, used only for the
	// content type lookup.
	FileName string

	// LargeAsset selects the large asset timeout and chunking tiers. Paths
	// matching Config.LargeAssetPatterns are large assets as well.
	LargeAsset bool

	// OnProgress receives non-decreasing percentages in [0, 100]. It may be
	// called from several goroutines, but never concurrently.
	OnProgress progress.Sink
	// OnEvent receives lifecycle events of this upload.
	OnEvent EventFunc

	// ExistingURL marks content that is already stored. A request with an
	// ExistingURL and no Body returns the URL without uploading.
	ExistingURL string
}

// NewRequest creates a Request reading from src.
func NewRequest(src Source, bucket, path string) Request {
	req := Request{
		Body:   src,
		Size:   src.Size(),
		Bucket: bucket,
		Path:   path,
	}
	if named, ok := src.(interface{ Name() string }); ok {
		req.FileName = named.Name()
	}
	return req
}

// NewObjectPath returns a collision free object path for fileName inside dir:
// <dir>/<uuid>.<ext>.
func NewObjectPath(dir, fileName string) string {
	name := uuid.NewString()
	if ext := strings.TrimPrefix(filepath.Ext(fileName), "."); ext != "" {
		name += "." + ext
	}

	dir = strings.Trim(dir, "/")
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

func (r Request) isPassthrough() bool {
	return r.Body == nil && r.ExistingURL != ""
}

func validateExistingURL(raw string) error {
	if strings.HasPrefix(strings.ToLower(raw), "data:") {
		return &ValidationError{Field: "existing url", Reason: "data URLs are not stored objects"}
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return &ValidationError{Field: "existing url", Reason: "must be an absolute URL"}
	}
	return nil
}

func (r Request) validate() error {
	if r.Bucket == "" {
		return &ValidationError{Field: "bucket", Reason: "must not be empty"}
	}
	if err := validatePath(r.Path); err != nil {
		return err
	}
	if r.Body == nil {
		return &ValidationError{Field: "body", Reason: "must not be nil"}
	}
	if r.Size <= 0 {
		return &ValidationError{Field: "size", Reason: "file is empty"}
	}
	return nil
}

func validatePath(path string) error {
	switch {
	case path == "":
		return &ValidationError{Field: "path", Reason: "must not be empty"}
	case strings.HasPrefix(path, "/"):
		return &ValidationError{Field: "path", Reason: "must be relative to the bucket"}
	case strings.HasSuffix(path, "/"):
		return &ValidationError{Field: "path", Reason: "must name an object, not a folder"}
	}
	for _, segment := range strings.Split(path, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return &ValidationError{Field: "path", Reason: "must not contain empty, . or .. segments"}
		}
	}
	return nil
}

func resolveContentType(r Request) string {
	if r.ContentType != "" {
		return r.ContentType
	}
	for _, name := range []string{r.FileName, r.Path} {
		ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
		if contentType, ok := contentTypesByExtension[ext]; ok {
			return contentType
		}
	}
	if r.Body != nil && r.Size > 0 {
		if mtype, err := mimetype.DetectReader(io.NewSectionReader(r.Body, 0, r.Size)); err == nil {
			return mtype.String()
		}
	}
	return defaultContentType
}

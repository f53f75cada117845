package upload

import (
	"fmt"
	"strings"

	"github.com/bitrise-io/go-objectupload/chunkuploader"
	"github.com/bitrise-io/go-objectupload/objectstore"
)

// Transfer and chunk failures keep the types of the packages that produce them.
type (
	NetworkError     = objectstore.NetworkError
	HTTPError        = objectstore.HTTPError
	TimeoutError     = objectstore.TimeoutError
	ChunkFailedError = chunkuploader.ChunkFailedError
)

// ValidationError means the request was rejected before any transfer.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid upload request: %s: %s", e.Field, e.Reason)
}

// AssemblyError means every chunk was uploaded but the final object could not
// be produced from them.
type AssemblyError struct {
	Mode FinalizeMode
	Path string
	Err  error
}

func (e *AssemblyError) Error() string {
	return fmt.Sprintf("assemble %s (%s): %v", e.Path, e.Mode, e.Err)
}

func (e *AssemblyError) Unwrap() error {
	return e.Err
}

// CleanupWarning reports chunk objects that could not be removed. It is only
// logged and emitted as an event, never returned from Upload.
type CleanupWarning struct {
	Paths []string
	Err   error
}

func (e *CleanupWarning) Error() string {
	return fmt.Sprintf("cleanup of %d chunk object(s) failed (%s): %v", len(e.Paths), strings.Join(e.Paths, ", "), e.Err)
}

func (e *CleanupWarning) Unwrap() error {
	return e.Err
}

package upload

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Source is a file-like body that can be read at arbitrary offsets, so that
// chunks and retried attempts can re-read their range.
type Source interface {
	io.ReaderAt
	Size() int64
}

// FileSource reads from a file on disk. ReadAt is safe for concurrent use.
type FileSource struct {
	file *os.File
	size int64
}

// OpenFile opens path as a Source. The caller closes it after the upload.
func OpenFile(path string) (*FileSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		_ = file.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}

	return &FileSource{file: file, size: info.Size()}, nil
}

// ReadAt ...
func (s *FileSource) ReadAt(p []byte, off int64) (int, error) {
	return s.file.ReadAt(p, off)
}

// Size ...
func (s *FileSource) Size() int64 {
	return s.size
}

// Name returns the base name of the file.
func (s *FileSource) Name() string {
	return filepath.Base(s.file.Name())
}

// Close closes the underlying file.
func (s *FileSource) Close() error {
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// Bytes wraps an in-memory buffer. The slice must not be modified while an
// upload reads from it.
func Bytes(b []byte) Source {
	return bytes.NewReader(b)
}

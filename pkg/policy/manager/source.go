package manager

import (
	"context"
	"fmt"
	"os"
	"unicode/utf8"
)

// MaxDocumentSize bounds policy documents read from any source.
const MaxDocumentSize = 4 * 1024 * 1024

// Source yields the raw bytes of the policy document. Origin identifies
// what was read (a path, a commit) for logs and Info.
type Source interface {
	Read(ctx context.Context) (data []byte, origin string, err error)
}

// FileSource reads the policy document from a path on disk.
type FileSource struct {
	Path string
}

// NewFileSource creates a source for path.
func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

// Read loads the file, rejecting oversized or non-UTF-8 content.
func (s *FileSource) Read(_ context.Context) ([]byte, string, error) {
	return readPolicyFile(s.Path)
}

func readPolicyFile(path string) ([]byte, string, error) {
	info, err := os.Stat(path)
	if err != nil {
		switch {
		case os.IsNotExist(err):
			return nil, path, &LoadError{Source: path, Message: "file not found", Cause: err}
		case os.IsPermission(err):
			return nil, path, &LoadError{Source: path, Message: "permission denied", Cause: err}
		default:
			return nil, path, &LoadError{Source: path, Message: "failed to access file", Cause: err}
		}
	}

	if !info.Mode().IsRegular() {
		return nil, path, &LoadError{Source: path, Message: "not a regular file"}
	}

	if info.Size() > MaxDocumentSize {
		return nil, path, &LoadError{
			Source:  path,
			Message: fmt.Sprintf("file size %d bytes exceeds maximum %d bytes", info.Size(), MaxDocumentSize),
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, path, &LoadError{Source: path, Message: "failed to read file", Cause: err}
	}

	if !utf8.Valid(data) {
		return nil, path, &LoadError{Source: path, Message: "file contains invalid UTF-8 encoding"}
	}

	return data, path, nil
}

// BytesSource serves a fixed in-memory document.
type BytesSource struct {
	Data   []byte
	Origin string
}

// Read returns the stored document.
func (s *BytesSource) Read(_ context.Context) ([]byte, string, error) {
	origin := s.Origin
	if origin == "" {
		origin = "inline"
	}
	return s.Data, origin, nil
}

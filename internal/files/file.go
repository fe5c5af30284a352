// Package files holds the read-only representation of an incoming upload and
// the errors raised while validating it.
package files

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const DefaultMimeType = "application/octet-stream"

// File is an uploaded file as seen by the pipeline. It is created by the
// transport layer or the remote fetcher and never mutated afterwards.
type File struct {
	name     string
	mimeType string
	size     int64
	path     string
	data     []byte
	temp     bool
}

// FromBytes wraps in-memory content. An empty mimeType is sniffed from data.
func FromBytes(name string, data []byte, mimeType string) *File {
	if strings.TrimSpace(mimeType) == "" {
		mimeType = Detect(data)
	}
	return &File{
		name:     name,
		mimeType: normalizeMime(mimeType),
		size:     int64(len(data)),
		data:     data,
	}
}

// FromReader buffers r and behaves like FromBytes.
func FromReader(name string, r io.Reader, mimeType string) (*File, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &InvalidFileError{Name: name, MimeType: mimeType, Err: err}
	}
	return FromBytes(name, data, mimeType), nil
}

// FromPath references a file on disk. The caller keeps ownership of the path.
func FromPath(name, filePath, mimeType string) (*File, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return nil, &InvalidFileError{Name: name, MimeType: mimeType, Err: err}
	}
	if info.IsDir() {
		return nil, &InvalidFileError{Name: name, MimeType: mimeType, Err: fmt.Errorf("%s is a directory", filePath)}
	}
	if strings.TrimSpace(mimeType) == "" {
		mimeType, err = DetectFile(filePath)
		if err != nil {
			return nil, &InvalidFileError{Name: name, Err: err}
		}
	}
	if name == "" {
		name = path.Base(strings.ReplaceAll(filePath, "\\", "/"))
	}
	return &File{
		name:     name,
		mimeType: normalizeMime(mimeType),
		size:     info.Size(),
		path:     filePath,
	}, nil
}

// NewTemp references a temporary file owned by the pipeline; Cleanup removes it.
func NewTemp(name, filePath, mimeType string, size int64) *File {
	return &File{
		name:     name,
		mimeType: normalizeMime(mimeType),
		size:     size,
		path:     filePath,
		temp:     true,
	}
}

// Name is the client-provided file name.
func (f *File) Name() string { return f.name }

func (f *File) MimeType() string { return f.mimeType }

func (f *File) Size() int64 { return f.size }

// Path is the on-disk location, empty for in-memory files.
func (f *File) Path() string { return f.path }

// Extension returns the extension of the client name without the leading dot.
func (f *File) Extension() string {
	return strings.TrimPrefix(path.Ext(f.name), ".")
}

// GuessExtension returns the usual extension for the MIME type, without the
// leading dot, or "" when the type has none.
func (f *File) GuessExtension() string {
	detected := mimetype.Lookup(f.mimeType)
	if detected == nil {
		return ""
	}
	return strings.TrimPrefix(detected.Extension(), ".")
}

func (f *File) Open() (io.ReadCloser, error) {
	if f.path == "" {
		return io.NopCloser(bytes.NewReader(f.data)), nil
	}
	return os.Open(f.path)
}

func (f *File) Bytes() ([]byte, error) {
	if f.path == "" {
		return f.data, nil
	}
	return os.ReadFile(f.path)
}

// Cleanup removes the backing temp file. It is a no-op for caller-owned files.
func (f *File) Cleanup() error {
	if !f.temp || f.path == "" {
		return nil
	}
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Detect sniffs the MIME type of data without parameters.
func Detect(data []byte) string {
	return normalizeMime(mimetype.Detect(data).String())
}

func DetectFile(filePath string) (string, error) {
	detected, err := mimetype.DetectFile(filePath)
	if err != nil {
		return "", err
	}
	return normalizeMime(detected.String()), nil
}

func normalizeMime(value string) string {
	value, _, _ = strings.Cut(value, ";")
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return DefaultMimeType
	}
	return value
}

package files

import "fmt"

// DisallowedFileError is returned when the file's MIME type is blocked or not
// accepted by the selected configuration.
type DisallowedFileError struct {
	Name     string
	MimeType string
}

func (e *DisallowedFileError) Error() string {
	return fmt.Sprintf("file %q with mime-type %q is not allowed", e.Name, e.MimeType)
}

// InvalidFileError reports unreadable or undecodable content.
type InvalidFileError struct {
	Name     string
	MimeType string
	Err      error
}

func (e *InvalidFileError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("file %q (%s) is invalid", e.Name, e.MimeType)
	}
	return fmt.Sprintf("file %q (%s) is invalid: %v", e.Name, e.MimeType, e.Err)
}

func (e *InvalidFileError) Unwrap() error { return e.Err }

type RemoteFileError struct {
	URL string
	Err error
}

func (e *RemoteFileError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("unable to get file from %q", e.URL)
	}
	return fmt.Sprintf("unable to get file from %q: %v", e.URL, e.Err)
}

func (e *RemoteFileError) Unwrap() error { return e.Err }

type FileNotFoundError struct {
	Path string
	Err  error
}

func (e *FileNotFoundError) Error() string {
	return fmt.Sprintf("file %q not found", e.Path)
}

func (e *FileNotFoundError) Unwrap() error { return e.Err }

package uploader

import "github.com/matthewgall/uploader/internal/files"

// Result is the outcome of one upload. A failed write is reported through
// Succeeded and Err instead of an error return.
type Result struct {
	Succeeded     bool           `json:"succeeded"`
	File          *files.File    `json:"-"`
	OriginalName  string         `json:"original_name"`
	MimeType      string         `json:"mime_type"`
	Size          int64          `json:"size"`
	StoredSize    int64          `json:"stored_size"`
	Configuration string         `json:"configuration"`
	Disk          string         `json:"disk"`
	Subpath       string         `json:"subpath"`
	Name          string         `json:"name"`
	Path          string         `json:"path"`
	URL           string         `json:"url,omitempty"`
	Attributes    map[string]any `json:"attributes,omitempty"`
	Err           error          `json:"-"`
}

// Attribute returns the named attribute or def when it is missing.
func (r *Result) Attribute(key string, def any) any {
	if value, ok := r.Attributes[key]; ok {
		return value
	}
	return def
}

func (r *Result) Width() int {
	width, _ := r.Attribute("width", 0).(int)
	return width
}

func (r *Result) Height() int {
	height, _ := r.Attribute("height", 0).(int)
	return height
}

// ErrorMessage is the message of Err, empty on success.
func (r *Result) ErrorMessage() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

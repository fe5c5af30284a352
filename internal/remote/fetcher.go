// Package remote downloads files referenced by URL into temp files.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"golang.org/x/net/idna"

	"github.com/matthewgall/uploader/internal/files"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultMaxSize   = 32 * 1024 * 1024
	DefaultUserAgent = "uploader/1.0"
	tempPattern      = "s-down-"
)

var ErrTooLarge = errors.New("remote file exceeds size limit")

type Options struct {
	Client    *http.Client
	Timeout   time.Duration
	MaxSize   int64
	UserAgent string
	TempDir   string
	Logger    *slog.Logger
}

type Fetcher struct {
	client    *http.Client
	maxSize   int64
	userAgent string
	tempDir   string
	logger    *slog.Logger
}

func New(opts Options) *Fetcher {
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	maxSize := opts.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		client:    client,
		maxSize:   maxSize,
		userAgent: userAgent,
		tempDir:   opts.TempDir,
		logger:    logger,
	}
}

// Fetch downloads rawURL into a temp file. The returned file owns the temp
// file; callers release it with Cleanup.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*files.File, error) {
	target, err := NormalizeURL(rawURL)
	if err != nil {
		return nil, &files.RemoteFileError{URL: rawURL, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, &files.RemoteFileError{URL: rawURL, Err: err}
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &files.RemoteFileError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &files.RemoteFileError{URL: rawURL, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}
	if resp.ContentLength > f.maxSize {
		return nil, &files.RemoteFileError{URL: rawURL, Err: ErrTooLarge}
	}

	tmp, err := os.CreateTemp(f.tempDir, tempPattern)
	if err != nil {
		return nil, &files.RemoteFileError{URL: rawURL, Err: fmt.Errorf("creating temp file: %w", err)}
	}
	discard := func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}

	written, err := io.Copy(tmp, io.LimitReader(resp.Body, f.maxSize+1))
	if err != nil {
		discard()
		return nil, &files.RemoteFileError{URL: rawURL, Err: fmt.Errorf("reading body: %w", err)}
	}
	if written > f.maxSize {
		discard()
		return nil, &files.RemoteFileError{URL: rawURL, Err: ErrTooLarge}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return nil, &files.RemoteFileError{URL: rawURL, Err: err}
	}

	mimeType, err := files.DetectFile(tmp.Name())
	if err != nil || mimeType == files.DefaultMimeType {
		if header := resp.Header.Get("Content-Type"); header != "" {
			mimeType = header
		}
	}

	name := FileName(resp.Header.Get("Content-Disposition"), target)
	f.logger.DebugContext(ctx, "remote file fetched",
		slog.String("url", target.String()),
		slog.String("name", name),
		slog.Int64("bytes", written))

	return files.NewTemp(name, tmp.Name(), mimeType, written), nil
}

// NormalizeURL encodes spaces, converts the host to its ASCII form, and
// rejects anything that is not http or https.
func NormalizeURL(rawURL string) (*url.URL, error) {
	rawURL = strings.ReplaceAll(strings.TrimSpace(rawURL), " ", "%20")
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
	default:
		return nil, fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	hostname := parsed.Hostname()
	if hostname == "" {
		return nil, fmt.Errorf("missing host")
	}
	ascii, err := idna.Lookup.ToASCII(hostname)
	if err != nil {
		return nil, fmt.Errorf("invalid host %q: %w", hostname, err)
	}
	if port := parsed.Port(); port != "" {
		parsed.Host = net.JoinHostPort(ascii, port)
	} else {
		parsed.Host = ascii
	}
	return parsed, nil
}

// FileName prefers the Content-Disposition filename and falls back to the
// last segment of the URL path with spaces replaced by dashes.
func FileName(contentDisposition string, target *url.URL) string {
	if name := dispositionName(contentDisposition); name != "" {
		return name
	}
	base := path.Base(target.Path)
	if base == "." || base == "/" || base == "" {
		base = "file"
	}
	return strings.ReplaceAll(base, " ", "-")
}

func dispositionName(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	var name string
	if _, params, err := mime.ParseMediaType(header); err == nil {
		name = params["filename"]
	}
	if name == "" {
		if _, after, ok := strings.Cut(header, "="); ok {
			name = strings.Trim(after, "\"'; ")
		}
	}
	if name == "" {
		return ""
	}
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" {
		return ""
	}
	return name
}

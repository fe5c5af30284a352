// Package uploader runs the upload pipeline: fetch, resolve a configuration,
// process, name, and store.
package uploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/matthewgall/uploader/internal/config"
	"github.com/matthewgall/uploader/internal/files"
	"github.com/matthewgall/uploader/internal/naming"
	"github.com/matthewgall/uploader/internal/processing"
	"github.com/matthewgall/uploader/internal/remote"
	"github.com/matthewgall/uploader/internal/resolver"
	"github.com/matthewgall/uploader/internal/uploads"
)

const defaultBatchConcurrency = 4

// Fetcher downloads remote sources.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*files.File, error)
}

// DiskProvider looks storage backends up by disk name.
type DiskProvider interface {
	Disk(name string) (uploads.Storage, error)
}

// Source is either a file already on hand or a URL to fetch.
type Source struct {
	file *files.File
	url  string
}

func FromFile(f *files.File) Source { return Source{file: f} }

func FromURL(rawURL string) Source { return Source{url: rawURL} }

func (s Source) String() string {
	if s.file != nil {
		return s.file.Name()
	}
	return s.url
}

// Options override parts of the resolved configuration for one call.
type Options struct {
	Disk          string `json:"disk,omitempty"`
	Path          string `json:"path,omitempty"`
	Configuration string `json:"configuration,omitempty"`
}

type Uploader struct {
	resolver    *resolver.Resolver
	disks       DiskProvider
	processors  *processing.Registry
	names       *naming.Registry
	fetcher     Fetcher
	observer    Observer
	logger      *slog.Logger
	concurrency int
}

type Option func(*Uploader)

func WithFetcher(fetcher Fetcher) Option {
	return func(u *Uploader) { u.fetcher = fetcher }
}

func WithProcessors(processors *processing.Registry) Option {
	return func(u *Uploader) { u.processors = processors }
}

func WithNaming(names *naming.Registry) Option {
	return func(u *Uploader) { u.names = names }
}

func WithObserver(observer Observer) Option {
	return func(u *Uploader) { u.observer = observer }
}

func WithLogger(logger *slog.Logger) Option {
	return func(u *Uploader) { u.logger = logger }
}

func WithBatchConcurrency(n int) Option {
	return func(u *Uploader) { u.concurrency = n }
}

func New(settings config.Settings, disks DiskProvider, opts ...Option) *Uploader {
	u := &Uploader{
		resolver:    resolver.New(settings),
		disks:       disks,
		concurrency: defaultBatchConcurrency,
	}
	for _, opt := range opts {
		opt(u)
	}
	if u.processors == nil {
		u.processors = processing.NewRegistry()
	}
	if u.names == nil {
		u.names = naming.NewRegistry(u.existenceLookup, naming.DefaultMaxUniqueAttempts)
	}
	if u.logger == nil {
		u.logger = slog.Default()
	}
	if u.fetcher == nil {
		u.fetcher = remote.New(remote.Options{Logger: u.logger})
	}
	if u.observer == nil {
		u.observer = nopObserver{}
	}
	if u.concurrency <= 0 {
		u.concurrency = defaultBatchConcurrency
	}
	return u
}

func (u *Uploader) existenceLookup(disk string) (naming.ExistenceChecker, error) {
	return u.disks.Disk(disk)
}

// Upload stores src under the name chosen by the configuration's naming
// strategy.
func (u *Uploader) Upload(ctx context.Context, src Source, opts Options) (*Result, error) {
	return u.upload(ctx, src, "", opts)
}

// UploadAs uses name instead of the client name as the naming candidate. The
// source extension is kept when name has none.
func (u *Uploader) UploadAs(ctx context.Context, src Source, name string, opts Options) (*Result, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("upload name is required")
	}
	return u.upload(ctx, src, name, opts)
}

func (u *Uploader) upload(ctx context.Context, src Source, name string, opts Options) (*Result, error) {
	started := time.Now()
	cfgName := opts.Configuration

	file, err := u.open(ctx, src)
	if err != nil {
		u.observer.RecordUpload(cfgName, OutcomeError, time.Since(started), 0)
		return nil, err
	}
	if src.file == nil {
		defer func() {
			if err := file.Cleanup(); err != nil {
				u.logger.WarnContext(ctx, "removing fetched file", slog.String("path", file.Path()), slog.Any("error", err))
			}
		}()
	}

	result, err := u.store(ctx, file, name, opts)
	if result != nil {
		cfgName = result.Configuration
	}
	u.observer.RecordUpload(cfgName, outcome(result, err), time.Since(started), storedSize(result))
	if err != nil {
		u.logger.InfoContext(ctx, "upload rejected",
			slog.String("file", file.Name()),
			slog.String("mime", file.MimeType()),
			slog.Any("error", err))
		return nil, err
	}

	if result.Succeeded {
		u.logger.InfoContext(ctx, "file uploaded",
			slog.String("configuration", result.Configuration),
			slog.String("disk", result.Disk),
			slog.String("path", result.Path),
			slog.Int64("size", result.Size))
	} else {
		u.logger.ErrorContext(ctx, "file upload failed",
			slog.String("configuration", result.Configuration),
			slog.String("disk", result.Disk),
			slog.String("path", result.Path),
			slog.Any("error", result.Err))
	}
	return result, nil
}

func (u *Uploader) open(ctx context.Context, src Source) (*files.File, error) {
	if src.file != nil {
		return src.file, nil
	}
	if strings.TrimSpace(src.url) == "" {
		return nil, &files.RemoteFileError{URL: src.url, Err: errors.New("empty source")}
	}
	file, err := u.fetcher.Fetch(ctx, src.url)
	if err != nil {
		var remoteErr *files.RemoteFileError
		if errors.As(err, &remoteErr) {
			return nil, err
		}
		return nil, &files.RemoteFileError{URL: src.url, Err: err}
	}
	return file, nil
}

func (u *Uploader) store(ctx context.Context, file *files.File, name string, opts Options) (*Result, error) {
	cfg, err := u.configuration(file, opts.Configuration)
	if err != nil {
		return nil, err
	}

	disk := cfg.Disk
	if opts.Disk != "" {
		disk = opts.Disk
	}
	storage, err := u.disks.Disk(disk)
	if err != nil {
		return nil, &config.InvalidConfigurationError{Configuration: cfg.Name, Reason: "disk unavailable", Err: err}
	}
	cfg.Disk = disk

	out, err := u.processors.Process(ctx, file, cfg)
	if err != nil {
		return nil, err
	}

	dir := cfg.Dir()
	if opts.Path != "" {
		dir = strings.Trim(path.Clean("/"+opts.Path), "/")
	}
	candidate := candidateName(file, name, out.Extension)

	generated, err := u.names.Generate(ctx, path.Join(dir, candidate), cfg)
	if err != nil {
		return nil, err
	}
	storedPath := path.Join(dir, generated)

	result := &Result{
		File:          file,
		OriginalName:  file.Name(),
		MimeType:      file.MimeType(),
		Size:          file.Size(),
		StoredSize:    int64(len(out.Content)),
		Configuration: cfg.Name,
		Disk:          disk,
		Subpath:       dir,
		Name:          generated,
		Path:          storedPath,
		Attributes:    out.Attributes,
	}

	if err := storage.Put(ctx, storedPath, bytes.NewReader(out.Content), out.ContentType); err != nil {
		result.Err = &uploads.WriteError{Disk: disk, Path: storedPath, Err: err}
		return result, nil
	}
	result.Succeeded = true

	link, err := storage.URL(ctx, storedPath)
	if err != nil {
		u.logger.WarnContext(ctx, "resolving file url",
			slog.String("disk", disk),
			slog.String("path", storedPath),
			slog.Any("error", err))
		return result, nil
	}
	result.URL = link
	return result, nil
}

func (u *Uploader) configuration(file *files.File, name string) (config.Configuration, error) {
	var (
		cfg config.Configuration
		err error
	)
	if name != "" {
		cfg, err = u.resolver.Named(name, file.MimeType())
	} else {
		cfg, err = u.resolver.Resolve(file.MimeType())
	}
	var disallowed *files.DisallowedFileError
	if errors.As(err, &disallowed) && disallowed.Name == "" {
		disallowed.Name = file.Name()
	}
	return cfg, err
}

// Delete removes path from disk. A missing file is a FileNotFoundError.
func (u *Uploader) Delete(ctx context.Context, disk, filePath string) (bool, error) {
	started := time.Now()
	storage, err := u.disks.Disk(disk)
	if err != nil {
		return false, err
	}
	err = storage.Delete(ctx, filePath)
	u.observer.RecordDelete(disk, time.Since(started), err)
	if err != nil {
		if errors.Is(err, uploads.ErrNotFound) {
			return false, &files.FileNotFoundError{Path: filePath, Err: err}
		}
		return false, err
	}
	u.logger.InfoContext(ctx, "file deleted", slog.String("disk", disk), slog.String("path", filePath))
	return true, nil
}

// BatchItem is one entry of UploadBatch. Name, when set, behaves like
// UploadAs.
type BatchItem struct {
	Source Source
	Name   string
}

// BatchResult pairs an item's result with its pipeline error.
type BatchResult struct {
	Result *Result
	Err    error
}

// UploadBatch uploads items concurrently. Items fail independently; the
// returned slice follows the order of items.
func (u *Uploader) UploadBatch(ctx context.Context, items []BatchItem, opts Options) []BatchResult {
	results := make([]BatchResult, len(items))
	var g errgroup.Group
	g.SetLimit(u.concurrency)
	for i, item := range items {
		g.Go(func() error {
			var (
				result *Result
				err    error
			)
			if item.Name != "" {
				result, err = u.UploadAs(ctx, item.Source, item.Name, opts)
			} else {
				result, err = u.Upload(ctx, item.Source, opts)
			}
			results[i] = BatchResult{Result: result, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// candidateName picks the name handed to the naming strategy. A name
// without an extension gets the source's, or one guessed from the MIME type.
// A re-encoded output swaps in its own extension.
func candidateName(file *files.File, name, outputExt string) string {
	ext := file.Extension()
	if ext == "" {
		ext = file.GuessExtension()
	}
	candidate := file.Name()
	if name != "" {
		candidate = path.Base(strings.ReplaceAll(name, "\\", "/"))
	}
	if candidate == "" || candidate == "." || candidate == "/" {
		candidate = "file"
	}
	if path.Ext(candidate) == "" && ext != "" {
		candidate += "." + ext
	}
	if outputExt != "" {
		candidate = strings.TrimSuffix(candidate, path.Ext(candidate)) + "." + outputExt
	}
	return candidate
}

func outcome(result *Result, err error) string {
	switch {
	case err == nil && result != nil && result.Succeeded:
		return OutcomeStored
	case err == nil:
		return OutcomeWriteFailed
	}
	var (
		disallowed *files.DisallowedFileError
		noConfig   *config.NoConfigurationError
		invalid    *files.InvalidFileError
	)
	switch {
	case errors.As(err, &disallowed), errors.As(err, &noConfig):
		return OutcomeRejected
	case errors.As(err, &invalid):
		return OutcomeInvalid
	default:
		return OutcomeError
	}
}

func storedSize(result *Result) int64 {
	if result == nil || !result.Succeeded {
		return 0
	}
	return result.StoredSize
}

package uploader

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matthewgall/uploader/internal/config"
	"github.com/matthewgall/uploader/internal/files"
	"github.com/matthewgall/uploader/internal/processing"
	"github.com/matthewgall/uploader/internal/remote"
	"github.com/matthewgall/uploader/internal/uploads"
)

// countingStorage wraps a memory disk and counts calls.
type countingStorage struct {
	*uploads.MemoryStorage
	puts   atomic.Int64
	exists atomic.Int64
	putErr error
	urlErr error
}

func newCountingStorage(disk string) *countingStorage {
	return &countingStorage{MemoryStorage: uploads.NewMemory(uploads.Links{Disk: disk})}
}

func (s *countingStorage) Put(ctx context.Context, key string, body io.Reader, contentType string) error {
	s.puts.Add(1)
	if s.putErr != nil {
		return s.putErr
	}
	return s.MemoryStorage.Put(ctx, key, body, contentType)
}

func (s *countingStorage) Exists(ctx context.Context, key string) (bool, error) {
	s.exists.Add(1)
	return s.MemoryStorage.Exists(ctx, key)
}

func (s *countingStorage) URL(ctx context.Context, key string) (string, error) {
	if s.urlErr != nil {
		return "", s.urlErr
	}
	return s.MemoryStorage.URL(ctx, key)
}

type countingProcessor struct {
	calls atomic.Int64
	inner processing.Processor
}

func (p *countingProcessor) Process(ctx context.Context, f *files.File, cfg config.Configuration) (*processing.Output, error) {
	p.calls.Add(1)
	return p.inner.Process(ctx, f, cfg)
}

type fixture struct {
	uploader  *Uploader
	primary   *countingStorage
	archive   *countingStorage
	processor *countingProcessor
}

func testSettings() config.Settings {
	return config.Settings{
		BlockedMimetypes: config.DefaultBlockedMimetypes,
		MimeResolvers: config.MimeResolvers{
			{Name: "images", Patterns: []string{"image/*"}},
			{Name: "files", Patterns: []string{"*"}},
		},
		Configurations: map[string]config.Configuration{
			"images": {
				Name:                "images",
				Disk:                "memory",
				Subpath:             "images",
				NamingStrategy:      config.NamingNone,
				Processor:           config.ProcessorImage,
				ImageResizeMaxWidth: 100,
			},
			"files": {
				Name:           "files",
				Disk:           "memory",
				Subpath:        "files",
				NamingStrategy: config.NamingFixUnique,
				Processor:      config.ProcessorGeneric,
			},
			"thumbs": {
				Name:                "thumbs",
				Disk:                "memory",
				Subpath:             "thumbs",
				NamingStrategy:      config.NamingFix,
				Processor:           config.ProcessorImage,
				ImageResizeMaxWidth: 10,
				ImageFormat:         "jpg",
				AllowedMimePatterns: []string{"image/*"},
			},
		},
	}
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		primary:   newCountingStorage("memory"),
		archive:   newCountingStorage("archive"),
		processor: &countingProcessor{inner: processing.NewImage()},
	}
	generic := &countingProcessor{inner: processing.Generic{}}
	processors := processing.NewRegistry()
	processors.Register(config.ProcessorImage, f.processor)
	processors.Register(config.ProcessorGeneric, generic)

	disks := uploads.NewDisksFrom(map[string]uploads.Storage{
		"memory":  f.primary,
		"archive": f.archive,
	})
	opts = append([]Option{WithProcessors(processors)}, opts...)
	f.uploader = New(testSettings(), disks, opts...)
	return f
}

func pngBytes(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			img.Set(x, y, color.NRGBA{R: 10, G: uint8(x), B: uint8(y), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestUploadImageEndToEnd(t *testing.T) {
	f := newFixture(t)
	file := files.FromBytes("photo.png", pngBytes(t, 200, 50), "")

	result, err := f.uploader.Upload(context.Background(), FromFile(file), Options{})
	require.NoError(t, err)

	assert.True(t, result.Succeeded)
	assert.NoError(t, result.Err)
	assert.Equal(t, "images", result.Configuration)
	assert.Equal(t, "memory", result.Disk)
	assert.Equal(t, "images", result.Subpath)
	assert.Equal(t, "photo.png", result.Name)
	assert.Equal(t, "images/photo.png", result.Path)
	assert.Equal(t, "memory://memory/images/photo.png", result.URL)
	assert.Equal(t, 100, result.Width())
	assert.Equal(t, 25, result.Height())
	assert.Equal(t, "photo.png", result.OriginalName)
	assert.Equal(t, "image/png", result.MimeType)
	assert.Same(t, file, result.File)

	assert.Equal(t, []string{"images/photo.png"}, f.primary.Keys())
	assert.Equal(t, int64(1), f.primary.puts.Load())
	assert.Equal(t, "image/png", f.primary.ContentType("images/photo.png"))
}

func TestUploadGuessesMissingExtension(t *testing.T) {
	f := newFixture(t)

	result, err := f.uploader.Upload(context.Background(), FromFile(files.FromBytes("photo", pngBytes(t, 20, 10), "")), Options{})
	require.NoError(t, err)
	assert.Equal(t, "images/photo.png", result.Path)

	result, err = f.uploader.UploadAs(context.Background(),
		FromFile(files.FromBytes("download", []byte("%PDF-1.4\n%%EOF\n"), "")),
		"statement", Options{})
	require.NoError(t, err)
	assert.Equal(t, "statement.pdf", result.Name)
}

func TestUploadBlockedMimeTouchesNothing(t *testing.T) {
	f := newFixture(t)
	file := files.FromBytes("setup.exe", []byte("MZ..."), "application/x-msdownload")

	result, err := f.uploader.Upload(context.Background(), FromFile(file), Options{})
	require.Nil(t, result)

	var disallowed *files.DisallowedFileError
	require.True(t, errors.As(err, &disallowed))
	assert.Equal(t, "setup.exe", disallowed.Name)

	assert.Zero(t, f.processor.calls.Load())
	assert.Zero(t, f.primary.puts.Load())
	assert.Zero(t, f.primary.exists.Load())
	assert.Empty(t, f.primary.Keys())
}

func TestUploadWriteFailureIsCaptured(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("bucket unavailable")
	f.primary.putErr = boom

	result, err := f.uploader.Upload(context.Background(), FromFile(files.FromBytes("notes.txt", []byte("hello"), "text/plain")), Options{})
	require.NoError(t, err)

	assert.False(t, result.Succeeded)
	assert.Empty(t, result.URL)
	var writeErr *uploads.WriteError
	require.True(t, errors.As(result.Err, &writeErr))
	assert.Equal(t, "files/notes.txt", writeErr.Path)
	assert.ErrorIs(t, result.Err, boom)
	assert.Equal(t, int64(1), f.primary.puts.Load())
}

func TestUploadURLFailureKeepsSuccess(t *testing.T) {
	f := newFixture(t)
	f.primary.urlErr = uploads.ErrNoPublicURL

	result, err := f.uploader.Upload(context.Background(), FromFile(files.FromBytes("notes.txt", []byte("hello"), "text/plain")), Options{})
	require.NoError(t, err)
	assert.True(t, result.Succeeded)
	assert.Empty(t, result.URL)
}

func TestUploadFixUniqueAvoidsExistingName(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.primary.MemoryStorage.Put(context.Background(), "files/report.txt", bytes.NewReader([]byte("old")), "text/plain"))

	result, err := f.uploader.Upload(context.Background(), FromFile(files.FromBytes("report.txt", []byte("new"), "text/plain")), Options{})
	require.NoError(t, err)
	assert.Equal(t, "report-1.txt", result.Name)
	assert.Equal(t, "files/report-1.txt", result.Path)
	assert.Equal(t, int64(2), f.primary.exists.Load())
}

func TestUploadExplicitDiskAndPath(t *testing.T) {
	f := newFixture(t)

	result, err := f.uploader.Upload(context.Background(),
		FromFile(files.FromBytes("a b.txt", []byte("hello"), "text/plain")),
		Options{Disk: "archive", Path: "/2024/../exports/"})
	require.NoError(t, err)

	assert.Equal(t, "archive", result.Disk)
	assert.Equal(t, "exports", result.Subpath)
	assert.Equal(t, "exports/a_b.txt", result.Path)
	assert.Equal(t, []string{"exports/a_b.txt"}, f.archive.Keys())
	assert.Empty(t, f.primary.Keys())
}

func TestUploadUnknownDisk(t *testing.T) {
	f := newFixture(t)

	_, err := f.uploader.Upload(context.Background(),
		FromFile(files.FromBytes("a.txt", []byte("hello"), "text/plain")),
		Options{Disk: "tape"})
	var invalid *config.InvalidConfigurationError
	require.True(t, errors.As(err, &invalid))
	assert.ErrorIs(t, err, uploads.ErrUnknownDisk)
}

func TestUploadAs(t *testing.T) {
	f := newFixture(t)

	result, err := f.uploader.UploadAs(context.Background(),
		FromFile(files.FromBytes("IMG_0001.txt", []byte("hello"), "text/plain")),
		"Quarterly Report", Options{})
	require.NoError(t, err)
	assert.Equal(t, "Quarterly_Report.txt", result.Name)
	assert.Equal(t, "IMG_0001.txt", result.OriginalName)

	_, err = f.uploader.UploadAs(context.Background(), FromFile(files.FromBytes("a.txt", nil, "text/plain")), " ", Options{})
	assert.Error(t, err)
}

func TestUploadNamedConfiguration(t *testing.T) {
	f := newFixture(t)

	result, err := f.uploader.Upload(context.Background(),
		FromFile(files.FromBytes("Big Photo.png", pngBytes(t, 40, 20), "")),
		Options{Configuration: "thumbs"})
	require.NoError(t, err)
	assert.Equal(t, "thumbs", result.Configuration)
	assert.Equal(t, "Big_Photo.jpg", result.Name)
	assert.Equal(t, 10, result.Width())
	assert.Equal(t, 5, result.Height())
	assert.Equal(t, "image/jpeg", f.primary.ContentType("thumbs/Big_Photo.jpg"))

	_, err = f.uploader.Upload(context.Background(),
		FromFile(files.FromBytes("a.txt", []byte("hello"), "text/plain")),
		Options{Configuration: "thumbs"})
	var disallowed *files.DisallowedFileError
	assert.True(t, errors.As(err, &disallowed))

	_, err = f.uploader.Upload(context.Background(),
		FromFile(files.FromBytes("a.txt", []byte("hello"), "text/plain")),
		Options{Configuration: "ghost"})
	var noConfig *config.NoConfigurationError
	assert.True(t, errors.As(err, &noConfig))
}

func TestUploadInvalidImage(t *testing.T) {
	f := newFixture(t)

	_, err := f.uploader.Upload(context.Background(),
		FromFile(files.FromBytes("broken.png", []byte("not an image"), "image/png")), Options{})
	var invalid *files.InvalidFileError
	require.True(t, errors.As(err, &invalid))
	assert.Zero(t, f.primary.puts.Load())
}

func TestUploadFromURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("%PDF-1.4\n%%EOF\n"))
	}))
	defer srv.Close()

	tempDir := t.TempDir()
	f := newFixture(t, WithFetcher(remote.New(remote.Options{TempDir: tempDir})))

	result, err := f.uploader.Upload(context.Background(), FromURL(srv.URL+"/docs/Annual Report.pdf"), Options{})
	require.NoError(t, err)
	assert.True(t, result.Succeeded)
	assert.Equal(t, "files", result.Configuration)
	assert.Equal(t, "Annual-Report.pdf", result.Name)
	assert.Equal(t, "application/pdf", result.MimeType)

	leftovers, err := os.ReadDir(tempDir)
	require.NoError(t, err)
	assert.Empty(t, leftovers, "fetched temp files are removed")

	_, err = f.uploader.Upload(context.Background(), FromURL(srv.URL+"/missing"), Options{})
	var remoteErr *files.RemoteFileError
	assert.True(t, errors.As(err, &remoteErr))
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.primary.MemoryStorage.Put(context.Background(), "files/a.txt", bytes.NewReader([]byte("x")), ""))

	deleted, err := f.uploader.Delete(context.Background(), "memory", "files/a.txt")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = f.uploader.Delete(context.Background(), "memory", "files/a.txt")
	assert.False(t, deleted)
	var notFound *files.FileNotFoundError
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, "files/a.txt", notFound.Path)

	_, err = f.uploader.Delete(context.Background(), "tape", "a.txt")
	assert.ErrorIs(t, err, uploads.ErrUnknownDisk)
}

func TestUploadBatch(t *testing.T) {
	f := newFixture(t, WithBatchConcurrency(2))

	items := []BatchItem{
		{Source: FromFile(files.FromBytes("a.txt", []byte("a"), "text/plain"))},
		{Source: FromFile(files.FromBytes("virus.exe", []byte("MZ"), "application/x-dosexec"))},
		{Source: FromFile(files.FromBytes("c.txt", []byte("c"), "text/plain")), Name: "renamed"},
	}
	results := f.uploader.UploadBatch(context.Background(), items, Options{})
	require.Len(t, results, 3)

	require.NoError(t, results[0].Err)
	assert.Equal(t, "files/a.txt", results[0].Result.Path)

	var disallowed *files.DisallowedFileError
	assert.True(t, errors.As(results[1].Err, &disallowed))
	assert.Nil(t, results[1].Result)

	require.NoError(t, results[2].Err)
	assert.Equal(t, "files/renamed.txt", results[2].Result.Path)
}

func TestPrometheusObserver(t *testing.T) {
	reg := prometheus.NewRegistry()
	observer, err := NewPrometheusObserver("test", reg)
	require.NoError(t, err)

	again, err := NewPrometheusObserver("test", reg)
	require.NoError(t, err)
	assert.NotNil(t, again)

	f := newFixture(t, WithObserver(observer))
	_, err = f.uploader.Upload(context.Background(), FromFile(files.FromBytes("a.txt", []byte("hello"), "text/plain")), Options{})
	require.NoError(t, err)
	_, err = f.uploader.Upload(context.Background(), FromFile(files.FromBytes("a.exe", []byte("MZ"), "application/x-msdownload")), Options{})
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(observer.uploads.WithLabelValues("files", OutcomeStored)))
	assert.Equal(t, 1.0, testutil.ToFloat64(observer.uploads.WithLabelValues("none", OutcomeRejected)))
	assert.Equal(t, 5.0, testutil.ToFloat64(observer.storedBytes.WithLabelValues("files")))

	observer.RecordDelete("memory", time.Millisecond, nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(observer.deletes.WithLabelValues("memory", "deleted")))
	assert.Equal(t, 1, testutil.CollectAndCount(observer.deleteDuration, "test_delete_duration_seconds"))
}

func TestResultAttribute(t *testing.T) {
	r := &Result{Attributes: map[string]any{"width": 3}}
	assert.Equal(t, 3, r.Width())
	assert.Equal(t, 0, r.Height())
	assert.Equal(t, "x", r.Attribute("missing", "x"))
	assert.Empty(t, r.ErrorMessage())

	r.Err = errors.New("disk full")
	assert.Equal(t, "disk full", r.ErrorMessage())
}

package processing

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matthewgall/uploader/internal/config"
	"github.com/matthewgall/uploader/internal/files"
)

func pngFile(t *testing.T, name string, width, height int) *files.File {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return files.FromBytes(name, buf.Bytes(), "")
}

// jpegWithOrientation encodes a width x height JPEG carrying an EXIF APP1
// segment with the given Orientation tag.
func jpegWithOrientation(t *testing.T, name string, width, height int, orientation uint16) *files.File {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 4), B: 90, A: 255})
		}
	}
	var encoded bytes.Buffer
	require.NoError(t, jpeg.Encode(&encoded, img, nil))

	exif := []byte{
		'E', 'x', 'i', 'f', 0, 0,
		'M', 'M', 0x00, 0x2a, 0x00, 0x00, 0x00, 0x08, // big-endian TIFF header, IFD at 8
		0x00, 0x01, // one entry
		0x01, 0x12, 0x00, 0x03, 0x00, 0x00, 0x00, 0x01, // Orientation, SHORT, count 1
		byte(orientation >> 8), byte(orientation), 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, // no next IFD
	}
	segment := append([]byte{0xff, 0xe1, byte((len(exif) + 2) >> 8), byte(len(exif) + 2)}, exif...)

	raw := encoded.Bytes()
	content := append(append(append([]byte{}, raw[:2]...), segment...), raw[2:]...)
	return files.FromBytes(name, content, "")
}

func imageConfig(maxWidth int) config.Configuration {
	return config.Configuration{Name: "images", Processor: config.ProcessorImage, ImageResizeMaxWidth: maxWidth}
}

func decodedSize(t *testing.T, content []byte) (int, int) {
	t.Helper()
	cfg, _, err := image.DecodeConfig(bytes.NewReader(content))
	require.NoError(t, err)
	return cfg.Width, cfg.Height
}

func TestImageResizeKeepsAspectRatio(t *testing.T) {
	out, err := NewImage().Process(context.Background(), pngFile(t, "wide.png", 200, 50), imageConfig(100))
	require.NoError(t, err)

	assert.Equal(t, 100, out.Attributes["width"])
	assert.Equal(t, 25, out.Attributes["height"])
	assert.Equal(t, "image/png", out.ContentType)
	assert.Empty(t, out.Extension)

	w, h := decodedSize(t, out.Content)
	assert.Equal(t, 100, w)
	assert.Equal(t, 25, h)
}

func TestImageSmallerThanBoxIsUnchanged(t *testing.T) {
	out, err := NewImage().Process(context.Background(), pngFile(t, "small.png", 50, 20), imageConfig(100))
	require.NoError(t, err)
	assert.Equal(t, 50, out.Attributes["width"])
	assert.Equal(t, 20, out.Attributes["height"])

	cfg := imageConfig(100)
	cfg.ImageUpsize = true
	out, err = NewImage().Process(context.Background(), pngFile(t, "small.png", 50, 20), cfg)
	require.NoError(t, err)
	assert.Equal(t, 100, out.Attributes["width"])
	assert.Equal(t, 40, out.Attributes["height"])
}

func TestImageTallFitsBox(t *testing.T) {
	out, err := NewImage().Process(context.Background(), pngFile(t, "tall.png", 30, 300), imageConfig(100))
	require.NoError(t, err)
	assert.Equal(t, 10, out.Attributes["width"])
	assert.Equal(t, 100, out.Attributes["height"])
}

func TestImageAppliesExifOrientation(t *testing.T) {
	f := jpegWithOrientation(t, "rotated.jpg", 40, 20, 6)
	require.Equal(t, "image/jpeg", f.MimeType())

	out, err := NewImage().Process(context.Background(), f, imageConfig(100))
	require.NoError(t, err)
	assert.Equal(t, 20, out.Attributes["width"])
	assert.Equal(t, 40, out.Attributes["height"])
	assert.Equal(t, "image/jpeg", out.ContentType)

	w, h := decodedSize(t, out.Content)
	assert.Equal(t, 20, w)
	assert.Equal(t, 40, h)
}

func TestImageFitsBoxAfterOrientation(t *testing.T) {
	out, err := NewImage().Process(context.Background(), jpegWithOrientation(t, "rotated.jpg", 200, 100, 6), imageConfig(50))
	require.NoError(t, err)
	assert.Equal(t, 25, out.Attributes["width"])
	assert.Equal(t, 50, out.Attributes["height"])
}

func TestImageReencode(t *testing.T) {
	cfg := imageConfig(0)
	cfg.ImageFormat = "jpg"
	cfg.ImageQuality = 80

	out, err := NewImage().Process(context.Background(), pngFile(t, "photo.png", 40, 40), cfg)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", out.ContentType)
	assert.Equal(t, "jpg", out.Extension)
	assert.Equal(t, "image/jpeg", files.Detect(out.Content))
}

func TestImageUnsupportedEncodeFormat(t *testing.T) {
	cfg := imageConfig(0)
	cfg.ImageFormat = "avif"

	_, err := NewImage().Process(context.Background(), pngFile(t, "photo.png", 4, 4), cfg)
	var invalid *files.InvalidFileError
	assert.True(t, errors.As(err, &invalid))
}

func TestImageMemoryBudget(t *testing.T) {
	cfg := imageConfig(100)
	cfg.ImageResizeMemoryLimit = "1K"

	_, err := NewImage().Process(context.Background(), pngFile(t, "big.png", 200, 50), cfg)
	var invalid *files.InvalidFileError
	require.True(t, errors.As(err, &invalid))
	assert.ErrorIs(t, err, ErrMemoryBudgetExceeded)
}

func TestImageRejectsGarbage(t *testing.T) {
	f := files.FromBytes("fake.png", []byte("definitely not a png"), "image/png")

	_, err := NewImage().Process(context.Background(), f, imageConfig(100))
	var invalid *files.InvalidFileError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, "fake.png", invalid.Name)
}

func TestFitDimensions(t *testing.T) {
	tests := []struct {
		w, h, max    int
		upsize       bool
		wantW, wantH int
	}{
		{200, 50, 100, false, 100, 25},
		{50, 20, 100, false, 50, 20},
		{50, 20, 100, true, 100, 40},
		{1000, 1, 100, false, 100, 1},
		{640, 480, 0, false, 640, 480},
		{100, 100, 100, false, 100, 100},
	}
	for _, tt := range tests {
		w, h := FitDimensions(tt.w, tt.h, tt.max, tt.upsize)
		assert.Equal(t, tt.wantW, w, "%dx%d in %d", tt.w, tt.h, tt.max)
		assert.Equal(t, tt.wantH, h, "%dx%d in %d", tt.w, tt.h, tt.max)
	}
}

func TestEstimateMemory(t *testing.T) {
	assert.Equal(t, uint64(200*50*4+100*25*4), EstimateMemory(200, 50, 100, 25))
	assert.Equal(t, uint64(10*10*4), EstimateMemory(10, 10, 10, 10))
}

func TestGeneric(t *testing.T) {
	f := files.FromBytes("notes.txt", []byte("hello"), "text/plain")

	out, err := Generic{}.Process(context.Background(), f, config.Configuration{})
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), out.Content)
	assert.Equal(t, "text/plain", out.ContentType)
	assert.Equal(t, Checksum([]byte("hello")), out.Attributes["checksum"])
	assert.Len(t, out.Attributes["checksum"], 64)
}

func TestGenericUnreadable(t *testing.T) {
	f := files.NewTemp("gone.bin", "/nonexistent/gone.bin", "application/pdf", 10)

	_, err := Generic{}.Process(context.Background(), f, config.Configuration{})
	var invalid *files.InvalidFileError
	assert.True(t, errors.As(err, &invalid))
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()

	p, err := reg.Resolve(config.Configuration{Processor: config.ProcessorImage})
	require.NoError(t, err)
	again, err := reg.Resolve(config.Configuration{Processor: config.ProcessorImage})
	require.NoError(t, err)
	assert.Same(t, p, again)

	p, err = reg.Resolve(config.Configuration{})
	require.NoError(t, err)
	assert.IsType(t, Generic{}, p)

	_, err = reg.Process(context.Background(), files.FromBytes("a", []byte("a"), "text/plain"), config.Configuration{Processor: "video"})
	var invalid *config.InvalidConfigurationError
	assert.True(t, errors.As(err, &invalid))
}

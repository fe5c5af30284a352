package processing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/matthewgall/uploader/internal/config"
	"github.com/matthewgall/uploader/internal/files"
)

// bytes per decoded pixel (RGBA/NRGBA)
const bytesPerPixel = 4

var ErrMemoryBudgetExceeded = errors.New("image exceeds memory budget")

var contentTypes = map[imaging.Format]string{
	imaging.JPEG: "image/jpeg",
	imaging.PNG:  "image/png",
	imaging.GIF:  "image/gif",
	imaging.TIFF: "image/tiff",
	imaging.BMP:  "image/bmp",
}

// Image fits pictures into a square box of image_resize_max_width pixels,
// applying EXIF orientation and re-encoding the result.
type Image struct {
	Filter imaging.ResampleFilter
}

func NewImage() *Image {
	return &Image{Filter: imaging.Lanczos}
}

func (p *Image) Process(ctx context.Context, f *files.File, cfg config.Configuration) (*Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	invalid := func(err error) error {
		return &files.InvalidFileError{Name: f.Name(), MimeType: f.MimeType(), Err: err}
	}

	content, err := f.Bytes()
	if err != nil {
		return nil, invalid(err)
	}

	header, sourceFormat, err := image.DecodeConfig(bytes.NewReader(content))
	if err != nil {
		return nil, invalid(fmt.Errorf("reading image header: %w", err))
	}

	budget, err := cfg.MemoryLimit()
	if err != nil {
		return nil, err
	}
	targetW, targetH := FitDimensions(header.Width, header.Height, cfg.ImageResizeMaxWidth, cfg.ImageUpsize)
	if need := EstimateMemory(header.Width, header.Height, targetW, targetH); need > budget {
		return nil, invalid(fmt.Errorf("%dx%d needs %d bytes, budget is %d: %w",
			header.Width, header.Height, need, budget, ErrMemoryBudgetExceeded))
	}

	format, err := encodeFormat(sourceFormat, cfg.ImageFormat)
	if err != nil {
		return nil, invalid(err)
	}

	img, err := imaging.Decode(bytes.NewReader(content), imaging.AutoOrientation(true))
	if err != nil {
		return nil, invalid(fmt.Errorf("decoding image: %w", err))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// orientation may have swapped the axes
	bounds := img.Bounds()
	targetW, targetH = FitDimensions(bounds.Dx(), bounds.Dy(), cfg.ImageResizeMaxWidth, cfg.ImageUpsize)
	if targetW != bounds.Dx() || targetH != bounds.Dy() {
		img = imaging.Resize(img, targetW, targetH, p.filter())
	}

	var opts []imaging.EncodeOption
	if cfg.ImageQuality > 0 {
		opts = append(opts, imaging.JPEGQuality(cfg.ImageQuality))
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, format, opts...); err != nil {
		return nil, invalid(fmt.Errorf("encoding image: %w", err))
	}

	out := &Output{
		Content:     buf.Bytes(),
		ContentType: contentTypes[format],
		Attributes: map[string]any{
			"width":    img.Bounds().Dx(),
			"height":   img.Bounds().Dy(),
			"checksum": Checksum(buf.Bytes()),
		},
	}
	if cfg.ImageFormat != "" {
		out.Extension = strings.ToLower(strings.TrimPrefix(cfg.ImageFormat, "."))
	}
	return out, nil
}

func (p *Image) filter() imaging.ResampleFilter {
	if p.Filter.Support == 0 && p.Filter.Kernel == nil {
		return imaging.Lanczos
	}
	return p.Filter
}

func encodeFormat(source, configured string) (imaging.Format, error) {
	name := source
	if configured != "" {
		name = strings.TrimPrefix(configured, ".")
	}
	format, err := imaging.FormatFromExtension(name)
	if err != nil {
		return 0, fmt.Errorf("cannot encode %q images: %w", name, err)
	}
	return format, nil
}

// FitDimensions scales width x height into a max x max box keeping the
// aspect ratio. Images already inside the box are left alone unless upsize
// is set. A non-positive max disables resizing.
func FitDimensions(width, height, max int, upsize bool) (int, int) {
	if max <= 0 || width <= 0 || height <= 0 {
		return width, height
	}
	if !upsize && width <= max && height <= max {
		return width, height
	}
	scale := math.Min(float64(max)/float64(width), float64(max)/float64(height))
	w := int(math.Round(float64(width) * scale))
	h := int(math.Round(float64(height) * scale))
	return maxInt(w, 1), maxInt(h, 1)
}

// EstimateMemory approximates the decode plus resize working set.
func EstimateMemory(width, height, targetW, targetH int) uint64 {
	source := uint64(width) * uint64(height) * bytesPerPixel
	if targetW == width && targetH == height {
		return source
	}
	return source + uint64(targetW)*uint64(targetH)*bytesPerPixel
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

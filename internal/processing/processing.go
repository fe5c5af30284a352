// Package processing transforms file content before it is stored.
package processing

import (
	"context"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/matthewgall/uploader/internal/config"
	"github.com/matthewgall/uploader/internal/files"
	"github.com/matthewgall/uploader/internal/registry"
)

// Output is the processed content ready to be written.
type Output struct {
	Content     []byte
	ContentType string
	// Extension is set when the content was re-encoded into a format whose
	// extension differs from the source file. No leading dot.
	Extension  string
	Attributes map[string]any
}

type Processor interface {
	Process(ctx context.Context, f *files.File, cfg config.Configuration) (*Output, error)
}

// Generic passes the bytes through untouched.
type Generic struct{}

func (Generic) Process(ctx context.Context, f *files.File, _ config.Configuration) (*Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	content, err := f.Bytes()
	if err != nil {
		return nil, &files.InvalidFileError{Name: f.Name(), MimeType: f.MimeType(), Err: err}
	}
	return &Output{
		Content:     content,
		ContentType: f.MimeType(),
		Attributes:  map[string]any{"checksum": Checksum(content)},
	}, nil
}

// Checksum is the hex BLAKE2b-256 digest of content.
func Checksum(content []byte) string {
	sum := blake2b.Sum256(content)
	return hex.EncodeToString(sum[:])
}

type Registry struct {
	processors *registry.Registry[Processor]
}

func NewRegistry() *Registry {
	reg := registry.New[Processor]()
	reg.RegisterInstance(config.ProcessorGeneric, Generic{})
	reg.Register(config.ProcessorImage, func() (Processor, error) {
		return NewImage(), nil
	})
	return &Registry{processors: reg}
}

func (r *Registry) Register(name string, processor Processor) {
	r.processors.RegisterInstance(name, processor)
}

func (r *Registry) Resolve(cfg config.Configuration) (Processor, error) {
	kind := cfg.Processor
	if kind == "" {
		kind = config.ProcessorGeneric
	}
	processor, err := r.processors.Resolve(kind)
	if err != nil {
		return nil, &config.InvalidConfigurationError{
			Configuration: cfg.Name,
			Reason:        fmt.Sprintf("unknown processor %q", kind),
			Err:           err,
		}
	}
	return processor, nil
}

func (r *Registry) Process(ctx context.Context, f *files.File, cfg config.Configuration) (*Output, error) {
	processor, err := r.Resolve(cfg)
	if err != nil {
		return nil, err
	}
	return processor.Process(ctx, f, cfg)
}

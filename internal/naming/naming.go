// Package naming turns a candidate path into the final stored file name.
package naming

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/matthewgall/uploader/internal/config"
	"github.com/matthewgall/uploader/internal/registry"
)

// DefaultMaxUniqueAttempts caps the suffix probe of FixUnique.
const DefaultMaxUniqueAttempts = 1000

var ErrUniqueNameExhausted = errors.New("no free file name found")

// Generator produces the final name for candidatePath. The result is a bare
// file name; candidatePath may carry the directory the file will land in.
type Generator interface {
	Generate(ctx context.Context, candidatePath string, cfg config.Configuration) (string, error)
}

// ExistenceChecker is the part of a storage disk FixUnique needs.
type ExistenceChecker interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// DiskLookup returns the disk a configuration stores into.
type DiskLookup func(name string) (ExistenceChecker, error)

type None struct{}

func (None) Generate(_ context.Context, candidatePath string, _ config.Configuration) (string, error) {
	return path.Base(candidatePath), nil
}

// Uniqid names files with a time-ordered UUID.
type Uniqid struct{}

func (Uniqid) Generate(_ context.Context, candidatePath string, cfg config.Configuration) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generating uniqid: %w", err)
	}
	return cfg.FilenamePrefix + id.String() + path.Ext(candidatePath), nil
}

// Fix sanitizes the candidate name. The prefix is not added twice, so
// feeding a generated name back in returns it unchanged.
type Fix struct{}

func (Fix) Generate(_ context.Context, candidatePath string, cfg config.Configuration) (string, error) {
	stem, ext := splitName(candidatePath)
	return withPrefix(cfg.FilenamePrefix, stem) + ext, nil
}

func withPrefix(prefix, stem string) string {
	prefix = Sanitize(prefix)
	if strings.HasPrefix(stem, prefix) {
		return stem
	}
	return prefix + stem
}

// FixUnique sanitizes like Fix and then appends -1, -2, ... until the disk
// reports the name free. Nothing reserves the name between the probe and the
// write, so two concurrent uploads can still pick the same name.
type FixUnique struct {
	Disks       DiskLookup
	MaxAttempts int
}

func (g FixUnique) Generate(ctx context.Context, candidatePath string, cfg config.Configuration) (string, error) {
	if g.Disks == nil {
		return "", &config.InvalidConfigurationError{Configuration: cfg.Name, Reason: "fix_unique needs a disk lookup"}
	}
	disk, err := g.Disks(cfg.Disk)
	if err != nil {
		return "", err
	}

	dir := path.Dir(candidatePath)
	stem, ext := splitName(candidatePath)
	stem = withPrefix(cfg.FilenamePrefix, stem)

	name := stem + ext
	exists, err := disk.Exists(ctx, path.Join(dir, name))
	if err != nil {
		return "", fmt.Errorf("checking %s: %w", name, err)
	}
	if !exists {
		return name, nil
	}

	limit := g.MaxAttempts
	if limit <= 0 {
		limit = DefaultMaxUniqueAttempts
	}
	for suffix := 1; suffix <= limit; suffix++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		name = fmt.Sprintf("%s-%d%s", stem, suffix, ext)
		exists, err := disk.Exists(ctx, path.Join(dir, name))
		if err != nil {
			return "", fmt.Errorf("checking %s: %w", name, err)
		}
		if !exists {
			return name, nil
		}
	}
	return "", fmt.Errorf("%s after %d attempts: %w", stem+ext, limit, ErrUniqueNameExhausted)
}

var (
	disallowedChars = regexp.MustCompile(`[^A-Za-z0-9_\-.,+*()$']`)
	underscoreRuns  = regexp.MustCompile(`_+`)
)

// Sanitize transliterates s to ASCII and replaces anything outside the safe
// set with a single underscore. It is idempotent.
func Sanitize(s string) string {
	s = disallowedChars.ReplaceAllString(Transliterate(s), "_")
	return underscoreRuns.ReplaceAllString(s, "_")
}

func splitName(candidatePath string) (stem, ext string) {
	base := path.Base(candidatePath)
	ext = path.Ext(base)
	stem = strings.TrimSuffix(base, ext)
	stem = Sanitize(stem)
	if stem == "" {
		stem = "file"
	}
	if ext != "" {
		ext = "." + Sanitize(strings.TrimPrefix(ext, "."))
	}
	return stem, ext
}

// NewRegistry registers every strategy under its configuration name.
func NewRegistry(disks DiskLookup, maxAttempts int) *Registry {
	reg := registry.New[Generator]()
	reg.RegisterInstance(config.NamingNone, None{})
	reg.RegisterInstance(config.NamingUniqid, Uniqid{})
	reg.RegisterInstance(config.NamingFix, Fix{})
	reg.Register(config.NamingFixUnique, func() (Generator, error) {
		return FixUnique{Disks: disks, MaxAttempts: maxAttempts}, nil
	})
	return &Registry{generators: reg}
}

type Registry struct {
	generators *registry.Registry[Generator]
}

func (r *Registry) Register(name string, generator Generator) {
	r.generators.RegisterInstance(name, generator)
}

func (r *Registry) Resolve(cfg config.Configuration) (Generator, error) {
	strategy := cfg.NamingStrategy
	if strategy == "" {
		strategy = config.NamingNone
	}
	generator, err := r.generators.Resolve(strategy)
	if err != nil {
		return nil, &config.InvalidConfigurationError{
			Configuration: cfg.Name,
			Reason:        fmt.Sprintf("unknown naming strategy %q", strategy),
			Err:           err,
		}
	}
	return generator, nil
}

// Generate resolves the configuration's strategy and runs it.
func (r *Registry) Generate(ctx context.Context, candidatePath string, cfg config.Configuration) (string, error) {
	generator, err := r.Resolve(cfg)
	if err != nil {
		return "", err
	}
	return generator.Generate(ctx, candidatePath, cfg)
}

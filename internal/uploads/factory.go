package uploads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/matthewgall/uploader/internal/config"
)

// Disks is the table of named storage backends built at startup.
type Disks struct {
	disks   map[string]Storage
	closers []io.Closer
}

// NewDisks builds one Storage per configured disk. Drivers without their
// own URL scheme default to /files/<disk>, served by the http surface.
func NewDisks(ctx context.Context, cfgs map[string]config.DiskConfig, signer URLSigner) (*Disks, error) {
	d := &Disks{disks: make(map[string]Storage, len(cfgs))}
	names := make([]string, 0, len(cfgs))
	for name := range cfgs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		storage, err := New(ctx, name, cfgs[name], signer)
		if err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("disk %s: %w", name, err)
		}
		d.disks[name] = storage
		if closer, ok := storage.(io.Closer); ok {
			d.closers = append(d.closers, closer)
		}
	}
	return d, nil
}

// NewDisksFrom wraps already built backends.
func NewDisksFrom(disks map[string]Storage) *Disks {
	d := &Disks{disks: make(map[string]Storage, len(disks))}
	for name, storage := range disks {
		d.disks[name] = storage
	}
	return d
}

func New(ctx context.Context, name string, cfg config.DiskConfig, signer URLSigner) (Storage, error) {
	links := func(publicURL string, sign bool) Links {
		l := Links{Disk: name, BaseURL: strings.TrimSpace(publicURL)}
		if l.BaseURL == "" {
			l.BaseURL = "/files/" + name
		}
		if sign {
			l.Signer = signer
		}
		return l
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", config.DriverLocal:
		baseDir := strings.TrimSpace(cfg.Local.Directory)
		if baseDir == "" {
			baseDir = "data/uploads"
		}
		return NewLocal(baseDir, links(cfg.Local.PublicURL, cfg.Local.SignURLs)), nil
	case config.DriverS3:
		return NewS3(ctx, cfg.S3)
	case config.DriverMemory:
		return NewMemory(Links{Disk: name}), nil
	case config.DriverRedis:
		return NewRedis(ctx, cfg.Redis, links(cfg.Redis.PublicURL, cfg.Redis.SignURLs))
	case config.DriverSQLite:
		return NewSQLite(cfg.SQLite.Path, links(cfg.SQLite.PublicURL, cfg.SQLite.SignURLs))
	default:
		return nil, fmt.Errorf("%q: %w", cfg.Driver, ErrUnknownDriver)
	}
}

func (d *Disks) Disk(name string) (Storage, error) {
	storage, ok := d.disks[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownDisk)
	}
	return storage, nil
}

func (d *Disks) Names() []string {
	names := make([]string, 0, len(d.disks))
	for name := range d.disks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Disks) Close() error {
	var errs []error
	for _, closer := range d.closers {
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

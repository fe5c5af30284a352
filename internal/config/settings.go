package config

import (
	"fmt"
	"path"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

const (
	ProcessorGeneric = "generic"
	ProcessorImage   = "image"
)

const (
	NamingNone      = "none"
	NamingUniqid    = "uniqid"
	NamingFix       = "fix"
	NamingFixUnique = "fix_unique"
)

// DefaultImageMemoryLimit bounds decode plus resize when a configuration
// does not set image_resize_memory_limit.
const DefaultImageMemoryLimit = "192M"

var DefaultBlockedMimetypes = []string{
	"application/dos-exe",
	"application/exe",
	"application/msdos-windows",
	"application/octet-stream",
	"application/x-dosexec",
	"application/x-exe",
	"application/x-msdos-program",
	"application/x-msdownload",
	"application/x-winexe",
	"vms/exe",
}

// Settings is the process-wide routing table. It is built once by Load and
// only read afterwards.
type Settings struct {
	BlockedMimetypes []string                 `yaml:"blocked_mimetypes"`
	MimeResolvers    MimeResolvers            `yaml:"mime_resolvers"`
	Configurations   map[string]Configuration `yaml:"configurations"`
	Default          string                   `yaml:"default"`
}

// Configuration describes how a file is processed, named, and stored.
type Configuration struct {
	Name                   string   `yaml:"-"`
	Disk                   string   `yaml:"disk"`
	Subpath                string   `yaml:"subpath"`
	Directory              string   `yaml:"directory"`
	NamingStrategy         string   `yaml:"naming_strategy"`
	FilenamePrefix         string   `yaml:"filename_prefix"`
	AllowedMimePatterns    []string `yaml:"allowed_mime_patterns"`
	Processor              string   `yaml:"processor"`
	ImageResizeMaxWidth    int      `yaml:"image_resize_max_width"`
	ImageResizeMemoryLimit string   `yaml:"image_resize_memory_limit"`
	ImageUpsize            bool     `yaml:"image_upsize"`
	ImageFormat            string   `yaml:"image_format"`
	ImageQuality           int      `yaml:"image_quality"`
}

// Dir returns the storage directory without leading or trailing slashes.
func (c Configuration) Dir() string {
	dir := c.Subpath
	if dir == "" {
		dir = c.Directory
	}
	dir = strings.Trim(dir, "/")
	if dir == "" {
		return ""
	}
	return path.Clean(dir)
}

// MemoryLimit parses ImageResizeMemoryLimit. Decimal suffixes (M, MB) and
// binary ones (MiB) are both accepted; a bare number is bytes.
func (c Configuration) MemoryLimit() (uint64, error) {
	raw := strings.TrimSpace(c.ImageResizeMemoryLimit)
	if raw == "" {
		raw = DefaultImageMemoryLimit
	}
	limit, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, &InvalidConfigurationError{
			Configuration: c.Name,
			Reason:        fmt.Sprintf("invalid image_resize_memory_limit %q", raw),
			Err:           err,
		}
	}
	return limit, nil
}

type MimeResolver struct {
	Name     string
	Patterns []string
}

// MimeResolvers keeps the document order of the mime_resolvers mapping; the
// first rule that matches wins.
type MimeResolvers []MimeResolver

func (m *MimeResolvers) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("mime_resolvers must be a mapping, got line %d", value.Line)
	}
	resolvers := make(MimeResolvers, 0, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		key := value.Content[i]
		var patterns []string
		switch node := value.Content[i+1]; node.Kind {
		case yaml.ScalarNode:
			patterns = []string{node.Value}
		default:
			if err := node.Decode(&patterns); err != nil {
				return fmt.Errorf("mime_resolvers.%s: %w", key.Value, err)
			}
		}
		resolvers = append(resolvers, MimeResolver{Name: key.Value, Patterns: patterns})
	}
	*m = resolvers
	return nil
}

func (m MimeResolvers) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, resolver := range m {
		value := &yaml.Node{}
		if err := value.Encode(resolver.Patterns); err != nil {
			return nil, err
		}
		node.Content = append(node.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: resolver.Name}, value)
	}
	return node, nil
}

func (s *Settings) normalize() {
	for i, mimeType := range s.BlockedMimetypes {
		s.BlockedMimetypes[i] = strings.ToLower(strings.TrimSpace(mimeType))
	}
	for name, cfg := range s.Configurations {
		cfg.Name = name
		cfg.Disk = strings.TrimSpace(cfg.Disk)
		cfg.Processor = strings.ToLower(strings.TrimSpace(cfg.Processor))
		if cfg.Processor == "" {
			cfg.Processor = ProcessorGeneric
		}
		cfg.NamingStrategy = strings.ToLower(strings.TrimSpace(cfg.NamingStrategy))
		if cfg.NamingStrategy == "" {
			cfg.NamingStrategy = NamingNone
		}
		s.Configurations[name] = cfg
	}
}

// Validate checks the routing table against the configured disks.
func (s *Settings) Validate(disks map[string]DiskConfig) error {
	s.normalize()

	if len(s.Configurations) == 0 {
		return fmt.Errorf("uploader: at least one configuration is required")
	}
	for _, name := range sortedKeys(s.Configurations) {
		cfg := s.Configurations[name]
		switch cfg.Processor {
		case ProcessorGeneric, ProcessorImage:
		default:
			return &InvalidConfigurationError{Configuration: name, Reason: fmt.Sprintf("unknown processor %q", cfg.Processor)}
		}
		switch cfg.NamingStrategy {
		case NamingNone, NamingUniqid, NamingFix, NamingFixUnique:
		default:
			return &InvalidConfigurationError{Configuration: name, Reason: fmt.Sprintf("unknown naming strategy %q", cfg.NamingStrategy)}
		}
		if cfg.Disk == "" {
			return &InvalidConfigurationError{Configuration: name, Reason: "disk is required"}
		}
		if disks != nil {
			if _, ok := disks[cfg.Disk]; !ok {
				return &InvalidConfigurationError{Configuration: name, Reason: fmt.Sprintf("unknown disk %q", cfg.Disk)}
			}
		}
		if cfg.ImageResizeMaxWidth < 0 {
			return &InvalidConfigurationError{Configuration: name, Reason: "image_resize_max_width must not be negative"}
		}
		if cfg.ImageQuality < 0 || cfg.ImageQuality > 100 {
			return &InvalidConfigurationError{Configuration: name, Reason: "image_quality must be between 1 and 100"}
		}
		if _, err := cfg.MemoryLimit(); err != nil {
			return err
		}
	}

	seen := make(map[string]bool, len(s.MimeResolvers))
	for _, resolver := range s.MimeResolvers {
		if seen[resolver.Name] {
			return fmt.Errorf("uploader: duplicate mime resolver %q", resolver.Name)
		}
		seen[resolver.Name] = true
		if _, ok := s.Configurations[resolver.Name]; !ok {
			return &NoConfigurationError{Name: resolver.Name}
		}
	}
	if s.Default != "" {
		if _, ok := s.Configurations[s.Default]; !ok {
			return &NoConfigurationError{Name: s.Default}
		}
	}
	return nil
}

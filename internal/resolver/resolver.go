// Package resolver routes a MIME type to one of the named upload
// configurations.
package resolver

import (
	"strings"

	"github.com/matthewgall/uploader/internal/config"
	"github.com/matthewgall/uploader/internal/files"
)

type Resolver struct {
	blocked        map[string]struct{}
	rules          config.MimeResolvers
	configurations map[string]config.Configuration
	defaultName    string
}

func New(settings config.Settings) *Resolver {
	blocked := make(map[string]struct{}, len(settings.BlockedMimetypes))
	for _, mimeType := range settings.BlockedMimetypes {
		blocked[strings.ToLower(strings.TrimSpace(mimeType))] = struct{}{}
	}
	configurations := make(map[string]config.Configuration, len(settings.Configurations))
	for name, cfg := range settings.Configurations {
		cfg.Name = name
		configurations[name] = cfg
	}
	return &Resolver{
		blocked:        blocked,
		rules:          append(config.MimeResolvers(nil), settings.MimeResolvers...),
		configurations: configurations,
		defaultName:    settings.Default,
	}
}

// Resolve returns the configuration for mimeType. The first rule in declared
// order that matches wins; a rule pointing at a missing configuration is an
// error rather than a reason to keep looking.
func (r *Resolver) Resolve(mimeType string) (config.Configuration, error) {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if r.Blocked(mimeType) {
		return config.Configuration{}, &files.DisallowedFileError{MimeType: mimeType}
	}

	for _, rule := range r.rules {
		if !MatchAny(rule.Patterns, mimeType) {
			continue
		}
		cfg, ok := r.configurations[rule.Name]
		if !ok {
			return config.Configuration{}, &config.NoConfigurationError{MimeType: mimeType, Name: rule.Name}
		}
		return cfg, nil
	}

	if r.defaultName != "" {
		cfg, ok := r.configurations[r.defaultName]
		if !ok {
			return config.Configuration{}, &config.NoConfigurationError{MimeType: mimeType, Name: r.defaultName}
		}
		return cfg, nil
	}
	return config.Configuration{}, &config.NoConfigurationError{MimeType: mimeType}
}

// Named looks a configuration up by name, still honouring the blocklist and
// the configuration's allowed_mime_patterns.
func (r *Resolver) Named(name, mimeType string) (config.Configuration, error) {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if r.Blocked(mimeType) {
		return config.Configuration{}, &files.DisallowedFileError{MimeType: mimeType}
	}
	cfg, ok := r.configurations[name]
	if !ok {
		return config.Configuration{}, &config.NoConfigurationError{MimeType: mimeType, Name: name}
	}
	if len(cfg.AllowedMimePatterns) > 0 && !MatchAny(cfg.AllowedMimePatterns, mimeType) {
		return config.Configuration{}, &files.DisallowedFileError{MimeType: mimeType}
	}
	return cfg, nil
}

func (r *Resolver) Blocked(mimeType string) bool {
	_, ok := r.blocked[mimeType]
	return ok
}

func MatchAny(patterns []string, mimeType string) bool {
	for _, pattern := range patterns {
		if Match(pattern, mimeType) {
			return true
		}
	}
	return false
}

// Match reports whether mimeType equals pattern or fits a single-star
// pattern. The star stands for at least one character, so "image/*" does
// not match "image/".
func Match(pattern, mimeType string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if pattern == mimeType {
		return true
	}
	if strings.Count(pattern, "*") != 1 {
		return false
	}
	prefix, suffix, _ := strings.Cut(pattern, "*")
	if len(mimeType) <= len(prefix)+len(suffix) {
		return false
	}
	return strings.HasPrefix(mimeType, prefix) && strings.HasSuffix(mimeType, suffix)
}

package resolver

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matthewgall/uploader/internal/config"
	"github.com/matthewgall/uploader/internal/files"
)

func settings(rules config.MimeResolvers) config.Settings {
	return config.Settings{
		BlockedMimetypes: config.DefaultBlockedMimetypes,
		MimeResolvers:    rules,
		Configurations: map[string]config.Configuration{
			"images": {Disk: "memory", Processor: config.ProcessorImage},
			"files":  {Disk: "memory", Processor: config.ProcessorGeneric},
			"pdfs":   {Disk: "memory", AllowedMimePatterns: []string{"application/pdf"}},
		},
	}
}

func TestResolveFirstMatchWins(t *testing.T) {
	r := New(settings(config.MimeResolvers{
		{Name: "images", Patterns: []string{"image/*"}},
		{Name: "files", Patterns: []string{"*"}},
	}))

	cfg, err := r.Resolve("image/png")
	require.NoError(t, err)
	assert.Equal(t, "images", cfg.Name)

	cfg, err = r.Resolve("application/pdf")
	require.NoError(t, err)
	assert.Equal(t, "files", cfg.Name)
}

func TestResolveOrderChangesOutcome(t *testing.T) {
	r := New(settings(config.MimeResolvers{
		{Name: "files", Patterns: []string{"*"}},
		{Name: "images", Patterns: []string{"image/*"}},
	}))

	cfg, err := r.Resolve("image/png")
	require.NoError(t, err)
	assert.Equal(t, "files", cfg.Name)
}

func TestResolveBlockedAlwaysFails(t *testing.T) {
	r := New(settings(config.MimeResolvers{
		{Name: "files", Patterns: []string{"*", "application/x-msdownload"}},
	}))

	for _, mimeType := range config.DefaultBlockedMimetypes {
		_, err := r.Resolve(mimeType)
		var disallowed *files.DisallowedFileError
		require.True(t, errors.As(err, &disallowed), mimeType)
		assert.Equal(t, mimeType, disallowed.MimeType)
	}
}

func TestResolveMissingConfigurationStopsSearch(t *testing.T) {
	s := settings(config.MimeResolvers{
		{Name: "videos", Patterns: []string{"video/*"}},
		{Name: "files", Patterns: []string{"*"}},
	})
	r := New(s)

	_, err := r.Resolve("video/mp4")
	var missing *config.NoConfigurationError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "videos", missing.Name)
}

func TestResolveDefault(t *testing.T) {
	s := settings(config.MimeResolvers{{Name: "images", Patterns: []string{"image/*"}}})
	s.Default = "files"
	r := New(s)

	cfg, err := r.Resolve("text/plain")
	require.NoError(t, err)
	assert.Equal(t, "files", cfg.Name)

	s.Default = ""
	_, err = New(s).Resolve("text/plain")
	var missing *config.NoConfigurationError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "text/plain", missing.MimeType)
	assert.Empty(t, missing.Name)
}

func TestNamed(t *testing.T) {
	r := New(settings(nil))

	cfg, err := r.Named("pdfs", "application/pdf")
	require.NoError(t, err)
	assert.Equal(t, "pdfs", cfg.Name)

	_, err = r.Named("pdfs", "text/plain")
	var disallowed *files.DisallowedFileError
	assert.True(t, errors.As(err, &disallowed))

	_, err = r.Named("ghost", "text/plain")
	var missing *config.NoConfigurationError
	assert.True(t, errors.As(err, &missing))
}

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		mime    string
		want    bool
	}{
		{"image/png", "image/png", true},
		{"image/*", "image/png", true},
		{"image/*", "image/", false},
		{"image/*", "video/mp4", false},
		{"*", "text/plain", true},
		{"*", "", false},
		{"*/xml", "application/xml", true},
		{"*/xml", "application/json", false},
		{"application/*+json", "application/ld+json", true},
		{"*/*", "text/plain", false},
		{"IMAGE/*", "image/gif", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Match(tt.pattern, tt.mime), "%s ~ %s", tt.pattern, tt.mime)
	}
}

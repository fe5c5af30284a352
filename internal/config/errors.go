package config

import "fmt"

// NoConfigurationError means no configuration could be selected: either no
// rule matched the MIME type, or a rule pointed at a missing configuration.
type NoConfigurationError struct {
	MimeType string
	Name     string
}

func (e *NoConfigurationError) Error() string {
	switch {
	case e.Name != "" && e.MimeType != "":
		return fmt.Sprintf("no configuration %q found for %q", e.Name, e.MimeType)
	case e.Name != "":
		return fmt.Sprintf("no configuration %q found", e.Name)
	default:
		return fmt.Sprintf("no configuration found for %q", e.MimeType)
	}
}

// InvalidConfigurationError reports a configuration that names an unknown
// processor, naming strategy, or disk, or carries a malformed value.
type InvalidConfigurationError struct {
	Configuration string
	Reason        string
	Err           error
}

func (e *InvalidConfigurationError) Error() string {
	msg := "invalid configuration"
	if e.Configuration != "" {
		msg = fmt.Sprintf("invalid configuration %q", e.Configuration)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InvalidConfigurationError) Unwrap() error { return e.Err }

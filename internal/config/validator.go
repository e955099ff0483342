package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// ValidationError describes one invalid setting.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

func ValidLogFormats() []string {
	return []string{"text", "json"}
}

// SupportedSchemes lists the database URL schemes understood by the
// storage layer. "+driver" suffixes such as postgresql+psycopg are
// accepted and ignored.
func SupportedSchemes() []string {
	return []string{"postgres", "postgresql", "redis", "rediss", "mongodb", "mongodb+srv", "memory", "sqlite", "file"}
}

// Scheme returns the normalized scheme of a database URL, or "" for an
// empty URL.
func Scheme(raw string) string {
	if raw == "" {
		return ""
	}
	i := strings.Index(raw, ":")
	if i <= 0 {
		return ""
	}
	scheme := strings.ToLower(raw[:i])
	if scheme == "mongodb+srv" {
		return scheme
	}
	if j := strings.Index(scheme, "+"); j > 0 {
		scheme = scheme[:j]
	}
	return scheme
}

// Validate checks c for invalid values and returns every problem found.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError

	if strings.TrimSpace(c.Server.Addr) == "" {
		errs = append(errs, ValidationError{"server.addr", c.Server.Addr, "must not be empty"})
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, ValidationError{"server.shutdown_timeout", c.Server.ShutdownTimeout, "must be positive"})
	}
	if c.Server.ReadHeaderTimeout < 0 {
		errs = append(errs, ValidationError{"server.read_header_timeout", c.Server.ReadHeaderTimeout, "must not be negative"})
	}

	if c.Database.URL != "" {
		scheme := Scheme(c.Database.URL)
		if !slices.Contains(SupportedSchemes(), scheme) {
			errs = append(errs, ValidationError{"database.url", redact(c.Database.URL),
				fmt.Sprintf("unsupported scheme %q, must be one of %v", scheme, SupportedSchemes())})
		}
	} else if strings.TrimSpace(c.Database.SQLitePath) == "" {
		errs = append(errs, ValidationError{"database.sqlite_path", c.Database.SQLitePath, "must be set when database.url is empty"})
	}
	if c.Database.MaxOpenConns < 0 {
		errs = append(errs, ValidationError{"database.max_open_conns", c.Database.MaxOpenConns, "must not be negative"})
	}
	if c.Database.PingTimeout <= 0 {
		errs = append(errs, ValidationError{"database.ping_timeout", c.Database.PingTimeout, "must be positive"})
	}

	if c.Lifecycle.MaxUpdateAttempts < 1 {
		errs = append(errs, ValidationError{"lifecycle.max_update_attempts", c.Lifecycle.MaxUpdateAttempts, "must be at least 1"})
	}
	if c.Executor.MaxStepRetries < 0 {
		errs = append(errs, ValidationError{"executor.max_step_retries", c.Executor.MaxStepRetries, "must not be negative"})
	}
	if c.Executor.Concurrency < 0 {
		errs = append(errs, ValidationError{"executor.concurrency", c.Executor.Concurrency, "must not be negative"})
	}
	if c.Executor.AutoProvision && c.Executor.Workers < 1 {
		errs = append(errs, ValidationError{"executor.workers", c.Executor.Workers, "must be at least 1 when auto_provision is enabled"})
	}
	if c.Executor.QueueSize < 0 {
		errs = append(errs, ValidationError{"executor.queue_size", c.Executor.QueueSize, "must not be negative"})
	}

	if !slices.Contains(ValidLogLevels(), strings.ToLower(c.Log.Level)) {
		errs = append(errs, ValidationError{"log.level", c.Log.Level, fmt.Sprintf("must be one of %v", ValidLogLevels())})
	}
	if !slices.Contains(ValidLogFormats(), strings.ToLower(c.Log.Format)) {
		errs = append(errs, ValidationError{"log.format", c.Log.Format, fmt.Sprintf("must be one of %v", ValidLogFormats())})
	}

	return errs
}

// redact hides the password of a URL so it can appear in errors.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparseable>"
	}
	return u.Redacted()
}

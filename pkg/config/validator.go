package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/xhad/filingscan/internal/models"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	// Validate EDGAR config
	if strings.TrimSpace(c.Edgar.UserAgent) == "" {
		errors = append(errors, ValidationError{
			Field:   "edgar.user_agent",
			Message: "user agent is required by SEC EDGAR",
		})
	}

	if c.Edgar.RequestsPerSecond <= 0 {
		errors = append(errors, ValidationError{
			Field:   "edgar.requests_per_second",
			Message: "requests_per_second must be positive",
		})
	}

	for field, raw := range map[string]string{
		"edgar.base_url":     c.Edgar.BaseURL,
		"edgar.archives_url": c.Edgar.ArchivesURL,
	} {
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			errors = append(errors, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("invalid URL: %q", raw),
			})
		}
	}

	// Validate download config
	if c.Download.Concurrency <= 0 {
		errors = append(errors, ValidationError{
			Field:   "download.concurrency",
			Message: "concurrency must be positive",
		})
	}

	if c.Download.MaxRetries < 0 {
		errors = append(errors, ValidationError{
			Field:   "download.max_retries",
			Message: "max_retries must not be negative",
		})
	}

	if c.Download.Timeout < 0 || c.Download.BaseBackoff < 0 || c.Download.MaxBackoff < 0 || c.Download.GracePeriod < 0 {
		errors = append(errors, ValidationError{
			Field:   "download",
			Message: "durations must not be negative",
		})
	}

	if c.Download.MaxFileSize < 0 {
		errors = append(errors, ValidationError{
			Field:   "download.max_file_size",
			Message: "max_file_size must not be negative",
		})
	}

	// Validate analysis config
	if c.Analysis.ContextWindow < 0 {
		errors = append(errors, ValidationError{
			Field:   "analysis.context_window",
			Message: "context_window must not be negative",
		})
	}

	if c.Analysis.MaxMatchesPerReport <= 0 {
		errors = append(errors, ValidationError{
			Field:   "analysis.max_matches_per_report",
			Message: "max_matches_per_report must be positive",
		})
	}

	if c.Analysis.Workers < 0 {
		errors = append(errors, ValidationError{
			Field:   "analysis.workers",
			Message: "workers must not be negative",
		})
	}

	// Validate output config
	switch c.Output.Format {
	case FormatConsole, FormatCSV, FormatJSON, FormatHTML:
	default:
		errors = append(errors, ValidationError{
			Field:   "output.format",
			Message: fmt.Sprintf("unknown format %q (console, csv, json, html)", c.Output.Format),
		})
	}

	// Validate database config
	if c.Database.URL != "" {
		if u, err := url.Parse(c.Database.URL); err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
			errors = append(errors, ValidationError{
				Field:   "database.url",
				Message: "invalid database URL",
			})
		}
	}

	return errors
}

// Check folds the validation errors into one ConfigurationError.
func (c *Config) Check() error {
	errs := c.Validate()
	if len(errs) == 0 {
		return nil
	}

	fields := make([]string, 0, len(errs))
	reasons := make([]string, 0, len(errs))
	for _, e := range errs {
		fields = append(fields, e.Field)
		reasons = append(reasons, e.Error())
	}
	return &models.ConfigurationError{
		Field:  strings.Join(fields, ","),
		Reason: strings.Join(reasons, "; "),
	}
}

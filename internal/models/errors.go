package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrCancelled marks a descriptor that did not finish before the run was
// cancelled and the grace period ran out.
var ErrCancelled = errors.New("cancelled")

// ConfigurationError reports an invalid taxonomy or setting. It fails the
// run before any I/O happens.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("configuration error: %s", e.Reason)
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// TransientNetworkError is a retryable failure: a transport error, a 5xx or
// a 429 response.
type TransientNetworkError struct {
	URL        string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *TransientNetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient failure fetching %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("transient failure fetching %s: %v", e.URL, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// PermanentRequestError is a non-retryable failure, such as a 404 or a
// malformed response.
type PermanentRequestError struct {
	URL        string
	StatusCode int
	Reason     string
}

func (e *PermanentRequestError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("request to %s failed with status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("request to %s failed: %s", e.URL, e.Reason)
}

// ExtractionError is returned when plain text cannot be produced from a
// downloaded document.
type ExtractionError struct {
	Path   string
	Reason string
	Err    error
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extraction failed for %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("extraction failed for %s: %s", e.Path, e.Reason)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// IntegrityError means a cached file failed validation. It is treated as a
// cache miss.
type IntegrityError struct {
	Path   string
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed for %s: %s", e.Path, e.Reason)
}

// StorageError means local storage cannot be written. It aborts the run.
type StorageError struct {
	Path string
	Op   string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed for %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsRetryable reports whether err should be retried by the downloader.
func IsRetryable(err error) bool {
	var transient *TransientNetworkError
	return errors.As(err, &transient)
}

// IsFatal reports whether err must abort the whole run.
func IsFatal(err error) bool {
	var cfgErr *ConfigurationError
	var storageErr *StorageError
	return errors.As(err, &cfgErr) || errors.As(err, &storageErr)
}

// Reason renders err as the short reason shown in reports.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrCancelled) {
		return "cancelled"
	}
	return err.Error()
}

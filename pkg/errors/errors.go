// Package errors defines the sentinel errors shared by the batch downloader
// and small helpers for adding context while keeping them comparable with
// errors.Is.
package errors

import "fmt"

// Task outcome errors.
var (
	// ErrMappingFailed is returned when a URL cannot be turned into a relative
	// output path. It is never retried automatically.
	ErrMappingFailed = fmt.Errorf("url mapping failed")

	// ErrSizeUnknown is returned by the size probe when the remote side does not
	// declare a transfer size. Callers degrade to margin-only reservation.
	ErrSizeUnknown = fmt.Errorf("remote size unknown")

	// ErrReservationDenied is returned when the volume cannot accommodate a
	// requested reservation plus the safety margin.
	ErrReservationDenied = fmt.Errorf("reservation denied")

	// ErrTransferFailed is returned once all transfer attempts are exhausted.
	ErrTransferFailed = fmt.Errorf("transfer failed")

	// ErrVerificationFailed is returned when an artifact does not match its manifest.
	ErrVerificationFailed = fmt.Errorf("verification failed")

	// ErrUnsupportedAlgorithm is returned when a manifest can only be checked
	// with a digest algorithm this tool does not compute.
	ErrUnsupportedAlgorithm = fmt.Errorf("unsupported digest algorithm")
)

// Input and infrastructure errors.
var (
	ErrTaskIndexOutOfRange = fmt.Errorf("task index out of range")
	ErrTaskIndexMissing    = fmt.Errorf("task index not provided")
	ErrLockTimeout         = fmt.Errorf("timed out waiting for lock")
	ErrCorruptCounter      = fmt.Errorf("reservation counter is corrupt")
	ErrMalformedRecord     = fmt.Errorf("malformed status record")
	ErrInvalidPath         = fmt.Errorf("invalid path")
	ErrUnexpectedStatus    = fmt.Errorf("unexpected status code")
)

// Config errors.
var (
	ErrEmptyConfigPath   = fmt.Errorf("config file path cannot be empty")
	ErrInvalidConfigPath = fmt.Errorf("invalid config file path")
	ErrConfigParse       = fmt.Errorf("failed to parse config")
	ErrConfigValidation  = fmt.Errorf("invalid configuration")
	ErrConfigEncode      = fmt.Errorf("failed to encode config")
	ErrConfigDirectory   = fmt.Errorf("failed to create config directory")
	ErrConfigFileCreate  = fmt.Errorf("failed to create config file")
	ErrConfigFileExists  = fmt.Errorf("configuration file already exists (use --force to overwrite)")
	ErrConfigFileRename  = fmt.Errorf("failed to rename temporary config file")
	ErrInvalidLogLevel   = fmt.Errorf("invalid log level")
	ErrInvalidLogFormat  = fmt.Errorf("invalid log format")
	ErrInvalidSize       = fmt.Errorf("invalid size")
	ErrUnknownConfigKey  = fmt.Errorf("unknown configuration key")
)

// Wrap wraps an error with additional context.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf wraps an error with additional formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ErrMappingFailedWithURL reports which URL could not be mapped and why.
func ErrMappingFailedWithURL(rawURL, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrMappingFailed, rawURL, reason)
}

// ErrTaskIndexOutOfRangeWithDetails reports the requested index and the number of tasks available.
func ErrTaskIndexOutOfRangeWithDetails(index, count int) error {
	return fmt.Errorf("%w: %d (list has %d entries)", ErrTaskIndexOutOfRange, index, count)
}

// ErrInvalidLogLevelWithDetails is a helper to create a wrapped error with the invalid level and valid options.
func ErrInvalidLogLevelWithDetails(level string) error {
	return fmt.Errorf("%w: '%s', must be one of: error, warn, info, debug", ErrInvalidLogLevel, level)
}

// ErrInvalidLogFormatWithDetails is a helper to create a wrapped error with the invalid format and valid options.
func ErrInvalidLogFormatWithDetails(format string) error {
	return fmt.Errorf("%w: '%s', must be one of: text, json", ErrInvalidLogFormat, format)
}

package core

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig is wrapped by every configuration validation failure.
var ErrInvalidConfig = errors.New("core: invalid configuration")

// ConfigError represents a configuration-related error with actionable instructions.
type ConfigError struct {
	Code    string // Error code for programmatic handling
	Key     string // Environment variable at fault, if any
	Message string
	Action  string // Actionable instruction for resolution
}

func (e *ConfigError) Error() string {
	if e.Action != "" {
		return fmt.Sprintf("%s. %s", e.Message, e.Action)
	}
	return e.Message
}

// Unwrap lets errors.Is match ErrInvalidConfig.
func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfig
}

// Error codes for configuration errors
const (
	ErrCodeInvalidValue     = "INVALID_VALUE"
	ErrCodeOutOfRange       = "OUT_OF_RANGE"
	ErrCodeInvalidTokenHash = "INVALID_TOKEN_HASH"
	ErrCodeMissingConfig    = "MISSING_CONFIG"
)

// ErrInvalidValue returns an error for a value that could not be parsed.
func ErrInvalidValue(key, value, reason string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeInvalidValue,
		Key:     key,
		Message: fmt.Sprintf("Invalid %s '%s': %s", key, value, reason),
		Action:  fmt.Sprintf("Fix or unset %s in your .env file", key),
	}
}

// ErrOutOfRange returns an error for a parsed value outside its allowed range.
func ErrOutOfRange(key string, value interface{}, constraint string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeOutOfRange,
		Key:     key,
		Message: fmt.Sprintf("%s must be %s, got %v", key, constraint, value),
	}
}

// ErrInvalidTokenHash returns an error for an API_TOKEN_HASH that is not a bcrypt hash.
func ErrInvalidTokenHash(reason string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeInvalidTokenHash,
		Key:     "API_TOKEN_HASH",
		Message: fmt.Sprintf("API_TOKEN_HASH is not a bcrypt hash: %s", reason),
		Action:  "Generate one with 'idealsize hash-token <token>'",
	}
}

// ErrMissingConfig returns an error for a required value that is empty.
func ErrMissingConfig(key string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeMissingConfig,
		Key:     key,
		Message: fmt.Sprintf("%s is required", key),
		Action:  fmt.Sprintf("Set %s in your .env file", key),
	}
}

// IsConfigError checks if an error is a ConfigError.
func IsConfigError(err error) bool {
	var configErr *ConfigError
	return errors.As(err, &configErr)
}

// GetConfigErrorCode extracts the error code from a ConfigError.
// Returns an empty string if the error is not a ConfigError.
func GetConfigErrorCode(err error) string {
	var configErr *ConfigError
	if errors.As(err, &configErr) {
		return configErr.Code
	}
	return ""
}

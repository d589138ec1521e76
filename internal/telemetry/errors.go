package telemetry

import "codeberg.org/mutker/ivctl/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig = errors.ErrorCode("telemetry_invalid_config")

	// Registration Errors
	ErrRegisterFailed = errors.ErrorCode("telemetry_register_failed")
)

package errors

// Common error codes
const (
	// System errors
	ErrInternal        ErrorCode = "internal_error"
	ErrInvalidArgument ErrorCode = "invalid_argument"
	ErrAlreadyRunning  ErrorCode = "already_running"

	// Configuration errors
	ErrInvalidConfig   ErrorCode = "invalid_configuration"
	ErrReadConfig      ErrorCode = "read_config_failed"
	ErrBindFlags       ErrorCode = "bind_flags_failed"
	ErrInvalidLogLevel ErrorCode = "invalid_log_level"
	ErrInvalidDriver   ErrorCode = "invalid_instrument_driver"

	// Initialization errors
	ErrInitFailed     ErrorCode = "initialization_failed"
	ErrShutdownFailed ErrorCode = "shutdown_failed"

	// Measurement errors
	ErrMeasurementActive  ErrorCode = "measurement_active"
	ErrInstrumentNotReady ErrorCode = "instrument_not_ready"
	ErrInstrumentFailure  ErrorCode = "instrument_failure"
	ErrInvalidRequest     ErrorCode = "invalid_request"
	ErrInvalidFolder      ErrorCode = "invalid_folder"

	// Persistence errors
	ErrSaveFailed ErrorCode = "save_failed"

	// Operation errors
	ErrOperationFailed ErrorCode = "operation_failed"
	ErrTimeout         ErrorCode = "operation_timeout"
)

// Common error messages
var errorMessages = map[ErrorCode]string{
	ErrInternal:           "Internal error occurred",
	ErrInvalidArgument:    "Invalid argument provided",
	ErrAlreadyRunning:     "Another instance is already running",
	ErrInvalidConfig:      "Invalid configuration",
	ErrReadConfig:         "Failed to read configuration",
	ErrBindFlags:          "Failed to bind flags",
	ErrInvalidLogLevel:    "Invalid log level",
	ErrInvalidDriver:      "Unknown instrument driver",
	ErrInitFailed:         "Initialization failed",
	ErrShutdownFailed:     "Shutdown failed",
	ErrMeasurementActive:  "Measurement active",
	ErrInstrumentNotReady: "Instrument not initialised",
	ErrInstrumentFailure:  "Instrument failure",
	ErrInvalidRequest:     "Invalid sweep request",
	ErrInvalidFolder:      "Working folder does not exist",
	ErrSaveFailed:         "Failed to save measurement",
	ErrOperationFailed:    "Operation failed",
	ErrTimeout:            "Operation timed out",
}

// GetErrorMessage returns the message for a given error code
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}

	return string(code)
}

package instrument

import "codeberg.org/mutker/ivctl/internal/errors"

const (
	ErrConnectFailed     = errors.ErrorCode("instrument_connect_failed")
	ErrIdentifyFailed    = errors.ErrorCode("instrument_identify_failed")
	ErrSetupFailed       = errors.ErrorCode("instrument_setup_failed")
	ErrNotConnected      = errors.ErrorCode("instrument_not_connected")
	ErrReadFailed        = errors.ErrorCode("instrument_read_failed")
	ErrUnusableReading   = errors.ErrorCode("instrument_unusable_reading")
	ErrWriteFailed       = errors.ErrorCode("instrument_write_failed")
	ErrInstrumentClosing = errors.ErrorCode("instrument_close_failed")
)

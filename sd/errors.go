package sd

import "errors"

// Errors returned by the engine. Call sites wrap them with fmt.Errorf and
// callers classify with errors.Is.
var (
	ErrTimeout        = errors.New("sd: timeout")
	ErrCommandCRC     = errors.New("sd: command crc error")
	ErrCommandIndex   = errors.New("sd: command index error")
	ErrCommandEndBit  = errors.New("sd: command end bit error")
	ErrDataCRC        = errors.New("sd: data crc error")
	ErrDataTimeout    = errors.New("sd: data timeout")
	ErrDataEndBit     = errors.New("sd: data end bit error")
	ErrIllegalCommand = errors.New("sd: illegal command")
	ErrDeviceIO       = errors.New("sd: device i/o error")
	ErrDevice         = errors.New("sd: device reported an error")
	ErrNoMedia        = errors.New("sd: no media")
	ErrNotReady       = errors.New("sd: device not ready")
	ErrNoResources    = errors.New("sd: insufficient resources")
	ErrInvalidConfig  = errors.New("sd: invalid configuration")
	ErrNotSupported   = errors.New("sd: not supported")
	ErrBusy           = errors.New("sd: transfer in progress")
	ErrMediaChanged   = errors.New("sd: media changed")
	ErrAborted        = errors.New("sd: transaction aborted")
)

// lineFault reports whether err is a transient command-line fault worth
// retrying after a line reset. Card-reported errors never qualify.
func lineFault(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrCommandCRC) ||
		errors.Is(err, ErrCommandIndex) ||
		errors.Is(err, ErrCommandEndBit)
}

package hwkey

import (
	"errors"
	"fmt"
)

// Engine-level failures delivered through an exchange's completion.
var (
	// ErrDisconnected is returned when a send is attempted while the port is
	// not open, or when the port closes while an exchange is in flight.
	ErrDisconnected = errors.New("hwkey: device disconnected")

	// ErrWatchdog is returned when the device goes silent for the watchdog
	// period while a reply is outstanding.
	ErrWatchdog = errors.New("hwkey: response watchdog expired")

	// ErrCleared is returned for every exchange dropped by Clear or Close.
	ErrCleared = errors.New("hwkey: exchange cleared")

	// ErrLocked is returned when the device reports it is PIN-locked and the
	// engine is configured to reject on lock.
	ErrLocked = errors.New("hwkey: device is locked")

	// ErrUnknownResponse is returned when the first byte of a reply is not in
	// the status vocabulary.
	ErrUnknownResponse = errors.New("hwkey: unknown response byte")

	// ErrNilSequence is returned by Sequence when given a nil callback.
	ErrNilSequence = errors.New("hwkey: sequence callback is nil")
)

var deviceErrorNames = map[byte]string{
	ErrorNotImplemented:   "NOT_IMPLEMENTED",
	ErrorInputTimeout:     "INPUT_TIMEOUT",
	ErrorGenerateMnemonic: "GENERATE_MNEMONIC",
	ErrorMnemonicInvalid:  "MNEMONIC_INVALID",
	ErrorMnemonicTooLong:  "MNEMONIC_TOO_LONG",
	ErrorAppDomainInvalid: "APP_DOMAIN_INVALID",
	ErrorAppDomainTooLong: "APP_DOMAIN_TOO_LONG",
	ErrorMemoryError:      "MEMORY_ERROR",
	ErrorNotInitialised:   "NOT_INITIALISED",
	ErrorUnknownCommand:   "UNKNOWN_COMMAND",
}

// DeviceError is a terminal error reply from the device (codes 246..255).
type DeviceError struct {
	Code byte
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("hwkey: device error %s (0x%02X)", e.Name(), e.Code)
}

// Name returns the stable symbolic name for the error code.
func (e *DeviceError) Name() string {
	if name, ok := deviceErrorNames[e.Code]; ok {
		return name
	}
	return fmt.Sprintf("DEVICE_ERROR_0x%02X", e.Code)
}

// isDeviceErrorCode reports whether b is in the device error range.
func isDeviceErrorCode(b byte) bool {
	_, ok := deviceErrorNames[b]
	return ok
}

package hwkey

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceErrorNames(t *testing.T) {
	cases := []struct {
		code byte
		name string
	}{
		{ErrorUnknownCommand, "UNKNOWN_COMMAND"},
		{ErrorNotInitialised, "NOT_INITIALISED"},
		{ErrorMemoryError, "MEMORY_ERROR"},
		{ErrorAppDomainTooLong, "APP_DOMAIN_TOO_LONG"},
		{ErrorAppDomainInvalid, "APP_DOMAIN_INVALID"},
		{ErrorMnemonicTooLong, "MNEMONIC_TOO_LONG"},
		{ErrorMnemonicInvalid, "MNEMONIC_INVALID"},
		{ErrorGenerateMnemonic, "GENERATE_MNEMONIC"},
		{ErrorInputTimeout, "INPUT_TIMEOUT"},
		{ErrorNotImplemented, "NOT_IMPLEMENTED"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := &DeviceError{Code: tc.code}
			assert.Equal(t, tc.name, err.Name())
			assert.Contains(t, err.Error(), tc.name)
			assert.True(t, isDeviceErrorCode(tc.code))
		})
	}
}

func TestDeviceErrorRange(t *testing.T) {
	for b := 0; b < 246; b++ {
		assert.False(t, isDeviceErrorCode(byte(b)), "byte %d", b)
	}
	for b := 246; b <= 255; b++ {
		assert.True(t, isDeviceErrorCode(byte(b)), "byte %d", b)
	}
}

func TestDeviceErrorAs(t *testing.T) {
	wrapped := fmt.Errorf("send info: %w", &DeviceError{Code: ErrorMemoryError})
	var devErr *DeviceError
	require.True(t, errors.As(wrapped, &devErr))
	assert.Equal(t, ErrorMemoryError, devErr.Code)
}

func TestStatusName(t *testing.T) {
	assert.Equal(t, "OK", StatusName(ResponseOK))
	assert.Equal(t, "WAIT_USER_CONFIRM", StatusName(ResponseWaitUserConfirm))
	assert.Equal(t, "NOT_INITIALISED", StatusName(ErrorNotInitialised))
	assert.Equal(t, "UNKNOWN(0x63)", StatusName(0x63))
}

package hwkey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDemoDevice(t *testing.T) {
	e := newEngine("demo-test", NewDemoTransport(), Config{}.withDefaults())
	require.NoError(t, e.Open())
	t.Cleanup(func() { e.Close() })

	confirms := eventChan(e, EventWaitUserConfirm)
	ctx := testCtx(t)

	res, err := e.SendByte(ctx, CommandWake)
	require.NoError(t, err)
	assert.Equal(t, ResponseOK, res.Status)

	res, err = e.SendByte(ctx, CommandInfo)
	require.NoError(t, err)
	assert.Equal(t, []byte("demo-key 1.0"), res.Data)

	// Key export before setup fails with a device error.
	_, err = e.SendByte(ctx, CommandExportAppKey)
	var devErr *DeviceError
	require.ErrorAs(t, err, &devErr)
	assert.Equal(t, ErrorNotInitialised, devErr.Code)

	res, err = e.SendByte(ctx, CommandSetup)
	require.NoError(t, err)
	assert.Equal(t, ResponseOK, res.Status)

	// Export now asks for confirmation, then returns key material.
	res, err = e.SendByte(ctx, CommandExportAppKey)
	require.NoError(t, err)
	assert.Len(t, res.Data, 32)
	waitEvent(t, confirms)

	_, err = e.Send(ctx, []byte{0xF0})
	require.ErrorAs(t, err, &devErr)
	assert.Equal(t, ErrorUnknownCommand, devErr.Code)
}

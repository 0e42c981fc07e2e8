package traffic

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderDisabledWritesNothing(t *testing.T) {
	dir := t.TempDir()
	r := New(Config{Enabled: false, Path: dir})
	defer r.Close()

	r.Record("tx", []byte{0x01, 0x02})

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRecorderWritesRows(t *testing.T) {
	dir := t.TempDir()
	r := New(Config{Enabled: true, Path: dir})

	r.Record("tx", []byte{0x02})
	r.Record("rx", []byte{0x04, 'h', 'i', 0x05})
	r.Close()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	f, err := os.Open(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3) // header + 2 deliveries

	assert.Equal(t, []string{"timestamp", "dir", "len", "bytes_hex"}, rows[0])
	assert.Equal(t, "tx", rows[1][1])
	assert.Equal(t, "1", rows[1][2])
	assert.Equal(t, "02", rows[1][3])
	assert.Equal(t, "rx", rows[2][1])
	assert.Equal(t, "04686905", rows[2][3])
}

func TestRecorderToggle(t *testing.T) {
	dir := t.TempDir()
	r := New(Config{Enabled: true, Path: dir})
	defer r.Close()

	assert.True(t, r.IsEnabled())
	r.Record("tx", []byte{0x01})
	r.SetEnabled(false)
	assert.False(t, r.IsEnabled())
	r.Record("tx", []byte{0x02}) // dropped while disabled
	r.Close()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	f, err := os.Open(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2) // header + the single enabled delivery
	assert.Equal(t, "01", rows[1][3])
}

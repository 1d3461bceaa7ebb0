package device_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaydb/pagestore/common"
	"github.com/relaydb/pagestore/common/testutil"
	"github.com/relaydb/pagestore/device"
)

func TestFileDeviceReadWriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")

	d := device.NewFileDevice()
	require.NoError(t, d.Create(path))
	defer d.Close()

	require.NoError(t, d.Write(0, []byte("hello world")))
	got, err := d.Read(0, 11)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(got))
}

func TestFileDeviceTruncateAndSeekEnd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")

	d := device.NewFileDevice()
	require.NoError(t, d.Create(path))
	defer d.Close()

	require.NoError(t, d.Truncate(4096))
	end, err := d.SeekEnd()
	require.NoError(t, err)
	require.EqualValues(t, 4096, end)
}

func TestFileDeviceSecondOpenIsLocked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")

	first := device.NewFileDevice()
	require.NoError(t, first.Create(path))
	defer first.Close()

	second := device.NewFileDevice()
	err := second.Open(path)
	require.Error(t, err)
}

func TestMemoryDeviceGrowsOnWrite(t *testing.T) {
	d := device.NewMemoryDevice()
	require.NoError(t, d.Create(""))

	require.NoError(t, d.Write(100, []byte("x")))
	end, err := d.SeekEnd()
	require.NoError(t, err)
	require.EqualValues(t, 101, end)

	_, err = d.Read(0, 101)
	require.NoError(t, err)
}

func TestMemoryDeviceReadOutOfBoundsFails(t *testing.T) {
	d := device.NewMemoryDevice()
	require.NoError(t, d.Create(""))
	_, err := d.Read(0, 10)
	require.Error(t, err)
}

// TestResourceLimiterCapsGrowth models the disk-budget accounting a caller
// places around Truncate calls: the device itself enforces no quota, so a
// ResourceLimiter tracks bytes alongside it and refuses growth past the cap.
func TestResourceLimiterCapsGrowth(t *testing.T) {
	dir := testutil.TempDir(t)
	path := filepath.Join(dir, "data.db")

	d := device.NewFileDevice()
	require.NoError(t, d.Create(path))
	defer d.Close()

	limiter := testutil.NewResourceLimiter(8192, 0)
	require.NoError(t, limiter.AllocDisk(4096))
	require.NoError(t, d.Truncate(4096))

	err := limiter.AllocDisk(8192)
	require.ErrorIs(t, err, common.ErrDiskFull)
	require.EqualValues(t, 4096, limiter.DiskUsed())

	limiter.FreeDisk(4096)
	require.EqualValues(t, 0, limiter.DiskUsed())
}

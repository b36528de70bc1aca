package device

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSimDriverAllocFreeReuse(t *testing.T) {
	d := NewSimDriver()
	d.SetDeviceMemory(0, 16<<20)

	p1, err := d.DeviceAlloc(0, 4<<20)
	require.NoError(t, err)

	free, total, err := d.MemInfo(0)
	require.NoError(t, err)
	require.Equal(t, uint64(16<<20), total)
	require.Equal(t, uint64(12<<20), free)

	require.NoError(t, d.DeviceFree(0, p1))

	free, _, err = d.MemInfo(0)
	require.NoError(t, err)
	require.Equal(t, uint64(16<<20), free)

	p2, err := d.DeviceAlloc(0, 4<<20)
	require.NoError(t, err)
	require.Equal(t, p1, p2, "freed region should be reused first-fit")
}

func TestSimDriverOutOfMemory(t *testing.T) {
	d := NewSimDriver()
	d.SetDeviceMemory(0, 8<<20)

	_, err := d.DeviceAlloc(0, 4<<20)
	require.NoError(t, err)

	_, err = d.DeviceAlloc(0, 8<<20)
	require.ErrorIs(t, err, ErrOutOfMemory)
}

func TestSimDriverEventLifecycle(t *testing.T) {
	d := NewSimDriver()
	d.SetDeviceMemory(0, 1<<20)
	s := NewStream(0)

	ev, err := d.NewEvent(0)
	require.NoError(t, err)
	require.NoError(t, d.EventRecord(ev, s))

	complete, err := d.EventQuery(ev)
	require.NoError(t, err)
	require.False(t, complete)

	d.CompleteStream(s)

	complete, err = d.EventQuery(ev)
	require.NoError(t, err)
	require.True(t, complete)

	require.NoError(t, d.DestroyEvent(ev))
}

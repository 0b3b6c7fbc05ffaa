package devmgr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterDeviceRejectsDuplicateName(t *testing.T) {
	m := New()
	require.NoError(t, m.RegisterDevice(CreateDevice("null", TypeChar, MajorNull, 0)))
	err := m.RegisterDevice(CreateDevice("null", TypeChar, MajorNull, 1))
	require.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestDriverProbeAttachBindsOnDeviceRegister(t *testing.T) {
	m := New()
	ops := &Ops{}
	attached := false
	drv := &Driver{
		Name: "nulldrv",
		Type: TypeChar,
		Probe: func(d *Device) bool {
			return d.Major == MajorNull
		},
		Attach: func(d *Device) error {
			attached = true
			return nil
		},
		Ops: ops,
	}
	require.NoError(t, m.RegisterDriver(drv))

	dev := CreateDevice("null", TypeChar, MajorNull, 0)
	require.NoError(t, m.RegisterDevice(dev))

	require.True(t, attached)
	require.Equal(t, drv, dev.Driver)
	require.Equal(t, ops, dev.Ops)
}

func TestDriverRegisteredAfterDeviceStillAttaches(t *testing.T) {
	m := New()
	dev := CreateDevice("rnd", TypeChar, MajorRandom, 0)
	require.NoError(t, m.RegisterDevice(dev))
	require.Nil(t, dev.Driver)

	drv := &Driver{
		Name: "rnddrv",
		Type: TypeChar,
		Probe: func(d *Device) bool {
			return true
		},
		Attach: func(d *Device) error { return nil },
	}
	require.NoError(t, m.RegisterDriver(drv))
	require.Equal(t, drv, dev.Driver)
}

func TestUnregisterDriverDetachesBoundDevices(t *testing.T) {
	m := New()
	detached := false
	drv := &Driver{
		Name:   "d",
		Type:   TypeUnknown,
		Probe:  func(d *Device) bool { return true },
		Attach: func(d *Device) error { return nil },
		Detach: func(d *Device) error { detached = true; return nil },
	}
	require.NoError(t, m.RegisterDriver(drv))
	dev := CreateDevice("x", TypeChar, 0, 0)
	require.NoError(t, m.RegisterDevice(dev))
	require.Equal(t, drv, dev.Driver)

	require.NoError(t, m.UnregisterDriver(drv))
	require.True(t, detached)
	require.Nil(t, dev.Driver)
}

func TestReadWriteAccountingIncrementsCounters(t *testing.T) {
	dev := CreateDevice("mem", TypeChar, MajorMem, 0)
	dev.Ops = &Ops{
		Read: func(d *Device, buf []byte, offset uint64) (int64, error) {
			return int64(len(buf)), nil
		},
	}
	n, err := dev.Read(make([]byte, 10), 0)
	require.NoError(t, err)
	require.Equal(t, int64(10), n)
	require.Equal(t, uint64(10), dev.ReadBytes)
	require.Equal(t, uint64(1), dev.ReadOps)
}

func TestReadWithoutOpsReturnsNotSupported(t *testing.T) {
	dev := CreateDevice("x", TypeChar, 0, 0)
	_, err := dev.Read(make([]byte, 1), 0)
	require.ErrorIs(t, err, ErrNotSupported)
}

func TestReadBlocksRejectsNonBlockDevice(t *testing.T) {
	dev := CreateDevice("tty0", TypeChar, MajorTTY, 0)
	err := dev.ReadBlocks(0, 1, make([]byte, 512))
	require.Error(t, err)
}

func TestReadBlocksIteratesOverCount(t *testing.T) {
	var seen []uint64
	dev := CreateDevice("sda", TypeBlock, MajorDisk, 0)
	dev.Ops = &Ops{
		GetBlockSize: func(d *Device) uint32 { return 512 },
		ReadBlock: func(d *Device, block uint64, buf []byte) error {
			seen = append(seen, block)
			return nil
		},
	}
	buf := make([]byte, 512*3)
	require.NoError(t, dev.ReadBlocks(10, 3, buf))
	require.Equal(t, []uint64{10, 11, 12}, seen)
}

func TestWriteBlocksRejectsReadonlyDevice(t *testing.T) {
	dev := CreateDevice("sda", TypeBlock, MajorDisk, 0)
	dev.Flags = FlagReadonly
	dev.Ops = &Ops{
		GetBlockSize: func(d *Device) uint32 { return 512 },
		WriteBlock: func(d *Device, block uint64, buf []byte) error {
			t.Fatal("WriteBlock must not be called on a read-only device")
			return nil
		},
	}
	err := dev.WriteBlocks(0, 1, make([]byte, 512))
	require.ErrorIs(t, err, ErrReadOnly)
}

// Package devmgr implements the device/driver registries and probe/attach
// matching described in spec.md §4.5, grounded on
// original_source/src/kernel/device.c/device.h.
package devmgr

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Device classes mirror DEV_TYPE_* from device.h.
type Type uint32

const (
	TypeUnknown Type = iota
	TypeChar
	TypeBlock
	TypeNet
	TypeInput
	TypeDisplay
	TypeSound
	TypeStorage
	TypeUSB
	TypePCI
)

// Major device classes (DEV_MAJOR_*).
const (
	MajorNull    = 1
	MajorFloppy  = 2
	MajorTTY     = 4
	MajorConsole = 5
	MajorMem     = 6
	MajorRandom  = 7
	MajorDisk    = 8
	MajorInput   = 13
	MajorFB      = 29
)

// Flags (DEV_FLAG_*).
const (
	FlagRemovable = 0x01
	FlagReadonly  = 0x02
	FlagHotplug   = 0x04
	FlagVirtual   = 0x08
)

var (
	ErrAlreadyRegistered = errors.New("devmgr: already registered")
	ErrNotFound          = errors.New("devmgr: not found")
	ErrReadOnly          = errors.New("devmgr: read-only medium")
)

// Ops is a device's operation vtable (DeviceOps). Any method may be nil.
type Ops struct {
	Open  func(d *Device, flags int) error
	Close func(d *Device) error
	Read  func(d *Device, buf []byte, offset uint64) (int64, error)
	Write func(d *Device, buf []byte, offset uint64) (int64, error)
	Ioctl func(d *Device, request uint64, arg any) (int, error)

	Suspend func(d *Device) error
	Resume  func(d *Device) error

	ReadBlock     func(d *Device, block uint64, buf []byte) error
	WriteBlock    func(d *Device, block uint64, buf []byte) error
	GetBlockCount func(d *Device) uint64
	GetBlockSize  func(d *Device) uint32
}

// Device mirrors the Device struct in device.h, minus the VFS tree links
// (devfs owns the node <-> device mapping instead).
type Device struct {
	mu sync.Mutex

	Name  string
	Type  Type
	Major uint32
	Minor uint32
	Flags uint32

	Ops     *Ops
	Driver  *Driver
	Private any

	Parent   *Device
	Children []*Device

	ReadBytes, WriteBytes uint64
	ReadOps, WriteOps     uint64
}

// Driver mirrors the Driver struct in device.h: probe decides fitness,
// attach/detach bind and release a matched device.
type Driver struct {
	Name string
	Type Type

	Probe  func(d *Device) bool
	Attach func(d *Device) error
	Detach func(d *Device) error

	Ops     *Ops
	Private any
}

// Manager owns the device and driver registries and implements the
// probe/attach matching loop from device_register/driver_register.
type Manager struct {
	mu sync.Mutex

	devices []*Device
	drivers []*Driver

	// OnDeviceRegistered is invoked (if set) after a device is added to the
	// registry and matched against drivers, letting devfs mirror it into
	// /dev without devmgr importing vfs directly.
	OnDeviceRegistered func(d *Device)
	OnDeviceRemoved    func(d *Device)

	log *logrus.Entry
}

// New constructs an empty device manager.
func New() *Manager {
	return &Manager{log: logrus.WithField("component", "devmgr")}
}

// CreateDevice allocates a Device, matching device_create.
func CreateDevice(name string, typ Type, major, minor uint32) *Device {
	return &Device{Name: name, Type: typ, Major: major, Minor: minor}
}

// RegisterDevice adds dev to the registry, rejects a duplicate name, and
// runs the probe/attach loop over registered drivers, matching
// device_register.
func (m *Manager) RegisterDevice(dev *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range m.devices {
		if d.Name == dev.Name {
			return fmt.Errorf("%w: device %q", ErrAlreadyRegistered, dev.Name)
		}
	}
	m.devices = append(m.devices, dev)

	for _, drv := range m.drivers {
		if drv.Type != dev.Type && drv.Type != TypeUnknown {
			continue
		}
		if drv.Probe != nil && !drv.Probe(dev) {
			continue
		}
		if drv.Attach != nil {
			if err := drv.Attach(dev); err != nil {
				continue
			}
		}
		dev.Driver = drv
		if dev.Ops == nil {
			dev.Ops = drv.Ops
		}
		break
	}

	m.log.WithField("device", dev.Name).Info("registered device")
	if m.OnDeviceRegistered != nil {
		m.OnDeviceRegistered(dev)
	}
	return nil
}

// UnregisterDevice removes dev from the registry and detaches its driver,
// matching device_unregister.
func (m *Manager) UnregisterDevice(dev *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := -1
	for i, d := range m.devices {
		if d == dev {
			idx = i
			break
		}
	}
	if idx == -1 {
		return ErrNotFound
	}
	m.devices = append(m.devices[:idx], m.devices[idx+1:]...)

	if dev.Driver != nil && dev.Driver.Detach != nil {
		dev.Driver.Detach(dev)
	}

	if m.OnDeviceRemoved != nil {
		m.OnDeviceRemoved(dev)
	}
	return nil
}

// FindDeviceByName matches device_find_by_name.
func (m *Manager) FindDeviceByName(name string) *Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d.Name == name {
			return d
		}
	}
	return nil
}

// FindDeviceByNumber matches device_find_by_number.
func (m *Manager) FindDeviceByNumber(major, minor uint32) *Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d.Major == major && d.Minor == minor {
			return d
		}
	}
	return nil
}

// Devices returns a snapshot of the device registry.
func (m *Manager) Devices() []*Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Device, len(m.devices))
	copy(out, m.devices)
	return out
}

// RegisterDriver adds drv to the registry and retries probe/attach against
// every device not already bound to a driver, matching driver_register.
func (m *Manager) RegisterDriver(drv *Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range m.drivers {
		if d.Name == drv.Name {
			return fmt.Errorf("%w: driver %q", ErrAlreadyRegistered, drv.Name)
		}
	}
	m.drivers = append(m.drivers, drv)
	m.log.WithField("driver", drv.Name).Info("registered driver")

	for _, dev := range m.devices {
		if dev.Driver != nil {
			continue
		}
		if drv.Type != dev.Type && drv.Type != TypeUnknown {
			continue
		}
		if drv.Probe != nil && !drv.Probe(dev) {
			continue
		}
		if drv.Attach != nil {
			if err := drv.Attach(dev); err != nil {
				continue
			}
		}
		dev.Driver = drv
		if dev.Ops == nil {
			dev.Ops = drv.Ops
		}
	}
	return nil
}

// UnregisterDriver detaches drv from every bound device and removes it
// from the registry, matching driver_unregister.
func (m *Manager) UnregisterDriver(drv *Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, dev := range m.devices {
		if dev.Driver == drv {
			if drv.Detach != nil {
				drv.Detach(dev)
			}
			dev.Driver = nil
		}
	}

	idx := -1
	for i, d := range m.drivers {
		if d == drv {
			idx = i
			break
		}
	}
	if idx == -1 {
		return ErrNotFound
	}
	m.drivers = append(m.drivers[:idx], m.drivers[idx+1:]...)
	return nil
}

// FindDriverByName matches driver_find_by_name.
func (m *Manager) FindDriverByName(name string) *Driver {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.drivers {
		if d.Name == name {
			return d
		}
	}
	return nil
}

// Open/Close/Read/Write/Ioctl are the high-level device operations
// (device_open etc.): a nil Ops or nil method is a silent success for
// open/close (matching the original's "no handler -> 0") and an explicit
// error for read/write/ioctl.

func (d *Device) Open(flags int) error {
	if d.Ops == nil || d.Ops.Open == nil {
		return nil
	}
	return d.Ops.Open(d, flags)
}

func (d *Device) CloseDevice() error {
	if d.Ops == nil || d.Ops.Close == nil {
		return nil
	}
	return d.Ops.Close(d)
}

var ErrNotSupported = errors.New("devmgr: operation not supported")

func (d *Device) Read(buf []byte, offset uint64) (int64, error) {
	if d.Ops == nil || d.Ops.Read == nil {
		return 0, ErrNotSupported
	}
	n, err := d.Ops.Read(d, buf, offset)
	if n > 0 {
		d.mu.Lock()
		d.ReadBytes += uint64(n)
		d.ReadOps++
		d.mu.Unlock()
	}
	return n, err
}

func (d *Device) Write(buf []byte, offset uint64) (int64, error) {
	if d.Ops == nil || d.Ops.Write == nil {
		return 0, ErrNotSupported
	}
	n, err := d.Ops.Write(d, buf, offset)
	if n > 0 {
		d.mu.Lock()
		d.WriteBytes += uint64(n)
		d.WriteOps++
		d.mu.Unlock()
	}
	return n, err
}

func (d *Device) Ioctl(request uint64, arg any) (int, error) {
	if d.Ops == nil || d.Ops.Ioctl == nil {
		return -1, ErrNotSupported
	}
	return d.Ops.Ioctl(d, request, arg)
}

// ReadBlocks reads count fixed-size blocks starting at start, matching
// device_read_blocks.
func (d *Device) ReadBlocks(start uint64, count uint32, buf []byte) error {
	if d.Type != TypeBlock {
		return fmt.Errorf("devmgr: %w: not a block device", ErrNotSupported)
	}
	if d.Ops == nil || d.Ops.ReadBlock == nil {
		return ErrNotSupported
	}
	blockSize := uint32(512)
	if d.Ops.GetBlockSize != nil {
		blockSize = d.Ops.GetBlockSize(d)
	}
	for i := uint32(0); i < count; i++ {
		off := uint64(i) * uint64(blockSize)
		if off+uint64(blockSize) > uint64(len(buf)) {
			return fmt.Errorf("devmgr: buffer too small for %d blocks", count)
		}
		if err := d.Ops.ReadBlock(d, start+uint64(i), buf[off:off+uint64(blockSize)]); err != nil {
			return err
		}
	}
	return nil
}

// WriteBlocks mirrors ReadBlocks for device_write_blocks.
func (d *Device) WriteBlocks(start uint64, count uint32, buf []byte) error {
	if d.Type != TypeBlock {
		return fmt.Errorf("devmgr: %w: not a block device", ErrNotSupported)
	}
	if d.Flags&FlagReadonly != 0 {
		return ErrReadOnly
	}
	if d.Ops == nil || d.Ops.WriteBlock == nil {
		return ErrNotSupported
	}
	blockSize := uint32(512)
	if d.Ops.GetBlockSize != nil {
		blockSize = d.Ops.GetBlockSize(d)
	}
	for i := uint32(0); i < count; i++ {
		off := uint64(i) * uint64(blockSize)
		if off+uint64(blockSize) > uint64(len(buf)) {
			return fmt.Errorf("devmgr: buffer too small for %d blocks", count)
		}
		if err := d.Ops.WriteBlock(d, start+uint64(i), buf[off:off+uint64(blockSize)]); err != nil {
			return err
		}
	}
	return nil
}

// AddChild/RemoveChild maintain the device tree (device_add_child /
// device_remove_child).
func (parent *Device) AddChild(child *Device) {
	child.Parent = parent
	parent.Children = append(parent.Children, child)
}

func (parent *Device) RemoveChild(child *Device) error {
	for i, c := range parent.Children {
		if c == child {
			parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
			child.Parent = nil
			return nil
		}
	}
	return ErrNotFound
}

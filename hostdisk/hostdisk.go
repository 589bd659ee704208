// Package hostdisk provides BlockDevice implementations backed by ordinary
// host resources: a raw disk image file, or a real block device node. It is
// the development-host analogue of the BIOS INT13h shim the bootloader
// itself reads through — the same github.com/diskboot/ext4boot/blockdevice
// interface serves both, so partition dispatch and ext4 reading can be
// developed and tested here without a BIOS or a VM.
package hostdisk

import (
	"errors"
	"fmt"
	"os"

	"github.com/diskboot/ext4boot/blockdevice"
)

// DeviceType distinguishes a plain image file from an OS block device node,
// since only the latter supports the ioctls in hostdisk_unix.go.
type DeviceType int

const (
	DeviceTypeUnknown DeviceType = iota
	DeviceTypeFile
	DeviceTypeBlockDevice
)

// DetermineDeviceType inspects f's mode to classify it.
func DetermineDeviceType(f *os.File) (DeviceType, error) {
	info, err := f.Stat()
	if err != nil {
		return DeviceTypeUnknown, fmt.Errorf("could not stat %s: %w", f.Name(), err)
	}
	mode := info.Mode()
	switch {
	case mode.IsRegular():
		return DeviceTypeFile, nil
	case mode&os.ModeDevice != 0:
		return DeviceTypeBlockDevice, nil
	default:
		return DeviceTypeUnknown, fmt.Errorf("%s is neither a block device nor a regular file", info.Name())
	}
}

const defaultSectorSize = 512

// File is a BlockDevice reading a raw disk image or block device node
// through an *os.File, at a fixed, caller-supplied sector size. Opened
// read-only: the core this module ships never writes.
type File struct {
	f          *os.File
	sectorSize uint16
	deviceType DeviceType
}

var _ blockdevice.BlockDevice = (*File)(nil)

// Open opens path read-only and classifies it as a file or block device.
// sectorSize is typically 512; pass 0 to use the default.
func Open(path string, sectorSize uint16) (*File, error) {
	if path == "" {
		return nil, errors.New("hostdisk: must pass a device or file path")
	}
	if sectorSize == 0 {
		sectorSize = defaultSectorSize
	}
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("hostdisk: could not open %s: %w", path, err)
	}
	dt, err := DetermineDeviceType(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &File{f: f, sectorSize: sectorSize, deviceType: dt}, nil
}

func (d *File) SectorSize() uint16 {
	return d.sectorSize
}

func (d *File) ReadAt(lba uint64, buf []byte) error {
	if len(buf)%int(d.sectorSize) != 0 {
		return fmt.Errorf("hostdisk: read length %d is not a multiple of sector size %d", len(buf), d.sectorSize)
	}
	n, err := d.f.ReadAt(buf, int64(lba)*int64(d.sectorSize))
	if err != nil {
		return fmt.Errorf("hostdisk: read at lba %d: %w", lba, err)
	}
	if n != len(buf) {
		return fmt.Errorf("%w: read %d of %d bytes at lba %d", blockdevice.ErrShortRead, n, len(buf), lba)
	}
	return nil
}

// Size returns the size in bytes of the underlying file or device.
func (d *File) Size() (int64, error) {
	switch d.deviceType {
	case DeviceTypeFile:
		info, err := d.f.Stat()
		if err != nil {
			return 0, err
		}
		return info.Size(), nil
	case DeviceTypeBlockDevice:
		return deviceSize(d.f)
	default:
		return 0, errors.New("hostdisk: unknown device type")
	}
}

// Close releases the underlying file handle.
func (d *File) Close() error {
	return d.f.Close()
}

// DeviceType reports whether this File wraps a regular file or a block
// device node.
func (d *File) DeviceType() DeviceType {
	return d.deviceType
}

// OSFile exposes the underlying *os.File for ioctl calls that need a raw fd,
// mirroring the teacher's Storage.Sys() boundary.
func (d *File) OSFile() *os.File {
	return d.f
}

//go:build aix || darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris

package hostdisk

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const (
	blkSSZGet = 0x1268
	blkBSZGet = 0x80081270
	blkRRPart = 0x125f
	blkGetSz64 = 0x80081272
)

// SectorSizes returns the logical and physical sector size reported by the
// kernel for a block device. Only meaningful when f wraps a block device
// node, not a plain image file — callers should check DeviceType first.
func SectorSizes(f *os.File) (logical, physical int64, err error) {
	fd := int(f.Fd())
	l, err := unix.IoctlGetInt(fd, blkSSZGet)
	if err != nil {
		return 0, 0, fmt.Errorf("hostdisk: get logical sector size: %w", err)
	}
	p, err := unix.IoctlGetInt(fd, blkBSZGet)
	if err != nil {
		return 0, 0, fmt.Errorf("hostdisk: get physical sector size: %w", err)
	}
	return int64(l), int64(p), nil
}

// deviceSize reads the size in bytes of a block device via BLKGETSIZE64.
func deviceSize(f *os.File) (int64, error) {
	size, err := unix.IoctlGetUint64(int(f.Fd()), blkGetSz64)
	if err != nil {
		return 0, fmt.Errorf("hostdisk: get device size: %w", err)
	}
	return int64(size), nil
}

// ReReadPartitionTable asks the kernel to re-read the partition table on a
// block device via BLKRRPART, after something else (a partition dispatcher
// test rig, a provisioning tool) has modified it out from under the kernel.
func (d *File) ReReadPartitionTable() error {
	if d.deviceType != DeviceTypeBlockDevice {
		return nil
	}
	_, err := unix.IoctlGetInt(int(d.f.Fd()), blkRRPart)
	if err != nil {
		return fmt.Errorf("hostdisk: re-read partition table: %w", err)
	}
	return nil
}

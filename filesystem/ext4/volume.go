// Package ext4 implements a read-only ext4 client: superblock and group
// descriptor parsing, inode lookup, and the extent-tree reader that maps a
// file's logical blocks to physical disk blocks (spec.md's core, §2-§4).
package ext4

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/diskboot/ext4boot/blockdevice"
)

// Options configures policy the core spec leaves open (§9 design notes).
type Options struct {
	// StrictChecksums turns the default soft-failure policy on interior
	// extent-block checksum mismatches (log and continue) into a hard
	// failure (§9 open question 3). Group descriptor and inode checksum
	// mismatches are logged and never fatal, whatever this is set to.
	StrictChecksums bool
}

// Volume is a mounted ext4 filesystem: a superblock, its group descriptor
// table, and the BlockDevice they were read from. It is immutable once
// Open returns (spec §3: "created once... immutable thereafter").
type Volume struct {
	dev      blockdevice.BlockDevice
	startLBA uint64
	sb       *Superblock
	gds      []GroupDescriptor
	opts     Options
}

// Open reads the superblock and group descriptor table at startLBA (the
// partition's first sector on the drive) and returns a mounted Volume.
// It fails with ErrBadSuperblock if the location is not an ext4
// filesystem, and with ErrUnsupportedFeature if the volume requires the
// extents feature but does not declare it (the core cannot usefully open
// a volume it can never return an ExtentTree for).
func Open(dev blockdevice.BlockDevice, startLBA uint64, opts ...Options) (*Volume, error) {
	o := Options{}
	if len(opts) > 0 {
		o = opts[0]
	}

	sectorSize := uint64(dev.SectorSize())
	startByte := startLBA * sectorSize

	sbBytes := make([]byte, SuperblockSize)
	if err := blockdevice.ReadBytes(dev, int64(startByte+SuperblockOffset), sbBytes); err != nil {
		return nil, &IoError{Op: "read superblock", Err: err}
	}

	sb, err := superblockFromBytes(sbBytes)
	if err != nil {
		return nil, err
	}
	if !sb.Features.Extents() {
		return nil, fmt.Errorf("%w: volume does not declare the extents feature", ErrUnsupportedFeature)
	}

	v := &Volume{dev: dev, startLBA: startLBA, sb: sb, opts: o}

	groupCount := (sb.BlockCount + uint64(sb.BlocksPerGroup) - 1) / uint64(sb.BlocksPerGroup)
	descSize := int(sb.GroupDescriptorSize)
	if descSize < groupDescriptorSize32 {
		descSize = groupDescriptorSize32
	}
	gdtBytes := make([]byte, int(groupCount)*descSize)
	// the group descriptor table occupies the block(s) immediately
	// following the block holding the superblock.
	sbBlock := sb.FirstDataBlock
	gdtByteOffset := startByte + uint64(sbBlock+1)*uint64(sb.BlockSize)
	if err := blockdevice.ReadBytes(dev, int64(gdtByteOffset), gdtBytes); err != nil {
		return nil, &IoError{Op: "read group descriptor table", Err: err}
	}

	log := logrus.WithFields(logrus.Fields{"drive_id": startLBA})
	gds, err := parseGroupDescriptors(gdtBytes, sb, uint32(groupCount), func(group uint32) {
		log.WithFields(logrus.Fields{"group": group, "reason": "gdt checksum mismatch"}).Warn("group descriptor checksum mismatch")
	})
	if err != nil {
		return nil, err
	}
	v.gds = gds

	return v, nil
}

// Superblock returns the volume's parsed superblock.
func (v *Volume) Superblock() *Superblock { return v.sb }

// ReadBlock reads one full filesystem block, implementing the blockReader
// surface LoadExtentTree needs, independent of the underlying device's
// sector size.
func (v *Volume) ReadBlock(block PhysicalBlockID, buf []byte) error {
	if len(buf) != int(v.sb.BlockSize) {
		return fmt.Errorf("ext4: read block buffer must be %d bytes, got %d", v.sb.BlockSize, len(buf))
	}
	offset := v.startLBA*uint64(v.dev.SectorSize()) + uint64(block)*uint64(v.sb.BlockSize)
	return blockdevice.ReadBytes(v.dev, int64(offset), buf)
}

// InodeHandle is an opened inode bound to the volume it came from, so it
// can materialize its own ExtentTree on demand (spec §6:
// InodeHandle.extent_tree()).
type InodeHandle struct {
	*Inode
	vol *Volume
}

// OpenInode locates and parses the on-disk inode record for number,
// resolving it through the group descriptor table per §4.6.
func (v *Volume) OpenInode(number uint32) (*InodeHandle, error) {
	if number == 0 {
		return nil, fmt.Errorf("%w: inode number 0 is not valid", ErrCorruptMetadata)
	}
	inodesPerGroup := v.sb.InodesPerGroup
	group := (number - 1) / inodesPerGroup
	indexInGroup := (number - 1) % inodesPerGroup

	if int(group) >= len(v.gds) {
		return nil, fmt.Errorf("%w: inode %d falls in group %d, volume has %d groups", ErrCorruptMetadata, number, group, len(v.gds))
	}
	gd := v.gds[group]

	inodeSize := uint64(v.sb.InodeSize)
	byteOffset := v.startLBA*uint64(v.dev.SectorSize()) +
		gd.InodeTableBlock*uint64(v.sb.BlockSize) +
		uint64(indexInGroup)*inodeSize

	raw := make([]byte, inodeSize)
	if err := blockdevice.ReadBytes(v.dev, int64(byteOffset), raw); err != nil {
		return nil, &IoError{Op: "read inode record", Err: err}
	}

	in, err := inodeFromBytes(raw, number, v.sb.InodeSize)
	if err != nil {
		return nil, err
	}

	if v.sb.Features.MetadataChecksums() && !in.verifyChecksum(v.sb.checksumSeed(), raw) {
		logrus.WithFields(logrus.Fields{"inode": number, "reason": "inode checksum mismatch"}).Warn("ext4: inode checksum mismatch")
	}

	return &InodeHandle{Inode: in, vol: v}, nil
}

// ExtentTree materializes the inode's extent tree (spec §4.1). It returns
// ErrNoExtentTree, not an error, when the inode does not use extents.
func (h *InodeHandle) ExtentTree() (*ExtentTree, error) {
	return LoadExtentTree(h.vol, h.vol.sb, h.Inode, h.vol.opts)
}

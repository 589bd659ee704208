package ext4

import (
	"encoding/binary"
	"fmt"

	"github.com/diskboot/ext4boot/filesystem/ext4/crc"
)

// groupDescriptorSize32 is the on-disk size of a group descriptor when the
// 64-bit feature is not set.
const groupDescriptorSize32 = 32

// GroupDescriptor locates one block group's inode table, and the bitmaps
// and free counts alongside it (§4.6). ExtentTree only needs
// InodeTableBlock, but the rest is parsed because it comes for free out of
// the same 32/64-byte record.
type GroupDescriptor struct {
	BlockBitmapBlock uint64
	InodeBitmapBlock uint64
	InodeTableBlock  uint64
	FreeBlocksCount  uint32
	FreeInodesCount  uint32
	UsedDirsCount    uint32
	Checksum         uint16
}

// parseGroupDescriptors splits a raw group descriptor table (one or more
// contiguous blocks immediately following the superblock's block) into
// individual records, validating each one's checksum per §4.6 step 6 when
// the feature set calls for it. A checksum mismatch is a soft failure:
// the descriptor is still returned, and the mismatch is reported through
// warn.
func parseGroupDescriptors(b []byte, sb *Superblock, groupCount uint32, warn func(group uint32)) ([]GroupDescriptor, error) {
	descSize := int(sb.GroupDescriptorSize)
	if descSize < groupDescriptorSize32 {
		descSize = groupDescriptorSize32
	}
	need := descSize * int(groupCount)
	if len(b) < need {
		return nil, fmt.Errorf("%w: group descriptor table needs %d bytes, have %d", ErrCorruptMetadata, need, len(b))
	}

	seed := sb.checksumSeed()
	descs := make([]GroupDescriptor, groupCount)
	for g := uint32(0); g < groupCount; g++ {
		rec := b[int(g)*descSize : int(g)*descSize+descSize]
		gd := GroupDescriptor{}

		gd.BlockBitmapBlock = uint64(binary.LittleEndian.Uint32(rec[0x0:0x4]))
		gd.InodeBitmapBlock = uint64(binary.LittleEndian.Uint32(rec[0x4:0x8]))
		gd.InodeTableBlock = uint64(binary.LittleEndian.Uint32(rec[0x8:0xc]))
		gd.FreeBlocksCount = uint32(binary.LittleEndian.Uint16(rec[0xc:0xe]))
		gd.FreeInodesCount = uint32(binary.LittleEndian.Uint16(rec[0xe:0x10]))
		gd.UsedDirsCount = uint32(binary.LittleEndian.Uint16(rec[0x10:0x12]))
		gd.Checksum = binary.LittleEndian.Uint16(rec[0x1e:0x20])

		if sb.Features.Is64Bit() && descSize >= 64 {
			gd.BlockBitmapBlock |= uint64(binary.LittleEndian.Uint32(rec[0x20:0x24])) << 32
			gd.InodeBitmapBlock |= uint64(binary.LittleEndian.Uint32(rec[0x24:0x28])) << 32
			gd.InodeTableBlock |= uint64(binary.LittleEndian.Uint32(rec[0x28:0x2c])) << 32
			gd.FreeBlocksCount |= uint32(binary.LittleEndian.Uint16(rec[0x2c:0x2e])) << 16
			gd.FreeInodesCount |= uint32(binary.LittleEndian.Uint16(rec[0x2e:0x30])) << 16
			gd.UsedDirsCount |= uint32(binary.LittleEndian.Uint16(rec[0x30:0x32])) << 16
		}

		if sb.Features.anyDescriptorChecksum() {
			groupBytes := make([]byte, 4)
			binary.LittleEndian.PutUint32(groupBytes, g)
			sum := crc.CRC32c(seed, groupBytes)
			sum = crc.CRC32c(sum, rec[0x0:0x1e])
			sum = crc.CRC32c(sum, rec[0x20:descSize])
			if uint16(sum) != gd.Checksum {
				if warn != nil {
					warn(g)
				}
			}
		}

		descs[g] = gd
	}
	return descs, nil
}

package ext4

import (
	"encoding/binary"
	"fmt"

	"github.com/diskboot/ext4boot/filesystem/ext4/crc"
)

// inodeFlagUsesExtents marks an inode whose i_block union holds an extent
// tree header rather than classic indirect block pointers (i_flags).
const inodeFlagUsesExtents uint32 = 0x80000

// iBlockSize is the fixed size, in bytes, of the i_block union — either 15
// classic indirect-pointer u32s or an inline extent header plus up to 4
// extent/index records (spec §4.5: "the raw 60-byte extent region").
const iBlockSize = 60

// Inode is the parsed subset of the 256-byte (or larger) on-disk inode
// record that the rest of this package needs: its identity for checksum
// domains, whether it uses extents, and the inline 60 bytes that either
// hold the extent tree root or classic block pointers this reader does
// not support.
type Inode struct {
	Number     uint32
	Mode       uint16
	UID        uint32
	GID        uint32
	SizeBytes  uint64
	LinksCount uint16
	BlocksLo   uint32
	Flags      uint32
	IBlock     [iBlockSize]byte
	Generation uint32
	FileACL    uint32
	ChecksumLo uint16
	ChecksumHi uint16
}

// UsesExtents reports whether the inode's i_block union holds an extent
// tree (vs. classic indirect block pointers, which this reader does not
// support — spec.md Non-goals).
func (i *Inode) UsesExtents() bool {
	return i.Flags&inodeFlagUsesExtents != 0
}

// inodeFromBytes parses one on-disk inode record. recordSize is the
// superblock's declared s_inode_size, which may exceed 128 bytes (the
// excess holds extra-precision timestamps, which are not parsed, and the
// high half of the checksum, which is read into ChecksumHi when
// i_extra_isize covers it).
func inodeFromBytes(b []byte, number uint32, recordSize uint16) (*Inode, error) {
	if len(b) < int(recordSize) {
		return nil, fmt.Errorf("%w: inode record needs %d bytes, have %d", ErrCorruptMetadata, recordSize, len(b))
	}

	in := &Inode{Number: number}

	in.Mode = binary.LittleEndian.Uint16(b[0x0:0x2])
	uidLo := uint32(binary.LittleEndian.Uint16(b[0x2:0x4]))
	sizeLo := binary.LittleEndian.Uint32(b[0x4:0x8])
	gidLo := uint32(binary.LittleEndian.Uint16(b[0x18:0x1a]))
	in.LinksCount = binary.LittleEndian.Uint16(b[0x1a:0x1c])
	in.BlocksLo = binary.LittleEndian.Uint32(b[0x1c:0x20])
	in.Flags = binary.LittleEndian.Uint32(b[0x20:0x24])

	copy(in.IBlock[:], b[0x28:0x28+iBlockSize])

	in.Generation = binary.LittleEndian.Uint32(b[0x64:0x68])
	fileACLLo := binary.LittleEndian.Uint32(b[0x68:0x6c])
	sizeHi := binary.LittleEndian.Uint32(b[0x6c:0x70])

	uidHi := uint32(binary.LittleEndian.Uint16(b[0x78:0x7a]))
	gidHi := uint32(binary.LittleEndian.Uint16(b[0x7a:0x7c]))
	in.ChecksumLo = binary.LittleEndian.Uint16(b[0x7c:0x7e])

	in.UID = uidLo | uidHi<<16
	in.GID = gidLo | gidHi<<16
	in.SizeBytes = uint64(sizeLo) | uint64(sizeHi)<<32
	in.FileACL = fileACLLo

	if recordSize > 128 {
		extraISize := binary.LittleEndian.Uint16(b[0x80:0x82])
		if extraISize >= 4 {
			in.ChecksumHi = binary.LittleEndian.Uint16(b[0x82:0x84])
		}
	}

	return in, nil
}

// checksum recomputes the inode's own checksum per the same chaining
// convention as §4.2, with the stored checksum fields zeroed before
// folding — this is the same shape the teacher's inode checksum uses,
// generalized to an arbitrary seed rather than a package-global one.
func inodeChecksum(seed uint32, number, generation uint32, recordBytesWithChecksumZeroed []byte) uint32 {
	numberBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(numberBytes, number)
	sum := crc.CRC32c(seed, numberBytes)

	genBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(genBytes, generation)
	sum = crc.CRC32c(sum, genBytes)

	return crc.CRC32c(sum, recordBytesWithChecksumZeroed)
}

// verifyChecksum reports whether the inode's stored checksum matches one
// recomputed over raw with the checksum fields (lo at 0x7c, hi at 0x82)
// zeroed out, the same chaining domain teacher code calls inodeChecksum
// but generalized to an arbitrary seed. Callers treat a mismatch as the
// same soft failure as an interior extent-block checksum (§4.7): logged,
// never fatal.
func (i *Inode) verifyChecksum(seed uint32, raw []byte) bool {
	if i.ChecksumLo == 0 && i.ChecksumHi == 0 {
		return true
	}
	scratch := make([]byte, len(raw))
	copy(scratch, raw)
	scratch[0x7c] = 0
	scratch[0x7d] = 0
	if len(scratch) > 0x83 {
		scratch[0x82] = 0
		scratch[0x83] = 0
	}
	got := inodeChecksum(seed, i.Number, i.Generation, scratch)
	if i.ChecksumHi != 0 || len(raw) > 0x83 {
		return got == uint32(i.ChecksumLo)|uint32(i.ChecksumHi)<<16
	}
	return got&0xffff == uint32(i.ChecksumLo)
}

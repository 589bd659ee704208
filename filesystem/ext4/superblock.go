package ext4

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/google/uuid"

	"github.com/diskboot/ext4boot/filesystem/ext4/crc"
)

// SuperblockSize is the fixed size of the on-disk superblock record. It
// always occupies the 1024 bytes starting at byte offset 1024 on the
// volume, regardless of block size.
const SuperblockSize = 1024

// SuperblockOffset is the byte offset of the superblock from the start of
// the volume (not the partition's start LBA — both MBR and GPT volumes
// start their ext4 superblock 1024 bytes into the partition).
const SuperblockOffset = 1024

const superblockMagic uint16 = 0xEF53

// State is the filesystem's last-known mount state (s_state).
type State uint16

const (
	StateCleanlyUnmounted State = 0x0001
	StateErrors           State = 0x0002
	StateOrphansRecovered State = 0x0004
)

// ErrorBehavior is the configured response to a detected filesystem error
// (s_errors).
type ErrorBehavior uint16

const (
	ErrorsContinue        ErrorBehavior = 1
	ErrorsRemountReadOnly ErrorBehavior = 2
	ErrorsPanic           ErrorBehavior = 3
)

// CreatorOS identifies the operating system that created the filesystem
// (s_creator_os).
type CreatorOS uint32

const (
	CreatorOSLinux   CreatorOS = 0
	CreatorOSHurd    CreatorOS = 1
	CreatorOSMasix   CreatorOS = 2
	CreatorOSFreeBSD CreatorOS = 3
	CreatorOSLites   CreatorOS = 4
)

// Superblock is the full parsed ext4 superblock record (§3 Superblock).
// ExtentTree only needs a handful of these fields (UUID, block size,
// feature set); the rest is parsed as well and is available to callers
// through Volume.Superblock().
type Superblock struct {
	InodeCount       uint32
	BlockCount       uint64
	ReservedBlocks   uint64
	FreeBlocks       uint64
	FreeInodes       uint32
	FirstDataBlock   uint32
	BlockSize        uint32
	ClusterSize      uint32
	BlocksPerGroup   uint32
	ClustersPerGroup uint32
	InodesPerGroup   uint32
	MountTime        time.Time
	WriteTime        time.Time
	MountCount       uint16
	MaxMountCount    uint16
	State            State
	ErrorBehavior    ErrorBehavior
	MinorRevision    uint16
	LastCheck        time.Time
	CheckInterval    uint32
	CreatorOS        CreatorOS
	RevisionLevel    uint32
	DefaultResUID    uint16
	DefaultResGID    uint16

	FirstNonReservedInode uint32
	InodeSize             uint16
	BlockGroupNumber      uint16

	Features FeatureSet

	UUID                 uuid.UUID
	VolumeName           string
	LastMountedDirectory string

	PreallocBlocks    byte
	PreallocDirBlocks byte
	ReservedGDTBlocks uint16

	JournalUUID    uuid.UUID
	JournalInode   uint32
	JournalDevice  uint32
	OrphanInodeHead uint32

	GroupDescriptorSize uint16

	MinExtraISize  uint16
	WantExtraISize uint16

	RaidStride     uint16
	RaidStripeWidth uint32

	LogGroupsPerFlex uint8
	ChecksumType     uint8
	ChecksumSeed     uint32

	OverheadBlocks uint32
	ErrorCount     uint32
}

// blockSizeInt returns the block size as an int for offset arithmetic — the
// ext4 on-disk value is always one of the powers of two enumerated in
// spec.md §4.5.
func (sb *Superblock) blockSizeInt() int { return int(sb.BlockSize) }

// superblockFromBytes parses exactly SuperblockSize bytes at the
// superblock's fixed on-disk offset.
func superblockFromBytes(b []byte) (*Superblock, error) {
	if len(b) != SuperblockSize {
		return nil, fmt.Errorf("ext4: superblock requires exactly %d bytes, got %d", SuperblockSize, len(b))
	}

	magic := binary.LittleEndian.Uint16(b[0x38:0x3a])
	if magic != superblockMagic {
		return nil, fmt.Errorf("%w: got 0x%04x, want 0x%04x", ErrBadSuperblock, magic, superblockMagic)
	}

	compat := binary.LittleEndian.Uint32(b[0x5c:0x60])
	incompat := binary.LittleEndian.Uint32(b[0x60:0x64])
	roCompat := binary.LittleEndian.Uint32(b[0x64:0x68])
	features := parseFeatureSet(compat, incompat, roCompat)

	sb := &Superblock{Features: features}

	sb.InodeCount = binary.LittleEndian.Uint32(b[0x0:0x4])

	blockCount := uint64(binary.LittleEndian.Uint32(b[0x4:0x8]))
	reservedBlocks := uint64(binary.LittleEndian.Uint32(b[0x8:0xc]))
	freeBlocks := uint64(binary.LittleEndian.Uint32(b[0xc:0x10]))
	if features.Is64Bit() {
		blockCount |= uint64(binary.LittleEndian.Uint32(b[0x150:0x154])) << 32
		reservedBlocks |= uint64(binary.LittleEndian.Uint32(b[0x154:0x158])) << 32
		freeBlocks |= uint64(binary.LittleEndian.Uint32(b[0x158:0x15c])) << 32
	}
	sb.BlockCount = blockCount
	sb.ReservedBlocks = reservedBlocks
	sb.FreeBlocks = freeBlocks

	sb.FreeInodes = binary.LittleEndian.Uint32(b[0x10:0x14])
	sb.FirstDataBlock = binary.LittleEndian.Uint32(b[0x14:0x18])

	logBlockSize := binary.LittleEndian.Uint32(b[0x18:0x1c])
	if logBlockSize > 16 {
		return nil, fmt.Errorf("%w: implausible log block size %d", ErrCorruptMetadata, logBlockSize)
	}
	sb.BlockSize = 1024 << logBlockSize

	logClusterSize := binary.LittleEndian.Uint32(b[0x1c:0x20])
	sb.ClusterSize = 1 << logClusterSize

	sb.BlocksPerGroup = binary.LittleEndian.Uint32(b[0x20:0x24])
	sb.ClustersPerGroup = binary.LittleEndian.Uint32(b[0x24:0x28])
	sb.InodesPerGroup = binary.LittleEndian.Uint32(b[0x28:0x2c])
	sb.MountTime = time.Unix(int64(binary.LittleEndian.Uint32(b[0x2c:0x30])), 0).UTC()
	sb.WriteTime = time.Unix(int64(binary.LittleEndian.Uint32(b[0x30:0x34])), 0).UTC()
	sb.MountCount = binary.LittleEndian.Uint16(b[0x34:0x36])
	sb.MaxMountCount = binary.LittleEndian.Uint16(b[0x36:0x38])

	sb.State = State(binary.LittleEndian.Uint16(b[0x3a:0x3c]))
	sb.ErrorBehavior = ErrorBehavior(binary.LittleEndian.Uint16(b[0x3c:0x3e]))
	sb.MinorRevision = binary.LittleEndian.Uint16(b[0x3e:0x40])
	sb.LastCheck = time.Unix(int64(binary.LittleEndian.Uint32(b[0x40:0x44])), 0).UTC()
	sb.CheckInterval = binary.LittleEndian.Uint32(b[0x44:0x48])
	sb.CreatorOS = CreatorOS(binary.LittleEndian.Uint32(b[0x48:0x4c]))
	sb.RevisionLevel = binary.LittleEndian.Uint32(b[0x4c:0x50])
	sb.DefaultResUID = binary.LittleEndian.Uint16(b[0x50:0x52])
	sb.DefaultResGID = binary.LittleEndian.Uint16(b[0x52:0x54])

	sb.FirstNonReservedInode = binary.LittleEndian.Uint32(b[0x54:0x58])
	sb.InodeSize = binary.LittleEndian.Uint16(b[0x58:0x5a])
	if sb.InodeSize < 128 {
		return nil, fmt.Errorf("%w: inode size %d below minimum 128", ErrCorruptMetadata, sb.InodeSize)
	}
	sb.BlockGroupNumber = binary.LittleEndian.Uint16(b[0x5a:0x5c])

	volUUID, err := uuid.FromBytes(b[0x68:0x78])
	if err != nil {
		return nil, fmt.Errorf("ext4: parsing volume uuid: %w", err)
	}
	sb.UUID = volUUID
	sb.VolumeName = cString(b[0x78:0x88])
	sb.LastMountedDirectory = cString(b[0x88:0xc8])

	sb.PreallocBlocks = b[0xcc]
	sb.PreallocDirBlocks = b[0xcd]
	sb.ReservedGDTBlocks = binary.LittleEndian.Uint16(b[0xce:0xd0])

	journalUUID, err := uuid.FromBytes(b[0xd0:0xe0])
	if err != nil {
		return nil, fmt.Errorf("ext4: parsing journal uuid: %w", err)
	}
	sb.JournalUUID = journalUUID
	sb.JournalInode = binary.LittleEndian.Uint32(b[0xe0:0xe4])
	sb.JournalDevice = binary.LittleEndian.Uint32(b[0xe4:0xe8])
	sb.OrphanInodeHead = binary.LittleEndian.Uint32(b[0xe8:0xec])

	sb.GroupDescriptorSize = binary.LittleEndian.Uint16(b[0xfe:0x100])
	if sb.GroupDescriptorSize == 0 {
		sb.GroupDescriptorSize = 32
	}

	sb.MinExtraISize = binary.LittleEndian.Uint16(b[0x15c:0x15e])
	sb.WantExtraISize = binary.LittleEndian.Uint16(b[0x15e:0x160])

	sb.RaidStride = binary.LittleEndian.Uint16(b[0x164:0x166])
	sb.RaidStripeWidth = binary.LittleEndian.Uint32(b[0x170:0x174])

	sb.LogGroupsPerFlex = b[0x174]
	sb.ChecksumType = b[0x175]
	if features.MetadataChecksums() && sb.ChecksumType != 1 {
		return nil, fmt.Errorf("%w: unsupported checksum type %d", ErrUnsupportedFeature, sb.ChecksumType)
	}

	sb.OverheadBlocks = binary.LittleEndian.Uint32(b[0x248:0x24c])
	sb.ErrorCount = binary.LittleEndian.Uint32(b[0x194:0x198])
	sb.ChecksumSeed = binary.LittleEndian.Uint32(b[0x270:0x274])

	if features.MetadataChecksums() {
		stored := binary.LittleEndian.Uint32(b[0x3fc:0x400])
		table := crc32.MakeTable(crc32.Castagnoli)
		actual := crc32.Checksum(b[0:0x3fc], table)
		if actual != stored {
			return nil, fmt.Errorf("%w: superblock checksum 0x%08x, want 0x%08x", ErrCorruptMetadata, actual, stored)
		}
	}

	return sb, nil
}

// checksumSeed returns the 32-bit seed used to derive per-block checksums
// (§4.2's "fs_uuid" term is the seed's origin): either the superblock's own
// stored seed, if the incompat feature says to use it directly, or the
// CRC32C of the raw UUID bytes otherwise.
func (sb *Superblock) checksumSeed() uint32 {
	if sb.Features.MetadataChecksumSeedInSuperblock() {
		return sb.ChecksumSeed
	}
	uuidBytes, _ := sb.UUID.MarshalBinary()
	return crc.CRC32c(0, uuidBytes)
}

// cString trims a fixed-width NUL-padded field to its meaningful prefix.
func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

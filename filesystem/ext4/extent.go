package ext4

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/diskboot/ext4boot/filesystem/ext4/crc"
)

const (
	extentHeaderLength  = 12
	extentRecordLength  = 12
	extentHeaderMagic   uint16 = 0xF30A
	extentTreeMaxDepth  uint16 = 5
	extentChecksumTailLength = 4

	// uninitializedLengthThreshold is the boundary above which a leaf
	// extent's length field denotes an uninitialized (zero-reads) extent
	// rather than a literal block count (spec §3).
	uninitializedLengthThreshold = 32768
)

// PhysicalBlockID is an unsigned 48-bit disk block index.
type PhysicalBlockID uint64

// LogicalBlockID is an unsigned 64-bit block index relative to the start
// of a file.
type LogicalBlockID uint64

// ExtentHeader precedes every extent tree node, including the inline one
// stored in an inode's i_block union.
type ExtentHeader struct {
	Magic      uint16
	Entries    uint16
	Max        uint16
	Depth      uint16
	Generation uint32
}

func parseExtentHeader(b []byte) (ExtentHeader, error) {
	if len(b) < extentHeaderLength {
		return ExtentHeader{}, fmt.Errorf("%w: extent header needs %d bytes, have %d", ErrCorruptMetadata, extentHeaderLength, len(b))
	}
	h := ExtentHeader{
		Magic:      binary.LittleEndian.Uint16(b[0:2]),
		Entries:    binary.LittleEndian.Uint16(b[2:4]),
		Max:        binary.LittleEndian.Uint16(b[4:6]),
		Depth:      binary.LittleEndian.Uint16(b[6:8]),
		Generation: binary.LittleEndian.Uint32(b[8:12]),
	}
	if h.Magic != extentHeaderMagic {
		return ExtentHeader{}, fmt.Errorf("%w: extent header magic 0x%04x, want 0x%04x", ErrCorruptMetadata, h.Magic, extentHeaderMagic)
	}
	if h.Depth > extentTreeMaxDepth {
		return ExtentHeader{}, fmt.Errorf("%w: extent tree depth %d exceeds maximum %d", ErrCorruptMetadata, h.Depth, extentTreeMaxDepth)
	}
	if h.Entries > h.Max {
		return ExtentHeader{}, fmt.Errorf("%w: extent header entries %d exceeds max %d", ErrCorruptMetadata, h.Entries, h.Max)
	}
	if need := int(h.Entries) * extentRecordLength; need > len(b)-extentHeaderLength {
		return ExtentHeader{}, fmt.Errorf("%w: extent header declares %d entries, body only holds room for %d", ErrCorruptMetadata, h.Entries, (len(b)-extentHeaderLength)/extentRecordLength)
	}
	return h, nil
}

// Extent is one leaf record: a run of contiguous physical blocks backing a
// contiguous logical range of a file (spec §3).
type Extent struct {
	FirstLogicalBlock uint32
	Length            uint16
	PhysicalStart     PhysicalBlockID
}

// Uninitialized reports whether this extent's allocation exists but its
// content is defined to read as zero (length encodes 32769..65535).
func (e Extent) Uninitialized() bool {
	return e.Length > uninitializedLengthThreshold
}

// EffectiveLength is the number of logical blocks this extent actually
// covers, after decoding the uninitialized-extent length convention.
func (e Extent) EffectiveLength() uint32 {
	if e.Uninitialized() {
		return uint32(e.Length) - uninitializedLengthThreshold
	}
	return uint32(e.Length)
}

// contains reports whether logical falls within this extent's covered
// range. §9 open question 1 flagged the source's comparator as an
// inclusive upper bound that overlaps the next extent's first block by
// one; this resolves it by correcting to the half-open interval
// [first, first+effective_length) rather than preserving the bug — the
// inclusive reading is internally inconsistent with the uninitialized
// case (an uninitialized extent's effective length must stop exactly at
// its declared boundary, since everything past it is either unallocated
// or the next extent's territory, never more zero-fill). See DESIGN.md.
func (e Extent) contains(logical uint64) bool {
	first := uint64(e.FirstLogicalBlock)
	return logical >= first && logical < first+uint64(e.EffectiveLength())
}

func parseExtentRecord(b []byte) Extent {
	first := binary.LittleEndian.Uint32(b[0:4])
	length := binary.LittleEndian.Uint16(b[4:6])
	startLo := binary.LittleEndian.Uint32(b[8:12])
	startHi := binary.LittleEndian.Uint16(b[6:8])
	return Extent{
		FirstLogicalBlock: first,
		Length:            length,
		PhysicalStart:     PhysicalBlockID(uint64(startLo) | uint64(startHi)<<32),
	}
}

// IndexEntry is one interior record, pointing at the physical block
// holding the subtree covering logical blocks from FirstLogicalBlock
// onward (spec §3).
type IndexEntry struct {
	FirstLogicalBlock uint32
	ChildBlock        PhysicalBlockID
}

func parseIndexEntry(b []byte) IndexEntry {
	first := binary.LittleEndian.Uint32(b[0:4])
	leafLo := binary.LittleEndian.Uint32(b[4:8])
	leafHi := binary.LittleEndian.Uint16(b[8:10])
	return IndexEntry{
		FirstLogicalBlock: first,
		ChildBlock:        PhysicalBlockID(uint64(leafLo) | uint64(leafHi)<<32),
	}
}

// ExtentTree is the in-memory materialization of one inode's extent tree:
// an ordered, non-overlapping sequence of leaf extents (spec §3). It is
// built once per opened inode and is immutable thereafter.
type ExtentTree struct {
	inode  *Inode
	leaves []Extent
}

// Iter returns the tree's leaf extents in ascending logical-block order.
func (t *ExtentTree) Iter() []Extent {
	out := make([]Extent, len(t.leaves))
	copy(out, t.leaves)
	return out
}

// LookupResult is the outcome of a logical-block lookup (spec §4.3).
type LookupResult struct {
	// Mapped is false when no extent covers the requested logical block
	// (a sparse hole); callers treat that as zero-filled without
	// recording an error.
	Mapped bool
	// Zero is true when the covering extent is uninitialized: the block
	// is allocated but defined to read as zero, so callers must not
	// issue a disk read for it.
	Zero bool
	// Physical is the physical block to read when Mapped is true and
	// Zero is false.
	Physical PhysicalBlockID
}

// Lookup maps a file-relative logical block to its disk location,
// performing a binary search over the tree's sorted leaf extents
// (O(log n), spec §4.3).
func (t *ExtentTree) Lookup(logical LogicalBlockID) LookupResult {
	leaves := t.leaves
	lo, hi := 0, len(leaves)
	for lo < hi {
		mid := (lo + hi) / 2
		e := leaves[mid]
		switch {
		case uint64(logical) < uint64(e.FirstLogicalBlock):
			hi = mid
		case e.contains(uint64(logical)):
			if e.Uninitialized() {
				return LookupResult{Mapped: true, Zero: true}
			}
			offset := uint64(logical) - uint64(e.FirstLogicalBlock)
			return LookupResult{Mapped: true, Physical: e.PhysicalStart + PhysicalBlockID(offset)}
		default:
			lo = mid + 1
		}
	}
	return LookupResult{}
}

// extentTreeLoader holds the state shared across one recursive tree load:
// the device to read child blocks from, the block size, and the checksum
// domain inputs (seed, inode number, generation).
type extentTreeLoader struct {
	dev       blockReader
	blockSize uint32
	seed      uint32
	inodeNum  uint32
	inodeGen  uint32
	strict    bool
	log       *logrus.Entry
}

// blockReader is the narrow read surface LoadExtentTree needs from a
// volume — just enough to fetch one whole disk block given its physical
// block number, independent of how the volume maps that onto
// blockdevice.BlockDevice sectors.
type blockReader interface {
	ReadBlock(block PhysicalBlockID, buf []byte) error
}

// LoadExtentTree walks the inode-embedded extent header (spec §4.1). It
// returns ErrNoExtentTree, not an error, when the inode does not use
// extents — the caller falls back to whatever else it does for classic
// indirect blocks (out of scope here).
func LoadExtentTree(dev blockReader, sb *Superblock, in *Inode, opts Options) (*ExtentTree, error) {
	if !sb.Features.Extents() || !in.UsesExtents() {
		return nil, ErrNoExtentTree
	}

	loader := &extentTreeLoader{
		dev:       dev,
		blockSize: sb.BlockSize,
		seed:      sb.checksumSeed(),
		inodeNum:  in.Number,
		inodeGen:  in.Generation,
		strict:    opts.StrictChecksums,
		log:       logrus.WithFields(logrus.Fields{"inode": in.Number}),
	}

	var leaves []Extent
	if err := loader.walk(in.IBlock[:], true, &leaves); err != nil {
		return nil, err
	}

	sort.Slice(leaves, func(i, j int) bool {
		return leaves[i].FirstLogicalBlock < leaves[j].FirstLogicalBlock
	})

	return &ExtentTree{inode: in, leaves: leaves}, nil
}

// walk parses one node's header and either appends its leaf extents or
// recurses into its children (spec §4.1 steps 1-3). inline is true only
// for the root node stored in the inode's i_block — that node carries no
// checksum tail of its own (step 3: "the inline node is NOT checksummed
// individually").
func (l *extentTreeLoader) walk(raw []byte, inline bool, leaves *[]Extent) error {
	header, err := parseExtentHeader(raw)
	if err != nil {
		return err
	}

	body := raw[extentHeaderLength:]
	maxEntries := int(header.Entries)

	if header.Depth == 0 {
		for i := 0; i < maxEntries; i++ {
			rec := body[i*extentRecordLength : (i+1)*extentRecordLength]
			*leaves = append(*leaves, parseExtentRecord(rec))
		}
		return nil
	}

	for i := 0; i < maxEntries; i++ {
		rec := body[i*extentRecordLength : (i+1)*extentRecordLength]
		idx := parseIndexEntry(rec)

		child := make([]byte, l.blockSize)
		if err := l.dev.ReadBlock(idx.ChildBlock, child); err != nil {
			return &IoError{Op: "read extent child block", Err: err}
		}

		if err := l.verifyChecksum(idx.ChildBlock, child); err != nil {
			if l.strict {
				return err
			}
			l.log.WithFields(logrus.Fields{"block": uint64(idx.ChildBlock)}).Warn(err.Error())
		}

		if err := l.walk(child, false, leaves); err != nil {
			return err
		}
	}
	return nil
}

// verifyChecksum validates a non-inline block's CRC32C tail against the
// domain specified in spec §4.2: fs checksum seed, inode number, inode
// generation, then the block's own bytes except its last 4 bytes.
func (l *extentTreeLoader) verifyChecksum(block PhysicalBlockID, raw []byte) error {
	if len(raw) < extentChecksumTailLength {
		return fmt.Errorf("%w: block too short to carry a checksum tail", ErrCorruptMetadata)
	}
	body := raw[:len(raw)-extentChecksumTailLength]
	stored := binary.LittleEndian.Uint32(raw[len(raw)-extentChecksumTailLength:])

	numberBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(numberBytes, l.inodeNum)
	sum := crc.CRC32c(l.seed, numberBytes)

	genBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(genBytes, l.inodeGen)
	sum = crc.CRC32c(sum, genBytes)

	sum = crc.CRC32c(sum, body)

	if sum != stored {
		return &ChecksumMismatchError{Block: uint64(block), Inode: l.inodeNum}
	}
	return nil
}

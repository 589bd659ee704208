package ext4

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"testing"

	"github.com/bits-and-blooms/bitset"
	"github.com/go-test/deep"
	"github.com/google/uuid"
)

// testVolumeUUID is the UUID literal from spec.md §8's end-to-end scenarios.
var testVolumeUUID = uuid.UUID{0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}

const testBlockSize = 4096

// fakeBlockReader answers ReadBlock from an in-memory map of physical
// block number to block contents, letting tests build small extent
// trees without a real BlockDevice or Volume.
type fakeBlockReader struct {
	blocks map[PhysicalBlockID][]byte
}

func (f *fakeBlockReader) ReadBlock(block PhysicalBlockID, buf []byte) error {
	b, ok := f.blocks[block]
	if !ok {
		return errors.New("fakeBlockReader: no such block")
	}
	copy(buf, b)
	return nil
}

func putExtentHeader(b []byte, entries, max, depth uint16) {
	binary.LittleEndian.PutUint16(b[0:2], extentHeaderMagic)
	binary.LittleEndian.PutUint16(b[2:4], entries)
	binary.LittleEndian.PutUint16(b[4:6], max)
	binary.LittleEndian.PutUint16(b[6:8], depth)
}

func putLeafExtent(b []byte, first uint32, length uint16, start uint64) {
	binary.LittleEndian.PutUint32(b[0:4], first)
	binary.LittleEndian.PutUint16(b[4:6], length)
	binary.LittleEndian.PutUint16(b[6:8], uint16(start>>32))
	binary.LittleEndian.PutUint32(b[8:12], uint32(start))
}

func putIndexEntry(b []byte, first uint32, child uint64) {
	binary.LittleEndian.PutUint32(b[0:4], first)
	binary.LittleEndian.PutUint32(b[4:8], uint32(child))
	binary.LittleEndian.PutUint16(b[8:10], uint16(child>>32))
}

func sealChecksum(block []byte, seed, inodeNum, inodeGen uint32) {
	numberBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(numberBytes, inodeNum)
	sum := crc32c(seed, numberBytes)
	genBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(genBytes, inodeGen)
	sum = crc32c(sum, genBytes)
	sum = crc32c(sum, block[:len(block)-4])
	binary.LittleEndian.PutUint32(block[len(block)-4:], sum)
}

// crc32c mirrors the package's CRC32c helper locally so tests don't need
// to import the crc package just to compute expected values.
func crc32c(seed uint32, b []byte) uint32 {
	table := crc32.MakeTable(crc32.Castagnoli)
	return ^crc32.Update(^seed, table, b)
}

func testInode(number uint32) *Inode {
	return &Inode{Number: number, Generation: 0xDEADBEEF, Flags: inodeFlagUsesExtents}
}

// S1 — inline leaf, one extent. spec.md's literal scenario text lists
// lookup(8)=Some(1008), reflecting the source's off-by-one inclusive
// bound; this implementation resolves §9 open question 1 by correcting
// to a half-open interval instead (see DESIGN.md), so lookup(8) is None
// here — block 8 is one past this extent's 8-block range.
func TestLoadExtentTree_S1InlineLeaf(t *testing.T) {
	sb := &Superblock{BlockSize: testBlockSize, Features: parseFeatureSet(0, incompatExtents, 0)}
	in := testInode(12)
	putExtentHeader(in.IBlock[:], 1, 4, 0)
	putLeafExtent(in.IBlock[12:24], 0, 8, 1000)

	tree, err := LoadExtentTree(&fakeBlockReader{}, sb, in, Options{})
	if err != nil {
		t.Fatalf("LoadExtentTree: %v", err)
	}

	cases := []struct {
		logical LogicalBlockID
		want    LookupResult
	}{
		{0, LookupResult{Mapped: true, Physical: 1000}},
		{7, LookupResult{Mapped: true, Physical: 1007}},
		{8, LookupResult{}},
		{9, LookupResult{}},
	}
	for _, c := range cases {
		got := tree.Lookup(c.logical)
		if diff := deep.Equal(got, c.want); diff != nil {
			t.Errorf("lookup(%d): %v", c.logical, diff)
		}
	}
}

// S2 — uninitialized extent.
func TestLoadExtentTree_S2Uninitialized(t *testing.T) {
	sb := &Superblock{BlockSize: testBlockSize, Features: parseFeatureSet(0, incompatExtents, 0)}
	in := testInode(12)
	putExtentHeader(in.IBlock[:], 1, 4, 0)
	putLeafExtent(in.IBlock[12:24], 0, 32768+4, 2000)

	tree, err := LoadExtentTree(&fakeBlockReader{}, sb, in, Options{})
	if err != nil {
		t.Fatalf("LoadExtentTree: %v", err)
	}

	if got := tree.Lookup(0); !got.Mapped || !got.Zero {
		t.Errorf("lookup(0) = %+v, want mapped zero-block", got)
	}
	if got := tree.Lookup(3); !got.Mapped || !got.Zero {
		t.Errorf("lookup(3) = %+v, want mapped zero-block", got)
	}
	if got := tree.Lookup(4); got.Mapped {
		t.Errorf("lookup(4) = %+v, want unmapped", got)
	}
}

// S3 — one interior level.
func TestLoadExtentTree_S3InteriorLevel(t *testing.T) {
	sb := &Superblock{BlockSize: testBlockSize, Features: parseFeatureSet(0, incompatExtents, 0), UUID: testVolumeUUID}
	in := testInode(12)
	putExtentHeader(in.IBlock[:], 2, 4, 1)
	putIndexEntry(in.IBlock[12:24], 0, 5000)
	putIndexEntry(in.IBlock[24:36], 4, 5001)

	seed := crc32c(0, testVolumeUUID[:])

	child0 := make([]byte, testBlockSize)
	putExtentHeader(child0, 1, 4, 0)
	putLeafExtent(child0[12:24], 0, 4, 10000)
	sealChecksum(child0, seed, 12, 0xDEADBEEF)

	child1 := make([]byte, testBlockSize)
	putExtentHeader(child1, 1, 4, 0)
	putLeafExtent(child1[12:24], 4, 4, 20000)
	sealChecksum(child1, seed, 12, 0xDEADBEEF)

	reader := &fakeBlockReader{blocks: map[PhysicalBlockID][]byte{5000: child0, 5001: child1}}

	tree, err := LoadExtentTree(reader, sb, in, Options{})
	if err != nil {
		t.Fatalf("LoadExtentTree: %v", err)
	}
	if got := tree.Lookup(0); !got.Mapped || got.Physical != 10000 {
		t.Errorf("lookup(0) = %+v, want 10000", got)
	}
	if got := tree.Lookup(5); !got.Mapped || got.Physical != 20001 {
		t.Errorf("lookup(5) = %+v, want 20001", got)
	}
	if got := tree.Lookup(8); got.Mapped {
		t.Errorf("lookup(8) = %+v, want unmapped", got)
	}
}

// S4 — bad child checksum: tree still loads, unaffected half still
// resolves, and the mismatch does not abort the load (§4.1 step 3).
func TestLoadExtentTree_S4BadChildChecksum(t *testing.T) {
	sb := &Superblock{BlockSize: testBlockSize, Features: parseFeatureSet(0, incompatExtents, 0), UUID: testVolumeUUID}
	in := testInode(12)
	putExtentHeader(in.IBlock[:], 2, 4, 1)
	putIndexEntry(in.IBlock[12:24], 0, 5000)
	putIndexEntry(in.IBlock[24:36], 4, 5001)

	seed := crc32c(0, testVolumeUUID[:])

	child0 := make([]byte, testBlockSize)
	putExtentHeader(child0, 1, 4, 0)
	putLeafExtent(child0[12:24], 0, 4, 10000)
	sealChecksum(child0, seed, 12, 0xDEADBEEF)

	child1 := make([]byte, testBlockSize)
	putExtentHeader(child1, 1, 4, 0)
	putLeafExtent(child1[12:24], 4, 4, 20000)
	// tail left zeroed: deliberately bad checksum.

	reader := &fakeBlockReader{blocks: map[PhysicalBlockID][]byte{5000: child0, 5001: child1}}

	tree, err := LoadExtentTree(reader, sb, in, Options{})
	if err != nil {
		t.Fatalf("LoadExtentTree: %v", err)
	}
	if got := tree.Lookup(0); !got.Mapped || got.Physical != 10000 {
		t.Errorf("lookup(0) = %+v, want 10000 (left half unaffected)", got)
	}
}

// S4 strict mode — with StrictChecksums set, the same mismatch is fatal.
func TestLoadExtentTree_S4StrictChecksumsAbort(t *testing.T) {
	sb := &Superblock{BlockSize: testBlockSize, Features: parseFeatureSet(0, incompatExtents, 0)}
	in := testInode(12)
	putExtentHeader(in.IBlock[:], 1, 4, 1)
	putIndexEntry(in.IBlock[12:24], 0, 5001)

	child1 := make([]byte, testBlockSize)
	putExtentHeader(child1, 1, 4, 0)
	putLeafExtent(child1[12:24], 4, 4, 20000)

	reader := &fakeBlockReader{blocks: map[PhysicalBlockID][]byte{5001: child1}}

	_, err := LoadExtentTree(reader, sb, in, Options{StrictChecksums: true})
	var mismatch *ChecksumMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("LoadExtentTree with StrictChecksums: got %v, want *ChecksumMismatchError", err)
	}
}

// S5 — bad magic.
func TestLoadExtentTree_S5BadMagic(t *testing.T) {
	sb := &Superblock{BlockSize: testBlockSize, Features: parseFeatureSet(0, incompatExtents, 0)}
	in := testInode(12)
	binary.LittleEndian.PutUint16(in.IBlock[0:2], 0x1234)

	_, err := LoadExtentTree(&fakeBlockReader{}, sb, in, Options{})
	if !errors.Is(err, ErrCorruptMetadata) {
		t.Fatalf("LoadExtentTree with bad magic: got %v, want ErrCorruptMetadata", err)
	}
}

// S5b — entries count forged past both Max and the buffer's actual
// capacity must fail cleanly as ErrCorruptMetadata, not panic slicing
// past the end of the 48-byte inline body.
func TestLoadExtentTree_EntriesExceedsCapacity(t *testing.T) {
	sb := &Superblock{BlockSize: testBlockSize, Features: parseFeatureSet(0, incompatExtents, 0)}
	in := testInode(12)
	putExtentHeader(in.IBlock[:], 5, 4, 0) // only room for 4 12-byte records in 48 bytes
	putLeafExtent(in.IBlock[12:24], 0, 8, 1000)

	_, err := LoadExtentTree(&fakeBlockReader{}, sb, in, Options{})
	if !errors.Is(err, ErrCorruptMetadata) {
		t.Fatalf("LoadExtentTree with entries > capacity: got %v, want ErrCorruptMetadata", err)
	}
}

// S5c — entries within buffer capacity but still forged past Max.
func TestLoadExtentTree_EntriesExceedsMax(t *testing.T) {
	sb := &Superblock{BlockSize: testBlockSize, Features: parseFeatureSet(0, incompatExtents, 0)}
	in := testInode(12)
	putExtentHeader(in.IBlock[:], 4, 2, 0)
	putLeafExtent(in.IBlock[12:24], 0, 8, 1000)

	_, err := LoadExtentTree(&fakeBlockReader{}, sb, in, Options{})
	if !errors.Is(err, ErrCorruptMetadata) {
		t.Fatalf("LoadExtentTree with entries > max: got %v, want ErrCorruptMetadata", err)
	}
}

func TestLoadExtentTree_NotApplicableWithoutExtentsFlag(t *testing.T) {
	sb := &Superblock{BlockSize: testBlockSize, Features: parseFeatureSet(0, incompatExtents, 0)}
	in := testInode(12)
	in.Flags = 0 // does not use extents

	_, err := LoadExtentTree(&fakeBlockReader{}, sb, in, Options{})
	if !errors.Is(err, ErrNoExtentTree) {
		t.Fatalf("LoadExtentTree on non-extent inode: got %v, want ErrNoExtentTree", err)
	}
}

// Property 1: sorted & non-overlapping, checked over a wider extent set
// than a literal table would enumerate by marking each extent's logical
// range in a bitset and failing on any double-marked bit.
func TestExtentTree_NonOverlapping(t *testing.T) {
	sb := &Superblock{BlockSize: testBlockSize, Features: parseFeatureSet(0, incompatExtents, 0)}
	in := testInode(12)
	putExtentHeader(in.IBlock[:], 4, 4, 0)
	putLeafExtent(in.IBlock[12:24], 100, 8, 5000)
	putLeafExtent(in.IBlock[24:36], 0, 8, 1000)
	putLeafExtent(in.IBlock[36:48], 50, 10, 3000)
	putLeafExtent(in.IBlock[48:60], 8, 20, 2000)

	tree, err := LoadExtentTree(&fakeBlockReader{}, sb, in, Options{})
	if err != nil {
		t.Fatalf("LoadExtentTree: %v", err)
	}

	leaves := tree.Iter()
	for i := 1; i < len(leaves); i++ {
		if leaves[i-1].FirstLogicalBlock > leaves[i].FirstLogicalBlock {
			t.Fatalf("leaves not sorted: %+v before %+v", leaves[i-1], leaves[i])
		}
	}

	seen := bitset.New(200)
	for _, e := range leaves {
		first := uint(e.FirstLogicalBlock)
		for off := uint(0); off < uint(e.EffectiveLength()); off++ {
			bit := first + off
			if seen.Test(bit) {
				t.Fatalf("logical block %d covered by more than one extent", bit)
			}
			seen.Set(bit)
		}
	}
}

func TestExtent_EffectiveLength(t *testing.T) {
	cases := []struct {
		length uint16
		want   uint32
		uninit bool
	}{
		{1, 1, false},
		{32768, 32768, false},
		{32769, 1, true},
		{65535, 32767, true},
	}
	for _, c := range cases {
		e := Extent{Length: c.length}
		if e.Uninitialized() != c.uninit {
			t.Errorf("Extent{Length:%d}.Uninitialized() = %v, want %v", c.length, e.Uninitialized(), c.uninit)
		}
		if got := e.EffectiveLength(); got != c.want {
			t.Errorf("Extent{Length:%d}.EffectiveLength() = %d, want %d", c.length, got, c.want)
		}
	}
}

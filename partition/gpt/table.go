// Package gpt reads the GUID Partition Table: a CRC32-validated header at
// LBA 1, followed by a partition entry array whose location and entry
// size are taken from the header, never assumed (spec.md §6).
package gpt

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/google/uuid"

	"github.com/diskboot/ext4boot/partition/part"
)

// HeaderLBA is the GPT header's fixed location, the sector immediately
// following the protective MBR.
const HeaderLBA = 1

// HeaderSize is the byte length of the fixed portion of a GPT header.
const HeaderSize = 92

var efiSignature = [8]byte{'E', 'F', 'I', ' ', 'P', 'A', 'R', 'T'}

// Header is the parsed GPT header.
type Header struct {
	DiskGUID           uuid.UUID
	PartitionEntryLBA  uint64
	NumberOfEntries    uint32
	SizeOfEntry        uint32
	EntryArrayChecksum uint32
}

// HeaderFromBytes parses a sector containing the GPT header, validating
// both the `EFI PART` signature and the header's own CRC32 (spec.md §6:
// "Header in LBA 1... CRC32-validated").
func HeaderFromBytes(b []byte) (*Header, error) {
	if len(b) < HeaderSize {
		return nil, fmt.Errorf("gpt: header needs at least %d bytes, have %d", HeaderSize, len(b))
	}
	var sig [8]byte
	copy(sig[:], b[0:8])
	if sig != efiSignature {
		return nil, fmt.Errorf("gpt: invalid signature")
	}

	headerSize := binary.LittleEndian.Uint32(b[12:16])
	storedCRC := binary.LittleEndian.Uint32(b[16:20])
	if headerSize < HeaderSize || int(headerSize) > len(b) {
		return nil, fmt.Errorf("gpt: implausible header size %d", headerSize)
	}

	scratch := make([]byte, headerSize)
	copy(scratch, b[:headerSize])
	// the checksum field itself is zeroed before computing the CRC.
	scratch[16], scratch[17], scratch[18], scratch[19] = 0, 0, 0, 0
	actualCRC := crc32.ChecksumIEEE(scratch)
	if actualCRC != storedCRC {
		return nil, fmt.Errorf("gpt: header checksum 0x%08x, want 0x%08x", actualCRC, storedCRC)
	}

	diskGUID, err := uuid.FromBytes(mixedEndianGUID(b[56:72]))
	if err != nil {
		return nil, fmt.Errorf("gpt: parsing disk guid: %w", err)
	}

	return &Header{
		DiskGUID:           diskGUID,
		PartitionEntryLBA:  binary.LittleEndian.Uint64(b[72:80]),
		NumberOfEntries:    binary.LittleEndian.Uint32(b[80:84]),
		SizeOfEntry:        binary.LittleEndian.Uint32(b[84:88]),
		EntryArrayChecksum: binary.LittleEndian.Uint32(b[88:92]),
	}, nil
}

// mixedEndianGUID converts the on-disk mixed-endian GUID encoding (first
// three fields little-endian, last two big-endian) into the big-endian
// byte order uuid.FromBytes expects.
func mixedEndianGUID(b []byte) []byte {
	out := make([]byte, 16)
	out[0], out[1], out[2], out[3] = b[3], b[2], b[1], b[0]
	out[4], out[5] = b[5], b[4]
	out[6], out[7] = b[7], b[6]
	copy(out[8:], b[8:16])
	return out
}

// Entry is one parsed GPT partition table entry.
type Entry struct {
	index       int
	typeGUID    uuid.UUID
	uniqueGUID  uuid.UUID
	startLBA    uint64
	endLBA      uint64
	attributes  uint64
}

func (e Entry) Index() int       { return e.index }
func (e Entry) StartLBA() uint64 { return e.startLBA }
func (e Entry) SizeLBA() uint64  { return e.endLBA - e.startLBA + 1 }
func (e Entry) Bootable() bool   { return e.attributes&(1<<2) != 0 } // legacy BIOS bootable bit

var _ part.Entry = Entry{}

var unusedTypeGUID uuid.UUID // all-zero

// ParseEntries parses the GPT partition entry array out of raw, which
// must hold at least numberOfEntries*sizeOfEntry bytes starting at
// the header's PartitionEntryLBA (spec.md §6: "location and stride are
// taken from the header"). Entries whose type GUID is all-zero are
// unused slots and are skipped — the core probes every remaining entry
// regardless of its type GUID.
func ParseEntries(raw []byte, numberOfEntries, sizeOfEntry uint32) ([]Entry, error) {
	need := int(numberOfEntries) * int(sizeOfEntry)
	if len(raw) < need {
		return nil, fmt.Errorf("gpt: entry array needs %d bytes, have %d", need, len(raw))
	}
	var entries []Entry
	for i := uint32(0); i < numberOfEntries; i++ {
		rec := raw[int(i)*int(sizeOfEntry) : int(i)*int(sizeOfEntry)+int(sizeOfEntry)]
		typeGUID, err := uuid.FromBytes(mixedEndianGUID(rec[0:16]))
		if err != nil {
			return nil, fmt.Errorf("gpt: parsing entry %d type guid: %w", i, err)
		}
		if typeGUID == unusedTypeGUID {
			continue
		}
		uniqueGUID, err := uuid.FromBytes(mixedEndianGUID(rec[16:32]))
		if err != nil {
			return nil, fmt.Errorf("gpt: parsing entry %d unique guid: %w", i, err)
		}
		entries = append(entries, Entry{
			index:      int(i) + 1,
			typeGUID:   typeGUID,
			uniqueGUID: uniqueGUID,
			startLBA:   binary.LittleEndian.Uint64(rec[32:40]),
			endLBA:     binary.LittleEndian.Uint64(rec[40:48]),
			attributes: binary.LittleEndian.Uint64(rec[48:56]),
		})
	}
	return entries, nil
}

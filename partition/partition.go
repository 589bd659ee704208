// Package partition reads the first sector of a drive, identifies MBR vs
// GPT, enumerates partition entries, and for each candidate entry
// attempts to identify-and-mount an ext4 volume at its starting LBA
// (spec.md §2, §4.4).
package partition

import (
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/diskboot/ext4boot/blockdevice"
	"github.com/diskboot/ext4boot/filesystem"
	"github.com/diskboot/ext4boot/filesystem/ext4"
	"github.com/diskboot/ext4boot/partition/gpt"
	"github.com/diskboot/ext4boot/partition/mbr"
	"github.com/diskboot/ext4boot/partition/part"
)

// State is this partition's position in the one-shot mount state machine
// (spec §4.4):
//
//	Discovered --identify()-ok--> Candidate --mount()-ok--> Mounted
//	     |                            |--err--> Unsupported
//	     +--identify()-err-----------> Unsupported
type State int

const (
	StateDiscovered State = iota
	StateCandidate
	StateMounted
	StateUnsupported
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateCandidate:
		return "candidate"
	case StateMounted:
		return "mounted"
	default:
		return "unsupported"
	}
}

// worthProbing is the set of MBR type bytes the dispatcher attempts to
// identify as ext4, beyond the unambiguous TypeLinuxNative (spec §9 open
// question 2: 0x07 is overloaded between NTFS/IFS/EXFAT, so it is probed
// rather than trusted).
var worthProbing = map[mbr.Type]bool{
	mbr.TypeLinuxNative: true,
	mbr.TypeOS2IFS:      true,
}

// Partition is one table entry plus the outcome of mounting it (spec §3:
// "{ id, drive_id, metadata: MBR|GPT entry, fs: Unknown | Ext4(handle) }").
// It is immutable after PartitionsForDrive returns; transitions happen
// once, during discovery.
type Partition struct {
	ID       int
	DriveID  string
	StartLBA uint64
	SizeLBA  uint64
	State    State
	FS       filesystem.Type
	Volume   *ext4.Volume

	entry part.Entry
}

// PartitionsForDrive reads drive's first sector, dispatches to the MBR or
// GPT reader, and attempts to mount an ext4 volume on every candidate
// entry (spec §6: partitions_for_drive).
func PartitionsForDrive(driveID string, dev blockdevice.BlockDevice, opts ...ext4.Options) ([]*Partition, error) {
	sector := make([]byte, sectorAlignedSize(dev, 512))
	if err := blockdevice.ReadBytes(dev, 0, sector); err != nil {
		return nil, fmt.Errorf("partition: reading sector 0: %w", err)
	}

	if isProtectiveGPT(sector) {
		return partitionsFromGPT(driveID, dev, opts...)
	}

	table, err := mbr.TableFromBytes(sector)
	if err != nil {
		return nil, fmt.Errorf("partition: %w", err)
	}
	return partitionsFromMBR(driveID, dev, table, opts...)
}

// sectorAlignedSize rounds want up to a multiple of dev's sector size, so
// a single-sector MBR read still satisfies BlockDevice's alignment
// requirement on devices with larger sectors.
func sectorAlignedSize(dev blockdevice.BlockDevice, want int) int {
	ss := int(dev.SectorSize())
	if ss <= 0 {
		ss = 512
	}
	if want <= ss {
		return ss
	}
	return ((want + ss - 1) / ss) * ss
}

// isProtectiveGPT reports whether sector 0 is an MBR with any entry of
// the GPT protective partition type (0xEE), meaning the real table lives
// in the GPT header at LBA 1. Other entries beside the 0xEE one do not
// change the answer.
func isProtectiveGPT(sector []byte) bool {
	table, err := mbr.TableFromBytes(sector)
	if err != nil {
		return false
	}
	for _, e := range table.Entries {
		if e.Type() == mbr.TypeGPT {
			return true
		}
	}
	return false
}

func partitionsFromMBR(driveID string, dev blockdevice.BlockDevice, table *mbr.Table, opts ...ext4.Options) ([]*Partition, error) {
	var out []*Partition
	for _, e := range table.Entries {
		p := &Partition{
			ID:       e.Index(),
			DriveID:  driveID,
			StartLBA: e.StartLBA(),
			SizeLBA:  e.SizeLBA(),
			State:    StateDiscovered,
			entry:    e,
		}
		if !worthProbing[e.Type()] {
			p.State = StateUnsupported
			out = append(out, p)
			continue
		}
		dispatch(p, dev, opts...)
		out = append(out, p)
	}
	return out, nil
}

func partitionsFromGPT(driveID string, dev blockdevice.BlockDevice, opts ...ext4.Options) ([]*Partition, error) {
	sectorSize := int(dev.SectorSize())
	if sectorSize <= 0 {
		sectorSize = 512
	}

	headerBuf := make([]byte, sectorSize)
	if err := blockdevice.ReadBytes(dev, int64(gpt.HeaderLBA)*int64(sectorSize), headerBuf); err != nil {
		return nil, fmt.Errorf("partition: reading gpt header: %w", err)
	}
	header, err := gpt.HeaderFromBytes(headerBuf)
	if err != nil {
		return nil, fmt.Errorf("partition: %w", err)
	}

	entryBytes := make([]byte, roundUp(int(header.NumberOfEntries)*int(header.SizeOfEntry), sectorSize))
	entryOffset := int64(header.PartitionEntryLBA) * int64(sectorSize)
	if err := blockdevice.ReadBytes(dev, entryOffset, entryBytes); err != nil {
		return nil, fmt.Errorf("partition: reading gpt entry array: %w", err)
	}
	entries, err := gpt.ParseEntries(entryBytes, header.NumberOfEntries, header.SizeOfEntry)
	if err != nil {
		return nil, fmt.Errorf("partition: %w", err)
	}

	var out []*Partition
	for _, e := range entries {
		p := &Partition{
			ID:       e.Index(),
			DriveID:  driveID,
			StartLBA: e.StartLBA(),
			SizeLBA:  e.SizeLBA(),
			State:    StateDiscovered,
			entry:    e,
		}
		// spec §6: "The core probes every entry regardless of
		// partition-type GUID."
		dispatch(p, dev, opts...)
		out = append(out, p)
	}
	return out, nil
}

func roundUp(n, multiple int) int {
	if multiple <= 0 {
		return n
	}
	return ((n + multiple - 1) / multiple) * multiple
}

// dispatch runs the one-shot identify/mount state machine for a single
// candidate partition (spec §4.4).
func dispatch(p *Partition, dev blockdevice.BlockDevice, opts ...ext4.Options) {
	if !identify(dev, p.StartLBA) {
		p.State = StateUnsupported
		p.FS = filesystem.TypeUnknown
		return
	}
	p.State = StateCandidate

	vol, err := ext4.Open(dev, p.StartLBA, opts...)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"drive_id": p.DriveID, "partition_id": p.ID, "reason": err.Error(),
		}).Warn("partition: mount failed")
		p.State = StateUnsupported
		p.FS = filesystem.TypeUnknown
		return
	}

	p.State = StateMounted
	p.FS = filesystem.TypeExt4
	p.Volume = vol
}

// identify probes startLBA for an ext4 superblock without mounting it: a
// probe that fails the magic check returns false with no side effects
// (spec §4.4).
func identify(dev blockdevice.BlockDevice, startLBA uint64) bool {
	magic := make([]byte, 2)
	offset := int64(startLBA)*int64(dev.SectorSize()) + ext4.SuperblockOffset + 0x38
	if err := blockdevice.ReadBytes(dev, offset, magic); err != nil {
		return false
	}
	return binary.LittleEndian.Uint16(magic) == 0xEF53
}

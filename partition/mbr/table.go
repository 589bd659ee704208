// Package mbr reads the classic MS-DOS partition table: sector 0, a
// four-entry table at offset 0x1BE, and the 0x55AA boot signature
// (spec.md §6, bit-exact).
package mbr

import (
	"encoding/binary"
	"fmt"

	"github.com/diskboot/ext4boot/partition/part"
)

const (
	// SectorOffset is the MBR's fixed location: the drive's first sector.
	SectorOffset = 0
	tableOffset  = 0x1BE
	entrySize    = 16
	entryCount   = 4
	signatureOffset = 0x1FE
)

// Type is the closed set of recognized MBR partition type bytes (spec.md
// §6). Bytes not in this set are still recorded (as Type(raw)) and
// skipped, never treated as fatal.
type Type byte

const (
	TypeEmpty         Type = 0x00
	TypeDOSFat12      Type = 0x01
	TypeXenixRoot      Type = 0x02
	TypeXenixUsr      Type = 0x03
	TypeDOS3Fat16     Type = 0x04
	TypeExtended      Type = 0x05
	TypeDOS331Fat16   Type = 0x06
	TypeOS2IFS        Type = 0x07 // overloaded: also NTFS, also EXFAT
	TypeFat32         Type = 0x0B
	TypeFat32LBA      Type = 0x0C
	TypeDOSFat16LBA   Type = 0x0E
	TypeExtendedLBA   Type = 0x0F
	TypeLinuxSwap     Type = 0x82
	TypeLinuxNative   Type = 0x83
	TypeLinuxExtended Type = 0x85
	TypeLinuxLVM      Type = 0x8E
	TypeBSDI          Type = 0x9F
	TypeOpenBSD       Type = 0xA6
	TypeMacOSX        Type = 0xA8
	TypeMacOSXBoot    Type = 0xAB
	TypeMacOSXHFS     Type = 0xAF
	TypeLUKS          Type = 0xE8
	TypeGPT           Type = 0xEE
)

// Entry is one 16-byte MBR partition table record.
type Entry struct {
	index    int
	status   byte
	typ      Type
	startLBA uint32
	sectors  uint32
}

func (e Entry) Index() int        { return e.index }
func (e Entry) StartLBA() uint64  { return uint64(e.startLBA) }
func (e Entry) SizeLBA() uint64   { return uint64(e.sectors) }
func (e Entry) Bootable() bool    { return e.status == 0x80 }
func (e Entry) Type() Type        { return e.typ }

var _ part.Entry = Entry{}

// Table is a parsed MBR partition table.
type Table struct {
	Entries []Entry
}

// TableFromBytes parses a 512-byte MBR sector. It fails if the 0x55AA
// signature is absent — that is this scheme's own identify check,
// separate from (and prerequisite to) any per-partition ext4 probe.
func TableFromBytes(b []byte) (*Table, error) {
	if len(b) < signatureOffset+2 {
		return nil, fmt.Errorf("mbr: sector needs at least %d bytes, have %d", signatureOffset+2, len(b))
	}
	if b[signatureOffset] != 0x55 || b[signatureOffset+1] != 0xAA {
		return nil, fmt.Errorf("mbr: missing boot signature")
	}

	t := &Table{}
	for i := 0; i < entryCount; i++ {
		rec := b[tableOffset+i*entrySize : tableOffset+(i+1)*entrySize]
		typ := Type(rec[0x04])
		if typ == TypeEmpty {
			continue
		}
		t.Entries = append(t.Entries, Entry{
			index:    i + 1,
			status:   rec[0x00],
			typ:      typ,
			startLBA: binary.LittleEndian.Uint32(rec[0x08:0x0C]),
			sectors:  binary.LittleEndian.Uint32(rec[0x0C:0x10]),
		})
	}
	return t, nil
}

package partition

import (
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/diskboot/ext4boot/blockdevice"
	"github.com/diskboot/ext4boot/filesystem"
	"github.com/diskboot/ext4boot/partition/mbr"
)

const testSectorSize = 512

// writeExt4Stub writes just enough of a superblock and (empty) group
// descriptor table at byte offset startByte for ext4.Open to succeed: a
// valid magic, the extents incompat feature, and block/group geometry
// that yields exactly one group with a zero-filled descriptor table.
func writeExt4Stub(data []byte, startByte int) {
	sb := data[startByte+1024 : startByte+1024+1024]
	binary.LittleEndian.PutUint32(sb[0x4:0x8], 8)  // block count
	binary.LittleEndian.PutUint32(sb[0x18:0x1c], 2) // log block size -> 4096
	binary.LittleEndian.PutUint32(sb[0x20:0x24], 8) // blocks per group
	binary.LittleEndian.PutUint32(sb[0x28:0x2c], 8) // inodes per group
	binary.LittleEndian.PutUint16(sb[0x38:0x3a], 0xEF53)
	binary.LittleEndian.PutUint16(sb[0x58:0x5a], 256) // inode size
	binary.LittleEndian.PutUint32(sb[0x60:0x64], 0x40) // incompat extents
	// group descriptor table at block 1, left zero-filled — fine since
	// no checksum feature is set.
}

func putLE32(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}

func buildMBRSector(data []byte, entries []struct {
	typ      mbr.Type
	startLBA uint32
	sectors  uint32
}) {
	data[0x1FE] = 0x55
	data[0x1FF] = 0xAA
	for i, e := range entries {
		rec := data[0x1BE+i*16 : 0x1BE+(i+1)*16]
		rec[0x04] = byte(e.typ)
		putLE32(rec[0x08:0x0C], e.startLBA)
		putLE32(rec[0x0C:0x10], e.sectors)
	}
}

func TestPartitionsForDrive_MBRDispatch(t *testing.T) {
	const devSize = 1048576 + 65536
	data := make([]byte, devSize)

	const goodLBA = 2048   // sector number; byte offset 2048*512 = 1048576
	const garbageLBA = 2150 // within bounds but never given a valid ext4 stub

	buildMBRSector(data, []struct {
		typ      mbr.Type
		startLBA uint32
		sectors  uint32
	}{
		{mbr.TypeLinuxNative, goodLBA, 100},
		{mbr.TypeDOS3Fat16, 500, 100},
		{mbr.TypeLinuxNative, garbageLBA, 10},
	})
	writeExt4Stub(data, goodLBA*testSectorSize)

	dev := blockdevice.NewMemory(testSectorSize, data)
	parts, err := PartitionsForDrive("disk0", dev)
	if err != nil {
		t.Fatalf("PartitionsForDrive: %v", err)
	}
	if len(parts) != 3 {
		t.Fatalf("len(parts) = %d, want 3", len(parts))
	}

	good := parts[0]
	if good.State != StateMounted || good.FS != filesystem.TypeExt4 || good.Volume == nil {
		t.Errorf("entry 0 (linux native, valid ext4) = %+v", good)
	}

	notProbed := parts[1]
	if notProbed.State != StateUnsupported {
		t.Errorf("entry 1 (fat16, never probed) state = %v, want unsupported", notProbed.State)
	}

	garbage := parts[2]
	if garbage.State != StateMounted {
		// good: garbage region has no ext4 magic so identify() must fail.
	} else {
		t.Errorf("entry 2 (linux native, garbage contents) state = %v, want not mounted", garbage.State)
	}
	if garbage.State != StateUnsupported {
		t.Errorf("entry 2 state = %v, want unsupported", garbage.State)
	}
}

func TestPartitionsForDrive_GPTProtectiveMBRDispatches(t *testing.T) {
	const devSize = 1048576 + 65536
	data := make([]byte, devSize)

	// protective MBR: single entry covering the disk with type 0xEE.
	buildMBRSector(data, []struct {
		typ      mbr.Type
		startLBA uint32
		sectors  uint32
	}{
		{mbr.TypeGPT, 1, 0xFFFFFFFF},
	})

	// a GPT header with zero entries is a legitimate, if empty, table —
	// this only exercises that a protective MBR routes to the GPT path
	// rather than being misread as an MBR table.
	header := make([]byte, 512)
	copy(header[0:8], []byte("EFI PART"))
	putLE32(header[12:16], 92)
	putLE32(header[80:84], 0) // number of entries
	putLE32(header[84:88], 128)
	binary.LittleEndian.PutUint64(header[72:80], 34)
	scratch := make([]byte, 92)
	copy(scratch, header[:92])
	scratch[16], scratch[17], scratch[18], scratch[19] = 0, 0, 0, 0
	putLE32(header[16:20], crc32.ChecksumIEEE(scratch))
	copy(data[testSectorSize:testSectorSize+512], header)

	dev := blockdevice.NewMemory(testSectorSize, data)
	parts, err := PartitionsForDrive("disk0", dev)
	if err != nil {
		t.Fatalf("PartitionsForDrive: %v", err)
	}
	if len(parts) != 0 {
		t.Fatalf("len(parts) = %d, want 0 for an empty GPT table", len(parts))
	}
}

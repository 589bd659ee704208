package ext4

import (
	"encoding/binary"
	"testing"
)

func TestParseGroupDescriptors(t *testing.T) {
	sb := &Superblock{
		Features:            parseFeatureSet(0, incompatExtents, 0),
		GroupDescriptorSize: 32,
	}

	raw := make([]byte, 64) // two 32-byte descriptors
	binary.LittleEndian.PutUint32(raw[0x0:0x4], 10) // group 0 block bitmap
	binary.LittleEndian.PutUint32(raw[0x8:0xc], 20) // group 0 inode table
	binary.LittleEndian.PutUint32(raw[0x20:0x24], 11)
	binary.LittleEndian.PutUint32(raw[0x28:0x2c], 521) // group 1 inode table

	descs, err := parseGroupDescriptors(raw, sb, 2, nil)
	if err != nil {
		t.Fatalf("parseGroupDescriptors: %v", err)
	}
	if len(descs) != 2 {
		t.Fatalf("len(descs) = %d, want 2", len(descs))
	}
	if descs[0].InodeTableBlock != 20 {
		t.Errorf("descs[0].InodeTableBlock = %d, want 20", descs[0].InodeTableBlock)
	}
	if descs[1].InodeTableBlock != 521 {
		t.Errorf("descs[1].InodeTableBlock = %d, want 521", descs[1].InodeTableBlock)
	}
}

func TestParseGroupDescriptors_ShortBuffer(t *testing.T) {
	sb := &Superblock{GroupDescriptorSize: 32}
	_, err := parseGroupDescriptors(make([]byte, 10), sb, 2, nil)
	if err == nil {
		t.Fatal("parseGroupDescriptors with short buffer: expected error")
	}
}

func TestParseGroupDescriptors_ChecksumWarn(t *testing.T) {
	sb := &Superblock{
		Features:            parseFeatureSet(0, incompatExtents, roCompatGDTChecksum),
		GroupDescriptorSize: 32,
		UUID:                testVolumeUUID,
	}
	raw := make([]byte, 32)
	var warned []uint32
	_, err := parseGroupDescriptors(raw, sb, 1, func(group uint32) {
		warned = append(warned, group)
	})
	if err != nil {
		t.Fatalf("parseGroupDescriptors: %v", err)
	}
	if len(warned) != 1 {
		t.Fatalf("warned = %v, want exactly one warning for group 0's zero checksum", warned)
	}
}

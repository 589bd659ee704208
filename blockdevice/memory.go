package blockdevice

import "fmt"

// Memory is a BlockDevice backed entirely by a byte slice. It exists for
// tests and for constructing synthetic ext4 images in-process; nothing in
// the core depends on it.
type Memory struct {
	sectorSize uint16
	data       []byte
}

// NewMemory wraps data as a BlockDevice with the given sector size. data is
// used directly, not copied; callers that need isolation should copy first.
func NewMemory(sectorSize uint16, data []byte) *Memory {
	return &Memory{sectorSize: sectorSize, data: data}
}

func (m *Memory) SectorSize() uint16 {
	return m.sectorSize
}

func (m *Memory) ReadAt(lba uint64, buf []byte) error {
	if len(buf)%int(m.sectorSize) != 0 {
		return fmt.Errorf("blockdevice: read length %d is not a multiple of sector size %d", len(buf), m.sectorSize)
	}
	start := lba * uint64(m.sectorSize)
	end := start + uint64(len(buf))
	if end > uint64(len(m.data)) {
		return fmt.Errorf("%w: requested bytes [%d,%d) exceed device size %d", ErrShortRead, start, end, len(m.data))
	}
	copy(buf, m.data[start:end])
	return nil
}

// WriteAt is provided only so tests can build up a synthetic image in place
// (e.g. write a corrupted checksum at a known offset); it is not part of the
// BlockDevice contract and the core never calls it.
func (m *Memory) WriteAt(lba uint64, buf []byte) error {
	start := lba * uint64(m.sectorSize)
	end := start + uint64(len(buf))
	if end > uint64(len(m.data)) {
		return fmt.Errorf("%w: requested bytes [%d,%d) exceed device size %d", ErrShortRead, start, end, len(m.data))
	}
	copy(m.data[start:end], buf)
	return nil
}

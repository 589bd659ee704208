package ext4

import (
	"errors"
	"fmt"
)

// ErrCorruptMetadata is returned when an on-disk structure fails a
// structural check (bad magic, depth out of range, entry count exceeds
// capacity). The tree or record involved is discarded, not returned
// partially.
var ErrCorruptMetadata = errors.New("ext4: corrupt extent metadata")

// ErrUnsupportedFeature is returned when a volume does not declare the
// extents feature, or declares a metadata checksum type other than CRC32C.
// An inode that uses classic indirect block pointers is reported with
// ErrNoExtentTree instead.
var ErrUnsupportedFeature = errors.New("ext4: required feature not supported")

// ErrNoExtentTree is the sentinel "not applicable" result for an inode that
// does not use extents. It is not an error condition for the caller: the
// inode is simply not representable as an ExtentTree.
var ErrNoExtentTree = errors.New("ext4: inode does not use extents")

// ErrBadSuperblock is returned when the superblock magic does not match,
// i.e. the probed location is not an ext4 filesystem at all.
var ErrBadSuperblock = errors.New("ext4: bad superblock magic")

// ChecksumMismatchError records that an interior extent block's checksum
// did not match. By default it is a soft failure: the loader logs it (§4.7)
// and keeps using the block. With Options.StrictChecksums set,
// LoadExtentTree returns it as a fatal error instead.
type ChecksumMismatchError struct {
	Block uint64
	Inode uint32
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("ext4: checksum mismatch on block %d (inode %d)", e.Block, e.Inode)
}

// IoError wraps a failure from the underlying BlockDevice, identifying the
// operation that was in progress when it happened.
type IoError struct {
	Op  string
	Err error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("ext4: %s: %v", e.Op, e.Err)
}

func (e *IoError) Unwrap() error {
	return e.Err
}

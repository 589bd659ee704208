// Package filesystem holds the narrow Type enum shared across the
// filesystem implementations this module's partition dispatcher can
// mount. Everything else — superblock layout, inode shape, extent trees —
// lives in the per-filesystem package (filesystem/ext4).
package filesystem

import "errors"

// Type identifies which filesystem, if any, a partition was mounted as.
// The set is closed and new filesystems extend it rather than subclass it
// (spec.md §9: "Partition filesystems form a closed variant set").
type Type int

const (
	TypeUnknown Type = iota
	TypeExt4
)

func (t Type) String() string {
	switch t {
	case TypeExt4:
		return "ext4"
	default:
		return "unknown"
	}
}

// ErrUnrecognized reports that a candidate location does not carry a
// filesystem's magic. The ext4 identify probe in package partition reports
// that case as a false result and does not return this error.
var ErrUnrecognized = errors.New("filesystem: not recognized")

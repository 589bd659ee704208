package ext4

// Feature bitset values, as stored in the superblock's s_feature_compat,
// s_feature_incompat and s_feature_ro_compat fields respectively.
const (
	compatDirPrealloc      = 0x0001
	compatImagicInodes     = 0x0002
	compatHasJournal       = 0x0004
	compatExtAttr          = 0x0008
	compatResizeInode      = 0x0010
	compatDirIndex         = 0x0020
	compatLazyBG           = 0x0040
	compatExcludeInode     = 0x0080
	compatExcludeBitmap    = 0x0100
	compatSparseSuper2     = 0x0200
)

const (
	incompatCompression    = 0x0001
	incompatFiletype       = 0x0002
	incompatRecover        = 0x0004
	incompatJournalDev     = 0x0008
	incompatMetaBG         = 0x0010
	incompatExtents        = 0x0040
	incompat64Bit          = 0x0080
	incompatMMP            = 0x0100
	incompatFlexBG         = 0x0200
	incompatEAInode        = 0x0400
	incompatDirData        = 0x1000
	incompatCsumSeed       = 0x2000
	incompatLargeDir       = 0x4000
	incompatInlineData     = 0x8000
	incompatEncrypt        = 0x10000
)

const (
	roCompatSparseSuper    = 0x0001
	roCompatLargeFile      = 0x0002
	roCompatBtreeDir       = 0x0004
	roCompatHugeFile       = 0x0008
	roCompatGDTChecksum    = 0x0010
	roCompatDirNlink       = 0x0020
	roCompatExtraIsize     = 0x0040
	roCompatQuota          = 0x0100
	roCompatBigalloc       = 0x0200
	roCompatMetadataCsum   = 0x0400
	roCompatReadonly       = 0x1000
	roCompatProjectQuota   = 0x2000
)

// FeatureSet holds typed accessors over the three on-disk feature bitsets,
// so gating reads as named booleans at call sites rather than bit twiddling
// against the raw superblock fields.
type FeatureSet struct {
	compat   uint32
	incompat uint32
	roCompat uint32
}

func parseFeatureSet(compat, incompat, roCompat uint32) FeatureSet {
	return FeatureSet{compat: compat, incompat: incompat, roCompat: roCompat}
}

// HasJournal reports whether the filesystem has a journal (compat).
func (f FeatureSet) HasJournal() bool { return f.compat&compatHasJournal != 0 }

// DirIndex reports whether hashed b-tree directory indices are in use (compat).
func (f FeatureSet) DirIndex() bool { return f.compat&compatDirIndex != 0 }

// ExtendedAttributes reports whether extended attribute blocks are in use (compat).
func (f FeatureSet) ExtendedAttributes() bool { return f.compat&compatExtAttr != 0 }

// Extents reports whether inodes may use the extent tree instead of
// classic indirect block pointers (incompat). The core requires this.
func (f FeatureSet) Extents() bool { return f.incompat&incompatExtents != 0 }

// Is64Bit reports whether block/inode counts use the 64-bit feature, making
// group descriptors the larger 64-bit-aware layout.
func (f FeatureSet) Is64Bit() bool { return f.incompat&incompat64Bit != 0 }

// FlexBlockGroups reports whether flexible block groups are in use.
func (f FeatureSet) FlexBlockGroups() bool { return f.incompat&incompatFlexBG != 0 }

// FileType reports whether directory entries record the file's type inline.
func (f FeatureSet) FileType() bool { return f.incompat&incompatFiletype != 0 }

// MetaBlockGroups reports whether meta_bg is in use for group descriptor
// placement, instead of one contiguous GDT.
func (f FeatureSet) MetaBlockGroups() bool { return f.incompat&incompatMetaBG != 0 }

// RecoveryNeeded reports whether the journal has pending recovery. The
// core never replays the journal (non-goal); this is exposed only so a
// caller can refuse to trust the volume's contents.
func (f FeatureSet) RecoveryNeeded() bool { return f.incompat&incompatRecover != 0 }

// MetadataChecksumSeedInSuperblock reports whether the checksum seed is
// stored directly in the superblock rather than derived from the UUID.
func (f FeatureSet) MetadataChecksumSeedInSuperblock() bool {
	return f.incompat&incompatCsumSeed != 0
}

// SparseSuper reports the sparse-superblock layout (ro-compat): only
// certain block groups carry superblock/GDT backups.
func (f FeatureSet) SparseSuper() bool { return f.roCompat&roCompatSparseSuper != 0 }

// HugeFile reports whether i_blocks may be expressed in filesystem blocks
// instead of 512-byte sectors for very large files (ro-compat).
func (f FeatureSet) HugeFile() bool { return f.roCompat&roCompatHugeFile != 0 }

// GDTChecksum reports whether group descriptors carry a checksum (ro-compat,
// superseded by MetadataChecksums when both are set).
func (f FeatureSet) GDTChecksum() bool { return f.roCompat&roCompatGDTChecksum != 0 }

// MetadataChecksums reports whether metadata (inodes, group descriptors,
// interior extent blocks) carry a CRC32C checksum (ro-compat).
func (f FeatureSet) MetadataChecksums() bool { return f.roCompat&roCompatMetadataCsum != 0 }

// ReadOnly reports whether the filesystem declares itself read-only
// (ro-compat) — informational only, since this reader never writes.
func (f FeatureSet) ReadOnly() bool { return f.roCompat&roCompatReadonly != 0 }

// anyDescriptorChecksum reports whether group descriptors should be
// checksum-validated at all, under either of the two schemes that provide
// a checksum field (§4.6).
func (f FeatureSet) anyDescriptorChecksum() bool {
	return f.GDTChecksum() || f.MetadataChecksums()
}

// Package crc implements the CRC32C (Castagnoli) checksum chaining ext4
// uses throughout its metadata: superblock UUID seeding, inode checksums,
// group descriptor checksums, and interior extent-tree block checksums all
// compute the same way — fold one more byte slice into a running CRC.
package crc

import "hash/crc32"

var table = crc32.MakeTable(crc32.Castagnoli)

// CRC32c folds b into the running checksum crc, using ext4's convention of
// complementing the seed in and the result out (so that chained calls
// compose the same way the kernel's ext4_chksum does: pass the previous
// call's return value as the next call's seed).
func CRC32c(crc uint32, b []byte) uint32 {
	return ^crc32.Update(^crc, table, b)
}

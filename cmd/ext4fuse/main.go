// Command ext4fuse mounts a read-only, single-level FUSE view of an
// operator-supplied set of inode numbers on an ext4 partition. It exists
// purely to let a human poke at extent-tree output with ordinary tools
// (cat, dd, hexdump) during development; it does not walk directories —
// the bootloader core never needs to, and neither does this tool.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/sirupsen/logrus"

	"github.com/diskboot/ext4boot/filesystem/ext4"
	"github.com/diskboot/ext4boot/hostdisk"
	"github.com/diskboot/ext4boot/partition"
)

func main() {
	path := flag.String("image", "", "disk image or block device path")
	sectorSize := flag.Uint("sector-size", 512, "device sector size in bytes")
	mountpoint := flag.String("mountpoint", "", "directory to mount at")
	inodeList := flag.String("inodes", "", "comma-separated inode numbers to expose as files")
	verbose := flag.Bool("v", false, "log debug-level detail")
	flag.Parse()

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if err := run(*path, uint16(*sectorSize), *mountpoint, *inodeList); err != nil {
		fmt.Fprintln(os.Stderr, "ext4fuse:", err)
		os.Exit(1)
	}
}

func run(path string, sectorSize uint16, mountpoint, inodeList string) error {
	if path == "" || mountpoint == "" || inodeList == "" {
		return fmt.Errorf("-image, -mountpoint and -inodes are all required")
	}

	dev, err := hostdisk.Open(path, sectorSize)
	if err != nil {
		return err
	}
	defer dev.Close()

	parts, err := partition.PartitionsForDrive(path, dev)
	if err != nil {
		return fmt.Errorf("reading partition table: %w", err)
	}

	var vol *ext4.Volume
	for _, p := range parts {
		if p.State == partition.StateMounted {
			vol = p.Volume
			break
		}
	}
	if vol == nil {
		return fmt.Errorf("no ext4 partition found on %s", path)
	}

	numbers, err := parseInodeList(inodeList)
	if err != nil {
		return err
	}

	root := &rootNode{vol: vol, inodes: numbers}
	server, err := fs.Mount(mountpoint, root, &fs.Options{})
	if err != nil {
		return fmt.Errorf("mounting fuse at %s: %w", mountpoint, err)
	}
	logrus.WithFields(logrus.Fields{"mountpoint": mountpoint, "inodes": numbers}).Info("ext4fuse: mounted")
	server.Wait()
	return nil
}

func parseInodeList(list string) ([]uint32, error) {
	var out []uint32
	for _, field := range strings.Split(list, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		n, err := strconv.ParseUint(field, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid inode number %q: %w", field, err)
		}
		out = append(out, uint32(n))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("-inodes did not name any inode numbers")
	}
	return out, nil
}

// rootNode is the mount's only directory: a flat listing of the
// operator-supplied inode numbers, named by decimal inode number.
type rootNode struct {
	fs.Inode
	vol    *ext4.Volume
	inodes []uint32
}

var _ fs.NodeLookuper = (*rootNode)(nil)
var _ fs.NodeReaddirer = (*rootNode)(nil)

func (r *rootNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	n, err := strconv.ParseUint(name, 10, 32)
	if err != nil {
		return nil, syscall.ENOENT
	}
	if !r.exposes(uint32(n)) {
		return nil, syscall.ENOENT
	}

	handle, err := r.vol.OpenInode(uint32(n))
	if err != nil {
		logrus.WithFields(logrus.Fields{"inode": n, "reason": err.Error()}).Warn("ext4fuse: open inode failed")
		return nil, syscall.EIO
	}
	tree, err := handle.ExtentTree()
	if err != nil {
		logrus.WithFields(logrus.Fields{"inode": n, "reason": err.Error()}).Warn("ext4fuse: loading extent tree failed")
		return nil, syscall.EIO
	}

	out.Size = handle.SizeBytes
	out.Mode = uint32(handle.Mode) & 0777
	child := r.NewInode(ctx, &fileNode{vol: r.vol, size: handle.SizeBytes, tree: tree}, fs.StableAttr{
		Mode: syscall.S_IFREG,
		Ino:  uint64(n),
	})
	return child, 0
}

func (r *rootNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries := make([]fuse.DirEntry, len(r.inodes))
	for i, n := range r.inodes {
		entries[i] = fuse.DirEntry{Name: strconv.FormatUint(uint64(n), 10), Mode: syscall.S_IFREG, Ino: uint64(n)}
	}
	return fs.NewListDirStream(entries), 0
}

func (r *rootNode) exposes(n uint32) bool {
	for _, want := range r.inodes {
		if want == n {
			return true
		}
	}
	return false
}

// fileNode serves one inode's content read-only through its already
// loaded extent tree, zero-filling uninitialized and unmapped ranges.
type fileNode struct {
	fs.Inode
	vol  *ext4.Volume
	size uint64
	tree *ext4.ExtentTree
}

var _ fs.NodeGetattrer = (*fileNode)(nil)
var _ fs.NodeReader = (*fileNode)(nil)

func (f *fileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Size = f.size
	out.Mode = syscall.S_IFREG | 0444
	return 0
}

func (f *fileNode) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	blockSize := uint64(f.vol.Superblock().BlockSize)
	n, err := readExtents(f.vol, f.tree, f.size, blockSize, dest, uint64(off))
	if err != nil {
		logrus.WithFields(logrus.Fields{"offset": off, "reason": err.Error()}).Warn("ext4fuse: read failed")
		return nil, syscall.EIO
	}
	return fuse.ReadResultData(dest[:n]), 0
}

// readExtents fills dest with file content starting at byte offset off,
// resolving each covered logical block through tree and reading it from
// vol, or zero-filling where the tree has no mapping.
func readExtents(vol *ext4.Volume, tree *ext4.ExtentTree, size, blockSize uint64, dest []byte, off uint64) (int, error) {
	if off >= size {
		return 0, nil
	}
	want := uint64(len(dest))
	if off+want > size {
		want = size - off
	}

	scratch := make([]byte, blockSize)
	var written uint64
	for written < want {
		absolute := off + written
		block := absolute / blockSize
		withinBlock := absolute % blockSize

		res := tree.Lookup(ext4.LogicalBlockID(block))
		n := blockSize - withinBlock
		if n > want-written {
			n = want - written
		}

		switch {
		case res.Mapped && !res.Zero:
			if err := vol.ReadBlock(res.Physical, scratch); err != nil {
				return int(written), err
			}
			copy(dest[written:written+n], scratch[withinBlock:withinBlock+n])
		default:
			for i := uint64(0); i < n; i++ {
				dest[written+i] = 0
			}
		}
		written += n
	}
	return int(written), nil
}

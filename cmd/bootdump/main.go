// Command bootdump opens a disk image or block device on the development
// host, dispatches its partition table exactly as the bootloader core
// would, and reports the extent tree for one or more inodes on whichever
// partition mounted as ext4. It exists because the core itself never runs
// outside a BIOS-stage bootloader; this is how that code gets exercised
// and debugged from an ordinary machine.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/diskboot/ext4boot/filesystem/ext4"
	"github.com/diskboot/ext4boot/hostdisk"
	"github.com/diskboot/ext4boot/partition"
)

func main() {
	path := flag.String("image", "", "disk image or block device path")
	sectorSize := flag.Uint("sector-size", 512, "device sector size in bytes")
	inodeList := flag.String("inodes", "", "comma-separated inode numbers to dump extents for")
	strict := flag.Bool("strict-checksums", false, "abort on an interior extent-block checksum mismatch instead of logging and continuing")
	verbose := flag.Bool("v", false, "log debug-level detail")
	flag.Parse()

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if err := run(*path, uint16(*sectorSize), *inodeList, *strict); err != nil {
		fmt.Fprintln(os.Stderr, "bootdump:", err)
		os.Exit(1)
	}
}

func run(path string, sectorSize uint16, inodeList string, strict bool) error {
	if path == "" {
		return fmt.Errorf("-image is required")
	}

	prov, err := hostdisk.Stat(path)
	if err == nil {
		logrus.WithFields(logrus.Fields{
			"path": path, "modified": prov.ModTime, "has_birth_time": prov.HasBirth,
		}).Info("bootdump: opening image")
	}

	dev, err := hostdisk.Open(path, sectorSize)
	if err != nil {
		return err
	}
	defer dev.Close()

	parts, err := partition.PartitionsForDrive(path, dev, ext4.Options{StrictChecksums: strict})
	if err != nil {
		return fmt.Errorf("reading partition table: %w", err)
	}

	// every mounted volume is registered so a second lookup (here, and in
	// any longer-lived host process embedding this core) never remounts.
	registry := ext4.NewRegistry()
	var mountedID int
	haveMounted := false
	for _, p := range parts {
		fmt.Printf("partition %d: start=%d size=%d state=%s fs=%s\n", p.ID, p.StartLBA, p.SizeLBA, p.State, p.FS)
		if p.State == partition.StateMounted {
			registry.Mount(path, p.ID, p.Volume)
			if !haveMounted {
				mountedID, haveMounted = p.ID, true
			}
		}
	}

	if !haveMounted {
		fmt.Println("no ext4 partition mounted")
		return nil
	}
	if inodeList == "" {
		return nil
	}

	vol, err := registry.Get(path, mountedID)
	if err != nil {
		return err
	}
	return dumpInodes(vol, inodeList)
}

func dumpInodes(vol *ext4.Volume, list string) error {
	for _, field := range strings.Split(list, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		n, err := strconv.ParseUint(field, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid inode number %q: %w", field, err)
		}

		handle, err := vol.OpenInode(uint32(n))
		if err != nil {
			fmt.Printf("inode %d: %v\n", n, err)
			continue
		}
		tree, err := handle.ExtentTree()
		if err != nil {
			fmt.Printf("inode %d: %v\n", n, err)
			continue
		}
		fmt.Printf("inode %d: size=%d extents:\n", n, handle.SizeBytes)
		for _, e := range tree.Iter() {
			fmt.Printf("  logical=%d len=%d physical=%d uninitialized=%v\n",
				e.FirstLogicalBlock, e.EffectiveLength(), e.PhysicalStart, e.Uninitialized())
		}
	}
	return nil
}

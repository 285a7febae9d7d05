//go:build linux

package storage

import (
	"fmt"
	"syscall"
)

// Statfs magic numbers of filesystems SQLite cannot lock reliably. Anything
// else is reported as its hex magic and treated as local.
var linuxFilesystemMagic = map[uint64]string{
	0x6969:     "nfs",
	0xFF534D42: "cifs",
	0x517B:     "smbfs",
	0xFE534D42: "smb2",
	0x65735546: "fuse",
	0x00C36400: "ceph",
	0x01021997: "9p",
}

func detectFilesystemType(path string) (string, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return "", fmt.Errorf("statfs %q: %w", path, err)
	}
	magic := uint64(stat.Type)
	if name, ok := linuxFilesystemMagic[magic]; ok {
		return name, nil
	}
	return fmt.Sprintf("0x%x", magic), nil
}

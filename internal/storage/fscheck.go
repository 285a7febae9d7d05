package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var errDetectUnsupported = errors.New("filesystem detection unsupported")

// networkFilesystems covers both platforms' names. FUSE-backed mounts are
// included because most of them (sshfs, s3fs, macfuse) are remote.
var networkFilesystems = map[string]struct{}{
	"9p":      {},
	"afpfs":   {},
	"ceph":    {},
	"cifs":    {},
	"fuse":    {},
	"macfuse": {},
	"nfs":     {},
	"osxfuse": {},
	"smb2":    {},
	"smbfs":   {},
	"webdav":  {},
}

// checkLocalFilesystem refuses journal paths on network filesystems, where
// SQLite locking is unreliable. Platforms without detection pass.
func checkLocalFilesystem(path string) error {
	err := checkLocalFilesystemWith(path, detectFilesystemType)
	if errors.Is(err, errDetectUnsupported) {
		return nil
	}
	return err
}

func checkLocalFilesystemWith(path string, detector func(string) (string, error)) error {
	if path == "" {
		return fmt.Errorf("sqlite path is empty")
	}

	inspectPath, err := nearestExistingPath(path)
	if err != nil {
		return fmt.Errorf("resolve database path %q: %w", path, err)
	}

	fsType, err := detector(inspectPath)
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", inspectPath, err)
	}

	if isNetworkFilesystem(fsType) {
		return fmt.Errorf(
			"journal path %q is on network filesystem %q; SQLite requires a local filesystem for reliable locking. Set state.path (or CPUCOM_STATE_PATH) to a local file",
			path,
			fsType,
		)
	}

	return nil
}

func nearestExistingPath(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}

	candidate := absPath
	for {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}

		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", absPath)
		}
		candidate = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	normalized := strings.TrimSpace(strings.ToLower(fsType))
	_, found := networkFilesystems[normalized]
	return found
}

package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var errDetectUnsupported = errors.New("filesystem detection is unsupported on this platform")

// ErrNetworkFilesystem is wrapped by FilesystemError.
var ErrNetworkFilesystem = errors.New("sqlite database is on a network filesystem")

// Filesystems where flock and WAL shared memory are unreliable.
var networkFilesystems = map[string]bool{
	"9p":     true,
	"afpfs":  true,
	"afs":    true,
	"ceph":   true,
	"cifs":   true,
	"nfs":    true,
	"smb2":   true,
	"smbfs":  true,
	"webdav": true,
}

// FilesystemError reports a SQLite path that lives on a network mount.
type FilesystemError struct {
	Path   string
	FSType string
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("database path %q is on network filesystem %q; SQLite needs local disk for its locks. "+
		"Set database.path to local disk or switch database.driver to postgres", e.Path, e.FSType)
}

func (e *FilesystemError) Unwrap() error { return ErrNetworkFilesystem }

// CheckSQLitePath returns a *FilesystemError when path, or its nearest
// existing parent, is on a network filesystem. Platforms without detection
// always pass.
func CheckSQLitePath(path string) error {
	fsType, err := filesystemOf(path, detectFilesystemType)
	if errors.Is(err, errDetectUnsupported) {
		return nil
	}
	if err != nil {
		return err
	}
	if isNetworkFilesystem(fsType) {
		return &FilesystemError{Path: path, FSType: fsType}
	}
	return nil
}

func filesystemOf(path string, detect func(string) (string, error)) (string, error) {
	if path == "" {
		return "", fmt.Errorf("sqlite path is empty")
	}
	existing, err := nearestExistingPath(path)
	if err != nil {
		return "", fmt.Errorf("resolve database path %q: %w", path, err)
	}
	fsType, err := detect(existing)
	if err != nil {
		return "", fmt.Errorf("detect filesystem for %q: %w", existing, err)
	}
	return fsType, nil
}

// nearestExistingPath walks up from path until it finds something that
// exists, so a database that has not been created yet can still be checked.
func nearestExistingPath(path string) (string, error) {
	candidate, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}
	for {
		_, err := os.Stat(candidate)
		switch {
		case err == nil:
			return candidate, nil
		case !errors.Is(err, os.ErrNotExist):
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", path)
		}
		candidate = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	return networkFilesystems[strings.ToLower(strings.TrimSpace(fsType))]
}

package storage

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// DiskGuard refuses writes when the volume holding Path drops below
// MinFreeMB of available space.
type DiskGuard struct {
	Path      string
	MinFreeMB uint64
}

// Check returns an error when free space is below the floor.
func (g DiskGuard) Check() error {
	if g.MinFreeMB == 0 {
		return nil
	}
	free, err := FreeDiskMB(g.Path)
	if err != nil {
		return err
	}
	if free < g.MinFreeMB {
		return fmt.Errorf("low disk space under %s: %d MB free, %d MB required", g.Path, free, g.MinFreeMB)
	}
	return nil
}

// FreeDiskMB returns the megabytes available to unprivileged writers on
// the volume holding path.
func FreeDiskMB(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return st.Bavail * uint64(st.Bsize) / (1024 * 1024), nil
}

//go:build !windows

package fs

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// GetVolumeStats returns total, used and available bytes of the filesystem
// holding path. Available counts only space usable by unprivileged users.
func GetVolumeStats(path string) (total, used, available int64, err error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, 0, 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	bsize := int64(stat.Bsize) //nolint:unconvert // int64 on linux, uint32 on darwin
	total = int64(stat.Blocks) * bsize
	available = int64(stat.Bavail) * bsize
	used = total - int64(stat.Bfree)*bsize
	return total, used, available, nil
}

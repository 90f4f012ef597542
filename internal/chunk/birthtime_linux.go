//go:build linux

package chunk

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// BirthTime returns the creation time of path. Uses statx when the
// filesystem records a birth time and falls back to the modification time.
func BirthTime(path string) (time.Time, error) {
	var stx unix.Statx_t
	err := unix.Statx(unix.AT_FDCWD, path, unix.AT_STATX_SYNC_AS_STAT, unix.STATX_BTIME|unix.STATX_MTIME, &stx)
	if err != nil {
		return time.Time{}, &os.PathError{Op: "statx", Path: path, Err: err}
	}
	if stx.Mask&unix.STATX_BTIME != 0 {
		return time.Unix(stx.Btime.Sec, int64(stx.Btime.Nsec)), nil
	}
	return time.Unix(stx.Mtime.Sec, int64(stx.Mtime.Nsec)), nil
}

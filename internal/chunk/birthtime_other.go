//go:build !linux

package chunk

import (
	"fmt"
	"os"
	"time"
)

// BirthTime returns the modification time of path; portable stat does not
// expose a creation time.
func BirthTime(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, fmt.Errorf("stat %s: %w", path, err)
	}
	return info.ModTime(), nil
}

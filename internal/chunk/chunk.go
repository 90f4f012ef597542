// Package chunk holds filesystem helpers shared by the watcher, the
// reconciler and the uploader: MIME classification, hidden-name checks and
// birth-time lookup.
package chunk

import (
	"path/filepath"
	"strings"
)

// MIME types the remote API accepts.
const (
	TypeMP4  = "video/mp4"
	TypeH264 = "video/h264"
	TypeJSON = "application/json"
)

// MimeType classifies a chunk by extension. Unknown extensions are
// uploaded as video/mp4.
func MimeType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		return TypeJSON
	case ".h264":
		return TypeH264
	default:
		return TypeMP4
	}
}

// IsHidden reports whether a file or directory name is a dotfile.
func IsHidden(name string) bool {
	return len(name) > 0 && name[0] == '.'
}

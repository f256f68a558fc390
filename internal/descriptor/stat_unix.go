//go:build unix

package descriptor

import (
	"fmt"
	"os"
	"syscall"
)

// StatIdentity extracts the device, inode and link-count triple a Record
// needs from an already-obtained os.FileInfo. It exists because os.FileInfo
// does not expose these fields portably; every other platform-neutral field
// the Record needs comes straight off the FileInfo itself.
func StatIdentity(info os.FileInfo) (device, inode, nlink uint64, err error) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, 0, fmt.Errorf("descriptor: unsupported stat_t for %s", info.Name())
	}
	return uint64(st.Dev), uint64(st.Ino), uint64(st.Nlink), nil
}

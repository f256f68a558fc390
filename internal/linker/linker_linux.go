//go:build linux

package linker

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

func init() {
	reflinkClone = ficloneReflink
}

// ficloneReflink creates tempPath as a copy-on-write clone of survivorPath
// via the Linux FICLONE ioctl (btrfs, XFS with reflink=1, overlayfs, ...).
func ficloneReflink(survivorPath, tempPath string) error {
	src, err := os.Open(survivorPath)
	if err != nil {
		return fmt.Errorf("open survivor: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("stat survivor: %w", err)
	}

	dst, err := os.OpenFile(tempPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	defer dst.Close()

	if err := unix.IoctlFileClone(int(dst.Fd()), int(src.Fd())); err != nil {
		_ = os.Remove(tempPath)
		if err == unix.ENOTSUP || err == unix.EOPNOTSUPP || err == unix.EXDEV || err == unix.EINVAL {
			return ErrReflinkUnsupported
		}
		return fmt.Errorf("FICLONE: %w", err)
	}
	return nil
}

//go:build unix

package main

import "golang.org/x/sys/unix"

// blockSize returns the one-filesystem-block minimum-size skip threshold
// (SPEC_FULL.md §4.2): the block size reported by Statfs on path's
// filesystem, falling back to 4096 if the call fails or is unsupported.
func blockSize(path string) int {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return fallbackBlockSize
	}
	if stat.Bsize <= 0 {
		return fallbackBlockSize
	}
	return int(stat.Bsize)
}

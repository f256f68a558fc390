//go:build !linux

package linker

// reflinkClone stays nil on platforms without a wired clone syscall, so
// cloneReflink reports ErrReflinkUnsupported uniformly.

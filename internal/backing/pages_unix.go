//go:build unix

package backing

import (
	"golang.org/x/sys/unix"
)

// mapPages maps size bytes of anonymous, zeroed, page-aligned memory that
// lives outside the Go heap.
func mapPages(size uintptr) ([]byte, error) {
	return unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
}

func unmapPages(p []byte) error {
	return unix.Munmap(p)
}

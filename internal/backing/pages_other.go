//go:build !unix

package backing

import "unsafe"

// mapPages falls back to a Go slice trimmed to a page boundary. The owner
// keeps the returned slice reachable for as long as the pages are in use.
func mapPages(size uintptr) ([]byte, error) {
	buf := make([]byte, size+pageSize)
	addr := uintptr(unsafe.Pointer(&buf[0]))
	off := alignUp(addr, pageSize) - addr
	return buf[off : off+size : off+size], nil
}

func unmapPages(p []byte) error {
	return nil
}

//go:build !heapguard_noguard

package allocator

const overflowCheckDefault = true

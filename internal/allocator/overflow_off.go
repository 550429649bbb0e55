//go:build heapguard_noguard

package allocator

// Builds tagged heapguard_noguard place no canaries unless WithOverflowCheck(true) is passed.
const overflowCheckDefault = false

// Package stats collects a streamed allocator report into a bounded,
// NUL-terminated byte buffer.
package stats

// Buffer accumulates report fragments into a caller-supplied slice. One byte
// of the slice is always reserved for the terminator; fragments that do not
// fit are cut at the boundary and later ones are dropped.
type Buffer struct {
	buf        []byte
	cursor     int
	remaining  int
	terminated bool
}

// NewBuffer wraps buf. Its capacity is len(buf), terminator included.
func NewBuffer(buf []byte) *Buffer {
	remaining := len(buf) - 1
	if remaining < 0 {
		remaining = 0
	}
	return &Buffer{buf: buf, remaining: remaining}
}

// WriteString copies as much of s as still fits. It never fails; the count
// reports how many bytes were kept.
func (b *Buffer) WriteString(s string) (int, error) {
	if b.remaining == 0 || b.terminated {
		return 0, nil
	}
	n := copy(b.buf[b.cursor:b.cursor+b.remaining], s)
	b.cursor += n
	b.remaining -= n
	return n, nil
}

// Terminate writes the NUL after the collected text. Only the first call has
// an effect, and an empty buffer receives nothing.
func (b *Buffer) Terminate() {
	if b.terminated || len(b.buf) == 0 {
		return
	}
	b.buf[b.cursor] = 0
	b.terminated = true
}

// Len returns the number of text bytes collected, excluding the terminator.
func (b *Buffer) Len() int {
	return b.cursor
}

// Full reports whether further fragments will be dropped.
func (b *Buffer) Full() bool {
	return b.remaining == 0
}

func (b *Buffer) String() string {
	return string(b.buf[:b.cursor])
}

// Collect runs a push-style report source into buf and terminates it.
// It returns the number of text bytes written.
func Collect(buf []byte, source func(write func(string))) int {
	b := NewBuffer(buf)
	source(func(fragment string) {
		_, _ = b.WriteString(fragment)
	})
	b.Terminate()
	return b.Len()
}

package compress

// growStep is the smallest capacity an encoder's output buffer starts with.
const growStep = 16 << 10

// Buffer is an append-only byte sequence. Its capacity starts at growStep
// and doubles, so appending n bytes costs O(n) copies overall.
type Buffer struct {
	b []byte
}

// Extend appends p and returns the new length.
func (b *Buffer) Extend(p []byte) int {
	if need := len(b.b) + len(p); need > cap(b.b) {
		size := max(cap(b.b), growStep)
		for size < need {
			size *= 2
		}
		grown := make([]byte, len(b.b), size)
		copy(grown, b.b)
		b.b = grown
	}
	b.b = append(b.b, p...)
	return len(b.b)
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.Extend(p)
	return len(p), nil
}

func (b *Buffer) Len() int { return len(b.b) }

func (b *Buffer) Bytes() []byte { return b.b }

// Reset empties the buffer and keeps its capacity.
func (b *Buffer) Reset() { b.b = b.b[:0] }

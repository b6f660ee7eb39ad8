package engine

import "fmt"

// initialOutputCap is the capacity allocated on the first append.
const initialOutputCap = 4096

// OutputBuffer collects the text a script emits. Length and capacity are
// tracked separately; capacity doubles up to a hard limit.
type OutputBuffer struct {
	buf   []byte
	limit int
}

// NewOutputBuffer returns an empty buffer that refuses to grow past limit bytes.
func NewOutputBuffer(limit int) *OutputBuffer {
	return &OutputBuffer{limit: limit}
}

// Append adds p to the buffer. Growing past the limit is an allocation
// failure and leaves the buffer unchanged.
func (b *OutputBuffer) Append(p []byte) error {
	need := len(b.buf) + len(p)
	if need > b.limit {
		return &EngineError{
			Class:     ErrorClassAllocation,
			Message:   fmt.Sprintf("output buffer would grow to %d bytes (limit %d)", need, b.limit),
			Operation: "append_output",
		}
	}
	if need > cap(b.buf) {
		c := max(cap(b.buf), initialOutputCap)
		for c < need {
			c *= 2
		}
		next := make([]byte, len(b.buf), min(c, b.limit))
		copy(next, b.buf)
		b.buf = next
	}
	b.buf = append(b.buf, p...)
	return nil
}

// Len returns the number of bytes written.
func (b *OutputBuffer) Len() int { return len(b.buf) }

// Cap returns the allocated capacity.
func (b *OutputBuffer) Cap() int { return cap(b.buf) }

// Bytes returns the buffer contents. The slice aliases the buffer.
func (b *OutputBuffer) Bytes() []byte { return b.buf }

// String returns the contents as a string.
func (b *OutputBuffer) String() string { return string(b.buf) }

// Reset releases the buffer.
func (b *OutputBuffer) Reset() { b.buf = nil }

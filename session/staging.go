package session

// stagingBuffer accumulates bytes that arrived faster than they could be
// parsed into complete records. After every processing pass it holds exactly
// the unconsumed tail of the most recent accumulation.
type stagingBuffer struct {
	buf []byte
}

// Append merges p with any retained bytes and returns the view to parse.
// When the buffer is empty it returns p itself, so the common case of one
// complete record per delivery costs no copy.
func (b *stagingBuffer) Append(p []byte) []byte {
	if len(b.buf) == 0 {
		return p
	}
	b.buf = append(b.buf, p...)
	return b.buf
}

// Set replaces the retained contents with rest. An empty rest releases all
// storage. If rest is the buffer's own storage with nothing consumed this is
// a no-op; otherwise rest is copied, because it may alias a transport buffer
// that is invalid after the delivering callback returns.
func (b *stagingBuffer) Set(rest []byte) {
	if len(rest) == 0 {
		b.buf = nil
		return
	}
	if len(b.buf) == len(rest) && &b.buf[0] == &rest[0] {
		return
	}
	owned := make([]byte, len(rest))
	copy(owned, rest)
	b.buf = owned
}

// Len reports how many unconsumed bytes are retained.
func (b *stagingBuffer) Len() int {
	return len(b.buf)
}

package broker

import (
	"unicode/utf8"
)

// backlog retains the newest terminal bytes up to a fixed capacity. When
// trimming would cut a UTF-8 sequence in half, the orphaned continuation
// bytes at the front are dropped as well. Not safe for concurrent use; the
// owning Session serializes access.
type backlog struct {
	data     []byte
	capacity int
}

func newBacklog(capacity int) *backlog {
	if capacity <= 0 {
		capacity = 64 * 1024
	}
	return &backlog{capacity: capacity}
}

func (b *backlog) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	b.data = append(b.data, p...)
	if len(b.data) <= b.capacity {
		return
	}

	start := len(b.data) - b.capacity
	for i := 0; i < utf8.UTFMax-1 && start < len(b.data) && !utf8.RuneStart(b.data[start]); i++ {
		start++
	}
	// Copy so the dropped prefix does not pin the old array forever.
	b.data = append([]byte(nil), b.data[start:]...)
}

func (b *backlog) Len() int {
	return len(b.data)
}

func (b *backlog) Bytes() []byte {
	if len(b.data) == 0 {
		return nil
	}
	return append([]byte(nil), b.data...)
}

func (b *backlog) Reset() {
	b.data = nil
}

// Chunks splits the retained bytes into pieces of at most max bytes, each
// ending on a rune boundary where possible, for replay to a new viewer.
func (b *backlog) Chunks(max int) [][]byte {
	return splitChunks(b.data, max)
}

func splitChunks(data []byte, max int) [][]byte {
	if len(data) == 0 {
		return nil
	}
	if max <= 0 {
		max = len(data)
	}

	var chunks [][]byte
	for start := 0; start < len(data); {
		end := start + max
		if end >= len(data) {
			end = len(data)
		} else {
			cut := end
			for cut > start && end-cut < utf8.UTFMax && !utf8.RuneStart(data[cut]) {
				cut--
			}
			if cut > start && utf8.RuneStart(data[cut]) {
				end = cut
			}
		}
		chunks = append(chunks, append([]byte(nil), data[start:end]...))
		start = end
	}
	return chunks
}

// utf8Carry holds back an incomplete trailing rune from a pty read so that
// every terminal.data frame carries valid UTF-8.
type utf8Carry struct {
	pending []byte
}

func (c *utf8Carry) Complete(p []byte) []byte {
	buf := p
	if len(c.pending) > 0 {
		buf = append(c.pending, p...)
		c.pending = nil
	}

	for i := len(buf) - 1; i >= 0 && i >= len(buf)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(buf[i]) {
			continue
		}
		if !utf8.FullRune(buf[i:]) {
			c.pending = append([]byte(nil), buf[i:]...)
			return buf[:i]
		}
		break
	}
	return buf
}

func (c *utf8Carry) Reset() {
	c.pending = nil
}

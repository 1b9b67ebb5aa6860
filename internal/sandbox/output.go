package sandbox

import "bytes"

// DefaultMaxOutputBytes caps each of stdout and stderr.
const DefaultMaxOutputBytes = 1 << 20

const truncatedMarker = "\n... [output truncated]"

// CappedBuffer keeps at most limit bytes and silently discards the rest, so a
// hostile or chatty tool cannot exhaust worker memory.
type CappedBuffer struct {
	buf       bytes.Buffer
	remaining int
	truncated bool
}

func NewCappedBuffer(limit int) *CappedBuffer {
	if limit <= 0 {
		limit = DefaultMaxOutputBytes
	}
	return &CappedBuffer{remaining: limit}
}

// Write never fails; excess bytes are dropped and recorded as truncation.
func (c *CappedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if c.remaining <= 0 {
		if n > 0 {
			c.truncated = true
		}
		return n, nil
	}
	if len(p) > c.remaining {
		p = p[:c.remaining]
		c.truncated = true
	}
	c.buf.Write(p)
	c.remaining -= len(p)
	return n, nil
}

func (c *CappedBuffer) String() string  { return c.buf.String() }
func (c *CappedBuffer) Truncated() bool { return c.truncated }

package audio

// Chunker cuts an arbitrary PCM16 byte stream into fixed-size chunks. Partial
// input is buffered until a full chunk is available.
type Chunker struct {
	size int
	buf  []byte
}

func NewChunker(chunkSamples int) *Chunker {
	size := ChunkBytes(chunkSamples)
	return &Chunker{size: size, buf: make([]byte, 0, size*2)}
}

// Size returns the chunk size in bytes.
func (c *Chunker) Size() int { return c.size }

// Write appends p and returns every complete chunk now available. Returned
// chunks do not alias the chunker's internal buffer.
func (c *Chunker) Write(p []byte) [][]byte {
	c.buf = append(c.buf, p...)
	var out [][]byte
	for len(c.buf) >= c.size {
		chunk := make([]byte, c.size)
		copy(chunk, c.buf[:c.size])
		out = append(out, chunk)
		c.buf = c.buf[c.size:]
	}
	if len(out) > 0 {
		rest := make([]byte, len(c.buf), c.size*2)
		copy(rest, c.buf)
		c.buf = rest
	}
	return out
}

// Flush returns the buffered remainder trimmed to whole samples, or nil.
func (c *Chunker) Flush() []byte {
	n := len(c.buf) - len(c.buf)%BytesPerSample
	if n <= 0 {
		c.buf = c.buf[:0]
		return nil
	}
	out := make([]byte, n)
	copy(out, c.buf[:n])
	c.buf = c.buf[:0]
	return out
}

// SplitPCM splits a whole buffer into sample-aligned chunks of at most
// chunkBytes. The final chunk may be shorter.
func SplitPCM(pcm []byte, chunkBytes int) [][]byte {
	if chunkBytes < BytesPerSample {
		chunkBytes = BytesPerSample
	}
	if chunkBytes%BytesPerSample != 0 {
		chunkBytes++
	}
	var out [][]byte
	for off := 0; off < len(pcm); {
		end := off + chunkBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		if (end-off)%BytesPerSample != 0 {
			end--
		}
		if end <= off {
			break
		}
		out = append(out, pcm[off:end])
		off = end
	}
	return out
}

package audio

import (
	"errors"
	"testing"
	"time"
)

func TestDecodeChunkValidatesPayload(t *testing.T) {
	pcm := []byte{1, 0, 2, 0, 3, 0}
	got, err := DecodeChunk(EncodeChunk(pcm))
	if err != nil {
		t.Fatalf("DecodeChunk() error = %v", err)
	}
	if len(got) != len(pcm) {
		t.Fatalf("len(DecodeChunk()) = %d, want %d", len(got), len(pcm))
	}

	for name, payload := range map[string]string{
		"empty":      "",
		"not base64": "%%%",
		"odd length": EncodeChunk([]byte{1, 2, 3}),
	} {
		if _, err := DecodeChunk(payload); !errors.Is(err, ErrInvalidPCM) {
			t.Fatalf("%s: DecodeChunk() error = %v, want ErrInvalidPCM", name, err)
		}
	}
}

func TestDurationOfDefaultChunk(t *testing.T) {
	got := Duration(ChunkBytes(DefaultChunkSamples))
	if got != 256*time.Millisecond {
		t.Fatalf("Duration(default chunk) = %s, want 256ms", got)
	}
}

func TestRMS(t *testing.T) {
	if got := RMS(make([]byte, 64)); got != 0 {
		t.Fatalf("RMS(silence) = %v, want 0", got)
	}
	loud := []byte{0xE8, 0x03, 0x18, 0xFC} // 1000, -1000
	if got := RMS(loud); got < 999.9 || got > 1000.1 {
		t.Fatalf("RMS(loud) = %v, want 1000", got)
	}
}

func TestChunkerYieldsFixedSizeChunks(t *testing.T) {
	c := NewChunker(4) // 8 bytes
	if got := c.Write(make([]byte, 5)); len(got) != 0 {
		t.Fatalf("Write(5) chunks = %d, want 0", len(got))
	}
	got := c.Write(make([]byte, 12))
	if len(got) != 2 {
		t.Fatalf("Write(12) chunks = %d, want 2", len(got))
	}
	for i, ch := range got {
		if len(ch) != 8 {
			t.Fatalf("chunk %d len = %d, want 8", i, len(ch))
		}
	}
	rest := c.Flush()
	if len(rest) != 0 {
		t.Fatalf("Flush() len = %d, want 0 (one odd byte left is dropped)", len(rest))
	}
}

func TestSplitPCMKeepsSampleAlignment(t *testing.T) {
	chunks := SplitPCM(make([]byte, 10), 4)
	if len(chunks) != 3 {
		t.Fatalf("len(SplitPCM) = %d, want 3", len(chunks))
	}
	if len(chunks[2]) != 2 {
		t.Fatalf("last chunk len = %d, want 2", len(chunks[2]))
	}
}

// Package audio defines the PCM codec contract shared by the gateway and its
// clients: inbound audio is raw linear PCM, 16-bit signed little-endian,
// 16 kHz, mono, shipped in fixed-size chunks as base64 text.
package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	SampleRate          = 16000
	Channels            = 1
	BytesPerSample      = 2
	DefaultChunkSamples = 4096

	// MaxChunkBytes bounds a single decoded audio_chunk payload.
	MaxChunkBytes = 1 << 20
)

var ErrInvalidPCM = errors.New("invalid pcm16 payload")

// ChunkBytes converts a sample count into a byte count for mono PCM16.
func ChunkBytes(samples int) int {
	if samples <= 0 {
		samples = DefaultChunkSamples
	}
	return samples * BytesPerSample * Channels
}

// DecodeChunk decodes one base64 audio_chunk payload and validates that it is
// a non-empty, sample-aligned PCM16 buffer.
func DecodeChunk(b64 string) ([]byte, error) {
	if b64 == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidPCM)
	}
	if base64.StdEncoding.DecodedLen(len(b64)) > MaxChunkBytes+3 {
		return nil, fmt.Errorf("%w: payload exceeds %d bytes", ErrInvalidPCM, MaxChunkBytes)
	}
	pcm, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPCM, err)
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidPCM)
	}
	if len(pcm) > MaxChunkBytes {
		return nil, fmt.Errorf("%w: payload exceeds %d bytes", ErrInvalidPCM, MaxChunkBytes)
	}
	if len(pcm)%BytesPerSample != 0 {
		return nil, fmt.Errorf("%w: odd byte length %d", ErrInvalidPCM, len(pcm))
	}
	return pcm, nil
}

func EncodeChunk(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// Duration reports how much audio n bytes of mono PCM16 at SampleRate hold.
func Duration(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	samples := n / BytesPerSample / Channels
	return time.Duration(samples) * time.Second / SampleRate
}

// RMS returns the root-mean-square amplitude of a PCM16LE buffer.
func RMS(pcm []byte) float64 {
	n := len(pcm) / BytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2])))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

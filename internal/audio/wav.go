package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

const wavHeaderSize = 44

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio bytes in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(wavHeaderSize + len(pcm))
	if err := WriteWAVPCM16LETo(&buf, pcm, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVPCM16LEFile writes raw PCM16LE mono audio bytes as a WAV file.
func WriteWAVPCM16LEFile(path string, pcm []byte, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteWAVPCM16LETo(f, pcm, sampleRate); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// WriteWAVPCM16LETo writes raw PCM16LE mono audio bytes to out as a WAV stream.
func WriteWAVPCM16LETo(out io.Writer, pcm []byte, sampleRate int) error {
	if sampleRate <= 0 {
		sampleRate = SampleRate
	}
	var h [wavHeaderSize]byte
	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], uint32(36+len(pcm)))
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16)
	binary.LittleEndian.PutUint16(h[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(h[22:24], Channels)
	binary.LittleEndian.PutUint32(h[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(h[28:32], uint32(sampleRate*Channels*BytesPerSample))
	binary.LittleEndian.PutUint16(h[32:34], Channels*BytesPerSample)
	binary.LittleEndian.PutUint16(h[34:36], BytesPerSample*8)
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], uint32(len(pcm)))

	if _, err := out.Write(h[:]); err != nil {
		return err
	}
	_, err := out.Write(pcm)
	return err
}

// DecodeWAVPCM16 extracts mono PCM16LE samples from a RIFF/WAVE buffer.
// Multi-channel input is downmixed by averaging.
func DecodeWAVPCM16(data []byte) ([]byte, int, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("unsupported wav header")
	}

	var (
		haveFmt    bool
		format     uint16
		channels   uint16
		sampleRate int
		bits       uint16
		pcm        []byte
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += 8
		if size < 0 || off+size > len(data) {
			return nil, 0, fmt.Errorf("invalid wav chunk size")
		}
		body := data[off : off+size]
		switch id {
		case "fmt ":
			if len(body) < 16 {
				return nil, 0, fmt.Errorf("invalid wav fmt chunk")
			}
			format = binary.LittleEndian.Uint16(body[0:2])
			channels = binary.LittleEndian.Uint16(body[2:4])
			sampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			bits = binary.LittleEndian.Uint16(body[14:16])
			haveFmt = true
		case "data":
			pcm = body
		}
		off += size + size%2
	}

	switch {
	case !haveFmt:
		return nil, 0, fmt.Errorf("wav fmt chunk missing")
	case len(pcm) == 0:
		return nil, 0, fmt.Errorf("wav data chunk missing")
	case format != 1:
		return nil, 0, fmt.Errorf("unsupported wav audio format %d", format)
	case bits != 16:
		return nil, 0, fmt.Errorf("unsupported wav bits_per_sample %d", bits)
	case channels == 0:
		return nil, 0, fmt.Errorf("invalid wav channels=0")
	}
	if sampleRate <= 0 {
		sampleRate = SampleRate
	}

	if channels == 1 {
		n := len(pcm) - len(pcm)%BytesPerSample
		out := make([]byte, n)
		copy(out, pcm[:n])
		return out, sampleRate, nil
	}

	frame := int(channels) * BytesPerSample
	frames := len(pcm) / frame
	mono := make([]byte, frames*BytesPerSample)
	for i := 0; i < frames; i++ {
		sum := 0
		for ch := 0; ch < int(channels); ch++ {
			at := i*frame + ch*BytesPerSample
			sum += int(int16(binary.LittleEndian.Uint16(pcm[at : at+2])))
		}
		binary.LittleEndian.PutUint16(mono[i*2:i*2+2], uint16(int16(sum/int(channels))))
	}
	return mono, sampleRate, nil
}

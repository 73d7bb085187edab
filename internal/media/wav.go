package media

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
)

const wavHeaderSize = 44

// EncodeWAVPCM16LE wraps mono PCM16LE bytes in a WAV container so clients can
// play a pcm16 fragment directly.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(wavHeaderSize + len(pcm))
	if err := WriteWAVPCM16LE(&buf, pcm, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func WriteWAVPCM16LE(out io.Writer, pcm []byte, sampleRate int) error {
	const (
		channels      = 1
		bitsPerSample = 16
		formatPCM     = 1
	)
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	dataSize := uint32(len(pcm))

	w := bufio.NewWriter(out)
	fields := []any{
		[4]byte{'R', 'I', 'F', 'F'},
		uint32(wavHeaderSize-8) + dataSize,
		[4]byte{'W', 'A', 'V', 'E'},
		[4]byte{'f', 'm', 't', ' '},
		uint32(16),
		uint16(formatPCM),
		uint16(channels),
		uint32(sampleRate),
		uint32(sampleRate * channels * bitsPerSample / 8),
		uint16(channels * bitsPerSample / 8),
		uint16(bitsPerSample),
		[4]byte{'d', 'a', 't', 'a'},
		dataSize,
	}
	for _, f := range fields {
		if err := binary.Write(w, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}

// PCMFromWAV strips a canonical 44-byte header. Other layouts are returned unchanged.
func PCMFromWAV(wav []byte) []byte {
	if len(wav) < wavHeaderSize || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return wav
	}
	return wav[wavHeaderSize:]
}

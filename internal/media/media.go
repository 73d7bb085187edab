package media

import (
	"fmt"
	"math"
	"strings"
)

// ContentType tags how VideoFrame.Data must be interpreted.
type ContentType string

const (
	ContentRaw     ContentType = "raw"
	ContentJPEG    ContentType = "jpeg"
	ContentH264NAL ContentType = "h264_nal"
)

func (c ContentType) Valid() bool {
	switch c {
	case ContentRaw, ContentJPEG, ContentH264NAL:
		return true
	default:
		return false
	}
}

// Audio encodings understood by DurationFor.
const (
	EncodingPCM16 = "pcm16"
	EncodingMP3   = "mp3"
	EncodingWAV   = "wav"
)

// DefaultMP3Kbps is the constant bitrate assumed for mp3 streams that do not say otherwise.
const DefaultMP3Kbps = 128

type AudioFragment struct {
	Data        []byte
	TimestampMs float64
	DurationMs  float64
	SampleRate  int
	Encoding    string
}

type VideoFrame struct {
	Data        []byte
	TimestampMs float64
	FrameIndex  int
	Width       int
	Height      int
	ContentType ContentType
}

// EstimateMP3DurationMs assumes constant bitrate.
func EstimateMP3DurationMs(n int, kbps int) float64 {
	if n <= 0 {
		return 0
	}
	if kbps <= 0 {
		kbps = DefaultMP3Kbps
	}
	return float64(n) * 8 / float64(kbps*1000) * 1000
}

// EstimatePCM16DurationMs is for mono little-endian 16-bit samples.
func EstimatePCM16DurationMs(n int, sampleRate int) float64 {
	if n <= 0 || sampleRate <= 0 {
		return 0
	}
	return float64(n/2) / float64(sampleRate) * 1000
}

// DurationFor derives a fragment duration from its byte length and encoding.
func DurationFor(encoding string, n int, sampleRate int) (float64, error) {
	var ms float64
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case EncodingPCM16:
		ms = EstimatePCM16DurationMs(n, sampleRate)
	case EncodingWAV:
		ms = EstimatePCM16DurationMs(n-wavHeaderSize, sampleRate)
	case EncodingMP3:
		ms = EstimateMP3DurationMs(n, DefaultMP3Kbps)
	default:
		return 0, fmt.Errorf("unknown audio encoding %q", encoding)
	}
	if ms <= 0 || math.IsNaN(ms) {
		return 0, fmt.Errorf("cannot derive duration from %d %s bytes", n, encoding)
	}
	return ms, nil
}

// EnsureDuration fills a missing duration from the payload. It fails when the
// duration is still not strictly positive.
func (a AudioFragment) EnsureDuration() (AudioFragment, error) {
	if a.DurationMs > 0 && !math.IsInf(a.DurationMs, 0) {
		return a, nil
	}
	ms, err := DurationFor(a.Encoding, len(a.Data), a.SampleRate)
	if err != nil {
		return a, err
	}
	a.DurationMs = ms
	return a, nil
}

// FrameCount is how many frames at fps cover durationMs, at least one.
func FrameCount(durationMs float64, fps int) int {
	if fps <= 0 {
		return 1
	}
	n := int(math.Round(durationMs / 1000 * float64(fps)))
	if n < 1 {
		return 1
	}
	return n
}

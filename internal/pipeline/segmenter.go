package pipeline

import (
	"strings"
	"unicode/utf8"
)

// DefaultMinSegmentChars keeps abbreviations and short tokens from flushing a
// segment on their own.
const DefaultMinSegmentChars = 8

// segmenter accumulates streamed tokens into sentence-sized segments.
type segmenter struct {
	minChars int
	buf      strings.Builder
}

func newSegmenter(minChars int) *segmenter {
	if minChars <= 0 {
		minChars = DefaultMinSegmentChars
	}
	return &segmenter{minChars: minChars}
}

// Push appends tok and returns a trimmed segment when the buffer now ends a
// sentence and is long enough.
func (s *segmenter) Push(tok string) (string, bool) {
	s.buf.WriteString(tok)
	raw := s.buf.String()
	if !endsSentence(raw) {
		return "", false
	}
	trimmed := strings.TrimSpace(raw)
	if utf8.RuneCountInString(trimmed) < s.minChars {
		return "", false
	}
	s.buf.Reset()
	return trimmed, true
}

// Flush returns whatever non-blank text remains.
func (s *segmenter) Flush() (string, bool) {
	trimmed := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	return trimmed, trimmed != ""
}

// endsSentence treats a trailing newline, or . ! ? followed only by spaces or
// tabs, as a sentence end.
func endsSentence(raw string) bool {
	if strings.HasSuffix(raw, "\n") {
		return true
	}
	t := strings.TrimRight(raw, " \t")
	if t == "" {
		return false
	}
	switch t[len(t)-1] {
	case '.', '!', '?':
		return true
	default:
		return false
	}
}

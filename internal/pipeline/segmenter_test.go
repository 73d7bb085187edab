package pipeline

import (
	"reflect"
	"testing"
)

func runSegmenter(minChars int, tokens ...string) []string {
	s := newSegmenter(minChars)
	var out []string
	for _, tok := range tokens {
		if seg, ok := s.Push(tok); ok {
			out = append(out, seg)
		}
	}
	if seg, ok := s.Flush(); ok {
		out = append(out, seg)
	}
	return out
}

func TestSegmenterSplitsSentences(t *testing.T) {
	got := runSegmenter(3, "Hi", " there", ". ", "Bye", ".")
	want := []string{"Hi there.", "Bye."}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("segments = %q, want %q", got, want)
	}
}

func TestSegmenterCoalescesShortSentences(t *testing.T) {
	got := runSegmenter(DefaultMinSegmentChars, "Hi", " there", ". ", "Bye", ".")
	want := []string{"Hi there.", "Bye."}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("segments = %q, want %q", got, want)
	}

	got = runSegmenter(12, "Hi", " there", ". ", "Bye", ".")
	want = []string{"Hi there. Bye."}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("segments = %q, want %q", got, want)
	}
}

func TestSegmenterTerminators(t *testing.T) {
	got := runSegmenter(4, "Really?", " Yes!", " Line one\n", "tail words")
	want := []string{"Really?", "Yes!", "Line one", "tail words"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("segments = %q, want %q", got, want)
	}
}

func TestSegmenterAbbreviationDoesNotFlush(t *testing.T) {
	got := runSegmenter(DefaultMinSegmentChars, "Dr.", " Smith will see you now.")
	want := []string{"Dr. Smith will see you now."}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("segments = %q, want %q", got, want)
	}
}

func TestSegmenterFlushBlank(t *testing.T) {
	if got := runSegmenter(8, "   ", "\t"); len(got) != 0 {
		t.Fatalf("segments = %q, want none", got)
	}
}

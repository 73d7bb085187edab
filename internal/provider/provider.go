// Package provider defines the three streaming capabilities a turn is built from
// and the concrete implementations wired at startup.
package provider

import (
	"context"
	"time"

	"github.com/ent0n29/tth/internal/control"
	"github.com/ent0n29/tth/internal/media"
)

// Result is one item of a provider stream. A non-nil Err ends the stream.
type Result[T any] struct {
	Value T
	Err   error
}

// Message is one history entry handed to a text generator.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TurnContext is ambient per-call context. AudioOffsetMs is where the next
// fragment's turn-relative timestamp starts; FrameBase is the next frame index.
type TurnContext struct {
	SessionID     string
	TurnID        string
	PersonaName   string
	History       []Message
	SegmentIndex  int
	AudioOffsetMs float64
	FrameBase     int
}

type HealthStatus struct {
	Name      string  `json:"name"`
	Healthy   bool    `json:"healthy"`
	LatencyMS float64 `json:"latency_ms"`
	Detail    string  `json:"detail,omitempty"`
}

type Capabilities struct {
	Name              string   `json:"name"`
	Kind              string   `json:"kind"`
	Streaming         bool     `json:"supports_streaming"`
	Emotion           bool     `json:"supports_emotion"`
	Identity          bool     `json:"supports_identity"`
	MaxTextLength     int      `json:"max_text_length,omitempty"`
	SupportedEmotions []string `json:"supported_emotions,omitempty"`
	Encodings         []string `json:"encodings,omitempty"`
	ContentTypes      []string `json:"content_types,omitempty"`
}

const (
	KindText   = "text"
	KindSpeech = "speech"
	KindAvatar = "avatar"
)

// The stream methods return an error only when the stream could not be started.
// Implementations close the channel when the stream ends and stop sending once
// ctx is done.

type TextGenerator interface {
	StreamText(ctx context.Context, input string, c control.TurnControl, tc TurnContext) (<-chan Result[string], error)
	Health(ctx context.Context) HealthStatus
	Capabilities() Capabilities
}

type SpeechSynthesizer interface {
	StreamSpeech(ctx context.Context, text string, c control.TurnControl, tc TurnContext) (<-chan Result[media.AudioFragment], error)
	Health(ctx context.Context) HealthStatus
	Capabilities() Capabilities
}

type AvatarRenderer interface {
	StreamFrames(ctx context.Context, audio media.AudioFragment, c control.TurnControl, tc TurnContext) (<-chan Result[media.VideoFrame], error)
	Health(ctx context.Context) HealthStatus
	Capabilities() Capabilities
}

func allEmotions() []string {
	out := make([]string, 0, len(control.EmotionLabels))
	for _, l := range control.EmotionLabels {
		out = append(out, string(l))
	}
	return out
}

func send[T any](ctx context.Context, out chan<- Result[T], r Result[T]) bool {
	select {
	case out <- r:
		return true
	case <-ctx.Done():
		return false
	}
}

// sleep waits d or until ctx is done, reporting whether the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

package provider

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ent0n29/tth/internal/control"
	"github.com/ent0n29/tth/internal/media"
)

var tonePrefix = map[control.EmotionLabel]string{
	control.EmotionNeutral:   "Here is a clear answer.",
	control.EmotionHappy:     "Great question, this is exciting.",
	control.EmotionSad:       "I understand, here is a calm response.",
	control.EmotionAngry:     "Let us be direct and focused.",
	control.EmotionSurprised: "Interesting twist, here is what matters.",
	control.EmotionFearful:   "Carefully and step by step, here is the answer.",
	control.EmotionDisgusted: "Let us keep this practical and concise.",
}

// MockText streams a deterministic reply word by word.
type MockText struct {
	TokenDelay time.Duration
}

func NewMockText() *MockText { return &MockText{TokenDelay: 5 * time.Millisecond} }

func (m *MockText) StreamText(ctx context.Context, input string, c control.TurnControl, _ TurnContext) (<-chan Result[string], error) {
	prefix, ok := tonePrefix[c.Emotion.Label]
	if !ok {
		prefix = tonePrefix[control.EmotionNeutral]
	}
	reply := fmt.Sprintf("%s You asked: %s I will keep the answer short, useful and easy to act on.", prefix, strings.TrimSpace(input))
	words := strings.Fields(reply)
	tokens := make([]string, len(words))
	for i, w := range words {
		tokens[i] = w + " "
	}
	return streamTokens(ctx, tokens, m.TokenDelay, -1, nil), nil
}

func (m *MockText) Health(context.Context) HealthStatus {
	return HealthStatus{Name: "mock_text", Healthy: true, LatencyMS: 0.1, Detail: "mock text"}
}

func (m *MockText) Capabilities() Capabilities {
	return Capabilities{
		Name:              "mock_text",
		Kind:              KindText,
		Streaming:         true,
		Emotion:           true,
		MaxTextLength:     100000,
		SupportedEmotions: allEmotions(),
	}
}

// ScriptedText replays fixed tokens. When Err is set it is sent after FailAfter
// tokens.
type ScriptedText struct {
	Tokens    []string
	Err       error
	FailAfter int
	StartErr  error
}

func (s *ScriptedText) StreamText(ctx context.Context, _ string, _ control.TurnControl, _ TurnContext) (<-chan Result[string], error) {
	if s.StartErr != nil {
		return nil, s.StartErr
	}
	failAt := -1
	if s.Err != nil {
		failAt = s.FailAfter
	}
	return streamTokens(ctx, s.Tokens, 0, failAt, s.Err), nil
}

func (s *ScriptedText) Health(context.Context) HealthStatus {
	return HealthStatus{Name: "scripted_text", Healthy: s.StartErr == nil}
}

func (s *ScriptedText) Capabilities() Capabilities {
	return Capabilities{Name: "scripted_text", Kind: KindText, Streaming: true}
}

func streamTokens(ctx context.Context, tokens []string, delay time.Duration, failAt int, failErr error) <-chan Result[string] {
	out := make(chan Result[string])
	go func() {
		defer close(out)
		for i, tok := range tokens {
			if i == failAt {
				send(ctx, out, Result[string]{Err: failErr})
				return
			}
			if !sleep(ctx, delay) || !send(ctx, out, Result[string]{Value: tok}) {
				return
			}
		}
		if failAt >= len(tokens) {
			send(ctx, out, Result[string]{Err: failErr})
		}
	}()
	return out
}

// MockSpeech emits silent pcm16 fragments whose byte length matches the timing
// a real voice would need for the text.
type MockSpeech struct {
	SampleRate    int
	FragmentDelay time.Duration
}

func NewMockSpeech() *MockSpeech { return &MockSpeech{SampleRate: 24000, FragmentDelay: 10 * time.Millisecond} }

func (m *MockSpeech) StreamSpeech(ctx context.Context, text string, c control.TurnControl, tc TurnContext) (<-chan Result[media.AudioFragment], error) {
	sr := m.SampleRate
	if sr <= 0 {
		sr = 24000
	}
	n := len(text)
	totalMs := math.Max(250, math.Min(1800, float64(n)*12))
	if rate := control.SpeechParamsFor(c).Speed; rate > 0 {
		totalMs /= rate
	}
	chunks := max(2, min(8, n/35+1))
	samples := int(math.Round(totalMs / float64(chunks) / 1000 * float64(sr)))
	if samples < 1 {
		samples = 1
	}

	out := make(chan Result[media.AudioFragment])
	go func() {
		defer close(out)
		ts := tc.AudioOffsetMs
		for i := 0; i < chunks; i++ {
			data := make([]byte, samples*2)
			dur := media.EstimatePCM16DurationMs(len(data), sr)
			frag := media.AudioFragment{
				Data:        data,
				TimestampMs: ts,
				DurationMs:  dur,
				SampleRate:  sr,
				Encoding:    media.EncodingPCM16,
			}
			if !sleep(ctx, m.FragmentDelay) || !send(ctx, out, Result[media.AudioFragment]{Value: frag}) {
				return
			}
			ts += dur
		}
	}()
	return out, nil
}

func (m *MockSpeech) Health(context.Context) HealthStatus {
	return HealthStatus{Name: "mock_speech", Healthy: true, LatencyMS: 0.1, Detail: "mock speech"}
}

func (m *MockSpeech) Capabilities() Capabilities {
	return Capabilities{
		Name:              "mock_speech",
		Kind:              KindSpeech,
		Streaming:         true,
		Emotion:           true,
		MaxTextLength:     100000,
		SupportedEmotions: allEmotions(),
		Encodings:         []string{media.EncodingPCM16},
	}
}

const (
	stubWidth  = 256
	stubHeight = 256
)

// StubAvatar emits black raw RGB frames timed to the audio fragment.
type StubAvatar struct {
	FPS  int
	Pace bool
}

func NewStubAvatar() *StubAvatar { return &StubAvatar{FPS: 25} }

func (s *StubAvatar) StreamFrames(ctx context.Context, audio media.AudioFragment, _ control.TurnControl, tc TurnContext) (<-chan Result[media.VideoFrame], error) {
	fps := s.FPS
	if fps <= 0 {
		fps = 25
	}
	frames := media.FrameCount(audio.DurationMs, fps)
	frameMs := 1000 / float64(fps)
	black := make([]byte, stubWidth*stubHeight*3)

	out := make(chan Result[media.VideoFrame])
	go func() {
		defer close(out)
		for i := 0; i < frames; i++ {
			f := media.VideoFrame{
				Data:        black,
				TimestampMs: audio.TimestampMs + float64(i)*frameMs,
				FrameIndex:  tc.FrameBase + i,
				Width:       stubWidth,
				Height:      stubHeight,
				ContentType: media.ContentRaw,
			}
			if !send(ctx, out, Result[media.VideoFrame]{Value: f}) {
				return
			}
			if s.Pace && !sleep(ctx, time.Duration(frameMs*float64(time.Millisecond))) {
				return
			}
		}
	}()
	return out, nil
}

func (s *StubAvatar) Health(context.Context) HealthStatus {
	return HealthStatus{Name: "stub_avatar", Healthy: true, Detail: "stub avatar, always healthy"}
}

func (s *StubAvatar) Capabilities() Capabilities {
	return Capabilities{
		Name:         "stub_avatar",
		Kind:         KindAvatar,
		Streaming:    true,
		ContentTypes: []string{string(media.ContentRaw)},
	}
}

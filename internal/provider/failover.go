package provider

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/ent0n29/tth/internal/control"
	"github.com/ent0n29/tth/internal/media"
)

// Failover prefers the primary backend and switches to the fallback when the
// primary fails to start a stream. Once the fallback succeeds it stays active
// until it fails; then the primary is retried.
type failoverState struct {
	fallbackActive atomic.Bool
}

func (s *failoverState) FallbackActive() bool { return s.fallbackActive.Load() }

func startWithFailover[T any](
	s *failoverState,
	kind string,
	primary, fallback func() (<-chan Result[T], error),
) (<-chan Result[T], error) {
	if s.fallbackActive.Load() {
		ch, fbErr := fallback()
		if fbErr == nil {
			return ch, nil
		}
		ch, prErr := primary()
		if prErr == nil {
			s.fallbackActive.Store(false)
			return ch, nil
		}
		return nil, fmt.Errorf("%s fallback failed: %v; %s primary failed: %w", kind, fbErr, kind, prErr)
	}

	ch, prErr := primary()
	if prErr == nil {
		return ch, nil
	}
	ch, fbErr := fallback()
	if fbErr != nil {
		return nil, fmt.Errorf("%s primary failed: %v; %s fallback failed: %w", kind, prErr, kind, fbErr)
	}
	s.fallbackActive.Store(true)
	return ch, nil
}

type FailoverText struct {
	failoverState
	primary  TextGenerator
	fallback TextGenerator
}

func NewFailoverText(primary, fallback TextGenerator) *FailoverText {
	return &FailoverText{primary: primary, fallback: fallback}
}

func (f *FailoverText) StreamText(ctx context.Context, input string, c control.TurnControl, tc TurnContext) (<-chan Result[string], error) {
	return startWithFailover(&f.failoverState, "text",
		func() (<-chan Result[string], error) { return f.primary.StreamText(ctx, input, c, tc) },
		func() (<-chan Result[string], error) { return f.fallback.StreamText(ctx, input, c, tc) },
	)
}

func (f *FailoverText) Health(ctx context.Context) HealthStatus {
	return combinedHealth(f.primary.Health(ctx), f.fallback.Health(ctx), f.FallbackActive())
}

func (f *FailoverText) Capabilities() Capabilities {
	if f.FallbackActive() {
		return f.fallback.Capabilities()
	}
	return f.primary.Capabilities()
}

type FailoverSpeech struct {
	failoverState
	primary  SpeechSynthesizer
	fallback SpeechSynthesizer
}

func NewFailoverSpeech(primary, fallback SpeechSynthesizer) *FailoverSpeech {
	return &FailoverSpeech{primary: primary, fallback: fallback}
}

func (f *FailoverSpeech) StreamSpeech(ctx context.Context, text string, c control.TurnControl, tc TurnContext) (<-chan Result[media.AudioFragment], error) {
	return startWithFailover(&f.failoverState, "speech",
		func() (<-chan Result[media.AudioFragment], error) { return f.primary.StreamSpeech(ctx, text, c, tc) },
		func() (<-chan Result[media.AudioFragment], error) { return f.fallback.StreamSpeech(ctx, text, c, tc) },
	)
}

func (f *FailoverSpeech) Health(ctx context.Context) HealthStatus {
	return combinedHealth(f.primary.Health(ctx), f.fallback.Health(ctx), f.FallbackActive())
}

func (f *FailoverSpeech) Capabilities() Capabilities {
	if f.FallbackActive() {
		return f.fallback.Capabilities()
	}
	return f.primary.Capabilities()
}

func combinedHealth(primary, fallback HealthStatus, fallbackActive bool) HealthStatus {
	out := primary
	out.Name = primary.Name + "+" + fallback.Name
	out.Healthy = primary.Healthy || fallback.Healthy
	if fallbackActive {
		out.Detail = "fallback active"
		out.LatencyMS = fallback.LatencyMS
	}
	return out
}

package control

import (
	"fmt"
	"math"
	"strings"
)

var speechVoiceByEmotion = map[EmotionLabel]string{
	EmotionNeutral:   "nova",
	EmotionHappy:     "shimmer",
	EmotionSad:       "onyx",
	EmotionAngry:     "echo",
	EmotionSurprised: "fable",
	EmotionFearful:   "alloy",
	EmotionDisgusted: "echo",
}

// SpeechParams are the provider-facing knobs derived from a resolved control.
type SpeechParams struct {
	Voice string
	Speed float64
}

// SpeechParamsFor proxies emotion through voice choice and arousal-driven speed
// (+/-15%), since speech providers rarely take an emotion parameter directly.
func SpeechParamsFor(t TurnControl) SpeechParams {
	voice, ok := speechVoiceByEmotion[t.Emotion.Label]
	if !ok {
		voice = "alloy"
	}
	speed := t.Character.SpeechRate * (1 + t.Emotion.Arousal*0.15)
	speed = math.Round(clamp(speed, 0.25, 4.0)*100) / 100
	return SpeechParams{Voice: voice, Speed: speed}
}

// SystemPrompt renders the control into instructions for the text generator so the
// text already carries the target register before speech is applied.
func SystemPrompt(t TurnControl, personaName string) string {
	e, c := t.Emotion, t.Character
	if strings.TrimSpace(personaName) == "" {
		personaName = "Assistant"
	}
	parts := []string{fmt.Sprintf("You are %s.", personaName)}
	if e.Label != EmotionNeutral || e.Intensity > 0.3 {
		parts = append(parts, fmt.Sprintf("Respond with a %s tone (intensity %.1f/1.0).", e.Label, e.Intensity))
	}
	switch {
	case c.SpeechRate < 0.85:
		parts = append(parts, "Speak slowly and deliberately.")
	case c.SpeechRate > 1.2:
		parts = append(parts, "Speak at a brisk, energetic pace.")
	}
	if c.Expressivity > 0.7 {
		parts = append(parts, "Be expressive and emotionally engaged.")
	}
	parts = append(parts, "Keep responses conversational and appropriately brief.")
	return strings.Join(parts, " ")
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

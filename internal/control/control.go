package control

import (
	"errors"
	"fmt"
)

// EmotionLabel is the closed set of emotions a turn can be rendered with.
type EmotionLabel string

const (
	EmotionNeutral   EmotionLabel = "neutral"
	EmotionHappy     EmotionLabel = "happy"
	EmotionSad       EmotionLabel = "sad"
	EmotionAngry     EmotionLabel = "angry"
	EmotionSurprised EmotionLabel = "surprised"
	EmotionFearful   EmotionLabel = "fearful"
	EmotionDisgusted EmotionLabel = "disgusted"
)

// EmotionLabels lists every valid label in declaration order.
var EmotionLabels = []EmotionLabel{
	EmotionNeutral,
	EmotionHappy,
	EmotionSad,
	EmotionAngry,
	EmotionSurprised,
	EmotionFearful,
	EmotionDisgusted,
}

var ErrInvalidControl = errors.New("invalid control")

type EmotionControl struct {
	Label     EmotionLabel `json:"label" yaml:"label"`
	Intensity float64      `json:"intensity" yaml:"intensity"`
	Valence   float64      `json:"valence" yaml:"valence"`
	Arousal   float64      `json:"arousal" yaml:"arousal"`
}

type CharacterControl struct {
	PersonaID    string  `json:"persona_id" yaml:"persona_id"`
	SpeechRate   float64 `json:"speech_rate" yaml:"speech_rate"`
	PitchShift   float64 `json:"pitch_shift" yaml:"pitch_shift"`
	Expressivity float64 `json:"expressivity" yaml:"expressivity"`
	MotionGain   float64 `json:"motion_gain" yaml:"motion_gain"`
}

// TurnControl is an immutable value; compare with ==.
type TurnControl struct {
	Emotion   EmotionControl   `json:"emotion" yaml:"emotion"`
	Character CharacterControl `json:"character" yaml:"character"`
}

// DefaultEmotion is the emotion instance that counts as "unset".
func DefaultEmotion() EmotionControl {
	return EmotionControl{
		Label:     EmotionNeutral,
		Intensity: 0.5,
	}
}

// DefaultCharacter is the character instance that counts as "unset".
func DefaultCharacter() CharacterControl {
	return CharacterControl{
		PersonaID:    "default",
		SpeechRate:   1.0,
		Expressivity: 0.6,
		MotionGain:   1.0,
	}
}

func Default() TurnControl {
	return TurnControl{Emotion: DefaultEmotion(), Character: DefaultCharacter()}
}

func (e EmotionControl) IsDefault() bool   { return e == DefaultEmotion() }
func (c CharacterControl) IsDefault() bool { return c == DefaultCharacter() }
func (t TurnControl) IsDefault() bool      { return t.Emotion.IsDefault() && t.Character.IsDefault() }

// Normalize fills an entirely empty sub-group with its default instance so that a
// client omitting "emotion" or "character" on the wire is treated as unset rather
// than as an out-of-range zero struct.
func (t TurnControl) Normalize() TurnControl {
	if t.Emotion == (EmotionControl{}) {
		t.Emotion = DefaultEmotion()
	}
	if t.Character == (CharacterControl{}) {
		t.Character = DefaultCharacter()
	}
	return t
}

// Validate reports the first out-of-range field, wrapped in ErrInvalidControl.
func (t TurnControl) Validate() error {
	e, c := t.Emotion, t.Character
	if !validLabel(e.Label) {
		return fmt.Errorf("%w: unknown emotion label %q", ErrInvalidControl, e.Label)
	}
	checks := []struct {
		name     string
		v        float64
		min, max float64
	}{
		{"emotion.intensity", e.Intensity, 0, 1},
		{"emotion.valence", e.Valence, -1, 1},
		{"emotion.arousal", e.Arousal, -1, 1},
		{"character.speech_rate", c.SpeechRate, 0.25, 4.0},
		{"character.pitch_shift", c.PitchShift, -1, 1},
		{"character.expressivity", c.Expressivity, 0, 1},
		{"character.motion_gain", c.MotionGain, 0, 2},
	}
	for _, ck := range checks {
		if ck.v < ck.min || ck.v > ck.max || ck.v != ck.v {
			return fmt.Errorf("%w: %s=%v outside [%v,%v]", ErrInvalidControl, ck.name, ck.v, ck.min, ck.max)
		}
	}
	if c.PersonaID == "" {
		return fmt.Errorf("%w: character.persona_id is empty", ErrInvalidControl)
	}
	return nil
}

func validLabel(l EmotionLabel) bool {
	for _, v := range EmotionLabels {
		if v == l {
			return true
		}
	}
	return false
}

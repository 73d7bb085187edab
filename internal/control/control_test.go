package control

import (
	"errors"
	"strings"
	"testing"
)

func sampleControls() []TurnControl {
	return []TurnControl{
		Default(),
		{Emotion: EmotionControl{Label: EmotionSad, Intensity: 0.9, Valence: -0.5, Arousal: -0.2}, Character: DefaultCharacter()},
		{Emotion: DefaultEmotion(), Character: CharacterControl{PersonaID: "casual", SpeechRate: 1.3, Expressivity: 0.2, MotionGain: 1.9}},
		{
			Emotion:   EmotionControl{Label: EmotionAngry, Intensity: 1, Valence: -1, Arousal: 1},
			Character: CharacterControl{PersonaID: "x", SpeechRate: 0.25, PitchShift: -1, Expressivity: 1, MotionGain: 0},
		},
	}
}

func TestResolveDefaultGroupTakesPersona(t *testing.T) {
	persona := NewCatalog().Lookup("excited").Defaults
	for i, c := range sampleControls() {
		got := Resolve(c, persona)
		if c.Emotion.IsDefault() && got.Emotion != persona.Emotion {
			t.Fatalf("case %d: Emotion = %+v, want persona %+v", i, got.Emotion, persona.Emotion)
		}
		if !c.Emotion.IsDefault() && got.Emotion != c.Emotion {
			t.Fatalf("case %d: Emotion = %+v, want caller %+v", i, got.Emotion, c.Emotion)
		}
		if c.Character.IsDefault() && got.Character != persona.Character {
			t.Fatalf("case %d: Character = %+v, want persona %+v", i, got.Character, persona.Character)
		}
		if !c.Character.IsDefault() && got.Character != c.Character {
			t.Fatalf("case %d: Character = %+v, want caller %+v", i, got.Character, c.Character)
		}
	}
}

func TestResolveSingleLeafOverrideDiscardsWholePersonaGroup(t *testing.T) {
	persona := NewCatalog().Lookup("excited").Defaults
	user := Default()
	user.Emotion.Intensity = 0.9

	got := Resolve(user, persona)
	if got.Emotion != user.Emotion {
		t.Fatalf("Emotion = %+v, want %+v", got.Emotion, user.Emotion)
	}
	if got.Emotion.Label != EmotionNeutral {
		t.Fatalf("Emotion.Label = %q, want neutral (persona label must not leak)", got.Emotion.Label)
	}
	if got.Character != persona.Character {
		t.Fatalf("Character = %+v, want persona %+v", got.Character, persona.Character)
	}
}

func TestMergePendingPriority(t *testing.T) {
	happy := EmotionControl{Label: EmotionHappy, Intensity: 0.7}
	sad := EmotionControl{Label: EmotionSad, Intensity: 0.2}
	fast := CharacterControl{PersonaID: "default", SpeechRate: 2, Expressivity: 0.6, MotionGain: 1}

	base := TurnControl{Emotion: happy, Character: fast}
	override := TurnControl{Emotion: sad, Character: DefaultCharacter()}

	got := MergePending(base, override)
	if got.Emotion != sad {
		t.Fatalf("Emotion = %+v, want override %+v", got.Emotion, sad)
	}
	if got.Character != fast {
		t.Fatalf("Character = %+v, want base %+v", got.Character, fast)
	}

	if got := MergePending(Default(), Default()); got != Default() {
		t.Fatalf("MergePending(default, default) = %+v, want default", got)
	}
}

func TestMergePendingIdempotent(t *testing.T) {
	controls := sampleControls()
	for i, b := range controls {
		for j, o := range controls {
			once := MergePending(b, o)
			twice := MergePending(once, o)
			if once != twice {
				t.Fatalf("base %d override %d: twice = %+v, want %+v", i, j, twice, once)
			}
		}
	}
}

func TestValidate(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
	cases := []func(*TurnControl){
		func(c *TurnControl) { c.Emotion.Label = "bored" },
		func(c *TurnControl) { c.Emotion.Intensity = 1.5 },
		func(c *TurnControl) { c.Emotion.Valence = -2 },
		func(c *TurnControl) { c.Character.SpeechRate = 0.1 },
		func(c *TurnControl) { c.Character.MotionGain = 2.5 },
		func(c *TurnControl) { c.Character.PersonaID = "" },
	}
	for i, mutate := range cases {
		c := Default()
		mutate(&c)
		if err := c.Validate(); !errors.Is(err, ErrInvalidControl) {
			t.Fatalf("case %d: Validate() error = %v, want ErrInvalidControl", i, err)
		}
	}
}

func TestNormalizeFillsEmptyGroups(t *testing.T) {
	got := TurnControl{}.Normalize()
	if got != Default() {
		t.Fatalf("Normalize() = %+v, want default", got)
	}
}

func TestCatalogLookupFallsBack(t *testing.T) {
	c := NewCatalog()
	if got := c.Lookup("nope"); got.ID != DefaultPersonaID {
		t.Fatalf("Lookup(nope).ID = %q, want %q", got.ID, DefaultPersonaID)
	}
	if got := c.Lookup("casual"); got.Name != "Casual" {
		t.Fatalf("Lookup(casual).Name = %q, want Casual", got.Name)
	}
}

func TestParseCatalogPartialFields(t *testing.T) {
	raw := []byte(`
personas:
  - id: narrator
    name: Narrator
    emotion:
      label: sad
    character:
      speech_rate: 0.8
`)
	c, err := ParseCatalog(raw)
	if err != nil {
		t.Fatalf("ParseCatalog() error = %v", err)
	}
	p := c.Lookup("narrator")
	if p.ID != "narrator" {
		t.Fatalf("Lookup(narrator).ID = %q", p.ID)
	}
	if p.Defaults.Emotion.Label != EmotionSad || p.Defaults.Emotion.Intensity != 0.5 {
		t.Fatalf("Emotion = %+v, want sad with default intensity", p.Defaults.Emotion)
	}
	if p.Defaults.Character.SpeechRate != 0.8 || p.Defaults.Character.MotionGain != 1 {
		t.Fatalf("Character = %+v", p.Defaults.Character)
	}
	if p.Defaults.Character.PersonaID != "narrator" {
		t.Fatalf("Character.PersonaID = %q, want narrator", p.Defaults.Character.PersonaID)
	}
	if !c.Has("professional") {
		t.Fatalf("built-in presets should survive an overlay")
	}
}

func TestParseCatalogRejectsInvalid(t *testing.T) {
	if _, err := ParseCatalog([]byte("personas:\n  - id: bad\n    emotion:\n      intensity: 3\n")); err == nil {
		t.Fatalf("ParseCatalog() expected validation error")
	}
	if _, err := ParseCatalog([]byte("personas:\n  - name: anon\n")); err == nil {
		t.Fatalf("ParseCatalog() expected missing id error")
	}
}

func TestSpeechParamsFor(t *testing.T) {
	c := Default()
	c.Emotion.Label = EmotionHappy
	c.Emotion.Arousal = 1
	c.Character.SpeechRate = 4
	got := SpeechParamsFor(c)
	if got.Voice != "shimmer" {
		t.Fatalf("Voice = %q, want shimmer", got.Voice)
	}
	if got.Speed != 4 {
		t.Fatalf("Speed = %v, want clamped 4", got.Speed)
	}
}

func TestSystemPrompt(t *testing.T) {
	c := Default()
	c.Emotion.Label = EmotionSurprised
	c.Character.SpeechRate = 0.5
	got := SystemPrompt(c, "Narrator")
	for _, want := range []string{"You are Narrator.", "surprised tone", "slowly"} {
		if !strings.Contains(got, want) {
			t.Fatalf("SystemPrompt() = %q, missing %q", got, want)
		}
	}
}

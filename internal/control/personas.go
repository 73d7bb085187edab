package control

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const DefaultPersonaID = "default"

// Persona is a named set of control defaults.
type Persona struct {
	ID       string      `json:"id" yaml:"id"`
	Name     string      `json:"name" yaml:"name"`
	Defaults TurnControl `json:"defaults" yaml:",inline"`
}

// Catalog resolves persona ids. It is read-only after construction.
type Catalog struct {
	personas map[string]Persona
}

func builtinPersonas() []Persona {
	return []Persona{
		{
			ID:       "default",
			Name:     "Assistant",
			Defaults: Default(),
		},
		{
			ID:   "professional",
			Name: "Professional",
			Defaults: TurnControl{
				Emotion:   EmotionControl{Label: EmotionNeutral, Intensity: 0.3, Valence: 0.1, Arousal: -0.1},
				Character: CharacterControl{PersonaID: "professional", SpeechRate: 0.95, Expressivity: 0.4, MotionGain: 0.7},
			},
		},
		{
			ID:   "casual",
			Name: "Casual",
			Defaults: TurnControl{
				Emotion:   EmotionControl{Label: EmotionHappy, Intensity: 0.4, Valence: 0.3, Arousal: 0.1},
				Character: CharacterControl{PersonaID: "casual", SpeechRate: 1.05, Expressivity: 0.7, MotionGain: 1.1},
			},
		},
		{
			ID:   "excited",
			Name: "Excited",
			Defaults: TurnControl{
				Emotion:   EmotionControl{Label: EmotionHappy, Intensity: 0.8, Valence: 0.7, Arousal: 0.6},
				Character: CharacterControl{PersonaID: "excited", SpeechRate: 1.2, PitchShift: 0.05, Expressivity: 0.9, MotionGain: 1.5},
			},
		},
	}
}

// NewCatalog returns the built-in presets overlaid with extra personas.
func NewCatalog(extra ...Persona) *Catalog {
	c := &Catalog{personas: make(map[string]Persona)}
	for _, p := range builtinPersonas() {
		c.personas[p.ID] = p
	}
	for _, p := range extra {
		c.personas[p.ID] = p
	}
	return c
}

// UnmarshalYAML prefills the default control so a file may set only the fields
// that differ.
func (p *Persona) UnmarshalYAML(value *yaml.Node) error {
	type plain Persona
	out := plain{Defaults: Default()}
	if err := value.Decode(&out); err != nil {
		return err
	}
	*p = Persona(out)
	return nil
}

type catalogFile struct {
	Personas []Persona `yaml:"personas"`
}

// LoadCatalog reads a YAML persona file and overlays it on the presets. An empty
// path yields the presets alone.
func LoadCatalog(path string) (*Catalog, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return NewCatalog(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read persona file: %w", err)
	}
	return ParseCatalog(raw)
}

func ParseCatalog(raw []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse persona file: %w", err)
	}
	extra := make([]Persona, 0, len(f.Personas))
	for i, p := range f.Personas {
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" {
			return nil, fmt.Errorf("persona %d: missing id", i)
		}
		if strings.TrimSpace(p.Name) == "" {
			p.Name = p.ID
		}
		if p.Defaults.Character.PersonaID == DefaultPersonaID && p.ID != DefaultPersonaID {
			p.Defaults.Character.PersonaID = p.ID
		}
		if err := p.Defaults.Validate(); err != nil {
			return nil, fmt.Errorf("persona %q: %w", p.ID, err)
		}
		extra = append(extra, p)
	}
	return NewCatalog(extra...), nil
}

// Lookup returns the persona for id, falling back to the default persona.
func (c *Catalog) Lookup(id string) Persona {
	if p, ok := c.personas[strings.TrimSpace(id)]; ok {
		return p
	}
	return c.personas[DefaultPersonaID]
}

func (c *Catalog) Has(id string) bool {
	_, ok := c.personas[strings.TrimSpace(id)]
	return ok
}

func (c *Catalog) List() []Persona {
	out := make([]Persona, 0, len(c.personas))
	for _, p := range c.personas {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

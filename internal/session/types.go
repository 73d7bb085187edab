package session

import (
	"time"

	"github.com/ent0n29/tth/internal/control"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// CreateRequest defines payload for creating a new session. Non-default
// emotion/character groups replace the persona's.
type CreateRequest struct {
	PersonaID string                    `json:"persona_id"`
	Emotion   *control.EmotionControl   `json:"emotion,omitempty"`
	Character *control.CharacterControl `json:"character,omitempty"`
}

// Overrides converts the optional groups into a control with unset groups at
// their default instance.
func (r CreateRequest) Overrides() control.TurnControl {
	out := control.Default()
	if r.Emotion != nil {
		out.Emotion = *r.Emotion
	}
	if r.Character != nil {
		out.Character = *r.Character
	}
	return out.Normalize()
}

// Info is a point-in-time copy of a session.
type Info struct {
	SessionID         string    `json:"session_id"`
	PersonaID         string    `json:"persona_id"`
	PersonaName       string    `json:"persona_name"`
	Status            Status    `json:"status"`
	State             State     `json:"state"`
	ActiveTurnID      string    `json:"active_turn_id,omitempty"`
	TurnCount         int       `json:"turn_count"`
	InterruptionCount int       `json:"interruption_count"`
	StartedAt         time.Time `json:"started_at"`
	LastActivityAt    time.Time `json:"last_activity_at"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	Info
	InactivityTTLMS int64 `json:"inactivity_ttl_ms"`
}

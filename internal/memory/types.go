package memory

import (
	"context"
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// TurnRecord stores one side of a conversational turn.
type TurnRecord struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	TurnID      string    `json:"turn_id"`
	PersonaID   string    `json:"persona_id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists conversation history per session.
type Store interface {
	SaveTurn(ctx context.Context, record TurnRecord) error
	// RecentHistory returns up to limit records in chronological order.
	RecentHistory(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error)
	Close() error
}

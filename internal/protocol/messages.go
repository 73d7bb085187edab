package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/tth/internal/control"
	"github.com/ent0n29/tth/internal/media"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeUserText      MessageType = "user_text"
	TypeInterrupt     MessageType = "interrupt"
	TypeControlUpdate MessageType = "control_update"

	TypeTextDelta    MessageType = "text_delta"
	TypeAudioChunk   MessageType = "audio_chunk"
	TypeVideoFrame   MessageType = "video_frame"
	TypeTurnComplete MessageType = "turn_complete"
	TypeError        MessageType = "error"
	TypeSystemEvent  MessageType = "system_event"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrEmptyText       = errors.New("user_text requires non-empty text")
)

type Envelope struct {
	Type MessageType `json:"type"`
}

// UserText starts a turn. Omitted control fields keep their default values.
type UserText struct {
	Type    MessageType         `json:"type"`
	Text    string              `json:"text"`
	Control control.TurnControl `json:"control"`
}

type Interrupt struct {
	Type MessageType `json:"type"`
}

// ControlUpdate is stored and applied to the next user_text.
type ControlUpdate struct {
	Type    MessageType         `json:"type"`
	Control control.TurnControl `json:"control"`
}

// ParseClientMessage decodes and validates one inbound frame. Control errors wrap
// control.ErrInvalidControl.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeUserText:
		msg := UserText{Control: control.Default()}
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("invalid user_text: %w", err)
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, ErrEmptyText
		}
		if err := msg.Control.Validate(); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeInterrupt:
		return Interrupt{Type: TypeInterrupt}, nil
	case TypeControlUpdate:
		msg := ControlUpdate{Control: control.Default()}
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("invalid control_update: %w", err)
		}
		if err := msg.Control.Validate(); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// OutputEvent is one item of a turn's ordered outbound stream.
type OutputEvent interface {
	EventType() MessageType
}

type TextDelta struct {
	Type   MessageType `json:"type"`
	TurnID string      `json:"turn_id"`
	Token  string      `json:"token"`
}

// AudioChunk carries Data base64-encoded in JSON.
type AudioChunk struct {
	Type        MessageType `json:"type"`
	TurnID      string      `json:"turn_id"`
	Data        []byte      `json:"data"`
	TimestampMs float64     `json:"timestamp_ms"`
	DurationMs  float64     `json:"duration_ms"`
	Encoding    string      `json:"encoding"`
	SampleRate  int         `json:"sample_rate"`
}

// VideoFrame carries Data base64-encoded in JSON; ContentType says how to
// interpret the decoded bytes.
type VideoFrame struct {
	Type        MessageType       `json:"type"`
	TurnID      string            `json:"turn_id"`
	Data        []byte            `json:"data"`
	TimestampMs float64           `json:"timestamp_ms"`
	FrameIndex  int               `json:"frame_index"`
	Width       int               `json:"width"`
	Height      int               `json:"height"`
	ContentType media.ContentType `json:"content_type"`
	DriftMs     float64           `json:"drift_ms"`
}

type TurnComplete struct {
	Type   MessageType `json:"type"`
	TurnID string      `json:"turn_id"`
}

type ErrorEvent struct {
	Type    MessageType `json:"type"`
	TurnID  string      `json:"turn_id,omitempty"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
}

// SystemEvent reports connection-level notices such as interrupt acknowledgements.
type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

func (TextDelta) EventType() MessageType    { return TypeTextDelta }
func (AudioChunk) EventType() MessageType   { return TypeAudioChunk }
func (VideoFrame) EventType() MessageType   { return TypeVideoFrame }
func (TurnComplete) EventType() MessageType { return TypeTurnComplete }
func (ErrorEvent) EventType() MessageType   { return TypeError }
func (SystemEvent) EventType() MessageType  { return TypeSystemEvent }

func NewTextDelta(turnID, token string) TextDelta {
	return TextDelta{Type: TypeTextDelta, TurnID: turnID, Token: token}
}

func NewAudioChunk(turnID string, a media.AudioFragment) AudioChunk {
	return AudioChunk{
		Type:        TypeAudioChunk,
		TurnID:      turnID,
		Data:        a.Data,
		TimestampMs: a.TimestampMs,
		DurationMs:  a.DurationMs,
		Encoding:    a.Encoding,
		SampleRate:  a.SampleRate,
	}
}

func NewVideoFrame(turnID string, f media.VideoFrame, driftMs float64) VideoFrame {
	return VideoFrame{
		Type:        TypeVideoFrame,
		TurnID:      turnID,
		Data:        f.Data,
		TimestampMs: f.TimestampMs,
		FrameIndex:  f.FrameIndex,
		Width:       f.Width,
		Height:      f.Height,
		ContentType: f.ContentType,
		DriftMs:     driftMs,
	}
}

func NewTurnComplete(turnID string) TurnComplete {
	return TurnComplete{Type: TypeTurnComplete, TurnID: turnID}
}

func NewError(turnID, code, message string) ErrorEvent {
	return ErrorEvent{Type: TypeError, TurnID: turnID, Code: code, Message: message}
}

func NewSystemEvent(sessionID, code, detail string) SystemEvent {
	return SystemEvent{Type: TypeSystemEvent, SessionID: sessionID, Code: code, Detail: detail}
}

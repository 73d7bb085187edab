package httpapi

import (
	"bytes"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/ent0n29/tth/internal/control"
	"github.com/ent0n29/tth/internal/media"
	"github.com/ent0n29/tth/internal/provider"
)

const maxPreviewChars = 500

type previewSpeechRequest struct {
	Text      string                    `json:"text"`
	PersonaID string                    `json:"persona_id"`
	Emotion   *control.EmotionControl   `json:"emotion,omitempty"`
	Character *control.CharacterControl `json:"character,omitempty"`
}

// handlePreviewSpeech synthesizes one short text outside any session, so a
// persona's voice can be auditioned. pcm16 output is wrapped as WAV.
func (s *Server) handlePreviewSpeech(w http.ResponseWriter, r *http.Request) {
	speech := s.speech()
	if speech == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "speech synthesizer not configured")
		return
	}

	var req previewSpeechRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		text = "Hi, this is how I sound."
	}
	if len(text) > maxPreviewChars {
		respondError(w, http.StatusBadRequest, "text_too_long", "preview text is limited to 500 characters")
		return
	}

	overrides := control.Default()
	if req.Emotion != nil {
		overrides.Emotion = *req.Emotion
	}
	if req.Character != nil {
		overrides.Character = *req.Character
	}
	overrides = overrides.Normalize()
	if err := overrides.Validate(); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "invalid_control", err.Error())
		return
	}
	persona := s.catalog.Lookup(req.PersonaID)
	resolved := control.Resolve(overrides, persona.Defaults)

	stream, err := speech.StreamSpeech(r.Context(), text, resolved, provider.TurnContext{PersonaName: persona.Name})
	if err != nil {
		respondError(w, http.StatusBadGateway, "speech_preview_failed", err.Error())
		return
	}

	var (
		buf        bytes.Buffer
		encoding   string
		sampleRate int
		totalMs    float64
	)
	for res := range stream {
		if res.Err != nil {
			respondError(w, http.StatusBadGateway, "speech_preview_failed", res.Err.Error())
			return
		}
		frag, err := res.Value.EnsureDuration()
		if err != nil {
			respondError(w, http.StatusBadGateway, "speech_preview_failed", err.Error())
			return
		}
		if encoding == "" {
			encoding, sampleRate = frag.Encoding, frag.SampleRate
		}
		buf.Write(frag.Data)
		totalMs += frag.DurationMs
	}
	if r.Context().Err() != nil {
		return
	}

	out := buf.Bytes()
	contentType := "application/octet-stream"
	switch encoding {
	case media.EncodingPCM16:
		wav, err := media.EncodeWAVPCM16LE(out, sampleRate)
		if err != nil {
			respondError(w, http.StatusBadGateway, "speech_preview_failed", err.Error())
			return
		}
		out = wav
		contentType = "audio/wav"
	case media.EncodingMP3:
		contentType = "audio/mpeg"
	case media.EncodingWAV:
		contentType = "audio/wav"
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Audio-Encoding", encoding)
	w.Header().Set("X-Audio-Duration-Ms", strconv.FormatFloat(totalMs, 'f', 1, 64))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func (s *Server) speech() provider.SpeechSynthesizer {
	for _, c := range s.capabilities {
		if sp, ok := c.(provider.SpeechSynthesizer); ok {
			return sp
		}
	}
	return nil
}

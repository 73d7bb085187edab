package pipeline

import (
	"errors"
	"fmt"
)

type Stage string

const (
	StageText   Stage = "text"
	StageSpeech Stage = "speech"
	StageAvatar Stage = "avatar"
	StageTurn   Stage = "turn"
)

// Stable error codes carried on error events.
const (
	CodeTextGenerationFailed  = "text_generation_failed"
	CodeSpeechSynthesisFailed = "speech_synthesis_failed"
	CodeAvatarRenderFailed    = "avatar_render_failed"
	CodeStageTimeout          = "stage_timeout"
	CodeInvalidAudioFragment  = "invalid_audio_fragment"
	CodeInvalidVideoFrame     = "invalid_video_frame"
	CodeInternal              = "internal_error"

	CodeInvalidControl       = "invalid_control"
	CodeInvalidClientMessage = "invalid_client_message"
	CodeEmptyText            = "empty_text"
)

var errStageTimeout = errors.New("stage timed out")

// StageError is a turn-scoped failure of one pipeline stage.
type StageError struct {
	Stage Stage
	Code  string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage: %s: %v", e.Stage, e.Code, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// stageFailure classifies err from stage; timeouts get their own code.
func stageFailure(stage Stage, code string, err error) *StageError {
	if errors.Is(err, errStageTimeout) {
		code = CodeStageTimeout
	}
	return &StageError{Stage: stage, Code: code, Err: err}
}

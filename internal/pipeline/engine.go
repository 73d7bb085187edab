// Package pipeline runs turns: text generation feeding a bounded segment queue,
// drained in order through speech synthesis and avatar rendering.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/tth/internal/control"
	"github.com/ent0n29/tth/internal/media"
	"github.com/ent0n29/tth/internal/memory"
	"github.com/ent0n29/tth/internal/observability"
	"github.com/ent0n29/tth/internal/policy"
	"github.com/ent0n29/tth/internal/protocol"
	"github.com/ent0n29/tth/internal/provider"
	"github.com/ent0n29/tth/internal/session"
)

const (
	DefaultQueueSize     = 2
	DefaultStageTimeout  = 20 * time.Second
	DefaultDriftBudgetMs = 80
	DefaultHistoryLimit  = 8

	historyTimeout = 2 * time.Second
)

type Config struct {
	QueueSize       int
	MinSegmentChars int
	StageTimeout    time.Duration
	DriftBudgetMs   float64
	HistoryLimit    int

	// FirstAudioSLO, when set, logs and counts turns whose first audio chunk
	// arrives later.
	FirstAudioSLO time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.MinSegmentChars <= 0 {
		c.MinSegmentChars = DefaultMinSegmentChars
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = DefaultStageTimeout
	}
	if c.DriftBudgetMs <= 0 {
		c.DriftBudgetMs = DefaultDriftBudgetMs
	}
	if c.HistoryLimit < 0 {
		c.HistoryLimit = 0
	}
	return c
}

// Emitter delivers one event to the caller, blocking until it is accepted or
// ctx is done.
type Emitter func(ctx context.Context, ev protocol.OutputEvent) error

// Deps are the resolved collaborators of an Engine. History, Metrics and Tracer
// are optional.
type Deps struct {
	Text    provider.TextGenerator
	Speech  provider.SpeechSynthesizer
	Avatar  provider.AvatarRenderer
	History memory.Store
	Metrics *observability.Metrics
	Tracer  trace.Tracer
	Logger  zerolog.Logger
}

type Engine struct {
	text    provider.TextGenerator
	speech  provider.SpeechSynthesizer
	avatar  provider.AvatarRenderer
	history memory.Store
	metrics *observability.Metrics
	tracer  trace.Tracer
	logger  zerolog.Logger
	cfg     Config
}

func NewEngine(deps Deps, cfg Config) *Engine {
	tracer := deps.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer(observability.TracerName)
	}
	return &Engine{
		text:    deps.Text,
		speech:  deps.Speech,
		avatar:  deps.Avatar,
		history: deps.History,
		metrics: deps.Metrics,
		tracer:  tracer,
		logger:  deps.Logger.With().Str("component", "turn_engine").Logger(),
		cfg:     cfg.withDefaults(),
	}
}

func (e *Engine) Config() Config { return e.cfg }

type TurnRequest struct {
	TurnID  string
	Text    string
	Control control.TurnControl
}

type segment struct {
	index int
	text  string
}

// turn is the state of one RunTurn call. Producer-owned and consumer-owned
// fields are never touched by the other stage.
type turn struct {
	e       *Engine
	sess    *session.Session
	id      string
	control control.TurnControl
	tc      provider.TurnContext
	emit    Emitter
	log     zerolog.Logger
	span    trace.Span
	started time.Time

	// producer
	reply     strings.Builder
	firstText bool

	// consumer
	frameIndex  int
	audioOffset float64
	firstAudio  bool
	firstVideo  bool
}

// RunTurn executes one turn and blocks until it completes, fails or is
// cancelled. A failure is reported as exactly one error event and returned as a
// *StageError; cancellation emits nothing and returns the context error. On
// return the session is Idle, or Interrupted when the caller's cancellation is
// still being awaited.
func (e *Engine) RunTurn(ctx context.Context, sess *session.Session, req TurnRequest, emit Emitter) error {
	if req.TurnID == "" {
		req.TurnID = uuid.NewString()
	}
	log := e.logger.With().Str("session_id", sess.ID).Str("turn_id", req.TurnID).Logger()
	if err := sess.Transition(session.StateTextRunning); err != nil {
		log.Error().Err(err).Msg("turn started while session not idle")
		return err
	}

	ctx, span := e.tracer.Start(ctx, "turn", trace.WithAttributes(
		attribute.String("session.id", sess.ID),
		attribute.String("turn.id", req.TurnID),
		attribute.String("persona.id", sess.Persona.ID),
	))
	defer span.End()

	t := &turn{
		e:       e,
		sess:    sess,
		id:      req.TurnID,
		control: control.Resolve(req.Control, sess.PersonaDefaults()),
		emit:    emit,
		log:     log,
		span:    span,
		started: time.Now(),
	}
	t.tc = provider.TurnContext{
		SessionID:   sess.ID,
		TurnID:      req.TurnID,
		PersonaName: sess.Persona.Name,
		History:     e.loadHistory(ctx, sess.ID),
	}
	e.saveRecord(ctx, sess, req.TurnID, memory.RoleUser, req.Text)
	log.Debug().
		Str("emotion", string(t.control.Emotion.Label)).
		Float64("speech_rate", t.control.Character.SpeechRate).
		Msg("turn started")

	err := t.run(ctx, req.Text)
	if err == nil {
		err = t.complete(ctx)
	}
	switch {
	case err == nil:
		return nil
	case cancelled(ctx, err):
		log.Debug().Msg("turn cancelled")
		e.countTurn("interrupted")
		e.indicator("interrupted")
		span.SetAttributes(attribute.Bool("turn.cancelled", true))
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return context.Canceled
	default:
		return t.fail(ctx, err)
	}
}

// cancelled is decided by the turn context alone. A provider error that wraps
// context.Canceled while the turn is live is still a failure.
func cancelled(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, session.ErrInterrupted)
}

func (t *turn) run(ctx context.Context, text string) error {
	segments := make(chan segment, t.e.cfg.QueueSize)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.produce(gctx, text, segments) })
	g.Go(func() error { return t.consume(gctx, segments) })
	return g.Wait()
}

// produce streams tokens, forwards each as a text delta and queues sentence
// segments. Closing out marks the end of the turn's text.
func (t *turn) produce(ctx context.Context, text string, out chan<- segment) error {
	ctx, span := t.e.tracer.Start(ctx, "stage.text")
	defer span.End()

	stream, err := t.e.text.StreamText(ctx, text, t.control, t.tc)
	if err != nil {
		return t.stageErr(ctx, StageText, CodeTextGenerationFailed, err)
	}

	seg := newSegmenter(t.e.cfg.MinSegmentChars)
	index := 0
	push := func(s string) error {
		select {
		case out <- segment{index: index, text: s}:
			index++
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for {
		tok, ok, err := next(ctx, stream, t.e.cfg.StageTimeout)
		if err != nil {
			return t.stageErr(ctx, StageText, CodeTextGenerationFailed, err)
		}
		if !ok {
			break
		}
		if !t.firstText {
			t.firstText = true
			t.e.observeStage(observability.StageFirstText, time.Since(t.started))
		}
		t.reply.WriteString(tok)
		if err := t.emit(ctx, protocol.NewTextDelta(t.id, tok)); err != nil {
			return err
		}
		if s, ok := seg.Push(tok); ok {
			if err := push(s); err != nil {
				return err
			}
		}
	}
	if s, ok := seg.Flush(); ok {
		if err := push(s); err != nil {
			return err
		}
	}
	span.SetAttributes(attribute.Int("segments", index))
	close(out)
	return nil
}

// consume drains segments strictly in order; one segment's audio and video are
// fully emitted before the next segment is synthesized.
func (t *turn) consume(ctx context.Context, in <-chan segment) error {
	for {
		var (
			s  segment
			ok bool
		)
		select {
		case s, ok = <-in:
		case <-ctx.Done():
			return ctx.Err()
		}
		if !ok {
			return nil
		}
		if err := t.speak(ctx, s); err != nil {
			return err
		}
	}
}

func (t *turn) speak(ctx context.Context, s segment) error {
	ctx, span := t.e.tracer.Start(ctx, "stage.speech", trace.WithAttributes(attribute.Int("segment.index", s.index)))
	defer span.End()

	if err := t.transition(ctx, session.StateAudioRunning); err != nil {
		return err
	}
	tc := t.tc
	tc.SegmentIndex = s.index
	tc.AudioOffsetMs = t.audioOffset
	tc.FrameBase = t.frameIndex

	stream, err := t.e.speech.StreamSpeech(ctx, s.text, t.control, tc)
	if err != nil {
		return t.stageErr(ctx, StageSpeech, CodeSpeechSynthesisFailed, err)
	}
	for {
		frag, ok, err := next(ctx, stream, t.e.cfg.StageTimeout)
		if err != nil {
			return t.stageErr(ctx, StageSpeech, CodeSpeechSynthesisFailed, err)
		}
		if !ok {
			return nil
		}
		frag, err = frag.EnsureDuration()
		if err != nil {
			return &StageError{Stage: StageSpeech, Code: CodeInvalidAudioFragment, Err: err}
		}

		if err := t.emit(ctx, protocol.NewAudioChunk(t.id, frag)); err != nil {
			return err
		}
		if !t.firstAudio {
			t.firstAudio = true
			d := time.Since(t.started)
			t.e.observeStage(observability.StageFirstAudio, d)
			if t.e.metrics != nil {
				t.e.metrics.ObserveFirstAudioLatency(d)
			}
			if slo := t.e.cfg.FirstAudioSLO; slo > 0 && d > slo {
				t.e.indicator("first_audio_slo_miss")
				t.log.Warn().Dur("first_audio", d).Dur("slo", slo).Msg("first audio slower than slo")
			}
		}
		t.audioOffset = math.Max(t.audioOffset, frag.TimestampMs+frag.DurationMs)

		if err := t.render(ctx, s.index, frag); err != nil {
			return err
		}
		if err := t.transition(ctx, session.StateAudioRunning); err != nil {
			return err
		}
	}
}

// render streams the frames driven by one audio fragment, stamping frame
// indices from the turn-wide counter.
func (t *turn) render(ctx context.Context, segIndex int, frag media.AudioFragment) error {
	if err := t.transition(ctx, session.StateVideoRunning); err != nil {
		return err
	}
	tc := t.tc
	tc.SegmentIndex = segIndex
	tc.AudioOffsetMs = frag.TimestampMs
	tc.FrameBase = t.frameIndex

	stream, err := t.e.avatar.StreamFrames(ctx, frag, t.control, tc)
	if err != nil {
		return t.stageErr(ctx, StageAvatar, CodeAvatarRenderFailed, err)
	}
	for {
		f, ok, err := next(ctx, stream, t.e.cfg.StageTimeout)
		if err != nil {
			return t.stageErr(ctx, StageAvatar, CodeAvatarRenderFailed, err)
		}
		if !ok {
			return nil
		}
		if !f.ContentType.Valid() {
			return &StageError{Stage: StageAvatar, Code: CodeInvalidVideoFrame, Err: fmt.Errorf("unknown content type %q", f.ContentType)}
		}
		f.FrameIndex = t.frameIndex
		t.frameIndex++
		drift := t.sess.Drift().Update(frag.TimestampMs, f.TimestampMs)

		if err := t.emit(ctx, protocol.NewVideoFrame(t.id, f, drift)); err != nil {
			return err
		}
		if !t.firstVideo {
			t.firstVideo = true
			t.e.observeStage(observability.StageFirstVideo, time.Since(t.started))
		}
	}
}

func (t *turn) complete(ctx context.Context) error {
	if err := t.transition(ctx, session.StateStreamingOutput); err != nil {
		return err
	}
	t.reportDrift()
	if err := t.transition(ctx, session.StateTurnComplete); err != nil {
		return err
	}
	defer t.sess.Settle()

	reply := t.reply.String()
	t.e.saveRecord(ctx, t.sess, t.id, memory.RoleAssistant, reply)
	if err := t.emit(ctx, protocol.NewTurnComplete(t.id)); err != nil {
		return err
	}

	total := time.Since(t.started)
	t.e.observeStage(observability.StageTurnTotal, total)
	t.e.countTurn("completed")
	t.span.SetAttributes(attribute.Int("frames", t.frameIndex))
	t.log.Info().
		Dur("duration", total).
		Int("frames", t.frameIndex).
		Float64("audio_ms", t.audioOffset).
		Int("reply_chars", len(reply)).
		Msg("turn complete")
	return nil
}

func (t *turn) fail(ctx context.Context, err error) error {
	var se *StageError
	if !errors.As(err, &se) {
		se = &StageError{Stage: StageTurn, Code: CodeInternal, Err: err}
	}
	if terr := t.sess.Transition(session.StateTurnError); terr != nil {
		if cancelled(ctx, terr) {
			return context.Canceled
		}
		t.log.Error().Err(terr).Msg("turn error from unexpected state")
	}
	defer t.sess.Settle()

	t.log.Warn().Err(se.Err).Str("stage", string(se.Stage)).Str("code", se.Code).Msg("turn failed")
	t.span.RecordError(se)
	t.span.SetStatus(codes.Error, se.Code)
	t.e.countTurn("error")
	if t.e.metrics != nil {
		t.e.metrics.StageErrors.WithLabelValues(string(se.Stage), se.Code).Inc()
	}
	if emitErr := t.emit(ctx, protocol.NewError(t.id, se.Code, policy.RedactSecrets(se.Error()))); emitErr != nil {
		t.log.Debug().Err(emitErr).Msg("error event not delivered")
	}
	return se
}

// transition treats a rejected move on an interrupted session as cancellation.
func (t *turn) transition(ctx context.Context, to session.State) error {
	err := t.sess.Transition(to)
	if err == nil {
		return nil
	}
	if cancelled(ctx, err) {
		return err
	}
	t.log.Error().Err(err).Msg("invalid turn state transition")
	return &StageError{Stage: StageTurn, Code: CodeInternal, Err: err}
}

// stageErr converts a provider failure, leaving cancellation untouched.
func (t *turn) stageErr(ctx context.Context, stage Stage, code string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return stageFailure(stage, code, err)
}

func (t *turn) reportDrift() {
	d := t.sess.Drift()
	if d.Len() == 0 {
		return
	}
	mean := d.MeanDriftMs()
	within := d.IsWithinBudget(t.e.cfg.DriftBudgetMs)
	t.span.SetAttributes(attribute.Float64("drift.mean_ms", mean))
	if t.e.metrics != nil {
		t.e.metrics.ObserveTurnDrift(mean, within)
	}
	if within {
		return
	}
	t.log.Warn().
		Float64("mean_drift_ms", mean).
		Float64("max_abs_drift_ms", d.MaxAbsDriftMs()).
		Float64("budget_ms", t.e.cfg.DriftBudgetMs).
		Msg("audio/video drift over budget")
}

// next receives one stream item, bounded by timeout. ok is false at end of
// stream.
func next[T any](ctx context.Context, ch <-chan provider.Result[T], timeout time.Duration) (v T, ok bool, err error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r, open := <-ch:
		if !open {
			return v, false, nil
		}
		if r.Err != nil {
			return v, false, r.Err
		}
		return r.Value, true, nil
	case <-timer.C:
		return v, false, fmt.Errorf("%w after %s", errStageTimeout, timeout)
	case <-ctx.Done():
		return v, false, ctx.Err()
	}
}

func (e *Engine) loadHistory(ctx context.Context, sessionID string) []provider.Message {
	if e.history == nil || e.cfg.HistoryLimit == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, historyTimeout)
	defer cancel()
	records, err := e.history.RecentHistory(ctx, sessionID, e.cfg.HistoryLimit)
	if err != nil {
		e.logger.Warn().Err(err).Str("session_id", sessionID).Msg("load history failed")
		return nil
	}
	out := make([]provider.Message, 0, len(records))
	for _, r := range records {
		out = append(out, provider.Message{Role: r.Role, Content: r.Content})
	}
	return out
}

// saveRecord persists one side of the turn, best effort.
func (e *Engine) saveRecord(ctx context.Context, sess *session.Session, turnID, role, content string) {
	if e.history == nil || strings.TrimSpace(content) == "" {
		return
	}
	redacted, changed := policy.RedactPII(content)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyTimeout)
	defer cancel()
	err := e.history.SaveTurn(ctx, memory.TurnRecord{
		SessionID:   sess.ID,
		TurnID:      turnID,
		PersonaID:   sess.Persona.ID,
		Role:        role,
		Content:     redacted,
		PIIRedacted: changed,
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("session_id", sess.ID).Str("role", role).Msg("save history failed")
	}
}

func (e *Engine) observeStage(stage string, d time.Duration) {
	if e.metrics != nil {
		e.metrics.ObserveTurnStage(stage, d)
	}
}

func (e *Engine) indicator(name string) {
	if e.metrics != nil {
		e.metrics.ObserveTurnIndicator(name)
	}
}

func (e *Engine) countTurn(outcome string) {
	if e.metrics != nil {
		e.metrics.Turns.WithLabelValues(outcome).Inc()
	}
}

package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/tth/internal/control"
	"github.com/ent0n29/tth/internal/media"
)

const (
	DefaultRealtimeURL   = "wss://api.openai.com/v1/realtime"
	DefaultRealtimeModel = "gpt-4o-realtime-preview"

	realtimeSampleRate   = 24000
	realtimeWriteTimeout = 5 * time.Second
	realtimeReadyTimeout = 10 * time.Second
)

// ErrRealtimeClosed is returned once the connection has been closed for good.
var ErrRealtimeClosed = errors.New("realtime connection closed")

type RealtimeConfig struct {
	URL              string
	APIKey           string
	Model            string
	HandshakeTimeout time.Duration
}

// Realtime holds one websocket to a realtime model and serves both a text and a
// speech capability over it. Every request is an out-of-band response with no
// server-side conversation, so sessions never see each other's turns and a
// turn's text and speech responses run side by side. The socket is dialed
// lazily and redialed after it drops.
type Realtime struct {
	url    string
	header http.Header
	dialer websocket.Dialer

	mu     sync.Mutex
	conn   *realtimeConn
	closed bool
}

func NewRealtime(cfg RealtimeConfig) *Realtime {
	base := strings.TrimSpace(cfg.URL)
	if base == "" {
		base = DefaultRealtimeURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultRealtimeModel
	}
	handshake := cfg.HandshakeTimeout
	if handshake <= 0 {
		handshake = 5 * time.Second
	}
	header := http.Header{}
	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		header.Set("Authorization", "Bearer "+key)
	}
	header.Set("OpenAI-Beta", "realtime=v1")
	return &Realtime{
		url:    base + "?model=" + url.QueryEscape(model),
		header: header,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshake,
		},
	}
}

// Text returns the text generation capability backed by this connection.
func (r *Realtime) Text() *RealtimeText { return &RealtimeText{rt: r} }

// Speech returns the speech capability backed by this connection.
func (r *Realtime) Speech() *RealtimeSpeech { return &RealtimeSpeech{rt: r} }

// Prewarm connects ahead of the first turn.
func (r *Realtime) Prewarm(ctx context.Context) error {
	_, err := r.connection(ctx)
	return err
}

func (r *Realtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.conn != nil {
		r.conn.close(ErrRealtimeClosed)
		r.conn = nil
	}
	return nil
}

// connection returns the live connection, dialing when there is none. Dials
// are serialized by r.mu.
func (r *Realtime) connection(ctx context.Context) (*realtimeConn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRealtimeClosed
	}
	if r.conn != nil && r.conn.alive() {
		return r.conn, nil
	}
	conn, err := r.dial(ctx)
	if err != nil {
		return nil, err
	}
	r.conn = conn
	return conn, nil
}

func (r *Realtime) connected() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil || !r.conn.alive() {
		return time.Time{}, false
	}
	return r.conn.connectedAt, true
}

func (r *Realtime) dial(ctx context.Context) (*realtimeConn, error) {
	ws, resp, err := r.dialer.DialContext(ctx, r.url, r.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime dial failed (%s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("realtime dial failed: %w", err)
	}

	readyCtx, cancel := context.WithTimeout(ctx, realtimeReadyTimeout)
	defer cancel()
	if err := waitForSessionCreated(readyCtx, ws); err != nil {
		_ = ws.Close()
		return nil, err
	}
	c := &realtimeConn{
		ws:          ws,
		calls:       make(map[string]*realtimeCall),
		byResponse:  make(map[string]string),
		done:        make(chan struct{}),
		connectedAt: time.Now(),
	}
	update := realtimeClientEvent{
		Type: "session.update",
		Session: &realtimeSession{
			Modalities:        []string{"text", "audio"},
			OutputAudioFormat: media.EncodingPCM16,
		},
	}
	if err := c.write(update); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("realtime session update: %w", err)
	}
	go c.readLoop()
	return c, nil
}

func waitForSessionCreated(ctx context.Context, ws *websocket.Conn) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.SetReadDeadline(deadline)
		defer ws.SetReadDeadline(time.Time{})
	}
	for {
		var ev realtimeServerEvent
		if err := ws.ReadJSON(&ev); err != nil {
			return fmt.Errorf("realtime session.created: %w", err)
		}
		switch ev.Type {
		case "session.created":
			return nil
		case "error":
			if ev.Error != nil {
				return fmt.Errorf("realtime session.created: %s", ev.Error.Message)
			}
		}
	}
}

// start sends one response request. The returned call must be ended.
func (r *Realtime) start(ctx context.Context, req realtimeResponse) (*realtimeConn, *realtimeCall, error) {
	conn, err := r.connection(ctx)
	if err != nil {
		return nil, nil, err
	}
	call := conn.register(uuid.NewString())
	req.Metadata = map[string]string{"request_id": call.requestID}
	if err := conn.write(realtimeClientEvent{EventID: call.requestID, Type: "response.create", Response: &req}); err != nil {
		conn.forget(call)
		conn.close(err)
		return nil, nil, fmt.Errorf("realtime response create: %w", err)
	}
	return conn, call, nil
}

// follow reads the call's events, passing the wanted delta types to onDelta
// until response.done. A cancelled ctx cancels the response upstream.
func (c *realtimeConn) follow(ctx context.Context, call *realtimeCall, deltaTypes map[string]bool, onDelta func(string) bool) error {
	defer c.forget(call)
	for {
		ev, err := call.next(ctx, c)
		if err != nil {
			if ctx.Err() != nil {
				c.cancel(call)
			}
			return err
		}
		switch {
		case deltaTypes[ev.Type]:
			if ev.Delta != "" && !onDelta(ev.Delta) {
				c.cancel(call)
				return ctx.Err()
			}
		case ev.Type == "response.done":
			if status := ev.Response.Status; status != "completed" {
				return fmt.Errorf("realtime response %s", status)
			}
			return nil
		case ev.Type == "error":
			return fmt.Errorf("realtime error: %s", ev.Error.Message)
		}
	}
}

func (r *Realtime) health(ctx context.Context, name string) HealthStatus {
	status := HealthStatus{Name: name}
	if since, ok := r.connected(); ok {
		status.Healthy = true
		status.Detail = fmt.Sprintf("connected for %s", time.Since(since).Round(time.Second))
		return status
	}
	started := time.Now()
	err := r.Prewarm(ctx)
	status.LatencyMS = float64(time.Since(started).Microseconds()) / 1000
	if err != nil {
		status.Detail = err.Error()
		return status
	}
	status.Healthy = true
	status.Detail = "connected"
	return status
}

// realtimeConn multiplexes concurrent responses over one socket. Server events
// are routed to calls by request id until response.created names the
// response, and by response id after that.
type realtimeConn struct {
	ws          *websocket.Conn
	writeMu     sync.Mutex
	connectedAt time.Time

	mu         sync.Mutex
	calls      map[string]*realtimeCall
	byResponse map[string]string
	err        error
	done       chan struct{}
}

func (c *realtimeConn) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(realtimeWriteTimeout))
	return c.ws.WriteJSON(v)
}

func (c *realtimeConn) alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// close ends the connection once; calls still waiting see err.
func (c *realtimeConn) close(err error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = err
	close(c.done)
	c.mu.Unlock()
	_ = c.ws.Close()
}

func (c *realtimeConn) failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *realtimeConn) register(requestID string) *realtimeCall {
	call := &realtimeCall{requestID: requestID, notify: make(chan struct{}, 1)}
	c.mu.Lock()
	c.calls[requestID] = call
	c.mu.Unlock()
	return call
}

func (c *realtimeConn) forget(call *realtimeCall) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.calls, call.requestID)
	if id := call.responseID(); id != "" {
		delete(c.byResponse, id)
	}
}

func (c *realtimeConn) cancel(call *realtimeCall) {
	id := call.responseID()
	if id == "" || !c.alive() {
		return
	}
	_ = c.write(realtimeClientEvent{Type: "response.cancel", ResponseID: id})
}

func (c *realtimeConn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.close(fmt.Errorf("realtime connection lost: %w", err))
			return
		}
		var ev realtimeServerEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		if call := c.route(ev); call != nil {
			call.push(ev)
		}
	}
}

// route finds the call an event belongs to. Events for forgotten calls and
// session-level events are dropped.
func (c *realtimeConn) route(ev realtimeServerEvent) *realtimeCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case ev.Type == "response.created" && ev.Response != nil:
		call := c.calls[ev.Response.Metadata["request_id"]]
		if call != nil {
			call.setResponseID(ev.Response.ID)
			c.byResponse[ev.Response.ID] = call.requestID
		}
		return call
	case ev.Type == "response.done" && ev.Response != nil:
		return c.calls[c.byResponse[ev.Response.ID]]
	case ev.Type == "error" && ev.Error != nil:
		return c.calls[ev.Error.EventID]
	case ev.ResponseID != "":
		return c.calls[c.byResponse[ev.ResponseID]]
	default:
		return nil
	}
}

// realtimeCall buffers one response's events without bound so the read loop
// never waits on a slow consumer.
type realtimeCall struct {
	requestID string
	notify    chan struct{}

	mu     sync.Mutex
	queue  []realtimeServerEvent
	respID string
}

func (c *realtimeCall) push(ev realtimeServerEvent) {
	c.mu.Lock()
	c.queue = append(c.queue, ev)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *realtimeCall) next(ctx context.Context, conn *realtimeConn) (realtimeServerEvent, error) {
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			ev := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return ev, nil
		}
		c.mu.Unlock()
		select {
		case <-c.notify:
		case <-ctx.Done():
			return realtimeServerEvent{}, ctx.Err()
		case <-conn.done:
			// Drain anything routed before the connection dropped.
			c.mu.Lock()
			pending := len(c.queue)
			c.mu.Unlock()
			if pending == 0 {
				return realtimeServerEvent{}, conn.failure()
			}
		}
	}
}

func (c *realtimeCall) setResponseID(id string) {
	c.mu.Lock()
	c.respID = id
	c.mu.Unlock()
}

func (c *realtimeCall) responseID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.respID
}

// realtimeVoice picks one of the realtime model's voices for the emotion.
func realtimeVoice(label control.EmotionLabel) string {
	switch label {
	case control.EmotionHappy:
		return "shimmer"
	case control.EmotionSad:
		return "ballad"
	case control.EmotionAngry:
		return "ash"
	case control.EmotionSurprised:
		return "verse"
	case control.EmotionFearful:
		return "sage"
	default:
		return "alloy"
	}
}

// RealtimeText streams the model's text output for a turn.
type RealtimeText struct {
	rt *Realtime
}

var realtimeTextDeltas = map[string]bool{
	"response.text.delta":        true,
	"response.output_text.delta": true,
}

func (t *RealtimeText) StreamText(ctx context.Context, input string, c control.TurnControl, tc TurnContext) (<-chan Result[string], error) {
	items := make([]realtimeItem, 0, len(tc.History)+1)
	for _, m := range tc.History {
		items = append(items, realtimeMessage(m.Role, m.Content))
	}
	items = append(items, realtimeMessage("user", input))

	conn, call, err := t.rt.start(ctx, realtimeResponse{
		Conversation: "none",
		Modalities:   []string{"text"},
		Instructions: control.SystemPrompt(c, tc.PersonaName),
		Input:        items,
	})
	if err != nil {
		return nil, err
	}
	out := make(chan Result[string])
	go func() {
		defer close(out)
		err := conn.follow(ctx, call, realtimeTextDeltas, func(delta string) bool {
			return send(ctx, out, Result[string]{Value: delta})
		})
		if err != nil && ctx.Err() == nil {
			send(ctx, out, Result[string]{Err: err})
		}
	}()
	return out, nil
}

func (t *RealtimeText) Health(ctx context.Context) HealthStatus {
	return t.rt.health(ctx, "openai_realtime_text")
}

func (t *RealtimeText) Capabilities() Capabilities {
	return Capabilities{
		Name:              "openai_realtime_text",
		Kind:              KindText,
		Streaming:         true,
		Emotion:           true,
		MaxTextLength:     100000,
		SupportedEmotions: allEmotions(),
	}
}

// RealtimeSpeech reads a segment aloud and streams the pcm16 output.
type RealtimeSpeech struct {
	rt *Realtime
}

var realtimeAudioDeltas = map[string]bool{
	"response.audio.delta":        true,
	"response.output_audio.delta": true,
}

func (s *RealtimeSpeech) StreamSpeech(ctx context.Context, text string, c control.TurnControl, tc TurnContext) (<-chan Result[media.AudioFragment], error) {
	conn, call, err := s.rt.start(ctx, realtimeResponse{
		Conversation:      "none",
		Modalities:        []string{"audio", "text"},
		Instructions:      speakInstructions(c),
		Voice:             realtimeVoice(c.Emotion.Label),
		OutputAudioFormat: media.EncodingPCM16,
		Input:             []realtimeItem{realtimeMessage("user", text)},
	})
	if err != nil {
		return nil, err
	}
	out := make(chan Result[media.AudioFragment])
	go func() {
		defer close(out)
		ts := tc.AudioOffsetMs
		var decodeErr error
		err := conn.follow(ctx, call, realtimeAudioDeltas, func(delta string) bool {
			data, err := base64.StdEncoding.DecodeString(delta)
			if err != nil {
				decodeErr = fmt.Errorf("decode realtime audio: %w", err)
				return false
			}
			dur := media.EstimatePCM16DurationMs(len(data), realtimeSampleRate)
			frag := media.AudioFragment{
				Data:        data,
				TimestampMs: ts,
				DurationMs:  dur,
				SampleRate:  realtimeSampleRate,
				Encoding:    media.EncodingPCM16,
			}
			ts += dur
			return send(ctx, out, Result[media.AudioFragment]{Value: frag})
		})
		if decodeErr != nil {
			err = decodeErr
		}
		if err != nil && ctx.Err() == nil {
			send(ctx, out, Result[media.AudioFragment]{Err: err})
		}
	}()
	return out, nil
}

func speakInstructions(c control.TurnControl) string {
	e := c.Emotion
	return fmt.Sprintf(
		"Read the user's message aloud exactly as written, adding nothing. Use a %s tone at intensity %.1f and a speaking rate of %.2fx.",
		e.Label, e.Intensity, control.SpeechParamsFor(c).Speed,
	)
}

func (s *RealtimeSpeech) Health(ctx context.Context) HealthStatus {
	return s.rt.health(ctx, "openai_realtime_speech")
}

func (s *RealtimeSpeech) Capabilities() Capabilities {
	return Capabilities{
		Name:              "openai_realtime_speech",
		Kind:              KindSpeech,
		Streaming:         true,
		Emotion:           true,
		SupportedEmotions: []string{"neutral", "happy", "sad", "angry", "surprised", "fearful"},
		Encodings:         []string{media.EncodingPCM16},
	}
}

type realtimeClientEvent struct {
	EventID    string            `json:"event_id,omitempty"`
	Type       string            `json:"type"`
	Session    *realtimeSession  `json:"session,omitempty"`
	Response   *realtimeResponse `json:"response,omitempty"`
	ResponseID string            `json:"response_id,omitempty"`
}

type realtimeSession struct {
	Modalities        []string  `json:"modalities"`
	OutputAudioFormat string    `json:"output_audio_format"`
	TurnDetection     *struct{} `json:"turn_detection"`
}

type realtimeResponse struct {
	Conversation      string            `json:"conversation"`
	Modalities        []string          `json:"modalities"`
	Instructions      string            `json:"instructions"`
	Voice             string            `json:"voice,omitempty"`
	OutputAudioFormat string            `json:"output_audio_format,omitempty"`
	Input             []realtimeItem    `json:"input"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

type realtimeItem struct {
	Type    string            `json:"type"`
	Role    string            `json:"role"`
	Content []realtimeContent `json:"content"`
}

type realtimeContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func realtimeMessage(role, text string) realtimeItem {
	kind := "input_text"
	if role == "assistant" {
		kind = "text"
	}
	return realtimeItem{Type: "message", Role: role, Content: []realtimeContent{{Type: kind, Text: text}}}
}

type realtimeServerEvent struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id"`
	Delta      string `json:"delta"`
	Response   *struct {
		ID       string            `json:"id"`
		Status   string            `json:"status"`
		Metadata map[string]string `json:"metadata"`
	} `json:"response"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		EventID string `json:"event_id"`
	} `json:"error"`
}

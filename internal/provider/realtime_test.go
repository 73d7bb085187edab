package provider

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/tth/internal/control"
)

// fakeRealtime answers response.create with text or 100ms pcm16 deltas.
type fakeRealtime struct {
	dials      atomic.Int32
	failNext   atomic.Bool
	hangUpNext atomic.Bool

	mu       sync.Mutex
	requests []realtimeResponse
}

func (f *fakeRealtime) serve(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		f.dials.Add(1)
		_ = conn.WriteJSON(map[string]any{"type": "session.created"})

		n := 0
		for {
			var ev realtimeClientEvent
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			if ev.Type != "response.create" || ev.Response == nil {
				continue
			}
			f.mu.Lock()
			f.requests = append(f.requests, *ev.Response)
			f.mu.Unlock()

			n++
			id := "resp_" + strings.Repeat("x", n)
			_ = conn.WriteJSON(map[string]any{
				"type":     "response.created",
				"response": map[string]any{"id": id, "metadata": ev.Response.Metadata},
			})
			if f.hangUpNext.Swap(false) {
				return
			}
			if f.failNext.Swap(false) {
				_ = conn.WriteJSON(map[string]any{"type": "response.done", "response": map[string]any{"id": id, "status": "failed"}})
				continue
			}
			// A stale delta from another response is ignored.
			_ = conn.WriteJSON(map[string]any{"type": "response.text.delta", "response_id": "resp_old", "delta": "stale"})
			if slices.Contains(ev.Response.Modalities, "audio") {
				pcm := base64.StdEncoding.EncodeToString(make([]byte, 4800))
				for i := 0; i < 2; i++ {
					_ = conn.WriteJSON(map[string]any{"type": "response.audio.delta", "response_id": id, "delta": pcm})
				}
			} else {
				for _, tok := range []string{"Hello", " there."} {
					_ = conn.WriteJSON(map[string]any{"type": "response.text.delta", "response_id": id, "delta": tok})
				}
			}
			_ = conn.WriteJSON(map[string]any{"type": "response.done", "response": map[string]any{"id": id, "status": "completed"}})
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (f *fakeRealtime) recorded() []realtimeResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.requests)
}

func newTestRealtime(t *testing.T, srv *httptest.Server) *Realtime {
	t.Helper()
	rt := NewRealtime(RealtimeConfig{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), APIKey: "sk-test"})
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func TestRealtimeTextAndSpeechShareOneConnection(t *testing.T) {
	fake := &fakeRealtime{}
	rt := newTestRealtime(t, fake.serve(t))

	history := []Message{{Role: "assistant", Content: "Earlier reply."}}
	ch, err := rt.Text().StreamText(context.Background(), "hi", control.Default(), TurnContext{PersonaName: "Casual", History: history})
	if err != nil {
		t.Fatalf("StreamText() error = %v", err)
	}
	tokens, err := collect(t, ch)
	if err != nil {
		t.Fatalf("text stream error = %v", err)
	}
	if got := strings.Join(tokens, ""); got != "Hello there." {
		t.Fatalf("text = %q, want %q", got, "Hello there.")
	}

	sad := control.Default()
	sad.Emotion.Label = control.EmotionSad
	audio, err := rt.Speech().StreamSpeech(context.Background(), "Hello there.", sad, TurnContext{AudioOffsetMs: 50})
	if err != nil {
		t.Fatalf("StreamSpeech() error = %v", err)
	}
	frags, err := collect(t, audio)
	if err != nil {
		t.Fatalf("speech stream error = %v", err)
	}
	if len(frags) != 2 {
		t.Fatalf("len(frags) = %d, want 2", len(frags))
	}
	for i, f := range frags {
		if f.DurationMs != 100 || f.TimestampMs != 50+float64(i)*100 || f.SampleRate != 24000 {
			t.Fatalf("frag %d = ts %v dur %v sr %d", i, f.TimestampMs, f.DurationMs, f.SampleRate)
		}
	}

	if got := fake.dials.Load(); got != 1 {
		t.Fatalf("dials = %d, want 1", got)
	}
	reqs := fake.recorded()
	if len(reqs) != 2 {
		t.Fatalf("requests = %d, want 2", len(reqs))
	}
	if reqs[0].Conversation != "none" || len(reqs[0].Input) != 2 || reqs[0].Input[0].Content[0].Type != "text" {
		t.Fatalf("text request = %+v", reqs[0])
	}
	if !strings.Contains(reqs[0].Instructions, "You are Casual.") {
		t.Fatalf("instructions = %q", reqs[0].Instructions)
	}
	if reqs[1].Voice != "ballad" || reqs[1].OutputAudioFormat != "pcm16" {
		t.Fatalf("speech request voice = %q format = %q", reqs[1].Voice, reqs[1].OutputAudioFormat)
	}
}

func TestRealtimeFailedResponseKeepsConnection(t *testing.T) {
	fake := &fakeRealtime{}
	rt := newTestRealtime(t, fake.serve(t))

	fake.failNext.Store(true)
	ch, err := rt.Text().StreamText(context.Background(), "hi", control.Default(), TurnContext{})
	if err != nil {
		t.Fatalf("StreamText() error = %v", err)
	}
	if _, err := collect(t, ch); err == nil || !strings.Contains(err.Error(), "failed") {
		t.Fatalf("stream error = %v, want failed response", err)
	}

	ch, err = rt.Text().StreamText(context.Background(), "again", control.Default(), TurnContext{})
	if err != nil {
		t.Fatalf("StreamText() error = %v", err)
	}
	if _, err := collect(t, ch); err != nil {
		t.Fatalf("stream error after failed response = %v", err)
	}
	if got := fake.dials.Load(); got != 1 {
		t.Fatalf("dials = %d, want 1", got)
	}
}

func TestRealtimeRedialsAfterConnectionLoss(t *testing.T) {
	fake := &fakeRealtime{}
	rt := newTestRealtime(t, fake.serve(t))

	fake.hangUpNext.Store(true)
	ch, err := rt.Speech().StreamSpeech(context.Background(), "hi", control.Default(), TurnContext{})
	if err != nil {
		t.Fatalf("StreamSpeech() error = %v", err)
	}
	if _, err := collect(t, ch); err == nil || !strings.Contains(err.Error(), "connection lost") {
		t.Fatalf("stream error = %v, want connection lost", err)
	}

	ch, err = rt.Speech().StreamSpeech(context.Background(), "hi", control.Default(), TurnContext{})
	if err != nil {
		t.Fatalf("StreamSpeech() after loss error = %v", err)
	}
	if frags, err := collect(t, ch); err != nil || len(frags) != 2 {
		t.Fatalf("frags = %d err = %v, want 2 fragments", len(frags), err)
	}
	if got := fake.dials.Load(); got != 2 {
		t.Fatalf("dials = %d, want 2", got)
	}
}

func TestRealtimeResponsesRunConcurrently(t *testing.T) {
	fake := &fakeRealtime{}
	rt := newTestRealtime(t, fake.serve(t))

	// The text stream is left unread while speech for the same turn runs.
	text, err := rt.Text().StreamText(context.Background(), "hi", control.Default(), TurnContext{})
	if err != nil {
		t.Fatalf("StreamText() error = %v", err)
	}
	audio, err := rt.Speech().StreamSpeech(context.Background(), "Hello there.", control.Default(), TurnContext{})
	if err != nil {
		t.Fatalf("StreamSpeech() error = %v", err)
	}
	if frags, err := collect(t, audio); err != nil || len(frags) != 2 {
		t.Fatalf("frags = %d err = %v, want 2 fragments", len(frags), err)
	}
	tokens, err := collect(t, text)
	if err != nil || strings.Join(tokens, "") != "Hello there." {
		t.Fatalf("text = %q err = %v", strings.Join(tokens, ""), err)
	}
}

func TestRealtimeDialFailureFailsToStart(t *testing.T) {
	fake := &fakeRealtime{}
	srv := fake.serve(t)
	rt := NewRealtime(RealtimeConfig{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), APIKey: "wrong"})

	if _, err := rt.Text().StreamText(context.Background(), "hi", control.Default(), TurnContext{}); err == nil {
		t.Fatalf("StreamText() expected dial error")
	}
	if h := rt.Speech().Health(context.Background()); h.Healthy {
		t.Fatalf("Health() = %+v, want unhealthy", h)
	}

	f := NewFailoverText(rt.Text(), &ScriptedText{Tokens: []string{"fallback"}})
	ch, err := f.StreamText(context.Background(), "hi", control.Default(), TurnContext{})
	if err != nil {
		t.Fatalf("failover StreamText() error = %v", err)
	}
	if tokens, _ := collect(t, ch); len(tokens) != 1 || tokens[0] != "fallback" {
		t.Fatalf("tokens = %v, want fallback", tokens)
	}
}

func TestRealtimeClosedRejectsStreams(t *testing.T) {
	fake := &fakeRealtime{}
	rt := newTestRealtime(t, fake.serve(t))
	if err := rt.Prewarm(context.Background()); err != nil {
		t.Fatalf("Prewarm() error = %v", err)
	}
	if h := rt.Text().Health(context.Background()); !h.Healthy {
		t.Fatalf("Health() = %+v, want healthy", h)
	}
	_ = rt.Close()
	if _, err := rt.Text().StreamText(context.Background(), "hi", control.Default(), TurnContext{}); err != ErrRealtimeClosed {
		t.Fatalf("StreamText() error = %v, want ErrRealtimeClosed", err)
	}
}

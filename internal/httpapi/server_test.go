package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ent0n29/tth/internal/config"
	"github.com/ent0n29/tth/internal/control"
	"github.com/ent0n29/tth/internal/observability"
	"github.com/ent0n29/tth/internal/pipeline"
	"github.com/ent0n29/tth/internal/protocol"
	"github.com/ent0n29/tth/internal/provider"
	"github.com/ent0n29/tth/internal/session"
)

var metricsSeq atomic.Int64

func newTestServer(t *testing.T, capabilities ...Capability) (*httptest.Server, *session.Manager) {
	t.Helper()
	cfg := config.Config{SessionInactivityTimeout: 2 * time.Minute}
	catalog := control.NewCatalog()
	sessions := session.NewManager(catalog, cfg.SessionInactivityTimeout, 32)
	metrics := observability.NewMetricsWithRegistry(prometheus.NewRegistry(), fmt.Sprintf("test_httpapi_%d", metricsSeq.Add(1)))

	text := &provider.ScriptedText{Tokens: []string{"Hello", " there.", " Bye now."}}
	speech := provider.NewMockSpeech()
	speech.FragmentDelay = 0
	avatar := provider.NewStubAvatar()
	engine := pipeline.NewEngine(pipeline.Deps{
		Text:    text,
		Speech:  speech,
		Avatar:  avatar,
		Metrics: metrics,
		Logger:  zerolog.Nop(),
	}, pipeline.Config{MinSegmentChars: 3})
	if len(capabilities) == 0 {
		capabilities = []Capability{text, speech, avatar}
	}

	srv := New(cfg, sessions, catalog, engine, metrics, zerolog.Nop(), capabilities...)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		sessions.CloseAll()
		ts.Close()
	})
	return ts, sessions
}

func createSession(t *testing.T, ts *httptest.Server, body string) map[string]any {
	t.Helper()
	res, err := http.Post(ts.URL+"/v1/sessions", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("create session request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	var created map[string]any
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	return created
}

func TestCreateAndCloseSession(t *testing.T) {
	ts, sessions := newTestServer(t)

	created := createSession(t, ts, `{"persona_id":"casual"}`)
	sessionID, _ := created["session_id"].(string)
	if sessionID == "" {
		t.Fatalf("missing session_id in create response: %+v", created)
	}
	if created["persona_name"] != "Casual" || created["state"] != "idle" {
		t.Fatalf("create response = %+v", created)
	}
	if sessions.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", sessions.ActiveCount())
	}

	closeRes, err := http.Post(ts.URL+"/v1/sessions/"+sessionID+"/close", "application/json", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("close session request error = %v", err)
	}
	defer closeRes.Body.Close()
	if closeRes.StatusCode != http.StatusOK {
		t.Fatalf("close status = %d, want %d", closeRes.StatusCode, http.StatusOK)
	}

	again, err := http.Post(ts.URL+"/v1/sessions/"+sessionID+"/close", "application/json", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("second close request error = %v", err)
	}
	defer again.Body.Close()
	if again.StatusCode != http.StatusNotFound {
		t.Fatalf("second close status = %d, want %d", again.StatusCode, http.StatusNotFound)
	}
}

func TestCreateSessionOverridesAndFallback(t *testing.T) {
	ts, sessions := newTestServer(t)

	created := createSession(t, ts, `{"persona_id":"nobody","emotion":{"label":"sad","intensity":0.9}}`)
	if created["persona_id"] != control.DefaultPersonaID {
		t.Fatalf("persona_id = %v, want default fallback", created["persona_id"])
	}
	sess, err := sessions.Get(created["session_id"].(string))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got := sess.PersonaDefaults().Emotion.Label; got != control.EmotionSad {
		t.Fatalf("persona emotion = %q, want sad override", got)
	}

	res, err := http.Post(ts.URL+"/v1/sessions", "application/json", strings.NewReader(`{"emotion":{"intensity":7}}`))
	if err != nil {
		t.Fatalf("create request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("invalid override status = %d, want %d", res.StatusCode, http.StatusUnprocessableEntity)
	}
}

func TestSessionStreamRunsTurn(t *testing.T) {
	ts, _ := newTestServer(t)
	sessionID := createSession(t, ts, `{}`)["session_id"].(string)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/sessions/" + sessionID + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"type": "user_text", "text": "hi"}); err != nil {
		t.Fatalf("write error = %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var text strings.Builder
	seen := map[protocol.MessageType]int{}
	for {
		var env struct {
			Type        protocol.MessageType `json:"type"`
			Token       string               `json:"token"`
			DurationMs  float64              `json:"duration_ms"`
			ContentType string               `json:"content_type"`
		}
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("read error = %v (seen %v)", err, seen)
		}
		seen[env.Type]++
		switch env.Type {
		case protocol.TypeTextDelta:
			text.WriteString(env.Token)
		case protocol.TypeAudioChunk:
			if env.DurationMs <= 0 {
				t.Fatalf("audio chunk duration = %v, want > 0", env.DurationMs)
			}
		case protocol.TypeVideoFrame:
			if env.ContentType != "raw" {
				t.Fatalf("content_type = %q, want raw", env.ContentType)
			}
		case protocol.TypeError:
			t.Fatalf("unexpected error event")
		}
		if env.Type == protocol.TypeTurnComplete {
			break
		}
	}
	if text.String() != "Hello there. Bye now." {
		t.Fatalf("text = %q", text.String())
	}
	if seen[protocol.TypeAudioChunk] == 0 || seen[protocol.TypeVideoFrame] == 0 {
		t.Fatalf("seen = %v, want audio and video", seen)
	}
}

func TestSessionStreamUnknownSession(t *testing.T) {
	ts, _ := newTestServer(t)
	res, err := http.Get(ts.URL + "/v1/sessions/missing/stream")
	if err != nil {
		t.Fatalf("GET stream error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

type unhealthy struct{}

func (unhealthy) Health(context.Context) provider.HealthStatus {
	return provider.HealthStatus{Name: "down", Healthy: false, Detail: "connection refused"}
}

func (unhealthy) Capabilities() provider.Capabilities {
	return provider.Capabilities{Name: "down", Kind: provider.KindSpeech}
}

func TestHealthAndModels(t *testing.T) {
	ts, _ := newTestServer(t)

	res, err := http.Get(ts.URL + "/v1/health")
	if err != nil {
		t.Fatalf("GET /v1/health error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var health healthResponse
	if err := json.NewDecoder(res.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "ok" || len(health.Providers) != 3 {
		t.Fatalf("health = %+v", health)
	}

	models, err := http.Get(ts.URL + "/v1/models")
	if err != nil {
		t.Fatalf("GET /v1/models error = %v", err)
	}
	defer models.Body.Close()
	var payload struct {
		Models []provider.Capabilities `json:"models"`
	}
	if err := json.NewDecoder(models.Body).Decode(&payload); err != nil {
		t.Fatalf("decode models: %v", err)
	}
	kinds := map[string]bool{}
	for _, m := range payload.Models {
		kinds[m.Kind] = true
	}
	if !kinds[provider.KindText] || !kinds[provider.KindSpeech] || !kinds[provider.KindAvatar] {
		t.Fatalf("models = %+v", payload.Models)
	}
}

func TestHealthDegraded(t *testing.T) {
	ts, _ := newTestServer(t, provider.NewMockText(), unhealthy{})
	res, err := http.Get(ts.URL + "/v1/health")
	if err != nil {
		t.Fatalf("GET /v1/health error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusServiceUnavailable)
	}
}

func TestPerfLatency(t *testing.T) {
	ts, _ := newTestServer(t)
	res, err := http.Get(ts.URL + "/v1/perf/latency")
	if err != nil {
		t.Fatalf("GET /v1/perf/latency error = %v", err)
	}
	defer res.Body.Close()
	var snap observability.LatencySnapshot
	if err := json.NewDecoder(res.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.WindowSize != 256 {
		t.Fatalf("WindowSize = %d, want 256", snap.WindowSize)
	}
}

func TestPreviewSpeechReturnsWAV(t *testing.T) {
	ts, _ := newTestServer(t)
	res, err := http.Post(ts.URL+"/v1/speech/preview", "application/json", strings.NewReader(`{"text":"Testing one two.","persona_id":"excited"}`))
	if err != nil {
		t.Fatalf("POST /v1/speech/preview error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if got := res.Header.Get("Content-Type"); got != "audio/wav" {
		t.Fatalf("Content-Type = %q, want audio/wav", got)
	}
	var body bytes.Buffer
	if _, err := body.ReadFrom(res.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !bytes.HasPrefix(body.Bytes(), []byte("RIFF")) || body.Len() <= 44 {
		t.Fatalf("body is not a wav with samples (%d bytes)", body.Len())
	}
	if res.Header.Get("X-Audio-Duration-Ms") == "0.0" {
		t.Fatalf("X-Audio-Duration-Ms = 0")
	}
}

func TestPreviewSpeechRejectsInvalidControl(t *testing.T) {
	ts, _ := newTestServer(t)
	res, err := http.Post(ts.URL+"/v1/speech/preview", "application/json", strings.NewReader(`{"character":{"speech_rate":9}}`))
	if err != nil {
		t.Fatalf("POST /v1/speech/preview error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnprocessableEntity)
	}
}

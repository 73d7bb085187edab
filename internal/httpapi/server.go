package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/tth/internal/config"
	"github.com/ent0n29/tth/internal/control"
	"github.com/ent0n29/tth/internal/observability"
	"github.com/ent0n29/tth/internal/protocol"
	"github.com/ent0n29/tth/internal/provider"
	"github.com/ent0n29/tth/internal/session"
)

// Runner serves one websocket connection for a session.
type Runner interface {
	RunConnection(ctx context.Context, s *session.Session, inbound <-chan []byte, outbound chan<- protocol.OutputEvent) error
}

// Capability is what the health and models endpoints need from a provider.
type Capability interface {
	Health(ctx context.Context) provider.HealthStatus
	Capabilities() provider.Capabilities
}

type Server struct {
	cfg          config.Config
	sessions     *session.Manager
	catalog      *control.Catalog
	runner       Runner
	capabilities []Capability
	metrics      *observability.Metrics
	logger       zerolog.Logger
	upgrader     websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, catalog *control.Catalog, runner Runner, metrics *observability.Metrics, logger zerolog.Logger, capabilities ...Capability) *Server {
	if catalog == nil {
		catalog = control.NewCatalog()
	}
	return &Server{
		cfg:          cfg,
		sessions:     sessions,
		catalog:      catalog,
		runner:       runner,
		capabilities: capabilities,
		metrics:      metrics,
		logger:       logger.With().Str("component", "httpapi").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 64 << 10,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleLiveness)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/models", s.handleModels)
		r.Get("/personas", s.handlePersonas)
		r.Post("/speech/preview", s.handlePreviewSpeech)
		r.Get("/perf/latency", s.handlePerfLatency)
		r.Post("/perf/latency/reset", s.handlePerfLatencyReset)

		r.Post("/sessions", s.handleCreateSession)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Post("/sessions/{id}/close", s.handleCloseSession)
		r.Get("/sessions/{id}/stream", s.handleSessionStream)
	})
	return r
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.PersonaID) == "" {
		req.PersonaID = control.DefaultPersonaID
	}

	sess, err := s.sessions.Create(req.PersonaID, req.Overrides())
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, "invalid_control", err.Error())
		return
	}
	s.observeSessions("created")
	s.logger.Info().
		Str("session_id", sess.ID).
		Str("persona_id", sess.Persona.ID).
		Bool("persona_known", s.catalog.Has(req.PersonaID)).
		Msg("session created")

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		Info:            sess.Info(),
		InactivityTTLMS: s.sessions.InactivityTimeout().Milliseconds(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess.Info())
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	info, err := s.sessions.Close(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.observeSessions("closed")
	s.logger.Info().Str("session_id", id).Int("turns", info.TurnCount).Msg("session closed")
	respondJSON(w, http.StatusOK, info)
}

func (s *Server) handleSessionStream(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "turn engine not configured")
		return
	}
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	log := s.logger.With().Str("session_id", sess.ID).Logger()
	s.sessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan []byte, 64)
	outbound := make(chan protocol.OutputEvent, 256)
	runDone := make(chan struct{})

	// The runner is the only sender on outbound once it returns, since it awaits
	// the active turn first. Closing outbound lets the writer drain and then
	// close the conn, which unblocks the reader.
	go func() {
		defer close(runDone)
		defer close(outbound)
		if err := s.runner.RunConnection(ctx, sess, inbound, outbound); err != nil {
			log.Warn().Err(err).Msg("connection ended with error")
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer conn.Close()
		failed := false
		for msg := range outbound {
			if failed {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				s.sessionEvent("ws_write_error")
				log.Debug().Err(err).Msg("websocket write failed")
				failed = true
				cancel()
			}
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- data:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	s.sessionEvent("ws_disconnected")
}

func (s *Server) observeSessions(event string) {
	if s.metrics == nil {
		return
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues(event).Inc()
}

func (s *Server) sessionEvent(event string) {
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues(event).Inc()
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

package httpapi

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/tth/internal/provider"
)

const healthCheckTimeout = 3 * time.Second

type healthResponse struct {
	Status    string                  `json:"status"`
	Providers []provider.HealthStatus `json:"providers"`
	Sessions  int                     `json:"active_sessions"`
}

// handleHealth checks every capability concurrently. Any unhealthy provider
// degrades the service.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	results := make([]provider.HealthStatus, len(s.capabilities))
	var g errgroup.Group
	for i, c := range s.capabilities {
		g.Go(func() error {
			results[i] = c.Health(ctx)
			return nil
		})
	}
	_ = g.Wait()

	resp := healthResponse{Status: "ok", Providers: results, Sessions: s.sessions.ActiveCount()}
	status := http.StatusOK
	for _, h := range results {
		if !h.Healthy {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	respondJSON(w, status, resp)
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	out := make([]provider.Capabilities, 0, len(s.capabilities))
	for _, c := range s.capabilities {
		out = append(out, c.Capabilities())
	}
	respondJSON(w, http.StatusOK, map[string]any{"models": out})
}

func (s *Server) handlePersonas(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"personas": s.catalog.List()})
}

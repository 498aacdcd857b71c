// Package httpapi exposes the bot's operational HTTP surface: health,
// readiness, metrics and a debug view of per-channel history.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/kadenbot/internal/history"
	"github.com/ent0n29/kadenbot/internal/observability"
	"github.com/ent0n29/kadenbot/internal/platform"
)

// GatewayStatusFunc reports the live gateway connection snapshot.
type GatewayStatusFunc func() platform.GatewayStatus

type Server struct {
	store         *history.Store
	gatewayStatus GatewayStatusFunc
}

func New(store *history.Store, gatewayStatus GatewayStatusFunc) *Server {
	return &Server{
		store:         store,
		gatewayStatus: gatewayStatus,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/status", s.handleStatus)
	r.Get("/v1/channels/{channelID}/history", s.handleChannelHistory)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	status := s.gatewayStatus()
	if !status.Connected {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "waiting_for_gateway",
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"gateway":  s.gatewayStatus(),
		"channels": s.store.ChannelCount(),
	})
}

type channelHistoryResponse struct {
	ChannelID string         `json:"channel_id"`
	MaxTurns  int            `json:"max_turns"`
	Turns     []history.Turn `json:"turns"`
}

func (s *Server) handleChannelHistory(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	if channelID == "" {
		respondError(w, http.StatusBadRequest, "channel ID is required")
		return
	}
	turns := s.store.Get(channelID)
	if turns == nil {
		turns = []history.Turn{}
	}
	respondJSON(w, http.StatusOK, channelHistoryResponse{
		ChannelID: channelID,
		MaxTurns:  s.store.MaxTurns(),
		Turns:     turns,
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}

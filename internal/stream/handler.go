package stream

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Handler exposes the session manager over HTTP.
type Handler struct {
	mgr *Manager
	log *slog.Logger
}

// NewHandler returns a Handler for mgr.
func NewHandler(mgr *Manager, log *slog.Logger) *Handler {
	return &Handler{mgr: mgr, log: log}
}

// Routes mounts the session endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/start", h.Start)
	r.Post("/stop", h.Stop)
	r.Get("/status/{channelId}", h.Status)
	r.Get("/sessions", h.Sessions)
}

// request is the body of /start and /stop.
type request struct {
	ChannelID string `json:"channelId"`
	URL       string `json:"url"`
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (request, bool) {
	var req request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		h.log.Debug("invalid stream request body", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return req, false
	}
	if req.ChannelID == "" && req.URL == "" {
		writeError(w, http.StatusBadRequest, "channelId or url is required")
		return req, false
	}
	return req, true
}

// Start handles POST /api/stream/start.
// Body: { "channelId": "showtv" } or { "url": "http://host/movie.mp4" }.
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	res, err := h.mgr.Start(req.ChannelID, req.URL)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, ErrSourceNotFound):
		writeError(w, http.StatusNotFound, "Channel not found")
	case errors.Is(err, ErrUpstreamStart):
		h.log.Error("start stream failed",
			slog.String("channel_id", req.ChannelID),
			slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "Failed to start stream")
	case errors.Is(err, ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "Server is shutting down")
	default:
		h.log.Error("start stream failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Failed to start stream")
	}
}

// Stop handles POST /api/stream/stop. Stopping an unknown session succeeds.
func (h *Handler) Stop(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.mgr.Stop(req.ChannelID, req.URL))
}

// Status handles GET /api/stream/status/{channelId}. The path value is the
// session key, so on-demand sessions are queried with the key from start.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.mgr.Status(chi.URLParam(r, "channelId")))
}

// Sessions handles GET /api/stream/sessions.
func (h *Handler) Sessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.mgr.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(sessions),
		"sessions": sessions,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

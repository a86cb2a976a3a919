package catalog

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Handler exposes the catalog over HTTP. Source URLs are never returned;
// clients start playback by channel id.
type Handler struct {
	cat *Catalog
}

// NewHandler returns a Handler serving cat.
func NewHandler(cat *Catalog) *Handler {
	return &Handler{cat: cat}
}

// Routes mounts GET / and GET /{id}.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
}

// List handles GET /api/channels.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cat.List())
}

// Get handles GET /api/channels/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	ch, ok := h.cat.Lookup(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Channel not found"})
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

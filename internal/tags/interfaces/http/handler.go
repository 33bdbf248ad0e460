package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"scada-core/internal/cache"
	tagapp "scada-core/internal/tags/application"
)

// Handler exposes tag values and resolved rule dependencies.
type Handler struct {
	service  *tagapp.TagService
	resolver *tagapp.DependencyResolver
}

// NewHandler constructs a handler.
func NewHandler(service *tagapp.TagService, resolver *tagapp.DependencyResolver) (*Handler, error) {
	if service == nil || resolver == nil {
		return nil, errors.New("tags handler: nil dependency")
	}
	return &Handler{service: service, resolver: resolver}, nil
}

// Routes mounts the tag endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/rules/{id}", h.handleRule)
	r.Get("/{id}", h.handleTag)
}

func (h *Handler) handleTag(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	tag, err := h.service.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tag)
}

// handleRule resolves the rule first so the process and equipment sets are
// current.
func (h *Handler) handleRule(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	rule, err := h.resolver.Resolve(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, cache.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, cache.ErrResolutionFailure):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

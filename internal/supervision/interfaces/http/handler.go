package http

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"scada-core/internal/cache"
	supapp "scada-core/internal/supervision/application"
	supervision "scada-core/internal/supervision/domain"
)

// RefreshFunc pulls the current values of all tags of a process and
// returns how many were applied.
type RefreshFunc func(ctx context.Context, processName string) (int, error)

// Handler exposes supervision status.
type Handler struct {
	sm      *supapp.StateMachine
	refresh RefreshFunc
}

// HandlerOption customizes the handler.
type HandlerOption func(*Handler)

// WithValueRefresh enables POST /{id}/refresh-values.
func WithValueRefresh(fn RefreshFunc) HandlerOption {
	return func(h *Handler) {
		h.refresh = fn
	}
}

// NewHandler constructs a handler.
func NewHandler(sm *supapp.StateMachine, opts ...HandlerOption) (*Handler, error) {
	if sm == nil {
		return nil, errors.New("supervision handler: nil state machine")
	}
	h := &Handler{sm: sm}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// Routes mounts the supervision endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.handleList)
	r.Get("/{id}", h.handleGet)
	r.Post("/{id}/refresh", h.handleRefresh)
	if h.refresh != nil {
		r.Post("/{id}/refresh-values", h.handleRefreshValues)
	}
}

// statusView omits the process PIK.
type statusView struct {
	ID                int64              `json:"id"`
	Kind              supervision.Kind   `json:"kind"`
	Name              string             `json:"name"`
	ParentID          int64              `json:"parent_id,omitempty"`
	Status            supervision.Status `json:"status"`
	StatusTime        string             `json:"status_time"`
	StatusDescription string             `json:"status_description,omitempty"`
	CurrentHost       string             `json:"current_host,omitempty"`
	RequiresReboot    bool               `json:"requires_reboot,omitempty"`
}

func view(s *supervision.Supervised) statusView {
	return statusView{
		ID:                s.ID,
		Kind:              s.Kind,
		Name:              s.Name,
		ParentID:          s.ParentID,
		Status:            s.Status,
		StatusTime:        s.StatusTime.UTC().Format(time.RFC3339Nano),
		StatusDescription: s.StatusDescription,
		CurrentHost:       s.CurrentHost,
		RequiresReboot:    s.RequiresReboot,
	}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	kind := supervision.Kind(r.URL.Query().Get("kind"))
	all := h.sm.List(r.Context())
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	out := make([]statusView, 0, len(all))
	for _, s := range all {
		if kind != "" && s.Kind != kind {
			continue
		}
		out = append(out, view(s))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	entity, err := h.sm.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view(entity))
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := h.sm.RefreshAndNotifyCurrentSupervisionStatus(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleRefreshValues asks a running process to resend all its values.
func (h *Handler) handleRefreshValues(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	entity, err := h.sm.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if entity.Kind != supervision.KindProcess {
		http.Error(w, "not a process", http.StatusBadRequest)
		return
	}
	if !entity.IsRunning() {
		http.Error(w, "process not running", http.StatusConflict)
		return
	}
	applied, err := h.refresh(r.Context(), entity.Name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"applied": applied})
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
	if errors.Is(err, cache.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

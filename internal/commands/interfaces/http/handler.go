package http

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"scada-core/internal/audit"
	"scada-core/internal/auth"
	"scada-core/internal/cache"
	commandsapp "scada-core/internal/commands/application"
	commands "scada-core/internal/commands/domain"
)

// Handler provides command HTTP endpoints.
type Handler struct {
	service     *commandsapp.Service
	auditLogger audit.Logger
}

// NewHandler constructs a handler.
func NewHandler(service *commandsapp.Service, auditLogger audit.Logger) (*Handler, error) {
	if service == nil {
		return nil, errors.New("commands handler: nil service")
	}
	return &Handler{service: service, auditLogger: auditLogger}, nil
}

// Routes mounts the command endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.handlePost)
	r.Get("/", h.handleList)
	r.Get("/{id}", h.handleGet)
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var req commandsapp.IssueRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	req.Actor = auth.SubjectFromContext(r.Context())

	cmd, err := h.service.IssueCommand(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, cache.ErrNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, commandsapp.ErrProcessDown):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
		return
	}
	h.logAudit(r, cmd)

	status := http.StatusOK
	switch cmd.Status {
	case commands.StatusTimeout:
		status = http.StatusGatewayTimeout
	case commands.StatusFailed:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, cmd)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var tagID int64
	if value := query.Get("control_tag_id"); value != "" {
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			http.Error(w, "control_tag_id must be an integer", http.StatusBadRequest)
			return
		}
		tagID = parsed
	}
	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	if value := query.Get("from"); value != "" {
		parsed, err := time.Parse(time.RFC3339, value)
		if err != nil {
			http.Error(w, "from must be RFC3339", http.StatusBadRequest)
			return
		}
		from = parsed
	}
	if value := query.Get("to"); value != "" {
		parsed, err := time.Parse(time.RFC3339, value)
		if err != nil {
			http.Error(w, "to must be RFC3339", http.StatusBadRequest)
			return
		}
		to = parsed
	}

	list, err := h.service.ListCommands(r.Context(), tagID, from, to)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if list == nil {
		list = []commands.Command{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	cmd, err := h.service.GetCommand(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (h *Handler) logAudit(r *http.Request, cmd *commands.Command) {
	if h.auditLogger == nil {
		return
	}
	meta, _ := json.Marshal(map[string]any{
		"control_tag_id": cmd.ControlTagID,
		"value":          cmd.Value,
		"status":         cmd.Status,
	})
	_ = h.auditLogger.Log(r.Context(), audit.Entry{
		Actor:        auth.SubjectFromContext(r.Context()),
		Role:         string(auth.RoleFromContext(r.Context())),
		Action:       "command.issue",
		ResourceType: "command",
		ResourceID:   cmd.CommandID,
		Metadata:     meta,
		IP:           audit.ClientIP(r),
		UserAgent:    r.UserAgent(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

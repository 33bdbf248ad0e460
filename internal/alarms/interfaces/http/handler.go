package http

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	alarmapp "scada-core/internal/alarms/application"
	alarms "scada-core/internal/alarms/domain"
	"scada-core/internal/audit"
	"scada-core/internal/auth"
	"scada-core/internal/cache"
)

// Handler provides alarm HTTP endpoints.
type Handler struct {
	service     *alarmapp.Service
	settings    *alarmapp.OscillationSettings
	auditLogger audit.Logger
}

// NewHandler constructs a handler.
func NewHandler(service *alarmapp.Service, settings *alarmapp.OscillationSettings, auditLogger audit.Logger) (*Handler, error) {
	if service == nil {
		return nil, errors.New("alarms handler: nil service")
	}
	if settings == nil {
		return nil, errors.New("alarms handler: nil oscillation settings")
	}
	return &Handler{service: service, settings: settings, auditLogger: auditLogger}, nil
}

// Routes mounts the alarm endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.handleList)
	r.Get("/oscillation", h.handleGetOscillation)
	r.Put("/oscillation", h.handlePutOscillation)
	r.Get("/{id}", h.handleGet)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	var filter *bool
	if value := r.URL.Query().Get("oscillating"); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			http.Error(w, "oscillating must be a boolean", http.StatusBadRequest)
			return
		}
		filter = &parsed
	}
	var active *bool
	if value := r.URL.Query().Get("active"); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			http.Error(w, "active must be a boolean", http.StatusBadRequest)
			return
		}
		active = &parsed
	}

	alarmCache := h.service.Cache()
	ids := alarmCache.GetKeys()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	list := make([]*alarms.Alarm, 0, len(ids))
	for _, id := range ids {
		alarm, err := alarmCache.Get(r.Context(), id)
		if err != nil {
			// removed between GetKeys and Get
			continue
		}
		if filter != nil && alarm.Oscillating != *filter {
			continue
		}
		if active != nil && alarm.Active != *active {
			continue
		}
		list = append(list, alarm)
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid alarm id", http.StatusBadRequest)
		return
	}
	alarm, err := h.service.Cache().Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			http.Error(w, "alarm not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, alarm)
}

type oscillationBody struct {
	Numbers   int    `json:"numbers"`
	TimeRange string `json:"time_range"`
	QuietTime string `json:"quiet_time"`
	Enabled   bool   `json:"enabled"`
}

func toBody(p alarms.OscillationParams) oscillationBody {
	return oscillationBody{
		Numbers:   p.Numbers,
		TimeRange: p.TimeRange.String(),
		QuietTime: p.QuietTime.String(),
		Enabled:   p.Enabled(),
	}
}

func (h *Handler) handleGetOscillation(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, toBody(h.settings.Load()))
}

func (h *Handler) handlePutOscillation(w http.ResponseWriter, r *http.Request) {
	var body oscillationBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	params, err := parseOscillation(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	previous := h.settings.Load()
	h.settings.Store(params)

	if h.auditLogger != nil {
		meta, _ := json.Marshal(map[string]any{"previous": toBody(previous), "current": toBody(params)})
		_ = h.auditLogger.Log(r.Context(), audit.Entry{
			Actor:        auth.SubjectFromContext(r.Context()),
			Role:         string(auth.RoleFromContext(r.Context())),
			Action:       "alarm.oscillation.update",
			ResourceType: "oscillation_settings",
			Metadata:     meta,
			IP:           audit.ClientIP(r),
			UserAgent:    r.UserAgent(),
		})
	}
	writeJSON(w, http.StatusOK, toBody(params))
}

func parseOscillation(body oscillationBody) (alarms.OscillationParams, error) {
	if body.Numbers < 0 {
		return alarms.OscillationParams{}, errors.New("numbers must not be negative")
	}
	p := alarms.OscillationParams{Numbers: body.Numbers}
	var err error
	if body.TimeRange != "" {
		if p.TimeRange, err = time.ParseDuration(body.TimeRange); err != nil || p.TimeRange < 0 {
			return alarms.OscillationParams{}, errors.New("time_range must be a non-negative duration")
		}
	}
	if body.QuietTime != "" {
		if p.QuietTime, err = time.ParseDuration(body.QuietTime); err != nil || p.QuietTime < 0 {
			return alarms.OscillationParams{}, errors.New("quiet_time must be a non-negative duration")
		}
	}
	return p, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

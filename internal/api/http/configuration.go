package apihttp

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/goccy/go-json"

	"scada-core/internal/audit"
	"scada-core/internal/auth"
	"scada-core/internal/configuration"
)

const maxConfigurationBody = 4 << 20

// ConfigurationHandler applies YAML configuration documents.
type ConfigurationHandler struct {
	applier     *configuration.Applier
	auditLogger audit.Logger
}

// NewConfigurationHandler constructs a handler.
func NewConfigurationHandler(applier *configuration.Applier, auditLogger audit.Logger) (*ConfigurationHandler, error) {
	if applier == nil {
		return nil, errors.New("configuration handler: nil applier")
	}
	return &ConfigurationHandler{applier: applier, auditLogger: auditLogger}, nil
}

// ServeHTTP handles POST /api/v1/configuration. A rolled back document
// answers 422 with the element report.
func (h *ConfigurationHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxConfigurationBody+1))
	if err != nil {
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	if len(body) > maxConfigurationBody {
		http.Error(w, "configuration document too large", http.StatusRequestEntityTooLarge)
		return
	}

	doc, err := configuration.Decode(bytes.NewReader(body))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	report, applyErr := h.applier.Apply(r.Context(), doc)
	if report == nil {
		http.Error(w, applyErr.Error(), http.StatusBadRequest)
		return
	}
	h.logAudit(r, body, report)

	status := http.StatusOK
	if applyErr != nil {
		status = http.StatusUnprocessableEntity
		if len(report.Elements) == 0 {
			status = http.StatusBadRequest
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(report)
}

func (h *ConfigurationHandler) logAudit(r *http.Request, body []byte, report *configuration.Report) {
	if h.auditLogger == nil {
		return
	}
	meta, _ := json.Marshal(map[string]any{
		"name":     report.Name,
		"elements": len(report.Elements),
		"success":  report.Success,
	})
	_ = h.auditLogger.Log(r.Context(), audit.Entry{
		Actor:         auth.SubjectFromContext(r.Context()),
		Role:          string(auth.RoleFromContext(r.Context())),
		Action:        "configuration.apply",
		ResourceType:  "configuration",
		ResourceID:    report.ID,
		Metadata:      meta,
		PayloadDigest: audit.DigestJSON(body),
		IP:            audit.ClientIP(r),
		UserAgent:     r.UserAgent(),
	})
}

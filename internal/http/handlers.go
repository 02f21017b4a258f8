package http

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dropDatabas3/trustroll/internal/admin"
	"github.com/dropDatabas3/trustroll/internal/drift"
	"github.com/dropDatabas3/trustroll/internal/flags"
	"github.com/dropDatabas3/trustroll/internal/keys"
	"github.com/dropDatabas3/trustroll/internal/kv"
	"github.com/dropDatabas3/trustroll/internal/observability/logger"
	"github.com/dropDatabas3/trustroll/internal/publish"
)

const (
	defaultAlertLimit = 100
	maxAlertLimit     = 1000
)

// Handlers agrupa los endpoints públicos, operativos y de admin.
type Handlers struct {
	Registry  *keys.Registry
	Scheduler *keys.Scheduler
	Publisher *publish.Publisher
	Evaluator *flags.Evaluator
	Alerts    *drift.Buffer
	Monitor   *drift.Monitor // opcional
	Admin     *admin.Service
	Store     kv.Store
}

// GET /.well-known/trust-keys
func (h *Handlers) trustKeys(w http.ResponseWriter, r *http.Request) {
	doc := h.Registry.Snapshot().Discovery()
	if len(doc.Keys) == 0 {
		WriteAppError(w, keys.ErrNoActiveKey)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=60")
	WriteJSON(w, http.StatusOK, doc)
}

// GET /v1/config
func (h *Handlers) config(w http.ResponseWriter, r *http.Request) {
	p, err := h.Publisher.Payload(r.Context())
	if err != nil {
		logger.From(r.Context()).Error("config payload unavailable", logger.Err(err))
		WriteAppError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	WriteJSON(w, http.StatusOK, p)
}

type evaluateIn struct {
	Features []string `json:"features,omitempty"`
}

type evaluateOut struct {
	Version   string                  `json:"version"`
	Decisions map[string]bool         `json:"decisions"`
	Reasons   map[string]flags.Reason `json:"reasons,omitempty"`
}

// POST /v1/flags/evaluate
//
// Body opcional {"features":[...]}; sin body evalúa todas las flags.
// ?explain=true agrega la razón de cada decisión.
func (h *Handlers) evaluate(w http.ResponseWriter, r *http.Request) {
	var in evaluateIn
	if r.ContentLength != 0 && r.Body != nil && r.Body != http.NoBody {
		if !ReadJSON(w, r, &in) {
			return
		}
	}
	doc, version, err := h.Publisher.Document()
	if err != nil {
		WriteAppError(w, err)
		return
	}
	id := identityFromRequest(r)

	var decisions map[string]flags.Decision
	if len(in.Features) == 0 {
		decisions = h.Evaluator.EvaluateAll(r.Context(), &doc, id)
	} else {
		decisions = make(map[string]flags.Decision, len(in.Features))
		for _, f := range in.Features {
			decisions[f] = h.Evaluator.Evaluate(r.Context(), &doc, f, id)
		}
	}

	out := evaluateOut{Version: version, Decisions: make(map[string]bool, len(decisions))}
	explain, _ := strconv.ParseBool(r.URL.Query().Get("explain"))
	if explain {
		out.Reasons = make(map[string]flags.Reason, len(decisions))
	}
	for f, d := range decisions {
		out.Decisions[f] = d.Enabled
		if explain {
			out.Reasons[f] = d.Reason
		}
	}
	WriteJSON(w, http.StatusOK, out)
}

// GET /v1/ops/rotation-schedule
func (h *Handlers) rotationSchedule(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.Scheduler.Schedule())
}

type alertsOut struct {
	Alerts []drift.Alert `json:"alerts"`
	Total  uint64        `json:"total"`
	Report *drift.Report `json:"report,omitempty"`
}

// GET /v1/ops/drift-alerts?limit=N
func (h *Handlers) driftAlerts(w http.ResponseWriter, r *http.Request) {
	limit := defaultAlertLimit
	if s := strings.TrimSpace(r.URL.Query().Get("limit")); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			WriteError(w, http.StatusBadRequest, "invalid_limit", "limit debe ser un entero positivo", 1103)
			return
		}
		limit = min(n, maxAlertLimit)
	}
	out := alertsOut{Alerts: h.Alerts.Recent(limit), Total: h.Alerts.Total()}
	if h.Monitor != nil {
		rep := h.Monitor.LastReport()
		out.Report = &rep
	}
	WriteJSON(w, http.StatusOK, out)
}

// GET /healthz
func (h *Handlers) healthz(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz: store accesible y primaria presente.
func (h *Handlers) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	checks := map[string]string{"store": "ok", "keys": "ok"}
	ready := true
	if err := h.Store.Ping(ctx); err != nil {
		checks["store"] = err.Error()
		ready = false
	}
	if h.Registry.Primary() == nil {
		checks["keys"] = keys.ErrNoActiveKey.Error()
		ready = false
	}
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	WriteJSON(w, status, map[string]any{"ready": ready, "checks": checks})
}

// ─────────────── Admin ───────────────

// POST /v1/admin/keys/rotate
func (h *Handlers) adminRotate(w http.ResponseWriter, r *http.Request) {
	res, err := h.Admin.RotateKeys(r.Context(), actorFrom(r.Context()))
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

// POST /v1/admin/keys/promote
func (h *Handlers) adminPromote(w http.ResponseWriter, r *http.Request) {
	promoted, err := h.Admin.PromoteKey(r.Context(), actorFrom(r.Context()))
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"promoted":   promoted,
		"primaryKid": h.Scheduler.Schedule().PrimaryKID,
	})
}

type killSwitchIn struct {
	Active *bool `json:"active"`
}

// PUT /v1/admin/kill-switch
func (h *Handlers) adminKillSwitch(w http.ResponseWriter, r *http.Request) {
	var in killSwitchIn
	if !ReadJSON(w, r, &in) {
		return
	}
	if in.Active == nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "active es requerido", 1104)
		return
	}
	v, err := h.Admin.SetKillSwitch(r.Context(), actorFrom(r.Context()), *in.Active)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"version": v, "killSwitch": *in.Active})
}

type overridesIn struct {
	IDs []string `json:"ids"`
}

// PUT /v1/admin/flags/{feature}/overrides
func (h *Handlers) adminOverrides(w http.ResponseWriter, r *http.Request) {
	feature := chi.URLParam(r, "feature")
	var in overridesIn
	if !ReadJSON(w, r, &in) {
		return
	}
	v, err := h.Admin.SetOverrides(r.Context(), actorFrom(r.Context()), feature, in.IDs)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"version": v, "feature": feature})
}

// PUT /v1/admin/flags/{feature}
func (h *Handlers) adminUpsertFlag(w http.ResponseWriter, r *http.Request) {
	feature := chi.URLParam(r, "feature")
	var rule flags.Rule
	if !ReadJSON(w, r, &rule) {
		return
	}
	v, err := h.Admin.UpsertRule(r.Context(), actorFrom(r.Context()), feature, rule)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"version": v, "feature": feature})
}

// DELETE /v1/admin/flags/{feature}
func (h *Handlers) adminDeleteFlag(w http.ResponseWriter, r *http.Request) {
	feature := chi.URLParam(r, "feature")
	v, err := h.Admin.DeleteRule(r.Context(), actorFrom(r.Context()), feature)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"version": v, "feature": feature})
}

// POST /v1/admin/cohorts/{feature}/rotate-salt
func (h *Handlers) adminRotateSalt(w http.ResponseWriter, r *http.Request) {
	feature := chi.URLParam(r, "feature")
	info, err := h.Admin.RotateSalt(r.Context(), actorFrom(r.Context()), feature)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"feature":   feature,
		"createdAt": info.CreatedAt,
		"pinned":    info.Pinned,
	})
}

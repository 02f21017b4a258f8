// Package flags evalúa feature flags con una política de orden estricto y
// mantiene del lado cliente la última configuración verificada.
package flags

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"golang.org/x/mod/semver"

	"github.com/dropDatabas3/trustroll/internal/metrics"
)

var (
	ErrInvalidRule = errors.New("flags: invalid rule")
	ErrFetch       = errors.New("flags: config fetch failed")
	ErrUnknownFlag = errors.New("flags: unknown flag")
)

// Reason explica una decisión.
type Reason string

const (
	ReasonKillSwitch       Reason = "kill_switch"
	ReasonDisabled         Reason = "disabled"
	ReasonExpired          Reason = "expired"
	ReasonOverride         Reason = "override"
	ReasonGeoDenied        Reason = "geo_denied"
	ReasonGeoNotAllowed    Reason = "geo_not_allowed"
	ReasonDeviceNotAllowed Reason = "device_not_allowed"
	ReasonBelowMinVersion  Reason = "below_min_version"
	ReasonAboveMaxVersion  Reason = "above_max_version"
	ReasonInvalidVersion   Reason = "invalid_app_version"
	ReasonCohortIn         Reason = "cohort_in"
	ReasonCohortOut        Reason = "cohort_out"
	ReasonCohortError      Reason = "cohort_error"
	ReasonEnabled          Reason = "enabled"
	ReasonUnknownFlag      Reason = "unknown_flag"
)

// Decision resultado de evaluar una flag.
type Decision struct {
	Feature string `json:"feature"`
	Enabled bool   `json:"enabled"`
	Reason  Reason `json:"reason"`
}

// CohortChecker es lo que el evaluador necesita del CohortAssigner.
type CohortChecker interface {
	IsInCohort(ctx context.Context, deviceID, feature string, percentage int) (bool, error)
}

// Evaluator es el FlagEvaluator. Sin estado propio; seguro para uso concurrente.
type Evaluator struct {
	cohorts CohortChecker
	now     func() time.Time
}

// NewEvaluator crea un Evaluator. now nil usa time.Now.
func NewEvaluator(cohorts CohortChecker, now func() time.Time) *Evaluator {
	if now == nil {
		now = time.Now
	}
	return &Evaluator{cohorts: cohorts, now: now}
}

// Evaluate decide una feature. Orden: kill switch, enabled=false, vencida,
// override (device o user id), cohort (geo deny, geo allow, device allow,
// versión mínima, versión máxima, porcentaje). Sin cohort la flag está activa.
// Una feature desconocida siempre es false.
func (e *Evaluator) Evaluate(ctx context.Context, doc *Document, feature string, id Identity) Decision {
	d := e.evaluate(ctx, doc, feature, id)
	metrics.FlagEvaluationsTotal.WithLabelValues(string(d.Reason), boolLabel(d.Enabled)).Inc()
	return d
}

func (e *Evaluator) evaluate(ctx context.Context, doc *Document, feature string, id Identity) Decision {
	off := func(r Reason) Decision { return Decision{Feature: feature, Reason: r} }
	on := func(r Reason) Decision { return Decision{Feature: feature, Enabled: true, Reason: r} }

	if doc == nil {
		return off(ReasonUnknownFlag)
	}
	if doc.KillSwitch {
		return off(ReasonKillSwitch)
	}
	rule, ok := doc.Flags[feature]
	if !ok {
		return off(ReasonUnknownFlag)
	}
	if !rule.Enabled {
		return off(ReasonDisabled)
	}
	if rule.ExpiresAt != nil && !e.now().Before(*rule.ExpiresAt) {
		return off(ReasonExpired)
	}
	if isOverridden(rule.OverrideIDs, id) {
		return on(ReasonOverride)
	}

	c := rule.Cohort
	if c == nil {
		return on(ReasonEnabled)
	}
	if id.Geo != "" && containsFold(c.GeoDeny, id.Geo) {
		return off(ReasonGeoDenied)
	}
	if len(c.GeoAllow) > 0 && !containsFold(c.GeoAllow, id.Geo) {
		return off(ReasonGeoNotAllowed)
	}
	if len(c.DeviceAllow) > 0 && !containsFold(c.DeviceAllow, id.DeviceClass) {
		return off(ReasonDeviceNotAllowed)
	}
	if c.MinVersion != "" || c.MaxVersion != "" {
		app := canonicalVersion(id.AppVersion)
		if !semver.IsValid(app) {
			return off(ReasonInvalidVersion)
		}
		if c.MinVersion != "" && semver.Compare(app, canonicalVersion(c.MinVersion)) < 0 {
			return off(ReasonBelowMinVersion)
		}
		if c.MaxVersion != "" && semver.Compare(app, canonicalVersion(c.MaxVersion)) > 0 {
			return off(ReasonAboveMaxVersion)
		}
	}

	if e.cohorts == nil {
		return off(ReasonCohortError)
	}
	in, err := e.cohorts.IsInCohort(ctx, id.DeviceID, feature, c.Percentage)
	if err != nil {
		return off(ReasonCohortError)
	}
	if !in {
		return off(ReasonCohortOut)
	}
	return on(ReasonCohortIn)
}

// EvaluateAll decide todas las features del documento.
func (e *Evaluator) EvaluateAll(ctx context.Context, doc *Document, id Identity) map[string]Decision {
	out := make(map[string]Decision)
	if doc == nil {
		return out
	}
	for name := range doc.Flags {
		out[name] = e.Evaluate(ctx, doc, name, id)
	}
	return out
}

func isOverridden(ids []string, id Identity) bool {
	if len(ids) == 0 {
		return false
	}
	return (id.DeviceID != "" && slices.Contains(ids, id.DeviceID)) ||
		(id.UserID != "" && slices.Contains(ids, id.UserID))
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

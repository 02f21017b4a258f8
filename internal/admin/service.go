// Package admin agrupa las operaciones administrativas del engine. Cada llamada
// queda auditada con el actor que la pidió.
package admin

import (
	"context"
	"time"

	"github.com/dropDatabas3/trustroll/internal/audit"
	"github.com/dropDatabas3/trustroll/internal/cohort"
	"github.com/dropDatabas3/trustroll/internal/flags"
	"github.com/dropDatabas3/trustroll/internal/keys"
	"github.com/dropDatabas3/trustroll/internal/publish"
)

// Service es el punto de entrada de las mutaciones administrativas.
type Service struct {
	sched   *keys.Scheduler
	pub     *publish.Publisher
	cohorts *cohort.Assigner
}

// New crea el servicio.
func New(sched *keys.Scheduler, pub *publish.Publisher, cohorts *cohort.Assigner) *Service {
	return &Service{sched: sched, pub: pub, cohorts: cohorts}
}

// RotateResult resultado de una rotación forzada.
type RotateResult struct {
	KID        string    `json:"kid"`
	Created    bool      `json:"created"`
	ValidUntil time.Time `json:"validUntil"`
}

// RotateKeys pre-publica una secundaria (no-op si ya existe).
func (s *Service) RotateKeys(ctx context.Context, actor string) (RotateResult, error) {
	k, created, err := s.sched.ForceRotate(ctx)
	var res RotateResult
	target := ""
	if k != nil {
		res = RotateResult{KID: k.KID, Created: created, ValidUntil: k.ValidUntil.UTC()}
		target = k.KID
	}
	audit.Log(ctx, "keys.rotate", actor, target, err, map[string]any{"created": created})
	return res, err
}

// PromoteKey promueve la secundaria.
func (s *Service) PromoteKey(ctx context.Context, actor string) (bool, error) {
	promoted, err := s.sched.ForcePromote(ctx)
	target := ""
	if p := s.sched.Schedule(); p.PrimaryKID != "" {
		target = p.PrimaryKID
	}
	audit.Log(ctx, "keys.promote", actor, target, err, map[string]any{"promoted": promoted})
	return promoted, err
}

// SetKillSwitch activa/desactiva el kill switch global.
func (s *Service) SetKillSwitch(ctx context.Context, actor string, active bool) (string, error) {
	v, err := s.pub.SetKillSwitch(ctx, active)
	audit.Log(ctx, "flags.kill_switch", actor, "", err, map[string]any{"active": active, "version": v})
	return v, err
}

// SetOverrides reemplaza los overrides de una feature.
func (s *Service) SetOverrides(ctx context.Context, actor, feature string, ids []string) (string, error) {
	v, err := s.pub.SetOverrides(ctx, feature, ids)
	audit.Log(ctx, "flags.overrides", actor, feature, err, map[string]any{"count": len(ids), "version": v})
	return v, err
}

// UpsertRule crea o reemplaza la regla de una feature.
func (s *Service) UpsertRule(ctx context.Context, actor, feature string, rule flags.Rule) (string, error) {
	v, err := s.pub.UpsertRule(ctx, feature, rule)
	audit.Log(ctx, "flags.upsert", actor, feature, err, map[string]any{"enabled": rule.Enabled, "version": v})
	return v, err
}

// DeleteRule elimina una feature.
func (s *Service) DeleteRule(ctx context.Context, actor, feature string) (string, error) {
	v, err := s.pub.DeleteRule(ctx, feature)
	audit.Log(ctx, "flags.delete", actor, feature, err, map[string]any{"version": v})
	return v, err
}

// RotateSalt rota el salt de cohort de una feature.
func (s *Service) RotateSalt(ctx context.Context, actor, feature string) (cohort.SaltInfo, error) {
	info, err := s.cohorts.RotateSalt(ctx, feature)
	audit.Log(ctx, "cohort.rotate_salt", actor, feature, err, nil)
	return info, err
}

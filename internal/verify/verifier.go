// Package verify implementa el SignatureVerifier: verificación Ed25519 por kid con
// fallback sobre todas las claves confiables, frescura y monotonía de versión.
//
// La verificación no hace I/O: lee un keys.Snapshot inmutable.
package verify

import (
	"crypto/ed25519"
	"fmt"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/dropDatabas3/trustroll/internal/drift"
	"github.com/dropDatabas3/trustroll/internal/envelope"
	"github.com/dropDatabas3/trustroll/internal/keys"
	"github.com/dropDatabas3/trustroll/internal/metrics"
	"github.com/dropDatabas3/trustroll/internal/observability/logger"
)

// DefaultMaxAge ventana de frescura por defecto.
const DefaultMaxAge = 5 * time.Minute

// KeySource provee el snapshot de claves vigente.
type KeySource interface {
	Snapshot() *keys.Snapshot
}

// StaticKeys es un KeySource fijo (p.ej. armado desde el documento de discovery).
type StaticKeys struct{ Snap *keys.Snapshot }

func (s StaticKeys) Snapshot() *keys.Snapshot { return s.Snap }

// Result resultado de Verify. Alert es la alerta final del intento (nil si
// verificó con la primaria).
type Result struct {
	Valid bool
	KID   string    // kid de la clave que verificó
	Role  keys.Role // rol de esa clave
	Alert *drift.Alert
}

// Options configura el Verifier.
type Options struct {
	MaxAge time.Duration // default DefaultMaxAge
	Alerts drift.Sink
	Now    func() time.Time
	Logger *zap.Logger
}

// Verifier es seguro para uso concurrente.
type Verifier struct {
	src  KeySource
	opts Options
	log  *zap.Logger
}

// New crea un Verifier.
func New(src KeySource, opts Options) *Verifier {
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.Alerts == nil {
		opts.Alerts = drift.Nop
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logger.Named("verify")
	}
	return &Verifier{src: src, opts: opts, log: opts.Logger}
}

func verifyWith(k *keys.SigningKey, payload, sig []byte) bool {
	if k == nil || len(k.PublicKey) != ed25519.PublicKeySize {
		return false
	}
	return jwtv5.SigningMethodEdDSA.Verify(string(payload), sig, k.PublicKey) == nil
}

// Verify verifica signature sobre payload.
//
//   - kid primario: verifica sin alertas.
//   - kid secundario: verifica y alerta secondary_key_usage (info).
//   - otro kid: se emite unknown_kid (high) y se prueba cada clave confiable
//     (primaria, secundaria, retiring en gracia). Si alguna verifica se acepta y la
//     alerta final es kid_mismatch (medium); si no, verification_failed (critical).
//     El sink recibe las dos alertas; Result.Alert lleva la final.
//
// Un kid reconocido cuya firma no verifica se rechaza sin fallback.
func (v *Verifier) Verify(payload, signature []byte, kid string) Result {
	now := v.opts.Now()
	snap := v.src.Snapshot()

	if snap != nil && snap.Primary != nil && kid == snap.Primary.KID {
		if verifyWith(snap.Primary, payload, signature) {
			metrics.VerificationsTotal.WithLabelValues("ok", "primary").Inc()
			return Result{Valid: true, KID: kid, Role: keys.RolePrimary}
		}
		return v.reject(now, kid, "primary", "signature does not verify with primary key")
	}

	if snap != nil && snap.Secondary != nil && kid == snap.Secondary.KID {
		if verifyWith(snap.Secondary, payload, signature) {
			metrics.VerificationsTotal.WithLabelValues("ok", "secondary").Inc()
			a := v.alert(drift.AlertSecondaryKeyUsage, drift.SeverityInfo, now, kid,
				"payload signed with secondary key")
			v.opts.Alerts.Emit(*a)
			return Result{Valid: true, KID: kid, Role: keys.RoleSecondary, Alert: a}
		}
		return v.reject(now, kid, "secondary", "signature does not verify with secondary key")
	}

	// kid desconocido: unknown_kid se degrada o escala según el fallback.
	unknown := v.alert(drift.AlertUnknownKID, drift.SeverityHigh, now, kid, "unrecognized kid, trying fallback keys")
	if snap != nil && snap.Primary != nil {
		unknown.ExpectedKID = snap.Primary.KID
	}
	v.opts.Alerts.Emit(*unknown)

	for _, k := range snap.Trusted(now) {
		if verifyWith(k, payload, signature) {
			metrics.VerificationsTotal.WithLabelValues("ok", "fallback").Inc()
			a := v.alert(drift.AlertKIDMismatch, drift.SeverityMedium, now, kid,
				fmt.Sprintf("unknown kid verified by %s key %s", k.Role, k.KID))
			if snap.Primary != nil {
				a.ExpectedKID = snap.Primary.KID
			}
			v.log.Warn("kid mismatch accepted via fallback", logger.KID(kid), logger.ExpectedKID(a.ExpectedKID), logger.Role(string(k.Role)))
			v.opts.Alerts.Emit(*a)
			return Result{Valid: true, KID: k.KID, Role: k.Role, Alert: a}
		}
	}
	return v.reject(now, kid, "fallback", "unknown kid and no trusted key verifies")
}

func (v *Verifier) reject(now time.Time, kid, path, msg string) Result {
	metrics.VerificationsTotal.WithLabelValues("fail", path).Inc()
	a := v.alert(drift.AlertVerificationFailed, drift.SeverityCritical, now, kid, msg)
	if snap := v.src.Snapshot(); snap != nil && snap.Primary != nil {
		a.ExpectedKID = snap.Primary.KID
	}
	v.log.Error("signature verification failed", logger.KID(kid), logger.String("path", path))
	v.opts.Alerts.Emit(*a)
	return Result{Valid: false, KID: kid, Alert: a}
}

func (v *Verifier) alert(t drift.AlertType, sev drift.Severity, now time.Time, kid, msg string) *drift.Alert {
	a := drift.NewAlert(t, sev, msg)
	a.KID = kid
	a.Timestamp = now.UTC()
	return &a
}

// VerifyFreshness rechaza issuedAt en el futuro o más viejo que maxAge
// (maxAge <= 0 usa el default del Verifier).
func (v *Verifier) VerifyFreshness(issuedAt time.Time, maxAge time.Duration) error {
	if maxAge <= 0 {
		maxAge = v.opts.MaxAge
	}
	return checkFreshness(v.opts.Now(), issuedAt, maxAge)
}

func checkFreshness(now, issuedAt time.Time, maxAge time.Duration) error {
	if issuedAt.After(now) {
		return fmt.Errorf("%w: issued %s ahead", ErrFuturePayload, issuedAt.Sub(now))
	}
	if age := now.Sub(issuedAt); age > maxAge {
		return fmt.Errorf("%w: age %s > %s", ErrStalePayload, age, maxAge)
	}
	return nil
}

// VerifyVersionMonotonicity ver función homónima del paquete.
func (v *Verifier) VerifyVersionMonotonicity(next, current string) error {
	return VerifyVersionMonotonicity(next, current)
}

// VerifyPayload corre la verificación completa de un ConfigPayload: firma,
// frescura y versión contra currentVersion (vacío = sin versión previa).
func (v *Verifier) VerifyPayload(p envelope.ConfigPayload, currentVersion string) (Result, error) {
	msg, err := p.SigningInput()
	if err != nil {
		return Result{KID: p.KID}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	sig, err := p.SignatureBytes()
	if err != nil {
		return Result{KID: p.KID}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	res := v.Verify(msg, sig, p.KID)
	if !res.Valid {
		snap := v.src.Snapshot()
		if len(snap.Trusted(v.opts.Now())) == 0 {
			return res, ErrUnknownKey
		}
		return res, ErrInvalidSignature
	}

	now := v.opts.Now()
	if err := checkFreshness(now, p.IssuedTime(), v.opts.MaxAge); err != nil {
		a := drift.NewAlert(drift.AlertFreshnessFailed, drift.SeverityMedium, err.Error())
		a.KID, a.Timestamp = p.KID, now.UTC()
		v.opts.Alerts.Emit(a)
		v.log.Warn("payload freshness check failed", logger.KID(p.KID), logger.Err(err))
		return res, err
	}

	if err := VerifyVersionMonotonicity(p.Version, currentVersion); err != nil {
		a := drift.NewAlert(drift.AlertVersionRegression, drift.SeverityMedium, err.Error())
		a.KID, a.Timestamp = p.KID, now.UTC()
		v.opts.Alerts.Emit(a)
		v.log.Warn("payload version rejected", logger.Version(p.Version), logger.String("current_version", currentVersion), logger.Err(err))
		return res, err
	}
	return res, nil
}

// Package drift agrega las anomalías de verificación (kid desconocido, uso de la
// clave secundaria, firmas inválidas, fallas de rotación) en un ring buffer acotado
// y, desde un monitor independiente, en alertas operativas por tasa.
//
// Las alertas son efímeras: no se persisten.
package drift

import (
	"time"

	"github.com/google/uuid"

	"github.com/dropDatabas3/trustroll/internal/metrics"
)

// Severity de una alerta, de menor a mayor.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank permite comparar severidades.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// AlertType clasifica la anomalía.
type AlertType string

const (
	// El cliente firmó/verificó con la secundaria: debería refrescar hacia la primaria.
	AlertSecondaryKeyUsage AlertType = "secondary_key_usage"
	// El kid no corresponde a ninguna clave reconocida.
	AlertUnknownKID AlertType = "unknown_kid"
	// kid desconocido pero la firma verificó con otra clave confiable (skew / propagación).
	AlertKIDMismatch AlertType = "kid_mismatch"
	// Ninguna clave confiable verificó la firma.
	AlertVerificationFailed AlertType = "verification_failed"
	AlertFreshnessFailed    AlertType = "freshness_failed"
	AlertVersionRegression  AlertType = "version_regression"
	// Rotación o promoción abandonada tras agotar reintentos.
	AlertRotationFailed AlertType = "rotation_failed"
	// Alerta agregada del Monitor (umbral superado en la ventana).
	AlertDriftRate AlertType = "drift_rate"
)

// Alert es una señal operativa.
type Alert struct {
	ID          string    `json:"id"`
	Type        AlertType `json:"type"`
	KID         string    `json:"kid,omitempty"`
	ExpectedKID string    `json:"expectedKid,omitempty"`
	Severity    Severity  `json:"severity"`
	Timestamp   time.Time `json:"timestamp"`
	Message     string    `json:"message"`
}

// NewAlert crea una alerta con ID y timestamp.
func NewAlert(t AlertType, sev Severity, msg string) Alert {
	return Alert{
		ID:        uuid.NewString(),
		Type:      t,
		Severity:  sev,
		Timestamp: time.Now().UTC(),
		Message:   msg,
	}
}

// Sink recibe alertas. Emit no debe bloquear al caller (se llama desde el
// camino de verificación).
type Sink interface {
	Emit(a Alert)
}

// SinkFunc adapta una función a Sink.
type SinkFunc func(Alert)

func (f SinkFunc) Emit(a Alert) { f(a) }

// MultiSink reparte cada alerta a varios sinks, ignorando los nil.
type MultiSink []Sink

func (m MultiSink) Emit(a Alert) {
	for _, s := range m {
		if s != nil {
			s.Emit(a)
		}
	}
}

// Nop descarta todo.
var Nop Sink = SinkFunc(func(Alert) {})

// Counted cuenta cada alerta en Prometheus antes de pasarla a next.
func Counted(next Sink) Sink {
	return SinkFunc(func(a Alert) {
		metrics.DriftAlertsTotal.WithLabelValues(string(a.Type), string(a.Severity)).Inc()
		if next != nil {
			next.Emit(a)
		}
	})
}

// Package metrics define los collectors Prometheus del engine. Viven en un paquete
// propio para que keys, verify, cohort, flags y drift los usen sin ciclos de import.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	VerificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trust_verifications_total",
		Help: "Verificaciones de firma por resultado y camino (primary|secondary|fallback)",
	}, []string{"result", "path"})

	KeyOperationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trust_key_operations_total",
		Help: "Operaciones sobre el registro de claves (seed|rotate|promote|purge) por resultado",
	}, []string{"op", "result"})

	KeyPersistRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trust_key_persist_retries_total",
		Help: "Reintentos de persistencia del documento de claves",
	})

	PrimaryKeyExpirySeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trust_primary_key_expiry_timestamp_seconds",
		Help: "Unix timestamp de vencimiento de la clave primaria",
	})

	DriftAlertsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trust_drift_alerts_total",
		Help: "Alertas de drift emitidas por tipo y severidad",
	}, []string{"type", "severity"})

	DriftWindowAlerts = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trust_drift_window_alerts",
		Help: "Alertas por tipo dentro de la ventana deslizante del monitor",
	}, []string{"type"})

	FlagEvaluationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trust_flag_evaluations_total",
		Help: "Evaluaciones de flags por razón de la decisión",
	}, []string{"reason", "enabled"})

	ConfigFetchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trust_config_fetch_total",
		Help: "Resultados de fetchConfig (fresh|cache|rejected|fallback_*)",
	}, []string{"result"})

	CohortSaltRotationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trust_cohort_salt_rotations_total",
		Help: "Rotaciones de salt por trigger (manual|interval)",
	}, []string{"trigger"})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trust_http_requests_total",
		Help: "Número total de requests procesadas",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trust_http_request_duration_seconds",
		Help:    "Latencia de los requests HTTP",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

func all() []prometheus.Collector {
	return []prometheus.Collector{
		VerificationsTotal,
		KeyOperationsTotal,
		KeyPersistRetriesTotal,
		PrimaryKeyExpirySeconds,
		DriftAlertsTotal,
		DriftWindowAlerts,
		FlagEvaluationsTotal,
		ConfigFetchTotal,
		CohortSaltRotationsTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	}
}

// Register registra los collectors en el registry dado (o el default si es nil).
// Es idempotente: AlreadyRegisteredError se ignora.
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range all() {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}

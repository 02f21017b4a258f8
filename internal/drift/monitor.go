package drift

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dropDatabas3/trustroll/internal/metrics"
	"github.com/dropDatabas3/trustroll/internal/observability/logger"
)

// AlertReader es lo único que el Monitor necesita del buffer: leer.
type AlertReader interface {
	Since(t time.Time) []Alert
}

// DefaultThresholds cantidad de alertas por tipo dentro de la ventana que dispara
// una alerta agregada drift_rate.
func DefaultThresholds() map[AlertType]int {
	return map[AlertType]int{
		AlertSecondaryKeyUsage:  100,
		AlertUnknownKID:         10,
		AlertKIDMismatch:        25,
		AlertVerificationFailed: 5,
		AlertFreshnessFailed:    50,
		AlertVersionRegression:  50,
		AlertRotationFailed:     1,
	}
}

// MonitorOptions configura el Monitor.
type MonitorOptions struct {
	Window     time.Duration     // default 1h
	Interval   time.Duration     // default 1m
	Thresholds map[AlertType]int // default DefaultThresholds()
	Now        func() time.Time  // default time.Now
	Logger     *zap.Logger
}

// Report es el resultado de una evaluación de la ventana.
type Report struct {
	WindowStart time.Time             `json:"windowStart"`
	WindowEnd   time.Time             `json:"windowEnd"`
	Counts      map[AlertType]int     `json:"counts"`
	PerHour     map[AlertType]float64 `json:"perHour"`
	ByKID       map[string]int        `json:"byKid"`
	Firing      []AlertType           `json:"firing"`
}

// Monitor agrega alertas sobre una ventana deslizante con su propio schedule.
// Solo lee el buffer fuente; las alertas agregadas van a out.
type Monitor struct {
	src  AlertReader
	out  Sink
	opts MonitorOptions
	log  *zap.Logger

	mu     sync.Mutex
	firing map[AlertType]bool
	last   Report

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor crea un Monitor.
func NewMonitor(src AlertReader, out Sink, opts MonitorOptions) *Monitor {
	if opts.Window <= 0 {
		opts.Window = time.Hour
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Thresholds == nil {
		opts.Thresholds = DefaultThresholds()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logger.Named("drift.monitor")
	}
	if out == nil {
		out = Nop
	}
	return &Monitor{
		src:    src,
		out:    out,
		opts:   opts,
		log:    opts.Logger,
		firing: make(map[AlertType]bool),
	}
}

// Evaluate calcula el reporte de la ventana que termina en now y emite una alerta
// drift_rate por cada tipo que cruza su umbral. Un tipo que sigue sobre el umbral
// no vuelve a alertar hasta bajar de él.
func (m *Monitor) Evaluate(now time.Time) (Report, []Alert) {
	start := now.Add(-m.opts.Window)
	rep := Report{
		WindowStart: start,
		WindowEnd:   now,
		Counts:      make(map[AlertType]int),
		PerHour:     make(map[AlertType]float64),
		ByKID:       make(map[string]int),
	}
	worst := make(map[AlertType]Severity)
	for _, a := range m.src.Since(start) {
		if a.Type == AlertDriftRate || a.Timestamp.After(now) {
			continue
		}
		rep.Counts[a.Type]++
		if a.KID != "" {
			rep.ByKID[a.KID]++
		}
		if a.Severity.Rank() > worst[a.Type].Rank() {
			worst[a.Type] = a.Severity
		}
	}
	hours := m.opts.Window.Hours()
	for t, c := range rep.Counts {
		rep.PerHour[t] = float64(c) / hours
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var raised []Alert
	types := make([]AlertType, 0, len(m.opts.Thresholds))
	for t := range m.opts.Thresholds {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	for _, t := range types {
		limit := m.opts.Thresholds[t]
		count := rep.Counts[t]
		metrics.DriftWindowAlerts.WithLabelValues(string(t)).Set(float64(count))
		over := limit > 0 && count >= limit
		if over {
			rep.Firing = append(rep.Firing, t)
		}
		if over && !m.firing[t] {
			a := NewAlert(AlertDriftRate, worst[t], fmt.Sprintf(
				"%d %s alerts in the last %s (%.1f/h, threshold %d)", count, t, m.opts.Window, rep.PerHour[t], limit))
			a.Timestamp = now.UTC()
			raised = append(raised, a)
		}
		m.firing[t] = over
	}
	m.last = rep

	for _, a := range raised {
		m.log.Warn("drift threshold crossed", logger.AlertType(string(a.Type)), logger.Severity(string(a.Severity)), logger.String("message", a.Message))
		m.out.Emit(a)
	}
	return rep, raised
}

// LastReport devuelve el último reporte calculado.
func (m *Monitor) LastReport() Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Start lanza el loop de evaluación. Llamar Start dos veces es no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		t := time.NewTicker(m.opts.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.Evaluate(m.opts.Now())
			}
		}
	}()
}

// Stop cancela el loop y espera a que termine.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
}

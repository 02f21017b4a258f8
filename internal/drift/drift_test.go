package drift

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/trustroll/internal/observability/logger"
)

func alertAt(t AlertType, sev Severity, kid string, ts time.Time) Alert {
	a := NewAlert(t, sev, "test")
	a.KID = kid
	a.Timestamp = ts
	return a
}

func TestBuffer_RingDropsOldest(t *testing.T) {
	b := NewBuffer(3)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		b.Emit(alertAt(AlertUnknownKID, SeverityHigh, fmt.Sprintf("k%d", i), base.Add(time.Duration(i)*time.Second)))
	}
	assert.Equal(t, 3, b.Len())
	assert.Equal(t, uint64(5), b.Total())

	recent := b.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, "k4", recent[0].KID)
	assert.Equal(t, "k2", recent[2].KID)

	assert.Len(t, b.Recent(2), 2)

	since := b.Since(base.Add(3 * time.Second))
	require.Len(t, since, 2)
	assert.Equal(t, "k3", since[0].KID)
	assert.Equal(t, "k4", since[1].KID)
}

func TestBuffer_EmptyAndConcurrent(t *testing.T) {
	b := NewBuffer(0)
	assert.Equal(t, DefaultBufferSize, b.Capacity())
	assert.Empty(t, b.Recent(10))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Emit(NewAlert(AlertSecondaryKeyUsage, SeverityInfo, "x"))
				_ = b.Recent(5)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(1000), b.Total())
	assert.Equal(t, DefaultBufferSize, b.Len())
}

func TestMonitor_RaisesOncePerCrossing(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	src := NewBuffer(100)
	out := NewBuffer(10)
	m := NewMonitor(src, out, MonitorOptions{
		Thresholds: map[AlertType]int{AlertVerificationFailed: 3},
		Logger:     logger.Nop(),
	})

	// fuera de la ventana: no cuenta
	src.Emit(alertAt(AlertVerificationFailed, SeverityCritical, "kx", now.Add(-2*time.Hour)))
	for i := 0; i < 3; i++ {
		src.Emit(alertAt(AlertVerificationFailed, SeverityCritical, "kx", now.Add(-time.Duration(i)*time.Minute)))
	}

	rep, raised := m.Evaluate(now)
	assert.Equal(t, 3, rep.Counts[AlertVerificationFailed])
	assert.Equal(t, 3, rep.ByKID["kx"])
	assert.InDelta(t, 3.0, rep.PerHour[AlertVerificationFailed], 0.001)
	require.Len(t, raised, 1)
	assert.Equal(t, AlertDriftRate, raised[0].Type)
	assert.Equal(t, SeverityCritical, raised[0].Severity)
	assert.Equal(t, 1, out.Len())

	// sigue sobre el umbral: no re-alerta
	_, raised = m.Evaluate(now.Add(time.Minute))
	assert.Empty(t, raised)

	// la ventana avanza, baja del umbral y se re-arma
	_, raised = m.Evaluate(now.Add(2 * time.Hour))
	assert.Empty(t, raised)
	for i := 0; i < 3; i++ {
		src.Emit(alertAt(AlertVerificationFailed, SeverityCritical, "ky", now.Add(2*time.Hour)))
	}
	_, raised = m.Evaluate(now.Add(2 * time.Hour))
	assert.Len(t, raised, 1)
}

func TestMonitor_IgnoresItsOwnAlerts(t *testing.T) {
	now := time.Now()
	buf := NewBuffer(50)
	m := NewMonitor(buf, buf, MonitorOptions{
		Thresholds: map[AlertType]int{AlertUnknownKID: 1},
		Logger:     logger.Nop(),
	})
	buf.Emit(alertAt(AlertUnknownKID, SeverityHigh, "k", now))
	rep, raised := m.Evaluate(now)
	require.Len(t, raised, 1)
	assert.Equal(t, 1, rep.Counts[AlertUnknownKID])
	assert.Zero(t, rep.Counts[AlertDriftRate])

	rep, _ = m.Evaluate(now)
	assert.Zero(t, rep.Counts[AlertDriftRate])
}

func TestMonitor_StartStop(t *testing.T) {
	buf := NewBuffer(10)
	m := NewMonitor(buf, nil, MonitorOptions{Interval: 5 * time.Millisecond, Logger: logger.Nop()})
	m.Start(context.Background())
	m.Start(context.Background())
	time.Sleep(60 * time.Millisecond)
	m.Stop()
	m.Stop()
	assert.False(t, m.LastReport().WindowEnd.IsZero())
}

func TestCountedAndMultiSink(t *testing.T) {
	a, b := NewBuffer(4), NewBuffer(4)
	s := Counted(MultiSink{a, nil, b})
	s.Emit(NewAlert(AlertKIDMismatch, SeverityMedium, "m"))
	assert.Equal(t, 1, a.Len())
	assert.Equal(t, 1, b.Len())
	assert.Equal(t, 4, SeverityCritical.Rank())
	assert.Less(t, SeverityInfo.Rank(), SeverityMedium.Rank())
}

// Package audit registra eventos estructurados de las mutaciones administrativas.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dropDatabas3/trustroll/internal/observability/logger"
)

// Event es un evento de auditoría.
type Event struct {
	ID      string         `json:"id"`
	Event   string         `json:"event"`
	Actor   string         `json:"actor"`
	Target  string         `json:"target,omitempty"`
	Outcome string         `json:"outcome"` // ok | error
	Error   string         `json:"error,omitempty"`
	TS      time.Time      `json:"ts"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Sink recibe cada evento además del log.
type Sink func(Event)

var (
	mu    sync.RWMutex
	sinks []Sink
)

// AddSink registra un sink adicional (p.ej. un buffer para tests o la API).
func AddSink(s Sink) {
	mu.Lock()
	sinks = append(sinks, s)
	mu.Unlock()
}

// Log escribe un evento de auditoría en el logger "audit".
func Log(ctx context.Context, event, actor, target string, err error, fields map[string]any) Event {
	ev := Event{
		ID:      uuid.NewString(),
		Event:   event,
		Actor:   actor,
		Target:  target,
		Outcome: "ok",
		TS:      time.Now().UTC(),
		Fields:  fields,
	}
	if err != nil {
		ev.Outcome = "error"
		ev.Error = err.Error()
	}

	zf := []zap.Field{
		zap.String("audit_id", ev.ID),
		zap.String("event", ev.Event),
		logger.Actor(actor),
		zap.String("target", target),
		zap.String("outcome", ev.Outcome),
	}
	for k, v := range fields {
		zf = append(zf, zap.Any(k, v))
	}
	if err != nil {
		zf = append(zf, logger.Err(err))
	}
	logger.From(ctx).Named("audit").Info("audit", zf...)

	mu.RLock()
	for _, s := range sinks {
		s(ev)
	}
	mu.RUnlock()
	return ev
}

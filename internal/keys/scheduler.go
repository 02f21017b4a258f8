package keys

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dropDatabas3/trustroll/internal/observability/logger"
)

// SchedulerOptions configura el RotationScheduler.
type SchedulerOptions struct {
	Interval  time.Duration // default 1m
	OpTimeout time.Duration // default 30s
	Logger    *zap.Logger
}

// RetiringEntry describe una clave en gracia.
type RetiringEntry struct {
	KID        string    `json:"kid"`
	RetiredAt  time.Time `json:"retiredAt"`
	PurgeAfter time.Time `json:"purgeAfter"`
}

// Schedule es la vista operativa del ciclo de rotación.
type Schedule struct {
	PrimaryKID         string          `json:"primaryKid"`
	PrimaryValidUntil  time.Time       `json:"primaryValidUntil"`
	SecondaryKID       string          `json:"secondaryKid,omitempty"`
	SecondaryValidFrom *time.Time      `json:"secondaryValidFrom,omitempty"`
	NextRotationAt     *time.Time      `json:"nextRotationAt,omitempty"`
	NextPromotionAt    *time.Time      `json:"nextPromotionAt,omitempty"`
	Retiring           []RetiringEntry `json:"retiring"`
	Revision           uint64          `json:"revision"`
	LastTick           *time.Time      `json:"lastTick,omitempty"`
	LastError          string          `json:"lastError,omitempty"`
}

// Scheduler es el único que dispara transiciones del registro. Cada operación,
// una vez empezada, corre hasta terminar aunque se cancele el contexto del
// llamador (con su propio timeout), para no dejar el registro a medias.
type Scheduler struct {
	reg  *Registry
	opts SchedulerOptions
	log  *zap.Logger

	mu       sync.Mutex
	lastTick time.Time
	lastErr  error

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler crea un Scheduler sobre reg.
func NewScheduler(reg *Registry, opts SchedulerOptions) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logger.Named("keys.scheduler")
	}
	return &Scheduler{reg: reg, opts: opts, log: opts.Logger}
}

func (s *Scheduler) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.opts.OpTimeout)
}

// Tick evalúa el registro y ejecuta lo que esté vencido, en orden: promover,
// rotar, purgar. Si ctx ya está cancelado no empieza ninguna operación nueva.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.reg.opts.Now()
	opts := s.reg.opts
	var errs []error

	run := func(op string, fn func(context.Context) error) {
		if ctx.Err() != nil {
			return
		}
		opCtx, cancel := s.detached(ctx)
		defer cancel()
		if err := fn(opCtx); err != nil {
			errs = append(errs, err)
			s.log.Warn("scheduled key operation failed, will retry next tick", logger.Op(op), logger.Err(err))
		}
	}

	snap := s.reg.Snapshot()
	if snap.Primary == nil {
		return ErrNotInitialized
	}

	if snap.Secondary != nil {
		due := snap.Secondary.ValidFrom.Add(opts.OverlapWindow)
		if !now.Before(due) || !now.Before(snap.Primary.ValidUntil) {
			run("promote", func(c context.Context) error { _, err := s.reg.promote(c); return err })
		}
	}

	snap = s.reg.Snapshot()
	if snap.Secondary == nil && !now.Before(snap.Primary.ValidUntil.Add(-opts.RotationThreshold)) {
		run("rotate", func(c context.Context) error { _, _, err := s.reg.rotate(c); return err })
	}

	for _, k := range s.reg.Snapshot().Retiring {
		if !now.Before(k.PurgeAfter) {
			run("purge", func(c context.Context) error { _, err := s.reg.purge(c); return err })
			break
		}
	}

	err := errors.Join(errs...)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	s.mu.Lock()
	s.lastTick = now
	s.lastErr = err
	s.mu.Unlock()
	return err
}

// ForceRotate rota fuera de schedule (operación administrativa).
func (s *Scheduler) ForceRotate(ctx context.Context) (*SigningKey, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	opCtx, cancel := s.detached(ctx)
	defer cancel()
	return s.reg.rotate(opCtx)
}

// ForcePromote promueve la secundaria fuera de schedule.
func (s *Scheduler) ForcePromote(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	opCtx, cancel := s.detached(ctx)
	defer cancel()
	return s.reg.promote(opCtx)
}

// Schedule retorna el estado del ciclo de rotación.
func (s *Scheduler) Schedule() Schedule {
	snap := s.reg.Snapshot()
	opts := s.reg.opts
	out := Schedule{Revision: snap.Revision, Retiring: []RetiringEntry{}}

	if snap.Primary != nil {
		out.PrimaryKID = snap.Primary.KID
		out.PrimaryValidUntil = snap.Primary.ValidUntil
	}
	if snap.Secondary != nil {
		from := snap.Secondary.ValidFrom
		promo := from.Add(opts.OverlapWindow)
		if snap.Primary != nil && snap.Primary.ValidUntil.Before(promo) {
			promo = snap.Primary.ValidUntil
		}
		out.SecondaryKID = snap.Secondary.KID
		out.SecondaryValidFrom = &from
		out.NextPromotionAt = &promo
	} else if snap.Primary != nil {
		rot := snap.Primary.ValidUntil.Add(-opts.RotationThreshold)
		out.NextRotationAt = &rot
	}
	for _, k := range snap.Retiring {
		out.Retiring = append(out.Retiring, RetiringEntry{KID: k.KID, RetiredAt: k.RetiredAt, PurgeAfter: k.PurgeAfter})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lastTick.IsZero() {
		lt := s.lastTick
		out.LastTick = &lt
	}
	if s.lastErr != nil {
		out.LastError = s.lastErr.Error()
	}
	return out
}

// Start lanza el loop de ticks. Llamar Start dos veces es no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		_ = s.Tick(ctx)
		t := time.NewTicker(s.opts.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_ = s.Tick(ctx)
			}
		}
	}()
}

// Stop cancela el loop y espera a que termine el tick en curso.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

package flags

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/dropDatabas3/trustroll/internal/envelope"
	"github.com/dropDatabas3/trustroll/internal/kv"
	"github.com/dropDatabas3/trustroll/internal/metrics"
	"github.com/dropDatabas3/trustroll/internal/observability/logger"
	"github.com/dropDatabas3/trustroll/internal/verify"
)

// FallbackPolicy define qué estado usar cuando el fetch o la verificación fallan.
type FallbackPolicy string

const (
	// FallbackDefaultOff todas las flags apagadas.
	FallbackDefaultOff FallbackPolicy = "default_off"
	// FallbackCached última configuración verificada persistida, sin importar su edad.
	FallbackCached FallbackPolicy = "cached"
	// FallbackLastKnown el estado en memoria actual.
	FallbackLastKnown FallbackPolicy = "last_known"
)

// ParseFallbackPolicy valida el nombre de la política.
func ParseFallbackPolicy(s string) (FallbackPolicy, error) {
	switch p := FallbackPolicy(s); p {
	case FallbackDefaultOff, FallbackCached, FallbackLastKnown:
		return p, nil
	case "":
		return FallbackDefaultOff, nil
	default:
		return "", fmt.Errorf("flags: unknown fallback policy %q", s)
	}
}

// Source indica de dónde salió el estado actual.
type Source string

const (
	SourceRemote    Source = "remote"
	SourceCached    Source = "cached"
	SourceLastKnown Source = "last_known"
	SourceDefault   Source = "default"
)

// State es la configuración en uso.
type State struct {
	Document  Document  `json:"document"`
	Version   string    `json:"version,omitempty"`
	IssuedAt  time.Time `json:"issuedAt"`
	FetchedAt time.Time `json:"fetchedAt"`
	Source    Source    `json:"source"`
}

// Fetcher trae el payload firmado.
type Fetcher interface {
	Fetch(ctx context.Context, id Identity) (envelope.ConfigPayload, error)
}

// FetcherFunc adapta una función a Fetcher.
type FetcherFunc func(ctx context.Context, id Identity) (envelope.ConfigPayload, error)

func (f FetcherFunc) Fetch(ctx context.Context, id Identity) (envelope.ConfigPayload, error) {
	return f(ctx, id)
}

// PayloadVerifier verifica firma, frescura y versión (verify.Verifier).
type PayloadVerifier interface {
	VerifyPayload(p envelope.ConfigPayload, currentVersion string) (verify.Result, error)
}

// ManagerOptions configura el Manager.
type ManagerOptions struct {
	UpdateInterval time.Duration // default 5m
	RetryInterval  time.Duration // reintento tras un fallback; default min(30s, UpdateInterval)
	FetchTimeout   time.Duration // default 10s
	Fallback       FallbackPolicy
	Identity       Identity
	StorageKey     string // default "flags/last_verified"
	Now            func() time.Time
	Logger         *zap.Logger
}

// Manager mantiene la configuración verificada del lado cliente.
type Manager struct {
	fetcher  Fetcher
	verifier PayloadVerifier
	store    kv.Store
	eval     *Evaluator
	opts     ManagerOptions
	log      *zap.Logger
	sf       singleflight.Group

	mu         sync.RWMutex
	state      *State
	accepted   string    // última versión aceptada
	verifiedAt time.Time // último fetch verificado
	failedAt   time.Time // último refresh que terminó en fallback
	loaded     bool
}

// NewManager crea un Manager. store puede ser nil (sin caché persistente).
func NewManager(fetcher Fetcher, verifier PayloadVerifier, store kv.Store, eval *Evaluator, opts ManagerOptions) *Manager {
	if opts.UpdateInterval <= 0 {
		opts.UpdateInterval = 5 * time.Minute
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = min(30*time.Second, opts.UpdateInterval)
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	if opts.Fallback == "" {
		opts.Fallback = FallbackDefaultOff
	}
	if opts.StorageKey == "" {
		opts.StorageKey = "flags/last_verified"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logger.Named("flags")
	}
	return &Manager{fetcher: fetcher, verifier: verifier, store: store, eval: eval, opts: opts, log: opts.Logger}
}

// Current retorna el estado en uso (default apagado si nunca hubo fetch).
func (m *Manager) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state == nil {
		return defaultState(m.opts.Now())
	}
	return *m.state
}

// FetchConfig retorna la configuración vigente. Un estado verificado se sirve
// durante UpdateInterval; un estado de fallback solo durante RetryInterval. Fuera
// de eso refresca una sola vez aunque haya llamadas concurrentes. El refresh no
// depende del ctx de quien lo disparó: si ese caller se va, el refresh sigue y el
// caller recibe el estado actual con ctx.Err(). Siempre retorna un estado
// utilizable: si el refresh falla aplica la FallbackPolicy y el error (ErrFetch)
// es informativo.
func (m *Manager) FetchConfig(ctx context.Context) (State, error) {
	if m.fresh(m.opts.Now()) {
		return m.Current(), nil
	}

	type result struct {
		st  State
		err error
	}
	ch := m.sf.DoChan("refresh", func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.FetchTimeout)
		defer cancel()
		st, err := m.refresh(rctx)
		return result{st, err}, nil
	})
	select {
	case <-ctx.Done():
		return m.Current(), fmt.Errorf("%w: %w", ErrFetch, ctx.Err())
	case r := <-ch:
		res := r.Val.(result)
		return res.st, res.err
	}
}

func (m *Manager) fresh(now time.Time) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch {
	case m.state == nil:
		return false
	case m.state.Source == SourceRemote:
		return now.Sub(m.verifiedAt) < m.opts.UpdateInterval
	default:
		return now.Sub(m.failedAt) < m.opts.RetryInterval
	}
}

// Refresh fuerza un refresh ignorando UpdateInterval.
func (m *Manager) Refresh(ctx context.Context) (State, error) {
	m.mu.Lock()
	m.verifiedAt, m.failedAt = time.Time{}, time.Time{}
	m.mu.Unlock()
	return m.FetchConfig(ctx)
}

func (m *Manager) refresh(ctx context.Context) (State, error) {
	m.loadAccepted(ctx)

	now := m.opts.Now()
	st, err := m.fetchVerified(ctx, now)
	if err != nil {
		metrics.ConfigFetchTotal.WithLabelValues("fallback").Inc()
		fb := m.fallback(ctx, now)
		m.log.Warn("config refresh failed, applying fallback",
			logger.String("policy", string(m.opts.Fallback)),
			logger.String("source", string(fb.Source)),
			logger.Err(err))
		m.installFallback(fb, now)
		return fb, fmt.Errorf("%w: %w", ErrFetch, err)
	}

	metrics.ConfigFetchTotal.WithLabelValues("ok").Inc()
	m.install(st, now)
	m.persist(ctx, st)
	return st, nil
}

func (m *Manager) fetchVerified(ctx context.Context, now time.Time) (State, error) {
	if m.fetcher == nil {
		return State{}, fmt.Errorf("no fetcher configured")
	}
	p, err := m.fetcher.Fetch(ctx, m.opts.Identity)
	if err != nil {
		return State{}, err
	}
	m.mu.RLock()
	current := m.accepted
	m.mu.RUnlock()
	if _, err := m.verifier.VerifyPayload(p, current); err != nil {
		return State{}, err
	}
	var doc Document
	if err := json.Unmarshal(p.Body, &doc); err != nil {
		return State{}, fmt.Errorf("decode flags document: %w", err)
	}
	if doc.Flags == nil {
		doc.Flags = map[string]Rule{}
	}
	return State{Document: doc, Version: p.Version, IssuedAt: p.IssuedTime(), FetchedAt: now, Source: SourceRemote}, nil
}

func (m *Manager) install(st State, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = &st
	m.verifiedAt = now
	if st.Version != "" {
		m.accepted = st.Version
	}
}

func (m *Manager) installFallback(st State, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = &st
	m.failedAt = now
}

func (m *Manager) fallback(ctx context.Context, now time.Time) State {
	switch m.opts.Fallback {
	case FallbackLastKnown:
		m.mu.RLock()
		cur := m.state
		m.mu.RUnlock()
		if cur != nil {
			st := *cur
			if st.Source == SourceRemote {
				st.Source = SourceLastKnown
			}
			return st
		}
	case FallbackCached:
		if st, ok := m.loadCached(ctx); ok {
			return st
		}
	}
	return defaultState(now)
}

func defaultState(now time.Time) State {
	return State{Document: Document{Flags: map[string]Rule{}}, FetchedAt: now, Source: SourceDefault}
}

func (m *Manager) persist(ctx context.Context, st State) {
	if m.store == nil {
		return
	}
	if err := kv.SetJSON(ctx, m.store, m.opts.StorageKey, st); err != nil {
		m.log.Warn("last verified config not persisted", logger.Err(err))
	}
}

func (m *Manager) loadCached(ctx context.Context) (State, bool) {
	if m.store == nil {
		return State{}, false
	}
	var st State
	if err := kv.GetJSON(ctx, m.store, m.opts.StorageKey, &st); err != nil {
		if !kv.IsNotFound(err) {
			m.log.Warn("cached config unreadable", logger.Err(err))
		}
		return State{}, false
	}
	if st.Document.Flags == nil {
		st.Document.Flags = map[string]Rule{}
	}
	st.Source = SourceCached
	return st, true
}

// loadAccepted recupera, una vez, la última versión aceptada del caché persistente
// para que un reinicio no habilite regresiones.
func (m *Manager) loadAccepted(ctx context.Context) {
	m.mu.RLock()
	loaded := m.loaded
	m.mu.RUnlock()
	if loaded {
		return
	}
	st, ok := m.loadCached(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaded = true
	if ok && m.accepted == "" {
		m.accepted = st.Version
	}
}

// Decide evalúa una feature con la identidad configurada.
func (m *Manager) Decide(ctx context.Context, feature string) Decision {
	st, _ := m.FetchConfig(ctx)
	return m.eval.Evaluate(ctx, &st.Document, feature, m.opts.Identity)
}

// IsEnabled evalúa una feature con la identidad configurada.
func (m *Manager) IsEnabled(ctx context.Context, feature string) bool {
	return m.Decide(ctx, feature).Enabled
}

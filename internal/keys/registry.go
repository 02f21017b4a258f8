// Package keys implementa el registro de claves de firma Ed25519 y su rotación.
//
// El registro mantiene a lo sumo una clave primaria (firma), una secundaria
// (pre-publicada, verifica) y un conjunto de claves retiring (ex-primarias en
// período de gracia). Los lectores obtienen un Snapshot inmutable sin locks; las
// transiciones (rotate, promote, purge) se serializan, se persisten como un único
// documento y recién después se publican. Solo el Scheduler dispara transiciones.
package keys

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/dropDatabas3/trustroll/internal/drift"
	"github.com/dropDatabas3/trustroll/internal/kv"
	"github.com/dropDatabas3/trustroll/internal/metrics"
	"github.com/dropDatabas3/trustroll/internal/observability/logger"
	"github.com/dropDatabas3/trustroll/internal/security/secretbox"
)

// DefaultStorageKey key del documento de claves en el store.
const DefaultStorageKey = "keys/registry"

// Options configura el Registry.
type Options struct {
	KeyValidity       time.Duration // vida de cada clave (default 90d)
	RotationThreshold time.Duration // rotar cuando a la primaria le queda menos que esto (default 7d)
	OverlapWindow     time.Duration // tiempo que la secundaria se pre-publica antes de promover (default 72h)
	RetirementGrace   time.Duration // gracia de una ex-primaria (default 24h)

	PersistMaxAttempts    int           // default 5
	PersistInitialBackoff time.Duration // default 100ms
	PersistMaxBackoff     time.Duration // default 5s

	// MasterKey sella las claves privadas en reposo. Opcional (32 bytes).
	MasterKey []byte

	StorageKey string
	Generator  KeyGenerator
	Alerts     drift.Sink
	Now        func() time.Time
	Logger     *zap.Logger
}

// DefaultOptions retorna la configuración por defecto.
func DefaultOptions() Options {
	return Options{
		KeyValidity:           90 * 24 * time.Hour,
		RotationThreshold:     7 * 24 * time.Hour,
		OverlapWindow:         72 * time.Hour,
		RetirementGrace:       24 * time.Hour,
		PersistMaxAttempts:    5,
		PersistInitialBackoff: 100 * time.Millisecond,
		PersistMaxBackoff:     5 * time.Second,
	}
}

func (o *Options) withDefaults() {
	d := DefaultOptions()
	if o.KeyValidity <= 0 {
		o.KeyValidity = d.KeyValidity
	}
	if o.RotationThreshold <= 0 {
		o.RotationThreshold = d.RotationThreshold
	}
	if o.OverlapWindow <= 0 {
		o.OverlapWindow = d.OverlapWindow
	}
	if o.RetirementGrace <= 0 {
		o.RetirementGrace = d.RetirementGrace
	}
	if o.PersistMaxAttempts <= 0 {
		o.PersistMaxAttempts = d.PersistMaxAttempts
	}
	if o.PersistInitialBackoff <= 0 {
		o.PersistInitialBackoff = d.PersistInitialBackoff
	}
	if o.PersistMaxBackoff <= 0 {
		o.PersistMaxBackoff = d.PersistMaxBackoff
	}
	if o.StorageKey == "" {
		o.StorageKey = DefaultStorageKey
	}
	if o.Generator == nil {
		o.Generator = Ed25519Generator
	}
	if o.Alerts == nil {
		o.Alerts = drift.Nop
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = logger.Named("keys")
	}
}

func (o Options) validate() error {
	if o.RotationThreshold >= o.KeyValidity {
		return fmt.Errorf("keys: rotation threshold (%s) must be shorter than key validity (%s)", o.RotationThreshold, o.KeyValidity)
	}
	if o.OverlapWindow >= o.RotationThreshold {
		return fmt.Errorf("keys: overlap window (%s) must be shorter than rotation threshold (%s)", o.OverlapWindow, o.RotationThreshold)
	}
	return nil
}

// Registry es el KeyRegistry.
type Registry struct {
	store kv.Store
	opts  Options
	box   *secretbox.Box
	log   *zap.Logger

	mu   sync.Mutex // serializa transiciones
	snap atomic.Pointer[Snapshot]
}

// NewRegistry crea un registro sin cargar. Llamar Initialize antes de usarlo.
func NewRegistry(store kv.Store, opts Options) (*Registry, error) {
	if store == nil {
		return nil, errors.New("keys: nil store")
	}
	opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	r := &Registry{store: store, opts: opts, log: opts.Logger}
	if len(opts.MasterKey) > 0 {
		box, err := secretbox.New(opts.MasterKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMasterKey, err)
		}
		r.box = box
	}
	return r, nil
}

// Options retorna la configuración efectiva.
func (r *Registry) Options() Options { return r.opts }

// Snapshot retorna la vista actual. Antes de Initialize retorna un snapshot vacío.
func (r *Registry) Snapshot() *Snapshot {
	if s := r.snap.Load(); s != nil {
		return s
	}
	return &Snapshot{}
}

// Primary retorna la primaria actual (nil antes de Initialize).
func (r *Registry) Primary() *SigningKey {
	return r.Snapshot().Primary
}

// Initialize carga las claves persistidas y las clasifica por ventana de validez.
// Sin claves, genera y persiste una primaria semilla. Si la primaria está dentro
// del umbral de rotación y no hay secundaria, rota en el acto; una falla de esa
// rotación se alerta pero no impide arrancar.
func (r *Registry) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.opts.Now()
	rev, loaded, err := r.load(ctx)
	if err != nil {
		return err
	}

	next, changed, err := r.classify(loaded, now)
	if err != nil {
		return err
	}
	next.Revision = rev

	if next.Primary == nil {
		k, err := r.newKey(now, RolePrimary)
		if err != nil {
			r.fail("seed", err)
			return err
		}
		next.Primary = k
		changed = true
		r.log.Info("seeding primary signing key", logger.KID(k.KID))
	}

	if changed {
		if err := r.commit(ctx, next, "initialize"); err != nil {
			r.fail("initialize", err)
			return err
		}
	} else {
		r.publish(next)
	}

	cur := r.snap.Load()
	r.log.Info("key registry loaded",
		logger.KID(cur.Primary.KID),
		logger.Count(len(cur.Trusted(now))),
		logger.Any("revision", cur.Revision))

	if cur.Secondary == nil && !now.Before(cur.Primary.ValidUntil.Add(-r.opts.RotationThreshold)) {
		if _, _, err := r.rotateLocked(ctx); err != nil {
			r.log.Warn("initial rotation failed, scheduler will retry", logger.Err(err))
		}
	}
	return nil
}

func (r *Registry) load(ctx context.Context) (uint64, []*SigningKey, error) {
	b, err := r.store.Get(ctx, r.opts.StorageKey)
	if kv.IsNotFound(err) {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("keys: load: %w", err)
	}
	return decodeDocument(b, r.box)
}

// classify arma el snapshot inicial. Con varias candidatas por rol gana la de
// ValidFrom más reciente y el resto pasa a retiring.
func (r *Registry) classify(all []*SigningKey, now time.Time) (*Snapshot, bool, error) {
	var prim, sec []*SigningKey
	next := &Snapshot{}
	changed := false

	for _, k := range all {
		switch k.Role {
		case RolePrimary, RoleSecondary:
			if k.handle == nil {
				return nil, false, fmt.Errorf("%w: %s %s without private key", ErrCorruptDocument, k.Role, k.KID)
			}
			if k.Role == RolePrimary {
				prim = append(prim, k)
			} else {
				sec = append(sec, k)
			}
		case RoleRetiring:
			if now.Before(k.PurgeAfter) {
				next.Retiring = append(next.Retiring, k)
			} else {
				changed = true
			}
		default:
			return nil, false, fmt.Errorf("%w: unknown role %q for %s", ErrCorruptDocument, k.Role, k.KID)
		}
	}

	newestFirst := func(ks []*SigningKey) {
		sort.SliceStable(ks, func(i, j int) bool { return ks[i].ValidFrom.After(ks[j].ValidFrom) })
	}
	newestFirst(prim)
	newestFirst(sec)

	for i, k := range prim {
		if i == 0 {
			next.Primary = k
			continue
		}
		next.Retiring = append(next.Retiring, r.retire(k, now))
		changed = true
	}
	for i, k := range sec {
		if i == 0 && now.Before(k.ValidUntil) {
			next.Secondary = k
			continue
		}
		next.Retiring = append(next.Retiring, r.retire(k, now))
		changed = true
	}

	// Primaria vencida: promover la secundaria si existe; si no, Initialize siembra una nueva.
	if next.Primary != nil && !now.Before(next.Primary.ValidUntil) {
		next.Retiring = append(next.Retiring, r.retire(next.Primary, now))
		next.Primary = nil
		if next.Secondary != nil {
			p := *next.Secondary
			p.Role = RolePrimary
			next.Primary, next.Secondary = &p, nil
		}
		changed = true
	}
	return next, changed, nil
}

func (r *Registry) newKey(now time.Time, role Role) (*SigningKey, error) {
	pub, priv, err := r.opts.Generator.Generate()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	return &SigningKey{
		KID:        newKID(now),
		Algorithm:  Algorithm,
		PublicKey:  pub,
		ValidFrom:  now.UTC(),
		ValidUntil: now.UTC().Add(r.opts.KeyValidity),
		Role:       role,
		handle:     &PrivateKeyHandle{key: priv},
	}, nil
}

func (r *Registry) retire(k *SigningKey, now time.Time) *SigningKey {
	cp := *k
	cp.Role = RoleRetiring
	cp.RetiredAt = now.UTC()
	cp.PurgeAfter = now.UTC().Add(r.opts.RetirementGrace)
	cp.handle = nil
	return &cp
}

// rotate genera una secundaria. Si ya existe una, es no-op y la retorna.
func (r *Registry) rotate(ctx context.Context) (*SigningKey, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rotateLocked(ctx)
}

func (r *Registry) rotateLocked(ctx context.Context) (*SigningKey, bool, error) {
	cur := r.snap.Load()
	if cur == nil {
		return nil, false, ErrNotInitialized
	}
	if cur.Secondary != nil {
		metrics.KeyOperationsTotal.WithLabelValues("rotate", "noop").Inc()
		pub := cur.Secondary.Public()
		return &pub, false, nil
	}

	now := r.opts.Now()
	k, err := r.newKey(now, RoleSecondary)
	if err != nil {
		r.fail("rotate", err)
		return nil, false, err
	}
	next := cur.clone()
	next.Secondary = k
	if err := r.commit(ctx, next, "rotate"); err != nil {
		r.fail("rotate", err)
		return nil, false, err
	}
	metrics.KeyOperationsTotal.WithLabelValues("rotate", "ok").Inc()
	r.log.Info("secondary key published", logger.KID(k.KID), logger.Time("valid_until", k.ValidUntil))
	pub := k.Public()
	return &pub, true, nil
}

// promote convierte la secundaria en primaria y retira la primaria anterior.
// Sin secundaria es no-op.
func (r *Registry) promote(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	if cur == nil {
		return false, ErrNotInitialized
	}
	if cur.Secondary == nil {
		metrics.KeyOperationsTotal.WithLabelValues("promote", "noop").Inc()
		return false, nil
	}

	now := r.opts.Now()
	next := cur.clone()
	old := r.retire(cur.Primary, now)
	p := *cur.Secondary
	p.Role = RolePrimary
	next.Primary, next.Secondary = &p, nil
	next.Retiring = append(next.Retiring, old)

	if err := r.commit(ctx, next, "promote"); err != nil {
		r.fail("promote", err)
		return false, err
	}
	metrics.KeyOperationsTotal.WithLabelValues("promote", "ok").Inc()
	r.log.Info("secondary key promoted",
		logger.KID(p.KID),
		logger.String("retired_kid", old.KID),
		logger.Time("purge_after", old.PurgeAfter))
	return true, nil
}

// purge elimina las retiring cuya gracia venció.
func (r *Registry) purge(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	if cur == nil {
		return 0, ErrNotInitialized
	}
	now := r.opts.Now()
	next := cur.clone()
	kept := next.Retiring[:0]
	var purged []string
	for _, k := range next.Retiring {
		if now.Before(k.PurgeAfter) {
			kept = append(kept, k)
		} else {
			purged = append(purged, k.KID)
		}
	}
	next.Retiring = kept
	if len(purged) == 0 {
		return 0, nil
	}
	if err := r.commit(ctx, next, "purge"); err != nil {
		r.fail("purge", err)
		return 0, err
	}
	metrics.KeyOperationsTotal.WithLabelValues("purge", "ok").Inc()
	r.log.Info("retired keys purged", logger.Any("kids", purged))
	return len(purged), nil
}

// commit persiste next con reintentos y recién entonces lo publica. Si la
// persistencia se agota, el snapshot actual queda intacto.
func (r *Registry) commit(ctx context.Context, next *Snapshot, op string) error {
	if cur := r.snap.Load(); cur != nil {
		next.Revision = cur.Revision + 1
	} else {
		next.Revision++
	}
	b, err := encodeSnapshot(next, r.box, r.opts.Now())
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrPersistence, err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.opts.PersistInitialBackoff
	bo.MaxInterval = r.opts.PersistMaxBackoff
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(r.opts.PersistMaxAttempts-1)), ctx)

	attempts := 0
	err = backoff.RetryNotify(func() error {
		attempts++
		return r.store.Set(ctx, r.opts.StorageKey, b)
	}, policy, func(err error, wait time.Duration) {
		metrics.KeyPersistRetriesTotal.Inc()
		r.log.Warn("key document persist failed, retrying",
			logger.Op(op), logger.Attempt(attempts), logger.Duration(wait), logger.Err(err))
	})
	if err != nil {
		return fmt.Errorf("%w: %w: %s after %d attempts: %v", ErrRotationAbandoned, ErrPersistence, op, attempts, err)
	}
	r.publish(next)
	return nil
}

func (r *Registry) publish(s *Snapshot) {
	r.snap.Store(s)
	if s.Primary != nil {
		metrics.PrimaryKeyExpirySeconds.Set(float64(s.Primary.ValidUntil.Unix()))
	}
}

func (r *Registry) fail(op string, err error) {
	metrics.KeyOperationsTotal.WithLabelValues(op, "error").Inc()
	r.log.Error("key operation failed", logger.Op(op), logger.Err(err))
	a := drift.NewAlert(drift.AlertRotationFailed, drift.SeverityHigh, fmt.Sprintf("%s failed: %v", op, err))
	if cur := r.snap.Load(); cur != nil && cur.Primary != nil {
		a.KID = cur.Primary.KID
	}
	a.Timestamp = r.opts.Now().UTC()
	r.opts.Alerts.Emit(a)
}

// Sign firma msg con la primaria.
func (r *Registry) Sign(msg []byte) (string, []byte, error) {
	cur := r.snap.Load()
	if cur == nil {
		return "", nil, ErrNotInitialized
	}
	if cur.Primary == nil || cur.Primary.handle == nil {
		return "", nil, ErrNoActiveKey
	}
	sig, err := cur.Primary.handle.Sign(msg)
	if err != nil {
		return "", nil, err
	}
	return cur.Primary.KID, sig, nil
}

// SignWith firma con una clave específica (primaria o secundaria). Las retiring
// ya no tienen material privado.
func (r *Registry) SignWith(kid string, msg []byte) ([]byte, error) {
	k, ok := r.Snapshot().Lookup(kid)
	if !ok || k.handle == nil {
		return nil, ErrKIDNotFound
	}
	return k.handle.Sign(msg)
}

// Package cohort asigna dispositivos a buckets [0,100) para rollouts porcentuales.
//
// El bucket es una función pura de (deviceID, feature, salt):
//
//	bucket = BigEndian.Uint32(sha256(deviceID || feature || salt)[:4]) % 100
//
// El salt es por feature, se genera y persiste de forma perezosa y rota cada
// SaltRotationInterval salvo que esté fijado. Las filas de asignación que se
// guardan en el store son solo caché; la fuente de verdad es el hash.
//
// La concatenación no lleva separador, así que ("ab","c") y ("a","bc") dan el
// mismo bucket con el mismo salt. Es parte de la definición congelada del hash:
// cambiarla re-bucketea a toda la flota.
//
// Toda carga perezosa y todo reemplazo de salt de una feature se serializan con un
// lock por feature; el salt en memoria nunca retrocede a uno más viejo.
package cohort

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/dropDatabas3/trustroll/internal/kv"
	"github.com/dropDatabas3/trustroll/internal/metrics"
	"github.com/dropDatabas3/trustroll/internal/observability/logger"
)

var (
	ErrInvalidInput = errors.New("cohort: device id and feature are required")
	ErrEmptySalt    = errors.New("cohort: empty salt")
)

// Bucket calcula el bucket de un dispositivo. No depende de reloj ni azar.
func Bucket(deviceID, feature, salt string) int {
	h := sha256.New()
	h.Write([]byte(deviceID))
	h.Write([]byte(feature))
	h.Write([]byte(salt))
	sum := h.Sum(nil)
	return int(binary.BigEndian.Uint32(sum[:4]) % 100)
}

// Assignment es la asignación de un dispositivo a un bucket.
type Assignment struct {
	DeviceID   string    `json:"deviceId"`
	Feature    string    `json:"feature"`
	Salt       string    `json:"salt"`
	Bucket     int       `json:"bucket"`
	AssignedAt time.Time `json:"assignedAt"`
}

// SaltInfo es el salt persistido de una feature.
type SaltInfo struct {
	Salt      string    `json:"salt"`
	CreatedAt time.Time `json:"createdAt"`
	Pinned    bool      `json:"pinned,omitempty"`
}

// Options configura el Assigner.
type Options struct {
	SaltRotationInterval time.Duration // default 30d; <0 deshabilita la rotación automática
	CacheTTL             time.Duration // default 1h
	RecordAssignments    bool          // persistir filas de asignación (advisory)
	Now                  func() time.Time
	Logger               *zap.Logger
}

// Assigner es el CohortAssigner. Seguro para uso concurrente.
type Assigner struct {
	store kv.Store
	opts  Options
	log   *zap.Logger

	buckets *gocache.Cache
	sf      singleflight.Group
	locks   sync.Map // feature -> *sync.Mutex

	mu    sync.RWMutex
	salts map[string]SaltInfo
}

// NewAssigner crea un Assigner sobre store.
func NewAssigner(store kv.Store, opts Options) *Assigner {
	if opts.SaltRotationInterval == 0 {
		opts.SaltRotationInterval = 30 * 24 * time.Hour
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logger.Named("cohort")
	}
	return &Assigner{
		store:   store,
		opts:    opts,
		log:     opts.Logger,
		buckets: gocache.New(opts.CacheTTL, 2*opts.CacheTTL),
		salts:   make(map[string]SaltInfo),
	}
}

func saltKey(feature string) string               { return "salt/" + feature }
func assignmentKey(feature, device string) string { return "cohort/" + feature + "/" + device }
func cacheKey(feature, device string) string      { return feature + "\x00" + device }

// cachedBucket guarda el salt con el que se calculó el bucket.
type cachedBucket struct {
	salt   string
	bucket int
}

func (a *Assigner) lock(feature string) func() {
	v, _ := a.locks.LoadOrStore(feature, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (a *Assigner) held(feature string) (SaltInfo, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.salts[feature]
	return s, ok
}

// GetBucket retorna el bucket [0,100) del dispositivo para la feature.
func (a *Assigner) GetBucket(ctx context.Context, deviceID, feature string) (int, error) {
	if deviceID == "" || feature == "" {
		return 0, ErrInvalidInput
	}
	salt, err := a.salt(ctx, feature)
	if err != nil {
		return 0, err
	}
	ck := cacheKey(feature, deviceID)
	if v, ok := a.buckets.Get(ck); ok {
		if c := v.(cachedBucket); c.salt == salt.Salt {
			return c.bucket, nil
		}
	}

	b := Bucket(deviceID, feature, salt.Salt)
	if cur, ok := a.held(feature); ok && cur.Salt == salt.Salt {
		a.buckets.SetDefault(ck, cachedBucket{salt: salt.Salt, bucket: b})
	}

	if a.opts.RecordAssignments {
		row := Assignment{DeviceID: deviceID, Feature: feature, Salt: salt.Salt, Bucket: b, AssignedAt: a.opts.Now().UTC()}
		if err := kv.SetJSON(ctx, a.store, assignmentKey(feature, deviceID), row); err != nil {
			a.log.Warn("assignment row not recorded", logger.Feature(feature), logger.DeviceID(deviceID), logger.Err(err))
		}
	}
	return b, nil
}

// IsInCohort es verdadero sii bucket < percentage. 0 nunca incluye, 100 siempre.
func (a *Assigner) IsInCohort(ctx context.Context, deviceID, feature string, percentage int) (bool, error) {
	if percentage <= 0 {
		return false, nil
	}
	if percentage >= 100 {
		return true, nil
	}
	b, err := a.GetBucket(ctx, deviceID, feature)
	if err != nil {
		return false, err
	}
	return b < percentage, nil
}

// Assignment retorna la asignación completa (con el salt vigente).
func (a *Assigner) Assignment(ctx context.Context, deviceID, feature string) (Assignment, error) {
	b, err := a.GetBucket(ctx, deviceID, feature)
	if err != nil {
		return Assignment{}, err
	}
	salt, err := a.salt(ctx, feature)
	if err != nil {
		return Assignment{}, err
	}
	return Assignment{DeviceID: deviceID, Feature: feature, Salt: salt.Salt, Bucket: b, AssignedAt: a.opts.Now().UTC()}, nil
}

// Salt retorna el salt vigente de la feature, creándolo si no existe.
func (a *Assigner) Salt(ctx context.Context, feature string) (SaltInfo, error) {
	if feature == "" {
		return SaltInfo{}, ErrInvalidInput
	}
	return a.salt(ctx, feature)
}

func (a *Assigner) expired(s SaltInfo) bool {
	if s.Pinned || a.opts.SaltRotationInterval < 0 {
		return false
	}
	return !a.opts.Now().Before(s.CreatedAt.Add(a.opts.SaltRotationInterval))
}

func (a *Assigner) salt(ctx context.Context, feature string) (SaltInfo, error) {
	if s, ok := a.held(feature); ok && !a.expired(s) {
		return s, nil
	}

	v, err, _ := a.sf.Do(feature, func() (any, error) {
		unlock := a.lock(feature)
		defer unlock()
		if s, ok := a.held(feature); ok && !a.expired(s) {
			return s, nil
		}

		var cur SaltInfo
		err := kv.GetJSON(ctx, a.store, saltKey(feature), &cur)
		switch {
		case kv.IsNotFound(err):
			return a.replaceSalt(ctx, feature, SaltInfo{Salt: newSalt(), CreatedAt: a.opts.Now().UTC()}, "create")
		case err != nil:
			return SaltInfo{}, fmt.Errorf("cohort: load salt %s: %w", feature, err)
		case a.expired(cur):
			return a.replaceSalt(ctx, feature, SaltInfo{Salt: newSalt(), CreatedAt: a.opts.Now().UTC()}, "auto")
		}
		return a.remember(feature, cur), nil
	})
	if err != nil {
		return SaltInfo{}, err
	}
	return v.(SaltInfo), nil
}

// replaceSalt persiste el salt y lo relee: si otro proceso escribió entre medio,
// gana lo que quedó en el store. Se llama con el lock de la feature tomado.
func (a *Assigner) replaceSalt(ctx context.Context, feature string, next SaltInfo, trigger string) (SaltInfo, error) {
	if err := kv.SetJSON(ctx, a.store, saltKey(feature), next); err != nil {
		return SaltInfo{}, fmt.Errorf("cohort: persist salt %s: %w", feature, err)
	}
	var stored SaltInfo
	if err := kv.GetJSON(ctx, a.store, saltKey(feature), &stored); err != nil {
		return SaltInfo{}, fmt.Errorf("cohort: read back salt %s: %w", feature, err)
	}

	a.mu.Lock()
	prev, had := a.salts[feature]
	a.salts[feature] = stored
	a.mu.Unlock()
	if trigger != "create" || (had && prev.Salt != stored.Salt) {
		a.invalidate(feature)
	}
	if trigger != "create" {
		metrics.CohortSaltRotationsTotal.WithLabelValues(trigger).Inc()
		a.log.Info("cohort salt rotated", logger.Feature(feature), logger.String("trigger", trigger))
	}
	return stored, nil
}

// remember adopta un salt leído del store salvo que el que ya está en memoria sea
// más nuevo. Retorna el salt vigente.
func (a *Assigner) remember(feature string, s SaltInfo) SaltInfo {
	a.mu.Lock()
	prev, had := a.salts[feature]
	if had && s.CreatedAt.Before(prev.CreatedAt) {
		a.mu.Unlock()
		return prev
	}
	a.salts[feature] = s
	a.mu.Unlock()
	if had && prev.Salt != s.Salt {
		a.invalidate(feature)
	}
	return s
}

// invalidate borra del caché solo los buckets de la feature.
func (a *Assigner) invalidate(feature string) {
	prefix := feature + "\x00"
	for k := range a.buckets.Items() {
		if strings.HasPrefix(k, prefix) {
			a.buckets.Delete(k)
		}
	}
}

// RotateSalt reemplaza el salt de la feature (quita el pin si lo había).
func (a *Assigner) RotateSalt(ctx context.Context, feature string) (SaltInfo, error) {
	if feature == "" {
		return SaltInfo{}, ErrInvalidInput
	}
	v, err, _ := a.sf.Do("rotate\x00"+feature, func() (any, error) {
		unlock := a.lock(feature)
		defer unlock()
		return a.replaceSalt(ctx, feature, SaltInfo{Salt: newSalt(), CreatedAt: a.opts.Now().UTC()}, "manual")
	})
	if err != nil {
		return SaltInfo{}, err
	}
	return v.(SaltInfo), nil
}

// PinSalt fija un salt explícito que no rota automáticamente.
func (a *Assigner) PinSalt(ctx context.Context, feature, salt string) (SaltInfo, error) {
	if feature == "" {
		return SaltInfo{}, ErrInvalidInput
	}
	if salt == "" {
		return SaltInfo{}, ErrEmptySalt
	}
	v, err, _ := a.sf.Do("pin\x00"+feature, func() (any, error) {
		unlock := a.lock(feature)
		defer unlock()
		return a.replaceSalt(ctx, feature, SaltInfo{Salt: salt, CreatedAt: a.opts.Now().UTC(), Pinned: true}, "pin")
	})
	if err != nil {
		return SaltInfo{}, err
	}
	return v.(SaltInfo), nil
}

func newSalt() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

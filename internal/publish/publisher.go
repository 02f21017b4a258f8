// Package publish mantiene el documento de flags autoritativo del lado servidor y
// sirve su forma firmada.
//
// Cada mutación incrementa el patch de la versión y se persiste en el store antes
// de publicarse. El payload firmado se cachea y se vuelve a firmar cuando cambia
// el documento, cambia la primaria o la firma supera SignTTL.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dropDatabas3/trustroll/internal/envelope"
	"github.com/dropDatabas3/trustroll/internal/flags"
	"github.com/dropDatabas3/trustroll/internal/keys"
	"github.com/dropDatabas3/trustroll/internal/kv"
	"github.com/dropDatabas3/trustroll/internal/observability/logger"
)

// InitialVersion versión del primer documento.
const InitialVersion = "1.0.0"

var ErrNotLoaded = errors.New("publish: document not loaded")

// Signer firma con la primaria y la expone para detectar cambios.
type Signer interface {
	envelope.Signer
	Primary() *keys.SigningKey
}

// Options configura el Publisher.
type Options struct {
	StorageKey string        // default "config/document"
	SignTTL    time.Duration // default 1m; debe ser menor a la ventana de frescura de los clientes
	Now        func() time.Time
	Logger     *zap.Logger
}

type record struct {
	Version   string         `json:"version"`
	Document  flags.Document `json:"document"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Publisher es seguro para uso concurrente.
type Publisher struct {
	store  kv.Store
	signer Signer
	opts   Options
	log    *zap.Logger

	mu       sync.Mutex
	rec      *record
	cached   *envelope.ConfigPayload
	cachedAt time.Time
}

// New crea un Publisher. Llamar Load antes de usarlo.
func New(store kv.Store, signer Signer, opts Options) *Publisher {
	if opts.StorageKey == "" {
		opts.StorageKey = "config/document"
	}
	if opts.SignTTL <= 0 {
		opts.SignTTL = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logger.Named("publish")
	}
	return &Publisher{store: store, signer: signer, opts: opts, log: opts.Logger}
}

// Load carga el documento persistido. Si no existe, persiste seed (o un
// documento vacío) con InitialVersion.
func (p *Publisher) Load(ctx context.Context, seed *flags.Document) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var rec record
	err := kv.GetJSON(ctx, p.store, p.opts.StorageKey, &rec)
	switch {
	case err == nil:
		if rec.Document.Flags == nil {
			rec.Document.Flags = map[string]flags.Rule{}
		}
		p.rec, p.cached = &rec, nil
		p.log.Info("config document loaded", logger.Version(rec.Version), logger.Count(len(rec.Document.Flags)))
		return nil
	case !kv.IsNotFound(err):
		return fmt.Errorf("publish: load: %w", err)
	}

	doc := flags.Document{Flags: map[string]flags.Rule{}}
	if seed != nil {
		doc = seed.Clone()
	}
	if err := doc.Validate(); err != nil {
		return err
	}
	rec = record{Version: InitialVersion, Document: doc, UpdatedAt: p.opts.Now().UTC()}
	if err := kv.SetJSON(ctx, p.store, p.opts.StorageKey, rec); err != nil {
		return fmt.Errorf("publish: persist seed: %w", err)
	}
	p.rec, p.cached = &rec, nil
	p.log.Info("config document seeded", logger.Version(rec.Version), logger.Count(len(doc.Flags)))
	return nil
}

// Document retorna una copia del documento y su versión.
func (p *Publisher) Document() (flags.Document, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rec == nil {
		return flags.Document{}, "", ErrNotLoaded
	}
	return p.rec.Document.Clone(), p.rec.Version, nil
}

// Payload retorna el documento firmado con la primaria actual.
func (p *Publisher) Payload(ctx context.Context) (envelope.ConfigPayload, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rec == nil {
		return envelope.ConfigPayload{}, ErrNotLoaded
	}

	now := p.opts.Now()
	primary := p.signer.Primary()
	if c := p.cached; c != nil && primary != nil && c.KID == primary.KID && now.Sub(p.cachedAt) < p.opts.SignTTL {
		return *c, nil
	}

	body, err := json.Marshal(p.rec.Document)
	if err != nil {
		return envelope.ConfigPayload{}, fmt.Errorf("publish: encode: %w", err)
	}
	payload, err := envelope.Sign(p.signer, p.rec.Version, now, body)
	if err != nil {
		return envelope.ConfigPayload{}, err
	}
	p.cached, p.cachedAt = &payload, now
	logger.From(ctx).Debug("config payload signed", logger.KID(payload.KID), logger.Version(payload.Version))
	return payload, nil
}

// Update aplica mutate sobre una copia del documento, valida, incrementa la
// versión y persiste. Si algo falla el documento publicado no cambia.
func (p *Publisher) Update(ctx context.Context, mutate func(*flags.Document) error) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rec == nil {
		return "", ErrNotLoaded
	}

	doc := p.rec.Document.Clone()
	if err := mutate(&doc); err != nil {
		return "", err
	}
	if err := doc.Validate(); err != nil {
		return "", err
	}
	version, err := bumpPatch(p.rec.Version)
	if err != nil {
		return "", err
	}
	next := record{Version: version, Document: doc, UpdatedAt: p.opts.Now().UTC()}
	if err := kv.SetJSON(ctx, p.store, p.opts.StorageKey, next); err != nil {
		return "", fmt.Errorf("publish: persist: %w", err)
	}
	p.rec, p.cached = &next, nil
	p.log.Info("config document updated", logger.Version(version))
	return version, nil
}

// SetKillSwitch activa o desactiva el kill switch global.
func (p *Publisher) SetKillSwitch(ctx context.Context, active bool) (string, error) {
	return p.Update(ctx, func(d *flags.Document) error {
		d.KillSwitch = active
		return nil
	})
}

// SetOverrides reemplaza la lista de overrides de una feature existente.
func (p *Publisher) SetOverrides(ctx context.Context, feature string, ids []string) (string, error) {
	return p.Update(ctx, func(d *flags.Document) error {
		r, ok := d.Flags[feature]
		if !ok {
			return fmt.Errorf("%w: %s", flags.ErrUnknownFlag, feature)
		}
		r.OverrideIDs = dedupe(ids)
		d.Flags[feature] = r
		return nil
	})
}

// UpsertRule crea o reemplaza la regla de una feature.
func (p *Publisher) UpsertRule(ctx context.Context, feature string, rule flags.Rule) (string, error) {
	if strings.TrimSpace(feature) == "" {
		return "", fmt.Errorf("%w: empty feature name", flags.ErrInvalidRule)
	}
	return p.Update(ctx, func(d *flags.Document) error {
		rule.OverrideIDs = dedupe(rule.OverrideIDs)
		d.Flags[feature] = rule
		return nil
	})
}

// DeleteRule elimina una feature.
func (p *Publisher) DeleteRule(ctx context.Context, feature string) (string, error) {
	return p.Update(ctx, func(d *flags.Document) error {
		if _, ok := d.Flags[feature]; !ok {
			return fmt.Errorf("%w: %s", flags.ErrUnknownFlag, feature)
		}
		delete(d.Flags, feature)
		return nil
	})
}

func bumpPatch(v string) (string, error) {
	parts := strings.Split(v, ".")
	for len(parts) < 3 {
		parts = append(parts, "0")
	}
	n, err := strconv.ParseUint(parts[len(parts)-1], 10, 64)
	if err != nil {
		return "", fmt.Errorf("publish: version %q not numeric: %w", v, err)
	}
	parts[len(parts)-1] = strconv.FormatUint(n+1, 10)
	return strings.Join(parts, "."), nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

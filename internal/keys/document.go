package keys

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dropDatabas3/trustroll/internal/security/secretbox"
)

const documentSchema = 1

// keyDocument es la forma persistida del registro: un único documento, escrito
// de una vez, para que una transición no pueda quedar a medias.
type keyDocument struct {
	Schema    int         `json:"schema"`
	Revision  uint64      `json:"revision"`
	UpdatedAt time.Time   `json:"updatedAt"`
	Keys      []keyRecord `json:"keys"`
}

type keyRecord struct {
	KID        string     `json:"kid"`
	Algorithm  string     `json:"alg"`
	Role       Role       `json:"role"`
	PublicKey  string     `json:"publicKey"`
	PrivateKey string     `json:"privateKey,omitempty"`
	Sealed     bool       `json:"sealed,omitempty"`
	ValidFrom  time.Time  `json:"validFrom"`
	ValidUntil time.Time  `json:"validUntil"`
	RetiredAt  *time.Time `json:"retiredAt,omitempty"`
	PurgeAfter *time.Time `json:"purgeAfter,omitempty"`
}

func encodeSnapshot(s *Snapshot, box *secretbox.Box, now time.Time) ([]byte, error) {
	doc := keyDocument{Schema: documentSchema, Revision: s.Revision, UpdatedAt: now.UTC()}
	add := func(k *SigningKey) error {
		rec := keyRecord{
			KID:        k.KID,
			Algorithm:  k.Algorithm,
			Role:       k.Role,
			PublicKey:  base64.StdEncoding.EncodeToString(k.PublicKey),
			ValidFrom:  k.ValidFrom.UTC(),
			ValidUntil: k.ValidUntil.UTC(),
		}
		if k.handle != nil {
			if box != nil {
				sealed, err := box.Seal(k.handle.key)
				if err != nil {
					return err
				}
				rec.PrivateKey, rec.Sealed = sealed, true
			} else {
				rec.PrivateKey = base64.StdEncoding.EncodeToString(k.handle.key)
			}
		}
		if k.Role == RoleRetiring {
			ra, pa := k.RetiredAt.UTC(), k.PurgeAfter.UTC()
			rec.RetiredAt, rec.PurgeAfter = &ra, &pa
		}
		doc.Keys = append(doc.Keys, rec)
		return nil
	}
	if s.Primary != nil {
		if err := add(s.Primary); err != nil {
			return nil, err
		}
	}
	if s.Secondary != nil {
		if err := add(s.Secondary); err != nil {
			return nil, err
		}
	}
	for _, k := range s.Retiring {
		if err := add(k); err != nil {
			return nil, err
		}
	}
	return json.Marshal(doc)
}

func decodeDocument(b []byte, box *secretbox.Box) (uint64, []*SigningKey, error) {
	var doc keyDocument
	if err := json.Unmarshal(b, &doc); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrCorruptDocument, err)
	}
	if doc.Schema != documentSchema {
		return 0, nil, fmt.Errorf("%w: unsupported schema %d", ErrCorruptDocument, doc.Schema)
	}
	out := make([]*SigningKey, 0, len(doc.Keys))
	for _, rec := range doc.Keys {
		pub, err := base64.StdEncoding.DecodeString(rec.PublicKey)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			return 0, nil, fmt.Errorf("%w: bad public key for %s", ErrCorruptDocument, rec.KID)
		}
		k := &SigningKey{
			KID:        rec.KID,
			Algorithm:  rec.Algorithm,
			Role:       rec.Role,
			PublicKey:  ed25519.PublicKey(pub),
			ValidFrom:  rec.ValidFrom,
			ValidUntil: rec.ValidUntil,
		}
		if rec.RetiredAt != nil {
			k.RetiredAt = *rec.RetiredAt
		}
		if rec.PurgeAfter != nil {
			k.PurgeAfter = *rec.PurgeAfter
		}
		if rec.PrivateKey != "" {
			var priv []byte
			if rec.Sealed {
				if box == nil {
					return 0, nil, fmt.Errorf("%w: %s is sealed", ErrMasterKey, rec.KID)
				}
				if priv, err = box.Open(rec.PrivateKey); err != nil {
					return 0, nil, fmt.Errorf("%w: open %s: %v", ErrMasterKey, rec.KID, err)
				}
			} else if priv, err = base64.StdEncoding.DecodeString(rec.PrivateKey); err != nil {
				return 0, nil, fmt.Errorf("%w: bad private key for %s", ErrCorruptDocument, rec.KID)
			}
			if len(priv) != ed25519.PrivateKeySize {
				return 0, nil, fmt.Errorf("%w: bad private key size for %s", ErrCorruptDocument, rec.KID)
			}
			k.handle = &PrivateKeyHandle{key: ed25519.PrivateKey(priv)}
		}
		out = append(out, k)
	}
	return doc.Revision, out, nil
}

package keys

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"time"
)

// DiscoveryKey es la forma pública de una clave (estilo JWK OKP).
type DiscoveryKey struct {
	KID        string    `json:"kid"`
	Algorithm  string    `json:"alg"`
	KeyType    string    `json:"kty"`
	Curve      string    `json:"crv"`
	Use        string    `json:"use"`
	X          string    `json:"x"`
	ValidFrom  time.Time `json:"validFrom"`
	ValidUntil time.Time `json:"validUntil"`
	IsPrimary  bool      `json:"isPrimary"`
}

// DiscoveryDocument lista las claves que los clientes deben aceptar: primaria y
// secundaria. Las retiring no se anuncian.
type DiscoveryDocument struct {
	Keys []DiscoveryKey `json:"keys"`
}

func discoveryKey(k *SigningKey, primary bool) DiscoveryKey {
	return DiscoveryKey{
		KID:        k.KID,
		Algorithm:  Algorithm,
		KeyType:    "OKP",
		Curve:      "Ed25519",
		Use:        "sig",
		X:          base64.RawURLEncoding.EncodeToString(k.PublicKey),
		ValidFrom:  k.ValidFrom.UTC(),
		ValidUntil: k.ValidUntil.UTC(),
		IsPrimary:  primary,
	}
}

// Discovery arma el documento público del snapshot.
func (s *Snapshot) Discovery() DiscoveryDocument {
	doc := DiscoveryDocument{Keys: []DiscoveryKey{}}
	if s == nil {
		return doc
	}
	if s.Primary != nil {
		doc.Keys = append(doc.Keys, discoveryKey(s.Primary, true))
	}
	if s.Secondary != nil {
		doc.Keys = append(doc.Keys, discoveryKey(s.Secondary, false))
	}
	return doc
}

// SnapshotFromDiscovery reconstruye un snapshot solo-público a partir del
// documento de discovery, para verificar del lado cliente.
func SnapshotFromDiscovery(doc DiscoveryDocument) (*Snapshot, error) {
	s := &Snapshot{}
	for _, dk := range doc.Keys {
		if dk.KeyType != "OKP" || dk.Curve != "Ed25519" {
			return nil, fmt.Errorf("keys: unsupported key %s (%s/%s)", dk.KID, dk.KeyType, dk.Curve)
		}
		pub, err := base64.RawURLEncoding.DecodeString(dk.X)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("keys: bad public key for %s", dk.KID)
		}
		k := &SigningKey{
			KID:        dk.KID,
			Algorithm:  dk.Algorithm,
			PublicKey:  ed25519.PublicKey(pub),
			ValidFrom:  dk.ValidFrom,
			ValidUntil: dk.ValidUntil,
		}
		switch {
		case dk.IsPrimary && s.Primary == nil:
			k.Role = RolePrimary
			s.Primary = k
		case !dk.IsPrimary && s.Secondary == nil:
			k.Role = RoleSecondary
			s.Secondary = k
		default:
			return nil, fmt.Errorf("keys: duplicate role in discovery document (%s)", dk.KID)
		}
	}
	if s.Primary == nil {
		return nil, ErrNoActiveKey
	}
	return s, nil
}

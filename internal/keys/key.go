package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Algorithm es el único algoritmo soportado (Ed25519, nombre JOSE).
const Algorithm = "EdDSA"

// Role de una clave dentro del registro.
type Role string

const (
	RolePrimary   Role = "primary"
	RoleSecondary Role = "secondary"
	// RoleRetiring ex-primaria: solo verifica (vía fallback) hasta PurgeAfter.
	RoleRetiring Role = "retiring"
)

// SigningKey es una clave del registro. Es inmutable una vez publicada en un
// Snapshot: las mutaciones trabajan sobre copias.
type SigningKey struct {
	KID        string
	Algorithm  string
	PublicKey  ed25519.PublicKey
	ValidFrom  time.Time
	ValidUntil time.Time
	Role       Role

	// Solo para RoleRetiring.
	RetiredAt  time.Time
	PurgeAfter time.Time

	handle *PrivateKeyHandle
}

// HasPrivate indica si el registro tiene material privado para esta clave.
func (k *SigningKey) HasPrivate() bool { return k != nil && k.handle != nil }

// Public retorna una copia sin material privado.
func (k *SigningKey) Public() SigningKey {
	cp := *k
	cp.handle = nil
	cp.PublicKey = append(ed25519.PublicKey(nil), k.PublicKey...)
	return cp
}

// PrivateKeyHandle encapsula la clave privada. Nunca se serializa hacia clientes;
// la custodia física (HSM/enclave) queda fuera del alcance, este handle es el
// punto donde se enchufaría.
type PrivateKeyHandle struct {
	key ed25519.PrivateKey
}

// Sign firma msg con Ed25519.
func (h *PrivateKeyHandle) Sign(msg []byte) ([]byte, error) {
	return jwtv5.SigningMethodEdDSA.Sign(string(msg), h.key)
}

// KeyGenerator genera keypairs. Inyectable para simular fallas.
type KeyGenerator interface {
	Generate() (ed25519.PublicKey, ed25519.PrivateKey, error)
}

// KeyGeneratorFunc adapta una función a KeyGenerator.
type KeyGeneratorFunc func() (ed25519.PublicKey, ed25519.PrivateKey, error)

func (f KeyGeneratorFunc) Generate() (ed25519.PublicKey, ed25519.PrivateKey, error) { return f() }

// Ed25519Generator usa crypto/rand.
var Ed25519Generator KeyGenerator = KeyGeneratorFunc(func() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
})

// newKID arma un kid legible y único: kid-<ts>-<rand8>.
func newKID(now time.Time) string {
	return "kid-" + now.UTC().Format("20060102T150405Z") + "-" + uuid.NewString()[:8]
}

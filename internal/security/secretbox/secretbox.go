// Package secretbox sella secretos en reposo (claves privadas de firma) con
// NaCl secretbox (XSalsa20-Poly1305). Formato: base64(nonce)|base64(ciphertext).
package secretbox

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// EnvVar es la variable de entorno convencional para la master key.
	EnvVar = "TRUST_MASTER_KEY"

	nonceSize         = 24
	requiredKeyLength = 32
	sep               = "|"
)

var (
	ErrKeyLength = fmt.Errorf("secretbox: master key must decode to %d bytes", requiredKeyLength)
	ErrFormat    = errors.New("secretbox: invalid format, expected base64(nonce)|base64(ciphertext)")
	ErrOpen      = errors.New("secretbox: authentication failed")
)

// Box sella y abre con una master key fija.
type Box struct {
	key [requiredKeyLength]byte
}

// New crea un Box con una clave de 32 bytes.
func New(key []byte) (*Box, error) {
	if len(key) != requiredKeyLength {
		return nil, ErrKeyLength
	}
	b := &Box{}
	copy(b.key[:], key)
	return b, nil
}

// ParseKey acepta base64 (std o raw), hex (64 chars) o 32 bytes crudos.
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrKeyLength
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == requiredKeyLength {
		return b, nil
	}
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil && len(b) == requiredKeyLength {
		return b, nil
	}
	if len(s) == 64 {
		if h, err := hex.DecodeString(s); err == nil {
			return h, nil
		}
	}
	if len(s) == requiredKeyLength {
		return []byte(s), nil
	}
	return nil, ErrKeyLength
}

// GenerateKey retorna una master key aleatoria en base64.
func GenerateKey() (string, error) {
	k := make([]byte, requiredKeyLength)
	if _, err := io.ReadFull(rand.Reader, k); err != nil {
		return "", fmt.Errorf("secretbox: random: %w", err)
	}
	return base64.StdEncoding.EncodeToString(k), nil
}

// Seal cifra plain.
func (b *Box) Seal(plain []byte) (string, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("secretbox: nonce: %w", err)
	}
	ct := secretbox.Seal(nil, plain, &nonce, &b.key)
	return base64.StdEncoding.EncodeToString(nonce[:]) + sep + base64.StdEncoding.EncodeToString(ct), nil
}

// Open descifra un valor producido por Seal.
func (b *Box) Open(sealed string) ([]byte, error) {
	parts := strings.Split(sealed, sep)
	if len(parts) != 2 {
		return nil, ErrFormat
	}
	n, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil || len(n) != nonceSize {
		return nil, ErrFormat
	}
	ct, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrFormat
	}
	var nonce [nonceSize]byte
	copy(nonce[:], n)
	pt, ok := secretbox.Open(nil, ct, &nonce, &b.key)
	if !ok {
		return nil, ErrOpen
	}
	return pt, nil
}

// Package envelope define la forma en el cable de una configuración firmada y su
// forma canónica (lo que se firma).
//
// Forma canónica, congelada:
//
//	{"body":<body canónico>,"issuedAt":<unix ms>,"version":"<v>"}
//
// Keys ordenadas, sin espacios, sin escapado HTML y números preservados tal cual.
package envelope

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrEmptyVersion = errors.New("envelope: empty version")
	ErrInvalidBody  = errors.New("envelope: body is not valid JSON")
	ErrBadSignature = errors.New("envelope: signature is not base64url")
)

// ConfigPayload es la configuración firmada que viaja a los clientes.
type ConfigPayload struct {
	Version   string          `json:"version"`
	IssuedAt  int64           `json:"issuedAt"` // unix ms
	KID       string          `json:"kid"`
	Signature string          `json:"signature"` // base64url sin padding
	Body      json.RawMessage `json:"body"`
}

// Signer firma con la clave primaria y devuelve su kid.
type Signer interface {
	Sign(msg []byte) (kid string, sig []byte, err error)
}

// IssuedTime retorna IssuedAt como time.Time.
func (p ConfigPayload) IssuedTime() time.Time {
	return time.UnixMilli(p.IssuedAt).UTC()
}

// SignatureBytes decodifica la firma.
func (p ConfigPayload) SignatureBytes() ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(p.Signature)
	if err != nil {
		return nil, ErrBadSignature
	}
	return b, nil
}

// SigningInput retorna la forma canónica que cubre la firma.
func (p ConfigPayload) SigningInput() ([]byte, error) {
	return Canonical(p.Version, p.IssuedAt, p.Body)
}

// Canonical arma la forma canónica de (version, issuedAt, body).
func Canonical(version string, issuedAtMs int64, body json.RawMessage) ([]byte, error) {
	if version == "" {
		return nil, ErrEmptyVersion
	}
	var v any
	if len(bytes.TrimSpace(body)) == 0 {
		v = map[string]any{}
	} else {
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidBody, err)
		}
		if dec.More() {
			return nil, fmt.Errorf("%w: trailing data", ErrInvalidBody)
		}
	}
	return marshalCanonical(map[string]any{
		"body":     v,
		"issuedAt": issuedAtMs,
		"version":  version,
	})
}

// CanonicalBody normaliza un body JSON (mismas reglas que Canonical).
func CanonicalBody(body json.RawMessage) (json.RawMessage, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	return marshalCanonical(v)
}

// encoding/json ordena las keys de los maps; solo hay que apagar el escapado
// HTML y quitar el newline final del Encoder.
func marshalCanonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Sign arma y firma un payload. El body se guarda en su forma canónica.
func Sign(s Signer, version string, issuedAt time.Time, body json.RawMessage) (ConfigPayload, error) {
	cb, err := CanonicalBody(body)
	if err != nil {
		return ConfigPayload{}, err
	}
	p := ConfigPayload{Version: version, IssuedAt: issuedAt.UnixMilli(), Body: cb}
	msg, err := p.SigningInput()
	if err != nil {
		return ConfigPayload{}, err
	}
	kid, sig, err := s.Sign(msg)
	if err != nil {
		return ConfigPayload{}, fmt.Errorf("envelope: sign: %w", err)
	}
	p.KID = kid
	p.Signature = base64.RawURLEncoding.EncodeToString(sig)
	return p, nil
}

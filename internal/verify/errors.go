package verify

import "errors"

var (
	// ErrInvalidSignature la firma no verifica con ninguna clave confiable.
	ErrInvalidSignature = errors.New("verify: invalid signature")

	// ErrUnknownKey no hay claves confiables contra las cuales verificar.
	ErrUnknownKey = errors.New("verify: no trusted key for kid")

	// ErrStalePayload el payload es más viejo que maxAge.
	ErrStalePayload = errors.New("verify: stale payload")

	// ErrFuturePayload el payload tiene un issuedAt en el futuro.
	ErrFuturePayload = errors.New("verify: payload issued in the future")

	// ErrVersionRegression la versión es menor a la última aceptada.
	ErrVersionRegression = errors.New("verify: version regression")

	// ErrMalformedVersion la versión tiene componentes no numéricos.
	ErrMalformedVersion = errors.New("verify: malformed version")
)

// IsRetriable indica si reintentar con el mismo payload tiene sentido. Las fallas
// criptográficas, de frescura y de versión nunca lo son.
func IsRetriable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrInvalidSignature),
		errors.Is(err, ErrUnknownKey),
		errors.Is(err, ErrStalePayload),
		errors.Is(err, ErrFuturePayload),
		errors.Is(err, ErrVersionRegression),
		errors.Is(err, ErrMalformedVersion):
		return false
	default:
		return true
	}
}

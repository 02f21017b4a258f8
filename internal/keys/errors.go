package keys

import "errors"

var (
	// ErrNotInitialized se retorna si se usa el registro antes de Initialize.
	ErrNotInitialized = errors.New("keys: registry not initialized")

	// ErrNoActiveKey no hay primaria (no debería ocurrir tras Initialize).
	ErrNoActiveKey = errors.New("no_active_signing_key")

	// ErrKIDNotFound el kid no corresponde a una clave con material privado.
	ErrKIDNotFound = errors.New("kid_not_found")

	// ErrKeyGeneration la generación del keypair falló; la primaria queda intacta.
	ErrKeyGeneration = errors.New("keys: key generation failed")

	// ErrPersistence el documento de claves no pudo persistirse tras los reintentos.
	ErrPersistence = errors.New("keys: persistence failed")

	// ErrRotationAbandoned la transición se abandonó tras agotar los reintentos.
	ErrRotationAbandoned = errors.New("keys: rotation abandoned")

	// ErrMasterKey la master key para sellar claves privadas es inválida o falta.
	ErrMasterKey = errors.New("keys: invalid or missing master key")

	// ErrCorruptDocument el documento persistido no se puede interpretar.
	ErrCorruptDocument = errors.New("keys: corrupt key document")
)

// IsRotationFailure indica un error de rotación/promoción: el estado previo se
// preservó y el scheduler reintentará en el próximo tick.
func IsRotationFailure(err error) bool {
	return errors.Is(err, ErrKeyGeneration) || errors.Is(err, ErrPersistence) || errors.Is(err, ErrRotationAbandoned)
}

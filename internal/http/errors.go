package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/dropDatabas3/trustroll/internal/flags"
	"github.com/dropDatabas3/trustroll/internal/keys"
	"github.com/dropDatabas3/trustroll/internal/publish"
)

type apiError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	ErrorCode        int    `json:"error_code,omitempty"`
	RequestID        string `json:"request_id,omitempty"`
}

// AppError es un error con status y código estable para el cliente.
type AppError struct {
	Status      int
	Code        string
	Description string
	ErrCode     int
}

func (e *AppError) Error() string { return e.Code + ": " + e.Description }

func WriteError(w http.ResponseWriter, status int, code, desc string, errCode int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	rid := w.Header().Get("X-Request-ID")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiError{
		Error:            code,
		ErrorDescription: desc,
		ErrorCode:        errCode,
		RequestID:        rid,
	})
}

// WriteAppError traduce errores de dominio a respuestas HTTP.
func WriteAppError(w http.ResponseWriter, err error) {
	ae := toAppError(err)
	WriteError(w, ae.Status, ae.Code, ae.Description, ae.ErrCode)
}

func toAppError(err error) *AppError {
	var ae *AppError
	switch {
	case errors.As(err, &ae):
		return ae
	case errors.Is(err, flags.ErrUnknownFlag):
		return &AppError{http.StatusNotFound, "unknown_flag", err.Error(), 1404}
	case errors.Is(err, flags.ErrInvalidRule):
		return &AppError{http.StatusBadRequest, "invalid_rule", err.Error(), 1400}
	case errors.Is(err, publish.ErrNotLoaded),
		errors.Is(err, keys.ErrNotInitialized),
		errors.Is(err, keys.ErrNoActiveKey):
		return &AppError{http.StatusServiceUnavailable, "not_ready", err.Error(), 1503}
	case keys.IsRotationFailure(err):
		return &AppError{http.StatusServiceUnavailable, "rotation_failed", err.Error(), 1504}
	case errors.Is(err, context.DeadlineExceeded):
		return &AppError{http.StatusGatewayTimeout, "timeout", "operation timed out", 1505}
	default:
		return &AppError{http.StatusInternalServerError, "internal_error", "internal error", 1500}
	}
}

// WriteJSON: respuesta JSON estándar
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ReadJSON: decodifica JSON de forma tolerante (NO falla por campos desconocidos).
// Valida Content-Type y limita el tamaño del body a 1MB.
func ReadJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := strings.ToLower(r.Header.Get("Content-Type"))
	if !strings.Contains(ct, "application/json") {
		WriteError(w, http.StatusBadRequest, "invalid_json", "Content-Type debe ser application/json", 1102)
		return false
	}
	// máx 1MB
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil && err != io.EOF {
		WriteError(w, http.StatusBadRequest, "invalid_json", "json inválido", 1102)
		return false
	}
	return true
}

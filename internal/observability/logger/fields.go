package logger

import (
	"time"

	"go.uber.org/zap"
)

// =================================================================================
// CAMPOS ESTÁNDAR - HTTP
// =================================================================================

func RequestID(v string) zap.Field       { return zap.String("request_id", v) }
func Method(v string) zap.Field          { return zap.String("method", v) }
func Path(v string) zap.Field            { return zap.String("path", v) }
func Status(v int) zap.Field             { return zap.Int("status", v) }
func Duration(v time.Duration) zap.Field { return zap.Duration("duration", v) }
func ClientIP(v string) zap.Field        { return zap.String("client_ip", v) }

// =================================================================================
// CAMPOS ESTÁNDAR - DOMINIO
// =================================================================================

// KID identifica una clave de firma.
func KID(v string) zap.Field { return zap.String("kid", v) }

// ExpectedKID es la clave que el cliente debería haber usado (la primaria).
func ExpectedKID(v string) zap.Field { return zap.String("expected_kid", v) }

// Role es el rol de la clave: primary | secondary | retiring.
func Role(v string) zap.Field { return zap.String("role", v) }

// Feature es el nombre de un flag.
func Feature(v string) zap.Field { return zap.String("feature", v) }

// DeviceID no debe contener PII: los clientes envían un identificador anónimo.
func DeviceID(v string) zap.Field { return zap.String("device_id", v) }

// Version es la versión de un payload de configuración.
func Version(v string) zap.Field { return zap.String("config_version", v) }

func AlertType(v string) zap.Field { return zap.String("alert_type", v) }
func Severity(v string) zap.Field  { return zap.String("severity", v) }
func Reason(v string) zap.Field    { return zap.String("reason", v) }
func Actor(v string) zap.Field     { return zap.String("actor", v) }
func Attempt(v int) zap.Field      { return zap.Int("attempt", v) }

// =================================================================================
// CAMPOS ESTÁNDAR - SISTEMA
// =================================================================================

func Component(v string) zap.Field { return zap.String("component", v) }
func Op(v string) zap.Field        { return zap.String("op", v) }
func Layer(v string) zap.Field     { return zap.String("layer", v) }
func Err(err error) zap.Field      { return zap.Error(err) }
func Count(v int) zap.Field        { return zap.Int("count", v) }
func Key(v string) zap.Field       { return zap.String("key", v) }

func Any(key string, v any) zap.Field        { return zap.Any(key, v) }
func String(key, v string) zap.Field         { return zap.String(key, v) }
func Int(key string, v int) zap.Field        { return zap.Int(key, v) }
func Bool(key string, v bool) zap.Field      { return zap.Bool(key, v) }
func Time(key string, v time.Time) zap.Field { return zap.Time(key, v) }

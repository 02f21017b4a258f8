// Package kv define el store persistente (PersistentStore) del engine: un key-value
// opaco donde viven el documento de claves, los salts de cohort, las asignaciones
// cacheadas y la última configuración verificada.
//
// Soporta:
//   - memory   (in-process, para desarrollo/testing)
//   - fs       (un archivo por key, escritura atómica)
//   - redis    (distribuido)
//   - postgres (tabla trust_kv)
//
// Todas las implementaciones garantizan que Set es atómico por key: un lector ve el
// valor anterior o el nuevo, nunca uno parcial.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Store define las operaciones del store persistente.
type Store interface {
	// Get obtiene un valor. Retorna ErrNotFound si no existe.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set guarda (o reemplaza) un valor.
	Set(ctx context.Context, key string, value []byte) error

	// Delete elimina una key. Borrar una key inexistente no es error.
	Delete(ctx context.Context, key string) error

	// Ping verifica la conexión con el backend.
	Ping(ctx context.Context) error

	// Close libera recursos.
	Close() error
}

// Config configuración para abrir un Store.
type Config struct {
	Driver string // "memory" | "fs" | "redis" | "postgres"
	Prefix string // prefijo para todas las keys (redis/postgres)

	Dir string // fs
	DSN string // postgres

	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

var (
	// ErrNotFound indica que la key no existe.
	ErrNotFound = errors.New("kv: key not found")

	// ErrClosed indica uso de un store ya cerrado.
	ErrClosed = errors.New("kv: store closed")

	// ErrInvalidKey indica una key vacía o con caracteres no permitidos.
	ErrInvalidKey = errors.New("kv: invalid key")
)

// IsNotFound verifica si el error es porque la key no existe.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Open crea un Store según la configuración.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemory(), nil
	case "fs":
		return NewFS(cfg.Dir)
	case "redis":
		return NewRedis(ctx, cfg)
	case "postgres", "pg":
		return NewPostgres(ctx, cfg.DSN, cfg.Prefix)
	default:
		return nil, fmt.Errorf("kv: unknown driver %q", cfg.Driver)
	}
}

// GetJSON lee una key y la decodifica en v.
func GetJSON(ctx context.Context, s Store, key string, v any) error {
	b, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("kv: decode %s: %w", key, err)
	}
	return nil
}

// SetJSON codifica v y lo guarda en key.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kv: encode %s: %w", key, err)
	}
	return s.Set(ctx, key, b)
}

func validKey(key string) error {
	if strings.TrimSpace(key) == "" || strings.ContainsAny(key, "\x00\n\r") {
		return ErrInvalidKey
	}
	return nil
}

func withPrefix(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + ":" + key
}

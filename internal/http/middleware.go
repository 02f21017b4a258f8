package http

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/dropDatabas3/trustroll/internal/flags"
	"github.com/dropDatabas3/trustroll/internal/observability/logger"
	"github.com/dropDatabas3/trustroll/internal/rate"
)

// Header de las API keys de admin.
const HeaderAdminKey = "X-Admin-API-Key"

// Header opcional con el nombre del operador (queda en el audit log).
const HeaderAdminActor = "X-Admin-Actor"

type ctxKey int

const actorKey ctxKey = iota

// ─────────────── Security Headers ───────────────

// WithSecurityHeaders inyecta cabeceras de defensa por defecto.
func WithSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}

// ─────────────── Request ID ───────────────
func WithRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if rid == "" {
			var b [16]byte
			_, _ = rand.Read(b[:])
			rid = hex.EncodeToString(b[:])
		}
		w.Header().Set("X-Request-ID", rid)
		next.ServeHTTP(w, r)
	})
}

// ─────────────── Recover de pánicos ───────────────
func WithRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.From(r.Context()).Error("panic",
					logger.RequestID(w.Header().Get("X-Request-ID")),
					logger.Any("recover", rec),
				)
				WriteError(w, http.StatusInternalServerError, "internal_error", "panic recover", 1500)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// ─────────────── Logging ───────────────
type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.wroteHeader {
		return
	}
	s.status = code
	s.wroteHeader = true
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if !s.wroteHeader {
		s.status = http.StatusOK
		s.wroteHeader = true
	}
	n, err := s.ResponseWriter.Write(b)
	s.bytes += n
	return n, err
}

// WithLogging inyecta un logger scoped (request_id, method, path, device_id) y
// registra el request al terminar, con nivel según el status.
func WithLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqLog := logger.L().With(
			logger.RequestID(w.Header().Get("X-Request-ID")),
			logger.Method(r.Method),
			logger.Path(r.URL.Path),
		)
		if dev := strings.TrimSpace(r.Header.Get(flags.HeaderDeviceID)); dev != "" {
			reqLog = reqLog.With(logger.DeviceID(dev))
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(logger.ToContext(r.Context(), reqLog)))

		dur := time.Since(start)
		switch {
		case rec.status >= 500:
			reqLog.Error("request failed", logger.Status(rec.status), logger.Int("bytes", rec.bytes), logger.Duration(dur))
		case rec.status >= 400:
			reqLog.Warn("request completed with client error", logger.Status(rec.status), logger.Int("bytes", rec.bytes), logger.Duration(dur))
		default:
			reqLog.Info("request completed", logger.Status(rec.status), logger.Int("bytes", rec.bytes), logger.Duration(dur))
		}
	})
}

// ─────────────── Rate Limit ───────────────

// RateKeyFunc arma la key de rate limit de un request.
type RateKeyFunc func(r *http.Request) string

// DeviceRateKey usa X-Device-ID y cae a la IP del cliente.
func DeviceRateKey(r *http.Request) string {
	if dev := strings.TrimSpace(r.Header.Get(flags.HeaderDeviceID)); dev != "" {
		return "dev:" + dev
	}
	return "ip:" + clientIP(r)
}

// WithRateLimit aplica lim por key. Si el backend falla se deja pasar el request.
func WithRateLimit(lim rate.Limiter, keyFn RateKeyFunc) func(http.Handler) http.Handler {
	if keyFn == nil {
		keyFn = DeviceRateKey
	}
	return func(next http.Handler) http.Handler {
		if lim == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, err := lim.Allow(r.Context(), keyFn(r))
			if err != nil {
				logger.From(r.Context()).Warn("rate limiter unavailable, allowing request", logger.Err(err))
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", res.Remaining))
			if !res.Allowed {
				secs := int(math.Ceil(res.RetryAfter.Seconds()))
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", fmt.Sprintf("%d", secs))
				WriteError(w, http.StatusTooManyRequests, "rate_limited", "Too many requests", 1429)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ─────────────── Admin ───────────────

// RequireAdminKey exige X-Admin-API-Key. Sin keys configuradas todo admin queda
// cerrado. El actor auditado es X-Admin-Actor (si viene) más la huella de la key.
func RequireAdminKey(keys []string) func(http.Handler) http.Handler {
	valid := make([]string, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			valid = append(valid, k)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := strings.TrimSpace(r.Header.Get(HeaderAdminKey))
			if got == "" || !matchKey(valid, got) {
				logger.From(r.Context()).Warn("admin request rejected", logger.ClientIP(clientIP(r)))
				WriteError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid admin api key", 1401)
				return
			}
			actor := "key:" + keyFingerprint(got)
			if name := strings.TrimSpace(r.Header.Get(HeaderAdminActor)); name != "" {
				actor = name + " (" + actor + ")"
			}
			ctx := context.WithValue(r.Context(), actorKey, actor)
			ctx = logger.ToContext(ctx, logger.From(ctx).With(logger.Actor(actor)))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func matchKey(valid []string, got string) bool {
	ok := 0
	for _, k := range valid {
		ok |= subtle.ConstantTimeCompare([]byte(k), []byte(got))
	}
	return ok == 1
}

func keyFingerprint(k string) string {
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:4])
}

func actorFrom(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey).(string); ok {
		return a
	}
	return "unknown"
}

func clientIP(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-For"); xf != "" {
		parts := strings.Split(xf, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}

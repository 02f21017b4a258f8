package drift

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dropDatabas3/trustroll/internal/observability/logger"
)

// RedisStreamSink publica alertas en un stream Redis acotado (XADD MAXLEN ~) para
// que pipelines externos las consuman. Emit nunca bloquea: si la cola interna está
// llena la alerta se descarta (el ring buffer local la sigue teniendo).
type RedisStreamSink struct {
	client  *redis.Client
	stream  string
	maxLen  int64
	timeout time.Duration
	log     *zap.Logger

	queue chan Alert
	wg    sync.WaitGroup
	once  sync.Once
}

// NewRedisStreamSink crea el sink y arranca su worker.
func NewRedisStreamSink(client *redis.Client, stream string, maxLen int64) *RedisStreamSink {
	if stream == "" {
		stream = "trust:drift-alerts"
	}
	if maxLen <= 0 {
		maxLen = 10000
	}
	s := &RedisStreamSink{
		client:  client,
		stream:  stream,
		maxLen:  maxLen,
		timeout: 2 * time.Second,
		log:     logger.Named("drift.redis"),
		queue:   make(chan Alert, 256),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *RedisStreamSink) Emit(a Alert) {
	select {
	case s.queue <- a:
	default:
		s.log.Warn("drift sink queue full, dropping alert", logger.AlertType(string(a.Type)))
	}
}

func (s *RedisStreamSink) run() {
	defer s.wg.Done()
	for a := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		err := s.client.XAdd(ctx, &redis.XAddArgs{
			Stream: s.stream,
			MaxLen: s.maxLen,
			Approx: true,
			Values: map[string]any{
				"id":          a.ID,
				"type":        string(a.Type),
				"kid":         a.KID,
				"expectedKid": a.ExpectedKID,
				"severity":    string(a.Severity),
				"ts":          a.Timestamp.UTC().Format(time.RFC3339Nano),
				"message":     a.Message,
			},
		}).Err()
		cancel()
		if err != nil {
			s.log.Warn("drift alert publish failed", logger.Err(err))
		}
	}
}

// Close drena la cola y detiene el worker.
func (s *RedisStreamSink) Close() {
	s.once.Do(func() {
		close(s.queue)
		s.wg.Wait()
	})
}

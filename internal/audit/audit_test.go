package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/dropDatabas3/trustroll/internal/observability/logger"
)

func TestLog_WritesStructuredEvent(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	ctx := logger.ToContext(context.Background(), zap.New(core))

	var got []Event
	AddSink(func(e Event) { got = append(got, e) })

	ev := Log(ctx, "keys.rotate", "ops@example.com", "kid-1", nil, map[string]any{"created": true})
	require.NotEmpty(t, ev.ID)
	require.Equal(t, "ok", ev.Outcome)

	entries := logs.FilterMessage("audit").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "keys.rotate", fields["event"])
	require.Equal(t, "ops@example.com", fields["actor"])
	require.Equal(t, true, fields["created"])
	require.Equal(t, "audit", entries[0].LoggerName)

	Log(ctx, "flags.kill_switch", "ops", "", errors.New("boom"), nil)
	require.Len(t, got, 2)
	require.Equal(t, "error", got[1].Outcome)
	require.Equal(t, "boom", got[1].Error)
}

package admin

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dropDatabas3/trustroll/internal/audit"
	"github.com/dropDatabas3/trustroll/internal/cohort"
	"github.com/dropDatabas3/trustroll/internal/flags"
	"github.com/dropDatabas3/trustroll/internal/keys"
	"github.com/dropDatabas3/trustroll/internal/kv"
	"github.com/dropDatabas3/trustroll/internal/publish"
)

var (
	eventsMu sync.Mutex
	events   []audit.Event
)

func init() {
	audit.AddSink(func(e audit.Event) {
		eventsMu.Lock()
		events = append(events, e)
		eventsMu.Unlock()
	})
}

func lastEvent(t *testing.T) audit.Event {
	t.Helper()
	eventsMu.Lock()
	defer eventsMu.Unlock()
	require.NotEmpty(t, events)
	return events[len(events)-1]
}

func newService(t *testing.T) (*Service, *keys.Registry, *publish.Publisher) {
	t.Helper()
	ctx := context.Background()
	store := kv.NewMemory()
	reg, err := keys.NewRegistry(store, keys.Options{Logger: zap.NewNop()})
	require.NoError(t, err)
	require.NoError(t, reg.Initialize(ctx))
	pub := publish.New(store, reg, publish.Options{Logger: zap.NewNop()})
	require.NoError(t, pub.Load(ctx, &flags.Document{Flags: map[string]flags.Rule{"beta": {Enabled: true}}}))
	sched := keys.NewScheduler(reg, keys.SchedulerOptions{Logger: zap.NewNop()})
	return New(sched, pub, cohort.NewAssigner(store, cohort.Options{Logger: zap.NewNop()})), reg, pub
}

func TestService_KeyOperationsAudited(t *testing.T) {
	s, reg, _ := newService(t)
	ctx := context.Background()
	old := reg.Primary().KID

	res, err := s.RotateKeys(ctx, "alice")
	require.NoError(t, err)
	require.True(t, res.Created)
	ev := lastEvent(t)
	require.Equal(t, "keys.rotate", ev.Event)
	require.Equal(t, "alice", ev.Actor)
	require.Equal(t, res.KID, ev.Target)

	promoted, err := s.PromoteKey(ctx, "alice")
	require.NoError(t, err)
	require.True(t, promoted)
	require.NotEqual(t, old, reg.Primary().KID)
	require.Equal(t, "keys.promote", lastEvent(t).Event)
}

func TestService_FlagOperationsAudited(t *testing.T) {
	s, _, pub := newService(t)
	ctx := context.Background()

	v, err := s.SetKillSwitch(ctx, "bob", true)
	require.NoError(t, err)
	require.Equal(t, "1.0.1", v)
	require.Equal(t, "flags.kill_switch", lastEvent(t).Event)

	_, err = s.SetOverrides(ctx, "bob", "nope", []string{"x"})
	require.ErrorIs(t, err, flags.ErrUnknownFlag)
	ev := lastEvent(t)
	require.Equal(t, "error", ev.Outcome)
	require.Equal(t, "nope", ev.Target)

	_, err = s.UpsertRule(ctx, "bob", "gamma", flags.Rule{Enabled: true})
	require.NoError(t, err)
	_, err = s.DeleteRule(ctx, "bob", "gamma")
	require.NoError(t, err)

	doc, v, err := pub.Document()
	require.NoError(t, err)
	require.True(t, doc.KillSwitch)
	require.Equal(t, "1.0.3", v)

	info, err := s.RotateSalt(ctx, "bob", "beta")
	require.NoError(t, err)
	require.NotEmpty(t, info.Salt)
	require.Equal(t, "cohort.rotate_salt", lastEvent(t).Event)
}

package flags

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dropDatabas3/trustroll/internal/envelope"
	"github.com/dropDatabas3/trustroll/internal/keys"
	"github.com/dropDatabas3/trustroll/internal/kv"
	"github.com/dropDatabas3/trustroll/internal/verify"
)

type signer struct {
	kid  string
	priv ed25519.PrivateKey
}

func (s signer) Sign(msg []byte) (string, []byte, error) { return s.kid, ed25519.Sign(s.priv, msg), nil }

type harness struct {
	now      time.Time
	mu       sync.Mutex
	signer   signer
	verifier *verify.Verifier
	calls    atomic.Int32
	fail     atomic.Bool
	version  string
	doc      Document
	store    kv.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	h := &harness{
		now:     time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC),
		signer:  signer{kid: "k1", priv: priv},
		version: "1.0.0",
		doc:     Document{Flags: map[string]Rule{"beta": {Enabled: true}}},
		store:   kv.NewMemory(),
	}
	snap := &keys.Snapshot{Primary: &keys.SigningKey{KID: "k1", PublicKey: pub, Role: keys.RolePrimary}}
	h.verifier = verify.New(verify.StaticKeys{Snap: snap}, verify.Options{Now: h.clock, Logger: zap.NewNop()})
	return h
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	h.now = h.now.Add(d)
	h.mu.Unlock()
}

func (h *harness) set(version string, doc Document) {
	h.mu.Lock()
	h.version, h.doc = version, doc
	h.mu.Unlock()
}

func (h *harness) Fetch(ctx context.Context, _ Identity) (envelope.ConfigPayload, error) {
	h.calls.Add(1)
	if h.fail.Load() {
		return envelope.ConfigPayload{}, errors.New("network unreachable")
	}
	h.mu.Lock()
	version, doc, now := h.version, h.doc, h.now
	h.mu.Unlock()
	body, _ := json.Marshal(doc)
	return envelope.Sign(h.signer, version, now, body)
}

func (h *harness) manager(policy FallbackPolicy) *Manager {
	return NewManager(h, h.verifier, h.store, NewEvaluator(nil, h.clock), ManagerOptions{
		UpdateInterval: time.Minute,
		Fallback:       policy,
		Identity:       Identity{DeviceID: "dev-1"},
		Now:            h.clock,
		Logger:         zap.NewNop(),
	})
}

func TestManager_CachesWithinInterval(t *testing.T) {
	h := newHarness(t)
	m := h.manager(FallbackDefaultOff)
	ctx := context.Background()

	st, err := m.FetchConfig(ctx)
	require.NoError(t, err)
	require.Equal(t, SourceRemote, st.Source)
	require.Equal(t, "1.0.0", st.Version)
	require.True(t, m.IsEnabled(ctx, "beta"))
	require.Equal(t, int32(1), h.calls.Load())

	h.advance(59 * time.Second)
	_, err = m.FetchConfig(ctx)
	require.NoError(t, err)
	require.Equal(t, int32(1), h.calls.Load())

	h.advance(time.Second)
	_, err = m.FetchConfig(ctx)
	require.NoError(t, err)
	require.Equal(t, int32(2), h.calls.Load())
}

func TestManager_RefreshIsSingleFlighted(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	var calls atomic.Int32
	slow := FetcherFunc(func(ctx context.Context, id Identity) (envelope.ConfigPayload, error) {
		calls.Add(1)
		<-gate
		return h.Fetch(ctx, id)
	})
	m := NewManager(slow, h.verifier, nil, NewEvaluator(nil, h.clock), ManagerOptions{Now: h.clock, Logger: zap.NewNop()})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.FetchConfig(context.Background())
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()
	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, "1.0.0", m.Current().Version)
}

func TestManager_CancelledCallerDoesNotDegradeOthers(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	var calls atomic.Int32
	slow := FetcherFunc(func(ctx context.Context, id Identity) (envelope.ConfigPayload, error) {
		calls.Add(1)
		select {
		case <-gate:
		case <-ctx.Done():
			return envelope.ConfigPayload{}, ctx.Err()
		}
		return h.Fetch(ctx, id)
	})
	m := NewManager(slow, h.verifier, nil, NewEvaluator(nil, h.clock), ManagerOptions{
		Fallback: FallbackDefaultOff,
		Now:      h.clock,
		Logger:   zap.NewNop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.FetchConfig(ctx)
	require.ErrorIs(t, err, ErrFetch)
	require.ErrorIs(t, err, context.Canceled)

	close(gate)
	st, err := m.FetchConfig(context.Background())
	require.NoError(t, err)
	require.Equal(t, SourceRemote, st.Source)
	require.True(t, m.IsEnabled(context.Background(), "beta"))
	require.Equal(t, int32(1), calls.Load())
}

func TestManager_FallbackRetriedBeforeUpdateInterval(t *testing.T) {
	h := newHarness(t)
	m := h.manager(FallbackDefaultOff)
	ctx := context.Background()

	h.fail.Store(true)
	st, err := m.FetchConfig(ctx)
	require.ErrorIs(t, err, ErrFetch)
	require.Equal(t, SourceDefault, st.Source)
	require.Equal(t, int32(1), h.calls.Load())

	h.fail.Store(false)
	h.advance(10 * time.Second)
	st, err = m.FetchConfig(ctx)
	require.NoError(t, err)
	require.Equal(t, SourceDefault, st.Source)
	require.Equal(t, int32(1), h.calls.Load())

	h.advance(20 * time.Second)
	st, err = m.FetchConfig(ctx)
	require.NoError(t, err)
	require.Equal(t, SourceRemote, st.Source)
	require.True(t, m.IsEnabled(ctx, "beta"))
	require.Equal(t, int32(2), h.calls.Load())
}

func TestManager_FallbackDefaultOff(t *testing.T) {
	h := newHarness(t)
	m := h.manager(FallbackDefaultOff)
	ctx := context.Background()

	_, err := m.FetchConfig(ctx)
	require.NoError(t, err)
	require.True(t, m.IsEnabled(ctx, "beta"))

	h.fail.Store(true)
	st, err := m.Refresh(ctx)
	require.ErrorIs(t, err, ErrFetch)
	require.Equal(t, SourceDefault, st.Source)
	require.False(t, m.IsEnabled(ctx, "beta"))
}

func TestManager_FallbackLastKnown(t *testing.T) {
	h := newHarness(t)
	m := h.manager(FallbackLastKnown)
	ctx := context.Background()

	h.fail.Store(true)
	st, err := m.FetchConfig(ctx)
	require.ErrorIs(t, err, ErrFetch)
	require.Equal(t, SourceDefault, st.Source)

	h.fail.Store(false)
	_, err = m.Refresh(ctx)
	require.NoError(t, err)

	h.fail.Store(true)
	st, err = m.Refresh(ctx)
	require.ErrorIs(t, err, ErrFetch)
	require.Equal(t, SourceLastKnown, st.Source)
	require.Equal(t, "1.0.0", st.Version)
	require.True(t, m.IsEnabled(ctx, "beta"))
}

func TestManager_FallbackCachedSurvivesRestart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.manager(FallbackCached).FetchConfig(ctx)
	require.NoError(t, err)

	// nuevo proceso, red caída, caché vieja: se usa igual
	h.advance(48 * time.Hour)
	h.fail.Store(true)
	m := h.manager(FallbackCached)
	st, err := m.FetchConfig(ctx)
	require.ErrorIs(t, err, ErrFetch)
	require.Equal(t, SourceCached, st.Source)
	require.Equal(t, "1.0.0", st.Version)
	require.True(t, m.IsEnabled(ctx, "beta"))
}

func TestManager_RejectsVersionRegression(t *testing.T) {
	h := newHarness(t)
	m := h.manager(FallbackLastKnown)
	ctx := context.Background()

	h.set("2.0.0", Document{Flags: map[string]Rule{"beta": {Enabled: true}}})
	_, err := m.FetchConfig(ctx)
	require.NoError(t, err)

	h.set("1.9.0", Document{KillSwitch: true, Flags: map[string]Rule{}})
	st, err := m.Refresh(ctx)
	require.ErrorIs(t, err, verify.ErrVersionRegression)
	require.Equal(t, "2.0.0", st.Version)
	require.True(t, m.IsEnabled(ctx, "beta"))

	// el mismo número de versión se acepta (re-entrega idempotente)
	h.set("2.0.0", Document{Flags: map[string]Rule{"beta": {Enabled: true}}})
	_, err = m.Refresh(ctx)
	require.NoError(t, err)

	// tras reiniciar, la versión aceptada se recupera del caché
	h.set("1.9.0", Document{Flags: map[string]Rule{}})
	_, err = h.manager(FallbackDefaultOff).FetchConfig(ctx)
	require.ErrorIs(t, err, verify.ErrVersionRegression)
}

func TestManager_RejectsTamperedPayload(t *testing.T) {
	h := newHarness(t)
	evil := FetcherFunc(func(ctx context.Context, id Identity) (envelope.ConfigPayload, error) {
		p, err := h.Fetch(ctx, id)
		p.Body = json.RawMessage(`{"killSwitch":false,"flags":{"beta":{"enabled":true},"evil":{"enabled":true}}}`)
		return p, err
	})
	m := NewManager(evil, h.verifier, nil, NewEvaluator(nil, h.clock), ManagerOptions{Now: h.clock, Logger: zap.NewNop()})
	st, err := m.FetchConfig(context.Background())
	require.ErrorIs(t, err, verify.ErrInvalidSignature)
	require.Equal(t, SourceDefault, st.Source)
	require.False(t, m.IsEnabled(context.Background(), "evil"))
}

func TestHTTPFetcher(t *testing.T) {
	h := newHarness(t)
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/config" {
			http.NotFound(w, r)
			return
		}
		got = r.Header.Clone()
		p, err := h.Fetch(r.Context(), Identity{})
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(p)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.URL+"/", time.Second)
	id := Identity{DeviceID: "dev-9", Geo: "AR", DeviceClass: "ios", AppVersion: "2.1.0"}
	p, err := f.Fetch(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "k1", p.KID)
	require.Equal(t, "dev-9", got.Get(HeaderDeviceID))
	require.Equal(t, "AR", got.Get(HeaderGeo))
	require.Equal(t, "ios", got.Get(HeaderDeviceClass))
	require.Equal(t, "2.1.0", got.Get(HeaderAppVersion))
	require.Empty(t, got.Get(HeaderUserID))

	_, err = h.verifier.VerifyPayload(p, "")
	require.NoError(t, err)

	bad := NewHTTPFetcher(srv.URL+"/missing", time.Second)
	_, err = bad.Fetch(context.Background(), id)
	require.Error(t, err)
}

func TestParseFallbackPolicy(t *testing.T) {
	p, err := ParseFallbackPolicy("")
	require.NoError(t, err)
	require.Equal(t, FallbackDefaultOff, p)
	p, err = ParseFallbackPolicy("cached")
	require.NoError(t, err)
	require.Equal(t, FallbackCached, p)
	_, err = ParseFallbackPolicy("yolo")
	require.Error(t, err)
}

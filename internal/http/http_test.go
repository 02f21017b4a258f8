package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dropDatabas3/trustroll/internal/admin"
	"github.com/dropDatabas3/trustroll/internal/cohort"
	"github.com/dropDatabas3/trustroll/internal/drift"
	"github.com/dropDatabas3/trustroll/internal/envelope"
	"github.com/dropDatabas3/trustroll/internal/flags"
	"github.com/dropDatabas3/trustroll/internal/keys"
	"github.com/dropDatabas3/trustroll/internal/kv"
	"github.com/dropDatabas3/trustroll/internal/publish"
	"github.com/dropDatabas3/trustroll/internal/rate"
	"github.com/dropDatabas3/trustroll/internal/verify"
)

const testAdminKey = "s3cret-admin"

type fixture struct {
	srv    *httptest.Server
	reg    *keys.Registry
	alerts *drift.Buffer
}

func newFixture(t *testing.T, lim rate.Limiter) *fixture {
	t.Helper()
	ctx := context.Background()
	store := kv.NewMemory()

	reg, err := keys.NewRegistry(store, keys.Options{Logger: zap.NewNop()})
	require.NoError(t, err)
	require.NoError(t, reg.Initialize(ctx))
	sched := keys.NewScheduler(reg, keys.SchedulerOptions{Logger: zap.NewNop()})

	pub := publish.New(store, reg, publish.Options{Logger: zap.NewNop()})
	require.NoError(t, pub.Load(ctx, &flags.Document{Flags: map[string]flags.Rule{
		"beta":     {Enabled: true},
		"ar_only":  {Enabled: true, Cohort: &flags.CohortRule{Percentage: 100, GeoAllow: []string{"AR"}}},
		"disabled": {Enabled: false},
	}}))

	cohorts := cohort.NewAssigner(store, cohort.Options{Logger: zap.NewNop()})
	alerts := drift.NewBuffer(16)
	h := &Handlers{
		Registry:  reg,
		Scheduler: sched,
		Publisher: pub,
		Evaluator: flags.NewEvaluator(cohorts, nil),
		Alerts:    alerts,
		Admin:     admin.New(sched, pub, cohorts),
		Store:     store,
	}
	srv := httptest.NewServer(NewRouter(h, RouterOptions{AdminKeys: []string{testAdminKey}, Limiter: lim}))
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, reg: reg, alerts: alerts}
}

func (f *fixture) do(t *testing.T, method, path string, body any, hdr map[string]string) *http.Response {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

var adminHdr = map[string]string{HeaderAdminKey: testAdminKey, HeaderAdminActor: "ops-bot"}

func TestTrustKeys_AnnouncesSecondaryAfterRotate(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodGet, "/.well-known/trust-keys", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	doc := decode[keys.DiscoveryDocument](t, resp)
	require.Len(t, doc.Keys, 1)
	require.True(t, doc.Keys[0].IsPrimary)
	require.Equal(t, f.reg.Primary().KID, doc.Keys[0].KID)

	resp = f.do(t, http.MethodPost, "/v1/admin/keys/rotate", nil, adminHdr)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rot := decode[admin.RotateResult](t, resp)
	require.True(t, rot.Created)

	doc = decode[keys.DiscoveryDocument](t, f.do(t, http.MethodGet, "/.well-known/trust-keys", nil, nil))
	require.Len(t, doc.Keys, 2)
	require.True(t, doc.Keys[0].IsPrimary)
	require.Equal(t, rot.KID, doc.Keys[1].KID)
}

func TestConfig_VerifiesAgainstDiscovery(t *testing.T) {
	f := newFixture(t, nil)

	doc := decode[keys.DiscoveryDocument](t, f.do(t, http.MethodGet, "/.well-known/trust-keys", nil, nil))
	snap, err := keys.SnapshotFromDiscovery(doc)
	require.NoError(t, err)

	resp := f.do(t, http.MethodGet, "/v1/config", nil, map[string]string{flags.HeaderDeviceID: "dev-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	p := decode[envelope.ConfigPayload](t, resp)
	require.Equal(t, publish.InitialVersion, p.Version)

	v := verify.New(verify.StaticKeys{Snap: snap}, verify.Options{})
	res, err := v.VerifyPayload(p, "")
	require.NoError(t, err)
	require.True(t, res.Valid)
	require.Equal(t, f.reg.Primary().KID, res.KID)
}

func TestEvaluate_UsesIdentityHeaders(t *testing.T) {
	f := newFixture(t, nil)
	hdr := map[string]string{flags.HeaderDeviceID: "dev-1", flags.HeaderGeo: "ar"}

	resp := f.do(t, http.MethodPost, "/v1/flags/evaluate?explain=true", nil, hdr)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[evaluateOut](t, resp)
	require.Equal(t, "1.0.0", out.Version)
	require.Equal(t, map[string]bool{"beta": true, "ar_only": true, "disabled": false}, out.Decisions)
	require.Equal(t, flags.ReasonDisabled, out.Reasons["disabled"])

	hdr[flags.HeaderGeo] = "BR"
	out = decode[evaluateOut](t, f.do(t, http.MethodPost, "/v1/flags/evaluate", evaluateIn{Features: []string{"ar_only", "nope"}}, hdr))
	require.Equal(t, map[string]bool{"ar_only": false, "nope": false}, out.Decisions)
	require.Nil(t, out.Reasons)
}

func TestAdmin_RequiresKey(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodPut, "/v1/admin/kill-switch", map[string]bool{"active": true}, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodPut, "/v1/admin/kill-switch", map[string]bool{"active": true},
		map[string]string{HeaderAdminKey: "wrong"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/v1/ops/rotation-schedule", nil, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdmin_KillSwitchDisablesEverything(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodPut, "/v1/admin/kill-switch", map[string]bool{"active": true}, adminHdr)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	require.Equal(t, "1.0.1", body["version"])

	out := decode[evaluateOut](t, f.do(t, http.MethodPost, "/v1/flags/evaluate?explain=1", nil,
		map[string]string{flags.HeaderDeviceID: "dev-1", flags.HeaderGeo: "AR"}))
	require.Equal(t, "1.0.1", out.Version)
	for feature, on := range out.Decisions {
		require.False(t, on, feature)
		require.Equal(t, flags.ReasonKillSwitch, out.Reasons[feature])
	}

	resp = f.do(t, http.MethodPut, "/v1/admin/kill-switch", map[string]any{}, adminHdr)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdmin_FlagMutations(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodPut, "/v1/admin/flags/missing/overrides", overridesIn{IDs: []string{"a"}}, adminHdr)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "unknown_flag", decode[apiError](t, resp).Error)

	resp = f.do(t, http.MethodPut, "/v1/admin/flags/new_ui", flags.Rule{Enabled: true, Cohort: &flags.CohortRule{Percentage: 150}}, adminHdr)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "invalid_rule", decode[apiError](t, resp).Error)

	resp = f.do(t, http.MethodPut, "/v1/admin/flags/new_ui", flags.Rule{Enabled: false}, adminHdr)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodPut, "/v1/admin/flags/new_ui/overrides", overridesIn{IDs: []string{"dev-9"}}, adminHdr)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out := decode[evaluateOut](t, f.do(t, http.MethodPost, "/v1/flags/evaluate?explain=true",
		evaluateIn{Features: []string{"new_ui"}}, map[string]string{flags.HeaderDeviceID: "dev-9"}))
	// disabled gana sobre override
	require.False(t, out.Decisions["new_ui"])
	require.Equal(t, flags.ReasonDisabled, out.Reasons["new_ui"])

	resp = f.do(t, http.MethodDelete, "/v1/admin/flags/new_ui", nil, adminHdr)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = f.do(t, http.MethodDelete, "/v1/admin/flags/new_ui", nil, adminHdr)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/v1/admin/cohorts/beta/rotate-salt", nil, adminHdr)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestOps_ScheduleAndAlerts(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodGet, "/v1/ops/rotation-schedule", nil, adminHdr)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sched := decode[keys.Schedule](t, resp)
	require.Equal(t, f.reg.Primary().KID, sched.PrimaryKID)

	for i := 0; i < 3; i++ {
		f.alerts.Emit(drift.NewAlert(drift.AlertUnknownKID, drift.SeverityHigh, "unknown"))
	}
	resp = f.do(t, http.MethodGet, "/v1/ops/drift-alerts?limit=2", nil, adminHdr)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[alertsOut](t, resp)
	require.Len(t, out.Alerts, 2)
	require.EqualValues(t, 3, out.Total)

	resp = f.do(t, http.MethodGet, "/v1/ops/drift-alerts?limit=zero", nil, adminHdr)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRateLimit_PerDevice(t *testing.T) {
	lim := rate.NewMemoryLimiter(1, time.Minute)
	fixed := time.Date(2025, 1, 1, 12, 0, 30, 0, time.UTC)
	lim.Now = func() time.Time { return fixed }
	f := newFixture(t, lim)
	hdr := map[string]string{flags.HeaderDeviceID: "dev-1"}

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/config", nil, hdr).StatusCode)
	resp := f.do(t, http.MethodGet, "/v1/config", nil, hdr)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("Retry-After"))

	hdr[flags.HeaderDeviceID] = "dev-2"
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/config", nil, hdr).StatusCode)
}

func TestHealthAndReady(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", nil, nil).StatusCode)
	resp := f.do(t, http.MethodGet, "/readyz", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/nope", nil, nil).StatusCode)
}

func TestDeviceClassFromUA(t *testing.T) {
	require.Equal(t, "", deviceClassFromUA(""))
	require.Equal(t, "mobile", deviceClassFromUA("Mozilla/5.0 (iPhone; CPU iPhone OS 16_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.0 Mobile/15E148 Safari/604.1"))
	require.Equal(t, "bot", deviceClassFromUA("Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)"))
	require.Equal(t, "desktop", deviceClassFromUA("Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(flags.HeaderDeviceClass, "Tablet")
	r.Header.Set(flags.HeaderGeo, "ar")
	id := identityFromRequest(r)
	require.Equal(t, "tablet", id.DeviceClass)
	require.Equal(t, "AR", id.Geo)
}

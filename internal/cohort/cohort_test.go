package cohort

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dropDatabas3/trustroll/internal/kv"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestAssigner(store kv.Store, c *clock, record bool) *Assigner {
	return NewAssigner(store, Options{
		RecordAssignments: record,
		Now:               c.Now,
		Logger:            zap.NewNop(),
	})
}

func newClock() *clock { return &clock{t: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)} }

func TestBucket_MatchesDefinition(t *testing.T) {
	sum := sha256.Sum256([]byte("device-1" + "dark_mode" + "s4lt"))
	want := int(binary.BigEndian.Uint32(sum[:4]) % 100)
	require.Equal(t, want, Bucket("device-1", "dark_mode", "s4lt"))
	require.Equal(t, Bucket("device-1", "dark_mode", "s4lt"), Bucket("device-1", "dark_mode", "s4lt"))
}

func TestBucket_RangeAndSpread(t *testing.T) {
	in := 0
	for i := 0; i < 10000; i++ {
		b := Bucket(fmt.Sprintf("dev-%d", i), "feature", "salt")
		require.GreaterOrEqual(t, b, 0)
		require.Less(t, b, 100)
		if b < 30 {
			in++
		}
	}
	assert.InDelta(t, 3000, in, 300)
}

func TestGetBucket_DeterministicAcrossInstances(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	c := newClock()

	a1 := newTestAssigner(store, c, false)
	b1, err := a1.GetBucket(ctx, "dev-42", "checkout_v2")
	require.NoError(t, err)

	a2 := newTestAssigner(store, c, false)
	b2, err := a2.GetBucket(ctx, "dev-42", "checkout_v2")
	require.NoError(t, err)
	require.Equal(t, b1, b2)

	s, err := a2.Salt(ctx, "checkout_v2")
	require.NoError(t, err)
	require.Equal(t, Bucket("dev-42", "checkout_v2", s.Salt), b2)
}

func TestIsInCohort_Monotonic(t *testing.T) {
	ctx := context.Background()
	a := newTestAssigner(kv.NewMemory(), newClock(), false)

	for i := 0; i < 200; i++ {
		dev := fmt.Sprintf("dev-%d", i)
		in0, err := a.IsInCohort(ctx, dev, "f", 0)
		require.NoError(t, err)
		require.False(t, in0)

		in100, err := a.IsInCohort(ctx, dev, "f", 100)
		require.NoError(t, err)
		require.True(t, in100)

		prev := false
		for pct := 1; pct <= 100; pct++ {
			in, err := a.IsInCohort(ctx, dev, "f", pct)
			require.NoError(t, err)
			if prev {
				require.True(t, in, "%s dropped out at %d%%", dev, pct)
			}
			prev = in
		}
	}
}

func TestRotateSalt_IsolatedPerFeature(t *testing.T) {
	ctx := context.Background()
	a := newTestAssigner(kv.NewMemory(), newClock(), false)

	devices := make([]string, 100)
	before := map[string][2]int{}
	for i := range devices {
		devices[i] = fmt.Sprintf("dev-%d", i)
		ba, err := a.GetBucket(ctx, devices[i], "alpha")
		require.NoError(t, err)
		bb, err := a.GetBucket(ctx, devices[i], "beta")
		require.NoError(t, err)
		before[devices[i]] = [2]int{ba, bb}
	}
	oldAlpha, err := a.Salt(ctx, "alpha")
	require.NoError(t, err)

	newAlpha, err := a.RotateSalt(ctx, "alpha")
	require.NoError(t, err)
	require.NotEqual(t, oldAlpha.Salt, newAlpha.Salt)

	changed := 0
	for _, d := range devices {
		ba, err := a.GetBucket(ctx, d, "alpha")
		require.NoError(t, err)
		bb, err := a.GetBucket(ctx, d, "beta")
		require.NoError(t, err)
		require.Equal(t, before[d][1], bb, "beta bucket moved for %s", d)
		require.Equal(t, Bucket(d, "alpha", newAlpha.Salt), ba)
		if ba != before[d][0] {
			changed++
		}
	}
	require.Greater(t, changed, 50)
}

func TestSalt_AutoRotatesUnlessPinned(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	a := newTestAssigner(kv.NewMemory(), c, false)

	s1, err := a.Salt(ctx, "auto")
	require.NoError(t, err)
	p, err := a.PinSalt(ctx, "pinned", "fixed-salt")
	require.NoError(t, err)
	require.True(t, p.Pinned)

	c.Advance(29 * 24 * time.Hour)
	s2, err := a.Salt(ctx, "auto")
	require.NoError(t, err)
	require.Equal(t, s1.Salt, s2.Salt)

	c.Advance(24 * time.Hour)
	s3, err := a.Salt(ctx, "auto")
	require.NoError(t, err)
	require.NotEqual(t, s1.Salt, s3.Salt)

	pinned, err := a.Salt(ctx, "pinned")
	require.NoError(t, err)
	require.Equal(t, "fixed-salt", pinned.Salt)
}

func TestSalt_ConcurrentCreationYieldsOneSalt(t *testing.T) {
	ctx := context.Background()
	a := newTestAssigner(kv.NewMemory(), newClock(), false)

	var wg sync.WaitGroup
	salts := make([]string, 32)
	for i := range salts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := a.Salt(ctx, "race")
			if err == nil {
				salts[i] = s.Salt
			}
		}(i)
	}
	wg.Wait()
	for _, s := range salts {
		require.Equal(t, salts[0], s)
	}
}

// gatedStore congela la primera lectura de key después de leer el valor, para
// que un reemplazo de salt pueda intentar colarse en medio.
type gatedStore struct {
	kv.Store
	key      string
	entered  chan struct{}
	release  chan struct{}
	setSeen  chan struct{}
	getOnce  sync.Once
	seenOnce sync.Once
}

func newGatedStore(inner kv.Store, key string) *gatedStore {
	return &gatedStore{
		Store:   inner,
		key:     key,
		entered: make(chan struct{}),
		release: make(chan struct{}),
		setSeen: make(chan struct{}),
	}
}

func (g *gatedStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := g.Store.Get(ctx, key)
	if key == g.key {
		first := false
		g.getOnce.Do(func() { first = true })
		if first {
			close(g.entered)
			<-g.release
		}
	}
	return v, err
}

func (g *gatedStore) Set(ctx context.Context, key string, value []byte) error {
	if key == g.key {
		g.seenOnce.Do(func() { close(g.setSeen) })
	}
	return g.Store.Set(ctx, key, value)
}

func TestRotateSalt_NotUndoneByConcurrentLoad(t *testing.T) {
	ctx := context.Background()
	base := kv.NewMemory()
	c := newClock()

	old, err := newTestAssigner(base, c, false).Salt(ctx, "f")
	require.NoError(t, err)
	c.Advance(time.Minute)

	g := newGatedStore(base, saltKey("f"))
	a := newTestAssigner(g, c, false)

	loadErr := make(chan error, 1)
	go func() {
		_, err := a.GetBucket(ctx, "dev-1", "f")
		loadErr <- err
	}()
	<-g.entered

	type rotation struct {
		s   SaltInfo
		err error
	}
	rotated := make(chan rotation, 1)
	go func() {
		s, err := a.RotateSalt(ctx, "f")
		rotated <- rotation{s, err}
	}()
	select {
	case <-g.setSeen:
	case <-time.After(100 * time.Millisecond):
	}
	close(g.release)

	require.NoError(t, <-loadErr)
	r := <-rotated
	require.NoError(t, r.err)
	require.NotEqual(t, old.Salt, r.s.Salt)

	var stored SaltInfo
	require.NoError(t, kv.GetJSON(ctx, base, saltKey("f"), &stored))
	require.Equal(t, r.s.Salt, stored.Salt)

	held, err := a.Salt(ctx, "f")
	require.NoError(t, err)
	require.Equal(t, stored.Salt, held.Salt)

	b, err := a.GetBucket(ctx, "dev-1", "f")
	require.NoError(t, err)
	require.Equal(t, Bucket("dev-1", "f", stored.Salt), b)
}

func TestGetBucket_ConcurrentWithRotateSalt(t *testing.T) {
	ctx := context.Background()
	a := newTestAssigner(kv.NewMemory(), newClock(), false)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _ = a.GetBucket(ctx, fmt.Sprintf("dev-%d-%d", i, j), "hot")
			}
		}(i)
	}
	for i := 0; i < 5; i++ {
		_, err := a.RotateSalt(ctx, "hot")
		require.NoError(t, err)
	}
	wg.Wait()

	final, err := a.Salt(ctx, "hot")
	require.NoError(t, err)
	for i := 0; i < 8; i++ {
		for j := 0; j < 50; j++ {
			dev := fmt.Sprintf("dev-%d-%d", i, j)
			b, err := a.GetBucket(ctx, dev, "hot")
			require.NoError(t, err)
			require.Equal(t, Bucket(dev, "hot", final.Salt), b, dev)
		}
	}
}

func TestGetBucket_CachedEntryFollowsAutoRotation(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	a := newTestAssigner(kv.NewMemory(), c, false)

	_, err := a.GetBucket(ctx, "dev-7", "f")
	require.NoError(t, err)
	s1, err := a.Salt(ctx, "f")
	require.NoError(t, err)

	c.Advance(31 * 24 * time.Hour)
	b, err := a.GetBucket(ctx, "dev-7", "f")
	require.NoError(t, err)
	s2, err := a.Salt(ctx, "f")
	require.NoError(t, err)
	require.NotEqual(t, s1.Salt, s2.Salt)
	require.Equal(t, Bucket("dev-7", "f", s2.Salt), b)
}

func TestRemember_KeepsNewerSalt(t *testing.T) {
	c := newClock()
	a := newTestAssigner(kv.NewMemory(), c, false)
	newer := SaltInfo{Salt: "new", CreatedAt: c.Now()}
	older := SaltInfo{Salt: "old", CreatedAt: c.Now().Add(-time.Hour)}

	require.Equal(t, newer, a.remember("f", newer))
	require.Equal(t, newer, a.remember("f", older))
	held, ok := a.held("f")
	require.True(t, ok)
	require.Equal(t, "new", held.Salt)
}

func TestGetBucket_RecordsAdvisoryRow(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	a := newTestAssigner(store, newClock(), true)

	b, err := a.GetBucket(ctx, "dev-1", "feat")
	require.NoError(t, err)

	var row Assignment
	require.NoError(t, kv.GetJSON(ctx, store, "cohort/feat/dev-1", &row))
	require.Equal(t, b, row.Bucket)
	require.Equal(t, "dev-1", row.DeviceID)

	full, err := a.Assignment(ctx, "dev-1", "feat")
	require.NoError(t, err)
	require.Equal(t, row.Salt, full.Salt)
}

func TestInvalidInput(t *testing.T) {
	a := newTestAssigner(kv.NewMemory(), newClock(), false)
	_, err := a.GetBucket(context.Background(), "", "f")
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = a.RotateSalt(context.Background(), "")
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = a.PinSalt(context.Background(), "f", "")
	require.ErrorIs(t, err, ErrEmptySalt)
}

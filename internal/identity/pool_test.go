package identity

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/YallaPapi/pubscrape-sub005/internal/governance"
	"github.com/YallaPapi/pubscrape-sub005/internal/storage"
	"github.com/YallaPapi/pubscrape-sub005/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type seqIDs struct {
	mu     sync.Mutex
	ids    int
	tokens int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids++
	return fmt.Sprintf("ident-%03d", s.ids), nil
}

func (s *seqIDs) NewToken() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens++
	return fmt.Sprintf("lease-%03d", s.tokens), nil
}

var testProxies = []ProxyConfig{
	{URL: "http://us-1.proxy:8080", Region: "us", Weight: 2},
	{URL: "http://us-2.proxy:8080", Region: "us", Weight: 1},
	{URL: "http://de-1.proxy:8080", Region: "de", Weight: 1},
}

func testConfig() Config {
	return Config{
		MaxIdentities: 8,
		MaxAge:        time.Hour,
		MaxUses:       50,
		MaxIdle:       time.Hour,
		RetireAfter:   2 * time.Hour,
		MinHealth:     Float(0.2),
		Proxies:       testProxies,
	}
}

func newTestPool(t *testing.T, cfg Config, store *memory.Store) (*Pool, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	p, err := New(cfg,
		WithClock(clk),
		WithIDSource(&seqIDs{}),
		WithStore(store),
		WithRand(rand.New(rand.NewPCG(7, 11))),
	)
	require.NoError(t, err)
	return p, clk
}

func TestAcquireReusesHintedIdentity(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, testConfig(), memory.New())
	ctx := context.Background()

	first, err := p.Acquire(ctx, "www.google.com")
	require.NoError(t, err)
	second, err := p.Acquire(ctx, "www.google.com")
	require.NoError(t, err)
	other, err := p.Acquire(ctx, "www.yelp.com")
	require.NoError(t, err)

	require.Equal(t, first.IdentityID, second.IdentityID)
	require.Equal(t, first.Fingerprint, second.Fingerprint)
	require.NotEqual(t, first.Token, second.Token)
	require.NotEqual(t, first.IdentityID, other.IdentityID)
	require.Equal(t, 2, p.Len())

	summaries := p.Identities()
	require.Len(t, summaries, 2)
	require.Equal(t, 2, summaries[0].RequestCount)
}

func TestRotationAfterMaxUses(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, testConfig(), memory.New())
	ctx := context.Background()

	var lease Lease
	var err error
	for range 51 {
		lease, err = p.Acquire(ctx, "h")
		require.NoError(t, err)
		require.Equal(t, RotationNone, lease.Rotated)
	}
	rotate, err := p.ShouldRotate(lease.IdentityID)
	require.NoError(t, err)
	require.True(t, rotate)

	next, err := p.Acquire(ctx, "h")
	require.NoError(t, err)
	require.Equal(t, RotationFull, next.Rotated)
	require.Equal(t, lease.IdentityID, next.IdentityID)
	changed := next.Fingerprint.UserAgent != lease.Fingerprint.UserAgent || next.ProxyURL != lease.ProxyURL
	require.True(t, changed, "rotation must change the fingerprint/proxy pair")
	require.NotEqual(t, lease.ProxyURL, next.ProxyURL)

	rotate, err = p.ShouldRotate(next.IdentityID)
	require.NoError(t, err)
	require.False(t, rotate)

	summaries := p.Identities()
	require.Equal(t, 1, summaries[0].RequestCount)
	require.Len(t, summaries[0].Rotations, 1)
	require.Equal(t, "max_uses", summaries[0].Rotations[0].Reason)
}

func TestShouldRotateOnAgeAndIdle(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxIdle = 10 * time.Minute
	p, clk := newTestPool(t, cfg, memory.New())
	ctx := context.Background()

	lease, err := p.Acquire(ctx, "h")
	require.NoError(t, err)

	clk.Advance(11 * time.Minute)
	idle, err := p.ShouldRotate(lease.IdentityID)
	require.NoError(t, err)
	require.True(t, idle)

	_, err = p.Acquire(ctx, "h")
	require.NoError(t, err)
	for range 6 {
		clk.Advance(9 * time.Minute)
		_, err = p.Acquire(ctx, "h")
		require.NoError(t, err)
	}
	aged, err := p.ShouldRotate(lease.IdentityID)
	require.NoError(t, err)
	require.False(t, aged, "identity was recreated by the idle rotation")

	clk.Advance(9 * time.Minute)
	aged, err = p.ShouldRotate(lease.IdentityID)
	require.NoError(t, err)
	require.True(t, aged, "63 minutes since the idle rotation exceeds max age")

	_, err = p.ShouldRotate("missing")
	require.ErrorIs(t, err, governance.ErrNotFound)
}

func TestHealthScoreWeights(t *testing.T) {
	t.Parallel()

	p, clk := newTestPool(t, testConfig(), memory.New())
	lease, err := p.Acquire(context.Background(), "h")
	require.NoError(t, err)

	h, err := p.HealthScore(lease.IdentityID)
	require.NoError(t, err)
	require.InDelta(t, 0.4+0.4*(1-1.0/50)+0.2, h, 1e-9)

	clk.Advance(30 * time.Minute)
	h, err = p.HealthScore(lease.IdentityID)
	require.NoError(t, err)
	require.InDelta(t, 0.4*0.5+0.4*(1-1.0/50)+0.2*0.5, h, 1e-9)

	clk.Advance(2 * time.Hour)
	h, err = p.HealthScore(lease.IdentityID)
	require.NoError(t, err)
	require.InDelta(t, 0.4*(1-1.0/50), h, 1e-9)
}

func TestSelectBest(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, testConfig(), memory.New())
	ctx := context.Background()

	fresh, err := p.Acquire(ctx, "fresh")
	require.NoError(t, err)
	var worn Lease
	for range 40 {
		worn, err = p.Acquire(ctx, "worn")
		require.NoError(t, err)
	}

	best, ok := p.SelectBest(nil)
	require.True(t, ok)
	require.Equal(t, fresh.IdentityID, best.ID)

	best, ok = p.SelectBest([]string{fresh.IdentityID})
	require.True(t, ok)
	require.Equal(t, worn.IdentityID, best.ID)

	_, ok = p.SelectBest([]string{fresh.IdentityID, worn.IdentityID})
	require.False(t, ok)

	// Unhinted acquisition reuses the best identity.
	lease, err := p.Acquire(ctx, "")
	require.NoError(t, err)
	require.Equal(t, fresh.IdentityID, lease.IdentityID)
}

func TestSelectBestHonoursThreshold(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MinHealth = Float(0.9)
	p, clk := newTestPool(t, cfg, memory.New())
	_, err := p.Acquire(context.Background(), "h")
	require.NoError(t, err)

	clk.Advance(20 * time.Minute)
	_, ok := p.SelectBest(nil)
	require.False(t, ok)
}

func TestZeroHealthFloorIsKept(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MinHealth = Float(0)
	p, clk := newTestPool(t, cfg, memory.New())
	require.Zero(t, *p.cfg.MinHealth)
	_, err := p.Acquire(context.Background(), "h")
	require.NoError(t, err)

	clk.Advance(50 * time.Minute)
	_, ok := p.SelectBest(nil)
	require.True(t, ok, "no floor means any identity qualifies")

	defaults, err := New(Config{})
	require.NoError(t, err)
	require.InDelta(t, DefaultMinHealth, *defaults.cfg.MinHealth, 1e-9)
}

func TestPartialRotation(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, testConfig(), memory.New())
	ctx := context.Background()
	lease, err := p.Acquire(ctx, "h")
	require.NoError(t, err)
	before := p.Identities()[0]

	require.NoError(t, p.Rotate(ctx, lease.IdentityID, false))
	after := p.Identities()[0]

	require.NotEqual(t, before.ProxyURL, after.ProxyURL)
	require.Equal(t, before.Fingerprint.Platform, after.Fingerprint.Platform)
	require.Equal(t, before.Fingerprint.Locale, after.Fingerprint.Locale)
	require.Equal(t, before.Fingerprint.Timezone, after.Fingerprint.Timezone)
	require.InDelta(t, before.Fingerprint.Viewport.Width, after.Fingerprint.Viewport.Width, 16)
	require.InDelta(t, before.Fingerprint.Viewport.Height, after.Fingerprint.Viewport.Height, 16)
	require.Equal(t, before.CreatedAt, after.CreatedAt)
	require.Zero(t, after.RequestCount)
	require.Len(t, after.Rotations, 1)
	require.Equal(t, RotationPartial, after.Rotations[0].Kind)
}

func TestFullRotationResetsPersona(t *testing.T) {
	t.Parallel()

	p, clk := newTestPool(t, testConfig(), memory.New())
	ctx := context.Background()
	lease, err := p.Acquire(ctx, "h")
	require.NoError(t, err)

	clk.Advance(10 * time.Minute)
	require.NoError(t, p.Rotate(ctx, lease.IdentityID, true))
	after := p.Identities()[0]

	require.Equal(t, clk.Now(), after.CreatedAt)
	require.Zero(t, after.RequestCount)
	require.Len(t, after.History, 1)
	require.Equal(t, "rotate:full", after.History[0].Tag)
	require.NotEqual(t, lease.ProxyURL, after.ProxyURL)
}

func TestLogsAreBounded(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.RotationLogSize = 3
	cfg.HistorySize = 5
	p, _ := newTestPool(t, cfg, memory.New())
	ctx := context.Background()
	lease, err := p.Acquire(ctx, "h")
	require.NoError(t, err)

	for range 6 {
		require.NoError(t, p.Rotate(ctx, lease.IdentityID, false))
	}
	for range 10 {
		_, err = p.Acquire(ctx, "h")
		require.NoError(t, err)
	}
	ident := p.Identities()[0]
	require.Len(t, ident.Rotations, 3)
	require.Len(t, ident.History, 5)
}

func TestRecordOutcomeRotation(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, testConfig(), memory.New())
	ctx := context.Background()
	lease, err := p.Acquire(ctx, "h")
	require.NoError(t, err)

	testCases := []struct {
		out  governance.Outcome
		want RotationKind
	}{
		{governance.Outcome{Success: true, StatusCode: 200}, RotationNone},
		{governance.Outcome{StatusCode: 404, ErrorKind: governance.ErrorKindClient}, RotationNone},
		{governance.Outcome{StatusCode: 429, ErrorKind: governance.ErrorKindRateLimited}, RotationPartial},
		{governance.Outcome{StatusCode: 403, ErrorKind: governance.ErrorKindBlocked}, RotationFull},
		{governance.Outcome{StatusCode: 200, ErrorKind: governance.ErrorKindCaptcha}, RotationFull},
	}
	for _, tc := range testCases {
		got, err := p.RecordOutcome(ctx, lease.IdentityID, tc.out)
		require.NoError(t, err)
		require.Equal(t, tc.want, got, string(tc.out.ErrorKind))
	}
	ident := p.Identities()[0]
	require.Len(t, ident.Rotations, 3)

	_, err = p.RecordOutcome(ctx, "missing", governance.Outcome{Success: true})
	require.ErrorIs(t, err, governance.ErrNotFound)
}

func TestSweepRetiresStaleIdentities(t *testing.T) {
	t.Parallel()

	store := memory.New()
	p, clk := newTestPool(t, testConfig(), store)
	ctx := context.Background()
	old, err := p.Acquire(ctx, "old")
	require.NoError(t, err)
	clk.Advance(90 * time.Minute)
	young, err := p.Acquire(ctx, "young")
	require.NoError(t, err)
	clk.Advance(45 * time.Minute)

	n, err := p.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, p.Len())

	stored, err := store.Load(ctx, storage.BucketIdentities)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.Contains(t, stored, young.IdentityID)

	again, err := p.Acquire(ctx, "old")
	require.NoError(t, err)
	require.NotEqual(t, old.IdentityID, again.IdentityID)
}

func TestPoolEvictsWorstWhenFull(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxIdentities = 2
	p, _ := newTestPool(t, cfg, memory.New())
	ctx := context.Background()

	var worn Lease
	var err error
	for range 30 {
		worn, err = p.Acquire(ctx, "worn")
		require.NoError(t, err)
	}
	keep, err := p.Acquire(ctx, "keep")
	require.NoError(t, err)
	_, err = p.Acquire(ctx, "new")
	require.NoError(t, err)

	require.Equal(t, 2, p.Len())
	_, err = p.HealthScore(worn.IdentityID)
	require.ErrorIs(t, err, governance.ErrNotFound)
	_, err = p.HealthScore(keep.IdentityID)
	require.NoError(t, err)
}

func TestPersistenceFailureLeavesPoolUnchanged(t *testing.T) {
	t.Parallel()

	store := memory.New()
	p, _ := newTestPool(t, testConfig(), store)
	ctx := context.Background()
	lease, err := p.Acquire(ctx, "h")
	require.NoError(t, err)
	before := p.Identities()[0]

	boom := errors.New("write failed")
	store.FailApplies(boom)

	_, err = p.Acquire(ctx, "other")
	require.True(t, governance.IsPersistence(err))
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, p.Len())

	_, err = p.Acquire(ctx, "h")
	require.True(t, governance.IsPersistence(err))
	err = p.Rotate(ctx, lease.IdentityID, true)
	require.True(t, governance.IsPersistence(err))

	require.Equal(t, before, p.Identities()[0])
}

func TestRestore(t *testing.T) {
	t.Parallel()

	store := memory.New()
	p, _ := newTestPool(t, testConfig(), store)
	ctx := context.Background()
	a, err := p.Acquire(ctx, "a")
	require.NoError(t, err)
	_, err = p.Acquire(ctx, "b")
	require.NoError(t, err)
	want := p.Identities()

	require.NoError(t, store.Apply(ctx, storage.Put(storage.BucketIdentities, "junk", []byte("not json"))))

	restored, _ := newTestPool(t, testConfig(), store)
	n, err := restored.Restore(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, want, restored.Identities())

	lease, err := restored.Acquire(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, a.IdentityID, lease.IdentityID)
	require.Equal(t, a.Fingerprint, lease.Fingerprint)
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	_, err := New(Config{MinHealth: Float(1.5)})
	require.Error(t, err)
	_, err = New(Config{Proxies: []ProxyConfig{{Region: "us"}}})
	require.Error(t, err)
	_, err = New(Config{})
	require.NoError(t, err)
}

package group

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestPolicyWindowCap(t *testing.T) {
	t.Parallel()

	p := New(map[string]Rule{"serp": {MaxRequests: 2, Window: time.Minute}})
	for i := 0; i < 2; i++ {
		now := epoch.Add(time.Duration(i) * 10 * time.Second)
		ok, _ := p.Allow("serp", now)
		require.True(t, ok)
		p.Record("serp", now)
	}
	ok, wait := p.Allow("serp", epoch.Add(20*time.Second))
	require.False(t, ok)
	require.Equal(t, 40*time.Second, wait)

	ok, _ = p.Allow("serp", epoch.Add(time.Minute+time.Millisecond))
	require.True(t, ok)
}

func TestPolicyMinInterval(t *testing.T) {
	t.Parallel()

	p := New(map[string]Rule{"dir": {MinInterval: 5 * time.Second}})
	p.Record("dir", epoch)
	ok, wait := p.Allow("dir", epoch.Add(2*time.Second))
	require.False(t, ok)
	require.Equal(t, 3*time.Second, wait)

	ok, _ = p.Allow("dir", epoch.Add(5*time.Second))
	require.True(t, ok)
}

func TestPolicyUnknownGroupsAllowed(t *testing.T) {
	t.Parallel()

	p := New(nil)
	ok, wait := p.Allow("anything", epoch)
	require.True(t, ok)
	require.Zero(t, wait)
	p.Record("anything", epoch)
	ok, _ = p.Allow("", epoch)
	require.True(t, ok)

	p.SetRule("anything", Rule{MaxRequests: 1, Window: time.Hour})
	p.Record("anything", epoch)
	ok, _ = p.Allow("anything", epoch)
	require.False(t, ok)
}

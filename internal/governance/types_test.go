package governance

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParsePriority(t *testing.T) {
	t.Parallel()

	for _, p := range []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow, PriorityBackground} {
		got, err := ParsePriority(p.String())
		require.NoError(t, err)
		require.Equal(t, p, got)
	}
	got, err := ParsePriority("  HIGH ")
	require.NoError(t, err)
	require.Equal(t, PriorityHigh, got)

	got, err = ParsePriority("")
	require.NoError(t, err)
	require.Equal(t, PriorityNormal, got)

	_, err = ParsePriority("urgent")
	require.ErrorIs(t, err, ErrInvalidSubmission)
	require.False(t, Priority(7).Valid())
	require.Equal(t, "priority(7)", Priority(7).String())
}

func TestItemReady(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	it := QueuedItem{Status: StatusPending, ScheduledAt: now}
	require.True(t, it.Ready(now))

	it.DelayUntil = now.Add(time.Second)
	require.False(t, it.Ready(now))
	require.True(t, it.Ready(now.Add(time.Second)))

	it.DelayUntil = time.Time{}
	it.ScheduledAt = now.Add(time.Minute)
	require.False(t, it.Ready(now))

	it.ScheduledAt = now
	it.Status = StatusProcessing
	require.False(t, it.Ready(now))
	it.Status = StatusRetrying
	require.True(t, it.Ready(now))
}

func TestStatusClasses(t *testing.T) {
	t.Parallel()

	require.True(t, StatusRetrying.Active())
	require.False(t, StatusRetrying.Terminal())
	require.True(t, StatusCancelled.Terminal())
	require.False(t, StatusCompleted.Active())
}

func TestFailureClassification(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		status  int
		kind    ErrorKind
		backoff bool
		retry   bool
	}{
		{429, ErrorKindRateLimited, true, true},
		{503, ErrorKindServer, true, true},
		{0, ErrorKindTransport, true, true},
		{0, ErrorKindTimeout, true, true},
		{404, ErrorKindClient, false, false},
		{403, ErrorKindBlocked, false, true},
		{200, ErrorKindCaptcha, false, true},
		{200, ErrorKindApplication, false, false},
	}
	for _, tc := range testCases {
		require.Equal(t, tc.backoff, QualifiesForBackoff(tc.status, tc.kind), "%d %s", tc.status, tc.kind)
		require.Equal(t, tc.retry, Retryable(tc.status, tc.kind), "%d %s", tc.status, tc.kind)
	}

	require.Equal(t, ErrorKindTransport, KindForStatus(0))
	require.Equal(t, ErrorKindRateLimited, KindForStatus(429))
	require.Equal(t, ErrorKindBlocked, KindForStatus(403))
	require.Equal(t, ErrorKindServer, KindForStatus(502))
	require.Equal(t, ErrorKindClient, KindForStatus(404))
	require.Equal(t, ErrorKindApplication, KindForStatus(200))
}

func TestPersistenceError(t *testing.T) {
	t.Parallel()

	require.NoError(t, Persistence("op", nil))

	cause := errors.New("disk")
	err := Persistence("enqueue", cause)
	require.True(t, IsPersistence(err))
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "enqueue")
	require.False(t, IsPersistence(cause))
}

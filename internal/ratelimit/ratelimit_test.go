package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAllowsUpToLimit(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := New(WithClock(func() time.Time { return now }))
	key := Key{Actor: "alice", Action: "pr_submission"}

	for i := 0; i < 3; i++ {
		res := l.Check(key, 3, time.Hour)
		assert.True(t, res.Allowed)
	}
	res := l.Check(key, 3, time.Hour)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
}

func TestCheckSlidesWindowForward(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := New(WithClock(func() time.Time { return now }))
	key := Key{Actor: "bob", Action: "pr_submission"}

	require.True(t, l.Check(key, 1, time.Hour).Allowed)
	require.False(t, l.Check(key, 1, time.Hour).Allowed)

	now = now.Add(2 * time.Hour)
	require.True(t, l.Check(key, 1, time.Hour).Allowed)
}

func TestPeekDoesNotRecord(t *testing.T) {
	now := time.Now()
	l := New(WithClock(func() time.Time { return now }))
	key := Key{Actor: "carol", Action: "payout"}

	first := l.Peek(key, 1, 24*time.Hour)
	assert.True(t, first.Allowed)
	second := l.Peek(key, 1, 24*time.Hour)
	assert.True(t, second.Allowed, "peek must not consume the bucket")
}

func TestRecordThenPeekReflectsCooldown(t *testing.T) {
	now := time.Now()
	l := New(WithClock(func() time.Time { return now }))
	key := Key{Actor: "dave", Action: "payout"}

	l.Record(key)
	res := l.Peek(key, 1, 24*time.Hour)
	assert.False(t, res.Allowed)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	now := time.Now()
	l := New(WithClock(func() time.Time { return now }))
	key := Key{Actor: "erin", Action: "pr_submission"}
	l.Record(key)
	l.Record(key)

	snaps := l.Snapshots("pr_submission")
	require.Contains(t, snaps, "erin")
	require.Len(t, snaps["erin"].Timestamps, 2)

	restored := New(WithClock(func() time.Time { return now }))
	restored.Restore("pr_submission", snaps)
	res := restored.Check(Key{Actor: "erin", Action: "pr_submission"}, 2, time.Hour)
	assert.False(t, res.Allowed)
}

func TestDifferentActorsHaveIndependentBuckets(t *testing.T) {
	l := New()
	require.True(t, l.Check(Key{Actor: "a", Action: "x"}, 1, time.Minute).Allowed)
	require.True(t, l.Check(Key{Actor: "b", Action: "x"}, 1, time.Minute).Allowed)
}

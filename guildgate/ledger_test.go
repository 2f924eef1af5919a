package guildgate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsumeCreatesShellMember(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db := testDB(t)
	ledger := newTestLedger(t, db)

	remaining, err := ledger.Consume(ctx, "disc-new", "newbie")
	require.NoError(t, err)
	assert.Equal(t, DefaultDailyQuota-1, remaining)

	member, err := db.GetByRequester(ctx, "disc-new")
	require.NoError(t, err)
	assert.Equal(t, DefaultDailyQuota-1, member.QuotaRemaining)
	assert.False(t, member.Linked())
}

func TestConsumeExhaustion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db := testDB(t)
	ledger := newTestLedger(t, db)

	member := NewMember("disc-low", "low")
	member.QuotaRemaining = 1
	require.NoError(t, db.Upsert(ctx, member))

	remaining, err := ledger.Consume(ctx, "disc-low", "low")
	require.NoError(t, err)
	assert.Zero(t, remaining)

	_, err = ledger.Consume(ctx, "disc-low", "low")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)

	// Balance is unchanged by the failed spend
	remaining, err = ledger.Balance(ctx, "disc-low", "low")
	require.NoError(t, err)
	assert.Zero(t, remaining)
}

func TestConsumeSuspended(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db := testDB(t)
	ledger := newTestLedger(t, db)

	until := time.Now().UTC().Add(time.Hour).Truncate(time.Millisecond)
	member := NewMember("disc-suspended", "suspended")
	member.SuspendedUntil = until.UnixMilli()
	require.NoError(t, db.Upsert(ctx, member))

	_, err := ledger.Consume(ctx, "disc-suspended", "suspended")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSuspended)

	var suspended *SuspendedError
	require.ErrorAs(t, err, &suspended)
	assert.True(
		t,
		until.Equal(suspended.Until),
		"expected %s, got %s", until, suspended.Until,
	)

	// Balance remains intact during the suspension
	saved, err := db.GetByRequester(ctx, "disc-suspended")
	require.NoError(t, err)
	assert.Equal(t, DefaultDailyQuota, saved.QuotaRemaining)
}

func TestConsumeAfterSuspensionExpires(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db := testDB(t)
	ledger := newTestLedger(t, db)

	member := NewMember("disc-served", "served")
	member.SuspendedUntil = time.Now().UTC().Add(-time.Minute).UnixMilli()
	require.NoError(t, db.Upsert(ctx, member))

	remaining, err := ledger.Consume(ctx, "disc-served", "served")
	require.NoError(t, err)
	assert.Equal(t, DefaultDailyQuota-1, remaining)
}

func TestQuotaRotation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db := testDB(t)
	ledger := newTestLedger(t, db)

	now := time.Now().UTC()
	ledger.now = func() time.Time { return now }

	member := NewMember("disc-stale", "stale")
	member.QuotaRemaining = 0
	member.QuotaResetAt = now.Add(-25 * time.Hour).UnixMilli()
	require.NoError(t, db.Upsert(ctx, member))

	remaining, err := ledger.Consume(ctx, "disc-stale", "stale")
	require.NoError(t, err)
	assert.Equal(t, DefaultDailyQuota-1, remaining)

	saved, err := db.GetByRequester(ctx, "disc-stale")
	require.NoError(t, err)
	assert.Equal(t, now.UnixMilli(), saved.QuotaResetAt)
}

func TestQuotaNotRotatedEarly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db := testDB(t)
	ledger := newTestLedger(t, db)

	now := time.Now().UTC()
	ledger.now = func() time.Time { return now }

	member := NewMember("disc-recent", "recent")
	member.QuotaRemaining = 3
	member.QuotaResetAt = now.Add(-23 * time.Hour).UnixMilli()
	require.NoError(t, db.Upsert(ctx, member))

	remaining, err := ledger.Consume(ctx, "disc-recent", "recent")
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)
}

func TestBalanceRotationWritesThrough(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db := testDB(t)
	ledger := newTestLedger(t, db)

	now := time.Now().UTC()
	ledger.now = func() time.Time { return now }

	member := NewMember("disc-reader", "reader")
	member.QuotaRemaining = 0
	member.QuotaResetAt = now.Add(-quotaRotationWindow).UnixMilli()
	require.NoError(t, db.Upsert(ctx, member))

	remaining, err := ledger.Balance(ctx, "disc-reader", "reader")
	require.NoError(t, err)
	assert.Equal(t, DefaultDailyQuota, remaining)

	// The reset was persisted, not just computed
	saved, err := db.GetByRequester(ctx, "disc-reader")
	require.NoError(t, err)
	assert.Equal(t, DefaultDailyQuota, saved.QuotaRemaining)
	assert.Equal(t, now.UnixMilli(), saved.QuotaResetAt)
}

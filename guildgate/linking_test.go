package guildgate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualVerificationFlow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db := testDB(t)
	roblox := newMockRobloxResolver()
	roblox.identities["alicerbx"] = RobloxIdentity{ID: 777, Username: "AliceRBX"}
	guild := newMockGuildHandler()
	linker := newTestLinker(t, db, roblox, guild)

	result, err := linker.StartLink(ctx, "disc-alice", "alice", "AliceRBX")
	require.NoError(t, err)
	assert.False(t, result.Linked())
	require.NotNil(t, result.Pending)

	pending := *result.Pending
	assert.Equal(t, int64(777), pending.RobloxID)
	assert.Equal(t, "AliceRBX", pending.RobloxUsername)
	assert.Len(t, pending.Token, verificationTokenLength)

	stored, ok := linker.sessions.Get("disc-alice")
	require.True(t, ok)
	assert.Equal(t, pending.Token, stored.Token)

	// Token not yet in the profile description
	_, err = linker.ConfirmLink(ctx, "disc-alice", "alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTokenMismatch)

	var mismatch *TokenMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, pending.Token, mismatch.Expected)

	// Session survives the failed confirm
	_, ok = linker.sessions.Get("disc-alice")
	assert.True(t, ok)

	// Paste the token, confirm again
	roblox.descriptions[777] = "hi! " + pending.Token + " thanks"
	member, err := linker.ConfirmLink(ctx, "disc-alice", "alice")
	require.NoError(t, err)

	require.True(t, member.Linked())
	require.NotNil(t, member.RobloxID)
	assert.Equal(t, int64(777), *member.RobloxID)
	assert.Equal(t, "AliceRBX", member.RobloxUsername)
	assert.Equal(t, DefaultDailyQuota, member.QuotaRemaining)
	assert.Zero(t, member.FlagCount)

	assert.Equal(t, "AliceRBX", guild.granted["disc-alice"])

	_, ok = linker.sessions.Get("disc-alice")
	assert.False(t, ok, "session should be cleared after confirmation")

	// Round-trip through the DB
	saved, err := db.GetByRequester(ctx, "disc-alice")
	require.NoError(t, err)
	assert.True(t, saved.Linked())
}

func TestStartLinkPreLinkedRegistry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db := testDB(t)
	roblox := newMockRobloxResolver()
	roblox.preLinked["disc-bob"] = RobloxIdentity{ID: 888, Username: "BobRBX"}
	guild := newMockGuildHandler()
	linker := newTestLinker(t, db, roblox, guild)

	// No username needed when the registry already knows the user
	result, err := linker.StartLink(ctx, "disc-bob", "bob", "")
	require.NoError(t, err)
	require.True(t, result.Linked())
	assert.Equal(t, "BobRBX", result.Member.RobloxUsername)
	assert.Equal(t, "BobRBX", guild.granted["disc-bob"])
	assert.Zero(t, linker.sessions.Len())
}

func TestStartLinkUnknownUsername(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	linker := newTestLinker(
		t, testDB(t), newMockRobloxResolver(), newMockGuildHandler(),
	)

	_, err := linker.StartLink(ctx, "disc-x", "x", "NoSuchUser")
	assert.ErrorIs(t, err, ErrNotFound)

	// No username and no registry hit
	_, err = linker.StartLink(ctx, "disc-x", "x", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConfirmLinkNoSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	linker := newTestLinker(
		t, testDB(t), newMockRobloxResolver(), newMockGuildHandler(),
	)

	_, err := linker.ConfirmLink(ctx, "disc-x", "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConfirmLinkAlreadyLinkedNoop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db := testDB(t)
	roblox := newMockRobloxResolver()
	roblox.preLinked["disc-carol"] = RobloxIdentity{ID: 999, Username: "CarolRBX"}
	linker := newTestLinker(t, db, roblox, newMockGuildHandler())

	result, err := linker.StartLink(ctx, "disc-carol", "carol", "")
	require.NoError(t, err)
	require.True(t, result.Linked())

	// A second /done with no pending session succeeds idempotently
	member, err := linker.ConfirmLink(ctx, "disc-carol", "carol")
	require.NoError(t, err)
	assert.Equal(t, "CarolRBX", member.RobloxUsername)
}

func TestLinkConflict(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db := testDB(t)
	roblox := newMockRobloxResolver()
	roblox.identities["sharedrbx"] = RobloxIdentity{ID: 555, Username: "SharedRBX"}
	guild := newMockGuildHandler()
	linker := newTestLinker(t, db, roblox, guild)

	// First holder claims the account
	result, err := linker.StartLink(ctx, "disc-first", "first", "SharedRBX")
	require.NoError(t, err)
	roblox.descriptions[555] = result.Pending.Token
	_, err = linker.ConfirmLink(ctx, "disc-first", "first")
	require.NoError(t, err)

	// Second member tries to claim the same account
	result, err = linker.StartLink(ctx, "disc-second", "second", "SharedRBX")
	require.NoError(t, err)
	roblox.descriptions[555] = result.Pending.Token

	_, err = linker.ConfirmLink(ctx, "disc-second", "second")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflict)

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "disc-first", conflict.HolderDiscordID)
	assert.Equal(t, int64(555), conflict.RobloxID)

	// Holder is untouched, challenger is not linked
	holder, err := db.GetByRequester(ctx, "disc-first")
	require.NoError(t, err)
	assert.True(t, holder.Linked())

	_, err = db.GetByRequester(ctx, "disc-second")
	assert.ErrorIs(t, err, ErrNotFound, "conflict must not create a row for the challenger")
}

func TestRelinkSameAccountIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db := testDB(t)
	roblox := newMockRobloxResolver()
	roblox.preLinked["disc-dave"] = RobloxIdentity{ID: 444, Username: "DaveRBX"}
	linker := newTestLinker(t, db, roblox, newMockGuildHandler())

	_, err := linker.StartLink(ctx, "disc-dave", "dave", "")
	require.NoError(t, err)

	// Re-verifying the same account is not a conflict
	result, err := linker.StartLink(ctx, "disc-dave", "dave", "")
	require.NoError(t, err)
	assert.True(t, result.Linked())
}

func TestLinkResetsQuotaAndClearsSuspension(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db := testDB(t)
	roblox := newMockRobloxResolver()
	roblox.preLinked["disc-eve"] = RobloxIdentity{ID: 333, Username: "EveRBX"}
	linker := newTestLinker(t, db, roblox, newMockGuildHandler())

	// Pre-existing shell row with flags, a suspension, and a drained quota
	shell := NewMember("disc-eve", "eve")
	shell.QuotaRemaining = 0
	shell.FlagCount = 3
	shell.SuspendedUntil = time.Now().UTC().Add(time.Hour).UnixMilli()
	require.NoError(t, db.Upsert(ctx, shell))

	result, err := linker.StartLink(ctx, "disc-eve", "eve", "")
	require.NoError(t, err)
	require.True(t, result.Linked())

	member := result.Member
	assert.Equal(t, DefaultDailyQuota, member.QuotaRemaining)
	assert.Zero(t, member.SuspendedUntil)
	assert.Equal(t, 3, member.FlagCount, "flags carry over through linking")
}

func TestUnlink(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db := testDB(t)
	roblox := newMockRobloxResolver()
	roblox.preLinked["disc-frank"] = RobloxIdentity{ID: 222, Username: "FrankRBX"}
	guild := newMockGuildHandler()
	linker := newTestLinker(t, db, roblox, guild)

	_, err := linker.StartLink(ctx, "disc-frank", "frank", "")
	require.NoError(t, err)

	flagged, err := db.GetByRequester(ctx, "disc-frank")
	require.NoError(t, err)
	flagged.FlagCount = 2
	require.NoError(t, db.Upsert(ctx, flagged))

	member, err := linker.Unlink(ctx, "disc-frank", "disc-frank", false)
	require.NoError(t, err)
	assert.False(t, member.Linked())
	assert.Nil(t, member.RobloxID)
	assert.Empty(t, member.RobloxUsername)
	assert.Contains(t, guild.revoked, "disc-frank")

	// The row persists, with moderation history intact
	saved, err := db.GetByRequester(ctx, "disc-frank")
	require.NoError(t, err)
	assert.Equal(t, 2, saved.FlagCount)

	// Unlinking again: nothing linked
	_, err = linker.Unlink(ctx, "disc-frank", "disc-frank", false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUnlinkOtherMember(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db := testDB(t)
	roblox := newMockRobloxResolver()
	roblox.preLinked["disc-target"] = RobloxIdentity{ID: 111, Username: "TargetRBX"}
	linker := newTestLinker(t, db, roblox, newMockGuildHandler())

	_, err := linker.StartLink(ctx, "disc-target", "target", "")
	require.NoError(t, err)

	// Without elevation
	_, err = linker.Unlink(ctx, "disc-mod", "disc-target", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnauthorized)

	target, err := db.GetByRequester(ctx, "disc-target")
	require.NoError(t, err)
	assert.True(t, target.Linked(), "failed unlink must not modify the target")

	// With elevation
	member, err := linker.Unlink(ctx, "disc-mod", "disc-target", true)
	require.NoError(t, err)
	assert.False(t, member.Linked())
}

func TestUnlinkThenRelinkByNewHolder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db := testDB(t)
	roblox := newMockRobloxResolver()
	roblox.identities["handoff"] = RobloxIdentity{ID: 666, Username: "Handoff"}
	linker := newTestLinker(t, db, roblox, newMockGuildHandler())

	result, err := linker.StartLink(ctx, "disc-old", "old", "Handoff")
	require.NoError(t, err)
	roblox.descriptions[666] = result.Pending.Token
	_, err = linker.ConfirmLink(ctx, "disc-old", "old")
	require.NoError(t, err)

	_, err = linker.Unlink(ctx, "disc-old", "disc-old", false)
	require.NoError(t, err)

	// The freed account can be claimed by someone else
	result, err = linker.StartLink(ctx, "disc-new", "new", "Handoff")
	require.NoError(t, err)
	roblox.descriptions[666] = result.Pending.Token
	member, err := linker.ConfirmLink(ctx, "disc-new", "new")
	require.NoError(t, err)
	assert.Equal(t, int64(666), *member.RobloxID)
}

func TestGuildErrorsAreNotFatal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db := testDB(t)
	roblox := newMockRobloxResolver()
	roblox.preLinked["disc-grace"] = RobloxIdentity{ID: 101, Username: "GraceRBX"}
	guild := newMockGuildHandler()
	guild.grantErr = errors.New("missing permissions")
	guild.revokeErr = errors.New("missing permissions")
	linker := newTestLinker(t, db, roblox, guild)

	// Linking persists even when the role grant fails
	result, err := linker.StartLink(ctx, "disc-grace", "grace", "")
	require.NoError(t, err)
	assert.True(t, result.Linked())

	// Same on the way out
	member, err := linker.Unlink(ctx, "disc-grace", "disc-grace", false)
	require.NoError(t, err)
	assert.False(t, member.Linked())
}

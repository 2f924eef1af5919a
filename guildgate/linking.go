package guildgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// GuildMemberHandler applies guild-side effects of linking state
// transitions and moderation escalation: role swaps, nicknames, and
// timeouts. [Discord] implements this against the live gateway session;
// tests substitute a mock.
type GuildMemberHandler interface {
	// GrantVerified swaps the member's roles from unverified to verified
	// and sets their nickname to the linked Roblox username.
	GrantVerified(ctx context.Context, discordID string, nickname string) error

	// RevokeVerified swaps the member's roles from verified back to
	// unverified.
	RevokeVerified(ctx context.Context, discordID string) error

	// Timeout applies a guild communication timeout until the given time.
	Timeout(ctx context.Context, discordID string, until time.Time) error
}

// StartLinkResult is the outcome of [Linker.StartLink].
type StartLinkResult struct {
	// Member is set when the direct (pre-linked registry) path completed
	// and the requester is now linked.
	Member *Member

	// Pending is set when a manual verification session was started. The
	// requester must place Pending.Token in their Roblox profile
	// description, then confirm.
	Pending *PendingVerification
}

// Linked indicates the direct path completed.
func (r StartLinkResult) Linked() bool {
	return r.Member != nil
}

// Linker drives the account linking state machine:
//
//	Unlinked -> PendingManual -> Linked  (manual verification)
//	Unlinked -> Linked                   (direct, via pre-linked registry)
//	Linked   -> Unlinked                 (explicit unlink)
//
// A Roblox account can only ever be held by one member at a time: every
// path into Linked re-checks uniqueness immediately before the write, so
// a second requester can never take over an already-claimed account. The
// existing holder has to unlink first.
type Linker struct {
	db       DBI
	roblox   RobloxResolver
	guild    GuildMemberHandler
	sessions *VerificationStore
	logger   *slog.Logger
	now      func() time.Time
}

func newLinker(
	db DBI,
	roblox RobloxResolver,
	guild GuildMemberHandler,
	sessions *VerificationStore,
	handler slog.Handler,
) *Linker {
	return &Linker{
		db:       db,
		roblox:   roblox,
		guild:    guild,
		sessions: sessions,
		logger:   slog.New(handler).With(loggerNameKey, "linker"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// StartLink begins linking for the given requester. The pre-linked
// registry is tried first: a hit there completes the link immediately
// (no token required). Otherwise robloxName is resolved and a manual
// verification session is started.
//
// Returns an error wrapping ErrConflict if the Roblox account is held by
// a different member, or ErrNotFound if robloxName doesn't resolve.
func (l *Linker) StartLink(
	ctx context.Context,
	discordID string,
	discordUsername string,
	robloxName string,
) (StartLinkResult, error) {
	logger := l.logger.With(columnMemberDiscordID, discordID)

	if identity, ok := l.roblox.PreLinked(ctx, discordID); ok {
		member, err := l.completeLink(ctx, discordID, discordUsername, identity)
		if err != nil {
			return StartLinkResult{}, err
		}
		logger.InfoContext(
			ctx,
			"linked via registry",
			"member", member,
		)
		return StartLinkResult{Member: member}, nil
	}

	if robloxName == "" {
		return StartLinkResult{}, fmt.Errorf(
			"no pre-linked account and no username given: %w",
			ErrNotFound,
		)
	}

	identity, err := l.roblox.ResolveByName(ctx, robloxName)
	if err != nil {
		return StartLinkResult{}, err
	}

	token, err := newVerificationToken()
	if err != nil {
		return StartLinkResult{}, fmt.Errorf("generating token: %w", err)
	}

	pending := PendingVerification{
		RobloxID:       identity.ID,
		RobloxUsername: identity.Username,
		Token:          token,
		StartedAt:      l.now(),
	}
	l.sessions.Put(discordID, pending)
	logger.InfoContext(ctx, "started manual verification", "pending", pending)

	return StartLinkResult{Pending: &pending}, nil
}

// ConfirmLink completes a pending manual verification: the profile
// description is re-fetched and checked for the stored token by
// substring containment.
//
// Confirming with no pending session while already linked is a no-op
// success, so a double /done doesn't error. A token mismatch returns an
// error wrapping ErrTokenMismatch and leaves the session pending.
func (l *Linker) ConfirmLink(
	ctx context.Context,
	discordID string,
	discordUsername string,
) (*Member, error) {
	logger := l.logger.With(columnMemberDiscordID, discordID)

	pending, ok := l.sessions.Get(discordID)
	if !ok {
		member, err := l.db.GetByRequester(ctx, discordID)
		if err == nil && member.Linked() {
			logger.InfoContext(ctx, "already linked, nothing to confirm")
			return member, nil
		}
		return nil, fmt.Errorf("no pending verification: %w", ErrNotFound)
	}

	description := l.roblox.ProfileDescription(ctx, pending.RobloxID)
	if !strings.Contains(description, pending.Token) {
		logger.InfoContext(
			ctx,
			"token not found in profile",
			"pending", pending,
		)
		return nil, &TokenMismatchError{Expected: pending.Token}
	}

	member, err := l.completeLink(
		ctx,
		discordID,
		discordUsername,
		RobloxIdentity{ID: pending.RobloxID, Username: pending.RobloxUsername},
	)
	if err != nil {
		return nil, err
	}

	l.sessions.Delete(discordID)
	logger.InfoContext(ctx, "confirmed manual verification", "member", member)
	return member, nil
}

// Unlink removes the target's Roblox linkage. Self-service is always
// allowed; acting on another member requires elevated set. The Member
// row persists with its flags and quota: only the linkage fields are
// cleared.
func (l *Linker) Unlink(
	ctx context.Context,
	actorID string,
	targetID string,
	elevated bool,
) (*Member, error) {
	if actorID != targetID && !elevated {
		return nil, fmt.Errorf(
			"%s cannot unlink %s: %w",
			actorID,
			targetID,
			ErrUnauthorized,
		)
	}

	member, err := l.db.GetByRequester(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if !member.Linked() {
		return nil, fmt.Errorf("member %s is not linked: %w", targetID, ErrNotFound)
	}

	member.RobloxID = nil
	member.RobloxUsername = ""
	member.LinkedAt = 0
	if err = l.db.Upsert(ctx, member); err != nil {
		return nil, err
	}

	if guildErr := l.guild.RevokeVerified(ctx, targetID); guildErr != nil {
		l.logger.ErrorContext(
			ctx,
			"error revoking verified role",
			tint.Err(guildErr),
			columnMemberDiscordID, targetID,
		)
	}

	l.logger.InfoContext(
		ctx,
		"unlinked member",
		"member", member,
		"actor_id", actorID,
	)
	return member, nil
}

// completeLink performs the uniqueness check and the Linked write. Flags
// carry over; quota resets to the default allotment; any suspension is
// cleared.
func (l *Linker) completeLink(
	ctx context.Context,
	discordID string,
	discordUsername string,
	identity RobloxIdentity,
) (*Member, error) {
	holder, err := l.db.GetByRobloxID(ctx, identity.ID)
	if err == nil && holder.DiscordID != discordID {
		return nil, &ConflictError{
			HolderDiscordID: holder.DiscordID,
			RobloxID:        identity.ID,
		}
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	member, err := l.db.GetByRequester(ctx, discordID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		member = NewMember(discordID, discordUsername)
	}

	now := l.now()
	robloxID := identity.ID
	member.DiscordUsername = discordUsername
	member.RobloxID = &robloxID
	member.RobloxUsername = identity.Username
	member.LinkedAt = now.UnixMilli()
	member.QuotaRemaining = DefaultDailyQuota
	member.QuotaResetAt = now.UnixMilli()
	member.SuspendedUntil = 0

	if err = l.db.Upsert(ctx, member); err != nil {
		return nil, err
	}

	if guildErr := l.guild.GrantVerified(
		ctx,
		discordID,
		identity.Username,
	); guildErr != nil {
		l.logger.ErrorContext(
			ctx,
			"error granting verified role",
			tint.Err(guildErr),
			columnMemberDiscordID, discordID,
		)
	}

	return member, nil
}

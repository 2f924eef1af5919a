package guildgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Ledger meters the per-member daily assistant quota.
//
// Quota rotation happens on access rather than on a schedule: whenever a
// member's record is touched and at least quotaRotationWindow has passed
// since the last reset, the quota is restored to DefaultDailyQuota and
// the reset timestamp is stamped. Correctness depends only on comparing
// elapsed wall-clock time at access time, so no background task exists.
type Ledger struct {
	db     DBI
	logger *slog.Logger
	now    func() time.Time
}

func newLedger(db DBI, handler slog.Handler) *Ledger {
	return &Ledger{
		db:     db,
		logger: slog.New(handler).With(loggerNameKey, "ledger"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Consume spends one quota token for the given member, returning the new
// remaining balance. Rotation is applied first, then suspension, then
// balance: a suspended member gets an error wrapping ErrSuspended (with
// the suspension end time), an exhausted member gets ErrExhausted.
//
// A member with no record yet gets a fresh shell row with the default
// allotment before the spend.
func (l *Ledger) Consume(
	ctx context.Context,
	discordID string,
	discordUsername string,
) (int, error) {
	member, err := l.loadRotated(ctx, discordID, discordUsername)
	if err != nil {
		return 0, err
	}

	if until, suspended := member.Suspended(l.now()); suspended {
		return 0, &SuspendedError{Until: until}
	}

	if member.QuotaRemaining <= 0 {
		return 0, fmt.Errorf(
			"member %s: %w",
			discordID,
			ErrExhausted,
		)
	}

	member.QuotaRemaining--
	if err = l.db.Upsert(ctx, member); err != nil {
		return 0, err
	}

	l.logger.InfoContext(
		ctx,
		"consumed quota token",
		"member", member,
	)
	return member.QuotaRemaining, nil
}

// Balance returns the member's remaining quota. Rotation still writes
// through: even this read-style query persists a reset when the window
// has elapsed.
func (l *Ledger) Balance(
	ctx context.Context,
	discordID string,
	discordUsername string,
) (int, error) {
	member, err := l.loadRotated(ctx, discordID, discordUsername)
	if err != nil {
		return 0, err
	}
	return member.QuotaRemaining, nil
}

// loadRotated loads (or creates) the member record and applies quota
// rotation, persisting the reset if one occurred.
func (l *Ledger) loadRotated(
	ctx context.Context,
	discordID string,
	discordUsername string,
) (*Member, error) {
	member, err := l.db.GetByRequester(ctx, discordID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		member = NewMember(discordID, discordUsername)
		if err = l.db.Upsert(ctx, member); err != nil {
			return nil, err
		}
		return member, nil
	}

	now := l.now()
	lastReset := time.UnixMilli(member.QuotaResetAt).UTC()
	if now.Sub(lastReset) >= quotaRotationWindow {
		member.QuotaRemaining = DefaultDailyQuota
		member.QuotaResetAt = now.UnixMilli()
		if err = l.db.Upsert(ctx, member); err != nil {
			return nil, err
		}
		l.logger.InfoContext(
			ctx,
			"rotated quota",
			"member", member,
			"last_reset", lastReset,
		)
	}
	return member, nil
}

package guildgate

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// FlagResult is the outcome of recording a moderation flag.
type FlagResult struct {
	// FlagCount is the member's running violation count
	FlagCount int `json:"flag_count"`

	// Suspended is true when this flag crossed the threshold and a
	// suspension was applied. The caller is responsible for applying the
	// guild-side timeout (via [GuildMemberHandler.Timeout]).
	Suspended bool `json:"suspended"`

	// Until is the suspension end time, when Suspended is true
	Until time.Time `json:"until,omitempty"`
}

// Moderator scans message content against a denylist and escalates
// repeat violations into temporary suspensions. The flag count only ever
// increases; suspension expiry is time-based.
type Moderator struct {
	db       DBI
	denylist []string
	logger   *slog.Logger
	now      func() time.Time
}

func newModerator(
	db DBI,
	config *ModerationConfig,
	handler slog.Handler,
) *Moderator {
	terms := make([]string, 0, len(config.Denylist))
	for _, t := range config.Denylist {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			terms = append(terms, t)
		}
	}
	return &Moderator{
		db:       db,
		denylist: terms,
		logger:   slog.New(handler).With(loggerNameKey, "moderator"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Scan reports whether the text contains any denylist term.
// Case-insensitive substring matching, no state.
func (m *Moderator) Scan(text string) bool {
	lowered := strings.ToLower(text)
	for _, term := range m.denylist {
		if strings.Contains(lowered, term) {
			return true
		}
	}
	return false
}

// RecordFlag increments the requester's violation count, creating a
// shell Member row if none exists. Crossing FlagSuspendThreshold sets
// SuspendedUntil and signals (via FlagResult.Suspended) that the caller
// should apply a guild timeout.
//
// Persistence failures here are logged and swallowed: the flag bump is
// not worth blocking the user-facing reply over, and the returned
// FlagResult still reflects the intended state.
func (m *Moderator) RecordFlag(
	ctx context.Context,
	discordID string,
	discordUsername string,
) FlagResult {
	logger := m.logger.With(columnMemberDiscordID, discordID)

	member, err := m.db.GetByRequester(ctx, discordID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			logger.ErrorContext(ctx, "error loading member", tint.Err(err))
		}
		member = NewMember(discordID, discordUsername)
	}

	member.FlagCount++
	result := FlagResult{FlagCount: member.FlagCount}

	if member.FlagCount >= FlagSuspendThreshold {
		until := m.now().Add(suspensionDuration)
		member.SuspendedUntil = until.UnixMilli()
		result.Suspended = true
		result.Until = until
	}

	if err = m.db.Upsert(ctx, member); err != nil {
		logger.ErrorContext(ctx, "error saving flag", tint.Err(err))
	}

	if result.Suspended {
		logger.WarnContext(
			ctx,
			"member suspended",
			"member", member,
			"until", result.Until,
		)
	} else {
		logger.InfoContext(
			ctx,
			"flagged member",
			"member", member,
			"flag_count", result.FlagCount,
			"threshold", FlagSuspendThreshold,
		)
	}

	return result
}

package guildgate

import (
	"fmt"
	"log/slog"
	"time"
)

var (
	columnMemberDiscordID      = "discord_id"
	columnMemberRobloxID       = "roblox_id"
	columnMemberRobloxUsername = "roblox_username"
	columnMemberQuotaRemaining = "quota_remaining"
	columnMemberQuotaResetAt   = "quota_reset_at"
	columnMemberFlagCount      = "flag_count"
	columnMemberSuspendedUntil = "suspended_until"
	columnMemberLinkedAt       = "linked_at"
)

// Member is the durable per-user record: Roblox account linkage, daily
// assistant quota, and moderation state. A row is created on the first
// linking attempt, or as a flag-tracking shell on the first moderation
// flag, whichever comes first.
//
// At most one Member row may hold a given non-null RobloxID. This is
// enforced by a check against [DBI.GetByRobloxID] before every linking
// write, not by a storage constraint.
//
//nolint:lll // struct tags can't be split
type Member struct {
	// DiscordID is the Discord user ID (the requester identity)
	DiscordID string `json:"discord_id" gorm:"primaryKey;unique;type:string"`

	// DiscordUsername, not unique, refreshed when seen
	DiscordUsername string `json:"discord_username" gorm:"type:string"`

	// RobloxID is the linked Roblox account ID. Nil until linked.
	RobloxID *int64 `json:"roblox_id" gorm:"column:roblox_id;index"`

	// RobloxUsername is the canonical Roblox username at link time
	RobloxUsername string `json:"roblox_username" gorm:"type:string"`

	// QuotaRemaining is the number of assistant invocations left in the
	// current rotation window
	QuotaRemaining int `json:"quota_remaining" gorm:"column:quota_remaining"`

	// QuotaResetAt is the time (unix ms) the quota was last reset
	QuotaResetAt int64 `json:"quota_reset_at" gorm:"column:quota_reset_at"`

	// FlagCount is the number of moderation violations recorded. It only
	// increases.
	FlagCount int `json:"flag_count" gorm:"column:flag_count;default:0"`

	// SuspendedUntil is the time (unix ms) an active suspension ends.
	// Zero means no suspension has been applied.
	SuspendedUntil int64 `json:"suspended_until" gorm:"column:suspended_until;default:0"`

	// LinkedAt is the time (unix ms) the Roblox account was linked.
	// Zero means unlinked.
	LinkedAt int64 `json:"linked_at" gorm:"column:linked_at;default:0"`

	ModelUnixTime
}

// NewMember returns an unlinked Member with a fresh quota allotment.
func NewMember(discordID string, username string) *Member {
	return &Member{
		DiscordID:       discordID,
		DiscordUsername: username,
		QuotaRemaining:  DefaultDailyQuota,
		QuotaResetAt:    time.Now().UTC().UnixMilli(),
	}
}

func (m *Member) String() string {
	return fmt.Sprintf("%s [%s]", m.DiscordUsername, m.DiscordID)
}

// Linked indicates whether the member currently holds a Roblox account.
func (m *Member) Linked() bool {
	return m.RobloxID != nil && m.LinkedAt > 0
}

// Suspended reports whether the member is suspended as of the given time,
// and when the suspension ends.
func (m *Member) Suspended(now time.Time) (time.Time, bool) {
	if m.SuspendedUntil == 0 {
		return time.Time{}, false
	}
	until := time.UnixMilli(m.SuspendedUntil).UTC()
	return until, now.Before(until)
}

func (m *Member) LogValue() slog.Value {
	if m == nil {
		return slog.Value{}
	}
	attrs := []slog.Attr{
		slog.String(columnMemberDiscordID, m.DiscordID),
		slog.String("discord_username", m.DiscordUsername),
		slog.Int(columnMemberQuotaRemaining, m.QuotaRemaining),
		slog.Int(columnMemberFlagCount, m.FlagCount),
	}
	if m.RobloxID != nil {
		attrs = append(
			attrs,
			slog.Int64(columnMemberRobloxID, *m.RobloxID),
			slog.String(columnMemberRobloxUsername, m.RobloxUsername),
		)
	}
	if m.SuspendedUntil > 0 {
		attrs = append(
			attrs,
			slog.Time(
				columnMemberSuspendedUntil,
				time.UnixMilli(m.SuspendedUntil).UTC(),
			),
		)
	}

	return slog.GroupValue(attrs...)
}

// AdminCredential holds the dashboard admin login. A single row is
// created by the `init` subcommand.
type AdminCredential struct {
	ModelUintID

	Username string `json:"username" gorm:"type:string"`

	// Password is an argon2id hash
	Password string `json:"password" gorm:"type:string" log:"[redacted]"`

	ModelUnixTime
}

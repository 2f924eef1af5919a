package guildgate

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a lookup miss (unknown Roblox username, no
	// pending verification, no member record). Recoverable: the user
	// retries with corrected input.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates the Roblox account is already claimed by a
	// different guild member. Use [ConflictError] to get the holder.
	ErrConflict = errors.New("roblox account already linked")

	// ErrUnauthorized indicates a permission-gated action was attempted
	// without the required privilege.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrSuspended indicates the member is currently suspended. Use
	// [SuspendedError] to get the suspension end time.
	ErrSuspended = errors.New("suspended")

	// ErrExhausted indicates the member's daily assistant quota is spent.
	ErrExhausted = errors.New("daily token quota exhausted")

	// ErrTokenMismatch indicates the verification token was not found in
	// the Roblox profile description. Use [TokenMismatchError] to get the
	// expected token.
	ErrTokenMismatch = errors.New("verification token not found in profile")
)

// ConflictError is returned when a Roblox account is already linked to a
// different Discord user. The existing holder must unlink first.
type ConflictError struct {
	// HolderDiscordID is the Discord ID of the member currently holding
	// the Roblox account.
	HolderDiscordID string

	// RobloxID is the contested Roblox account ID.
	RobloxID int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf(
		"roblox account %d is already linked to discord user %s",
		e.RobloxID,
		e.HolderDiscordID,
	)
}

func (*ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// SuspendedError is returned when an action is blocked by an active
// suspension.
type SuspendedError struct {
	// Until is the time the suspension ends.
	Until time.Time
}

func (e *SuspendedError) Error() string {
	return fmt.Sprintf("suspended until %s", e.Until.UTC().Format(time.RFC3339))
}

func (*SuspendedError) Is(target error) bool {
	return target == ErrSuspended
}

// TokenMismatchError is returned by [Linker.ConfirmLink] when the stored
// verification token isn't present in the fetched profile description.
// The session stays pending so the user can fix their profile and retry.
type TokenMismatchError struct {
	// Expected is the token the user was instructed to place in their
	// profile description, repeated verbatim so it can be shown again.
	Expected string
}

func (e *TokenMismatchError) Error() string {
	return fmt.Sprintf("token %q not found in profile description", e.Expected)
}

func (*TokenMismatchError) Is(target error) bool {
	return target == ErrTokenMismatch
}

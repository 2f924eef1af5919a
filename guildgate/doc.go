// Package guildgate implements a single-guild Discord community bot that
// gates guild access behind Roblox account verification, and meters a
// shared Gemini-backed assistant per user.
//
// Key components of the package include:
//
//   - Guildgate: The main struct that wires the bot's core components together.
//   - Linker: Drives the account linking state machine (unlinked, pending, linked).
//   - Ledger: Tracks per-user daily quota for the /ask assistant command.
//   - Moderator: Scans message content and escalates repeat violations into
//     temporary suspensions.
//   - Roblox: Resolves Roblox identities and fetches profile descriptions.
//   - Assistant: Manages Gemini API generation requests.
//   - Discord: Handles the Discord gateway session and routes interactions.
//   - API: Provides a backend API for bot management and monitoring.
//
// The bot supports the following slash commands:
//
//   - /verify: Start linking a Roblox account, or finish instantly if a
//     public registry already links the user.
//   - /done: Confirm a pending verification after placing the issued token
//     in the Roblox profile description.
//   - /unverify: Remove an account link (self-service, or admin-on-other).
//   - /ask: Ask the assistant a question (consumes one daily-quota token).
//   - /balance: Check remaining daily assistant tokens.
//
// All external calls (Roblox, the verification registry, Gemini) are
// attempted once with no retries: failures degrade to a "not found" or
// empty result rather than surfacing as system errors.
package guildgate

package guildgate

import (
	"crypto/rand"
	"log/slog"
	"math/big"
	"sync"
	"time"
)

// tokenAlphabet is the character set for verification tokens.
const tokenAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789._"

// PendingVerification is an in-flight, not-yet-confirmed linking attempt.
// It lives only in memory: if the process restarts, the user starts over.
// There is no expiry; an abandoned session is simply overwritten by the
// next /verify from the same user.
type PendingVerification struct {
	// RobloxID of the candidate account
	RobloxID int64 `json:"roblox_id"`

	// RobloxUsername is the canonical username returned by the resolver
	RobloxUsername string `json:"roblox_username"`

	// Token the user must place in their Roblox profile description
	Token string `json:"token"`

	// StartedAt is when the session was created
	StartedAt time.Time `json:"started_at"`
}

func (p PendingVerification) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("roblox_id", p.RobloxID),
		slog.String("roblox_username", p.RobloxUsername),
		slog.String("token", p.Token),
		slog.Time("started_at", p.StartedAt),
	)
}

// VerificationStore tracks pending verification sessions keyed by Discord
// user ID. At most one session exists per user: Put overwrites.
//
// The store itself is mutex-guarded since gateway events are handled on
// separate goroutines, but there is no cross-event coordination: two
// concurrent /verify turns for the same user race, and the last write
// wins. Construct one per process and pass it by reference.
type VerificationStore struct {
	mu       sync.Mutex
	sessions map[string]PendingVerification
}

// NewVerificationStore returns an empty store.
func NewVerificationStore() *VerificationStore {
	return &VerificationStore{
		sessions: map[string]PendingVerification{},
	}
}

// Put stores (or replaces) the pending session for the given user.
func (s *VerificationStore) Put(discordID string, p PendingVerification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[discordID] = p
}

// Get returns the pending session for the given user, if any.
func (s *VerificationStore) Get(discordID string) (PendingVerification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.sessions[discordID]
	return p, ok
}

// Delete removes the pending session for the given user.
func (s *VerificationStore) Delete(discordID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, discordID)
}

// Len returns the number of in-flight sessions.
func (s *VerificationStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// All returns a snapshot of the in-flight sessions, keyed by Discord ID.
func (s *VerificationStore) All() map[string]PendingVerification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]PendingVerification, len(s.sessions))
	for k, v := range s.sessions {
		out[k] = v
	}
	return out
}

// newVerificationToken generates a verification token. Tokens aren't
// security-critical (they're matched by substring containment against a
// public profile field), so collisions are accepted; crypto/rand is used
// only because it needs no seeding.
func newVerificationToken() (string, error) {
	max := big.NewInt(int64(len(tokenAlphabet)))
	b := make([]byte, verificationTokenLength)
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = tokenAlphabet[n.Int64()]
	}
	return string(b), nil
}

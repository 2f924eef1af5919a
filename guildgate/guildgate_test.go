package guildgate

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/require"
)

func testLogHandler(t testing.TB) slog.Handler {
	t.Helper()
	return tint.NewHandler(
		os.Stdout,
		&tint.Options{Level: slog.LevelError, AddSource: true},
	)
}

func testDB(t testing.TB) DBI {
	t.Helper()

	db, err := CreateDB(
		context.Background(),
		dbTypeSQLite,
		filepath.Join(t.TempDir(), "test.sqlite3"),
	)
	require.NoError(t, err)

	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)
	return NewDatabase(db, slog.New(testLogHandler(t)), false)
}

// mockRobloxResolver implements [RobloxResolver] against fixed data.
type mockRobloxResolver struct {
	// identities by lowercased username
	identities map[string]RobloxIdentity

	// descriptions by roblox ID
	descriptions map[int64]string

	// preLinked identities by discord ID
	preLinked map[string]RobloxIdentity
}

func newMockRobloxResolver() *mockRobloxResolver {
	return &mockRobloxResolver{
		identities:   map[string]RobloxIdentity{},
		descriptions: map[int64]string{},
		preLinked:    map[string]RobloxIdentity{},
	}
}

func (m *mockRobloxResolver) ResolveByName(
	_ context.Context,
	name string,
) (RobloxIdentity, error) {
	identity, ok := m.identities[strings.ToLower(name)]
	if !ok {
		return RobloxIdentity{}, fmt.Errorf("roblox user %q: %w", name, ErrNotFound)
	}
	return identity, nil
}

func (m *mockRobloxResolver) ProfileDescription(
	_ context.Context,
	robloxID int64,
) string {
	return m.descriptions[robloxID]
}

func (m *mockRobloxResolver) PreLinked(
	_ context.Context,
	discordID string,
) (RobloxIdentity, bool) {
	identity, ok := m.preLinked[discordID]
	return identity, ok
}

// mockGuildHandler implements [GuildMemberHandler], recording calls.
type mockGuildHandler struct {
	mu        sync.Mutex
	granted   map[string]string
	revoked   []string
	timeouts  map[string]time.Time
	grantErr  error
	revokeErr error
}

func newMockGuildHandler() *mockGuildHandler {
	return &mockGuildHandler{
		granted:  map[string]string{},
		timeouts: map[string]time.Time{},
	}
}

func (m *mockGuildHandler) GrantVerified(
	_ context.Context,
	discordID string,
	nickname string,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.grantErr != nil {
		return m.grantErr
	}
	m.granted[discordID] = nickname
	return nil
}

func (m *mockGuildHandler) RevokeVerified(
	_ context.Context,
	discordID string,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.revokeErr != nil {
		return m.revokeErr
	}
	m.revoked = append(m.revoked, discordID)
	return nil
}

func (m *mockGuildHandler) Timeout(
	_ context.Context,
	discordID string,
	until time.Time,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeouts[discordID] = until
	return nil
}

// mockAssistant implements [AssistantClient] with a canned response.
type mockAssistant struct {
	response string
	err      error
	prompts  []string
}

func (m *mockAssistant) Generate(
	_ context.Context,
	prompt string,
) (string, error) {
	m.prompts = append(m.prompts, prompt)
	if m.err != nil {
		return "", m.err
	}
	return m.response, nil
}

func newTestLinker(
	t testing.TB,
	db DBI,
	roblox RobloxResolver,
	guild GuildMemberHandler,
) *Linker {
	t.Helper()
	return newLinker(db, roblox, guild, NewVerificationStore(), testLogHandler(t))
}

func newTestLedger(t testing.TB, db DBI) *Ledger {
	t.Helper()
	return newLedger(db, testLogHandler(t))
}

func newTestModerator(t testing.TB, db DBI, denylist ...string) *Moderator {
	t.Helper()
	if len(denylist) == 0 {
		denylist = DefaultDenylist
	}
	return newModerator(
		db,
		&ModerationConfig{Denylist: denylist},
		testLogHandler(t),
	)
}

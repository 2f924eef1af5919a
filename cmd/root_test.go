package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/guildgate/guildgate/guildgate"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertLogLevel(t testing.TB, expected slog.Level, v any) {
	t.Helper()

	lvl, ok := v.(*slog.LevelVar)
	require.Truef(t, ok, "could not convert %#v (%T) to *slog.LevelVar", v, v)
	assert.Equal(t, expected, lvl.Level())
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	// Save the original environment
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				os.Setenv(parts[0], parts[1])
			}
		},
	)

	// Clear the environment before the test
	os.Clearenv()

	tmpdir := t.TempDir()

	// Set up the test environment file
	envFile := filepath.Join(tmpdir, "test.env")

	envContent := `
# General/database config

GG_DATABASE=/home/foo/guildgate.sqlite3
GG_DATABASE_TYPE=sqlite
GG_DATABASE_LOG_LEVEL=INFO
GG_DATABASE_SLOW_THRESHOLD=200ms
GG_LOG_LEVEL=INFO
GG_STARTUP_TIMEOUT=30s
GG_SHUTDOWN_TIMEOUT=60s

# Discord bot config

GG_DISCORD_TOKEN=your-discord-bot-token
GG_DISCORD_APPLICATION_ID=your-discord-bot-app-id
GG_DISCORD_GUILD_ID=1234567890
GG_DISCORD_VERIFIED_ROLE_ID=111
GG_DISCORD_UNVERIFIED_ROLE_ID=222
GG_DISCORD_LOG_LEVEL=WARN
GG_DISCORD_DISCORDGO_LOG_LEVEL=WARN
GG_DISCORD_GATEWAY_INTENTS=33281

# Roblox config

GG_ROBLOX_BASE_URL=https://users.roblox.com
GG_ROBLOX_REGISTRY_BASE_URL=https://verify.example.com
GG_ROBLOX_API_KEY=your-roblox-key
GG_ROBLOX_MAX_REQUESTS_PER_SECOND=2
GG_ROBLOX_LOG_LEVEL=INFO

# Gemini config

GG_GEMINI_API_KEY=your-gemini-key
GG_GEMINI_MODEL=gemini-2.0-flash
GG_GEMINI_MAX_REQUESTS_PER_SECOND=1
GG_GEMINI_LOG_LEVEL=INFO

# Moderation

GG_MODERATION_DENYLIST=free robux,beaming

# API server

GG_API_LISTEN=127.0.0.1:5000
GG_API_SECRET=your-api-secret
GG_API_LOG_LEVEL=DEBUG
GG_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5000 https://localhost:5000
GG_API_CORS_ALLOW_METHODS=GET POST PUT PATCH DELETE OPTIONS HEAD
GG_API_CORS_ALLOW_CREDENTIALS=true
GG_API_CORS_MAX_AGE=12h
GG_API_READ_TIMEOUT=5s
GG_API_READ_HEADER_TIMEOUT=5s
GG_API_WRITE_TIMEOUT=10s
GG_API_IDLE_TIMEOUT=30s
GG_API_SESSION_MAX_AGE=6h
GG_API_DEVELOPMENT=true
`

	err := os.WriteFile(envFile, []byte(envContent), 0644)
	assert.NoError(t, err)

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/guildgate.sqlite3", cfg.Database)
	assert.Equal(t, "/home/foo/guildgate.sqlite3", viper.GetString("database"))
	assert.Equal(t, "sqlite", viper.GetString("database_type"))

	assertLogLevel(t, slog.LevelInfo, viper.Get("database_log_level"))

	assert.Equal(t, 200*time.Millisecond, viper.GetDuration("database_slow_threshold"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("log_level"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("startup_timeout"))
	assert.Equal(t, 60*time.Second, viper.GetDuration("shutdown_timeout"))

	assert.Equal(t, "your-discord-bot-token", viper.GetString("discord.token"))
	assert.Equal(t, "your-discord-bot-app-id", viper.GetString("discord.application_id"))
	assert.Equal(t, "1234567890", viper.GetString("discord.guild_id"))
	assert.Equal(t, "111", viper.GetString("discord.verified_role_id"))
	assert.Equal(t, "222", viper.GetString("discord.unverified_role_id"))

	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.log_level"))
	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.discordgo_log_level"))
	assert.Equal(t, 33281, viper.GetInt("discord.gateway_intents"))

	assert.Equal(t, "https://users.roblox.com", viper.GetString("roblox.base_url"))
	assert.Equal(
		t,
		"https://verify.example.com",
		viper.GetString("roblox.registry_base_url"),
	)
	assert.Equal(t, "your-roblox-key", viper.GetString("roblox.api_key"))
	assert.Equal(t, 2, viper.GetInt("roblox.max_requests_per_second"))

	assert.Equal(t, "your-gemini-key", viper.GetString("gemini.api_key"))
	assert.Equal(t, "gemini-2.0-flash", viper.GetString("gemini.model"))
	assert.Equal(t, 1, viper.GetInt("gemini.max_requests_per_second"))

	assert.Equal(t, "127.0.0.1:5000", viper.GetString("api.listen"))
	assert.Equal(t, "your-api-secret", viper.GetString("api.secret"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("api.log_level"))
	assert.Equal(t, slog.LevelDebug, cfg.API.LogLevel.Level())
	assert.True(t, viper.GetBool("api.development"))
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		cfg.API.CORS.AllowMethods,
	)
	assert.True(t, viper.GetBool("api.cors.allow_credentials"))
	assert.Equal(t, 12*time.Hour, viper.GetDuration("api.cors.max_age"))
	assert.Equal(t, 5*time.Second, viper.GetDuration("api.read_timeout"))
	assert.Equal(t, 5*time.Second, viper.GetDuration("api.read_header_timeout"))
	assert.Equal(t, 10*time.Second, viper.GetDuration("api.write_timeout"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("api.idle_timeout"))
	assert.Equal(t, 6*time.Hour, viper.GetDuration("api.session_max_age"))

	// Unmarshal the configuration into a guildgate.Config struct
	var config guildgate.Config
	err = viper.Unmarshal(
		&config, viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
			),
		),
	)
	assert.NoError(t, err)

	// Verify some key fields in the Config struct
	assert.Equal(t, "/home/foo/guildgate.sqlite3", config.Database)
	assert.Equal(t, "sqlite", config.DatabaseType)
	assert.Equal(t, slog.LevelInfo, config.DatabaseLogLevel.Level())
	assert.Equal(t, 200*time.Millisecond, config.DatabaseSlowThreshold)
	assert.Equal(t, slog.LevelInfo, config.LogLevel.Level())
	assert.Equal(t, 30*time.Second, config.StartupTimeout)
	assert.Equal(t, 60*time.Second, config.ShutdownTimeout)

	assert.Equal(t, "your-discord-bot-token", config.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", config.Discord.ApplicationID)
	assert.Equal(t, "1234567890", config.Discord.GuildID)
	assert.Equal(t, "111", config.Discord.VerifiedRoleID)
	assert.Equal(t, "222", config.Discord.UnverifiedRoleID)
	assert.Equal(t, slog.LevelWarn, config.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelWarn, config.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, discordgo.Intent(33281), config.Discord.GatewayIntents)

	assert.Equal(t, "https://users.roblox.com", config.Roblox.BaseURL)
	assert.Equal(t, "https://verify.example.com", config.Roblox.RegistryBaseURL)
	assert.Equal(t, "your-roblox-key", config.Roblox.APIKey)
	assert.Equal(t, 2, config.Roblox.MaxRequestsPerSecond)

	assert.Equal(t, "your-gemini-key", config.Gemini.APIKey)
	assert.Equal(t, "gemini-2.0-flash", config.Gemini.Model)

	assert.Equal(t, "127.0.0.1:5000", config.API.Listen)
	assert.Equal(t, "your-api-secret", config.API.Secret)
	assert.Equal(t, slog.LevelDebug, config.API.LogLevel.Level())
	assert.True(t, config.API.Development)
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		config.API.CORS.AllowOrigins,
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		config.API.CORS.AllowMethods,
	)
}

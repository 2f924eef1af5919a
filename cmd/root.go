package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/guildgate/guildgate/guildgate"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = guildgate.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "guildgate [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", guildgate.DefaultDatabase)
	viper.SetDefault("database_type", guildgate.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		guildgate.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		guildgate.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("log_level", guildgate.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", guildgate.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", guildgate.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.verified_role_id", "")
	viper.SetDefault("discord.unverified_role_id", "")
	viper.SetDefault(
		"discord.log_level",
		guildgate.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		guildgate.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		guildgate.DefaultDiscordGatewayIntent,
	)

	// Roblox config
	viper.SetDefault("roblox.base_url", guildgate.DefaultRobloxBaseURL)
	viper.SetDefault("roblox.registry_base_url", guildgate.DefaultRegistryBaseURL)
	viper.SetDefault("roblox.api_key", "")
	viper.SetDefault(
		"roblox.max_requests_per_second",
		guildgate.DefaultRobloxRequestsPerSec,
	)
	viper.SetDefault("roblox.log_level", guildgate.DefaultRobloxLogLevel.String())

	// Gemini config
	viper.SetDefault("gemini.api_key", "")
	viper.SetDefault("gemini.model", guildgate.DefaultGeminiModel)
	viper.SetDefault(
		"gemini.max_requests_per_second",
		guildgate.DefaultGeminiRequestsPerSec,
	)
	viper.SetDefault("gemini.log_level", guildgate.DefaultGeminiLogLevel.String())

	// Moderation config
	viper.SetDefault("moderation.denylist", guildgate.DefaultDenylist)

	// API config
	viper.SetDefault("api.listen", guildgate.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.log_level", guildgate.DefaultAPILogLevel.String())
	viper.SetDefault("api.session_max_age", guildgate.DefaultAPISessionMaxAge)
	viper.SetDefault("api.read_timeout", guildgate.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		guildgate.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", guildgate.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", guildgate.DefaultIdleTimeout)

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		guildgate.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		guildgate.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		guildgate.DefaultCORSExposeHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_origins",
		[]string{},
	)
	viper.SetDefault("api.cors.max_age", guildgate.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		guildgate.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(guildgate.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = guildgate.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	viper.Set(
		"api.cors.allow_headers",
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	viper.Set(
		"api.cors.allow_origins",
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	viper.Set(
		"api.cors.allow_methods",
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	viper.Set(
		"api.cors.expose_headers",
		viper.GetStringSlice("api.cors.expose_headers"),
	)
	viper.Set(
		"moderation.denylist",
		viper.GetStringSlice("moderation.denylist"),
	)

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"roblox.log_level",
		"gemini.log_level",
		"api.log_level",
	} {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}

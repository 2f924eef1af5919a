package guildgate

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

// Set via ldflags at build time
var (
	Version   string
	CommitSHA string
	BuildTime string
)

// Guildgate is the root of the bot: it owns the database handle, the
// external clients, and the core components, and wires them into the
// Discord gateway and the backend API.
type Guildgate struct {
	config *Config

	db            DBI
	roblox        RobloxResolver
	assistant     AssistantClient
	verifications *VerificationStore

	linker    *Linker
	ledger    *Ledger
	moderator *Moderator

	discord *Discord
	api     *API

	logger *slog.Logger
}

// New initializes a Guildgate instance from the given configuration:
// validates it, connects (and migrates) the database, and constructs
// every component. Nothing is listening yet; call [Guildgate.Run].
func New(ctx context.Context, config *Config) (*Guildgate, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if err := structValidator.Struct(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	newHandler := func(level *slog.LevelVar) slog.Handler {
		return tint.NewHandler(
			os.Stdout,
			&tint.Options{Level: level, AddSource: true},
		)
	}

	gg := &Guildgate{
		config:        config,
		logger:        slog.New(newHandler(config.LogLevel)),
		verifications: NewVerificationStore(),
	}
	gg.logger.InfoContext(ctx, "initializing", "config", config)

	startupCtx, cancel := config.startupContext(ctx)
	defer cancel()

	db, err := CreateDB(startupCtx, config.DatabaseType, config.Database)
	if err != nil {
		return nil, fmt.Errorf("initializing database: %w", err)
	}
	gg.db = NewDatabase(
		db,
		slog.New(newHandler(config.DatabaseLogLevel)),
		config.DatabaseType == dbTypePostgres,
	)

	gg.roblox = newRoblox(
		config.Roblox,
		newHandler(config.Roblox.LogLevel),
		config.HTTPClient,
	)

	gg.assistant, err = newAssistant(
		ctx,
		config.Gemini,
		newHandler(config.Gemini.LogLevel),
	)
	if err != nil {
		return nil, err
	}

	gg.discord, err = newDiscord(config.Discord)
	if err != nil {
		return nil, err
	}
	gg.discord.gg = gg
	gg.discord.logger = slog.New(
		newHandler(config.Discord.LogLevel),
	).With(loggerNameKey, "discord")
	gg.discord.session, err = gg.discord.newSession()
	if err != nil {
		return nil, err
	}
	discordgo.Logger = discordgoLoggerFunc(
		ctx,
		newHandler(config.Discord.DiscordGoLogLevel),
	)

	coreHandler := newHandler(config.LogLevel)
	gg.linker = newLinker(gg.db, gg.roblox, gg.discord, gg.verifications, coreHandler)
	gg.ledger = newLedger(gg.db, coreHandler)
	gg.moderator = newModerator(gg.db, config.Moderation, coreHandler)

	gg.api, err = newAPI(gg, config.API, newHandler(config.API.LogLevel))
	if err != nil {
		return nil, err
	}

	return gg, nil
}

// Run opens the gateway connection, registers the slash commands,
// serves the backend API, and blocks until ctx is canceled, then shuts
// everything down within ShutdownTimeout.
func (g *Guildgate) Run(ctx context.Context) error {
	d := g.discord
	d.discordgoRemoveHandlerFuncs = append(
		d.discordgoRemoveHandlerFuncs,
		d.session.AddHandler(d.handlerConnect()),
		d.session.AddHandler(d.handlerDisconnect()),
		d.session.AddHandler(d.handlerInteractionCreate()),
		d.session.AddHandler(d.handlerMessageCreate()),
	)

	if err := d.session.Open(); err != nil {
		return fmt.Errorf("opening discord session: %w", err)
	}

	if _, err := d.registerCommands(); err != nil {
		return fmt.Errorf("registering commands: %w", err)
	}

	g.logger.InfoContext(
		ctx,
		"started",
		"version", Version,
		"commit", CommitSHA,
		"build_time", BuildTime,
	)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(
		func() error {
			return g.api.Serve(groupCtx)
		},
	)

	group.Go(
		func() error {
			<-groupCtx.Done()
			g.logger.Info("shutting down")

			shutdownCtx, cancel := context.WithTimeout(
				context.Background(),
				g.config.ShutdownTimeout,
			)
			defer cancel()

			for _, removeFunc := range d.discordgoRemoveHandlerFuncs {
				removeFunc()
			}
			if err := d.session.Close(); err != nil {
				g.logger.Error("error closing discord session", tint.Err(err))
			}
			return g.api.Shutdown(shutdownCtx)
		},
	)

	return group.Wait()
}

// startupContext bounds initialization work by StartupTimeout.
func (c *Config) startupContext(ctx context.Context) (
	context.Context,
	context.CancelFunc,
) {
	timeout := c.StartupTimeout
	if timeout <= 0 {
		timeout = DefaultStartupTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

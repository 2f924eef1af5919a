package guildgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	// verifyCommandUsernameOption is the option name for the candidate
	// Roblox username on /verify
	verifyCommandUsernameOption = "username"

	// askCommandPromptOption is the option name for the assistant prompt
	// on /ask
	askCommandPromptOption = "prompt"

	// unverifyCommandUserOption is the option name for the target user
	// on /unverify (admin path)
	unverifyCommandUserOption = "user"
)

// Discord handles the gateway session for Guildgate: it registers the
// slash commands, routes interactions into the core operations, and
// applies guild-side effects (roles, nicknames, timeouts).
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	gg                          *Guildgate
	connected                   atomic.Bool
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	discordgoRemoveHandlerFuncs []func()
}

// newDiscord initializes a new Discord instance with the provided configuration
func newDiscord(config *DiscordConfig) (*Discord, error) {
	if config.Token == "" {
		return nil, errors.New("discord token required")
	}
	return &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
	}, nil
}

// newSession initializes a new Discord session for the Discord struct.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{
		logger: d.logger.With(loggerNameKey, "discord_session_handler"),
	}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = false
	disc.StateEnabled = false
	disc.Identify.Intents = d.config.GatewayIntents
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}

	return session, nil
}

// appCommandVerify creates the `/verify` ApplicationCommand. The
// username option is optional: when the pre-linked registry already
// knows the user, no username is needed.
func (*Discord) appCommandVerify() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandVerify,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Link your Roblox account",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        verifyCommandUsernameOption,
				Description: "Your Roblox username",
				Required:    false,
			},
		},
	}
}

// appCommandDone creates the `/done` ApplicationCommand.
func (*Discord) appCommandDone() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandDone,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Confirm your Roblox verification",
	}
}

// appCommandUnverify creates the `/unverify` ApplicationCommand.
func (*Discord) appCommandUnverify() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandUnverify,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Remove a Roblox account link",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionUser,
				Name:        unverifyCommandUserOption,
				Description: "Member to unverify (requires Manage Server)",
				Required:    false,
			},
		},
	}
}

// appCommandAsk creates the `/ask` ApplicationCommand.
func (*Discord) appCommandAsk() *discordgo.ApplicationCommand {
	minLength := 1
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandAsk,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Ask the assistant a question",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        askCommandPromptOption,
				Description: "What would you like to ask?",
				Required:    true,
				MinLength:   &minLength,
			},
		},
	}
}

// appCommandBalance creates the `/balance` ApplicationCommand.
func (*Discord) appCommandBalance() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandBalance,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Check your remaining daily assistant tokens",
	}
}

// registerCommands sends the bot's commands to the discord bulk
// overwrite endpoint, scoped to the configured guild.
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	commands := []*discordgo.ApplicationCommand{
		d.appCommandVerify(),
		d.appCommandDone(),
		d.appCommandUnverify(),
		d.appCommandAsk(),
		d.appCommandBalance(),
	}

	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c.Name)
	}

	return created, nil
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("Connected")
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.metricDisconnects.Add(1)
		d.connected.Store(false)
		d.logger.Info("Disconnected")
	}
}

// handlerInteractionCreate routes slash command interactions. Each
// event is handled on its own goroutine: events for the same user can
// interleave, and the persistence layer resolves that as last-write-wins.
func (d *Discord) handlerInteractionCreate() func(
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
) {
	return func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		if i.Type != discordgo.InteractionApplicationCommand {
			return
		}
		go d.handleCommand(context.Background(), i)
	}
}

// interactionUser returns the invoking user for guild or DM interactions.
func interactionUser(i *discordgo.InteractionCreate) *discordgo.User {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	return i.User
}

func (d *Discord) handleCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	user := interactionUser(i)
	if user == nil || user.Bot {
		return
	}

	name := i.ApplicationCommandData().Name
	logger := d.logger.With(
		"command", name,
		slog.Group("user", "id", user.ID, "username", user.Username),
	)
	ctx = WithLogger(ctx, logger)

	ackErr := d.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Flags: discordgo.MessageFlagsEphemeral,
			},
		},
	)
	if ackErr != nil {
		logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(ackErr))
		return
	}

	var content string
	switch name {
	case DiscordSlashCommandVerify:
		content = d.handleVerify(ctx, i, user)
	case DiscordSlashCommandDone:
		content = d.handleDone(ctx, user)
	case DiscordSlashCommandUnverify:
		content = d.handleUnverify(ctx, i, user)
	case DiscordSlashCommandAsk:
		content = d.handleAsk(ctx, i, user)
	case DiscordSlashCommandBalance:
		content = d.handleBalance(ctx, user)
	default:
		logger.WarnContext(ctx, "unknown command")
		content = DefaultDiscordErrorMessage
	}

	content = truncate(content, discordMaxMessageLength)
	if _, err := d.session.InteractionResponseEdit(
		i.Interaction,
		&discordgo.WebhookEdit{Content: &content},
	); err != nil {
		logger.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	}
}

func (d *Discord) handleVerify(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) string {
	var robloxName string
	if opt, ok := discordInteractionOptions(i)[verifyCommandUsernameOption]; ok {
		robloxName = opt.StringValue()
	}

	result, err := d.gg.linker.StartLink(ctx, user.ID, user.Username, robloxName)
	switch {
	case err == nil && result.Linked():
		return fmt.Sprintf(
			"You're verified as **%s** - welcome!",
			result.Member.RobloxUsername,
		)
	case err == nil:
		return fmt.Sprintf(
			"Add this code to your Roblox profile description (the 'About' "+
				"section), then use `/done`:\n```%s```",
			result.Pending.Token,
		)
	case errors.Is(err, ErrConflict):
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			return fmt.Sprintf(
				"That Roblox account is already linked to <@%s>. "+
					"They need to `/unverify` first.",
				conflict.HolderDiscordID,
			)
		}
		return "That Roblox account is already linked to someone else."
	case errors.Is(err, ErrNotFound):
		if robloxName == "" {
			return "I couldn't find an existing link for you. " +
				"Run `/verify` again with your Roblox username."
		}
		return fmt.Sprintf(
			"I couldn't find a Roblox account named **%s** - "+
				"check the spelling and try again.",
			robloxName,
		)
	default:
		return DefaultDiscordErrorMessage
	}
}

func (d *Discord) handleDone(ctx context.Context, user *discordgo.User) string {
	member, err := d.gg.linker.ConfirmLink(ctx, user.ID, user.Username)
	switch {
	case err == nil:
		return fmt.Sprintf(
			"You're verified as **%s** - welcome!",
			member.RobloxUsername,
		)
	case errors.Is(err, ErrTokenMismatch):
		var mismatch *TokenMismatchError
		if errors.As(err, &mismatch) {
			return fmt.Sprintf(
				"I couldn't find the code in your profile description yet. "+
					"Make sure it contains:\n```%s```then try `/done` again.",
				mismatch.Expected,
			)
		}
		return "I couldn't find the code in your profile description yet."
	case errors.Is(err, ErrNotFound):
		return "You don't have a verification in progress - start with `/verify`."
	default:
		return DefaultDiscordErrorMessage
	}
}

func (d *Discord) handleUnverify(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) string {
	targetID := user.ID
	if opt, ok := discordInteractionOptions(i)[unverifyCommandUserOption]; ok {
		targetID = opt.Value.(string)
	}

	elevated := i.Member != nil &&
		i.Member.Permissions&discordgo.PermissionManageServer != 0

	_, err := d.gg.linker.Unlink(ctx, user.ID, targetID, elevated)
	switch {
	case err == nil:
		if targetID == user.ID {
			return "Your Roblox account has been unlinked."
		}
		return fmt.Sprintf("Unlinked <@%s>'s Roblox account.", targetID)
	case errors.Is(err, ErrUnauthorized):
		return "You need the Manage Server permission to unverify someone else."
	case errors.Is(err, ErrNotFound):
		if targetID == user.ID {
			return "You don't have a linked Roblox account."
		}
		return fmt.Sprintf("<@%s> doesn't have a linked Roblox account.", targetID)
	default:
		return DefaultDiscordErrorMessage
	}
}

func (d *Discord) handleAsk(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) string {
	opt, ok := discordInteractionOptions(i)[askCommandPromptOption]
	if !ok {
		return DefaultDiscordErrorMessage
	}
	prompt := opt.StringValue()

	remaining, err := d.gg.ledger.Consume(ctx, user.ID, user.Username)
	switch {
	case err == nil:
		//
	case errors.Is(err, ErrSuspended):
		var suspended *SuspendedError
		if errors.As(err, &suspended) {
			return fmt.Sprintf(
				"You're suspended until <t:%d>.",
				suspended.Until.Unix(),
			)
		}
		return "You're currently suspended."
	case errors.Is(err, ErrExhausted):
		return "You've used all your assistant tokens for today - " +
			"they'll come back tomorrow."
	default:
		return DefaultDiscordErrorMessage
	}

	answer, genErr := d.gg.assistant.Generate(ctx, prompt)
	if genErr != nil {
		return DefaultDiscordErrorMessage
	}

	return fmt.Sprintf("%s\n\n-# %d tokens left today", answer, remaining)
}

func (d *Discord) handleBalance(ctx context.Context, user *discordgo.User) string {
	remaining, err := d.gg.ledger.Balance(ctx, user.ID, user.Username)
	if err != nil {
		return DefaultDiscordErrorMessage
	}
	return fmt.Sprintf("You have **%d** assistant tokens left today.", remaining)
}

// handlerMessageCreate scans guild messages against the moderation
// denylist. A match flags the author; crossing the threshold applies a
// guild timeout.
func (d *Discord) handlerMessageCreate() func(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	return func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		go d.handleMessage(context.Background(), m)
	}
}

func (d *Discord) handleMessage(
	ctx context.Context,
	m *discordgo.MessageCreate,
) {
	author := m.Author
	if author == nil && m.Member != nil {
		author = m.Member.User
	}
	if author == nil || author.Bot || author.ID == d.config.ApplicationID {
		return
	}

	if !d.gg.moderator.Scan(m.Content) {
		return
	}

	logger := d.logger.With(
		slog.Group("user", "id", author.ID, "username", author.Username),
		"message_id", m.ID,
	)
	ctx = WithLogger(ctx, logger)

	result := d.gg.moderator.RecordFlag(ctx, author.ID, author.Username)

	var reply string
	if result.Suspended {
		if err := d.Timeout(ctx, author.ID, result.Until); err != nil {
			logger.ErrorContext(ctx, "error applying timeout", tint.Err(err))
		}
		reply = fmt.Sprintf(
			"<@%s>, that's %d violations - you're suspended until <t:%d>.",
			author.ID,
			result.FlagCount,
			result.Until.Unix(),
		)
	} else {
		reply = fmt.Sprintf(
			"<@%s>, please watch your language. Warning %d of %d.",
			author.ID,
			result.FlagCount,
			FlagSuspendThreshold,
		)
	}

	if _, err := d.session.ChannelMessageSendReply(
		m.ChannelID,
		reply,
		m.Reference(),
	); err != nil {
		logger.ErrorContext(ctx, "error sending moderation reply", tint.Err(err))
	}
}

// GrantVerified implements [GuildMemberHandler]: swap the unverified
// role for the verified one and set the member's nickname to their
// Roblox username.
func (d *Discord) GrantVerified(
	ctx context.Context,
	discordID string,
	nickname string,
) error {
	var errs []error

	if d.config.VerifiedRoleID != "" {
		if err := d.session.GuildMemberRoleAdd(
			d.config.GuildID, discordID, d.config.VerifiedRoleID,
		); err != nil {
			errs = append(errs, fmt.Errorf("adding verified role: %w", err))
		}
	}
	if d.config.UnverifiedRoleID != "" {
		if err := d.session.GuildMemberRoleRemove(
			d.config.GuildID, discordID, d.config.UnverifiedRoleID,
		); err != nil {
			errs = append(errs, fmt.Errorf("removing unverified role: %w", err))
		}
	}
	if nickname != "" {
		if err := d.session.GuildMemberNickname(
			d.config.GuildID, discordID, nickname,
		); err != nil {
			errs = append(errs, fmt.Errorf("setting nickname: %w", err))
		}
	}

	return errors.Join(errs...)
}

// RevokeVerified implements [GuildMemberHandler].
func (d *Discord) RevokeVerified(
	ctx context.Context,
	discordID string,
) error {
	var errs []error

	if d.config.UnverifiedRoleID != "" {
		if err := d.session.GuildMemberRoleAdd(
			d.config.GuildID, discordID, d.config.UnverifiedRoleID,
		); err != nil {
			errs = append(errs, fmt.Errorf("adding unverified role: %w", err))
		}
	}
	if d.config.VerifiedRoleID != "" {
		if err := d.session.GuildMemberRoleRemove(
			d.config.GuildID, discordID, d.config.VerifiedRoleID,
		); err != nil {
			errs = append(errs, fmt.Errorf("removing verified role: %w", err))
		}
	}

	return errors.Join(errs...)
}

// Timeout implements [GuildMemberHandler].
func (d *Discord) Timeout(
	ctx context.Context,
	discordID string,
	until time.Time,
) error {
	return d.session.GuildMemberTimeout(d.config.GuildID, discordID, &until)
}

// DiscordSessionHandler defines the methods used from
// `discordgo.Session`, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// ApplicationCommandBulkOverwrite overwrites application commands in bulk
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// InteractionResponseEdit modifies the given interaction
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendReply sends a message to the given channel, as a
	// reply to the referenced message
	ChannelMessageSendReply(
		channelID string,
		content string,
		reference *discordgo.MessageReference,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	GuildMemberRoleAdd(
		guildID string,
		userID string,
		roleID string,
		options ...discordgo.RequestOption,
	) error

	GuildMemberRoleRemove(
		guildID string,
		userID string,
		roleID string,
		options ...discordgo.RequestOption,
	) error

	GuildMemberNickname(
		guildID string,
		userID string,
		nickname string,
		options ...discordgo.RequestOption,
	) error

	GuildMemberTimeout(
		guildID string,
		userID string,
		until *time.Time,
		options ...discordgo.RequestOption,
	) error

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	return d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendReply(
		channelID, content, reference, options...,
	)
	if err != nil {
		d.logger.Error(
			"error sending message reply",
			tint.Err(err),
			"channel_id", channelID,
		)
	}
	return msg, err
}

func (d DiscordSession) GuildMemberRoleAdd(
	guildID string,
	userID string,
	roleID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.GuildMemberRoleAdd(guildID, userID, roleID, options...)
}

func (d DiscordSession) GuildMemberRoleRemove(
	guildID string,
	userID string,
	roleID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.GuildMemberRoleRemove(guildID, userID, roleID, options...)
}

func (d DiscordSession) GuildMemberNickname(
	guildID string,
	userID string,
	nickname string,
	options ...discordgo.RequestOption,
) error {
	return d.session.GuildMemberNickname(guildID, userID, nickname, options...)
}

func (d DiscordSession) GuildMemberTimeout(
	guildID string,
	userID string,
	until *time.Time,
	options ...discordgo.RequestOption,
) error {
	return d.session.GuildMemberTimeout(guildID, userID, until, options...)
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

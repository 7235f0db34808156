package eggbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/eggbot/eggbot/eggbot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// EggBot is the main application struct. It owns the database registry,
// the table stores, the chat modules, the discord session and the API.
type EggBot struct {
	config *Config

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger *slog.Logger

	// Shares database connections between the stores
	registry *ConnectionRegistry

	// Held open while the bot runs, so the stores' per-statement
	// connections reuse it rather than reopening the database
	dbHandle *ConnectionHandle

	deferredTasks     *DeferredTaskStore
	moderationActions *ModerationActionStore

	// Chat modules every guild message is passed through, and the
	// keyword notifier among them
	modules       []ChatModule
	keywordNotifi *KeywordNotifi
	modulesMu     sync.Mutex

	discord *Discord
	api     *API

	// signalStop enables an explicit stop signal to be sent to the bot,
	// such as by the `!shutdown` command or `/api/quit` endpoint
	signalStop chan struct{}

	// signalReady has a value sent on it once Run has finished starting up
	signalReady chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex
}

// New creates an EggBot from the given config. Nothing is opened or
// connected until Run is called.
func New(config *Config) (*EggBot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	b := &EggBot{
		config:      config,
		signalStop:  make(chan struct{}, 1),
		signalReady: make(chan struct{}, 1),
	}

	b.logger = slog.New(newLogHandler(config.LogLevel))
	slog.SetDefault(b.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(config.Discord.DiscordGoLogLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)

	gormLogger := newGORMLogger(
		newLogHandler(config.DatabaseLogLevel),
		config.DatabaseSlowThreshold,
	)
	b.registry = NewConnectionRegistry(
		newDBOpener(config.DatabaseType, gormLogger),
		b.logger.With(loggerNameKey, "database"),
	)
	b.deferredTasks = NewDeferredTaskStore(b.registry, config.Database, b.registry.logger)
	b.moderationActions = NewModerationActionStore(b.registry, config.Database, b.registry.logger)

	b.keywordNotifi = NewKeywordNotifi(b.logger.With(loggerNameKey, "modules"))
	b.modules = []ChatModule{b.keywordNotifi}

	b.discord = newDiscord(
		config.Discord,
		newNamedLogger(config.Discord.LogLevel, "discord"),
	)

	api, err := newAPI(b, config.API)
	errs = append(errs, err)
	b.api = api

	return b, errors.Join(errs...)
}

func (b *EggBot) ValidateConfig() error {
	return structValidator.Struct(b.config)
}

// DeferredTasks returns the deferred task store
func (b *EggBot) DeferredTasks() *DeferredTaskStore {
	return b.deferredTasks
}

// ModerationActions returns the moderation action store
func (b *EggBot) ModerationActions() *ModerationActionStore {
	return b.moderationActions
}

// Stop signals a running bot to shut down
func (b *EggBot) Stop() {
	select {
	case b.signalStop <- struct{}{}:
	default:
	}
}

// InitDB creates the database tables, if they don't already exist
func (b *EggBot) InitDB(ctx context.Context) error {
	return errors.Join(
		b.deferredTasks.Init(ctx),
		b.moderationActions.Init(ctx),
	)
}

// ReloadModules reads the module config file and reloads every chat
// module from it. Modules which fail to load keep their prior config.
func (b *EggBot) ReloadModules(ctx context.Context) error {
	b.modulesMu.Lock()
	defer b.modulesMu.Unlock()

	config, err := LoadModuleConfig(b.config.ModulesConfig)
	if err != nil {
		return err
	}

	var errs []error
	for _, m := range b.modules {
		if e := m.LoadConfig(config); e != nil {
			b.logger.ErrorContext(ctx, "error loading module config", "module", m.Name(), tint.Err(e))
			errs = append(errs, fmt.Errorf("%s: %w", m.Name(), e))
		}
	}
	return errors.Join(errs...)
}

// Run opens the database, loads the chat modules, connects to discord and
// starts the API, then blocks until ctx is canceled or Stop is called.
func (b *EggBot) Run(ctx context.Context) error {
	// prevents concurrent runs
	b.runMu.Lock()
	defer b.runMu.Unlock()

	logger := b.logger

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	if err := b.initRun(startCtx); err != nil {
		logger.ErrorContext(ctx, "init error", tint.Err(err))
		b.releaseDB()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if b.config.API.Enabled {
		g.Go(
			func() error {
				httpErr := b.api.Serve(gctx)
				if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
					return fmt.Errorf("error serving api: %w", httpErr)
				}
				return nil
			},
		)
	}

	if b.config.WatchModulesConfig {
		watcher := NewModuleConfigWatcher(
			b.config.ModulesConfig,
			logger.With(loggerNameKey, "module_config_watcher"),
		)
		if err := watcher.Start(gctx); err != nil {
			logger.ErrorContext(ctx, "error watching module config", tint.Err(err))
		} else {
			g.Go(
				func() error {
					for range watcher.Events() {
						if e := b.ReloadModules(gctx); e != nil {
							logger.ErrorContext(gctx, "error reloading modules", tint.Err(e))
						}
					}
					return nil
				},
			)
		}
	}

	g.Go(
		func() error {
			select {
			case <-b.signalStop:
				logger.Warn("got stop signal, canceling")
			case <-gctx.Done():
			}
			cancel()
			return nil
		},
	)

	b.signalReady <- struct{}{}
	logger.InfoContext(ctx, "sent ready signal")

	<-ctx.Done()
	shutdownErr := b.shutdown()
	return errors.Join(g.Wait(), shutdownErr)
}

// initRun opens the database and creates tables, loads the chat modules
// and connects to discord.
func (b *EggBot) initRun(ctx context.Context) error {
	handle, err := b.registry.Acquire(ctx, b.config.Database)
	if err != nil {
		return err
	}
	b.dbHandle = handle

	if err = b.InitDB(ctx); err != nil {
		return fmt.Errorf("error creating tables: %w", err)
	}

	if err = b.ReloadModules(ctx); err != nil {
		return fmt.Errorf("error loading modules: %w", err)
	}

	if err = b.initDiscordSession(ctx); err != nil {
		return err
	}

	b.logger.InfoContext(ctx, "connecting to discord")
	if err = b.discord.session.Open(); err != nil {
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	if status := b.config.Discord.CustomStatus; status != "" {
		go func() {
			if statusErr := b.discord.session.UpdateCustomStatus(status); statusErr != nil {
				b.logger.Error("error updating discord status", tint.Err(statusErr))
			}
		}()
	}
	return nil
}

func (b *EggBot) initDiscordSession(ctx context.Context) error {
	if b.discord.session == nil {
		session, err := b.discord.newSession()
		if err != nil {
			return fmt.Errorf("error creating discord session: %w", err)
		}
		b.discord.session = session
	}

	for _, h := range b.discord.removeHandlerFuncs {
		h()
	}

	b.discord.session.SetIdentify(
		discordgo.Identify{Intents: b.config.Discord.GatewayIntents},
	)

	ctx = WithLogger(ctx, b.discord.logger)
	// ctx is the startup context, which is canceled once Run returns
	// from initRun, so message handling gets its own
	msgCtx := context.WithoutCancel(ctx)

	b.discord.removeHandlerFuncs = []func(){
		b.discord.session.AddHandler(b.discord.handlerConnect()),
		b.discord.session.AddHandler(b.discord.handlerDisconnect()),
		b.discord.session.AddHandler(b.discord.handlerReady()),
		b.discord.session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				b.handleDiscordMessage(msgCtx, m)
			},
		),
	}
	return nil
}

// handleDiscordMessage handles a new guild message. Prefixed commands from
// the configured guild are run. Anything else is passed through each chat
// module, and any responses are delivered.
func (b *EggBot) handleDiscordMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil {
		return
	}
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = b.logger
	}

	author := m.Author
	if author == nil && m.Member != nil {
		author = m.Member.User
	}
	if author == nil {
		logger.WarnContext(ctx, "couldn't find author in discord message")
		return
	}
	if author.Bot || author.ID == b.discord.UserID() {
		return
	}
	m.Author = author

	if b.handleCommand(ctx, m.Message) {
		return
	}

	if m.GuildID == "" {
		logger.DebugContext(ctx, "ignoring direct message", slog.Group("message", messageLogAttrs(m.Message)...))
		return
	}

	msg := ChatMessage{
		MemberID:   author.ID,
		ChannelID:  m.ChannelID,
		GuildID:    m.GuildID,
		CreatedAt:  m.Timestamp,
		RawMessage: m.Content,
	}

	for _, module := range b.modules {
		resp := module.ProcessMessage(msg)
		if resp == nil {
			continue
		}
		if resp.DeliveryID == "" && resp.TargetID == msg.MemberID {
			logger.DebugContext(ctx, "not notifying author of their own message", "module", module.Name())
			continue
		}
		b.deliverResponse(ctx, module.Name(), *resp)
	}
}

// deliverResponse sends the response, saving it as a DeferredTask if it
// couldn't be sent.
func (b *EggBot) deliverResponse(ctx context.Context, module string, resp ChatResponse) {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = b.logger
	}

	err := b.discord.deliver(ctx, resp)
	if err == nil {
		return
	}
	logger.WarnContext(ctx, "unable to deliver response, deferring", "module", module, "response", resp, tint.Err(err))

	task, saveErr := b.deferredTasks.Save(
		ctx,
		resp,
		WithEventType(EventTypeChatResponse),
		WithRetryAfter(b.config.DeferredRetryAfter),
	)
	if saveErr != nil {
		logger.ErrorContext(ctx, "error saving deferred task", tint.Err(saveErr))
		return
	}
	logger.InfoContext(ctx, "saved deferred task", "task", task)
}

// shutdown closes the discord session and API server, and releases the
// database, within the configured ShutdownTimeout.
func (b *EggBot) shutdown() error {
	b.logger.Warn("shutting down")

	shutdownTimeout := b.config.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = time.Millisecond
	}
	closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer closeCancel()

	var errs []error

	for _, h := range b.discord.removeHandlerFuncs {
		h()
	}
	b.discord.removeHandlerFuncs = nil
	if b.discord.session != nil {
		if err := b.discord.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing discord session: %w", err))
		}
	}

	if b.config.API.Enabled {
		if err := b.api.httpServer.Shutdown(closeCtx); err != nil {
			b.logger.Warn("api did not shut down in time, closing", tint.Err(err))
			errs = append(errs, b.api.httpServer.Close())
		}
	}

	b.releaseDB()
	errs = append(errs, b.registry.CloseAll())

	b.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (b *EggBot) releaseDB() {
	if b.dbHandle != nil {
		b.dbHandle.Release()
		b.dbHandle = nil
	}
}

package eggbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// defaultLimiterPruneSize is the number of per-member limiters kept
// before idle ones are evicted
const defaultLimiterPruneSize = 1024

// ErrNotifyRateLimited is returned when a member has been sent too many
// notifications recently
var ErrNotifyRateLimited = errors.New("notification rate limit reached")

// Discord manages the gateway session, event handlers and delivery of
// chat responses.
type Discord struct {
	session            DiscordSessionHandler
	config             *DiscordConfig
	logger             *slog.Logger
	metricConnects     atomic.Int64
	metricDisconnects  atomic.Int64
	connected          atomic.Bool
	userID             atomic.Value
	removeHandlerFuncs []func()

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	// limiterPruneSize is how many limiters can be held before those
	// with a full token budget are evicted
	limiterPruneSize int
}

// newDiscord initializes a new Discord instance with the provided configuration
func newDiscord(config *DiscordConfig, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		config:             config,
		logger:             logger,
		removeHandlerFuncs: []func(){},
		limiters:           map[string]*rate.Limiter{},
		limiterPruneSize:   defaultLimiterPruneSize,
	}
}

// newSession creates a discordgo session for the configured token.
// Events are dispatched synchronously, so messages are handled one at a
// time in the order they arrive.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	session.session = disc

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

// UserID returns the bot's own user ID, once the session is ready
func (d *Discord) UserID() string {
	id, _ := d.userID.Load().(string)
	return id
}

// Connected indicates whether the gateway is currently connected
func (d *Discord) Connected() bool {
	return d.connected.Load()
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		var userID, username string
		if r.User != nil {
			userID = r.User.ID
			username = r.User.Username
			d.userID.Store(userID)
		}
		guildIDs := make([]string, 0, len(r.Guilds))
		for _, g := range r.Guilds {
			guildIDs = append(guildIDs, g.ID)
		}
		d.logger.Info(
			"Ready",
			"session_id", r.SessionID,
			slog.Group("user", "id", userID, "username", username),
			"guilds", guildIDs,
		)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("connected", "connects", d.metricConnects.Load())
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Info("disconnected", "disconnects", d.metricDisconnects.Load())
	}
}

// allowNotify reports whether a notification may be sent to the given
// member now, per the configured NotifyEvery/NotifyBurst
func (d *Discord) allowNotify(memberID string) bool {
	if d.config.NotifyEvery <= 0 {
		return true
	}

	d.limiterMu.Lock()
	defer d.limiterMu.Unlock()

	limiter, ok := d.limiters[memberID]
	if !ok {
		if len(d.limiters) >= d.limiterPruneSize {
			d.pruneLimiters()
		}
		limiter = rate.NewLimiter(
			rate.Every(d.config.NotifyEvery),
			max(d.config.NotifyBurst, 1),
		)
		d.limiters[memberID] = limiter
	}
	return limiter.Allow()
}

// pruneLimiters drops limiters which have refilled to their full burst,
// as a new limiter would behave the same. limiterMu must be held.
func (d *Discord) pruneLimiters() {
	now := time.Now()
	before := len(d.limiters)
	for memberID, limiter := range d.limiters {
		if limiter.TokensAt(now) >= float64(limiter.Burst()) {
			delete(d.limiters, memberID)
		}
	}
	d.logger.Debug("pruned notify limiters", "before", before, "after", len(d.limiters))
}

// deliver sends the response to its delivery channel, or as a direct
// message to its target if no delivery channel is set.
func (d *Discord) deliver(ctx context.Context, resp ChatResponse) error {
	if resp.DeliveryID == "" && !d.allowNotify(resp.TargetID) {
		return ErrNotifyRateLimited
	}

	channelID := resp.DeliveryID
	if channelID == "" {
		ch, err := d.session.UserChannelCreate(resp.TargetID)
		if err != nil {
			return fmt.Errorf("error opening DM channel: %w", err)
		}
		channelID = ch.ID
	}

	_, err := d.session.ChannelMessageSend(
		channelID,
		shortenString(resp.Message, discordMaxMessageLength),
		discordgo.WithRetryOnRatelimit(false),
		discordgo.WithRestRetries(1),
	)
	if err != nil {
		return fmt.Errorf("error sending message: %w", err)
	}
	d.logger.DebugContext(ctx, "delivered response", "response", resp, "channel_id", channelID)
	return nil
}

// reply sends content as a reply to the given message. Errors are logged.
func (d *Discord) reply(ctx context.Context, m *discordgo.Message, content string) {
	_, err := d.session.ChannelMessageSendReply(
		m.ChannelID,
		shortenString(content, discordMaxMessageLength),
		m.Reference(),
	)
	if err != nil {
		d.logger.ErrorContext(
			ctx,
			"error sending reply",
			tint.Err(err),
			slog.Group("message", messageLogAttrs(m)...),
		)
	}
}

// DiscordSessionHandler defines the methods from `discordgo.Session`
// which are used in this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// ChannelMessageSend sends a message to a specified channel.
	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendReply sends a message to the given channel, as a
	// reply to the referenced message
	ChannelMessageSendReply(
		channelID string,
		content string,
		reference *discordgo.MessageReference,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// UserChannelCreate opens (or returns the existing) DM channel with
	// the given user
	UserChannelCreate(
		recipientID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

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

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
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
			"reference", reference,
		)
	} else {
		d.logger.Debug(
			"sent message reply",
			"channel_id", channelID,
			"reference", reference,
			"message_id", msg.ID,
		)
	}
	return msg, err
}

func (d DiscordSession) UserChannelCreate(
	recipientID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.UserChannelCreate(recipientID, options...)
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
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

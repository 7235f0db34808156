package eggbot

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	apiPrefix                   = "/api"
	apiHealthCheck              = "/healthz"
	apiPathDeferredTasks        = "/deferred_tasks"
	apiPathDeferredTask         = "/deferred_tasks/:uid"
	apiPathModerationActions    = "/moderation_actions"
	apiPathModerationAction     = "/moderation_actions/:uid"
	apiPathDeactivateModeration = "/moderation_actions/:uid/deactivate"
	apiPathReloadModules        = "/modules/reload"
	apiPathQuit                 = "/quit"
)

const (
	xRequestIDHeader = "X-Request-ID"
	bearerPrefix     = "Bearer "
)

var (
	structValidator = validator.New()
)

// API is the admin HTTP server. Everything under /api requires the
// configured secret as a bearer token.
type API struct {
	config     *APIConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger
	handlers   *APIHandlers
}

// newAPI sets up the gin engine, middleware and routes for the API.
// Nothing listens until Serve is called.
func newAPI(b *EggBot, config *APIConfig) (*API, error) {
	if config == nil {
		return nil, errors.New("api config is required")
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	api := &API{
		config:   config,
		engine:   r,
		logger:   newNamedLogger(config.LogLevel, "api"),
		handlers: &APIHandlers{b: b},
	}
	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		cors.New(config.CORS.GINConfig()),
	)

	h := api.handlers
	r.GET(apiHealthCheck, h.healthCheck)

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(config.Secret))

	protected.GET(apiPathDeferredTasks, h.getDeferredTasks)
	protected.DELETE(apiPathDeferredTask, h.deleteDeferredTask)
	protected.GET(apiPathModerationActions, h.getModerationActions)
	protected.PATCH(apiPathModerationAction, h.updateModerationAction)
	protected.POST(apiPathDeactivateModeration, h.deactivateModerationAction)
	protected.DELETE(apiPathModerationAction, h.deleteModerationAction)
	protected.POST(apiPathReloadModules, h.reloadModules)
	protected.POST(apiPathQuit, h.botQuit)

	return api, nil
}

// Serve listens on the configured address and serves the API until the
// server is shut down.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		network := a.config.ListenNetwork
		if network == "" {
			network = defaultListenNetwork
		}
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, network, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "api listening", "addr", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

// APIHandlers holds the handlers for the API routes
type APIHandlers struct {
	b *EggBot
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

type healthCheckResponse struct {
	DiscordGatewayConnected bool `json:"discord_connected"`
	KeywordEntries          int  `json:"keyword_entries"`
}

type apiPatchModerationAction struct {
	Note string `json:"note" binding:"required"`
}

type apiReloadModules struct {
	KeywordEntries int `json:"keyword_entries"`
}

// healthCheck reports whether the discord gateway is connected, and how
// many keyword configs are loaded
func (h *APIHandlers) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, healthCheckResponse{
			DiscordGatewayConnected: h.b.discord.Connected(),
			KeywordEntries:          h.b.keywordNotifi.Len(),
		},
	)
}

// getDeferredTasks lists deferred tasks, optionally filtered by the
// `event_type` query parameter
func (h *APIHandlers) getDeferredTasks(c *gin.Context) {
	logger := ginContextLogger(c)
	tasks, err := h.b.deferredTasks.Get(c.Request.Context(), c.Query("event_type"))
	if err != nil {
		logger.Error("error getting deferred tasks", tint.Err(err))
		ginReplyError(c, "error getting deferred tasks")
		return
	}
	if tasks == nil {
		tasks = []DeferredTask{}
	}
	c.JSON(http.StatusOK, tasks)
}

func (h *APIHandlers) deleteDeferredTask(c *gin.Context) {
	logger := ginContextLogger(c)
	uid := c.Param("uid")
	if err := h.b.deferredTasks.Delete(c.Request.Context(), uid); err != nil {
		logger.Error("error deleting deferred task", tint.Err(err), "uid", uid)
		ginReplyError(c, "error deleting deferred task")
		return
	}
	ginReplyMessage(c, "deleted")
}

// getModerationActions lists moderation actions. If `member_id` is set,
// only that member's actions are returned, further filtered by `active`
// if set. Otherwise, actions are filtered by `action`.
func (h *APIHandlers) getModerationActions(c *gin.Context) {
	logger := ginContextLogger(c)
	ctx := c.Request.Context()

	var actions []ModerationAction
	var err error

	if memberID := c.Query("member_id"); memberID != "" {
		var active *bool
		if v := c.Query("active"); v != "" {
			parsed, parseErr := strconv.ParseBool(v)
			if parseErr != nil {
				c.JSON(http.StatusBadRequest, httpError{Error: "invalid value for 'active'"})
				return
			}
			active = &parsed
		}
		actions, err = h.b.moderationActions.GetByMember(ctx, memberID, active)
	} else {
		actions, err = h.b.moderationActions.Get(ctx, c.Query("action"))
	}

	if err != nil {
		logger.Error("error getting moderation actions", tint.Err(err))
		ginReplyError(c, "error getting moderation actions")
		return
	}
	if actions == nil {
		actions = []ModerationAction{}
	}
	c.JSON(http.StatusOK, actions)
}

// updateModerationAction replaces the current note of a moderation action
func (h *APIHandlers) updateModerationAction(c *gin.Context) {
	logger := ginContextLogger(c)
	ctx := c.Request.Context()
	uid := c.Param("uid")

	var req apiPatchModerationAction
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	if _, ok := h.lookupModerationAction(c, uid); !ok {
		return
	}
	if err := h.b.moderationActions.Update(ctx, uid, req.Note); err != nil {
		logger.Error("error updating moderation action", tint.Err(err), "uid", uid)
		ginReplyError(c, "error updating moderation action")
		return
	}

	action, ok := h.lookupModerationAction(c, uid)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, action)
}

func (h *APIHandlers) deactivateModerationAction(c *gin.Context) {
	logger := ginContextLogger(c)
	uid := c.Param("uid")

	if _, ok := h.lookupModerationAction(c, uid); !ok {
		return
	}
	if err := h.b.moderationActions.Deactivate(c.Request.Context(), uid); err != nil {
		logger.Error("error deactivating moderation action", tint.Err(err), "uid", uid)
		ginReplyError(c, "error deactivating moderation action")
		return
	}
	ginReplyMessage(c, "deactivated")
}

func (h *APIHandlers) deleteModerationAction(c *gin.Context) {
	logger := ginContextLogger(c)
	uid := c.Param("uid")
	if err := h.b.moderationActions.Delete(c.Request.Context(), uid); err != nil {
		logger.Error("error deleting moderation action", tint.Err(err), "uid", uid)
		ginReplyError(c, "error deleting moderation action")
		return
	}
	ginReplyMessage(c, "deleted")
}

// lookupModerationAction replies with 404 and returns false if the
// action doesn't exist
func (h *APIHandlers) lookupModerationAction(
	c *gin.Context,
	uid string,
) (ModerationAction, bool) {
	action, found, err := h.b.moderationActions.GetByUID(c.Request.Context(), uid)
	if err != nil {
		ginContextLogger(c).Error("error getting moderation action", tint.Err(err), "uid", uid)
		ginReplyError(c, "error getting moderation action")
		return action, false
	}
	if !found {
		c.AbortWithStatusJSON(http.StatusNotFound, httpError{Error: "not found"})
		return action, false
	}
	return action, true
}

// reloadModules re-reads the module config file
func (h *APIHandlers) reloadModules(c *gin.Context) {
	logger := ginContextLogger(c)
	if err := h.b.ReloadModules(c.Request.Context()); err != nil {
		logger.Error("error reloading modules", tint.Err(err))
		c.JSON(http.StatusUnprocessableEntity, httpError{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, apiReloadModules{KeywordEntries: h.b.keywordNotifi.Len()})
}

// botQuit sends the bot a stop signal
func (h *APIHandlers) botQuit(c *gin.Context) {
	ginContextLogger(c).Warn("sending stop signal")
	h.b.Stop()
	ginReplyMessage(c, "quitting")
}

// authMiddleware rejects requests without the given secret as a
// bearer token
func authMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), bearerPrefix)
		if !ok || secret == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			ginContextLogger(c).Warn("unauthorized request")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}
		c.Next()
	}
}

// requestIDMiddleware assigns each request a unique ID, and sets it
// in the X-Request-ID response header
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := logger.(*slog.Logger); ok {
			return requestLogger
		}
	}
	return setGinContextLogger(c, slog.Default())
}

func setGinContextLogger(c *gin.Context, logger *slog.Logger) *slog.Logger {
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := logger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request's method, path, status and
// duration, and any errors added to the context
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := setGinContextLogger(c, logger)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, e.Err)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs,
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// ginReplyMessage sends a JSON response with a message,
// with HTTP status code 200, via the gin context.
// This is shorthand for something like:
//
//	c.JSON(http.StatusOK, gin.H{"message": message})
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError sends a JSON response with a message,
// with HTTP status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

//nolint:gochecknoinits // registers the tag name used by config validation
func init() {
	structValidator.SetTagName("binding")
}

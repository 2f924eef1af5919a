package guildgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
)

const (
	apiSessionName    = "guildgate"
	sessionVarField   = "username"
	apiPathLogin      = "/api/login"
	apiPathLogout     = "/api/logout"
	apiPathLoggedIn   = "/api/logged_in"
	apiPathMembers    = "/api/members"
	apiPathMember     = "/api/members/:discord_id"
	apiPathBalance    = "/api/members/:discord_id/balance"
	apiPathPending    = "/api/verifications"
	memberIDPathParam = "discord_id"
)

var structValidator = validator.New(validator.WithRequiredStructEnabled())

//nolint:gochecknoinits // validator reads the gin-style binding tags
func init() {
	structValidator.SetTagName("binding")
}

type httpError struct {
	Error string `json:"error"`
}

type userLogin struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// API is the web backend for the admin dashboard: login-gated read
// access to member records, balances, and in-flight verifications.
type API struct {
	gg         *Guildgate
	config     *APIConfig
	engine     *gin.Engine
	httpServer *http.Server
	listen     string
	logger     *slog.Logger
}

// newAPI initializes the backend API. The returned server is not yet
// listening; call [API.Serve].
func newAPI(
	gg *Guildgate,
	config *APIConfig,
	handler slog.Handler,
) (*API, error) {
	if config.Secret == "" {
		return nil, errors.New("api secret required")
	}

	api := &API{
		gg:     gg,
		config: config,
		listen: config.Listen,
		logger: slog.New(handler).With(loggerNameKey, "api"),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(api.requestLogger())
	engine.Use(cors.New(config.CORS.GINConfig()))

	store := cookie.NewStore([]byte(config.Secret))
	sameSite := http.SameSiteStrictMode
	if config.Development {
		sameSite = http.SameSiteNoneMode
	}
	store.Options(
		sessions.Options{
			Path:     "/",
			MaxAge:   int(config.SessionMaxAge.Seconds()),
			Secure:   true,
			HttpOnly: true,
			SameSite: sameSite,
		},
	)
	engine.Use(sessions.Sessions(apiSessionName, store))

	engine.POST(apiPathLogin, api.handleLogin)

	authorized := engine.Group("/", api.loginRequired())
	authorized.POST(apiPathLogout, api.handleLogout)
	authorized.GET(apiPathLoggedIn, api.handleLoggedIn)
	authorized.GET(apiPathMembers, api.handleListMembers)
	authorized.GET(apiPathMember, api.handleGetMember)
	authorized.GET(apiPathBalance, api.handleMemberBalance)
	authorized.GET(apiPathPending, api.handlePendingVerifications)

	if config.Development {
		pprof.Register(engine)
	}

	api.engine = engine
	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           engine,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}
	return api, nil
}

// Serve listens on the configured address and serves until the server
// is shut down.
func (a *API) Serve(ctx context.Context) error {
	listener, err := net.Listen(a.config.ListenNetwork, a.listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.listen, err)
	}
	a.logger.InfoContext(ctx, "API listening", "address", listener.Addr().String())

	if err = a.httpServer.Serve(listener); err != nil &&
		!errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (a *API) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

// requestLogger logs each request with method, path, status and elapsed
// time.
func (a *API) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		a.logger.Info(
			"request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"elapsed", time.Since(started),
			"client_ip", c.ClientIP(),
		)
	}
}

// loginRequired rejects requests without an authenticated session.
func (a *API) loginRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		if session.Get(sessionVarField) == nil {
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}
		c.Next()
	}
}

// handleLogin validates the given credentials against the stored admin
// record and starts a session.
func (a *API) handleLogin(c *gin.Context) {
	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "bad request"})
		return
	}

	ctx := c.Request.Context()
	cred, err := a.gg.db.AdminCredential(ctx)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			a.logger.WarnContext(ctx, "no admin credential set, run `init` first")
		} else {
			a.logger.ErrorContext(ctx, "error loading credential", tint.Err(err))
		}
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}

	ok, err := VerifyPassword(cred.Password, login.Password)
	if err != nil {
		a.logger.ErrorContext(ctx, "error verifying password", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "internal error"})
		return
	}
	if !ok || cred.Username != login.Username {
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}

	session := sessions.Default(c)
	session.Set(sessionVarField, cred.Username)
	if err = session.Save(); err != nil {
		a.logger.ErrorContext(ctx, "error saving session", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "internal error"})
		return
	}

	a.logger.InfoContext(ctx, "admin logged in", "username", cred.Username)
	c.JSON(http.StatusOK, gin.H{"username": cred.Username})
}

func (a *API) handleLogout(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	session.Options(sessions.Options{Path: "/", MaxAge: -1})
	if err := session.Save(); err != nil {
		a.logger.Error("error clearing session", tint.Err(err))
	}
	c.Status(http.StatusNoContent)
}

func (a *API) handleLoggedIn(c *gin.Context) {
	session := sessions.Default(c)
	c.JSON(http.StatusOK, gin.H{"username": session.Get(sessionVarField)})
}

// handleListMembers returns all member records, most recently updated
// first.
func (a *API) handleListMembers(c *gin.Context) {
	var members []Member
	err := a.gg.db.DB().WithContext(c.Request.Context()).Order(
		"updated_at desc",
	).Find(&members).Error
	if err != nil {
		a.logger.Error("error listing members", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "internal error"})
		return
	}
	c.JSON(http.StatusOK, members)
}

func (a *API) handleGetMember(c *gin.Context) {
	discordID := c.Param(memberIDPathParam)
	member, err := a.gg.db.GetByRequester(c.Request.Context(), discordID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, httpError{Error: "not found"})
			return
		}
		a.logger.Error("error loading member", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "internal error"})
		return
	}
	c.JSON(http.StatusOK, member)
}

// handleMemberBalance reports the member's remaining quota. This goes
// through the ledger rather than reading the row directly, so an
// overdue rotation is applied on the way.
func (a *API) handleMemberBalance(c *gin.Context) {
	discordID := c.Param(memberIDPathParam)
	remaining, err := a.gg.ledger.Balance(c.Request.Context(), discordID, "")
	if err != nil {
		a.logger.Error("error loading balance", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "internal error"})
		return
	}
	c.JSON(
		http.StatusOK,
		gin.H{"discord_id": discordID, "quota_remaining": remaining},
	)
}

// handlePendingVerifications returns the in-flight manual verification
// sessions, keyed by Discord ID.
func (a *API) handlePendingVerifications(c *gin.Context) {
	c.JSON(http.StatusOK, a.gg.verifications.All())
}

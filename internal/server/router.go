package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/referrals/internal/auth"
	"github.com/MarcoPoloResearchLab/referrals/internal/metrics"
	"github.com/MarcoPoloResearchLab/referrals/internal/pending"
	"github.com/MarcoPoloResearchLab/referrals/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/referrals/internal/referrals"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	sessionClaimsContextKey = "referrals_session_claims"
	defaultHeartbeat        = 25 * time.Second
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingAccountService   = errors.New("account service dependency required")
	errMissingReferralService  = errors.New("referral service dependency required")
	errMissingPendingStore     = errors.New("pending code store dependency required")
	errMissingLimiter          = errors.New("validation rate limiter dependency required")
	errMissingLinkBase         = errors.New("share link base url required")
)

// SessionValidator authenticates the TAuth session carried by a request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// AccountService maps session claims onto canonical account identifiers.
type AccountService interface {
	Register(ctx context.Context, claims auth.SessionClaims) (string, error)
	Resolve(ctx context.Context, claims auth.SessionClaims) (string, bool, error)
	Emails(ctx context.Context, accountIDs []string) (map[string]string, error)
}

// ReferralService is the attribution surface consumed by the HTTP layer.
type ReferralService interface {
	GetOrCreateCode(ctx context.Context, ownerID string) (referrals.AttributionCode, error)
	ValidateCode(ctx context.Context, code string) (referrals.AttributionCode, error)
	ProcessReferral(ctx context.Context, code, referredID string) (referrals.AttributionEdge, error)
	GetStats(ctx context.Context, userID string) (referrals.Stats, error)
}

// Dependencies wires the HTTP handler. Metrics, Realtime and Health are optional.
type Dependencies struct {
	SessionValidator SessionValidator
	Accounts         AccountService
	Referrals        ReferralService
	Pending          *pending.CookieStore
	Limiter          ratelimit.Limiter
	Metrics          *metrics.Metrics
	Realtime         *RealtimeDispatcher
	Health           func(ctx context.Context) error
	LinkBaseURL      string
	Heartbeat        time.Duration
	Logger           *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Accounts == nil {
		return nil, errMissingAccountService
	}
	if deps.Referrals == nil {
		return nil, errMissingReferralService
	}
	if deps.Pending == nil {
		return nil, errMissingPendingStore
	}
	if deps.Limiter == nil {
		return nil, errMissingLimiter
	}
	if strings.TrimSpace(deps.LinkBaseURL) == "" {
		return nil, errMissingLinkBase
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}

	handler := &httpHandler{
		sessions:  deps.SessionValidator,
		accounts:  deps.Accounts,
		referrals: deps.Referrals,
		pending:   deps.Pending,
		limiter:   deps.Limiter,
		metrics:   deps.Metrics,
		realtime:  deps.Realtime,
		health:    deps.Health,
		linkBase:  deps.LinkBaseURL,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if deps.Metrics != nil {
		router.Use(handler.observeRequest)
	}
	router.Use(corsMiddleware())
	router.Use(pending.CaptureMiddleware(deps.Pending, logger))

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}
	router.GET("/referrals/validate", handler.handleValidate)
	router.GET("/referrals/pending", handler.handlePendingGet)
	router.DELETE("/referrals/pending", handler.handlePendingDelete)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/accounts/register", handler.handleRegister)
	protected.POST("/session/resume", handler.handleResume)
	protected.GET("/referrals/code", handler.handleCode)
	protected.GET("/referrals/stats", handler.handleStats)
	if deps.Realtime != nil {
		protected.GET("/referrals/stream", handler.handleStream)
	}

	return router, nil
}

type httpHandler struct {
	sessions  SessionValidator
	accounts  AccountService
	referrals ReferralService
	pending   *pending.CookieStore
	limiter   ratelimit.Limiter
	metrics   *metrics.Metrics
	realtime  *RealtimeDispatcher
	health    func(ctx context.Context) error
	linkBase  string
	heartbeat time.Duration
	logger    *zap.Logger
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc: func(string) bool {
			return true
		},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-TAuth-Tenant"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(sessionClaimsContextKey, claims)
	c.Next()
}

func (h *httpHandler) observeRequest(c *gin.Context) {
	start := time.Now()
	c.Next()
	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	h.metrics.ObserveRequest(route, strconv.Itoa(c.Writer.Status()), start)
}

func sessionClaims(c *gin.Context) (auth.SessionClaims, bool) {
	value, ok := c.Get(sessionClaimsContextKey)
	if !ok {
		return auth.SessionClaims{}, false
	}
	claims, ok := value.(auth.SessionClaims)
	return claims, ok
}

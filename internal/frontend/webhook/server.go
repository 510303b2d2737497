// Package webhook is the HTTP front-end. It relays chat commands for
// streaming tools that can only call a URL, exposes REST endpoints for
// orders and injections, and streams notices over a websocket.
package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Aidin1998/crossqueue/internal/catalog"
	"github.com/Aidin1998/crossqueue/internal/dispatch"
	"github.com/Aidin1998/crossqueue/internal/frontend/chat"
	"github.com/Aidin1998/crossqueue/internal/history"
	"github.com/Aidin1998/crossqueue/internal/notify"
	"github.com/Aidin1998/crossqueue/pkg/errors"
)

// Rewrite replaces From with To in relayed command results.
type Rewrite struct {
	From string `mapstructure:"from" json:"from"`
	To   string `mapstructure:"to" json:"to"`
}

// Config tunes the HTTP front-end.
type Config struct {
	Addr     string `mapstructure:"addr"`
	FrontEnd string `mapstructure:"front_end"`
	// PollAttempts and PollInterval bound how long /command waits for the
	// requests it created.
	PollAttempts int           `mapstructure:"poll_attempts" validate:"gte=0"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Rewrites     []Rewrite     `mapstructure:"rewrites"`
	// JWTSecret signs bearer tokens. Authenticated routes are refused when
	// it is empty.
	JWTSecret    string        `mapstructure:"jwt_secret"`
	AllowOrigins []string      `mapstructure:"allow_origins"`
	ShutdownWait time.Duration `mapstructure:"shutdown_wait"`
}

// DefaultConfig returns the webhook defaults.
func DefaultConfig() Config {
	return Config{
		Addr:         "127.0.0.1:8080",
		FrontEnd:     "web",
		PollAttempts: 20,
		PollInterval: time.Second,
		Rewrites:     []Rewrite{{From: "at Index", To: "on Jacuzzi at House"}},
		AllowOrigins: []string{"*"},
		ShutdownWait: 5 * time.Second,
	}
}

// NoConfirmation is the /command answer when nothing finished in time.
const NoConfirmation = "No confirmation received."

// Deps are the services the server fronts. History may be nil.
type Deps struct {
	Registry *dispatch.Registry
	Chat     *chat.Interpreter
	Catalog  *catalog.Catalog
	Broker   *notify.Broker
	History  history.Store
}

// Server is the HTTP front-end.
type Server struct {
	cfg       Config
	deps      Deps
	router    *gin.Engine
	logger    *zap.Logger
	validator *validator.Validate
	upgrader  websocket.Upgrader
	http      *http.Server
}

const requestIDKey = "requestID"

// NewServer builds the router and registers every route. The listener
// address is fixed here; Start only serves it.
func NewServer(cfg Config, deps Deps, logger *zap.Logger) *Server {
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.FrontEnd == "" {
		cfg.FrontEnd = def.FrontEnd
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ShutdownWait <= 0 {
		cfg.ShutdownWait = def.ShutdownWait
	}
	if len(cfg.AllowOrigins) == 0 {
		cfg.AllowOrigins = def.AllowOrigins
	}
	if deps.Catalog == nil {
		deps.Catalog = catalog.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:       cfg,
		deps:      deps,
		logger:    logger.Named("webhook"),
		validator: validator.New(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(otelgin.Middleware("crossqueue-webhook"))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length", "X-Request-ID"},
		AllowCredentials: !containsWildcard(cfg.AllowOrigins),
		MaxAge:           12 * time.Hour,
	}))
	router.Use(requestID())

	s.router = router
	s.registerRoutes()
	s.http = &http.Server{Addr: cfg.Addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	return s
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}

// Start serves until Shutdown is called. It returns nil after a clean
// shutdown, including one that happened before Start.
func (s *Server) Start() error {
	s.logger.Info("Starting webhook server", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.http.Addr }

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownWait)
	defer cancel()
	return s.http.Shutdown(ctx)
}

// Router returns the internal Gin engine for testing purposes
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/command", s.authMiddleware(RoleAdmin), s.relayCommand)
	s.router.GET("/ws/notices", s.streamNotices)

	api := s.router.Group("/api/v1")
	{
		api.GET("/islands", s.listIslands)
		api.GET("/history", s.recentHistory)

		island := api.Group("/islands/:island")
		{
			island.GET("/stats", s.islandStats)
		}

		// Order identity is the token subject on this front-end.
		orders := api.Group("/islands/:island/orders")
		orders.Use(s.authMiddleware(RoleUser, RoleAdmin))
		{
			orders.POST("", s.submitOrder)
			orders.POST("/confirm", s.confirmOrder)
			orders.GET("/position", s.orderPosition)
			orders.DELETE("", s.cancelOrder)
		}

		admin := api.Group("/admin/islands/:island")
		admin.Use(s.authMiddleware(RoleAdmin))
		{
			admin.POST("/clear", s.clearIsland)
			admin.POST("/accepting", s.toggleAccepting)
			admin.POST("/injection", s.toggleInjection)
			admin.POST("/injections", s.submitInjection)
		}
	}
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"time":    time.Now(),
		"islands": s.deps.Registry.Islands(),
	})
}

// Claims are the claims of a bearer token. The subject is the caller's user
// id on this front-end.
type Claims struct {
	Role string `json:"role"`
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Roles a token may carry. Admins may also use the user routes.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

const (
	userIDKey   = "userID"
	usernameKey = "username"
	isAdminKey  = "isAdmin"
)

// authMiddleware accepts HS256 bearer tokens carrying one of roles and
// stores the caller identity on the context.
func (s *Server) authMiddleware(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.JWTSecret == "" {
			s.writeError(c, errors.Unavailable.Explain("authenticated endpoints are disabled"))
			return
		}
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			s.writeError(c, errors.Unauthorized.Explain("Authorization header required"))
			return
		}
		raw, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || raw == "" {
			s.writeError(c, errors.Unauthorized.Explain("Invalid authorization format"))
			return
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
			return []byte(s.cfg.JWTSecret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			s.writeError(c, errors.Unauthorized.Explain("invalid token").Wrap(err))
			return
		}
		if !slices.Contains(roles, claims.Role) {
			s.writeError(c, errors.Unauthorized.Explain("role %q is not allowed here", claims.Role))
			return
		}
		if strings.TrimSpace(claims.Subject) == "" {
			s.writeError(c, errors.Unauthorized.Explain("token has no subject"))
			return
		}

		name := claims.Name
		if name == "" {
			name = claims.Subject
		}
		c.Set(userIDKey, claims.Subject)
		c.Set(usernameKey, name)
		c.Set(isAdminKey, claims.Role == RoleAdmin)
		c.Next()
	}
}

// writeError renders err as RFC 7807 Problem Details and aborts the chain.
func (s *Server) writeError(c *gin.Context, err error) {
	p := errors.Problem(err, c.Request.URL.Path)
	if id, ok := c.Get(requestIDKey); ok {
		p.WithExtra("request_id", id)
	}
	if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
		p.WithTraceID(sc.TraceID().String())
	}
	if p.Status >= http.StatusInternalServerError {
		s.logger.Error("handler error", zap.String("path", c.FullPath()), zap.Error(err))
	} else {
		s.logger.Debug("request rejected", zap.String("path", c.FullPath()), zap.Error(err))
	}
	body, merr := json.Marshal(p)
	if merr != nil {
		c.AbortWithStatus(p.Status)
		return
	}
	c.Data(p.Status, "application/problem+json", body)
	c.Abort()
}

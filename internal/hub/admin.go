package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"clusterhub/internal/protocol"
	"clusterhub/internal/registry"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// TokenValidator checks HMAC-signed admin bearer tokens.
type TokenValidator struct {
	jwtSecret string
}

func NewTokenValidator(jwtSecret string) *TokenValidator {
	return &TokenValidator{jwtSecret: jwtSecret}
}

// ValidateToken returns the token's subject and role claims.
func (a *TokenValidator) ValidateToken(tokenString string) (string, string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return []byte(a.jwtSecret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", "", ErrExpiredToken
		}
		return "", "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", errors.New("invalid token claims")
	}
	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return "", "", errors.New("sub claim is missing")
	}
	role, _ := claims["role"].(string)
	return subject, role, nil
}

// AuthMiddleware requires a valid "Authorization: Bearer <token>" header.
func AuthMiddleware(v *TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			c.Abort()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
			c.Abort()
			return
		}

		subject, role, err := v.ValidateToken(parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		c.Set("subject", subject)
		c.Set("role", role)
		c.Next()
	}
}

// RequireRole checks the role set by AuthMiddleware.
func RequireRole(requiredRole string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, _ := c.Get("role")
		if userRole, ok := role.(string); !ok || userRole != requiredRole {
			c.JSON(http.StatusForbidden, gin.H{
				"error":    "Insufficient permissions",
				"required": requiredRole,
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// ServerView is the JSON shape of a registered peer.
type ServerView struct {
	Index         uint8     `json:"index"`
	Type          string    `json:"type"`
	Group         uint8     `json:"group"`
	ID            uint8     `json:"id"`
	Name          string    `json:"name"`
	Address       string    `json:"address"`
	RegisteredAt  time.Time `json:"registered_at"`
	WantResources int       `json:"want_resources"`
	ResourcesSent int       `json:"resources_sent"`
}

func newServerView(s registry.RegisteredServer) ServerView {
	return ServerView{
		Index:         s.Identity.Index,
		Type:          s.Identity.Type.String(),
		Group:         s.Identity.Group,
		ID:            s.Identity.ID,
		Name:          s.Name,
		Address:       s.Address.String(),
		RegisteredAt:  s.RegisteredAt,
		WantResources: s.WantResources,
		ResourcesSent: s.ResourcesAlreadySent,
	}
}

// AdminServer is the hub's read-only HTTP status API.
type AdminServer struct {
	hub    *Hub
	engine *gin.Engine
	srv    *http.Server
	logger *slog.Logger

	watchInterval time.Duration
	done          chan struct{}
	doneOnce      sync.Once
}

// NewAdminServer builds the routes. gatherer may be nil to leave out
// /metrics.
func NewAdminServer(addr string, h *Hub, v *TokenValidator, gatherer prometheus.Gatherer, logger *slog.Logger) *AdminServer {
	if logger == nil {
		logger = slog.Default()
	}
	a := &AdminServer{
		hub:           h,
		logger:        logger,
		watchInterval: time.Second,
		done:          make(chan struct{}),
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", a.health)
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api/v1")
	api.Use(AuthMiddleware(v), RequireRole("admin"))
	{
		api.GET("/servers", a.listServers)
		api.GET("/servers/:index", a.getServer)
		api.GET("/watch", a.watchServers)
	}

	a.engine = r
	a.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return a
}

func (a *AdminServer) Handler() http.Handler {
	return a.engine
}

// Start serves until Shutdown.
func (a *AdminServer) Start() error {
	a.logger.Info("admin_api_listening", "addr", a.srv.Addr)
	if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve admin api: %w", err)
	}
	return nil
}

// Shutdown ends watch streams and stops the HTTP server.
func (a *AdminServer) Shutdown(ctx context.Context) error {
	a.doneOnce.Do(func() { close(a.done) })
	return a.srv.Shutdown(ctx)
}

func (a *AdminServer) health(c *gin.Context) {
	counts := a.hub.Registry().CountByType()
	byType := make(map[string]int, len(counts))
	for t, n := range counts {
		byType[t.String()] = n
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"servers":     a.hub.Registry().Len(),
		"by_type":     byType,
		"connections": a.hub.server.Manager.Count(),
	})
}

func (a *AdminServer) listServers(c *gin.Context) {
	var servers []registry.RegisteredServer
	if typeParam := c.Query("type"); typeParam != "" {
		t, err := protocol.ParseServerType(typeParam)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		servers = a.hub.Registry().ByType(t)
	} else {
		servers = a.hub.Registry().List()
	}

	views := make([]ServerView, 0, len(servers))
	for _, s := range servers {
		views = append(views, newServerView(s))
	}
	c.JSON(http.StatusOK, gin.H{"servers": views, "total": len(views)})
}

func (a *AdminServer) getServer(c *gin.Context) {
	index, err := strconv.ParseUint(c.Param("index"), 10, 8)
	if err != nil || index == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "index must be between 1 and 255"})
		return
	}
	s, ok := a.hub.Registry().Get(uint8(index))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "server not found"})
		return
	}
	c.JSON(http.StatusOK, newServerView(s))
}

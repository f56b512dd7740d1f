// Package api wires the public HTTP surface onto a gin engine.
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/ideahub-ai/agentgate/internal/agentsession"
	"github.com/ideahub-ai/agentgate/internal/audit"
	"github.com/ideahub-ai/agentgate/internal/credstore"
	"github.com/ideahub-ai/agentgate/internal/http/api/handlers"
	"github.com/ideahub-ai/agentgate/internal/identity"
	"github.com/ideahub-ai/agentgate/internal/provision"
)

const requestIDHeader = "X-Request-Id"

// Deps carries the wired services the routes run on.
type Deps struct {
	DB          *gorm.DB
	Provider    identity.Provider
	Provisioner *provision.Provisioner
	Sessions    *agentsession.Manager
	Store       *credstore.Store
	Recorder    *audit.Recorder
	JWTSecret   string
	Production  bool
}

// Register registers middleware, routes, and handlers.
func Register(r *gin.Engine, deps Deps) {
	if r == nil {
		return
	}
	r.Use(requestIDMiddleware())

	pinger, _ := deps.Provider.(handlers.IdentityPinger)
	healthHandler := handlers.NewHealthHandler(deps.DB, pinger)
	r.GET("/healthz", healthHandler.Healthz)

	cookies := handlers.CookiePolicy{Production: deps.Production}
	authHandler := handlers.NewAuthHandler(deps.Provider, deps.Provisioner, deps.Sessions, deps.Recorder, deps.JWTSecret, cookies)

	authGroup := r.Group("/v1/auth")
	authGroup.POST("/signup", authHandler.Signup)
	authGroup.POST("/login", authHandler.Login)
	authGroup.POST("/logout", authHandler.Logout)
	authGroup.POST("/refresh", authHandler.Refresh)

	authed := r.Group("/v1")
	authed.Use(authMiddleware(deps.JWTSecret))
	authed.GET("/auth/me", authHandler.Me)

	agentHandler := handlers.NewAgentHandler(deps.Store, deps.Sessions)
	authed.GET("/agent/status", agentHandler.Status)
	authed.POST("/agent/revoke", agentHandler.Revoke)
}

// requestIDMiddleware tags every request with an id, caller-supplied or
// generated, and logs method, path, status and duration under it.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(handlers.CtxRequestID, requestID)
		c.Writer.Header().Set(requestIDHeader, requestID)

		start := time.Now()
		c.Next()

		log.WithFields(log.Fields{
			"request_id":  requestID,
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		}).Info("api: request")
	}
}

// authMiddleware admits requests carrying a verifiable access token in
// the Authorization header or the session cookie.
func authMiddleware(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := handlers.RequestToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing credentials"})
			return
		}

		claims, errVerify := identity.VerifyToken(jwtSecret, token)
		if errVerify != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(handlers.CtxUserID, claims.UserID)
		c.Set(handlers.CtxUserEmail, claims.Email)
		c.Set(handlers.CtxUserRole, claims.Role)
		c.Set(handlers.CtxAccessToken, token)
		c.Next()
	}
}

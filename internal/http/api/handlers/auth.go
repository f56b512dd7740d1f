package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/ideahub-ai/agentgate/internal/agentsession"
	"github.com/ideahub-ai/agentgate/internal/audit"
	"github.com/ideahub-ai/agentgate/internal/identity"
	"github.com/ideahub-ai/agentgate/internal/provision"
)

// AuthHandler serves the human session endpoints. Tokens move through
// httpOnly cookies only; response bodies carry user metadata and
// expiry, never token material.
type AuthHandler struct {
	provider    identity.Provider
	provisioner *provision.Provisioner
	sessions    *agentsession.Manager
	recorder    *audit.Recorder
	jwtSecret   string
	cookies     CookiePolicy
}

// NewAuthHandler constructs an AuthHandler.
func NewAuthHandler(provider identity.Provider, provisioner *provision.Provisioner, sessions *agentsession.Manager, recorder *audit.Recorder, jwtSecret string, cookies CookiePolicy) *AuthHandler {
	return &AuthHandler{
		provider:    provider,
		provisioner: provisioner,
		sessions:    sessions,
		recorder:    recorder,
		jwtSecret:   jwtSecret,
		cookies:     cookies,
	}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Signup registers a human account and provisions its agent identity.
// The two succeed or fail together.
func (h *AuthHandler) Signup(c *gin.Context) {
	var body credentialsRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	email := strings.TrimSpace(body.Email)
	if email == "" || !strings.Contains(email, "@") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid email"})
		return
	}
	if body.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing password"})
		return
	}

	sess, _, err := h.provisioner.SignupWithAgent(c.Request.Context(), email, body.Password)
	if err != nil {
		h.recordAuthEvent(c, audit.EventSignup, "", err)
		if errors.Is(err, identity.ErrDuplicateEmail) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "email already registered"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "signup failed"})
		return
	}

	h.cookies.Set(c, sess)
	h.recordAuthEvent(c, audit.EventSignup, sess.User.ID, nil)
	c.JSON(http.StatusOK, sessionResponse(sess))
}

// Login exchanges credentials for session cookies.
func (h *AuthHandler) Login(c *gin.Context) {
	var body credentialsRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	email := strings.TrimSpace(body.Email)
	if email == "" || body.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing credentials"})
		return
	}

	sess, err := h.provider.SignInWithPassword(c.Request.Context(), email, body.Password)
	if err != nil {
		h.recordAuthEvent(c, audit.EventLogin, "", err)
		switch {
		case errors.Is(err, identity.ErrInvalidCredentials):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid email or password"})
		case errors.Is(err, identity.ErrUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "authentication service unavailable"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		}
		return
	}

	h.cookies.Set(c, sess)
	h.recordAuthEvent(c, audit.EventLogin, sess.User.ID, nil)
	c.JSON(http.StatusOK, sessionResponse(sess))
}

// Logout revokes what it can and always clears cookies. Callable with
// missing or expired credentials.
func (h *AuthHandler) Logout(c *gin.Context) {
	userID := ""
	if token := RequestToken(c); token != "" {
		if claims, errVerify := identity.VerifyToken(h.jwtSecret, token); errVerify == nil {
			userID = claims.UserID
		}
		if err := h.provider.SignOut(c.Request.Context(), token); err != nil {
			log.WithError(err).Debug("api: provider sign-out failed")
		}
	}
	if userID != "" {
		if err := h.sessions.Revoke(c.Request.Context(), userID); err != nil {
			log.WithError(err).WithField("user_id", userID).Warn("api: agent session revoke failed")
		}
	}

	h.cookies.Clear(c)
	h.recordAuthEvent(c, audit.EventLogout, userID, nil)
	c.JSON(http.StatusOK, gin.H{"status": "signed out"})
}

// Refresh rotates the session cookies through the refresh-token grant.
func (h *AuthHandler) Refresh(c *gin.Context) {
	refreshToken, errCookie := c.Cookie(RefreshTokenCookie)
	if errCookie != nil || strings.TrimSpace(refreshToken) == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing refresh token"})
		return
	}

	sess, err := h.provider.RefreshSession(c.Request.Context(), refreshToken)
	if err != nil {
		h.recordAuthEvent(c, audit.EventTokenRefresh, "", err)
		if errors.Is(err, identity.ErrUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "authentication service unavailable"})
			return
		}
		h.cookies.Clear(c)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}

	h.cookies.Set(c, sess)
	h.recordAuthEvent(c, audit.EventTokenRefresh, sess.User.ID, nil)
	c.JSON(http.StatusOK, sessionResponse(sess))
}

// Me returns the verified identity of the current token.
func (h *AuthHandler) Me(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"user": gin.H{
		"id":    c.GetString(CtxUserID),
		"email": c.GetString(CtxUserEmail),
		"role":  c.GetString(CtxUserRole),
	}})
}

func sessionResponse(sess *identity.Session) gin.H {
	return gin.H{
		"user":       sess.User,
		"expires_at": sess.ExpiresAt.UnixMilli(),
	}
}

func (h *AuthHandler) recordAuthEvent(c *gin.Context, eventType, userID string, err error) {
	event := audit.Event{
		Type:      eventType,
		UserID:    userID,
		RequestID: c.GetString(CtxRequestID),
	}
	if err != nil {
		event.Outcome = audit.OutcomeFailure
		event.ErrorCode = audit.ErrorCode(err)
	}
	h.recorder.Record(c.Request.Context(), event)
}

package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ideahub-ai/agentgate/internal/agentsession"
	"github.com/ideahub-ai/agentgate/internal/credstore"
)

// AgentHandler serves agent identity metadata and session revocation
// for the authenticated user.
type AgentHandler struct {
	store    *credstore.Store
	sessions *agentsession.Manager
}

// NewAgentHandler constructs an AgentHandler.
func NewAgentHandler(store *credstore.Store, sessions *agentsession.Manager) *AgentHandler {
	return &AgentHandler{store: store, sessions: sessions}
}

// Status returns the agent profile for the current user. Metadata only;
// the credential ciphertext has no path out of the store.
func (h *AgentHandler) Status(c *gin.Context) {
	userID := c.GetString(CtxUserID)
	profile, err := h.store.Profile(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no agent provisioned"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "agent status failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": gin.H{
		"agent_user_id": profile.AgentUserID,
		"agent_email":   profile.AgentEmail,
		"created_at":    profile.CreatedAt,
		"last_used_at":  profile.LastUsedAt,
	}})
}

// Revoke drops the current user's cached agent session. The next data
// access authenticates fresh.
func (h *AgentHandler) Revoke(c *gin.Context) {
	userID := c.GetString(CtxUserID)
	if err := h.sessions.Revoke(c.Request.Context(), userID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "revoke failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "revoked"})
}

package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// IdentityPinger is the optional reachability probe an identity
// provider can expose.
type IdentityPinger interface {
	Health(ctx context.Context) error
}

// HealthHandler answers readiness probes.
type HealthHandler struct {
	db     *gorm.DB
	pinger IdentityPinger
}

// NewHealthHandler constructs a HealthHandler.
func NewHealthHandler(db *gorm.DB, pinger IdentityPinger) *HealthHandler {
	return &HealthHandler{db: db, pinger: pinger}
}

// Healthz reports database and identity-provider reachability. The
// database is load-bearing; the identity flag is informational.
func (h *HealthHandler) Healthz(c *gin.Context) {
	ctx := c.Request.Context()

	dbOK := h.db != nil
	if dbOK {
		sqlDB, errDB := h.db.DB()
		if errDB != nil || sqlDB.PingContext(ctx) != nil {
			dbOK = false
		}
	}
	identityOK := true
	if h.pinger != nil && h.pinger.Health(ctx) != nil {
		identityOK = false
	}

	status := http.StatusOK
	overall := "ok"
	if !dbOK {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}
	c.JSON(status, gin.H{"status": overall, "database": dbOK, "identity": identityOK})
}

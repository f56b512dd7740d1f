package handlers

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// Keys the middleware layer stores request identity under.
const (
	CtxUserID      = "userID"
	CtxUserEmail   = "userEmail"
	CtxUserRole    = "userRole"
	CtxAccessToken = "accessToken"
	CtxRequestID   = "requestID"
)

// RequestToken returns the access token from the Authorization header
// or the session cookie. The header wins when both are present.
func RequestToken(c *gin.Context) string {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if header != "" {
		token := strings.TrimPrefix(header, "Bearer ")
		if token == header {
			return ""
		}
		return strings.TrimSpace(token)
	}
	if cookie, err := c.Cookie(AccessTokenCookie); err == nil {
		return strings.TrimSpace(cookie)
	}
	return ""
}

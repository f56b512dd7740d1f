package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ideahub-ai/agentgate/internal/identity"
)

// Session cookie names.
const (
	AccessTokenCookie  = "access_token"
	RefreshTokenCookie = "refresh_token"
)

const fallbackCookieAge = int(time.Hour / time.Second)

// CookiePolicy fixes the attributes session cookies carry. Cookies are
// always httpOnly; production adds Secure and SameSite=None for
// cross-site frontends.
type CookiePolicy struct {
	Production bool
}

// Set writes both session cookies for sess. The refresh cookie outlives
// the access cookie so expired sessions can still be refreshed.
func (p CookiePolicy) Set(c *gin.Context, sess *identity.Session) {
	c.SetSameSite(p.sameSite())
	maxAge := int(sess.ExpiresIn)
	if maxAge <= 0 {
		maxAge = fallbackCookieAge
	}
	c.SetCookie(AccessTokenCookie, sess.AccessToken, maxAge, "/", "", p.Production, true)
	c.SetCookie(RefreshTokenCookie, sess.RefreshToken, maxAge*24, "/", "", p.Production, true)
}

// Clear expires both session cookies.
func (p CookiePolicy) Clear(c *gin.Context) {
	c.SetSameSite(p.sameSite())
	c.SetCookie(AccessTokenCookie, "", -1, "/", "", p.Production, true)
	c.SetCookie(RefreshTokenCookie, "", -1, "/", "", p.Production, true)
}

func (p CookiePolicy) sameSite() http.SameSite {
	if p.Production {
		return http.SameSiteNoneMode
	}
	return http.SameSiteLaxMode
}

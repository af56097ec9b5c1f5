package api

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"golang-tick-hub/internal/session"

	"github.com/gin-gonic/gin"
)

const (
	sessionCookie = "tickhub_session"
	sessionHeader = "X-Session-ID"
	sessionKey    = "session"
)

// authRequired is returned when a request carries no usable session
func (s *Server) authRequired(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":    "Authentication required",
		"message":  "Please login to access this resource",
		"loginUrl": s.opts.LoginURL,
	})
}

// invalidToken is returned when the broker no longer accepts the session's token
func (s *Server) invalidToken(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":    "Invalid or expired token",
		"message":  "Your session has expired. Please login again.",
		"loginUrl": s.opts.LoginURL,
	})
}

// sessionID finds the session id in the cookie, header, bearer token or query
func sessionID(c *gin.Context) string {
	if id, err := c.Cookie(sessionCookie); err == nil && id != "" {
		return id
	}
	if id := c.GetHeader(sessionHeader); id != "" {
		return id
	}
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	// Browsers cannot set headers on WebSocket upgrades
	return c.Query("session")
}

// requireSession resolves the caller's session and runs the routine check
func (s *Server) requireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		var sess *session.Session

		if id := sessionID(c); id != "" {
			found, err := s.deps.Sessions.Get(id)
			if errors.Is(err, session.ErrSessionInvalid) {
				s.invalidToken(c)
				return
			}
			if err == nil {
				sess = found
			}
		}

		if sess == nil && s.autoSessionEnabled() {
			sess = s.deps.Sessions.Create(s.opts.AutoSessionToken)
			s.setSessionCookie(c, sess.ID)
			log.Printf("🔄 Development auto-session %s created", sess.ID)
		}

		if sess == nil {
			s.authRequired(c)
			return
		}

		if !s.deps.Validator.CheckRoutine(c.Request.Context(), sess, false) {
			s.invalidToken(c)
			return
		}

		c.Set(sessionKey, sess)
		c.Next()
	}
}

func (s *Server) autoSessionEnabled() bool {
	return s.opts.Development && s.opts.AutoSessionToken != ""
}

func (s *Server) setSessionCookie(c *gin.Context, id string) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(sessionCookie, id, 0, "/", "", s.opts.SecureCookies, true)
}

func (s *Server) clearSessionCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(sessionCookie, "", -1, "/", "", s.opts.SecureCookies, true)
}

func currentSession(c *gin.Context) *session.Session {
	return c.MustGet(sessionKey).(*session.Session)
}

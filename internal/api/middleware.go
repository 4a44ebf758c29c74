package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	statusWarnThreshold  = 400
	statusErrorThreshold = 500

	// SessionHeader carries the client session on requests and responses.
	SessionHeader = "X-Session-ID"
	sessionKey    = "session_id"
)

// ZerologLogger is a Gin middleware that logs requests using zerolog.
func ZerologLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery
		method := c.Request.Method
		clientIP := c.ClientIP()
		ua := c.Request.UserAgent()

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		size := c.Writer.Size()

		evt := log.Info()
		switch {
		case status >= statusErrorThreshold:
			evt = log.Error()
		case status >= statusWarnThreshold:
			evt = log.Warn()
		}

		if raw != "" {
			path = path + "?" + raw
		}

		evt.
			Int("status", status).
			Str("session_id", c.GetString(sessionKey)).
			Str("method", method).
			Str("path", path).
			Dur("latency", latency).
			Str("client_ip", clientIP).
			Int("bytes", size).
			Str("user_agent", ua).
			Msg("http request completed")
	}
}

// SessionMiddleware resolves the client session from the X-Session-ID header,
// minting a new one when absent, and echoes it on the response.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sid := strings.TrimSpace(c.GetHeader(SessionHeader))
		if sid == "" {
			sid = uuid.NewString()
		}
		if !validSessionID(sid) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid " + SessionHeader})
			return
		}
		c.Set(sessionKey, sid)
		c.Header(SessionHeader, sid)
		c.Next()
	}
}

// validSessionID accepts 1-64 letters, digits, dashes and underscores.
func validSessionID(sid string) bool {
	if len(sid) > 64 {
		return false
	}
	for _, r := range sid {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			return false
		}
	}
	return true
}

func sessionID(c *gin.Context) string {
	return c.GetString(sessionKey)
}

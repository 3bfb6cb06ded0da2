package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// HeaderAgentID carries the caller's agent or user id. The service does no
// authentication; the id only scopes private channel reads, rate limits and
// idempotency lookups.
const HeaderAgentID = "X-Agent-ID"

const ctxKeyAgentID = "agentID"

// maxAgentIDLen bounds the header value kept in context and logs.
const maxAgentIDLen = 128

// Identity copies a well-formed X-Agent-ID header into the Gin context.
// Oversized values are ignored rather than rejected.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := strings.TrimSpace(c.GetHeader(HeaderAgentID)); id != "" && len(id) <= maxAgentIDLen {
			c.Set(ctxKeyAgentID, id)
		}
		c.Next()
	}
}

// AgentID returns the identity stored by Identity, or "".
func AgentID(c *gin.Context) string {
	if v, ok := c.Get(ctxKeyAgentID); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

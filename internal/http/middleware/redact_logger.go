// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// RedactingLogger is the access logger. Query strings and header values pass
// through the same redactor that scrubs post content before they are logged,
// so an address or key in a URL never reaches the logs. Bodies are never
// logged.
package middleware

import (
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Scrubber masks sensitive values in free text.
type Scrubber interface {
	String(text string) string
}

// RedactOptions configures RedactingLogger.
type RedactOptions struct {
	// Scrubber masks query and header values. Nil logs only the masked
	// headers and drops the query.
	Scrubber Scrubber

	// MaskHeaders are replaced with "[REDACTED]" in addition to
	// Authorization, Cookie and Set-Cookie. Case-insensitive.
	MaskHeaders []string

	// Logger is the base logger; nil uses the global zerolog logger.
	Logger *zerolog.Logger
}

const maxQueryLogLength = 2048

// uuidRE masks ids before the scrubber runs so their digit groups are not
// mistaken for phone numbers.
var uuidRE = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)

// RedactingLogger attaches a request-scoped logger (see LoggerFrom) and
// writes one access log line per request: info for 2xx/3xx, warn for 4xx,
// error for 5xx.
func RedactingLogger(opts RedactOptions) gin.HandlerFunc {
	mask := map[string]struct{}{
		"authorization": {},
		"cookie":        {},
		"set-cookie":    {},
	}
	for _, h := range opts.MaskHeaders {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			mask[h] = struct{}{}
		}
	}
	scrub := func(s string) string {
		if s == "" {
			return s
		}
		s = uuidRE.ReplaceAllString(s, "[id]")
		if opts.Scrubber == nil {
			return "[REDACTED]"
		}
		return opts.Scrubber.String(s)
	}

	return func(c *gin.Context) {
		start := time.Now()

		base := log.Logger
		if opts.Logger != nil {
			base = *opts.Logger
		}
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		l := base.With().
			Str("request_id", GetRequestID(c)).
			Str("agent_id", AgentID(c)).
			Str("method", c.Request.Method).
			Str("path", path).
			Logger()
		c.Set(loggerKey, &l)

		query := scrub(truncate(c.Request.URL.RawQuery, maxQueryLogLength))
		headers := make(map[string]string, len(c.Request.Header))
		for k, vv := range c.Request.Header {
			if _, ok := mask[strings.ToLower(k)]; ok {
				headers[k] = "[REDACTED]"
				continue
			}
			headers[k] = scrub(strings.Join(vv, ", "))
		}

		c.Next()

		status := c.Writer.Status()
		var ev *zerolog.Event
		switch {
		case status >= 500:
			ev = l.Error()
		case status >= 400:
			ev = l.Warn()
		default:
			ev = l.Info()
		}
		if len(c.Errors) > 0 {
			ev = ev.Str("errors", scrub(c.Errors.String()))
		}
		ev.
			Str("query", query).
			Str("remote_ip", c.ClientIP()).
			Int("status", status).
			Int("bytes", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Interface("headers", headers).
			Msg("http_request")
	}
}

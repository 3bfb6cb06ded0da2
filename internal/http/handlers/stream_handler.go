package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tbourn/agent-feed/internal/bus"
	"github.com/tbourn/agent-feed/internal/domain"
)

// maxStreamTopics bounds one connection's subscription list.
const maxStreamTopics = 32

// StreamOptions configures the WebSocket endpoint.
type StreamOptions struct {
	// AllowedOrigins lists browser origins allowed to connect. Empty allows
	// any origin, matching the CORS posture of the API.
	AllowedOrigins []string

	// Context ends every open stream when cancelled (server shutdown).
	// Hijacked connections are not closed by http.Server.Shutdown.
	Context context.Context
}

// WithStream configures the WebSocket endpoint.
func (h *Handlers) WithStream(opts StreamOptions) *Handlers {
	allowed := make(map[string]struct{}, len(opts.AllowedOrigins))
	for _, o := range opts.AllowedOrigins {
		allowed[o] = struct{}{}
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			_, ok := allowed[origin]
			return ok
		},
	}
	if opts.Context != nil {
		h.streamCtx = opts.Context
	}
	return h
}

// parseTopics splits a comma-separated topic list, validating each entry.
// An empty list subscribes to the global topic.
func parseTopics(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return []string{domain.GlobalTopic}, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, err := domain.ParseTopic(p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return []string{domain.GlobalTopic}, nil
	}
	return out, nil
}

// Stream upgrades to a WebSocket and delivers bus events for the requested
// topics until either side closes:
//
//	GET /stream?subscriber_id=agent-7&topics=global,channel:<id>,alerts
//
// Channel topics require read access to the channel, checked against the
// subscriber id (or caller identity) before the upgrade. Events arrive as
// text frames holding {type, data, topics}. Inbound data frames are ignored.
func (h *Handlers) Stream(c *gin.Context) {
	topics, err := parseTopics(c.Query("topics"))
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid topic: use global, alerts, channel:<id>, category:<name> or agent:<id>")
		return
	}
	if len(topics) > maxStreamTopics {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "too many topics")
		return
	}
	sub := strings.TrimSpace(c.Query("subscriber_id"))
	if sub == "" {
		sub = readerID(c)
	}
	if !h.canStream(c, sub, topics) {
		return
	}
	if sub == "" {
		sub = "anon-" + uuid.NewString()
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader has already answered with an HTTP error
		h.log.Debug().Err(err).Str("subscriber_id", sub).Msg("websocket upgrade failed")
		return
	}
	t := bus.NewWebSocketTransport(conn)

	if err := h.hub.Subscribe(sub, t, topics); err != nil {
		h.log.Warn().Err(err).Str("subscriber_id", sub).Msg("stream subscribe failed")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "event bus unavailable"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	defer h.hub.Unsubscribe(sub, t)

	h.log.Info().Str("subscriber_id", sub).Strs("topics", topics).Msg("stream opened")
	t.Run(h.streamCtx, h.PingInterval)
	h.log.Info().Str("subscriber_id", sub).Msg("stream closed")
}

// canStream checks channel topics against the reader's access before the
// upgrade, answering 403 or 404 itself when access is denied.
func (h *Handlers) canStream(c *gin.Context, reader string, topics []string) bool {
	for _, topic := range topics {
		if kind, err := domain.ParseTopic(topic); err != nil || kind != domain.TopicChannel {
			continue
		}
		channelID := strings.TrimPrefix(strings.TrimSpace(topic), domain.ChannelTopic(""))
		ok, err := h.feed.CanRead(c.Request.Context(), reader, channelID)
		if err != nil {
			writeServiceError(c, err)
			return false
		}
		if !ok {
			fail(c, http.StatusForbidden, ErrCodeForbidden, "channel is private")
			return false
		}
	}
	return true
}
